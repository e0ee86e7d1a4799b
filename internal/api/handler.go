package api

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/glqstrauss/cityjobs/internal/errors"
	"github.com/glqstrauss/cityjobs/internal/query"
)

// Handler exposes the query engine over HTTP.
type Handler struct {
	engine *query.Engine
	logger *zap.Logger
}

func NewHandler(engine *query.Engine, logger *zap.Logger) *Handler {
	return &Handler{
		engine: engine,
		logger: logger,
	}
}

func (h *Handler) Register(e *echo.Echo) {
	e.JSONSerializer = jsonSerializer{}
	e.Use(middleware.Recover())

	e.GET("/health", h.health)

	v1 := e.Group("/api/v1")
	v1.POST("/jobs/query", h.queryJobs)
	v1.GET("/jobs/:id", h.getJob)
	v1.GET("/filters", h.getFilters)
}

func (h *Handler) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"ready":           h.engine.Ready(),
		"provenance_date": h.engine.ProvenanceDate(),
		"search_index":    h.engine.SearchIndexAvailable(),
	})
}

func (h *Handler) queryJobs(c echo.Context) error {
	var req query.Request
	if err := c.Bind(&req); err != nil {
		return h.writeError(c, errors.InvalidInput("invalid request body", err))
	}

	result, err := h.engine.Query(c.Request().Context(), req)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) getJob(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return h.writeError(c, errors.InvalidInput("missing record id", nil))
	}

	record, err := h.engine.GetByID(c.Request().Context(), id)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, record)
}

func (h *Handler) getFilters(c echo.Context) error {
	facets, err := h.engine.Facets(c.Request().Context())
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, facets)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (h *Handler) writeError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	errType := errors.ErrTypeInternal
	message := "internal error"

	var de *errors.DomainError
	if stderrors.As(err, &de) {
		errType = de.Type
		message = de.Message
		switch de.Type {
		case errors.ErrTypeInvalidInput, errors.ErrTypeInvalidSort:
			status = http.StatusBadRequest
		case errors.ErrTypeNotFound:
			status = http.StatusNotFound
		case errors.ErrTypeEngineNotReady:
			status = http.StatusServiceUnavailable
		}
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.Path()),
			zap.Error(err))
	}

	return c.JSON(status, errorResponse{
		Error:   string(errType),
		Message: message,
	})
}

// jsonSerializer swaps echo's default encoder for goccy/go-json, keeping the
// wire format identical.
type jsonSerializer struct{}

func (jsonSerializer) Serialize(c echo.Context, i interface{}, indent string) error {
	enc := json.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

func (jsonSerializer) Deserialize(c echo.Context, i interface{}) error {
	if err := json.NewDecoder(c.Request().Body).Decode(i); err != nil {
		return fmt.Errorf("decoding request body: %w", err)
	}
	return nil
}

package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/glqstrauss/cityjobs/internal/errors"
	"github.com/glqstrauss/cityjobs/internal/models"
	"github.com/glqstrauss/cityjobs/internal/telemetry"
)

var tracer = telemetry.GetTracer("cityjobs/source")

// Client talks to the upstream Socrata-style dataset API.
type Client interface {
	// CurrentProcessDate fetches a single record and returns its process_date
	// value. This is the cheap probe used for change detection; it never
	// triggers a full dataset fetch.
	CurrentProcessDate(ctx context.Context) (string, error)

	// FetchAll paginates the whole dataset until a short page signals
	// end-of-data.
	FetchAll(ctx context.Context) ([]models.RawRecord, error)

	// Metadata fetches the dataset metadata endpoint. Informational only: the
	// updatedAt timestamps it reports fluctuate without real data changes.
	Metadata(ctx context.Context) (*models.SourceMetadata, error)
}

type Options struct {
	BaseURL   string
	DatasetID string
	KeyID     string
	KeySecret string
	PageSize  int
	// Timeout bounds every upstream request, independently of the run-level
	// context deadline. Ignored when Client is supplied.
	Timeout time.Duration
	Client  *http.Client
}

type client struct {
	http      *http.Client
	logger    *zap.Logger
	baseURL   string
	datasetID string
	keyID     string
	keySecret string
	pageSize  int
}

func NewClient(logger *zap.Logger, opts Options) Client {
	httpClient := opts.Client
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	return &client{
		http:      httpClient,
		logger:    logger,
		baseURL:   opts.BaseURL,
		datasetID: opts.DatasetID,
		keyID:     opts.KeyID,
		keySecret: opts.KeySecret,
		pageSize:  opts.PageSize,
	}
}

func (c *client) CurrentProcessDate(ctx context.Context) (string, error) {
	ctx, span := tracer.Start(ctx, "CurrentProcessDate")
	defer span.End()

	records, err := c.fetchPage(ctx, 1, 0)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	if len(records) == 0 {
		return "", errors.Upstream("dataset returned no records for probe", 0, nil)
	}

	processDate := records[0].ProcessDate
	span.SetAttributes(telemetry.String("source.process_date", processDate))
	c.logger.Debug("probed upstream process_date", zap.String("process_date", processDate))
	return processDate, nil
}

func (c *client) FetchAll(ctx context.Context) ([]models.RawRecord, error) {
	ctx, span := tracer.Start(ctx, "FetchAll")
	defer span.End()

	var all []models.RawRecord
	offset := 0

	for {
		batch, err := c.fetchPage(ctx, c.pageSize, offset)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}

		all = append(all, batch...)
		c.logger.Info("fetched records",
			zap.Int("batch", len(batch)),
			zap.Int("total", len(all)))

		if len(batch) < c.pageSize {
			break
		}
		offset += c.pageSize
	}

	span.SetAttributes(telemetry.Int("records.count", len(all)))
	return all, nil
}

func (c *client) Metadata(ctx context.Context) (*models.SourceMetadata, error) {
	ctx, span := tracer.Start(ctx, "Metadata")
	defer span.End()

	endpoint := fmt.Sprintf("%s/api/views/metadata/v1/%s", c.baseURL, c.datasetID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Upstream("creating metadata request", 0, err)
	}

	var metadata models.SourceMetadata
	if err := c.do(req, &metadata); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &metadata, nil
}

func (c *client) fetchPage(ctx context.Context, limit, offset int) ([]models.RawRecord, error) {
	params := url.Values{}
	params.Set("$limit", strconv.Itoa(limit))
	params.Set("$offset", strconv.Itoa(offset))
	endpoint := fmt.Sprintf("%s/resource/%s.json?%s", c.baseURL, c.datasetID, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Upstream("creating page request", 0, err)
	}

	var records []models.RawRecord
	if err := c.do(req, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *client) do(req *http.Request, out interface{}) error {
	if c.keyID != "" {
		req.SetBasicAuth(c.keyID, c.keySecret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("failed to execute request", zap.String("url", req.URL.String()), zap.Error(err))
		return errors.Upstream("executing request", 0, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Warn("failed to close response body", zap.Error(cerr))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("unexpected status code",
			zap.String("url", req.URL.String()),
			zap.Int("status_code", resp.StatusCode))
		return errors.Upstream("unexpected status code", resp.StatusCode, nil)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.logger.Error("failed to decode response", zap.Error(err))
		return errors.Upstream("decoding response", resp.StatusCode, err)
	}
	return nil
}

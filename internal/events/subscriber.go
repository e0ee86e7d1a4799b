package events

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/glqstrauss/cityjobs/internal/messaging"
	"github.com/glqstrauss/cityjobs/internal/pipeline"
	"github.com/glqstrauss/cityjobs/internal/query"
	"github.com/glqstrauss/cityjobs/internal/telemetry"
)

var tracer = telemetry.GetTracer("cityjobs/events")

const queryQueueGroup = "query-service"

// SnapshotHandler reloads the query engine whenever an ingestion run commits
// a new snapshot.
type SnapshotHandler struct {
	logger *zap.Logger
	nc     *nats.Conn
	engine *query.Engine
	sub    *nats.Subscription
}

func NewSnapshotHandler(logger *zap.Logger, nc *nats.Conn, engine *query.Engine) *SnapshotHandler {
	return &SnapshotHandler{
		logger: logger,
		nc:     nc,
		engine: engine,
	}
}

func (h *SnapshotHandler) RegisterSubscriptions(lc fx.Lifecycle) error {
	sub, err := h.nc.QueueSubscribe(messaging.SnapshotCommittedSubject, queryQueueGroup, h.handleSnapshotCommitted)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", messaging.SnapshotCommittedSubject, err)
	}

	h.sub = sub
	h.logger.Info("registered NATS subscriptions")

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return h.sub.Unsubscribe()
		},
	})

	return nil
}

func (h *SnapshotHandler) handleSnapshotCommitted(msg *nats.Msg) {
	ctx, span := tracer.Start(context.Background(), "handleSnapshotCommitted")
	defer span.End()

	var event messaging.SnapshotCommitted
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		span.RecordError(err)
		h.logger.Error("failed to decode snapshot event",
			zap.Error(err),
			zap.String("subject", msg.Subject))
		return
	}
	span.SetAttributes(telemetry.String("snapshot.provenance_date", event.ProvenanceDate))

	// Reload from the pointer rather than trusting the event payload, so a
	// stale event redelivered after a newer commit still lands on the newest
	// snapshot.
	if err := h.engine.LoadLatest(ctx); err != nil {
		span.RecordError(err)
		h.logger.Error("failed to reload snapshot",
			zap.Error(err),
			zap.String("provenance_date", event.ProvenanceDate))
		return
	}

	h.logger.Info("reloaded snapshot",
		zap.String("provenance_date", event.ProvenanceDate),
		zap.Int("record_count", event.RecordCount))
}

// TriggerHandler lets operators run the ingestion pipeline on demand by
// publishing to the trigger subject.
type TriggerHandler struct {
	logger     *zap.Logger
	nc         *nats.Conn
	pipeline   *pipeline.Pipeline
	runTimeout time.Duration
	sub        *nats.Subscription
}

func NewTriggerHandler(logger *zap.Logger, nc *nats.Conn, p *pipeline.Pipeline, runTimeout time.Duration) *TriggerHandler {
	return &TriggerHandler{
		logger:     logger,
		nc:         nc,
		pipeline:   p,
		runTimeout: runTimeout,
	}
}

func (h *TriggerHandler) RegisterSubscriptions(lc fx.Lifecycle) error {
	sub, err := h.nc.Subscribe(messaging.PipelineTriggerSubject, h.handleTrigger)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", messaging.PipelineTriggerSubject, err)
	}

	h.sub = sub
	h.logger.Info("registered NATS subscriptions")

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return h.sub.Unsubscribe()
		},
	})

	return nil
}

func (h *TriggerHandler) handleTrigger(msg *nats.Msg) {
	ctx, span := tracer.Start(context.Background(), "handleTrigger")
	defer span.End()

	var req messaging.TriggerRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		span.RecordError(err)
		h.logger.Error("failed to decode trigger request", zap.Error(err))
		return
	}
	span.SetAttributes(telemetry.String("trigger.action", req.Action))

	ctx, cancel := context.WithTimeout(ctx, h.runTimeout)
	defer cancel()

	var (
		result *pipeline.RunResult
		err    error
	)
	switch req.Action {
	case messaging.ActionLatest, "":
		result, err = h.pipeline.RunLatest(ctx)
	case messaging.ActionReprocessAll:
		result, err = h.pipeline.ReprocessAll(ctx)
	default:
		h.logger.Warn("ignoring trigger with unknown action", zap.String("action", req.Action))
		return
	}
	if err != nil {
		span.RecordError(err)
		h.logger.Error("triggered pipeline run failed",
			zap.String("action", req.Action),
			zap.Error(err))
		return
	}

	h.logger.Info("triggered pipeline run finished",
		zap.String("action", req.Action),
		zap.String("provenance_date", result.ProvenanceDate),
		zap.Int("record_count", result.RecordCount),
		zap.Bool("skipped", result.Skipped))
}

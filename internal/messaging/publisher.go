package messaging

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/glqstrauss/cityjobs/internal/errors"
	"github.com/glqstrauss/cityjobs/internal/telemetry"
)

var tracer = telemetry.GetTracer("cityjobs/messaging")

const (
	// SnapshotCommittedSubject carries one event per completed ingestion run,
	// published after the pointer commit. Consumers reload from the blob
	// store on receipt.
	SnapshotCommittedSubject = "snapshots.committed"

	// PipelineTriggerSubject accepts manual pipeline runs: {"action":"latest"}
	// or {"action":"reprocess_all"}.
	PipelineTriggerSubject = "pipeline.trigger"
)

type SnapshotCommitted struct {
	ProvenanceDate string `json:"provenance_date"`
	ProcessedKey   string `json:"processed_key"`
	RecordCount    int    `json:"record_count"`
}

type TriggerRequest struct {
	Action string `json:"action"`
}

const (
	ActionLatest       = "latest"
	ActionReprocessAll = "reprocess_all"
)

type Publisher interface {
	PublishSnapshotCommitted(ctx context.Context, event SnapshotCommitted) error
	Close()
}

type natsPublisher struct {
	conn   *nats.Conn
	logger *zap.Logger
}

func Connect(url string, timeout time.Duration, name string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Timeout(timeout),
		nats.Name(name),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
	}
	return nats.Connect(url, opts...)
}

func NewPublisher(logger *zap.Logger, conn *nats.Conn) Publisher {
	return &natsPublisher{
		conn:   conn,
		logger: logger,
	}
}

func (p *natsPublisher) PublishSnapshotCommitted(ctx context.Context, event SnapshotCommitted) error {
	_, span := tracer.Start(ctx, "PublishSnapshotCommitted")
	defer span.End()

	data, err := json.Marshal(event)
	if err != nil {
		span.RecordError(err)
		return errors.Internal("marshaling snapshot event", err)
	}

	span.SetAttributes(
		telemetry.String("nats.subject", SnapshotCommittedSubject),
		telemetry.String("snapshot.provenance_date", event.ProvenanceDate),
	)

	if err := p.conn.Publish(SnapshotCommittedSubject, data); err != nil {
		span.RecordError(err)
		p.logger.Error("failed to publish snapshot event",
			zap.String("provenance_date", event.ProvenanceDate),
			zap.Error(err))
		return errors.Internal("publishing to NATS", err)
	}

	p.logger.Debug("published snapshot event",
		zap.String("provenance_date", event.ProvenanceDate),
		zap.String("subject", SnapshotCommittedSubject))
	return nil
}

func (p *natsPublisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}

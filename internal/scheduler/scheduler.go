package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/glqstrauss/cityjobs/internal/pipeline"
	"github.com/glqstrauss/cityjobs/internal/telemetry"
)

var tracer = telemetry.GetTracer("cityjobs/scheduler")

// Scheduler runs the ingestion pipeline on a fixed interval, with one run at
// startup. The source publishes at most one snapshot per day, so each run
// usually short-circuits on the process_date probe.
type Scheduler struct {
	pipeline *pipeline.Pipeline
	logger   *zap.Logger

	interval   time.Duration
	runTimeout time.Duration

	mutex    sync.Mutex
	isActive bool
}

func New(p *pipeline.Pipeline, logger *zap.Logger, interval, runTimeout time.Duration) *Scheduler {
	return &Scheduler{
		pipeline:   p,
		logger:     logger,
		interval:   interval,
		runTimeout: runTimeout,
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mutex.Lock()
	if s.isActive {
		s.mutex.Unlock()
		return nil
	}
	s.isActive = true
	s.mutex.Unlock()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) Stop() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.isActive = false
}

func (s *Scheduler) runOnce(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "Scheduler.runOnce")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	result, err := s.pipeline.RunLatest(ctx)
	if err != nil {
		span.RecordError(err)
		s.logger.Error("scheduled pipeline run failed", zap.Error(err))
		return
	}

	if result.Skipped {
		s.logger.Debug("scheduled run skipped, snapshot unchanged",
			zap.String("provenance_date", result.ProvenanceDate))
		return
	}
	s.logger.Info("scheduled run ingested snapshot",
		zap.String("provenance_date", result.ProvenanceDate),
		zap.Int("record_count", result.RecordCount))
}

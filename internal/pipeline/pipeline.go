package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/glqstrauss/cityjobs/internal/blob"
	"github.com/glqstrauss/cityjobs/internal/errors"
	"github.com/glqstrauss/cityjobs/internal/history"
	"github.com/glqstrauss/cityjobs/internal/messaging"
	"github.com/glqstrauss/cityjobs/internal/models"
	"github.com/glqstrauss/cityjobs/internal/normalize"
	"github.com/glqstrauss/cityjobs/internal/source"
	"github.com/glqstrauss/cityjobs/internal/telemetry"
)

var tracer = telemetry.GetTracer("cityjobs/pipeline")

const normalizeWorkers = 8

// Pipeline runs one ingestion sequence per trigger: probe for a new upstream
// process_date, fetch, normalize, persist raw and normalized artifacts,
// rebuild the history table, then commit the pointer. Any step failure aborts
// the run before the pointer advances, so prior state stays intact and
// queryable. Runs are serialized with a mutex; a daily trigger never needs
// more concurrency than that.
type Pipeline struct {
	source     source.Client
	store      blob.Store
	aggregator *history.Aggregator
	publisher  messaging.Publisher
	logger     *zap.Logger
	now        func() time.Time

	mu sync.Mutex
}

func New(src source.Client, store blob.Store, aggregator *history.Aggregator, publisher messaging.Publisher, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		source:     src,
		store:      store,
		aggregator: aggregator,
		publisher:  publisher,
		logger:     logger,
		now:        time.Now,
	}
}

type RunResult struct {
	ProvenanceDate string
	RecordCount    int
	// Skipped reports the common no-op case: the upstream process_date
	// matches the committed pointer, so there is nothing to ingest.
	Skipped bool
}

func (p *Pipeline) RunLatest(ctx context.Context) (*RunResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, span := tracer.Start(ctx, "Pipeline.RunLatest")
	defer span.End()

	probe, err := p.source.CurrentProcessDate(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	provenanceDate, err := normalize.ProcessDate(probe)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(telemetry.String("snapshot.provenance_date", provenanceDate))

	pointer, err := p.loadPointer(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if pointer != nil && pointer.ProvenanceDate == provenanceDate {
		span.SetAttributes(telemetry.Bool("snapshot.skipped", true))
		p.logger.Info("no new data, provenance date unchanged",
			zap.String("provenance_date", provenanceDate))
		return &RunResult{ProvenanceDate: provenanceDate, Skipped: true}, nil
	}

	fetchedAt := p.now().UTC()
	p.logger.Info("new provenance date, fetching full dataset",
		zap.String("provenance_date", provenanceDate))

	records, err := p.source.FetchAll(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	postings, err := p.normalizeAll(ctx, records)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if err := p.persistRaw(ctx, provenanceDate, records); err != nil {
		span.RecordError(err)
		return nil, err
	}

	if err := p.persistNormalized(ctx, provenanceDate, postings); err != nil {
		span.RecordError(err)
		return nil, err
	}

	if _, err := p.aggregator.Rebuild(ctx); err != nil {
		span.RecordError(err)
		return nil, err
	}

	metadata := models.SnapshotMetadata{
		ProvenanceDate: provenanceDate,
		FetchedAt:      fetchedAt,
		ProcessedAt:    p.now().UTC(),
		RecordCount:    len(postings),
		RawKey:         blob.RawKey(provenanceDate),
		ProcessedKey:   blob.ProcessedKey(provenanceDate),
	}

	committed, err := p.commitPointer(ctx, metadata)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if committed {
		p.publishCommitted(ctx, metadata)
	}

	p.logger.Info("ingestion run complete",
		zap.String("provenance_date", provenanceDate),
		zap.Int("record_count", len(postings)))
	return &RunResult{ProvenanceDate: provenanceDate, RecordCount: len(postings)}, nil
}

// ReprocessAll re-derives every normalized snapshot and the history table
// from already-stored raw snapshots, without touching the upstream source.
// Used after normalization rule changes.
func (p *Pipeline) ReprocessAll(ctx context.Context) (*RunResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, span := tracer.Start(ctx, "Pipeline.ReprocessAll")
	defer span.End()

	rawKeys, err := p.store.List(ctx, blob.RawPrefix)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if len(rawKeys) == 0 {
		p.logger.Info("no raw snapshots to reprocess")
		return &RunResult{Skipped: true}, nil
	}
	span.SetAttributes(telemetry.Int("snapshots.count", len(rawKeys)))

	var latestDate string
	var latestCount int
	for _, key := range rawKeys {
		provenanceDate := provenanceDateFromKey(key, blob.RawPrefix)
		if provenanceDate == "" {
			p.logger.Warn("skipping raw blob with unexpected key", zap.String("key", key))
			continue
		}

		data, err := p.store.Get(ctx, key)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}

		var records []models.RawRecord
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, errors.Store("decoding raw snapshot "+key, err)
		}

		postings, err := p.normalizeAll(ctx, records)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}

		if err := p.persistNormalized(ctx, provenanceDate, postings); err != nil {
			span.RecordError(err)
			return nil, err
		}

		p.logger.Info("reprocessed snapshot",
			zap.String("provenance_date", provenanceDate),
			zap.Int("record_count", len(postings)))
		latestDate = provenanceDate
		latestCount = len(postings)
	}

	if _, err := p.aggregator.Rebuild(ctx); err != nil {
		span.RecordError(err)
		return nil, err
	}

	metadata := models.SnapshotMetadata{
		ProvenanceDate: latestDate,
		FetchedAt:      p.now().UTC(),
		ProcessedAt:    p.now().UTC(),
		RecordCount:    latestCount,
		RawKey:         blob.RawKey(latestDate),
		ProcessedKey:   blob.ProcessedKey(latestDate),
	}
	if pointer, err := p.loadPointer(ctx); err == nil && pointer != nil {
		metadata.FetchedAt = pointer.FetchedAt
	}

	committed, err := p.commitPointer(ctx, metadata)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if committed {
		p.publishCommitted(ctx, metadata)
	}

	p.logger.Info("reprocess complete",
		zap.Int("snapshots", len(rawKeys)),
		zap.String("latest", latestDate))
	return &RunResult{ProvenanceDate: latestDate, RecordCount: latestCount}, nil
}

// normalizeAll applies the field normalizer to every record, preserving input
// order. Any single malformed record aborts the batch: the dataset is small
// enough that a full retry is cheap, and a silently-incomplete snapshot is
// the more expensive failure mode.
func (p *Pipeline) normalizeAll(ctx context.Context, records []models.RawRecord) ([]models.JobPosting, error) {
	_, span := tracer.Start(ctx, "Pipeline.normalizeAll")
	defer span.End()
	span.SetAttributes(telemetry.Int("records.count", len(records)))

	postings := make([]models.JobPosting, len(records))
	indexes := make(chan int)

	var wg sync.WaitGroup
	var errMu sync.Mutex
	var firstErr error

	for i := 0; i < normalizeWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range indexes {
				posting, err := normalize.Record(&records[idx])
				if err != nil {
					errMu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					errMu.Unlock()
					continue
				}
				postings[idx] = *posting
			}
		}()
	}

	for idx := range records {
		indexes <- idx
	}
	close(indexes)
	wg.Wait()

	if firstErr != nil {
		span.RecordError(firstErr)
		p.logger.Error("normalization failed, aborting batch", zap.Error(firstErr))
		return nil, firstErr
	}
	return postings, nil
}

func (p *Pipeline) persistRaw(ctx context.Context, provenanceDate string, records []models.RawRecord) error {
	data, err := json.Marshal(records)
	if err != nil {
		return errors.Internal("encoding raw snapshot", err)
	}
	return p.store.Put(ctx, blob.RawKey(provenanceDate), data, blob.ContentTypeJSON)
}

func (p *Pipeline) persistNormalized(ctx context.Context, provenanceDate string, postings []models.JobPosting) error {
	data, err := json.Marshal(postings)
	if err != nil {
		return errors.Internal("encoding normalized snapshot", err)
	}
	return p.store.Put(ctx, blob.ProcessedKey(provenanceDate), data, blob.ContentTypeJSON)
}

func (p *Pipeline) loadPointer(ctx context.Context) (*models.SnapshotMetadata, error) {
	data, err := p.store.Get(ctx, blob.MetadataKey)
	if err != nil {
		if errors.IsType(err, errors.ErrTypeNotFound) {
			p.logger.Info("no previous pointer found")
			return nil, nil
		}
		return nil, err
	}

	var metadata models.SnapshotMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return nil, errors.Store("decoding snapshot pointer", err)
	}
	return &metadata, nil
}

// commitPointer writes the pointer last, making it the run's commit marker.
// A lagging run must not clobber a newer pointer with stale metadata, so the
// write is refused when the stored provenance date is newer. Provenance dates
// are YYYY-MM-DD, so string comparison orders them correctly.
func (p *Pipeline) commitPointer(ctx context.Context, metadata models.SnapshotMetadata) (bool, error) {
	existing, err := p.loadPointer(ctx)
	if err != nil {
		return false, err
	}
	if existing != nil && existing.ProvenanceDate > metadata.ProvenanceDate {
		p.logger.Warn("refusing to overwrite newer pointer",
			zap.String("existing", existing.ProvenanceDate),
			zap.String("ours", metadata.ProvenanceDate))
		return false, nil
	}

	data, err := json.Marshal(metadata)
	if err != nil {
		return false, errors.Internal("encoding snapshot pointer", err)
	}
	if err := p.store.Put(ctx, blob.MetadataKey, data, blob.ContentTypeJSON); err != nil {
		return false, err
	}

	p.logger.Info("pointer committed",
		zap.String("provenance_date", metadata.ProvenanceDate),
		zap.Int("record_count", metadata.RecordCount))
	return true, nil
}

func (p *Pipeline) publishCommitted(ctx context.Context, metadata models.SnapshotMetadata) {
	if p.publisher == nil {
		return
	}
	event := messaging.SnapshotCommitted{
		ProvenanceDate: metadata.ProvenanceDate,
		ProcessedKey:   metadata.ProcessedKey,
		RecordCount:    metadata.RecordCount,
	}
	// Downstream notification is best effort: the pointer is already durable
	// and consumers reconcile from it on startup.
	if err := p.publisher.PublishSnapshotCommitted(ctx, event); err != nil {
		p.logger.Warn("failed to publish snapshot event", zap.Error(err))
	}
}

func provenanceDateFromKey(key, prefix string) string {
	name := strings.TrimPrefix(key, prefix)
	return strings.TrimSuffix(name, ".json")
}

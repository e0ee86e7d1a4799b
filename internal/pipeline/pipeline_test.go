package pipeline

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/glqstrauss/cityjobs/internal/blob"
	"github.com/glqstrauss/cityjobs/internal/errors"
	"github.com/glqstrauss/cityjobs/internal/history"
	"github.com/glqstrauss/cityjobs/internal/messaging"
	"github.com/glqstrauss/cityjobs/internal/models"
)

type fakeSource struct {
	records     []models.RawRecord
	probeCalls  int
	fetchCalls  int
	probeErr    error
	fetchErr    error
	processDate string
}

func (f *fakeSource) CurrentProcessDate(context.Context) (string, error) {
	f.probeCalls++
	if f.probeErr != nil {
		return "", f.probeErr
	}
	return f.processDate, nil
}

func (f *fakeSource) FetchAll(context.Context) ([]models.RawRecord, error) {
	f.fetchCalls++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.records, nil
}

func (f *fakeSource) Metadata(context.Context) (*models.SourceMetadata, error) {
	return &models.SourceMetadata{}, nil
}

type fakePublisher struct {
	events []messaging.SnapshotCommitted
}

func (f *fakePublisher) PublishSnapshotCommitted(_ context.Context, event messaging.SnapshotCommitted) error {
	f.events = append(f.events, event)
	return nil
}

func (f *fakePublisher) Close() {}

func rawBatch(processDate string, n int) []models.RawRecord {
	records := make([]models.RawRecord, n)
	for i := range records {
		records[i] = models.RawRecord{
			JobID:           strconv.Itoa(500 + i),
			Agency:          "DEPT OF PARKS & RECREATION",
			BusinessTitle:   "City Seasonal Aide",
			JobCategory:     "Health",
			SalaryRangeFrom: "16.50",
			SalaryRangeTo:   "18.00",
			SalaryFrequency: "Hourly",
			JobDescription:  "Seasonal parks work.",
			PostingDate:     "09-JAN-2026",
			ProcessDate:     processDate,
		}
	}
	return records
}

func newTestPipeline(t *testing.T, src *fakeSource, store blob.Store, pub messaging.Publisher) *Pipeline {
	t.Helper()
	logger := zaptest.NewLogger(t)
	p := New(src, store, history.NewAggregator(store, logger), pub, logger)
	p.now = func() time.Time { return time.Date(2026, 1, 26, 12, 0, 0, 0, time.UTC) }
	return p
}

func loadPostings(t *testing.T, store blob.Store, key string) []models.JobPosting {
	t.Helper()
	data, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	var postings []models.JobPosting
	require.NoError(t, json.Unmarshal(data, &postings))
	return postings
}

func TestRunLatestFullRun(t *testing.T) {
	src := &fakeSource{
		processDate: "2026-01-26T00:00:00.000",
		records:     rawBatch("2026-01-26T00:00:00.000", 3),
	}
	store := blob.NewMemoryStore()
	pub := &fakePublisher{}
	p := newTestPipeline(t, src, store, pub)

	result, err := p.RunLatest(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.Equal(t, "2026-01-26", result.ProvenanceDate)
	assert.Equal(t, 3, result.RecordCount)

	ctx := context.Background()
	for _, key := range []string{
		blob.RawKey("2026-01-26"),
		blob.ProcessedKey("2026-01-26"),
		blob.HistoryKey,
		blob.MetadataKey,
	} {
		ok, err := store.Exists(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok, "expected %s to exist", key)
	}

	postings := loadPostings(t, store, blob.ProcessedKey("2026-01-26"))
	require.Len(t, postings, 3)
	assert.Equal(t, "2026-01-26", postings[0].ProcessedDate)
	require.NotNil(t, postings[0].SalaryRangeFrom)
	assert.Equal(t, 34320.0, *postings[0].SalaryRangeFrom) // 16.50/h annualized

	require.Len(t, pub.events, 1)
	assert.Equal(t, "2026-01-26", pub.events[0].ProvenanceDate)
	assert.Equal(t, 3, pub.events[0].RecordCount)
}

func TestRunLatestSkipsUnchangedProcessDate(t *testing.T) {
	src := &fakeSource{
		processDate: "2026-01-26T00:00:00.000",
		records:     rawBatch("2026-01-26T00:00:00.000", 2),
	}
	store := blob.NewMemoryStore()
	pub := &fakePublisher{}
	p := newTestPipeline(t, src, store, pub)

	_, err := p.RunLatest(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, src.fetchCalls)

	result, err := p.RunLatest(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, 1, src.fetchCalls, "second run must not refetch")
	assert.Len(t, pub.events, 1, "second run must not republish")
}

func TestRunLatestMalformedRecordAbortsBeforePointer(t *testing.T) {
	records := rawBatch("2026-01-26T00:00:00.000", 3)
	records[1].JobID = "" // malformed
	src := &fakeSource{processDate: "2026-01-26T00:00:00.000", records: records}
	store := blob.NewMemoryStore()
	p := newTestPipeline(t, src, store, &fakePublisher{})

	_, err := p.RunLatest(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeMalformedRecord))

	ok, err := store.Exists(context.Background(), blob.MetadataKey)
	require.NoError(t, err)
	assert.False(t, ok, "pointer must not advance on a failed run")
}

func TestRunLatestUpstreamFailureLeavesStateIntact(t *testing.T) {
	src := &fakeSource{
		processDate: "2026-01-26T00:00:00.000",
		records:     rawBatch("2026-01-26T00:00:00.000", 2),
	}
	store := blob.NewMemoryStore()
	p := newTestPipeline(t, src, store, &fakePublisher{})

	_, err := p.RunLatest(context.Background())
	require.NoError(t, err)

	src.processDate = "2026-01-27T00:00:00.000"
	src.fetchErr = errors.Upstream("boom", 502, nil)
	_, err = p.RunLatest(context.Background())
	require.Error(t, err)

	pointer, err := p.loadPointer(context.Background())
	require.NoError(t, err)
	require.NotNil(t, pointer)
	assert.Equal(t, "2026-01-26", pointer.ProvenanceDate, "failed run must not move the pointer")
}

func TestLaggingRunDoesNotOverwriteNewerPointer(t *testing.T) {
	store := blob.NewMemoryStore()
	newer := models.SnapshotMetadata{
		ProvenanceDate: "2026-02-01",
		RecordCount:    10,
	}
	data, err := json.Marshal(newer)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), blob.MetadataKey, data, blob.ContentTypeJSON))

	src := &fakeSource{
		processDate: "2026-01-26T00:00:00.000",
		records:     rawBatch("2026-01-26T00:00:00.000", 1),
	}
	pub := &fakePublisher{}
	p := newTestPipeline(t, src, store, pub)

	_, err = p.RunLatest(context.Background())
	require.NoError(t, err)

	pointer, err := p.loadPointer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2026-02-01", pointer.ProvenanceDate)
	assert.Empty(t, pub.events, "refused commit must not publish")
}

func TestTwoSnapshotsWithChangedSalaryProduceDistinctIDs(t *testing.T) {
	store := blob.NewMemoryStore()
	pub := &fakePublisher{}
	src := &fakeSource{
		processDate: "2026-01-26T00:00:00.000",
		records:     rawBatch("2026-01-26T00:00:00.000", 1),
	}
	p := newTestPipeline(t, src, store, pub)

	_, err := p.RunLatest(context.Background())
	require.NoError(t, err)
	first := loadPostings(t, store, blob.ProcessedKey("2026-01-26"))

	src.processDate = "2026-01-27T00:00:00.000"
	src.records = rawBatch("2026-01-27T00:00:00.000", 1)
	src.records[0].SalaryRangeTo = "19.00"
	_, err = p.RunLatest(context.Background())
	require.NoError(t, err)
	second := loadPostings(t, store, blob.ProcessedKey("2026-01-27"))

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].JobID, second[0].JobID)
	assert.NotEqual(t, first[0].ID, second[0].ID)

	data, err := store.Get(context.Background(), blob.HistoryKey)
	require.NoError(t, err)
	var rows []history.Row
	require.NoError(t, json.Unmarshal(data, &rows))
	assert.Len(t, rows, 2, "history keeps both versions of the posting")
}

func TestReprocessAllSkipsFetch(t *testing.T) {
	store := blob.NewMemoryStore()
	pub := &fakePublisher{}
	src := &fakeSource{
		processDate: "2026-01-26T00:00:00.000",
		records:     rawBatch("2026-01-26T00:00:00.000", 2),
	}
	p := newTestPipeline(t, src, store, pub)

	_, err := p.RunLatest(context.Background())
	require.NoError(t, err)
	fetchesBefore := src.fetchCalls

	result, err := p.ReprocessAll(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.Equal(t, "2026-01-26", result.ProvenanceDate)
	assert.Equal(t, 2, result.RecordCount)
	assert.Equal(t, fetchesBefore, src.fetchCalls, "reprocess must not refetch upstream")

	postings := loadPostings(t, store, blob.ProcessedKey("2026-01-26"))
	assert.Len(t, postings, 2)
}

func TestReprocessAllWithNoRawSnapshots(t *testing.T) {
	p := newTestPipeline(t, &fakeSource{}, blob.NewMemoryStore(), &fakePublisher{})

	result, err := p.ReprocessAll(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Skipped)
}

func TestRunLatestIsIdempotentOnRetry(t *testing.T) {
	// A run that ingested but whose pointer was lost would rewrite identical
	// artifacts on retry.
	src := &fakeSource{
		processDate: "2026-01-26T00:00:00.000",
		records:     rawBatch("2026-01-26T00:00:00.000", 2),
	}
	store := blob.NewMemoryStore()
	p := newTestPipeline(t, src, store, &fakePublisher{})

	_, err := p.RunLatest(context.Background())
	require.NoError(t, err)
	first := loadPostings(t, store, blob.ProcessedKey("2026-01-26"))

	// Drop the pointer to simulate a crash between persist and commit.
	require.NoError(t, store.Put(context.Background(), blob.MetadataKey, nil, blob.ContentTypeJSON))
	data, err := store.Get(context.Background(), blob.MetadataKey)
	require.NoError(t, err)
	require.Empty(t, data)

	// The retried run must not skip (pointer unreadable is treated as a
	// store error, so reset it to a stale value instead).
	stale := models.SnapshotMetadata{ProvenanceDate: "2026-01-25"}
	staleData, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), blob.MetadataKey, staleData, blob.ContentTypeJSON))

	_, err = p.RunLatest(context.Background())
	require.NoError(t, err)
	second := loadPostings(t, store, blob.ProcessedKey("2026-01-26"))

	assert.Equal(t, first, second, "retried run rewrites identical content")
}

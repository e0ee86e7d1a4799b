package history

import (
	"context"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/glqstrauss/cityjobs/internal/blob"
	"github.com/glqstrauss/cityjobs/internal/models"
)

func putSnapshot(t *testing.T, store blob.Store, date string, postings []models.JobPosting) {
	t.Helper()
	data, err := json.Marshal(postings)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), blob.ProcessedKey(date), data, blob.ContentTypeJSON))
}

func posting(id, jobID, date string) models.JobPosting {
	desc := "A very long description that must not appear in the history table."
	quals := "Long qualifications text."
	return models.JobPosting{
		ID:                    id,
		JobID:                 jobID,
		Agency:                "DEPT OF FINANCE",
		BusinessTitle:         "Analyst",
		Description:           desc,
		MinimumQualifications: &quals,
		ProcessedDate:         date,
	}
}

func TestRebuildUnionsAllSnapshots(t *testing.T) {
	store := blob.NewMemoryStore()
	putSnapshot(t, store, "2026-01-25", []models.JobPosting{
		posting("id-a", "100", "2026-01-25"),
		posting("id-b", "101", "2026-01-25"),
	})
	putSnapshot(t, store, "2026-01-26", []models.JobPosting{
		posting("id-a", "100", "2026-01-26"),
		posting("id-c", "102", "2026-01-26"),
	})

	a := NewAggregator(store, zaptest.NewLogger(t))
	count, err := a.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	data, err := store.Get(context.Background(), blob.HistoryKey)
	require.NoError(t, err)
	var rows []Row
	require.NoError(t, json.Unmarshal(data, &rows))
	require.Len(t, rows, 4)

	// Snapshot keys list in date order, so the older snapshot comes first.
	assert.Equal(t, "2026-01-25", rows[0].ProcessedDate)
	assert.Equal(t, "2026-01-26", rows[3].ProcessedDate)
}

func TestRebuildExcludesFreeTextColumns(t *testing.T) {
	store := blob.NewMemoryStore()
	putSnapshot(t, store, "2026-01-26", []models.JobPosting{posting("id-a", "100", "2026-01-26")})

	a := NewAggregator(store, zaptest.NewLogger(t))
	_, err := a.Rebuild(context.Background())
	require.NoError(t, err)

	data, err := store.Get(context.Background(), blob.HistoryKey)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "must not appear in the history table")
	assert.NotContains(t, string(data), "Long qualifications text")
}

func TestRebuildWithNoSnapshots(t *testing.T) {
	store := blob.NewMemoryStore()
	a := NewAggregator(store, zaptest.NewLogger(t))

	count, err := a.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	ok, err := store.Exists(context.Background(), blob.HistoryKey)
	require.NoError(t, err)
	assert.True(t, ok, "an empty history artifact is still written")
}

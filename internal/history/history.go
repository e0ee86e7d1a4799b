package history

import (
	"context"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/glqstrauss/cityjobs/internal/blob"
	"github.com/glqstrauss/cityjobs/internal/errors"
	"github.com/glqstrauss/cityjobs/internal/models"
	"github.com/glqstrauss/cityjobs/internal/telemetry"
)

var tracer = telemetry.GetTracer("cityjobs/history")

// Row is one history-table entry: a normalized posting minus the large
// free-text columns, tagged with the provenance date of the snapshot it
// belongs to.
type Row struct {
	ID    string `json:"id"`
	JobID string `json:"job_id"`

	Agency              string   `json:"agency"`
	PostingType         *string  `json:"posting_type"`
	NumberOfPositions   *float64 `json:"number_of_positions"`
	BusinessTitle       string   `json:"business_title"`
	CivilServiceTitle   *string  `json:"civil_service_title"`
	TitleClassification *string  `json:"title_classification"`
	Level               *string  `json:"level"`
	JobCategory         *string  `json:"job_category"`
	JobCategories       []string `json:"job_categories"`

	IsFullTime   *bool   `json:"is_full_time"`
	CareerLevel  *string `json:"career_level"`
	RequiresExam bool    `json:"requires_exam"`

	SalaryRangeFrom *float64 `json:"salary_range_from"`
	SalaryRangeTo   *float64 `json:"salary_range_to"`
	SalaryFrequency *string  `json:"salary_frequency"`

	WorkLocation     *string `json:"work_location"`
	DivisionWorkUnit *string `json:"division_work_unit"`

	PostedDate  *string `json:"posted_date"`
	PostUntil   *string `json:"post_until"`
	LastUpdated *string `json:"last_updated"`

	ProcessedDate string `json:"processed_date"`
}

func RowFromPosting(p models.JobPosting) Row {
	return Row{
		ID:                  p.ID,
		JobID:               p.JobID,
		Agency:              p.Agency,
		PostingType:         p.PostingType,
		NumberOfPositions:   p.NumberOfPositions,
		BusinessTitle:       p.BusinessTitle,
		CivilServiceTitle:   p.CivilServiceTitle,
		TitleClassification: p.TitleClassification,
		Level:               p.Level,
		JobCategory:         p.JobCategory,
		JobCategories:       p.JobCategories,
		IsFullTime:          p.IsFullTime,
		CareerLevel:         p.CareerLevel,
		RequiresExam:        p.RequiresExam,
		SalaryRangeFrom:     p.SalaryRangeFrom,
		SalaryRangeTo:       p.SalaryRangeTo,
		SalaryFrequency:     p.SalaryFrequency,
		WorkLocation:        p.WorkLocation,
		DivisionWorkUnit:    p.DivisionWorkUnit,
		PostedDate:          p.PostedDate,
		PostUntil:           p.PostUntil,
		LastUpdated:         p.LastUpdated,
		ProcessedDate:       p.ProcessedDate,
	}
}

// Aggregator rebuilds the combined history artifact from every persisted
// normalized snapshot. Always a full rebuild, never an incremental patch:
// the data is small enough that rebuilding is cheap, and it removes the whole
// class of partial-update bugs. The rebuilt table replaces the previous
// artifact with a single atomic blob write, so a failed rebuild leaves the
// old artifact untouched.
type Aggregator struct {
	store  blob.Store
	logger *zap.Logger
}

func NewAggregator(store blob.Store, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		store:  store,
		logger: logger,
	}
}

func (a *Aggregator) Rebuild(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "Aggregator.Rebuild")
	defer span.End()

	keys, err := a.store.List(ctx, blob.ProcessedPrefix)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(telemetry.Int("snapshots.count", len(keys)))

	var rows []Row
	for _, key := range keys {
		data, err := a.store.Get(ctx, key)
		if err != nil {
			span.RecordError(err)
			return 0, err
		}

		var postings []models.JobPosting
		if err := json.Unmarshal(data, &postings); err != nil {
			return 0, errors.Store("decoding normalized snapshot "+key, err)
		}

		for _, posting := range postings {
			rows = append(rows, RowFromPosting(posting))
		}
		a.logger.Debug("folded snapshot into history",
			zap.String("key", key),
			zap.Int("rows", len(postings)))
	}

	payload, err := json.Marshal(rows)
	if err != nil {
		return 0, errors.Internal("encoding history table", err)
	}

	if err := a.store.Put(ctx, blob.HistoryKey, payload, blob.ContentTypeJSON); err != nil {
		span.RecordError(err)
		return 0, err
	}

	a.logger.Info("rebuilt history table",
		zap.Int("snapshots", len(keys)),
		zap.Int("rows", len(rows)))
	return len(rows), nil
}

package query

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/glqstrauss/cityjobs/internal/blob"
	"github.com/glqstrauss/cityjobs/internal/cache"
	"github.com/glqstrauss/cityjobs/internal/errors"
	"github.com/glqstrauss/cityjobs/internal/history"
	"github.com/glqstrauss/cityjobs/internal/models"
	"github.com/glqstrauss/cityjobs/internal/telemetry"
)

var tracer = telemetry.GetTracer("cityjobs/query")

const facetCacheKeyPrefix = "facets:"

// engineState is the immutable per-snapshot state, swapped atomically on
// reload. A nil state means no snapshot has been loaded yet and every query
// fails with ENGINE_NOT_READY.
type engineState struct {
	provenanceDate string
	recordCount    int
	loadedAt       time.Time
}

// Result is one page of query results plus the total match count for the
// same predicate.
type Result struct {
	Records    []models.JobPosting `json:"records"`
	TotalCount uint64              `json:"totalCount"`
	Limit      int                 `json:"limit"`
	Offset     int                 `json:"offset"`

	// RelevanceApplied is false when a relevance request was served by the
	// substring fallback because the search index is unavailable.
	RelevanceApplied bool `json:"relevanceApplied"`

	ProvenanceDate string `json:"provenanceDate"`
}

// Facets holds the distinct values of every filterable field in the loaded
// snapshot, for populating filter pickers.
type Facets struct {
	Agencies           []string `json:"agencies"`
	Categories         []string `json:"categories"`
	CivilServiceTitles []string `json:"civilServiceTitles"`
	CareerLevels       []string `json:"careerLevels"`
	PostingTypes       []string `json:"postingTypes"`
}

func (f Facets) MarshalBinary() ([]byte, error) {
	return json.Marshal(f)
}

func (f *Facets) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, f)
}

// Engine serves structured queries over the loaded snapshot. Snapshot loads
// replace table contents atomically (staging twin + EXCHANGE TABLES), so
// queries racing a reload see either the old snapshot or the new one in
// full, never a mix.
type Engine struct {
	conn     clickhouse.Conn
	store    blob.Store
	cache    cache.Cache
	cacheTTL time.Duration
	logger   *zap.Logger

	state        atomic.Pointer[engineState]
	ftsAvailable atomic.Bool

	// swapGen counts table swaps. A query compares it before and after its
	// count and page statements to detect a reload landing in between.
	swapGen atomic.Uint64
}

func NewEngine(conn clickhouse.Conn, store blob.Store, c cache.Cache, cacheTTL time.Duration, logger *zap.Logger) *Engine {
	return &Engine{
		conn:     conn,
		store:    store,
		cache:    c,
		cacheTTL: cacheTTL,
		logger:   logger,
	}
}

// Ready reports whether a snapshot has been loaded.
func (e *Engine) Ready() bool {
	return e.state.Load() != nil
}

// ProvenanceDate returns the provenance date of the loaded snapshot, or ""
// before the first load.
func (e *Engine) ProvenanceDate() string {
	if s := e.state.Load(); s != nil {
		return s.provenanceDate
	}
	return ""
}

// SearchIndexAvailable reports whether relevance search is being served by
// the token index rather than the substring fallback.
func (e *Engine) SearchIndexAvailable() bool {
	return e.ftsAvailable.Load()
}

// EnsureSearchIndex attempts to create the token filter index backing
// relevance search. Failure is non-fatal: the engine records the index as
// unavailable and relevance requests degrade to substring matching.
func (e *Engine) EnsureSearchIndex(ctx context.Context) {
	ddl := fmt.Sprintf(`ALTER TABLE %s ADD INDEX IF NOT EXISTS idx_jobs_text
		lower(concat(business_title, ' ', ifNull(civil_service_title, ''), ' ', agency, ' ', description))
		TYPE tokenbf_v1(10240, 3, 0) GRANULARITY 4`, latestTable)

	if err := e.conn.Exec(ctx, ddl); err != nil {
		e.ftsAvailable.Store(false)
		e.logger.Warn("search index unavailable, relevance search will degrade to substring matching",
			zap.Error(err))
		return
	}

	e.ftsAvailable.Store(true)
	e.logger.Info("search index ready")
}

// LoadLatest loads the snapshot the metadata pointer currently names. Before
// the first completed ingestion run there is no pointer; the engine stays in
// its not-ready state and the error carries NOT_FOUND.
func (e *Engine) LoadLatest(ctx context.Context) error {
	data, err := e.store.Get(ctx, blob.MetadataKey)
	if err != nil {
		return err
	}

	var meta models.SnapshotMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return errors.Store("decoding snapshot pointer", err)
	}

	return e.LoadSnapshot(ctx, meta)
}

// LoadSnapshot replaces the serving tables with the named snapshot's
// normalized records and the rebuilt history table.
func (e *Engine) LoadSnapshot(ctx context.Context, meta models.SnapshotMetadata) error {
	ctx, span := tracer.Start(ctx, "Engine.LoadSnapshot")
	defer span.End()
	span.SetAttributes(telemetry.String("snapshot.provenance_date", meta.ProvenanceDate))

	postings, err := e.readPostings(ctx, meta.ProcessedKey)
	if err != nil {
		span.RecordError(err)
		return err
	}

	historyRows, err := e.readHistory(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}

	if err := e.loadJobsTable(ctx, postings); err != nil {
		span.RecordError(err)
		return err
	}
	if err := e.loadHistoryTable(ctx, historyRows); err != nil {
		span.RecordError(err)
		return err
	}

	e.state.Store(&engineState{
		provenanceDate: meta.ProvenanceDate,
		recordCount:    len(postings),
		loadedAt:       time.Now().UTC(),
	})

	// The snapshot may have been reprocessed under the same provenance date,
	// so drop any facet entry cached for it. Cache misses are served from the
	// tables; a delete failure only delays freshness until the TTL.
	if err := e.cache.Delete(ctx, facetCacheKeyPrefix+meta.ProvenanceDate); err != nil && err != cache.ErrNotFound {
		e.logger.Warn("failed to invalidate facet cache", zap.Error(err))
	}

	e.logger.Info("snapshot loaded",
		zap.String("provenance_date", meta.ProvenanceDate),
		zap.Int("records", len(postings)),
		zap.Int("history_rows", len(historyRows)))
	return nil
}

func (e *Engine) readPostings(ctx context.Context, key string) ([]models.JobPosting, error) {
	data, err := e.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var postings []models.JobPosting
	if err := json.Unmarshal(data, &postings); err != nil {
		return nil, errors.Store("decoding normalized snapshot "+key, err)
	}
	return postings, nil
}

func (e *Engine) readHistory(ctx context.Context) ([]history.Row, error) {
	data, err := e.store.Get(ctx, blob.HistoryKey)
	if err != nil {
		return nil, err
	}
	var rows []history.Row
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, errors.Store("decoding history table", err)
	}
	return rows, nil
}

var jobsColumns = []string{
	"id", "job_id", "agency", "posting_type", "number_of_positions",
	"business_title", "civil_service_title", "title_classification", "level",
	"job_category", "job_categories", "is_full_time", "career_level",
	"requires_exam", "salary_range_from", "salary_range_to",
	"salary_frequency", "work_location", "division_work_unit", "description",
	"minimum_qualifications", "residency_requirement", "posted_date",
	"post_until", "last_updated", "processed_date",
}

var historyColumns = []string{
	"id", "job_id", "agency", "posting_type", "number_of_positions",
	"business_title", "civil_service_title", "title_classification", "level",
	"job_category", "job_categories", "is_full_time", "career_level",
	"requires_exam", "salary_range_from", "salary_range_to",
	"salary_frequency", "work_location", "division_work_unit", "posted_date",
	"post_until", "last_updated", "processed_date",
}

func (e *Engine) loadJobsTable(ctx context.Context, postings []models.JobPosting) error {
	return e.replaceTable(ctx, latestTable, jobsColumns, len(postings), func(batch driverBatch, i int) error {
		p := postings[i]
		processedDate, err := time.Parse("2006-01-02", p.ProcessedDate)
		if err != nil {
			return errors.Internal("bad processed_date on row "+p.ID, err)
		}
		return batch.Append(
			p.ID, p.JobID, p.Agency, p.PostingType, p.NumberOfPositions,
			p.BusinessTitle, p.CivilServiceTitle, p.TitleClassification, p.Level,
			p.JobCategory, categoriesOrEmpty(p.JobCategories), p.IsFullTime, p.CareerLevel,
			p.RequiresExam, p.SalaryRangeFrom, p.SalaryRangeTo,
			p.SalaryFrequency, p.WorkLocation, p.DivisionWorkUnit, p.Description,
			p.MinimumQualifications, p.ResidencyRequirement, p.PostedDate,
			p.PostUntil, p.LastUpdated, processedDate,
		)
	})
}

func (e *Engine) loadHistoryTable(ctx context.Context, rows []history.Row) error {
	return e.replaceTable(ctx, historyTable, historyColumns, len(rows), func(batch driverBatch, i int) error {
		r := rows[i]
		processedDate, err := time.Parse("2006-01-02", r.ProcessedDate)
		if err != nil {
			return errors.Internal("bad processed_date on history row "+r.ID, err)
		}
		return batch.Append(
			r.ID, r.JobID, r.Agency, r.PostingType, r.NumberOfPositions,
			r.BusinessTitle, r.CivilServiceTitle, r.TitleClassification, r.Level,
			r.JobCategory, categoriesOrEmpty(r.JobCategories), r.IsFullTime, r.CareerLevel,
			r.RequiresExam, r.SalaryRangeFrom, r.SalaryRangeTo,
			r.SalaryFrequency, r.WorkLocation, r.DivisionWorkUnit, r.PostedDate,
			r.PostUntil, r.LastUpdated, processedDate,
		)
	})
}

type driverBatch interface {
	Append(v ...interface{}) error
}

// replaceTable loads rows into a freshly-cloned staging twin of table, then
// swaps the twin in with EXCHANGE TABLES. Readers see the old contents until
// the swap commits.
func (e *Engine) replaceTable(ctx context.Context, table string, columns []string, n int, appendRow func(driverBatch, int) error) error {
	staging := table + "_staging"

	if err := e.conn.Exec(ctx, "DROP TABLE IF EXISTS "+staging); err != nil {
		return errors.Internal("dropping stale staging table "+staging, err)
	}
	if err := e.conn.Exec(ctx, fmt.Sprintf("CREATE TABLE %s AS %s", staging, table)); err != nil {
		return errors.Internal("creating staging table "+staging, err)
	}

	insert := fmt.Sprintf("INSERT INTO %s (%s)", staging, joinColumns(columns))
	batch, err := e.conn.PrepareBatch(ctx, insert)
	if err != nil {
		return errors.Internal("preparing batch for "+staging, err)
	}
	for i := 0; i < n; i++ {
		if err := appendRow(batch, i); err != nil {
			return err
		}
	}
	if err := batch.Send(); err != nil {
		return errors.Internal("loading "+staging, err)
	}

	if err := e.conn.Exec(ctx, fmt.Sprintf("EXCHANGE TABLES %s AND %s", staging, table)); err != nil {
		return errors.Internal("swapping "+staging+" into place", err)
	}
	e.swapGen.Add(1)

	// The staging table now holds the previous snapshot.
	if err := e.conn.Exec(ctx, "DROP TABLE IF EXISTS "+staging); err != nil {
		e.logger.Warn("failed to drop retired staging table", zap.String("table", staging), zap.Error(err))
	}
	return nil
}

func joinColumns(columns []string) string {
	out := ""
	for i, c := range columns {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

func categoriesOrEmpty(categories []string) []string {
	if categories == nil {
		return []string{}
	}
	return categories
}

// Query runs a structured filter request and returns one result page plus
// the total count under the same predicate.
func (e *Engine) Query(ctx context.Context, req Request) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Engine.Query")
	defer span.End()

	state := e.state.Load()
	if state == nil {
		return nil, errors.EngineNotReady("no snapshot loaded")
	}

	plan, err := buildPlan(req, e.ftsAvailable.Load())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(
		telemetry.String("query.table", plan.table),
		telemetry.Bool("query.relevance", plan.relevance),
	)

	// The count and the page run as two statements; a reload swapping the
	// table in between would pair an old-snapshot count with new-snapshot
	// rows. Detect that with the swap generation and rerun. Reloads are
	// minutes apart, so a second attempt practically always settles it.
	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		gen := e.swapGen.Load()

		total, err := e.countMatches(ctx, plan)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}

		records, err := e.fetchPage(ctx, plan)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}

		if e.swapGen.Load() != gen {
			e.logger.Debug("snapshot reload raced the query, retrying",
				zap.Int("attempt", attempt+1))
			continue
		}

		state = e.state.Load()
		return &Result{
			Records:          records,
			TotalCount:       total,
			Limit:            plan.limit,
			Offset:           plan.offset,
			RelevanceApplied: plan.relevance,
			ProvenanceDate:   state.provenanceDate,
		}, nil
	}

	return nil, errors.Internal("query kept racing snapshot reloads", nil)
}

func (e *Engine) countMatches(ctx context.Context, p *plan) (uint64, error) {
	countSQL := fmt.Sprintf("SELECT count() FROM %s WHERE %s", p.table, p.whereSQL)
	var total uint64
	if err := e.conn.QueryRow(ctx, countSQL, p.whereArgs...).Scan(&total); err != nil {
		return 0, errors.Internal("counting query results", err)
	}
	return total, nil
}

func (e *Engine) fetchPage(ctx context.Context, p *plan) ([]models.JobPosting, error) {
	columns := historyColumns
	if p.table == latestTable {
		columns = jobsColumns
	}
	pageSQL := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s LIMIT ? OFFSET ?",
		joinColumns(columns), p.table, p.whereSQL, p.orderSQL)
	args := make([]interface{}, 0, len(p.whereArgs)+len(p.orderArgs)+2)
	args = append(args, p.whereArgs...)
	args = append(args, p.orderArgs...)
	args = append(args, p.limit, p.offset)

	rows, err := e.conn.Query(ctx, pageSQL, args...)
	if err != nil {
		return nil, errors.Internal("running query", err)
	}
	defer rows.Close()

	records := make([]models.JobPosting, 0, p.limit)
	for rows.Next() {
		record, err := scanPosting(rows, p.table == latestTable)
		if err != nil {
			return nil, errors.Internal("scanning query row", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Internal("reading query rows", err)
	}
	return records, nil
}

// GetByID fetches one record from the latest snapshot by its row id.
func (e *Engine) GetByID(ctx context.Context, id string) (*models.JobPosting, error) {
	ctx, span := tracer.Start(ctx, "Engine.GetByID")
	defer span.End()

	if e.state.Load() == nil {
		return nil, errors.EngineNotReady("no snapshot loaded")
	}

	sql := fmt.Sprintf("SELECT %s FROM %s WHERE id = ? LIMIT 1", joinColumns(jobsColumns), latestTable)
	rows, err := e.conn.Query(ctx, sql, id)
	if err != nil {
		span.RecordError(err)
		return nil, errors.Internal("fetching record", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, errors.NotFound("no record with id "+id, rows.Err())
	}
	record, err := scanPosting(rows, true)
	if err != nil {
		return nil, errors.Internal("scanning record", err)
	}
	return &record, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosting(rows rowScanner, withText bool) (models.JobPosting, error) {
	var p models.JobPosting
	var processedDate time.Time

	dest := []interface{}{
		&p.ID, &p.JobID, &p.Agency, &p.PostingType, &p.NumberOfPositions,
		&p.BusinessTitle, &p.CivilServiceTitle, &p.TitleClassification, &p.Level,
		&p.JobCategory, &p.JobCategories, &p.IsFullTime, &p.CareerLevel,
		&p.RequiresExam, &p.SalaryRangeFrom, &p.SalaryRangeTo,
		&p.SalaryFrequency, &p.WorkLocation, &p.DivisionWorkUnit,
	}
	if withText {
		dest = append(dest, &p.Description, &p.MinimumQualifications, &p.ResidencyRequirement)
	}
	dest = append(dest, &p.PostedDate, &p.PostUntil, &p.LastUpdated, &processedDate)

	if err := rows.Scan(dest...); err != nil {
		return models.JobPosting{}, err
	}
	p.ProcessedDate = processedDate.Format("2006-01-02")
	return p, nil
}

// Facets returns the distinct values of every filterable field, cached per
// snapshot. The cache is a lookaside: any cache failure falls through to the
// tables.
func (e *Engine) Facets(ctx context.Context) (*Facets, error) {
	ctx, span := tracer.Start(ctx, "Engine.Facets")
	defer span.End()

	state := e.state.Load()
	if state == nil {
		return nil, errors.EngineNotReady("no snapshot loaded")
	}

	cacheKey := facetCacheKeyPrefix + state.provenanceDate
	var cached Facets
	err := e.cache.Get(ctx, cacheKey, &cached)
	if err == nil {
		return &cached, nil
	}
	if err != cache.ErrNotFound {
		e.logger.Warn("facet cache read failed", zap.Error(err))
	}

	facets := &Facets{}
	queries := []struct {
		sql  string
		dest *[]string
	}{
		{"SELECT DISTINCT agency FROM jobs ORDER BY agency", &facets.Agencies},
		{"SELECT DISTINCT arrayJoin(job_categories) AS c FROM jobs ORDER BY c", &facets.Categories},
		{"SELECT DISTINCT assumeNotNull(civil_service_title) AS t FROM jobs WHERE civil_service_title IS NOT NULL ORDER BY t", &facets.CivilServiceTitles},
		{"SELECT DISTINCT assumeNotNull(career_level) AS l FROM jobs WHERE career_level IS NOT NULL ORDER BY l", &facets.CareerLevels},
		{"SELECT DISTINCT assumeNotNull(posting_type) AS p FROM jobs WHERE posting_type IS NOT NULL ORDER BY p", &facets.PostingTypes},
	}
	for _, q := range queries {
		values, err := e.queryStrings(ctx, q.sql)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		*q.dest = values
	}

	if err := e.cache.Set(ctx, cacheKey, *facets, e.cacheTTL); err != nil {
		e.logger.Warn("facet cache write failed", zap.Error(err))
	}
	return facets, nil
}

func (e *Engine) queryStrings(ctx context.Context, sql string) ([]string, error) {
	rows, err := e.conn.Query(ctx, sql)
	if err != nil {
		return nil, errors.Internal("running facet query", err)
	}
	defer rows.Close()

	values := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Internal("scanning facet value", err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

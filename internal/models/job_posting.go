package models

import (
	"time"

	"github.com/goccy/go-json"
)

// JobPosting is the canonical normalized record. Row identity (ID) is a stable
// hash over the full set of normalized field values: any field edit produces a
// new ID, so the history table represents "this exact posting content existed
// on this date" rather than tracking job lifecycle by JobID, which has been
// observed to be reused upstream.
//
// Salary bounds are annual equivalents (hourly and daily rates are converted
// at normalization time); SalaryFrequency records the upstream frequency the
// conversion was derived from.
type JobPosting struct {
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

	Description           string  `json:"description"`
	MinimumQualifications *string `json:"minimum_qualifications"`
	ResidencyRequirement  *string `json:"residency_requirement"`

	PostedDate  *string `json:"posted_date"`
	PostUntil   *string `json:"post_until"`
	LastUpdated *string `json:"last_updated"`

	// ProcessedDate is the provenance date of the snapshot this row belongs
	// to, as a calendar date (YYYY-MM-DD). Never empty.
	ProcessedDate string `json:"processed_date"`
}

// SnapshotMetadata is the pointer record for the most-recently-completed
// ingestion run. It is written last within a run, after raw, normalized and
// history artifacts are durable, so observing a pointer guarantees the run
// completed.
type SnapshotMetadata struct {
	ProvenanceDate string    `json:"provenance_date"`
	FetchedAt      time.Time `json:"fetched_at"`
	ProcessedAt    time.Time `json:"processed_at"`
	RecordCount    int       `json:"record_count"`
	RawKey         string    `json:"raw_key"`
	ProcessedKey   string    `json:"processed_key"`
}

func (m SnapshotMetadata) MarshalBinary() ([]byte, error) {
	return json.Marshal(m)
}

func (m *SnapshotMetadata) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, m)
}

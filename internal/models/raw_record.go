package models

// RawRecord is one upstream job posting exactly as received. Every field is an
// untyped string and may be missing or empty; nothing here is trusted until it
// has been through the normalizer.
type RawRecord struct {
	JobID                     string `json:"job_id"`
	Agency                    string `json:"agency"`
	PostingType               string `json:"posting_type"`
	NumberOfPositions         string `json:"number_of_positions"`
	BusinessTitle             string `json:"business_title"`
	CivilServiceTitle         string `json:"civil_service_title"`
	TitleClassification       string `json:"title_classification"`
	Level                     string `json:"level"`
	JobCategory               string `json:"job_category"`
	FullTimePartTimeIndicator string `json:"full_time_part_time_indicator"`
	CareerLevel               string `json:"career_level"`
	SalaryRangeFrom           string `json:"salary_range_from"`
	SalaryRangeTo             string `json:"salary_range_to"`
	SalaryFrequency           string `json:"salary_frequency"`
	WorkLocation              string `json:"work_location"`
	DivisionWorkUnit          string `json:"division_work_unit"`
	JobDescription            string `json:"job_description"`
	MinimumQualRequirements   string `json:"minimum_qual_requirements"`
	ResidencyRequirement      string `json:"residency_requirement"`
	PostingDate               string `json:"posting_date"`
	PostUntil                 string `json:"post_until"`
	PostingUpdated            string `json:"posting_updated"`
	ProcessDate               string `json:"process_date"`
}

// SourceMetadata is the shape of the upstream dataset metadata endpoint.
// DataUpdatedAt is known to fluctuate without real data changes, so it is
// informational only and never used for change detection.
type SourceMetadata struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	UpdatedAt     string `json:"updatedAt"`
	DataUpdatedAt string `json:"dataUpdatedAt"`
}

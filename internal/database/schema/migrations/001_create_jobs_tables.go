package migrations

import "github.com/glqstrauss/cityjobs/internal/database/schema"

// CreateJobsTables creates the two query-serving tables: jobs holds the
// latest normalized snapshot, jobs_history the cumulative table across all
// snapshots (large free-text columns omitted). Both are loaded via a staging
// twin and swapped with EXCHANGE TABLES, so their definitions here are the
// canonical ones the staging tables are cloned from.
var CreateJobsTables = schema.Migration{
	Version:     1,
	Description: "Create jobs and jobs_history tables",
	Up: `
		CREATE TABLE IF NOT EXISTS jobs (
			id String,
			job_id String,
			agency String,
			posting_type Nullable(String),
			number_of_positions Nullable(Float64),
			business_title String,
			civil_service_title Nullable(String),
			title_classification Nullable(String),
			level Nullable(String),
			job_category Nullable(String),
			job_categories Array(String),
			is_full_time Nullable(Bool),
			career_level Nullable(String),
			requires_exam Bool,
			salary_range_from Nullable(Float64),
			salary_range_to Nullable(Float64),
			salary_frequency Nullable(String),
			work_location Nullable(String),
			division_work_unit Nullable(String),
			description String,
			minimum_qualifications Nullable(String),
			residency_requirement Nullable(String),
			posted_date Nullable(String),
			post_until Nullable(String),
			last_updated Nullable(String),
			processed_date Date
		) ENGINE = MergeTree()
		ORDER BY (id)
		SETTINGS index_granularity = 8192
	`,
	Down: `DROP TABLE IF EXISTS jobs`,
}

var CreateJobsHistoryTable = schema.Migration{
	Version:     2,
	Description: "Create jobs_history table",
	Up: `
		CREATE TABLE IF NOT EXISTS jobs_history (
			id String,
			job_id String,
			agency String,
			posting_type Nullable(String),
			number_of_positions Nullable(Float64),
			business_title String,
			civil_service_title Nullable(String),
			title_classification Nullable(String),
			level Nullable(String),
			job_category Nullable(String),
			job_categories Array(String),
			is_full_time Nullable(Bool),
			career_level Nullable(String),
			requires_exam Bool,
			salary_range_from Nullable(Float64),
			salary_range_to Nullable(Float64),
			salary_frequency Nullable(String),
			work_location Nullable(String),
			division_work_unit Nullable(String),
			posted_date Nullable(String),
			post_until Nullable(String),
			last_updated Nullable(String),
			processed_date Date
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMM(processed_date)
		ORDER BY (processed_date, id)
		SETTINGS index_granularity = 8192
	`,
	Down: `DROP TABLE IF EXISTS jobs_history`,
}

// All lists every migration in order.
var All = []schema.Migration{
	CreateJobsTables,
	CreateJobsHistoryTable,
}

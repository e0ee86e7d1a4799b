package query

import (
	"fmt"
	"strings"

	"github.com/glqstrauss/cityjobs/internal/errors"
)

// Dataset selects the table a query runs against: the latest normalized
// snapshot or the cumulative history table.
type Dataset string

const (
	DatasetLatest  Dataset = "latest"
	DatasetHistory Dataset = "history"
)

const (
	latestTable  = "jobs"
	historyTable = "jobs_history"
)

// Request is one structured filter request. Every field is optional; an
// omitted field is unconstrained. Multi-select fields use OR semantics within
// the field and AND across fields.
type Request struct {
	Dataset Dataset `json:"dataset"`

	Search             string `json:"search"`
	UseRelevanceSearch bool   `json:"useRelevanceSearch"`

	Agencies           []string `json:"agencies"`
	Categories         []string `json:"categories"`
	CivilServiceTitles []string `json:"civilServiceTitles"`
	CareerLevels       []string `json:"careerLevels"`
	PostingTypes       []string `json:"postingTypes"`

	// Binary filters: one selected value constrains, selecting both values is
	// the same as no constraint.
	FullTime     []bool `json:"fullTime"`
	RequiresExam []bool `json:"requiresExam"`

	// Salary matches on interval overlap: a job matches when its
	// [salary_range_from, salary_range_to] interval intersects
	// [salaryMin, salaryMax]. Each bound only applies when supplied.
	SalaryMin *float64 `json:"salaryMin"`
	SalaryMax *float64 `json:"salaryMax"`

	Limit    int    `json:"limit"`
	Offset   int    `json:"offset"`
	OrderBy  string `json:"orderBy"`
	OrderDir string `json:"orderDir"`
}

const (
	defaultLimit = 20
	maxLimit     = 1000

	defaultOrderBy  = "posted_date"
	defaultOrderDir = "DESC"
)

// sortColumns is the allow-list for orderBy. Client-supplied column names
// never reach the query text except through this table.
var sortColumns = map[string]string{
	"business_title":      "business_title",
	"agency":              "agency",
	"civil_service_title": "civil_service_title",
	"career_level":        "career_level",
	"posted_date":         "posted_date",
	"processed_date":      "processed_date",
	"salary_range_from":   "salary_range_from",
	"salary_range_to":     "salary_range_to",
}

// plan is a composed query: parameterized WHERE and ORDER BY fragments plus
// their argument lists. Count queries reuse whereSQL/whereArgs only, page
// queries append orderArgs.
type plan struct {
	table     string
	whereSQL  string
	whereArgs []interface{}
	orderSQL  string
	orderArgs []interface{}
	limit     int
	offset    int
	relevance bool
}

// buildPlan validates a request and composes its predicate. ftsAvailable
// reflects the engine's recorded index state: when false, relevance requests
// silently degrade to substring matching with the caller's ordering.
func buildPlan(req Request, ftsAvailable bool) (*plan, error) {
	table, err := tableFor(req.Dataset)
	if err != nil {
		return nil, err
	}

	p := &plan{table: table}

	var clauses []string
	addInClause := func(column string, values []string) {
		if len(values) == 0 {
			return
		}
		placeholders := make([]string, len(values))
		for i, v := range values {
			placeholders[i] = "?"
			p.whereArgs = append(p.whereArgs, v)
		}
		clauses = append(clauses, fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholders, ", ")))
	}
	addBoolClause := func(column string, values []bool) {
		value, constrained := binaryConstraint(values)
		if !constrained {
			return
		}
		clauses = append(clauses, column+" = ?")
		p.whereArgs = append(p.whereArgs, value)
	}

	addInClause("agency", req.Agencies)
	addInClause("civil_service_title", req.CivilServiceTitles)
	addInClause("career_level", req.CareerLevels)
	addInClause("posting_type", req.PostingTypes)

	if len(req.Categories) > 0 {
		// OR within the filter: a row matches when any selected category is
		// present in its job_categories list.
		clauses = append(clauses, "hasAny(job_categories, ?)")
		p.whereArgs = append(p.whereArgs, req.Categories)
	}

	addBoolClause("is_full_time", req.FullTime)
	addBoolClause("requires_exam", req.RequiresExam)

	if req.SalaryMin != nil {
		clauses = append(clauses, "salary_range_to >= ?")
		p.whereArgs = append(p.whereArgs, *req.SalaryMin)
	}
	if req.SalaryMax != nil {
		clauses = append(clauses, "salary_range_from <= ?")
		p.whereArgs = append(p.whereArgs, *req.SalaryMax)
	}

	search := strings.TrimSpace(req.Search)
	if search != "" {
		if req.UseRelevanceSearch && ftsAvailable {
			p.relevance = true
			expr, argCount := relevanceExpr(table)
			clauses = append(clauses, expr+" > 0")
			for i := 0; i < argCount; i++ {
				p.whereArgs = append(p.whereArgs, search)
			}
		} else {
			expr, argCount := substringExpr(table)
			clauses = append(clauses, expr)
			for i := 0; i < argCount; i++ {
				p.whereArgs = append(p.whereArgs, search)
			}
		}
	}

	if len(clauses) == 0 {
		p.whereSQL = "1=1"
	} else {
		p.whereSQL = strings.Join(clauses, " AND ")
	}

	if p.relevance {
		// Relevance and column sort are mutually exclusive: relevance always
		// orders by descending score.
		expr, argCount := relevanceExpr(table)
		p.orderSQL = expr + " DESC"
		for i := 0; i < argCount; i++ {
			p.orderArgs = append(p.orderArgs, search)
		}
	} else {
		orderSQL, err := orderClause(req.OrderBy, req.OrderDir)
		if err != nil {
			return nil, err
		}
		p.orderSQL = orderSQL
	}

	p.limit = req.Limit
	if p.limit <= 0 {
		p.limit = defaultLimit
	}
	if p.limit > maxLimit {
		p.limit = maxLimit
	}
	p.offset = req.Offset
	if p.offset < 0 {
		p.offset = 0
	}

	return p, nil
}

func tableFor(dataset Dataset) (string, error) {
	switch dataset {
	case DatasetLatest, "":
		return latestTable, nil
	case DatasetHistory:
		return historyTable, nil
	}
	return "", errors.InvalidInput(fmt.Sprintf("unknown dataset %q", dataset), nil)
}

// binaryConstraint reduces a binary filter selection to a single constraint.
// Zero selected values, or both values selected, means no constraint.
func binaryConstraint(values []bool) (value bool, constrained bool) {
	var sawTrue, sawFalse bool
	for _, v := range values {
		if v {
			sawTrue = true
		} else {
			sawFalse = true
		}
	}
	if sawTrue == sawFalse {
		return false, false
	}
	return sawTrue, true
}

// relevanceExpr scores a row against the search text with weighted substring
// counts over the searchable columns. The history table carries no
// description column, so its expression has one term fewer.
func relevanceExpr(table string) (expr string, argCount int) {
	terms := []string{
		"countSubstringsCaseInsensitive(business_title, ?) * 4",
		"countSubstringsCaseInsensitive(ifNull(civil_service_title, ''), ?) * 3",
		"countSubstringsCaseInsensitive(agency, ?) * 2",
	}
	if table == latestTable {
		terms = append(terms, "countSubstringsCaseInsensitive(description, ?)")
	}
	return "(" + strings.Join(terms, " + ") + ")", len(terms)
}

// substringExpr is the degraded-mode text match: case-insensitive substring
// over the same columns relevance search scores, with no ranking.
func substringExpr(table string) (expr string, argCount int) {
	terms := []string{
		"positionCaseInsensitive(business_title, ?) > 0",
		"positionCaseInsensitive(ifNull(civil_service_title, ''), ?) > 0",
		"positionCaseInsensitive(agency, ?) > 0",
	}
	if table == latestTable {
		terms = append(terms, "positionCaseInsensitive(description, ?) > 0")
	}
	return "(" + strings.Join(terms, " OR ") + ")", len(terms)
}

func orderClause(orderBy, orderDir string) (string, error) {
	if orderBy == "" {
		orderBy = defaultOrderBy
	}
	column, ok := sortColumns[orderBy]
	if !ok {
		return "", errors.InvalidSort(fmt.Sprintf("orderBy %q is not a sortable column", orderBy))
	}

	dir := defaultOrderDir
	switch strings.ToLower(orderDir) {
	case "":
	case "asc":
		dir = "ASC"
	case "desc":
		dir = "DESC"
	default:
		return "", errors.InvalidSort(fmt.Sprintf("orderDir %q must be asc or desc", orderDir))
	}

	return column + " " + dir, nil
}

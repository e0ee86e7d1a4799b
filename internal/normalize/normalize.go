package normalize

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/glqstrauss/cityjobs/internal/errors"
	"github.com/glqstrauss/cityjobs/internal/models"
)

// Pure record normalization. Everything in this package is deterministic:
// the same RawRecord always yields a byte-identical JobPosting, including its
// ID, which downstream dedup depends on.

const (
	defaultAgency      = "Unknown"
	defaultTitle       = "Untitled"
	hoursPerYear       = 2080 // 40 h/week x 52 weeks
	daysPerYear        = 260  // 5 d/week x 52 weeks
	examRequiredTag    = "Competitive-1"
	fullTimeIndicator  = "F"
	partTimeIndicator  = "P"
	idSeparator        = "\x1f"
	nullSentinel       = "\x00"
	isoDateTimeDayOnly = "2006-01-02"
)

var idNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// dmyDatePattern matches the upstream DD-MMM-YYYY shape, e.g. "09-JAN-2026".
// Month abbreviations are case-insensitive.
var dmyDatePattern = regexp.MustCompile(`^(\d{2})-([A-Za-z]{3})-(\d{4})$`)

var monthAbbrevs = map[string]int{
	"JAN": 1, "FEB": 2, "MAR": 3, "APR": 4, "MAY": 5, "JUN": 6,
	"JUL": 7, "AUG": 8, "SEP": 9, "OCT": 10, "NOV": 11, "DEC": 12,
}

// Record turns one RawRecord into one JobPosting, or fails with a
// malformed-record error naming the offending field. Callers fail the whole
// batch on error rather than dropping rows.
func Record(raw *models.RawRecord) (*models.JobPosting, error) {
	jobID := strings.TrimSpace(raw.JobID)
	if jobID == "" {
		return nil, errors.MalformedRecord("job_id", "missing upstream job identifier")
	}

	processedDate, err := ProcessDate(raw.ProcessDate)
	if err != nil {
		return nil, err
	}

	frequency := cleanString(raw.SalaryFrequency)
	rawCategory := cleanString(raw.JobCategory)

	posting := &models.JobPosting{
		JobID: jobID,

		Agency:              requiredString(raw.Agency, defaultAgency),
		PostingType:         cleanString(raw.PostingType),
		NumberOfPositions:   parseNumber(raw.NumberOfPositions),
		BusinessTitle:       requiredString(raw.BusinessTitle, defaultTitle),
		CivilServiceTitle:   cleanString(raw.CivilServiceTitle),
		TitleClassification: cleanString(raw.TitleClassification),
		Level:               cleanString(raw.Level),
		JobCategory:         rawCategory,
		JobCategories:       splitCleanedCategory(rawCategory),

		IsFullTime:   fullTimeFlag(raw.FullTimePartTimeIndicator),
		CareerLevel:  cleanString(raw.CareerLevel),
		RequiresExam: strings.TrimSpace(raw.TitleClassification) == examRequiredTag,

		SalaryRangeFrom: annualize(parseNumber(raw.SalaryRangeFrom), frequency),
		SalaryRangeTo:   annualize(parseNumber(raw.SalaryRangeTo), frequency),
		SalaryFrequency: frequency,

		WorkLocation:     cleanString(raw.WorkLocation),
		DivisionWorkUnit: cleanString(raw.DivisionWorkUnit),

		Description:           requiredString(raw.JobDescription, ""),
		MinimumQualifications: cleanString(raw.MinimumQualRequirements),
		ResidencyRequirement:  cleanString(raw.ResidencyRequirement),

		PostedDate:  normalizeDate(raw.PostingDate),
		PostUntil:   normalizeDate(raw.PostUntil),
		LastUpdated: normalizeDate(raw.PostingUpdated),

		ProcessedDate: processedDate,
	}

	posting.ID = rowIdentity(posting)
	return posting, nil
}

// ProcessDate extracts the calendar date from the batch-wide process_date
// value. This is the only trustworthy dedup key the upstream source provides,
// so it is the one field that must parse.
func ProcessDate(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", errors.MalformedRecord("process_date", "missing snapshot provenance date")
	}
	datePart, _, _ := strings.Cut(value, "T")
	if _, err := time.Parse(isoDateTimeDayOnly, datePart); err != nil {
		return "", errors.MalformedRecord("process_date", fmt.Sprintf("unparsable provenance date %q", value))
	}
	return datePart, nil
}

// cleanString trims the value and maps empty-after-trim to null.
func cleanString(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

// requiredString is cleanString for required display fields: instead of null
// it falls back to an explicit default so consumers can rely on presence.
func requiredString(value, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	return value
}

var numberSanitizer = strings.NewReplacer(",", "", "$", "", " ", "")

func parseNumber(value string) *float64 {
	value = numberSanitizer.Replace(strings.TrimSpace(value))
	if value == "" {
		return nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil
	}
	return &f
}

// annualize converts a salary bound to its annual equivalent. Unknown or
// missing frequency keeps annual semantics; null stays null.
func annualize(amount *float64, frequency *string) *float64 {
	if amount == nil {
		return nil
	}
	annual := *amount
	if frequency != nil {
		switch {
		case strings.EqualFold(*frequency, "Hourly"):
			annual *= hoursPerYear
		case strings.EqualFold(*frequency, "Daily"):
			annual *= daysPerYear
		}
	}
	annual = math.Round(annual)
	return &annual
}

// normalizeDate accepts the two upstream shapes: ISO-8601 with a T separator
// passes through unchanged, and DD-MMM-YYYY is rewritten to midnight ISO
// form. Anything else passes through unchanged rather than failing; the feed
// occasionally emits already-clean values in other positions.
func normalizeDate(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}

	m := dmyDatePattern.FindStringSubmatch(value)
	if m == nil {
		return &value
	}
	month, ok := monthAbbrevs[strings.ToUpper(m[2])]
	if !ok {
		return &value
	}
	day, _ := strconv.Atoi(m[1])
	iso := fmt.Sprintf("%s-%02d-%02dT00:00:00.000", m[3], month, day)
	return &iso
}

func fullTimeFlag(indicator string) *bool {
	var full bool
	switch strings.TrimSpace(indicator) {
	case fullTimeIndicator:
		full = true
	case partTimeIndicator:
		full = false
	default:
		return nil
	}
	return &full
}

func splitCleanedCategory(category *string) []string {
	if category == nil {
		return nil
	}
	return SplitCategories(*category)
}

// rowIdentity hashes the full ordered set of normalized field values into a
// deterministic UUID. Identical rows across snapshots collapse to the same
// ID; any field change produces a new one.
func rowIdentity(p *models.JobPosting) string {
	fields := []string{
		p.JobID,
		p.Agency,
		strOrNull(p.PostingType),
		floatOrNull(p.NumberOfPositions),
		p.BusinessTitle,
		strOrNull(p.CivilServiceTitle),
		strOrNull(p.TitleClassification),
		strOrNull(p.Level),
		strOrNull(p.JobCategory),
		strings.Join(p.JobCategories, ","),
		boolOrNull(p.IsFullTime),
		strOrNull(p.CareerLevel),
		strconv.FormatBool(p.RequiresExam),
		floatOrNull(p.SalaryRangeFrom),
		floatOrNull(p.SalaryRangeTo),
		strOrNull(p.SalaryFrequency),
		strOrNull(p.WorkLocation),
		strOrNull(p.DivisionWorkUnit),
		p.Description,
		strOrNull(p.MinimumQualifications),
		strOrNull(p.ResidencyRequirement),
		strOrNull(p.PostedDate),
		strOrNull(p.PostUntil),
		strOrNull(p.LastUpdated),
	}
	id := uuid.NewSHA1(idNamespace, []byte(strings.Join(fields, idSeparator)))
	return id.String()
}

func strOrNull(v *string) string {
	if v == nil {
		return nullSentinel
	}
	return *v
}

func floatOrNull(v *float64) string {
	if v == nil {
		return nullSentinel
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func boolOrNull(v *bool) string {
	if v == nil {
		return nullSentinel
	}
	return strconv.FormatBool(*v)
}

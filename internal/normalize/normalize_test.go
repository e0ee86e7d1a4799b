package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glqstrauss/cityjobs/internal/errors"
	"github.com/glqstrauss/cityjobs/internal/models"
)

func sampleRaw() *models.RawRecord {
	return &models.RawRecord{
		JobID:                     "612398",
		Agency:                    "DEPT OF ENVIRONMENT PROTECTION",
		PostingType:               "External",
		NumberOfPositions:         "2",
		BusinessTitle:             "  Project Manager ",
		CivilServiceTitle:         "CIVIL ENGINEER",
		TitleClassification:       "Competitive-1",
		Level:                     "02",
		JobCategory:               "Engineering, Architecture, & Planning",
		FullTimePartTimeIndicator: "F",
		CareerLevel:               "Experienced (non-manager)",
		SalaryRangeFrom:           "$65,000",
		SalaryRangeTo:             "85,000.00",
		SalaryFrequency:           "Annual",
		JobDescription:            "Manage capital projects.",
		MinimumQualRequirements:   "A baccalaureate degree.",
		ResidencyRequirement:      "New York City residency is required.",
		PostingDate:               "09-JAN-2026",
		PostUntil:                 "",
		PostingUpdated:            "2025-12-10T00:00:00.000",
		ProcessDate:               "2026-01-26T00:00:00.000",
	}
}

func TestRecordNormalizesFields(t *testing.T) {
	posting, err := Record(sampleRaw())
	require.NoError(t, err)

	assert.Equal(t, "612398", posting.JobID)
	assert.Equal(t, "DEPT OF ENVIRONMENT PROTECTION", posting.Agency)
	assert.Equal(t, "Project Manager", posting.BusinessTitle)
	require.NotNil(t, posting.NumberOfPositions)
	assert.Equal(t, 2.0, *posting.NumberOfPositions)
	require.NotNil(t, posting.SalaryRangeFrom)
	assert.Equal(t, 65000.0, *posting.SalaryRangeFrom)
	require.NotNil(t, posting.SalaryRangeTo)
	assert.Equal(t, 85000.0, *posting.SalaryRangeTo)
	require.NotNil(t, posting.IsFullTime)
	assert.True(t, *posting.IsFullTime)
	assert.True(t, posting.RequiresExam)
	require.NotNil(t, posting.PostedDate)
	assert.Equal(t, "2026-01-09T00:00:00.000", *posting.PostedDate)
	assert.Nil(t, posting.PostUntil)
	require.NotNil(t, posting.LastUpdated)
	assert.Equal(t, "2025-12-10T00:00:00.000", *posting.LastUpdated)
	assert.Equal(t, "2026-01-26", posting.ProcessedDate)
	assert.Equal(t, []string{"Engineering, Architecture, & Planning"}, posting.JobCategories)
}

func TestRecordIsDeterministic(t *testing.T) {
	first, err := Record(sampleRaw())
	require.NoError(t, err)
	second, err := Record(sampleRaw())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, first.ID, second.ID)
}

func TestRecordIdentityChangesWithAnyField(t *testing.T) {
	base, err := Record(sampleRaw())
	require.NoError(t, err)

	changed := sampleRaw()
	changed.SalaryRangeTo = "90,000"
	other, err := Record(changed)
	require.NoError(t, err)

	assert.NotEqual(t, base.ID, other.ID)
}

func TestRecordIdentityStableAcrossSnapshots(t *testing.T) {
	base, err := Record(sampleRaw())
	require.NoError(t, err)

	// Same content on a later provenance date keeps the same identity.
	later := sampleRaw()
	later.ProcessDate = "2026-01-27T00:00:00.000"
	reprocessed, err := Record(later)
	require.NoError(t, err)

	assert.Equal(t, base.ID, reprocessed.ID)
	assert.NotEqual(t, base.ProcessedDate, reprocessed.ProcessedDate)
}

func TestRecordRequiredFieldDefaults(t *testing.T) {
	raw := sampleRaw()
	raw.Agency = "   "
	raw.BusinessTitle = ""
	raw.JobDescription = ""

	posting, err := Record(raw)
	require.NoError(t, err)

	assert.Equal(t, "Unknown", posting.Agency)
	assert.Equal(t, "Untitled", posting.BusinessTitle)
	assert.Equal(t, "", posting.Description)
}

func TestRecordMissingJobID(t *testing.T) {
	raw := sampleRaw()
	raw.JobID = "  "

	_, err := Record(raw)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeMalformedRecord))
	assert.Contains(t, err.Error(), "job_id")
}

func TestProcessDate(t *testing.T) {
	date, err := ProcessDate("2026-01-26T00:00:00.000")
	require.NoError(t, err)
	assert.Equal(t, "2026-01-26", date)

	_, err = ProcessDate("")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeMalformedRecord))

	_, err = ProcessDate("not-a-date")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "process_date")
}

func TestAnnualize(t *testing.T) {
	tests := []struct {
		name      string
		amount    *float64
		frequency string
		want      *float64
	}{
		{"hourly", f(100), "Hourly", f(208000)},
		{"daily", f(200), "Daily", f(52000)},
		{"annual", f(50000), "Annual", f(50000)},
		{"lowercase hourly", f(25.5), "hourly", f(53040)},
		{"unknown frequency keeps annual semantics", f(50000), "Biweekly", f(50000)},
		{"missing frequency", f(50000), "", f(50000)},
		{"null amount stays null", nil, "Hourly", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := annualize(tt.amount, cleanString(tt.frequency))
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, *tt.want, *got)
		})
	}
}

func TestNormalizeDate(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  *string
	}{
		{"dd-mmm-yyyy", "09-JAN-2026", s("2026-01-09T00:00:00.000")},
		{"lowercase month", "23-feb-2025", s("2025-02-23T00:00:00.000")},
		{"iso passthrough", "2025-12-10T00:00:00.000", s("2025-12-10T00:00:00.000")},
		{"empty becomes null", "", nil},
		{"whitespace becomes null", "   ", nil},
		{"unrecognized shape passes through", "next spring", s("next spring")},
		{"bad month abbreviation passes through", "09-JAX-2026", s("09-JAX-2026")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeDate(tt.value)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, *tt.want, *got)
		})
	}
}

func TestParseNumber(t *testing.T) {
	tests := []struct {
		value string
		want  *float64
	}{
		{"$58,700", f(58700)},
		{"42.50", f(42.5)},
		{"", nil},
		{"N/A", nil},
	}

	for _, tt := range tests {
		got := parseNumber(tt.value)
		if tt.want == nil {
			assert.Nil(t, got, "value %q", tt.value)
			continue
		}
		require.NotNil(t, got, "value %q", tt.value)
		assert.Equal(t, *tt.want, *got)
	}
}

func TestFullTimeFlag(t *testing.T) {
	require.NotNil(t, fullTimeFlag("F"))
	assert.True(t, *fullTimeFlag("F"))
	require.NotNil(t, fullTimeFlag("P"))
	assert.False(t, *fullTimeFlag("P"))
	assert.Nil(t, fullTimeFlag(""))
	assert.Nil(t, fullTimeFlag("X"))
}

func f(v float64) *float64 { return &v }
func s(v string) *string   { return &v }

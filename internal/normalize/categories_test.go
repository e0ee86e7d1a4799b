package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitCategories(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{
			name: "single label",
			raw:  "Health",
			want: []string{"Health"},
		},
		{
			name: "concatenated without delimiter",
			raw:  "Engineering, Architecture, & PlanningHealth",
			want: []string{"Engineering, Architecture, & Planning", "Health"},
		},
		{
			name: "longest match first",
			raw:  "Mental HealthHealth",
			want: []string{"Mental Health", "Health"},
		},
		{
			name: "short label before longer one",
			raw:  "HealthMental Health",
			want: []string{"Health", "Mental Health"},
		},
		{
			name: "three labels",
			raw:  "Legal AffairsFinance, Accounting, & ProcurementSocial Services",
			want: []string{"Legal Affairs", "Finance, Accounting, & Procurement", "Social Services"},
		},
		{
			name: "order of appearance preserved",
			raw:  "Social ServicesGreen JobsHealth",
			want: []string{"Social Services", "Green Jobs", "Health"},
		},
		{
			name: "unknown text stays attached to preceding fragment",
			raw:  "Something ElseHealth",
			want: []string{"Something Else", "Health"},
		},
		{
			name: "empty",
			raw:  "",
			want: nil,
		},
		{
			name: "whitespace only",
			raw:  "   ",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitCategories(tt.raw))
		})
	}
}

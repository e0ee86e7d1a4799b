package normalize

import (
	"sort"
	"strings"
)

// categoryLabels is the fixed upstream vocabulary for the job_category field.
// The upstream feed concatenates labels with no delimiter, so splitting works
// by inserting a delimiter before every occurrence of a known label. Ordering
// here does not matter; matching is done longest label first so that "Health"
// never pre-empts "Mental Health".
var categoryLabels = []string{
	"Administration & Human Resources",
	"Building Operations & Maintenance",
	"Communications & Intergovernmental Affairs",
	"Constituent Services & Community Programs",
	"Engineering, Architecture, & Planning",
	"Finance, Accounting, & Procurement",
	"Green Jobs",
	"Health",
	"Legal Affairs",
	"Mental Health",
	"Policy, Research & Analysis",
	"Public Safety, Inspections, & Enforcement",
	"Social Services",
	"Technology, Data & Innovation",
}

var labelsByLength = func() []string {
	labels := make([]string, len(categoryLabels))
	copy(labels, categoryLabels)
	sort.SliceStable(labels, func(i, j int) bool {
		return len(labels[i]) > len(labels[j])
	})
	return labels
}()

const categoryDelimiter = "\x1f"

// SplitCategories splits a concatenated job_category value into the list of
// category labels it contains, preserving their order of appearance. Text
// that matches no known label stays attached to the preceding fragment and is
// returned as-is after trimming.
func SplitCategories(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	claimed := make([]bool, len(raw))
	starts := make(map[int]bool)

	for _, label := range labelsByLength {
		from := 0
		for {
			i := strings.Index(raw[from:], label)
			if i < 0 {
				break
			}
			start := from + i
			end := start + len(label)
			if !spanClaimed(claimed, start, end) {
				claimSpan(claimed, start, end)
				starts[start] = true
			}
			from = end
		}
	}

	var b strings.Builder
	for i := 0; i < len(raw); i++ {
		if starts[i] {
			b.WriteString(categoryDelimiter)
		}
		b.WriteByte(raw[i])
	}

	var categories []string
	for _, fragment := range strings.Split(b.String(), categoryDelimiter) {
		fragment = strings.TrimSpace(fragment)
		if fragment != "" {
			categories = append(categories, fragment)
		}
	}
	return categories
}

func spanClaimed(claimed []bool, start, end int) bool {
	for i := start; i < end; i++ {
		if claimed[i] {
			return true
		}
	}
	return false
}

func claimSpan(claimed []bool, start, end int) {
	for i := start; i < end; i++ {
		claimed[i] = true
	}
}

package prbot

import (
	"regexp"
	"strings"
)

// Category represents the type of changes in a PR
type Category string

const (
	CategorySecurity     Category = "security"
	CategoryArchitecture Category = "architecture"
	CategoryMigrations   Category = "migrations"
	CategoryRoutine      Category = "routine"
)

// LabelAIGenerated marks every automated pull request
const LabelAIGenerated = "ai-implementation"

var (
	securityPatterns = compileAll(
		`(?i)auth`,
		`(?i)password`,
		`(?i)credential`,
		`(?i)secret`,
		`(?i)token`,
		`(?i)encrypt`,
		`(?i)decrypt`,
		`(?i)permission`,
		`(?i)bcrypt`,
		`(?i)jwt`,
		`(?i)oauth`,
		`(?i)session`,
		`(?i)sanitiz`,
	)

	architecturePatterns = compileAll(
		`go\.mod`,
		`go\.sum`,
		`package\.json`,
		`requirements\.txt`,
		`pom\.xml`,
		`Cargo\.toml`,
		`(?i)api/`,
		`(?i)interface\s+\w+`,
	)

	migrationPatterns = compileAll(
		`migrations/`,
		`(?i)CREATE\s+TABLE`,
		`(?i)ALTER\s+TABLE`,
		`(?i)DROP\s+TABLE`,
		`(?i)\.sql\b`,
	)
)

func compileAll(patterns ...string) []*regexp.Regexp {
	res := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		res[i] = regexp.MustCompile(p)
	}
	return res
}

// AnalyzeDiff categorizes a diff by its content
func AnalyzeDiff(diff string) Category {
	// Check in order of priority
	if matchesAny(diff, securityPatterns) {
		return CategorySecurity
	}
	if matchesAny(diff, migrationPatterns) {
		return CategoryMigrations
	}
	if matchesAny(diff, architecturePatterns) {
		return CategoryArchitecture
	}
	return CategoryRoutine
}

func matchesAny(text string, patterns []*regexp.Regexp) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// GetLabels returns labels to apply based on category
func GetLabels(category Category) []string {
	switch category {
	case CategorySecurity:
		return []string{"needs-human-review", "security"}
	case CategoryArchitecture:
		return []string{"needs-human-review", "architecture"}
	case CategoryMigrations:
		return []string{"needs-human-review", "database"}
	default:
		return nil
	}
}

// Labels combines the request category, the diff category and the
// fallback marker into a de-duplicated label set
func Labels(requestCategory, diff string, fallback bool) []string {
	labels := []string{LabelAIGenerated}
	if c := strings.ToLower(strings.TrimSpace(requestCategory)); c != "" {
		labels = append(labels, c)
	}
	if fallback {
		labels = append(labels, "scaffold")
	}
	labels = append(labels, GetLabels(AnalyzeDiff(diff))...)

	seen := make(map[string]bool, len(labels))
	out := labels[:0]
	for _, l := range labels {
		if !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	return out
}

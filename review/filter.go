package review

import (
	"cmp"
	"slices"
	"strings"
)

// FilterConfig controls Partition.
type FilterConfig struct {
	ConfidenceThreshold float64
	MaxInline           int
}

// InlineEligible reports whether f may become an inline comment.
func InlineEligible(f Finding, threshold float64) bool {
	switch {
	case f.Severity == SeverityError:
		return true
	case f.Category == CategorySecurity || f.Category == CategoryBugs:
		return true
	case f.Severity == SeverityWarning && f.Confidence >= threshold:
		return true
	default:
		return false
	}
}

// Partition splits findings into inline comments and summary-only notes.
// Eligible findings are ranked by severity then confidence and capped at
// MaxInline; the overflow joins bodyOnly. Nothing is dropped. The output does
// not depend on input order, and partitioning inline ∪ bodyOnly again yields
// the same sets.
func Partition(findings []Finding, cfg FilterConfig) (inline, bodyOnly []Finding) {
	for _, f := range findings {
		if InlineEligible(f, cfg.ConfidenceThreshold) {
			inline = append(inline, f)
		} else {
			bodyOnly = append(bodyOnly, f)
		}
	}

	slices.SortStableFunc(inline, compareFindings)
	if cfg.MaxInline >= 0 && len(inline) > cfg.MaxInline {
		bodyOnly = append(bodyOnly, inline[cfg.MaxInline:]...)
		inline = inline[:cfg.MaxInline:cfg.MaxInline]
	}
	slices.SortStableFunc(bodyOnly, compareFindings)
	return inline, bodyOnly
}

// compareFindings is a total order: severity desc, confidence desc, then
// location and text so equal-priority findings never depend on input order.
func compareFindings(a, b Finding) int {
	if c := cmp.Compare(severityRank(b.Severity), severityRank(a.Severity)); c != 0 {
		return c
	}
	if c := cmp.Compare(b.Confidence, a.Confidence); c != 0 {
		return c
	}
	if c := strings.Compare(a.Path, b.Path); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Line, b.Line); c != 0 {
		return c
	}
	if c := strings.Compare(a.Category, b.Category); c != 0 {
		return c
	}
	return strings.Compare(a.Body, b.Body)
}

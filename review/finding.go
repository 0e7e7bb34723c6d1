// Package review turns a pull request diff into prioritized findings and
// publishes them: rules, the agentic model loop, inline partitioning,
// enrichment and the orchestrating Reviewer.
package review

import (
	"github.com/shipitai/recall/knowledge"
)

// Severity levels.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
)

// Categories the filter treats specially.
const (
	CategorySecurity = "security"
	CategoryBugs     = "bugs"
)

// Finding is a single review observation on a line of the diff.
type Finding struct {
	Path       string           `json:"path"`
	Line       int              `json:"line"`
	Body       string           `json:"body"`
	Origin     knowledge.Origin `json:"origin"`
	Severity   string           `json:"severity"`
	Category   string           `json:"category"`
	Confidence float64          `json:"confidence"`
	Suggestion string           `json:"suggestion,omitempty"`
	RuleID     string           `json:"rule_id,omitempty"`
	Citation   string           `json:"citation,omitempty"`
	// Context is the diff snippet around the line, stored with the interaction.
	Context string `json:"context,omitempty"`
}

// severityRank orders severities; unknown values rank below info.
func severityRank(s string) int {
	switch s {
	case SeverityError:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// InteractionID is the content-addressed id the finding is stored under.
func (f Finding) InteractionID(repo string, prNumber int) string {
	return knowledge.InteractionID(repo, prNumber, f.Path, f.Line, f.Body)
}

// Interaction converts the finding into a stored interaction.
func (f Finding) Interaction(repo string, prNumber int) knowledge.Interaction {
	return knowledge.Interaction{
		ID:          f.InteractionID(repo, prNumber),
		Repo:        repo,
		PRNumber:    prNumber,
		DiffContext: f.Context,
		Comment:     f.Body,
		FilePath:    f.Path,
		Line:        f.Line,
		Category:    f.Category,
		Origin:      f.Origin,
		Severity:    f.Severity,
	}
}

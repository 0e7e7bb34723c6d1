package review

import (
	"fmt"
	"strings"

	"github.com/shipitai/recall/github"
	"github.com/shipitai/recall/knowledge"
	"github.com/shipitai/recall/llm"
)

// Review events.
const (
	EventComment        = "COMMENT"
	EventRequestChanges = "REQUEST_CHANGES"
)

// Result is a finished review ready to post or hold. It is what a
// PendingReview stores.
type Result struct {
	Repo      string    `json:"repo"`
	PRNumber  int       `json:"pr_number"`
	Summary   string    `json:"summary"`
	Body      string    `json:"body"`
	Inline    []Finding `json:"inline"`
	BodyOnly  []Finding `json:"body_only"`
	Event     string    `json:"event"`
	ToolCalls int       `json:"tool_calls"`
	Usage     llm.Usage `json:"usage"`
}

// BuildResult assembles the review body and event for the partitioned findings.
func BuildResult(repo string, prNumber int, summaries []string, inline, bodyOnly []Finding, toolCalls int, usage llm.Usage) Result {
	res := Result{
		Repo:      repo,
		PRNumber:  prNumber,
		Summary:   strings.Join(summaries, "\n\n"),
		Inline:    inline,
		BodyOnly:  bodyOnly,
		Event:     EventComment,
		ToolCalls: toolCalls,
		Usage:     usage,
	}
	for _, f := range inline {
		if f.Severity == SeverityError {
			res.Event = EventRequestChanges
			break
		}
	}
	res.Body = res.renderBody()
	return res
}

func (r Result) renderBody() string {
	var b strings.Builder
	b.WriteString("## Review Summary\n\n")
	if r.Summary != "" {
		b.WriteString(r.Summary)
	} else if len(r.Inline)+len(r.BodyOnly) == 0 {
		b.WriteString("No issues found.")
	} else {
		fmt.Fprintf(&b, "Found %d issue(s).", len(r.Inline)+len(r.BodyOnly))
	}
	b.WriteString("\n")

	if len(r.BodyOnly) > 0 {
		b.WriteString("\n### Additional Notes\n\n")
		for _, f := range r.BodyOnly {
			fmt.Fprintf(&b, "- **%s** `%s:%d`", f.Severity, f.Path, f.Line)
			if f.Category != "" {
				fmt.Fprintf(&b, " (%s)", f.Category)
			}
			b.WriteString(": ")
			b.WriteString(strings.Join(strings.Fields(f.Body), " "))
			b.WriteString(" ")
			b.WriteString(knowledge.Marker(f.InteractionID(r.Repo, r.PRNumber)))
			b.WriteString("\n")
		}
	}
	return b.String()
}

// CommentBody renders the inline comment text for f, including its
// suggestion, citation and interaction marker.
func (r Result) CommentBody(f Finding) string {
	var b strings.Builder
	b.WriteString(f.Body)
	if f.Suggestion != "" {
		b.WriteString("\n\n```suggestion\n")
		b.WriteString(strings.TrimSuffix(f.Suggestion, "\n"))
		b.WriteString("\n```")
	}
	if f.Citation != "" {
		b.WriteString("\n\n> ")
		b.WriteString(f.Citation)
	}
	b.WriteString("\n\n")
	b.WriteString(knowledge.Marker(f.InteractionID(r.Repo, r.PRNumber)))
	return b.String()
}

// ReviewRequest converts the result into a GitHub review at commitID.
func (r Result) ReviewRequest(commitID string) *github.ReviewRequest {
	req := &github.ReviewRequest{
		CommitID: commitID,
		Body:     r.Body,
		Event:    r.Event,
	}
	for _, f := range r.Inline {
		req.Comments = append(req.Comments, github.ReviewComment{
			Path: f.Path,
			Line: f.Line,
			Side: "RIGHT",
			Body: r.CommentBody(f),
		})
	}
	return req
}

// Findings returns inline then body-only findings.
func (r Result) Findings() []Finding {
	out := make([]Finding, 0, len(r.Inline)+len(r.BodyOnly))
	out = append(out, r.Inline...)
	return append(out, r.BodyOnly...)
}

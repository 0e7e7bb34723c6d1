package storage

import (
	"encoding/json"
	"time"
)

// Installation represents a GitHub App installation.
type Installation struct {
	InstallationID int64  `json:"installation_id"`
	AccountID      int64  `json:"account_id,omitempty"`
	OrgLogin       string `json:"org_login"`
	InstalledAt    string `json:"installed_at"`
	InstalledBy    string `json:"installed_by"`
}

// Comment represents a posted review comment.
type Comment struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Body string `json:"body"`
}

// TokenUsage represents LLM token usage for a review.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// ReviewContext is the record of a posted review. Resyncs read it back to
// avoid re-posting comments already on the pull request.
type ReviewContext struct {
	InstallationID int64       `json:"installation_id"`
	Owner          string      `json:"owner"`
	Repo           string      `json:"repo"`
	PRNumber       int         `json:"pr_number"`
	ReviewID       int64       `json:"review_id"`
	ReviewBody     string      `json:"review_body"`
	Comments       []Comment   `json:"comments"`
	CreatedAt      string      `json:"created_at"`
	Usage          *TokenUsage `json:"usage,omitempty"`
	ToolCalls      int         `json:"tool_calls"`
}

// PendingStatus is the state of a held review.
type PendingStatus string

const (
	StatusPending  PendingStatus = "pending"
	StatusApproved PendingStatus = "approved"
	StatusRejected PendingStatus = "rejected"
)

// Valid reports whether s is a known status.
func (s PendingStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// PendingReview is a completed review held for manual approval.
type PendingReview struct {
	ID             string          `json:"id"`
	InstallationID int64           `json:"installation_id"`
	Owner          string          `json:"owner"`
	Repo           string          `json:"repo"`
	PRNumber       int             `json:"pr_number"`
	HeadSHA        string          `json:"head_sha"`
	Result         json.RawMessage `json:"result"`
	Status         PendingStatus   `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
}

// FeatureFlag is a named boolean switch.
type FeatureFlag struct {
	Key       string    `json:"key"`
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Feedback types.
const (
	FeedbackResolved  = "resolved"
	FeedbackDismissed = "dismissed"
)

// FeedbackMetric is an append-only record of one human reaction.
type FeedbackMetric struct {
	InteractionID string    `json:"interaction_id"`
	Owner         string    `json:"owner"`
	Repo          string    `json:"repo"`
	PRNumber      int       `json:"pr_number"`
	FeedbackType  string    `json:"feedback_type"`
	Positive      bool      `json:"positive"`
	Actor         string    `json:"actor"`
	RecordedAt    time.Time `json:"recorded_at"`
}

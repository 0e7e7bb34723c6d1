// Package llm defines the provider-neutral message and tool-use types the
// reviewer speaks, plus retry handling for transient provider failures.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Role is the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult answers a ToolCall in the following user turn.
type ToolResult struct {
	CallID  string
	Content string
	IsError bool
}

// Message is one turn. Assistant turns may carry ToolCalls; user turns may
// carry ToolResults in place of (or alongside) text.
type Message struct {
	Role        Role
	Text        string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// Tool describes a callable tool and its JSON schema.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ChoiceMode controls which tools the model may call.
type ChoiceMode string

const (
	ChoiceAuto ChoiceMode = "auto"
	ChoiceTool ChoiceMode = "tool"
)

// ToolChoice is ChoiceAuto, or ChoiceTool with Name set to force one tool.
type ToolChoice struct {
	Mode ChoiceMode
	Name string
}

// Request is a single model call.
type Request struct {
	Model      string
	System     string
	MaxTokens  int
	Messages   []Message
	Tools      []Tool
	ToolChoice ToolChoice
}

// Usage is the token accounting reported by the provider.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Response is the model's reply.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage
}

// Client performs model calls.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// APIError is a provider error carrying an HTTP status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm api error %d: %s", e.StatusCode, e.Message)
}

// IsTransient reports whether err is worth retrying: rate limits, overload,
// server errors and network failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "529") ||
		strings.Contains(errStr, "overloaded") ||
		strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "timeout")
}

// RetryPolicy bounds Retry. Attempts counts the first call.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultRetryPolicy makes two attempts in total.
var DefaultRetryPolicy = RetryPolicy{Attempts: 2, BaseDelay: time.Second}

// Retry executes fn with exponential backoff on transient errors.
func Retry[T any](ctx context.Context, logger *slog.Logger, policy RetryPolicy, operation string, fn func() (T, error)) (T, error) {
	var result T
	var lastErr error

	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		result, lastErr = fn()
		if lastErr == nil {
			return result, nil
		}

		if !IsTransient(lastErr) {
			return result, lastErr
		}

		if attempt < attempts-1 {
			delay := policy.BaseDelay * time.Duration(1<<attempt)
			logger.Warn("retrying after transient error",
				"operation", operation,
				"attempt", attempt+1,
				"max_attempts", attempts,
				"delay", delay,
				"error", lastErr,
			)

			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return result, fmt.Errorf("max retries exceeded for %s: %w", operation, lastErr)
}

// Package anthropic adapts the Claude Messages API to the llm package.
package anthropic

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/shipitai/recall/llm"
)

// ValidateAPIKey makes a one-token call on the cheapest model to check that
// apiKey is accepted. The server runs it once at startup.
func ValidateAPIKey(ctx context.Context, apiKey string) error {
	if apiKey == "" {
		return fmt.Errorf("API key is empty")
	}

	c := NewClient(apiKey, string(anthropic.ModelClaude3_5HaikuLatest))
	_, err := c.Complete(ctx, llm.Request{
		MaxTokens: 1,
		Messages:  []llm.Message{{Role: llm.RoleUser, Text: "hi"}},
	})
	if err != nil {
		return fmt.Errorf("API key validation failed: %w", err)
	}
	return nil
}

// KeyHint returns the last 4 characters of an API key for log lines.
func KeyHint(apiKey string) string {
	if len(apiKey) < 4 {
		return "****"
	}
	return apiKey[len(apiKey)-4:]
}

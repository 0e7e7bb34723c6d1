package anthropic

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/shipitai/recall/llm"
	"github.com/stretchr/testify/assert"
)

func TestKeyHint(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"", "****"},
		{"abc", "****"},
		{"sk-ant-1234", "1234"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KeyHint(tt.key))
	}
}

func TestValidateAPIKey_Empty(t *testing.T) {
	err := ValidateAPIKey(context.Background(), "")
	assert.EqualError(t, err, "API key is empty")
}

func TestNewClient_DefaultModel(t *testing.T) {
	c := NewClient("key", "")
	assert.Equal(t, DefaultModel, c.model)
}

func TestToMessageParams(t *testing.T) {
	msgs := []llm.Message{
		{Role: llm.RoleUser, Text: "review this"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "t1", Name: "get_file_history", Input: json.RawMessage(`{"path":"a.go"}`)}}},
		{Role: llm.RoleUser, ToolResults: []llm.ToolResult{{CallID: "t1", Content: "none"}}},
	}
	assert.Len(t, toMessageParams(msgs), 3)
}

package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/shipitai/recall/llm"
)

const (
	// DefaultModel is the Claude model used for reviews and concept tagging.
	DefaultModel = "claude-sonnet-4-20250514"

	// APITimeout is the maximum time to wait for a single Claude response.
	APITimeout = 3 * time.Minute

	defaultMaxTokens = 4096
)

// Client implements llm.Client on the Anthropic Messages API.
type Client struct {
	client *anthropic.Client
	model  string
}

var _ llm.Client = (*Client)(nil)

// NewClient creates a Claude client. An empty model selects DefaultModel.
func NewClient(apiKey, model string) *Client {
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Complete sends req to Claude and converts the reply.
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.F(anthropic.Model(model)),
		MaxTokens: anthropic.F(int64(maxTokens)),
		Messages:  anthropic.F(toMessageParams(req.Messages)),
	}
	if req.System != "" {
		params.System = anthropic.F([]anthropic.TextBlockParam{
			anthropic.NewTextBlock(req.System),
		})
	}
	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, anthropic.ToolParam{
				Name:        anthropic.F(t.Name),
				Description: anthropic.F(t.Description),
				InputSchema: anthropic.F[interface{}](t.InputSchema),
			})
		}
		params.Tools = anthropic.F(tools)

		switch req.ToolChoice.Mode {
		case llm.ChoiceTool:
			params.ToolChoice = anthropic.F[anthropic.ToolChoiceUnionParam](anthropic.ToolChoiceToolParam{
				Type: anthropic.F(anthropic.ToolChoiceToolTypeTool),
				Name: anthropic.F(req.ToolChoice.Name),
			})
		default:
			params.ToolChoice = anthropic.F[anthropic.ToolChoiceUnionParam](anthropic.ToolChoiceAutoParam{
				Type: anthropic.F(anthropic.ToolChoiceAutoTypeAuto),
			})
		}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, APITimeout)
	defer cancel()

	message, err := c.client.Messages.New(timeoutCtx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, &llm.APIError{StatusCode: apiErr.StatusCode, Message: apiErr.Error()}
		}
		return nil, fmt.Errorf("Claude API error: %w", err)
	}

	resp := &llm.Response{
		StopReason: string(message.StopReason),
		Usage: llm.Usage{
			InputTokens:  message.Usage.InputTokens,
			OutputTokens: message.Usage.OutputTokens,
		},
	}
	for _, block := range message.Content {
		switch block.Type {
		case anthropic.ContentBlockTypeText:
			resp.Text += block.Text
		case anthropic.ContentBlockTypeToolUse:
			resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: json.RawMessage(block.Input),
			})
		}
	}
	return resp, nil
}

func toMessageParams(messages []llm.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		var blocks []anthropic.ContentBlockParamUnion
		for _, r := range m.ToolResults {
			blocks = append(blocks, anthropic.NewToolResultBlock(r.CallID, r.Content, r.IsError))
		}
		if m.Text != "" {
			blocks = append(blocks, anthropic.NewTextBlock(m.Text))
		}
		for _, call := range m.ToolCalls {
			var input interface{} = map[string]interface{}{}
			if len(call.Input) > 0 {
				input = call.Input
			}
			blocks = append(blocks, anthropic.NewToolUseBlockParam(call.ID, call.Name, input))
		}

		if m.Role == llm.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

package storage

import (
	"encoding/json"
)

// EncodeComments converts comments to a JSON string for storage.
func EncodeComments(comments []Comment) string {
	if len(comments) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(comments)
	return string(b)
}

// DecodeComments parses a JSON string into comments.
func DecodeComments(s string) []Comment {
	if s == "" || s == "null" {
		return nil
	}
	var comments []Comment
	if err := json.Unmarshal([]byte(s), &comments); err != nil {
		return nil
	}
	return comments
}

// EncodeUsage converts token usage to a JSON string for storage.
func EncodeUsage(usage *TokenUsage) string {
	if usage == nil {
		return "null"
	}
	b, _ := json.Marshal(usage)
	return string(b)
}

// DecodeUsage parses a JSON string into token usage.
func DecodeUsage(s string) *TokenUsage {
	if s == "" || s == "null" {
		return nil
	}
	var usage TokenUsage
	if err := json.Unmarshal([]byte(s), &usage); err != nil {
		return nil
	}
	return &usage
}

// Package knowledge stores past review interactions and recalls them to
// ground new reviews. Interactions are projected into a vector index and a
// property graph; both stores implement Sink.
package knowledge

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Origin identifies who produced a comment.
type Origin string

const (
	OriginRule  Origin = "rule"
	OriginLLM   Origin = "llm"
	OriginHuman Origin = "human"
)

// interactionNamespace seeds content-addressed interaction ids.
var interactionNamespace = uuid.MustParse("6f1c5a9e-3b0d-4c47-9a53-2f0e6b7d8c41")

// Interaction is a stored review comment used for learning.
type Interaction struct {
	ID          string
	Repo        string
	PRNumber    int
	DiffContext string
	Comment     string
	FilePath    string
	Line        int
	Category    string
	// Approved is nil until a human reacts to the comment.
	Approved  *bool
	Concepts  []string
	CreatedAt time.Time
	Origin    Origin
	Severity  string
}

// InteractionID derives a stable id from the identifying content, so storing
// the same comment twice (e.g. during backfill) addresses the same record.
func InteractionID(repo string, prNumber int, path string, line int, comment string) string {
	key := fmt.Sprintf("%s\x00%d\x00%s\x00%d\x00%s", repo, prNumber, path, line, comment)
	return uuid.NewSHA1(interactionNamespace, []byte(key)).String()
}

// Approval states as stored in the vector index.
const (
	StateUnresolved = "unresolved"
	StateApproved   = "approved"
	StateRejected   = "rejected"
)

// ApprovalState converts the tri-state approval to its stored text form.
func ApprovalState(approved *bool) string {
	switch {
	case approved == nil:
		return StateUnresolved
	case *approved:
		return StateApproved
	default:
		return StateRejected
	}
}

// ParseApprovalState is the inverse of ApprovalState. Unknown values are unresolved.
func ParseApprovalState(s string) *bool {
	switch strings.ToLower(s) {
	case StateApproved:
		v := true
		return &v
	case StateRejected:
		v := false
		return &v
	default:
		return nil
	}
}

// CommentPrefix returns at most n runes of the comment, used for de-duplication.
func (i Interaction) CommentPrefix(n int) string {
	r := []rune(i.Comment)
	if len(r) > n {
		r = r[:n]
	}
	return string(r)
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// MarkerPrefix starts the hidden marker that ties a posted comment to its
// interaction id.
const MarkerPrefix = "<!-- recall:interaction="

// Marker returns the hidden HTML comment embedded in posted comment bodies.
func Marker(id string) string {
	return MarkerPrefix + id + " -->"
}

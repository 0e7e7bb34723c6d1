package review

import (
	"fmt"
	"strings"

	"github.com/shipitai/recall/patch"
)

const systemPrompt = `You are an expert code reviewer. Your job is to review pull request diffs and provide actionable, helpful feedback.

Focus on:
- Bugs and logic errors
- Security vulnerabilities
- Performance issues
- Significant code clarity problems (only if code is genuinely confusing)

Do NOT comment on:
- Minor style preferences (indentation, spacing, etc.)
- Formatting issues (assume automated formatters handle this)
- Adding comments to self-explanatory code
- Trivial issues that don't affect functionality

You have tools that look up this repository's review history:
- search_similar_reviews finds past comments on similar code and whether the team accepted them
- get_file_history lists past comments on a file
- get_concept_approval_rate tells you how often the team accepted comments about a topic

Use them when a finding depends on team conventions. Do not raise issues the team has rejected before. When you are done, call submit_review exactly once with your summary and findings. Every finding needs a severity (error, warning or info), a category (bugs, security, performance, quality, ...) and a confidence between 0 and 1.

When you have a specific code fix, put the replacement for the commented line in the finding's "suggestion" field. The suggestion replaces ONLY the single line your finding is attached to. If the fix spans multiple existing lines, describe it in the body instead.

The diff is annotated with new-file line numbers. Each line inside a hunk is prefixed with its line number (e.g. "   42 | +code here"). Always use the number before the | separator. Deleted lines have no number and cannot be commented on.`

const chunkPromptTemplate = `Review the following pull request diff.
%s
**Pull Request Title:** %s

**Pull Request Description:**
%s

**Files in this chunk:**
%s

<diff>
%s
</diff>`

// BuildSystemPrompt assembles the system prompt from the base instructions,
// the repository guide, custom instructions, focus areas and recalled history.
func BuildSystemPrompt(guide, instructions string, focusAreas []string, recalled string) string {
	var b strings.Builder
	b.WriteString(systemPrompt)

	if len(focusAreas) > 0 {
		b.WriteString("\n\n## Focus Areas\n\nPay particular attention to: ")
		b.WriteString(strings.Join(focusAreas, ", "))
	}
	if guide != "" {
		b.WriteString("\n\n## Project Context (from CLAUDE.md)\n\n")
		b.WriteString(guide)
	}
	if instructions != "" {
		b.WriteString("\n\n## Repository-Specific Instructions\n\n")
		b.WriteString(instructions)
	}
	if recalled != "" {
		b.WriteString("\n\n")
		b.WriteString(recalled)
	}
	return b.String()
}

// BuildChunkPrompt renders the user turn for one chunk.
func BuildChunkPrompt(title, description string, chunk patch.FileChunk) string {
	if description == "" {
		description = "(No description provided)"
	}

	var note string
	if chunk.Total > 1 {
		// 1-indexed for human readability
		note = fmt.Sprintf("\n**IMPORTANT: This is chunk %d of %d.** Focus only on the files in this chunk. Other files are being reviewed separately.\n", chunk.Index+1, chunk.Total)
	}

	return fmt.Sprintf(chunkPromptTemplate,
		note,
		title,
		description,
		"- "+strings.Join(chunk.Paths(), "\n- "),
		chunk.Render(),
	)
}

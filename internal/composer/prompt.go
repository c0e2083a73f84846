package composer

import (
	"fmt"
	"slices"
	"strings"

	"github.com/kalambet/studychat/internal/extract"
	"github.com/kalambet/studychat/internal/guidelines"
)

const (
	defaultMaxDocumentChars   = 30000
	defaultMaxGuidelineTokens = 2000

	// DocumentOnlyMessage replaces an empty message sent with a document.
	DocumentOnlyMessage = "Please analyze this document and tell me what it's about."

	truncationMarker = "\n\n[Document truncated]"
)

// Composer assembles the prompt sent to the generator from the user's
// message, retrieved guidelines and an optional uploaded document.
type Composer struct {
	MaxDocumentChars   int
	MaxGuidelineTokens int
}

// New creates a Composer. Non-positive budgets fall back to the defaults.
func New(maxDocumentChars, maxGuidelineTokens int) *Composer {
	if maxDocumentChars <= 0 {
		maxDocumentChars = defaultMaxDocumentChars
	}
	if maxGuidelineTokens <= 0 {
		maxGuidelineTokens = defaultMaxGuidelineTokens
	}
	return &Composer{MaxDocumentChars: maxDocumentChars, MaxGuidelineTokens: maxGuidelineTokens}
}

// Compose builds the final prompt. Guidelines come first, separated from the
// user's request by a rule. Without guidelines or a document the message is
// returned unchanged.
func (c *Composer) Compose(message string, matches []guidelines.Match, doc *extract.Document) string {
	var sb strings.Builder
	if block := c.guidelineBlock(matches); block != "" {
		sb.WriteString(block)
		sb.WriteString("\n---\n\n")
	}

	if doc == nil {
		sb.WriteString(message)
		return sb.String()
	}

	if strings.TrimSpace(message) == "" {
		message = DocumentOnlyMessage
	}
	fmt.Fprintf(&sb, "I have uploaded a document titled %q. Here is the content:\n\n%s\n\nBased on this document, %s",
		doc.Name, c.truncate(doc.Content), message)
	return sb.String()
}

// guidelineBlock formats matches by similarity, dropping entries that do not
// fit the token budget.
func (c *Composer) guidelineBlock(matches []guidelines.Match) string {
	if len(matches) == 0 {
		return ""
	}

	sorted := slices.Clone(matches)
	slices.SortStableFunc(sorted, func(a, b guidelines.Match) int {
		switch {
		case a.Similarity > b.Similarity:
			return -1
		case a.Similarity < b.Similarity:
			return 1
		}
		return 0
	})

	header := "[Relevant Guidelines]\n"
	remaining := c.MaxGuidelineTokens - EstimateTokens(header)

	var entries []string
	for _, m := range sorted {
		entry := formatGuideline(m.Document)
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			continue
		}
		entries = append(entries, entry)
		remaining -= tokens
	}
	if len(entries) == 0 {
		return ""
	}
	return header + strings.Join(entries, "")
}

func formatGuideline(d guidelines.Document) string {
	if d.Category == "" {
		return fmt.Sprintf("### %s\n%s\n\n", d.Title, d.Content)
	}
	return fmt.Sprintf("### %s (%s)\n%s\n\n", d.Title, d.Category, d.Content)
}

// truncate cuts content to MaxDocumentChars runes.
func (c *Composer) truncate(content string) string {
	n := 0
	for i := range content {
		if n == c.MaxDocumentChars {
			return content[:i] + truncationMarker
		}
		n++
	}
	return content
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

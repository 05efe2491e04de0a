package render

import (
	"html"
	"strings"
	"sync"

	"github.com/you/omnichat/internal/core"
)

// Moderator is the hook blocked-term matches escalate through.
type Moderator interface {
	RequestDeletion(platform, platformMsgID string)
}

// BlockedTerms holds the case-insensitive term list and highlights matches
// in rendered text. A match also asks the moderator to delete the message
// on its platform.
type BlockedTerms struct {
	mu    sync.RWMutex
	terms []string
	mod   Moderator
}

func NewBlockedTerms(mod Moderator) *BlockedTerms {
	return &BlockedTerms{mod: mod}
}

// SetTerms replaces the term list. Empty terms are dropped.
func (b *BlockedTerms) SetTerms(terms []string) {
	cleaned := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			cleaned = append(cleaned, t)
		}
	}
	b.mu.Lock()
	b.terms = cleaned
	b.mu.Unlock()
}

// Terms returns a copy of the active list.
func (b *BlockedTerms) Terms() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, len(b.terms))
	copy(out, b.terms)
	return out
}

// Wrap escapes text and wraps each blocked-term occurrence in a highlight
// span. The first match per message triggers one deletion request.
func (b *BlockedTerms) Wrap(msg core.Message, text string) string {
	b.mu.RLock()
	terms := b.terms
	b.mu.RUnlock()
	if len(terms) == 0 {
		return html.EscapeString(text)
	}

	lower := strings.ToLower(text)
	matched := false

	type span struct{ start, end int }
	var spans []span
	for _, term := range terms {
		from := 0
		for {
			idx := strings.Index(lower[from:], term)
			if idx == -1 {
				break
			}
			start := from + idx
			spans = append(spans, span{start: start, end: start + len(term)})
			matched = true
			from = start + len(term)
		}
	}
	if !matched {
		return html.EscapeString(text)
	}

	if b.mod != nil && msg.PlatformMsgID != "" {
		b.mod.RequestDeletion(msg.Platform, msg.PlatformMsgID)
	}

	// merge overlapping spans after sorting by start
	for i := 1; i < len(spans); i++ {
		for j := i; j > 0 && spans[j].start < spans[j-1].start; j-- {
			spans[j], spans[j-1] = spans[j-1], spans[j]
		}
	}
	merged := spans[:1]
	for _, s := range spans[1:] {
		last := &merged[len(merged)-1]
		if s.start <= last.end {
			if s.end > last.end {
				last.end = s.end
			}
			continue
		}
		merged = append(merged, s)
	}

	var out strings.Builder
	cursor := 0
	for _, s := range merged {
		out.WriteString(html.EscapeString(text[cursor:s.start]))
		out.WriteString(`<span class="blocked-term">`)
		out.WriteString(html.EscapeString(text[s.start:s.end]))
		out.WriteString(`</span>`)
		cursor = s.end
	}
	out.WriteString(html.EscapeString(text[cursor:]))
	return out.String()
}

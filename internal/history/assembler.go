// Package history accumulates the conversation log of one workflow run and
// reshapes it into role-tagged LLM message lists.
package history

import (
	"slices"
	"strings"
	"sync"

	"github.com/rendis/flowchat/pkg/schema"
)

// DefaultKey is used when a caller passes a blank history key.
const DefaultKey = schema.DefaultHistoryKey

const unknownSpeaker = "未知"

// Entry is one stored utterance.
type Entry struct {
	Speaker string `json:"speaker"`
	Content string `json:"content"`
}

// Assembler keeps per-key message logs for a single run.
type Assembler struct {
	mu      sync.RWMutex
	entries map[string][]Entry
}

// New returns an empty assembler.
func New() *Assembler {
	return &Assembler{entries: make(map[string][]Entry)}
}

// Append adds an utterance to the log under key.
func (a *Assembler) Append(key, speaker, content string) {
	key = normalizeKey(key)
	a.mu.Lock()
	a.entries[key] = append(a.entries[key], Entry{Speaker: speaker, Content: content})
	a.mu.Unlock()
}

// ToMessages renders the log under key from the point of view of current:
// entries spoken by current become assistant messages verbatim, all others
// become user messages prefixed with "[speaker]说: ". The result is a fresh
// slice; stored state is never modified.
func (a *Assembler) ToMessages(key, current string) []schema.ChatMessage {
	key = normalizeKey(key)
	a.mu.RLock()
	defer a.mu.RUnlock()

	log := a.entries[key]
	out := make([]schema.ChatMessage, 0, len(log))
	for _, e := range log {
		if e.Speaker == current {
			out = append(out, schema.ChatMessage{Role: schema.RoleAssistant, Content: e.Content})
			continue
		}
		out = append(out, schema.ChatMessage{Role: schema.RoleUser, Content: formatUserContent(e.Speaker, e.Content)})
	}
	return out
}

// Entries returns a copy of the raw log under key.
func (a *Assembler) Entries(key string) []Entry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.entries[normalizeKey(key)])
}

// Count returns the number of entries under key.
func (a *Assembler) Count(key string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries[normalizeKey(key)])
}

// Keys returns the keys that hold at least one entry, sorted.
func (a *Assembler) Keys() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	keys := make([]string, 0, len(a.entries))
	for k := range a.entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Clear drops the log under key.
func (a *Assembler) Clear(key string) {
	a.mu.Lock()
	delete(a.entries, normalizeKey(key))
	a.mu.Unlock()
}

// ClearAll drops every log.
func (a *Assembler) ClearAll() {
	a.mu.Lock()
	a.entries = make(map[string][]Entry)
	a.mu.Unlock()
}

func formatUserContent(speaker, content string) string {
	if strings.TrimSpace(speaker) == "" {
		speaker = unknownSpeaker
	}
	return "[" + speaker + "]说: " + content
}

func normalizeKey(key string) string {
	if strings.TrimSpace(key) == "" {
		return DefaultKey
	}
	return key
}

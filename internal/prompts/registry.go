// Package prompts resolves prompt ids to their start text, read through an
// mtime-keyed file cache so edits on disk take effect without a restart.
package prompts

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"chatpool/internal/config"
)

// Spec is a resolved prompt definition.
type Spec struct {
	PromptID           string
	StartText          string
	DefaultMaxChatUses int
}

// UnknownPromptError reports a prompt id with no configured entry.
type UnknownPromptError struct {
	PromptID string
}

func (e *UnknownPromptError) Error() string {
	return fmt.Sprintf("prompts: unknown prompt %q", e.PromptID)
}

type cached struct {
	mtime time.Time
	text  string
}

// Registry maps prompt ids to start-text files.
type Registry struct {
	byID map[string]config.PromptConfig

	mu    sync.Mutex
	cache map[string]cached
}

func NewRegistry(cfgs []config.PromptConfig) *Registry {
	byID := make(map[string]config.PromptConfig, len(cfgs))
	for _, pc := range cfgs {
		byID[pc.PromptID] = pc
	}
	return &Registry{byID: byID, cache: make(map[string]cached)}
}

// Get resolves a prompt id, reading the start-text file if its mtime moved.
func (r *Registry) Get(promptID string) (Spec, error) {
	pc, ok := r.byID[promptID]
	if !ok {
		return Spec{}, &UnknownPromptError{PromptID: promptID}
	}
	text, err := r.readThrough(pc.File)
	if err != nil {
		return Spec{}, fmt.Errorf("prompts: read %s for %s: %w", pc.File, promptID, err)
	}
	return Spec{
		PromptID:           promptID,
		StartText:          text,
		DefaultMaxChatUses: pc.DefaultMaxChatUses,
	}, nil
}

// IDs lists configured prompt ids, sorted.
func (r *Registry) IDs() []string {
	out := make([]string, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) readThrough(path string) (string, error) {
	st, err := os.Stat(path)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	c, ok := r.cache[path]
	r.mu.Unlock()
	if ok && c.mtime.Equal(st.ModTime()) {
		return c.text, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(string(raw))

	r.mu.Lock()
	r.cache[path] = cached{mtime: st.ModTime(), text: text}
	r.mu.Unlock()
	return text, nil
}

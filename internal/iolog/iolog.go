// Package iolog writes one JSONL audit file per container, recording every
// exchange with the worker. Writes are best-effort and never fail a request.
package iolog

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"chatpool/internal/config"
)

var socksCredRe = regexp.MustCompile(`://([^:@/\s]+):([^@/\s]+)@`)

// RedactURL masks the password in a user:pass@host proxy URL.
func RedactURL(u string) string {
	return socksCredRe.ReplaceAllString(u, "://$1:***@")
}

// Exchange is one request/response pair against a container.
type Exchange struct {
	Time       string         `json:"ts"`
	RequestID  string         `json:"request_id,omitempty"`
	Method     string         `json:"method"`
	Path       string         `json:"path"`
	Request    map[string]any `json:"request,omitempty"`
	StatusCode int            `json:"status_code,omitempty"`
	Response   any            `json:"response,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	Error      string         `json:"error,omitempty"`
}

// Logger appends exchanges to <dir>/<container_id>.jsonl, rotating by size.
type Logger struct {
	cfg config.IOLogConfig

	mu    sync.Mutex
	sizes map[string]int64
}

// New returns a logger, or nil when the audit log is disabled. All methods
// are safe on a nil receiver.
func New(cfg config.IOLogConfig) *Logger {
	if !cfg.Enabled {
		return nil
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		log.Printf("iolog: create dir %s: %v", cfg.Dir, err)
		return nil
	}
	return &Logger{cfg: cfg, sizes: make(map[string]int64)}
}

// Record appends one exchange for containerID, applying redaction and
// truncation first.
func (l *Logger) Record(containerID string, e Exchange) {
	if l == nil {
		return
	}
	if e.Time == "" {
		e.Time = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if !l.cfg.BodiesIncluded() {
		e.Request = nil
		e.Response = nil
	}
	e.Request = l.scrubMap(e.Request)
	e.Response = l.scrubValue(e.Response)
	if l.cfg.Redacted() {
		e.Error = RedactURL(e.Error)
	}

	line, err := json.Marshal(e)
	if err != nil {
		log.Printf("iolog: marshal exchange for %s: %v", containerID, err)
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	l.write(containerID, line)
}

func (l *Logger) write(containerID string, line []byte) {
	path := filepath.Join(l.cfg.Dir, containerID+".jsonl")

	size, ok := l.sizes[containerID]
	if !ok {
		if st, err := os.Stat(path); err == nil {
			size = st.Size()
		}
	}
	if size+int64(len(line)) > l.cfg.MaxBytes {
		l.rotate(path)
		size = 0
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Printf("iolog: open %s: %v", path, err)
		return
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		log.Printf("iolog: write %s: %v", path, err)
		return
	}
	l.sizes[containerID] = size + int64(len(line))
}

// rotate shifts path -> path.1 -> path.2 ... up to backup_count, dropping
// the oldest.
func (l *Logger) rotate(path string) {
	oldest := fmt.Sprintf("%s.%d", path, l.cfg.BackupCount)
	os.Remove(oldest)
	for i := l.cfg.BackupCount - 1; i >= 1; i-- {
		os.Rename(fmt.Sprintf("%s.%d", path, i), fmt.Sprintf("%s.%d", path, i+1))
	}
	os.Rename(path, path+".1")
}

func (l *Logger) scrubMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch k {
		case "image_b64":
			if s, ok := v.(string); ok {
				out[k] = fmt.Sprintf("<%d bytes b64 omitted>", len(s))
				continue
			}
		case "socks", "socks_url", "proxy":
			if s, ok := v.(string); ok && l.cfg.Redacted() {
				out[k] = RedactURL(s)
				continue
			}
		}
		out[k] = l.scrubValue(v)
	}
	return out
}

func (l *Logger) scrubValue(v any) any {
	switch tv := v.(type) {
	case string:
		s := tv
		if l.cfg.Redacted() {
			s = RedactURL(s)
		}
		if limit := l.cfg.MaxFieldChars; limit > 0 && len(s) > limit {
			s = s[:limit] + "...(truncated)"
		}
		return s
	case map[string]any:
		return l.scrubMap(tv)
	default:
		return v
	}
}

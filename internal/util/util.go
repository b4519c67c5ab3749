package util

import (
	"path/filepath"
	"sync"
	"time"
)

// Common timeout durations shared across packages.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

// ResolvePath joins base and rel, except that an absolute rel wins outright.
// filepath.Join("a", "/b") returns "a/b", which is never what a config file
// author means by an absolute path.
func ResolvePath(base, rel string) string {
	if filepath.IsAbs(rel) {
		return filepath.Clean(rel)
	}
	return filepath.Join(base, rel)
}

// LogRing keeps the most recent capacity lines for the relay status page.
// Safe for concurrent use.
type LogRing struct {
	mu    sync.RWMutex
	lines []string
	head  int
	count int
}

// NewLogRing creates a ring holding at most capacity lines.
func NewLogRing(capacity int) *LogRing {
	if capacity < 1 {
		capacity = 1
	}
	return &LogRing{lines: make([]string, capacity)}
}

// Append adds a line, evicting the oldest when full.
func (r *LogRing) Append(line string) {
	r.mu.Lock()
	idx := (r.head + r.count) % len(r.lines)
	r.lines[idx] = line
	if r.count == len(r.lines) {
		r.head = (r.head + 1) % len(r.lines)
	} else {
		r.count++
	}
	r.mu.Unlock()
}

// Recent returns up to n lines, oldest first. n <= 0 returns everything.
func (r *LogRing) Recent(n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]string, n)
	start := r.count - n
	for i := 0; i < n; i++ {
		out[i] = r.lines[(r.head+start+i)%len(r.lines)]
	}
	return out
}

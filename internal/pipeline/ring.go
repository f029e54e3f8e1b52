package pipeline

import (
	"fmt"
	"sync"
	"time"
)

// logRing is a fixed-size ring of recent pipeline log lines, surfaced
// through the status API so operators can see progress without tailing
// daemon logs.
type logRing struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

func newLogRing(size int) *logRing {
	if size <= 0 {
		size = 100
	}
	return &logRing{lines: make([]string, size)}
}

func (r *logRing) Addf(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	line := time.Now().UTC().Format(time.RFC3339) + " " + fmt.Sprintf(format, args...)
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
}

// Lines returns the buffered lines, oldest first.
func (r *logRing) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	if r.full {
		out = append(out, r.lines[r.next:]...)
	}
	out = append(out, r.lines[:r.next]...)

	filtered := out[:0]
	for _, l := range out {
		if l != "" {
			filtered = append(filtered, l)
		}
	}
	return filtered
}

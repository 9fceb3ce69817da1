// Package activity keeps a bounded in-memory trail of recent service events
// for the status and activity endpoints.
package activity

import (
	"fmt"
	"sync"
	"time"
)

// DefaultCapacity is the ring size used when none is configured.
const DefaultCapacity = 256

// Event is one recorded service event.
type Event struct {
	Time    time.Time `json:"time"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
}

// Log is a fixed-capacity ring of events. Once full, the oldest entry is
// overwritten.
type Log struct {
	mu   sync.Mutex
	buf  []Event
	next int
	full bool
}

// NewLog creates a ring holding up to capacity events.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{buf: make([]Event, capacity)}
}

// Record appends one event.
func (l *Log) Record(kind, format string, args ...any) {
	e := Event{
		Time:    time.Now(),
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf[l.next] = e
	l.next++
	if l.next == len(l.buf) {
		l.next = 0
		l.full = true
	}
}

// Len returns the number of retained events.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return len(l.buf)
	}
	return l.next
}

// Recent returns up to n retained events, newest first. n <= 0 returns all.
func (l *Log) Recent(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := l.next
	if l.full {
		count = len(l.buf)
	}
	if n <= 0 || n > count {
		n = count
	}
	out := make([]Event, 0, n)
	for i := 1; i <= n; i++ {
		idx := l.next - i
		if idx < 0 {
			idx += len(l.buf)
		}
		out = append(out, l.buf[idx])
	}
	return out
}

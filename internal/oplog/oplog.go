package oplog

import (
	"fmt"
	"sync"
	"time"
)

// DefaultCapacity is the number of entries retained when no capacity is given.
const DefaultCapacity = 300

// Entry is a single operational log line.
type Entry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// String formats the entry as "15:04:05 | message".
func (e Entry) String() string {
	return e.Time.Format("15:04:05") + " | " + e.Message
}

// Log is a bounded, ordered ring buffer of entries. Once full, the oldest
// entry is evicted on every append. It is safe for concurrent use.
type Log struct {
	mu    sync.Mutex
	buf   []Entry
	head  int // index of the oldest entry
	size  int
	now   func() time.Time
	subs  map[int]chan Entry
	subID int
}

// New creates a Log holding at most capacity entries.
// A non-positive capacity falls back to DefaultCapacity.
func New(capacity int, now func() time.Time) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if now == nil {
		now = time.Now
	}
	return &Log{
		buf:  make([]Entry, capacity),
		now:  now,
		subs: make(map[int]chan Entry),
	}
}

// Capacity returns the maximum number of retained entries.
func (l *Log) Capacity() int { return len(l.buf) }

// Append stores msg with the current time and fans it out to subscribers.
func (l *Log) Append(msg string) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := Entry{Time: l.now(), Message: msg}
	c := len(l.buf)
	if l.size < c {
		l.buf[(l.head+l.size)%c] = e
		l.size++
	} else {
		l.buf[l.head] = e
		l.head = (l.head + 1) % c
	}
	for _, ch := range l.subs {
		// slow subscribers lose lines rather than block the writer
		select {
		case ch <- e:
		default:
		}
	}
	return e
}

// Appendf is Append with fmt.Sprintf formatting.
func (l *Log) Appendf(format string, args ...any) Entry {
	return l.Append(fmt.Sprintf(format, args...))
}

// Entries returns a copy of the retained entries, oldest first.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, l.size)
	c := len(l.buf)
	for i := 0; i < l.size; i++ {
		out[i] = l.buf[(l.head+i)%c]
	}
	return out
}

// Tail returns at most n of the most recent entries, oldest first.
func (l *Log) Tail(n int) []Entry {
	all := l.Entries()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Subscribe returns a channel receiving every entry appended after the call
// and a cancel function that unregisters and closes it.
func (l *Log) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Entry, buffer)
	l.mu.Lock()
	id := l.subID
	l.subID++
	l.subs[id] = ch
	l.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			close(ch)
		})
	}
}

package oplog

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() func() time.Time {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	n := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return t0.Add(time.Duration(n) * time.Second)
	}
}

func TestLog_KeepsMostRecentInOrder(t *testing.T) {
	l := New(5, fixedClock())
	for i := 0; i < 12; i++ {
		l.Appendf("line %d", i)
	}
	entries := l.Entries()
	require.Len(t, entries, 5)
	for i, e := range entries {
		assert.Equal(t, fmt.Sprintf("line %d", i+7), e.Message)
	}
	for i := 1; i < len(entries); i++ {
		assert.True(t, entries[i].Time.After(entries[i-1].Time), "timestamps must stay ordered")
	}
}

func TestLog_UnderCapacity(t *testing.T) {
	l := New(10, nil)
	l.Append("a")
	l.Append("b")
	assert.Equal(t, 2, l.Len())
	assert.Equal(t, []string{"a", "b"}, messages(l.Entries()))
}

func TestLog_DefaultCapacity(t *testing.T) {
	l := New(0, nil)
	assert.Equal(t, DefaultCapacity, l.Capacity())
	for i := 0; i < DefaultCapacity+50; i++ {
		l.Appendf("%d", i)
	}
	entries := l.Entries()
	require.Len(t, entries, DefaultCapacity)
	assert.Equal(t, "50", entries[0].Message)
	assert.Equal(t, fmt.Sprintf("%d", DefaultCapacity+49), entries[len(entries)-1].Message)
}

func TestLog_Tail(t *testing.T) {
	l := New(4, nil)
	for _, m := range []string{"a", "b", "c", "d", "e"} {
		l.Append(m)
	}
	assert.Equal(t, []string{"d", "e"}, messages(l.Tail(2)))
	assert.Equal(t, []string{"b", "c", "d", "e"}, messages(l.Tail(0)))
	assert.Equal(t, []string{"b", "c", "d", "e"}, messages(l.Tail(99)))
}

func TestLog_Subscribe(t *testing.T) {
	l := New(3, nil)
	l.Append("before")
	ch, cancel := l.Subscribe(8)
	l.Append("one")
	l.Append("two")
	got := []string{(<-ch).Message, (<-ch).Message}
	assert.Equal(t, []string{"one", "two"}, got)
	cancel()
	cancel() // idempotent
	_, ok := <-ch
	assert.False(t, ok, "channel closed after cancel")
	l.Append("after") // must not panic on closed subscriber
}

func TestEntry_String(t *testing.T) {
	e := Entry{Time: time.Date(2024, 1, 1, 9, 5, 7, 0, time.UTC), Message: "hello"}
	assert.Equal(t, "09:05:07 | hello", e.String())
}

func TestLog_ConcurrentAppend(t *testing.T) {
	l := New(50, nil)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				l.Append("x")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, l.Len())
}

func messages(es []Entry) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.Message
	}
	return out
}

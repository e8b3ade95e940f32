package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHub_BroadcastNeverBlocks(t *testing.T) {
	h := NewHub(nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < broadcastQueue+10; i++ {
			h.Broadcast(newMessage(MessageLog, i))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked with nobody draining the queue")
	}
	assert.Len(t, h.broadcast, broadcastQueue)
}

func TestHub_RunStopsOnContext(t *testing.T) {
	h := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	h.Broadcast(newMessage(MessageState, "x"))
	cancel()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}
	assert.Zero(t, h.Size())
}

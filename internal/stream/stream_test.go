package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/orchestra/internal/events"
)

func TestCoordinator_DeliversLiveEventsInOrder(t *testing.T) {
	bus := events.NewBus()
	co := New(bus, Config{})
	conn := co.Attach("s1", 0, nil)

	bus.Publish("s1", events.KindProgress, "executor", "1", events.ProgressPayload{ItemID: "1", Status: "executing"})
	bus.Publish("s1", events.KindChatMessage, "summary", "", events.ChatPayload{Text: "done"})

	ev1 := <-conn.Events()
	ev2 := <-conn.Events()
	assert.Equal(t, events.KindProgress, ev1.Kind)
	assert.Equal(t, uint64(1), ev1.Seq)
	assert.Equal(t, events.KindChatMessage, ev2.Kind)
	assert.Equal(t, uint64(2), ev2.Seq)
}

func TestCoordinator_ReplaysFromLastAckedSeqOnReconnect(t *testing.T) {
	bus := events.NewBus()
	co := New(bus, Config{})
	conn := co.Attach("s1", 0, nil)

	bus.Publish("s1", events.KindProgress, "executor", "1", events.ProgressPayload{ItemID: "1", Status: "planning"})
	bus.Publish("s1", events.KindProgress, "executor", "1", events.ProgressPayload{ItemID: "1", Status: "executing"})
	bus.Publish("s1", events.KindProgress, "executor", "1", events.ProgressPayload{ItemID: "1", Status: "completed"})
	<-conn.Events()
	<-conn.Events()
	<-conn.Events()
	co.Detach(conn)

	reconn := co.Attach("s1", 1, nil)
	ev := <-reconn.Events()
	assert.Equal(t, uint64(2), ev.Seq)
	ev = <-reconn.Events()
	assert.Equal(t, uint64(3), ev.Seq)
}

func TestCoordinator_AckInvokesCallback(t *testing.T) {
	bus := events.NewBus()
	co := New(bus, Config{})
	var acked uint64
	conn := co.Attach("s1", 0, func(seq uint64) { acked = seq })
	conn.Ack(5)
	assert.Equal(t, uint64(5), acked)
}

func TestCoordinator_DropsTtsUnderBackpressureButKeepsChat(t *testing.T) {
	bus := events.NewBus()
	co := New(bus, Config{ConnBufferSize: 1, BackpressureWindow: 30 * time.Millisecond})
	conn := co.Attach("s1", 0, nil)

	// Fill the single-slot buffer so the next deliver() must fall through
	// to the backpressure branch.
	bus.Publish("s1", events.KindProgress, "executor", "1", events.ProgressPayload{ItemID: "1", Status: "planning"})

	done := make(chan struct{})
	go func() {
		bus.Publish("s1", events.KindTtsChunk, "verify", "1", events.TtsChunkPayload{Text: "Executing step"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish of a droppable event blocked past its backpressure window")
	}

	first := <-conn.Events()
	assert.Equal(t, events.KindProgress, first.Kind)
	select {
	case ev := <-conn.Events():
		t.Fatalf("expected the TTS chunk to be dropped, got %v", ev.Kind)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCoordinator_DetachUnsubscribesWhenLastConnLeaves(t *testing.T) {
	bus := events.NewBus()
	co := New(bus, Config{})
	conn := co.Attach("s1", 0, nil)
	co.Detach(conn)

	co.mu.Lock()
	_, stillTracked := co.sessions["s1"]
	co.mu.Unlock()
	require.False(t, stillTracked)
}

package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_SequenceNumbersStrictlyIncreasing(t *testing.T) {
	bus := NewBus()
	var received []Event
	unsub := bus.Subscribe("s1", func(e Event) {
		received = append(received, e)
	})
	defer unsub()

	for i := 0; i < 5; i++ {
		bus.Publish("s1", KindProgress, "stage3", "1", ProgressPayload{ItemID: "1", Status: "executing"})
	}

	require.Len(t, received, 5)
	for i, ev := range received {
		assert.Equal(t, uint64(i+1), ev.Seq)
	}
}

func TestBus_SequencesAreIndependentPerSession(t *testing.T) {
	bus := NewBus()
	bus.Publish("s1", KindProgress, "", "", nil)
	bus.Publish("s1", KindProgress, "", "", nil)
	ev := bus.Publish("s2", KindProgress, "", "", nil)

	assert.Equal(t, uint64(1), ev.Seq)
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	count := 0
	unsub := bus.Subscribe("s1", func(e Event) { count++ })

	bus.Publish("s1", KindChatMessage, "", "", ChatPayload{Text: "hi"})
	unsub()
	bus.Publish("s1", KindChatMessage, "", "", ChatPayload{Text: "again"})

	assert.Equal(t, 1, count)
}

func TestBus_ForgetDropsSessionState(t *testing.T) {
	bus := NewBus()
	bus.Publish("s1", KindProgress, "", "", nil)
	bus.Publish("s1", KindProgress, "", "", nil)

	bus.Forget("s1")
	ev := bus.Publish("s1", KindProgress, "", "", nil)
	assert.Equal(t, uint64(1), ev.Seq)
}

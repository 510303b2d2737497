package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/crossqueue/pkg/errors"
)

func TestInjectQueueRejectsUnresolvedIdentity(t *testing.T) {
	q := NewInjectQueue(InjectQueueConfig{Island: 1}, NewAllocator(0), newFakeClock(), nil)

	_, err := q.Enqueue(user("streamer"), InjectionPayload{Slot: 3, DisplayName: "Raymond"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.InvalidIdentity))
	assert.Contains(t, errors.Message(err), "Raymond is not a valid internal villager name")
	assert.Equal(t, 0, q.Len())
}

func TestInjectQueueRejectsSlotOutOfRange(t *testing.T) {
	q := NewInjectQueue(InjectQueueConfig{}, NewAllocator(0), nil, nil)

	for _, slot := range []int{-1, 10, 255} {
		_, err := q.Enqueue(user("streamer"), InjectionPayload{Slot: slot, Identity: "cat23"})
		assert.True(t, errors.Is(err, errors.Invalid), "slot %d", slot)
	}
	assert.Equal(t, 0, q.Len())
}

func TestInjectQueueFIFO(t *testing.T) {
	rec := &recorder{}
	q := NewInjectQueue(InjectQueueConfig{Island: 2}, NewAllocator(10), newFakeClock(), rec)

	first, err := q.Enqueue(user("s"), InjectionPayload{Slot: 0, Identity: "cat23", DisplayName: "Raymond"})
	require.NoError(t, err)
	second, err := q.Enqueue(user("s"), InjectionPayload{Slot: 1, Identity: "squ05", DisplayName: "Marshal"})
	require.NoError(t, err)

	assert.Equal(t, ID(11), first.ID)
	assert.Equal(t, ID(12), second.ID)
	assert.Equal(t, StateConfirmed, first.State())

	select {
	case <-q.Ready():
	default:
		t.Fatal("ready not signalled")
	}

	got, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, StateDispatched, got.State())
	got, ok = q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, second.ID, got.ID)
	_, ok = q.Dequeue()
	assert.False(t, ok)

	enq := rec.ofType(NoticeEnqueued)
	require.Len(t, enq, 2)
	assert.Equal(t, 2, enq[0].Island)
	assert.Contains(t, enq[0].Text, "Raymond will be injected at Index 0")
}

func TestSlotsWrap(t *testing.T) {
	assert.Equal(t, []int{8, 9, 0, 1}, Slots(8, 4, 10))
	assert.Equal(t, []int{3}, Slots(3, 1, 10))
	assert.Equal(t, []int{0, 1, 2}, Slots(0, 3, 0))
	assert.Empty(t, Slots(5, 0, 10))
}

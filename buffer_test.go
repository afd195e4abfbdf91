package batchq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueStateEnqueueRespectsMaxBuffer(t *testing.T) {
	qs := newQueueState("orders")
	clock := NewManualClock(time.Unix(0, 0))

	assert.True(t, qs.enqueue(Entry{ID: "1"}, 2, clock))
	assert.True(t, qs.enqueue(Entry{ID: "2"}, 2, clock))
	assert.False(t, qs.enqueue(Entry{ID: "3"}, 2, clock))
	assert.Equal(t, 2, qs.size())
}

func TestQueueStateTracksFirstAndLastEnqueueTimes(t *testing.T) {
	qs := newQueueState("orders")
	clock := NewManualClock(time.Unix(0, 0))

	require.True(t, qs.enqueue(Entry{ID: "1"}, 10, clock))
	n, first, last := qs.snapshotTimes()
	assert.Equal(t, 1, n)
	assert.Equal(t, clock.Now(), first)
	assert.Equal(t, clock.Now(), last)

	clock.Advance(time.Second)
	require.True(t, qs.enqueue(Entry{ID: "2"}, 10, clock))
	n, first, last = qs.snapshotTimes()
	assert.Equal(t, 2, n)
	assert.Equal(t, time.Unix(0, 0), first, "firstEnqueueAt must not move once the buffer is nonempty")
	assert.Equal(t, clock.Now(), last)
}

func TestQueueStateDrainAllResetsState(t *testing.T) {
	qs := newQueueState("orders")
	clock := NewManualClock(time.Unix(0, 0))
	qs.enqueue(Entry{ID: "1", Body: "x"}, 10, clock)
	qs.enqueue(Entry{ID: "2", Body: "y"}, 10, clock)

	drained := qs.drainAll()
	require.Len(t, drained, 2)
	assert.Equal(t, 0, qs.size())
	_, first, _ := qs.snapshotTimes()
	assert.True(t, first.IsZero())
}

func TestQueueStateDrainHeadCapsAtN(t *testing.T) {
	qs := newQueueState("orders")
	clock := NewManualClock(time.Unix(0, 0))
	for i := 0; i < 5; i++ {
		qs.enqueue(Entry{ID: string(rune('a' + i))}, 10, clock)
	}

	head := qs.drainHead(3)
	require.Len(t, head, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{head[0].ID, head[1].ID, head[2].ID})
	assert.Equal(t, 2, qs.size(), "remaining entries stay buffered")
}

func TestQueueStatePushTailRespectsCap(t *testing.T) {
	qs := newQueueState("orders")
	clock := NewManualClock(time.Unix(0, 0))
	qs.enqueue(Entry{ID: "existing"}, 2, clock)

	assert.True(t, qs.pushTail(Entry{ID: "promoted"}, 2, clock.Now()))
	assert.Equal(t, []string{"existing", "promoted"}, []string{qs.buffer[0].ID, qs.buffer[1].ID},
		"a promoted retry must land after entries already buffered, not ahead of them")

	assert.False(t, qs.pushTail(Entry{ID: "overflow"}, 2, clock.Now()), "buffer already at cap")
}

func TestQueueStateFirstEnqueueAtResetsAfterDrain(t *testing.T) {
	qs := newQueueState("orders")
	clock := NewManualClock(time.Unix(0, 0))
	qs.enqueue(Entry{ID: "1"}, 10, clock)
	qs.drainAll()

	clock.Advance(5 * time.Second)
	qs.enqueue(Entry{ID: "2"}, 10, clock)
	_, first, _ := qs.snapshotTimes()
	assert.Equal(t, clock.Now(), first)
}

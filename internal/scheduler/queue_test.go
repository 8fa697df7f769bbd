package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haulio/haul/internal/model"
)

func TestQueue_AdmitsHighestPriorityFirst(t *testing.T) {
	q := NewQueue(1, 10)
	base := time.Now()
	q.Enqueue(Entry{TaskID: "low", Priority: model.PriorityLow, CreatedAt: base})
	q.Enqueue(Entry{TaskID: "urgent", Priority: model.PriorityUrgent, CreatedAt: base.Add(time.Second)})

	e, ok := q.Pop(context.Background())
	require.True(t, ok)
	require.Equal(t, "urgent", e.TaskID)
}

func TestQueue_FIFOWithinSamePriority(t *testing.T) {
	q := NewQueue(1, 10)
	base := time.Now()
	q.Enqueue(Entry{TaskID: "second", Priority: model.PriorityNormal, CreatedAt: base.Add(time.Second)})
	q.Enqueue(Entry{TaskID: "first", Priority: model.PriorityNormal, CreatedAt: base})

	e, ok := q.Pop(context.Background())
	require.True(t, ok)
	require.Equal(t, "first", e.TaskID)
}

func TestQueue_RespectsGlobalConcurrencyCap(t *testing.T) {
	q := NewQueue(1, 10)
	q.Enqueue(Entry{TaskID: "a", Priority: model.PriorityNormal, CreatedAt: time.Now()})
	q.Enqueue(Entry{TaskID: "b", Priority: model.PriorityNormal, CreatedAt: time.Now()})

	e1, ok := q.Pop(context.Background())
	require.True(t, ok)
	require.Equal(t, "a", e1.TaskID)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, ok = q.Pop(ctx)
	require.False(t, ok, "second pop should block until a slot frees")

	q.Release(e1.TaskID)
	e2, ok := q.Pop(context.Background())
	require.True(t, ok)
	require.Equal(t, "b", e2.TaskID)
}

func TestQueue_RespectsPerHostCap(t *testing.T) {
	q := NewQueue(10, 1)
	q.Enqueue(Entry{TaskID: "h1a", Host: "example.com", Priority: model.PriorityNormal, CreatedAt: time.Now()})
	q.Enqueue(Entry{TaskID: "h1b", Host: "example.com", Priority: model.PriorityNormal, CreatedAt: time.Now().Add(time.Millisecond)})
	q.Enqueue(Entry{TaskID: "h2a", Host: "other.com", Priority: model.PriorityNormal, CreatedAt: time.Now().Add(2 * time.Millisecond)})

	e1, ok := q.Pop(context.Background())
	require.True(t, ok)
	require.Equal(t, "h1a", e1.TaskID)

	// h1b can't be admitted (per-host cap reached) but h2a can.
	e2, ok := q.Pop(context.Background())
	require.True(t, ok)
	require.Equal(t, "h2a", e2.TaskID)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, ok = q.Pop(ctx)
	require.False(t, ok)
}

func TestQueue_SetPriorityReordersPending(t *testing.T) {
	q := NewQueue(1, 10)
	base := time.Now()
	q.Enqueue(Entry{TaskID: "blocker", Priority: model.PriorityNormal, CreatedAt: base})
	_, _ = q.Pop(context.Background()) // occupy the only slot

	q.Enqueue(Entry{TaskID: "a", Priority: model.PriorityLow, CreatedAt: base.Add(time.Millisecond)})
	q.Enqueue(Entry{TaskID: "b", Priority: model.PriorityLow, CreatedAt: base.Add(2 * time.Millisecond)})
	require.True(t, q.SetPriority("b", model.PriorityUrgent))

	q.Release("blocker")
	e, ok := q.Pop(context.Background())
	require.True(t, ok)
	require.Equal(t, "b", e.TaskID)
}

func TestQueue_RemoveDropsPendingEntry(t *testing.T) {
	q := NewQueue(1, 10)
	q.Enqueue(Entry{TaskID: "a", Priority: model.PriorityNormal, CreatedAt: time.Now()})
	require.True(t, q.Remove("a"))
	require.Equal(t, 0, q.Len())
}

func TestQueue_PreemptionVictimPrefersLowestPriority(t *testing.T) {
	q := NewQueue(2, 10)
	q.Enqueue(Entry{TaskID: "low", Priority: model.PriorityLow, CreatedAt: time.Now()})
	q.Enqueue(Entry{TaskID: "normal", Priority: model.PriorityNormal, CreatedAt: time.Now()})
	_, _ = q.Pop(context.Background())
	_, _ = q.Pop(context.Background())

	victim, ok := q.PreemptionVictim(model.PriorityUrgent)
	require.True(t, ok)
	require.Equal(t, "low", victim)
}

func TestQueue_PreemptionVictimNoneWhenAllHigherOrEqual(t *testing.T) {
	q := NewQueue(1, 10)
	q.Enqueue(Entry{TaskID: "urgent", Priority: model.PriorityUrgent, CreatedAt: time.Now()})
	_, _ = q.Pop(context.Background())

	_, ok := q.PreemptionVictim(model.PriorityNormal)
	require.False(t, ok)
}

func TestQueue_CloseUnblocksPop(t *testing.T) {
	q := NewQueue(1, 10)
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pop(context.Background())
		done <- ok
	}()
	time.Sleep(20 * time.Millisecond)
	q.Close()
	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Pop did not unblock after Close")
	}
}

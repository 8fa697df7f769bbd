package statestream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFlow_SnapshotReflectsLatestPublish(t *testing.T) {
	f := New(1)
	f.Publish(2)
	f.Publish(3)
	require.Equal(t, 3, f.Snapshot())
}

func TestFlow_SubscribeSeesSeedThenUpdates(t *testing.T) {
	f := New("idle")
	ch, cancel := f.Subscribe()
	defer cancel()

	require.Equal(t, "idle", <-ch)

	f.Publish("running")
	select {
	case v := <-ch:
		require.Equal(t, "running", v)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not observe update")
	}
}

func TestFlow_SlowSubscriberSeesLatestNotBacklog(t *testing.T) {
	f := New(0)
	ch, cancel := f.Subscribe()
	defer cancel()
	<-ch // drain seed

	f.Publish(1)
	f.Publish(2)
	f.Publish(3)

	require.Equal(t, 3, <-ch)
}

func TestFlow_CancelStopsDelivery(t *testing.T) {
	f := New(0)
	ch, cancel := f.Subscribe()
	<-ch
	cancel()
	f.Publish(1)

	select {
	case v, ok := <-ch:
		t.Fatalf("expected no further delivery, got %v ok=%v", v, ok)
	case <-time.After(50 * time.Millisecond):
	}
}

package state

import (
	"testing"
	"time"
)

func TestSetAndCurrent(t *testing.T) {
	c := NewContainer()
	defer c.Close()

	c.Set(Snapshot{PendingCount: 3, IsSyncing: true})
	got := c.Current()
	if got.PendingCount != 3 || !got.IsSyncing {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}

func TestSubscribeReceivesUpdates(t *testing.T) {
	c := NewContainer()
	defer c.Close()

	ch, cancel := c.Subscribe()
	defer cancel()

	c.Set(Snapshot{PendingCount: 1})
	select {
	case got := <-ch:
		if got.PendingCount != 1 {
			t.Fatalf("unexpected snapshot: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for snapshot")
	}
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	c := NewContainer()
	defer c.Close()

	_, cancel := c.Subscribe()
	defer cancel()

	// More updates than the channel buffer; Set must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			c.Set(Snapshot{PendingCount: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publisher blocked on slow subscriber")
	}
	if c.Current().PendingCount != 99 {
		t.Fatalf("current must hold the last snapshot, got %+v", c.Current())
	}
}

func TestCloseClosesSubscribers(t *testing.T) {
	c := NewContainer()
	ch, _ := c.Subscribe()

	c.Close()
	select {
	case _, open := <-ch:
		if open {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for close")
	}

	// Set after close is a no-op, not a panic.
	c.Set(Snapshot{PendingCount: 5})
}

func TestCancelStopsDelivery(t *testing.T) {
	c := NewContainer()
	defer c.Close()

	ch, cancel := c.Subscribe()
	cancel()

	if _, open := <-ch; open {
		t.Fatalf("expected channel closed after cancel")
	}
	c.Set(Snapshot{PendingCount: 1})
}

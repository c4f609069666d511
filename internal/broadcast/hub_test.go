package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/longbridgeapp/assert"
)

func TestHubDeliversToAllSubscribers(t *testing.T) {
	t.Parallel()

	h := New[int](4)

	a := h.Subscribe(context.Background())
	b := h.Subscribe(context.Background())

	assert.Equal(t, 0, h.Publish(7))
	assert.Equal(t, 7, <-a)
	assert.Equal(t, 7, <-b)
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	t.Parallel()

	h := New[int](2)
	ch := h.Subscribe(context.Background())

	for i := range 5 {
		h.Publish(i)
	}

	assert.Equal(t, uint64(3), h.Dropped())
	assert.Equal(t, 0, <-ch)
	assert.Equal(t, 1, <-ch)
}

func TestHubClosesOnContextCancel(t *testing.T) {
	t.Parallel()

	h := New[string](0)

	ctx, cancel := context.WithCancel(context.Background())
	ch := h.Subscribe(ctx)

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatalf("subscriber channel not closed after cancel")
	}

	assert.Equal(t, 0, h.Subscribers())
}

func TestHubClose(t *testing.T) {
	t.Parallel()

	h := New[string](1)
	ch := h.Subscribe(context.Background())

	h.Close()
	h.Close()

	_, ok := <-ch
	assert.False(t, ok)

	late := h.Subscribe(context.Background())

	_, ok = <-late
	assert.False(t, ok)
}

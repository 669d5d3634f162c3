// ABOUTME: Tests for the turn event broadcaster
// ABOUTME: Covers fan-out, isolation between conversations, and cleanup

package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receiveEvent(t *testing.T, ch <-chan TurnEvent) TurnEvent {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "channel closed before event arrived")
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return TurnEvent{}
	}
}

func TestBroadcaster_FanOut(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()
	ctx := context.Background()

	ch1, _ := b.Subscribe(ctx, "conv-1")
	ch2, _ := b.Subscribe(ctx, "conv-1")

	b.Publish(TurnEvent{ConversationID: "conv-1", Kind: TurnText, Text: "hi"})

	for _, ch := range []<-chan TurnEvent{ch1, ch2} {
		e := receiveEvent(t, ch)
		assert.Equal(t, TurnText, e.Kind)
		assert.Equal(t, "hi", e.Text)
	}
}

func TestBroadcaster_ConversationIsolation(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()
	ctx := context.Background()

	ch1, _ := b.Subscribe(ctx, "conv-1")
	ch2, _ := b.Subscribe(ctx, "conv-2")

	b.Publish(TurnEvent{ConversationID: "conv-1", Kind: TurnDone})

	receiveEvent(t, ch1)
	select {
	case e := <-ch2:
		t.Fatalf("subscriber of another conversation received %v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcaster_PublishWithoutSubscribers(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	// Must not block or panic.
	b.Publish(TurnEvent{ConversationID: "nobody-listening", Kind: TurnDone})
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ch, subID := b.Subscribe(context.Background(), "conv-1")
	b.Unsubscribe("conv-1", subID)

	_, ok := <-ch
	assert.False(t, ok, "unsubscribed channel must be closed")

	// Double unsubscribe is harmless.
	b.Unsubscribe("conv-1", subID)
}

func TestBroadcaster_ContextCancelCleansUp(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "conv-1")
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond, "cancellation must close the channel")
}

func TestBroadcaster_SlowSubscriberDropsNotBlocks(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(context.Background(), "conv-1")
	for i := 0; i < subscriberBufferSize+16; i++ {
		b.Publish(TurnEvent{ConversationID: "conv-1", Kind: TurnText})
	}

	// Publisher survived; the buffer holds at most its capacity.
	assert.Len(t, ch, subscriberBufferSize)
}

func TestBroadcaster_Close(t *testing.T) {
	b := NewEventBroadcaster(nil)

	ch1, _ := b.Subscribe(context.Background(), "conv-1")
	ch2, _ := b.Subscribe(context.Background(), "conv-2")
	b.Close()

	_, ok := <-ch1
	assert.False(t, ok)
	_, ok = <-ch2
	assert.False(t, ok)
}

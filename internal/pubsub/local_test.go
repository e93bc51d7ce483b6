package pubsub

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, f Feed) []byte {
	t.Helper()
	select {
	case msg, ok := <-f.Messages():
		require.True(t, ok, "feed closed")
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestLocalTransportFanout(t *testing.T) {
	ctx := context.Background()
	tr := NewLocalTransport()
	defer tr.Close()

	a, err := tr.Subscribe(ctx, "room-1")
	require.NoError(t, err)
	b, err := tr.Subscribe(ctx, "room-1")
	require.NoError(t, err)
	other, err := tr.Subscribe(ctx, "room-2")
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		require.NoError(t, tr.Publish(ctx, "room-1", []byte(fmt.Sprint(i))))
	}

	for i := 0; i < 50; i++ {
		assert.Equal(t, fmt.Sprint(i), string(receive(t, a)))
		assert.Equal(t, fmt.Sprint(i), string(receive(t, b)))
	}

	select {
	case msg := <-other.Messages():
		t.Fatalf("unexpected message on other topic: %s", msg)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestLocalFeedClose(t *testing.T) {
	ctx := context.Background()
	tr := NewLocalTransport()
	defer tr.Close()

	f, err := tr.Subscribe(ctx, "room")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, tr.Publish(ctx, "room", []byte("late")))

	_, ok := <-f.Messages()
	assert.False(t, ok, "expected closed channel")

	tr.mu.Lock()
	assert.Empty(t, tr.topics)
	tr.mu.Unlock()
}

func TestLocalTransportClosed(t *testing.T) {
	ctx := context.Background()
	tr := NewLocalTransport()
	f, err := tr.Subscribe(ctx, "room")
	require.NoError(t, err)

	require.NoError(t, tr.Close())

	_, ok := <-f.Messages()
	assert.False(t, ok)
	assert.ErrorIs(t, tr.Publish(ctx, "room", nil), ErrClosed)
	_, err = tr.Subscribe(ctx, "room")
	assert.ErrorIs(t, err, ErrClosed)
}

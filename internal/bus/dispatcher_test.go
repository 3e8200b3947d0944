package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDispatcher_OrdersPerKey(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string][]string)

	d := NewDispatcher(4, func(_ context.Context, msg Message) error {
		mu.Lock()
		seen[msg.Key] = append(seen[msg.Key], string(msg.Data))
		mu.Unlock()
		return nil
	})

	// Interleave two rooms; each room's messages must come out in
	// publish order even though rooms run on different workers.
	for i := 0; i < 50; i++ {
		require.NoError(t, d.Enqueue(context.Background(), Message{Topic: "t", Key: "r1", Data: []byte{byte('a' + i%26)}}))
		require.NoError(t, d.Enqueue(context.Background(), Message{Topic: "t", Key: "r2", Data: []byte{byte('A' + i%26)}}))
	}
	d.Close()

	require.Len(t, seen["r1"], 50)
	require.Len(t, seen["r2"], 50)
	for i, got := range seen["r1"] {
		require.Equal(t, string(byte('a'+i%26)), got)
	}
	for i, got := range seen["r2"] {
		require.Equal(t, string(byte('A'+i%26)), got)
	}
}

func TestDispatcher_SurvivesHandlerErrorAndPanic(t *testing.T) {
	var mu sync.Mutex
	var handled []string

	d := NewDispatcher(1, func(_ context.Context, msg Message) error {
		mu.Lock()
		handled = append(handled, string(msg.Data))
		mu.Unlock()
		switch string(msg.Data) {
		case "boom":
			panic("poisoned message")
		case "err":
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, d.Enqueue(context.Background(), Message{Key: "r1", Data: []byte("boom")}))
	require.NoError(t, d.Enqueue(context.Background(), Message{Key: "r1", Data: []byte("err")}))
	require.NoError(t, d.Enqueue(context.Background(), Message{Key: "r1", Data: []byte("ok")}))
	d.Close()

	require.Equal(t, []string{"boom", "err", "ok"}, handled)
}

func TestDispatcher_FullPartitionDoesNotBlockOthers(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})

	d := NewDispatcher(4, func(_ context.Context, msg Message) error {
		if msg.Key == "stuck" {
			entered <- struct{}{}
			<-release
		}
		return nil
	})

	// Find a key that lands on a different worker than "stuck".
	other := ""
	for _, k := range []string{"a", "b", "c", "d", "e", "f"} {
		if d.index(k) != d.index("stuck") {
			other = k
			break
		}
	}
	require.NotEmpty(t, other)

	// Jam the stuck partition: one message in the handler, then fill
	// the queue, then one producer blocked mid-send.
	require.NoError(t, d.Enqueue(context.Background(), Message{Key: "stuck"}))
	<-entered
	for i := 0; i < 64; i++ {
		require.NoError(t, d.Enqueue(context.Background(), Message{Key: "stuck"}))
	}
	go func() {
		_ = d.Enqueue(context.Background(), Message{Key: "stuck"})
	}()

	// A healthy partition must still accept work promptly.
	done := make(chan error, 1)
	go func() {
		done <- d.Enqueue(context.Background(), Message{Key: other})
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue for a healthy partition blocked behind a full one")
	}

	close(release)
	d.Close()
}

func TestDispatcher_RejectsAfterClose(t *testing.T) {
	d := NewDispatcher(1, func(context.Context, Message) error { return nil })
	d.Close()
	require.ErrorIs(t, d.Enqueue(context.Background(), Message{Key: "r1"}), ErrClosed)
}

package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemBus_DeliversToEveryGroupOnce(t *testing.T) {
	b := NewMemBus()

	var g1, g2 int
	_, err := b.Subscribe("updates", "group-a", func(context.Context, Message) error {
		g1++
		return nil
	})
	require.NoError(t, err)
	_, err = b.Subscribe("updates", "group-b", func(context.Context, Message) error {
		g2++
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "updates", "r1", []byte("x")))

	// Each group sees the message exactly once.
	require.Equal(t, 1, g1)
	require.Equal(t, 1, g2)
}

func TestMemBus_RoundRobinWithinGroup(t *testing.T) {
	b := NewMemBus()

	var a, c int
	_, err := b.Subscribe("cmds", "workers", func(context.Context, Message) error {
		a++
		return nil
	})
	require.NoError(t, err)
	_, err = b.Subscribe("cmds", "workers", func(context.Context, Message) error {
		c++
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Publish(context.Background(), "cmds", "r1", nil))
	}

	require.Equal(t, 2, a)
	require.Equal(t, 2, c)
}

func TestMemBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemBus()

	var n int
	sub, err := b.Subscribe("cmds", "workers", func(context.Context, Message) error {
		n++
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "cmds", "r1", nil))
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, b.Publish(context.Background(), "cmds", "r1", nil))

	require.Equal(t, 1, n)
}

func TestMemBus_RejectsBadKeys(t *testing.T) {
	b := NewMemBus()
	require.ErrorIs(t, b.Publish(context.Background(), "cmds", "", nil), ErrBadKey)
	require.ErrorIs(t, b.Publish(context.Background(), "cmds", "a.b", nil), ErrBadKey)
	require.ErrorIs(t, b.Publish(context.Background(), "cmds", "a b", nil), ErrBadKey)
}

func TestMemBus_ClosedBusRejectsPublish(t *testing.T) {
	b := NewMemBus()
	require.NoError(t, b.Close())
	require.ErrorIs(t, b.Publish(context.Background(), "cmds", "r1", nil), ErrClosed)
}

// Package bus adapts a durable message bus for the command/event
// traffic between tiers. The contract is at-least-once delivery with
// ordering preserved only per partition key; all idempotency lives in
// the consumers, not here.
package bus

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrClosed = errors.New("bus closed")
	// ErrBadKey rejects keys that would collide with subject separators.
	ErrBadKey = errors.New("partition key must not contain '.', '*', '>' or spaces")
)

// Message is one delivered bus payload. Key is the partition key the
// producer published under (roomId for command traffic).
type Message struct {
	Topic string
	Key   string
	Data  []byte
}

// Handler processes one message. Returning an error never stops the
// subscription loop; the adapter logs it and moves on (fail-open).
type Handler func(ctx context.Context, msg Message) error

type Subscription interface {
	Unsubscribe() error
}

// Bus is the producer/consumer surface shared by both tiers.
//   - Publish is fire-and-forget with producer-side acknowledgement.
//   - Subscribe delivers each message to exactly one consumer within
//     group, at-least-once.
type Bus interface {
	Publish(ctx context.Context, topic, key string, data []byte) error
	Subscribe(topic, group string, h Handler) (Subscription, error)
	Close() error
}

func validKey(key string) bool {
	return key != "" && !strings.ContainsAny(key, ".*> \t")
}

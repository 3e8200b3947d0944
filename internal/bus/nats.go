package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSBus maps the bus contract onto core NATS subjects: a message
// published under (topic, key) travels on subject "topic.key", and a
// queue-group subscription on "topic.*" plays the consumer-group role.
type NATSBus struct {
	nc *nats.Conn
}

func ConnectNATS(url, name string) (*NATSBus, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Str("module", "bus").Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("module", "bus").Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	log.Info().Str("module", "bus").Str("url", nc.ConnectedUrl()).Msg("nats connected")
	return &NATSBus{nc: nc}, nil
}

func (b *NATSBus) Publish(ctx context.Context, topic, key string, data []byte) error {
	if !validKey(key) {
		return ErrBadKey
	}
	if err := b.nc.Publish(topic+"."+key, data); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	// Producer-side acknowledgement: wait until the server has the message.
	if err := b.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", topic, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(topic, group string, h Handler) (Subscription, error) {
	prefix := topic + "."
	sub, err := b.nc.QueueSubscribe(topic+".*", group, func(m *nats.Msg) {
		msg := Message{
			Topic: topic,
			Key:   strings.TrimPrefix(m.Subject, prefix),
			Data:  m.Data,
		}
		if err := h(context.Background(), msg); err != nil {
			log.Error().Err(err).
				Str("module", "bus").
				Str("topic", topic).
				Str("key", msg.Key).
				Msg("handler error, continuing")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return sub, nil
}

func (b *NATSBus) Close() error {
	return b.nc.Drain()
}

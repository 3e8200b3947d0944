package bus

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// MemBus is an in-process Bus with the same contract as the NATS
// adapter: queue-group semantics (one consumer per group receives each
// message) and fail-open handlers. It backs tests and single-process
// dev runs; production wiring uses NATSBus.
type MemBus struct {
	mu     sync.RWMutex
	groups map[string]map[string]*memGroup // topic -> group -> members
	nextID int
	closed bool
}

type memMember struct {
	id int
	h  Handler
}

type memGroup struct {
	mu      sync.Mutex
	members []memMember
	next    int
}

func NewMemBus() *MemBus {
	return &MemBus{groups: make(map[string]map[string]*memGroup)}
}

func (b *MemBus) Publish(ctx context.Context, topic, key string, data []byte) error {
	if !validKey(key) {
		return ErrBadKey
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	groups := make([]*memGroup, 0, len(b.groups[topic]))
	for _, g := range b.groups[topic] {
		groups = append(groups, g)
	}
	b.mu.RUnlock()

	msg := Message{Topic: topic, Key: key, Data: data}
	for _, g := range groups {
		g.deliver(ctx, msg)
	}
	return nil
}

// deliver hands the message to one member of the group, round-robin.
func (g *memGroup) deliver(ctx context.Context, msg Message) {
	g.mu.Lock()
	if len(g.members) == 0 {
		g.mu.Unlock()
		return
	}
	m := g.members[g.next%len(g.members)]
	g.next++
	g.mu.Unlock()

	if err := m.h(ctx, msg); err != nil {
		log.Error().Err(err).
			Str("module", "bus.mem").
			Str("topic", msg.Topic).
			Str("key", msg.Key).
			Msg("handler error, continuing")
	}
}

type memSub struct {
	bus   *MemBus
	topic string
	group string
	id    int
}

func (s *memSub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	g, ok := s.bus.groups[s.topic][s.group]
	if !ok {
		return nil
	}
	g.mu.Lock()
	for i, m := range g.members {
		if m.id == s.id {
			g.members = append(g.members[:i], g.members[i+1:]...)
			break
		}
	}
	g.mu.Unlock()
	return nil
}

func (b *MemBus) Subscribe(topic, group string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.groups[topic] == nil {
		b.groups[topic] = make(map[string]*memGroup)
	}
	g := b.groups[topic][group]
	if g == nil {
		g = &memGroup{}
		b.groups[topic][group] = g
	}
	b.nextID++
	id := b.nextID
	g.mu.Lock()
	g.members = append(g.members, memMember{id: id, h: h})
	g.mu.Unlock()
	return &memSub{bus: b, topic: topic, group: group, id: id}, nil
}

func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

package bus

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/rs/zerolog/log"
)

// Dispatcher serializes message processing per partition key. Every key
// hashes onto exactly one worker goroutine, so all commands for one
// room are handled by a single logical thread of control while distinct
// rooms proceed concurrently. This is what makes check-then-create
// idempotency cheap downstream: no cross-room locking is needed.
type Dispatcher struct {
	workers []chan Message
	handler Handler
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(workers int, h Handler) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	d := &Dispatcher{
		workers: make([]chan Message, workers),
		handler: h,
	}
	for i := range d.workers {
		ch := make(chan Message, 64)
		d.workers[i] = ch
		d.wg.Add(1)
		go d.run(ch)
	}
	return d
}

func (d *Dispatcher) run(ch chan Message) {
	defer d.wg.Done()
	for msg := range ch {
		d.handle(msg)
	}
}

// handle recovers panics so one poisoned message cannot take the worker
// down; the next message on the partition is still attempted.
func (d *Dispatcher) handle(msg Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("module", "bus.dispatcher").
				Str("topic", msg.Topic).
				Str("key", msg.Key).
				Any("panic", r).
				Msg("handler panicked, continuing")
		}
	}()
	if err := d.handler(context.Background(), msg); err != nil {
		log.Error().Err(err).
			Str("module", "bus.dispatcher").
			Str("topic", msg.Topic).
			Str("key", msg.Key).
			Msg("handler error, continuing")
	}
}

// Enqueue is a bus Handler that routes the message to its key's worker.
// The read lock is shared, so a full partition queue blocks only its
// own key's producers, never other partitions; Close waits for every
// in-flight Enqueue before closing the channels.
func (d *Dispatcher) Enqueue(_ context.Context, msg Message) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	d.workers[d.index(msg.Key)] <- msg
	return nil
}

func (d *Dispatcher) index(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(d.workers)))
}

// Close stops accepting messages and waits for in-flight work to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, ch := range d.workers {
		close(ch)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

package messaging

import (
	"context"
	"sync"

	brokertypes "github.com/dgfacade/gateway/pkg/types/broker"
)

// Fanout multiplexes one inbound stream to any number of listeners per
// topic.  Delivery iterates over a snapshot, so listeners may be added
// or removed while a delivery is in flight.
type Fanout struct {
	mu        sync.RWMutex
	nextID    int64
	listeners map[string]map[int64]DeliveryFunc
}

// NewFanout returns an empty listener table.
func NewFanout() *Fanout {
	return &Fanout{listeners: make(map[string]map[int64]DeliveryFunc)}
}

// Add registers fn for topic and returns its remove function.
func (f *Fanout) Add(topic string, fn DeliveryFunc) (remove func()) {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	if f.listeners[topic] == nil {
		f.listeners[topic] = make(map[int64]DeliveryFunc)
	}
	f.listeners[topic][id] = fn
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		if m := f.listeners[topic]; m != nil {
			delete(m, id)
			if len(m) == 0 {
				delete(f.listeners, topic)
			}
		}
		f.mu.Unlock()
	}
}

// Count returns the number of listeners registered for topic.
func (f *Fanout) Count(topic string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.listeners[topic])
}

// Topics returns every topic that currently has at least one listener.
func (f *Fanout) Topics() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.listeners))
	for t := range f.listeners {
		out = append(out, t)
	}
	return out
}

// Deliver invokes every listener registered for env.Topic.  All
// listeners run even after one fails; the first error is returned.
func (f *Fanout) Deliver(ctx context.Context, env *brokertypes.Envelope) error {
	f.mu.RLock()
	fns := make([]DeliveryFunc, 0, len(f.listeners[env.Topic]))
	for _, fn := range f.listeners[env.Topic] {
		fns = append(fns, fn)
	}
	f.mu.RUnlock()

	var firstErr error
	for _, fn := range fns {
		if err := fn(ctx, env); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

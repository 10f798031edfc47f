// Package composite presents one logical subscription surface over
// every enabled broker. A listener added for a topic hears that topic
// from all of them; when the last listener for a topic leaves, the
// broker-level subscriptions are torn down everywhere.
package composite

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dgfacade/gateway/internal/infrastructure/messaging"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	brokertypes "github.com/dgfacade/gateway/pkg/types/broker"
)

// Listener consumes envelopes fanned out by the composite. Listeners
// are compared by identity, so register pointer receivers.
type Listener interface {
	OnEnvelope(ctx context.Context, env *brokertypes.Envelope) error
}

// ListenerFunc adapts a function to the Listener interface. Each
// ListenerFunc value has its own identity only when taken by pointer;
// use Func to get a registrable listener.
type ListenerFunc func(ctx context.Context, env *brokertypes.Envelope) error

// OnEnvelope implements Listener.
func (f *ListenerFunc) OnEnvelope(ctx context.Context, env *brokertypes.Envelope) error {
	return (*f)(ctx, env)
}

// Func wraps fn into a Listener with a distinct identity.
func Func(fn func(ctx context.Context, env *brokertypes.Envelope) error) Listener {
	lf := ListenerFunc(fn)
	return &lf
}

// Backend is the slice of the broker manager the composite needs: the
// set of enabled brokers and per-broker topic subscription.
type Backend interface {
	EnabledBrokerIDs() []string
	Subscribe(ctx context.Context, brokerID, topic string, fn messaging.DeliveryFunc) (func(), error)
}

// Subscriber fans topics across every enabled broker and envelopes
// across every registered listener.
type Subscriber struct {
	backend Backend
	logger  logging.Logger

	mu        sync.Mutex
	listeners map[string]map[Listener]struct{}
	detaches  map[string][]func()
	down      bool

	received  atomic.Int64
	delivered atomic.Int64
}

// NewSubscriber builds an empty composite over the backend.
func NewSubscriber(backend Backend, logger logging.Logger) *Subscriber {
	if logger == nil {
		logger = logging.Default()
	}
	return &Subscriber{
		backend:   backend,
		logger:    logger.Named("composite"),
		listeners: make(map[string]map[Listener]struct{}),
		detaches:  make(map[string][]func()),
	}
}

// AddListener registers l for topic. The first listener of a topic
// subscribes the topic on every enabled broker; a broker that refuses
// is logged and skipped so one bad declaration does not silence the
// rest.
func (s *Subscriber) AddListener(ctx context.Context, topic string, l Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.down {
		return messaging.ErrSubscriberClosed
	}

	set := s.listeners[topic]
	if set == nil {
		set = make(map[Listener]struct{})
		s.listeners[topic] = set
	}
	if _, dup := set[l]; dup {
		return nil
	}
	set[l] = struct{}{}

	if len(set) > 1 {
		return nil
	}

	// First listener: materialize the broker-level subscriptions.
	brokers := s.backend.EnabledBrokerIDs()
	if len(brokers) == 0 {
		delete(s.listeners, topic)
		return fmt.Errorf("composite: no enabled brokers to subscribe %q on", topic)
	}
	var attached []func()
	for _, brokerID := range brokers {
		detach, err := s.backend.Subscribe(ctx, brokerID, topic, s.deliver)
		if err != nil {
			s.logger.Warn("broker refused composite subscription",
				logging.BrokerID(brokerID), logging.Topic(topic), logging.Err(err))
			continue
		}
		attached = append(attached, detach)
	}
	if len(attached) == 0 {
		delete(s.listeners, topic)
		return fmt.Errorf("composite: every enabled broker refused topic %q", topic)
	}
	s.detaches[topic] = attached
	return nil
}

// RemoveListener drops l from topic, reporting whether it was
// registered. Removing the last listener unsubscribes the topic from
// every broker.
func (s *Subscriber) RemoveListener(topic string, l Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(topic, l)
}

// RemoveAllListeners drops every listener of topic and returns how
// many were removed.
func (s *Subscriber) RemoveAllListeners(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.listeners[topic]
	n := len(set)
	if n == 0 {
		return 0
	}
	delete(s.listeners, topic)
	s.detachLocked(topic)
	return n
}

// RemoveListenerEverywhere drops l from every topic it is registered
// on and returns those topics, sorted.
func (s *Subscriber) RemoveListenerEverywhere(l Listener) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var topics []string
	for topic, set := range s.listeners {
		if _, ok := set[l]; ok {
			topics = append(topics, topic)
		}
	}
	for _, topic := range topics {
		s.removeLocked(topic, l)
	}
	sort.Strings(topics)
	return topics
}

// ActiveTopics returns every topic with at least one listener, sorted.
func (s *Subscriber) ActiveTopics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.listeners))
	for topic := range s.listeners {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// Received returns the count of envelopes the composite has seen.
func (s *Subscriber) Received() int64 { return s.received.Load() }

// Delivered returns messages multiplied by the listeners each reached.
func (s *Subscriber) Delivered() int64 { return s.delivered.Load() }

// Shutdown detaches every topic from every broker and drops all
// listeners. Further AddListener calls fail.
func (s *Subscriber) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.down {
		return
	}
	s.down = true
	for topic := range s.listeners {
		delete(s.listeners, topic)
		s.detachLocked(topic)
	}
}

// deliver fans one envelope to a snapshot of the topic's listeners, so
// add/remove during fan-out never races the iteration. A listener
// failure is isolated: it is logged and the rest still run.
func (s *Subscriber) deliver(ctx context.Context, env *brokertypes.Envelope) error {
	s.received.Add(1)

	s.mu.Lock()
	set := s.listeners[env.Topic]
	snapshot := make([]Listener, 0, len(set))
	for l := range set {
		snapshot = append(snapshot, l)
	}
	s.mu.Unlock()

	if len(snapshot) == 0 {
		// Unsubscribed between broker delivery and fan-out.
		s.logger.Debug("envelope for inactive topic dropped", logging.Topic(env.Topic))
		return nil
	}

	for _, l := range snapshot {
		s.invoke(ctx, l, env)
	}
	return nil
}

func (s *Subscriber) invoke(ctx context.Context, l Listener, env *brokertypes.Envelope) {
	s.delivered.Add(1)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("composite listener panicked",
				logging.Topic(env.Topic), logging.Any("panic", r))
		}
	}()
	if err := l.OnEnvelope(ctx, env); err != nil {
		s.logger.Warn("composite listener failed",
			logging.Topic(env.Topic), logging.Err(err))
	}
}

func (s *Subscriber) removeLocked(topic string, l Listener) bool {
	set := s.listeners[topic]
	if _, ok := set[l]; !ok {
		return false
	}
	delete(set, l)
	if len(set) == 0 {
		delete(s.listeners, topic)
		s.detachLocked(topic)
	}
	return true
}

func (s *Subscriber) detachLocked(topic string) {
	for _, detach := range s.detaches[topic] {
		detach()
	}
	delete(s.detaches, topic)
}

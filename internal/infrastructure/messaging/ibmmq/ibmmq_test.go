package ibmmq

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgfacade/gateway/internal/infrastructure/messaging"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	brokertypes "github.com/dgfacade/gateway/pkg/types/broker"
)

type fakeSender struct {
	mu      sync.Mutex
	sent    []*amqp.Message
	sendErr error
	closed  bool
}

func (s *fakeSender) Send(_ context.Context, msg *amqp.Message, _ *amqp.SendOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSender) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeReceiver struct {
	msgs     chan *amqp.Message
	mu       sync.Mutex
	accepted int
	rejected int
	once     sync.Once
}

func newFakeReceiver() *fakeReceiver {
	return &fakeReceiver{msgs: make(chan *amqp.Message, 16)}
}

func (r *fakeReceiver) Receive(ctx context.Context, _ *amqp.ReceiveOptions) (*amqp.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case m, ok := <-r.msgs:
		if !ok {
			return nil, errors.New("link detached")
		}
		return m, nil
	}
}

func (r *fakeReceiver) AcceptMessage(context.Context, *amqp.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accepted++
	return nil
}

func (r *fakeReceiver) RejectMessage(context.Context, *amqp.Message, *amqp.Error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected++
	return nil
}

func (r *fakeReceiver) Close(context.Context) error {
	r.once.Do(func() { close(r.msgs) })
	return nil
}

func (r *fakeReceiver) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accepted, r.rejected
}

type fakeSession struct {
	mu        sync.Mutex
	senders   map[string]*fakeSender
	receivers map[string]*fakeReceiver
	attaches  int
	credit    int32
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		senders:   make(map[string]*fakeSender),
		receivers: make(map[string]*fakeReceiver),
	}
}

func (s *fakeSession) NewSender(_ context.Context, target string, _ *amqp.SenderOptions) (senderIface, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snd := &fakeSender{}
	s.senders[target] = snd
	s.attaches++
	return snd, nil
}

func (s *fakeSession) NewReceiver(_ context.Context, source string, opts *amqp.ReceiverOptions) (receiverIface, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if opts != nil {
		s.credit = opts.Credit
	}
	recv := newFakeReceiver()
	s.receivers[source] = recv
	return recv, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func installFakeSession(t *testing.T, sess *fakeSession) {
	t.Helper()
	orig := dialAMQP
	dialAMQP = func(context.Context, *brokertypes.Config) (io.Closer, sessionIface, error) {
		return nopCloser{}, sess, nil
	}
	t.Cleanup(func() { dialAMQP = orig })
}

func mqConfig() *brokertypes.Config {
	return &brokertypes.Config{
		BrokerID:      "mq-main",
		BrokerType:    brokertypes.TypeIBMMQ,
		ConnectionURI: "amqp://localhost:5672",
		Enabled:       true,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestPublisher_SendAttachesOncePerTopic(t *testing.T) {
	sess := newFakeSession()
	installFakeSession(t, sess)

	p, err := NewPublisher(mqConfig(), logging.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, p.Initialize(context.Background()))
	defer p.Close()

	env := brokertypes.NewEnvelope("orders", []byte(`{"n":1}`)).WithHeader("trace", "t7")
	require.NoError(t, p.Publish(context.Background(), env))
	require.NoError(t, p.Publish(context.Background(), brokertypes.NewEnvelope("orders", []byte("2"))))

	assert.Equal(t, 1, sess.attaches, "sender attached once per topic")
	snd := sess.senders["orders"]
	require.NotNil(t, snd)
	require.Len(t, snd.sent, 2)
	msg := snd.sent[0]
	assert.Equal(t, []byte(`{"n":1}`), msg.GetData())
	require.NotNil(t, msg.Properties)
	assert.Equal(t, env.MessageID, msg.Properties.MessageID)
	require.NotNil(t, msg.Properties.ContentType)
	assert.Equal(t, "application/json", *msg.Properties.ContentType)
	require.NotNil(t, msg.Header)
	assert.True(t, msg.Header.Durable)
	assert.Equal(t, "t7", msg.ApplicationProperties["trace"])
	assert.Equal(t, int64(2), p.Stats().Published)
}

func TestPublisher_QueuePrefix(t *testing.T) {
	sess := newFakeSession()
	installFakeSession(t, sess)

	cfg := mqConfig()
	cfg.Properties = brokertypes.Properties{PropQueuePrefix: "DEV."}
	p, err := NewPublisher(cfg, logging.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, p.Initialize(context.Background()))
	defer p.Close()

	require.NoError(t, p.Publish(context.Background(), brokertypes.NewEnvelope("orders", []byte("x"))))
	assert.Contains(t, sess.senders, "DEV.orders")
}

func TestPublisher_SendFailure(t *testing.T) {
	sess := newFakeSession()
	installFakeSession(t, sess)

	p, err := NewPublisher(mqConfig(), logging.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, p.Initialize(context.Background()))

	require.NoError(t, p.Publish(context.Background(), brokertypes.NewEnvelope("orders", []byte("1"))))
	sess.senders["orders"].sendErr = errors.New("link detached")

	err = p.Publish(context.Background(), brokertypes.NewEnvelope("orders", []byte("2")))
	require.Error(t, err)
	assert.False(t, p.Connected())
	assert.Equal(t, int64(1), p.Stats().PublishErrors)
}

func TestPublisher_CloseDetachesSenders(t *testing.T) {
	sess := newFakeSession()
	installFakeSession(t, sess)

	p, err := NewPublisher(mqConfig(), logging.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, p.Initialize(context.Background()))
	require.NoError(t, p.Publish(context.Background(), brokertypes.NewEnvelope("orders", []byte("x"))))

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.True(t, sess.senders["orders"].closed)

	err = p.Publish(context.Background(), brokertypes.NewEnvelope("orders", []byte("y")))
	assert.ErrorIs(t, err, messaging.ErrPublisherClosed)
}

func TestSubscriber_AcceptOnSuccess(t *testing.T) {
	sess := newFakeSession()
	installFakeSession(t, sess)

	s, err := NewSubscriber(mqConfig(), logging.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))

	var mu sync.Mutex
	var got []*brokertypes.Envelope
	require.NoError(t, s.Subscribe("orders", func(_ context.Context, env *brokertypes.Envelope) error {
		mu.Lock()
		got = append(got, env)
		mu.Unlock()
		return nil
	}))
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	recv := sess.receivers["orders"]
	require.NotNil(t, recv)
	recv.msgs <- &amqp.Message{
		Data:                  [][]byte{[]byte(`{"v":3}`)},
		Properties:            &amqp.MessageProperties{MessageID: "m-3"},
		ApplicationProperties: map[string]any{"trace": "t8", "count": 4},
	}

	waitFor(t, time.Second, func() bool {
		accepted, _ := recv.counts()
		return accepted == 1
	})

	mu.Lock()
	require.Len(t, got, 1)
	env := got[0]
	mu.Unlock()
	assert.Equal(t, "orders", env.Topic)
	assert.Equal(t, []byte(`{"v":3}`), env.Value)
	assert.Equal(t, "m-3", env.MessageID)
	assert.Equal(t, "t8", env.Headers["trace"])
	assert.NotContains(t, env.Headers, "count", "non-string properties dropped")
	assert.Equal(t, "mq-main", env.SourceBroker)
	assert.Equal(t, int64(1), s.Stats().Consumed)
}

func TestSubscriber_RejectOnHandlerError(t *testing.T) {
	sess := newFakeSession()
	installFakeSession(t, sess)

	s, err := NewSubscriber(mqConfig(), logging.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))
	require.NoError(t, s.Subscribe("orders", func(context.Context, *brokertypes.Envelope) error {
		return errors.New("no")
	}))
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	recv := sess.receivers["orders"]
	recv.msgs <- &amqp.Message{Data: [][]byte{[]byte("x")}}

	waitFor(t, time.Second, func() bool {
		_, rejected := recv.counts()
		return rejected == 1
	})
	assert.Equal(t, int64(1), s.Stats().ConsumeErrors)
}

func TestSubscriber_CreditFromProps(t *testing.T) {
	sess := newFakeSession()
	installFakeSession(t, sess)

	cfg := mqConfig()
	cfg.Properties = brokertypes.Properties{PropCredit: 8}
	s, err := NewSubscriber(cfg, logging.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))
	require.NoError(t, s.Subscribe("orders", func(context.Context, *brokertypes.Envelope) error { return nil }))
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	assert.Equal(t, int32(8), sess.credit)
}

func TestSubscriber_StartTwice(t *testing.T) {
	sess := newFakeSession()
	installFakeSession(t, sess)

	s, err := NewSubscriber(mqConfig(), logging.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	assert.ErrorIs(t, s.Start(context.Background()), messaging.ErrAlreadyRunning)
}

func TestSubscriber_LateSubscribe(t *testing.T) {
	sess := newFakeSession()
	installFakeSession(t, sess)

	s, err := NewSubscriber(mqConfig(), logging.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	delivered := make(chan struct{})
	require.NoError(t, s.Subscribe("late", func(context.Context, *brokertypes.Envelope) error {
		close(delivered)
		return nil
	}))

	sess.receivers["late"].msgs <- &amqp.Message{Data: [][]byte{[]byte("x")}}

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("late subscription never delivered")
	}
}

func TestSubscriber_CloseIsIdempotent(t *testing.T) {
	sess := newFakeSession()
	installFakeSession(t, sess)

	s, err := NewSubscriber(mqConfig(), logging.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))
	require.NoError(t, s.Subscribe("orders", func(context.Context, *brokertypes.Envelope) error { return nil }))
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Subscribe("more", nil), messaging.ErrSubscriberClosed)
}

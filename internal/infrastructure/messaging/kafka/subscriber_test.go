package kafka

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	segkafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgfacade/gateway/internal/infrastructure/messaging"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	brokertypes "github.com/dgfacade/gateway/pkg/types/broker"
)

type fakeReader struct {
	msgs chan segkafka.Message

	mu        sync.Mutex
	committed []segkafka.Message
	closed    bool
}

func newFakeReader() *fakeReader {
	return &fakeReader{msgs: make(chan segkafka.Message, 16)}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (segkafka.Message, error) {
	select {
	case m, ok := <-r.msgs:
		if !ok {
			return segkafka.Message{}, io.EOF
		}
		return m, nil
	case <-ctx.Done():
		return segkafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...segkafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.msgs)
	}
	return nil
}

func (r *fakeReader) committedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

// installFakeReaders swaps the reader factory for the test duration,
// handing each new topic the next reader from the list.
func installFakeReaders(t *testing.T, readers ...*fakeReader) {
	t.Helper()
	orig := newReader
	idx := 0
	var mu sync.Mutex
	newReader = func(cfg segkafka.ReaderConfig) readerIface {
		mu.Lock()
		defer mu.Unlock()
		r := readers[idx%len(readers)]
		idx++
		return r
	}
	t.Cleanup(func() { newReader = orig })
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

func TestSubscriber_DeliversAndCommits(t *testing.T) {
	reader := newFakeReader()
	installFakeReaders(t, reader)

	s, err := NewSubscriber(kafkaConfig(), logging.NewNopLogger())
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

	reader.msgs <- segkafka.Message{
		Topic: "orders",
		Key:   []byte("k"),
		Value: []byte(`{"n":1}`),
		Headers: []segkafka.Header{
			{Key: "trace", Value: []byte("abc")},
		},
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	env := got[0]
	mu.Unlock()
	assert.Equal(t, "orders", env.Topic)
	assert.Equal(t, "k", env.Key)
	assert.Equal(t, `{"n":1}`, env.ValueString())
	assert.Equal(t, "abc", env.Headers["trace"])
	assert.Equal(t, "kafka-main", env.SourceBroker)

	waitFor(t, time.Second, func() bool { return reader.committedCount() == 1 })
	assert.Equal(t, int64(1), s.Stats().Consumed)
}

func TestSubscriber_HandlerErrorStillCommits(t *testing.T) {
	reader := newFakeReader()
	installFakeReaders(t, reader)

	s, err := NewSubscriber(kafkaConfig(), logging.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, s.Subscribe("orders", func(context.Context, *brokertypes.Envelope) error {
		return errors.New("handler exploded")
	}))
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	reader.msgs <- segkafka.Message{Topic: "orders", Value: []byte("x")}

	waitFor(t, time.Second, func() bool { return reader.committedCount() == 1 })
	assert.GreaterOrEqual(t, s.Stats().ConsumeErrors, int64(1))
}

func TestSubscriber_StartTwice(t *testing.T) {
	installFakeReaders(t, newFakeReader())

	s, err := NewSubscriber(kafkaConfig(), logging.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	assert.ErrorIs(t, s.Start(context.Background()), messaging.ErrAlreadyRunning)
}

func TestSubscriber_SubscribeAfterStart(t *testing.T) {
	reader := newFakeReader()
	installFakeReaders(t, reader)

	s, err := NewSubscriber(kafkaConfig(), logging.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	var delivered sync.WaitGroup
	delivered.Add(1)
	require.NoError(t, s.Subscribe("late", func(context.Context, *brokertypes.Envelope) error {
		delivered.Done()
		return nil
	}))

	reader.msgs <- segkafka.Message{Topic: "late", Value: []byte("x")}
	done := make(chan struct{})
	go func() { delivered.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("late subscription never delivered")
	}
}

func TestSubscriber_CloseIsIdempotent(t *testing.T) {
	installFakeReaders(t, newFakeReader())

	s, err := NewSubscriber(kafkaConfig(), logging.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.False(t, s.Connected())

	assert.ErrorIs(t, s.Subscribe("x", nil), messaging.ErrSubscriberClosed)
}

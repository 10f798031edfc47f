package filesys

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgfacade/gateway/internal/infrastructure/messaging"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	brokertypes "github.com/dgfacade/gateway/pkg/types/broker"
)

func fsConfig(dir string) *brokertypes.Config {
	return &brokertypes.Config{
		BrokerID:      "spool-main",
		BrokerType:    brokertypes.TypeFilesystem,
		ConnectionURI: "file://" + dir,
		Enabled:       true,
		Properties:    brokertypes.Properties{PropPollIntervalMs: 50},
	}
}

func listFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names
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

func TestMessageIDFromName(t *testing.T) {
	assert.Equal(t, "abc-123", messageIDFromName("1712000000000-abc-123.json"))
	assert.Equal(t, "", messageIDFromName("noid.json"))
	assert.Equal(t, "", messageIDFromName("-.json"))
}

func TestPublisher_WritesAtomically(t *testing.T) {
	dir := t.TempDir()
	p, err := NewPublisher(fsConfig(dir), logging.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, p.Initialize(context.Background()))
	defer p.Close()

	env := brokertypes.NewEnvelope("orders", []byte(`{"n":1}`))
	require.NoError(t, p.Publish(context.Background(), env))

	names := listFiles(t, filepath.Join(dir, "orders"))
	require.Len(t, names, 1)
	assert.True(t, strings.HasSuffix(names[0], ".json"))
	assert.Contains(t, names[0], env.MessageID)
	assert.False(t, strings.HasSuffix(names[0], tmpSuffix), "no temp files left behind")

	data, err := os.ReadFile(filepath.Join(dir, "orders", names[0]))
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"n":1}`), data)
	assert.Equal(t, int64(1), p.Stats().Published)
}

func TestNewPublisher_RequiresDir(t *testing.T) {
	cfg := &brokertypes.Config{BrokerID: "spool-x", BrokerType: brokertypes.TypeFilesystem}
	_, err := NewPublisher(cfg, logging.NewNopLogger())
	require.Error(t, err)
}

func TestSubscriber_DeliversPreexistingFile(t *testing.T) {
	dir := t.TempDir()
	topicDir := filepath.Join(dir, "orders")
	require.NoError(t, os.MkdirAll(topicDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(topicDir, "100-m-55.json"), []byte(`{"v":1}`), 0o644))

	s, err := NewSubscriber(fsConfig(dir), logging.NewNopLogger())
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

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	env := got[0]
	mu.Unlock()
	assert.Equal(t, "orders", env.Topic)
	assert.Equal(t, []byte(`{"v":1}`), env.Value)
	assert.Equal(t, "m-55", env.MessageID)
	assert.Equal(t, "100-m-55.json", env.Headers[HeaderFilename])
	assert.Equal(t, "spool-main", env.SourceBroker)

	waitFor(t, time.Second, func() bool { return len(listFiles(t, topicDir)) == 0 })
	assert.Equal(t, int64(1), s.Stats().Consumed)
}

func TestSubscriber_DeliversLateFile(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSubscriber(fsConfig(dir), logging.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))

	delivered := make(chan []byte, 1)
	require.NoError(t, s.Subscribe("orders", func(_ context.Context, env *brokertypes.Envelope) error {
		delivered <- env.Value
		return nil
	}))
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "orders", "200-m-1.json"), []byte("late"), 0o644))

	select {
	case body := <-delivered:
		assert.Equal(t, []byte("late"), body)
	case <-time.After(2 * time.Second):
		t.Fatal("late file never delivered")
	}
}

func TestSubscriber_HandlerErrorMovesToFailed(t *testing.T) {
	dir := t.TempDir()
	topicDir := filepath.Join(dir, "orders")
	require.NoError(t, os.MkdirAll(topicDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(topicDir, "300-m-2.json"), []byte("bad"), 0o644))

	s, err := NewSubscriber(fsConfig(dir), logging.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))
	require.NoError(t, s.Subscribe("orders", func(context.Context, *brokertypes.Envelope) error {
		return errors.New("no")
	}))
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	failedDir := filepath.Join(topicDir, failedSubdir)
	waitFor(t, 2*time.Second, func() bool { return len(listFiles(t, failedDir)) == 1 })
	assert.Equal(t, []string{"300-m-2.json"}, listFiles(t, failedDir))
	assert.Equal(t, int64(1), s.Stats().ConsumeErrors)
}

func TestSubscriber_KeepProcessed(t *testing.T) {
	dir := t.TempDir()
	cfg := fsConfig(dir)
	cfg.Properties[PropKeepProcessed] = true
	topicDir := filepath.Join(dir, "orders")
	require.NoError(t, os.MkdirAll(topicDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(topicDir, "400-m-3.json"), []byte("ok"), 0o644))

	s, err := NewSubscriber(cfg, logging.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))
	require.NoError(t, s.Subscribe("orders", func(context.Context, *brokertypes.Envelope) error { return nil }))
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	processedDir := filepath.Join(topicDir, processedSubdir)
	waitFor(t, 2*time.Second, func() bool { return len(listFiles(t, processedDir)) == 1 })
	assert.Equal(t, []string{"400-m-3.json"}, listFiles(t, processedDir))
}

func TestSubscriber_SkipsClaimedAndTempFiles(t *testing.T) {
	dir := t.TempDir()
	topicDir := filepath.Join(dir, "orders")
	require.NoError(t, os.MkdirAll(topicDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(topicDir, "500-m-4.json"+workingSuffix), []byte("claimed"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(topicDir, "600-m-5.json"+tmpSuffix), []byte("half"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(topicDir, "notes.txt"), []byte("skip"), 0o644))

	s, err := NewSubscriber(fsConfig(dir), logging.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))
	require.NoError(t, s.Subscribe("orders", func(context.Context, *brokertypes.Envelope) error { return nil }))
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int64(0), s.Stats().Consumed)
	assert.Len(t, listFiles(t, topicDir), 3, "non-matching files untouched")
}

func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p, err := NewPublisher(fsConfig(dir), logging.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, p.Initialize(context.Background()))
	defer p.Close()

	s, err := NewSubscriber(fsConfig(dir), logging.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))

	delivered := make(chan *brokertypes.Envelope, 1)
	require.NoError(t, s.Subscribe("responses", func(_ context.Context, env *brokertypes.Envelope) error {
		delivered <- env
		return nil
	}))
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	sent := brokertypes.NewEnvelope("responses", []byte(`{"done":true}`))
	require.NoError(t, p.Publish(context.Background(), sent))

	select {
	case env := <-delivered:
		assert.Equal(t, sent.MessageID, env.MessageID)
		assert.Equal(t, []byte(`{"done":true}`), env.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("round trip never completed")
	}
}

func TestSubscriber_StartTwice(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSubscriber(fsConfig(dir), logging.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	assert.ErrorIs(t, s.Start(context.Background()), messaging.ErrAlreadyRunning)
}

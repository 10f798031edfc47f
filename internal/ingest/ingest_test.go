package ingest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgfacade/gateway/internal/config"
	"github.com/dgfacade/gateway/internal/infrastructure/messaging/manager"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	brokertypes "github.com/dgfacade/gateway/pkg/types/broker"
	"github.com/dgfacade/gateway/pkg/types/message"
)

type staticSource struct {
	snap *config.Snapshot
}

func (s staticSource) Snapshot() *config.Snapshot { return s.snap }

type scriptedSubmitter struct {
	mu    sync.Mutex
	seen  []*message.Request
	reply func(req *message.Request) *message.Response
}

func (s *scriptedSubmitter) Submit(ctx context.Context, req *message.Request) *message.Response {
	s.mu.Lock()
	s.seen = append(s.seen, req)
	reply := s.reply
	s.mu.Unlock()
	if reply != nil {
		return reply(req)
	}
	return message.NewSuccess(req.RequestID, map[string]interface{}{"ok": true})
}

func (s *scriptedSubmitter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func (s *scriptedSubmitter) last() *message.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.seen) == 0 {
		return nil
	}
	return s.seen[len(s.seen)-1]
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

func spoolSnapshot(dir string) *config.Snapshot {
	return &config.Snapshot{
		Brokers: map[string]*brokertypes.Config{
			"spool": {
				BrokerID:   "spool",
				BrokerType: brokertypes.TypeFilesystem,
				Enabled:    true,
				Properties: brokertypes.Properties{
					"fs.dir":              dir,
					"fs.poll_interval_ms": 20,
				},
			},
		},
		InputChannels: map[string]*brokertypes.ChannelConfig{
			"requests": {
				Name:         "requests",
				Broker:       "spool",
				Destinations: []string{"req.in"},
			},
		},
		Ingesters: map[string]*brokertypes.IngesterConfig{
			"spool-requests": {
				Name:         "spool-requests",
				Enabled:      true,
				InputChannel: "requests",
			},
		},
	}
}

// protocolIngester builds an ingester wired to a scripted submitter
// without any broker attached, for driving handleEnvelope directly.
func protocolIngester(t *testing.T, sub Submitter, overrides brokertypes.Properties) *BrokerIngester {
	t.Helper()
	resolved := &manager.ResolvedIngester{
		Ingester: &brokertypes.IngesterConfig{Name: "unit", Enabled: true, InputChannel: "requests"},
		Channel:  &brokertypes.ChannelConfig{Name: "requests", Broker: "b1", Destinations: []string{"t"}},
		Broker:   &brokertypes.Config{BrokerID: "b1", BrokerType: brokertypes.TypeKafka},
	}
	resolved.Properties = brokertypes.Properties{}.Merge(overrides)
	ing := NewBrokerIngester(resolved, nil, sub, logging.NewNopLogger(), nil)
	require.NoError(t, ing.Initialize(context.Background()))
	return ing
}

func envelopeFor(t *testing.T, v interface{}) *brokertypes.Envelope {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return brokertypes.NewEnvelope("req.in", data).Stamp("b1")
}

func TestHandleEnvelopeSubmitsNormalizedRequest(t *testing.T) {
	sub := &scriptedSubmitter{}
	ing := protocolIngester(t, sub, nil)

	env := envelopeFor(t, map[string]interface{}{
		"request_type": "ECHO",
		"api_key":      "dgf-test-key-0001",
		"payload":      map[string]interface{}{"n": 1},
	})
	require.NoError(t, ing.handleEnvelope(context.Background(), env))
	waitFor(t, time.Second, func() bool { return sub.count() == 1 })

	req := sub.last()
	assert.Equal(t, "ECHO", req.RequestType)
	assert.NotEmpty(t, req.RequestID)
	assert.Equal(t, message.SourceKafka, req.SourceChannel)
	assert.False(t, req.ReceivedAt.IsZero())

	stats := ing.Stats()
	assert.Equal(t, int64(1), stats.Received)
	waitFor(t, time.Second, func() bool { return ing.Stats().Submitted == 1 })
	assert.False(t, ing.Stats().LastActivityAt.IsZero())
}

func TestHandleEnvelopeKeepsSuppliedRequestID(t *testing.T) {
	sub := &scriptedSubmitter{}
	ing := protocolIngester(t, sub, nil)

	env := envelopeFor(t, map[string]interface{}{
		"request_id":   "req-keep-1",
		"request_type": "ECHO",
		"api_key":      "dgf-test-key-0001",
	})
	require.NoError(t, ing.handleEnvelope(context.Background(), env))
	waitFor(t, time.Second, func() bool { return sub.count() == 1 })
	assert.Equal(t, "req-keep-1", sub.last().RequestID)
}

func TestHandleEnvelopeRejectsGarbage(t *testing.T) {
	sub := &scriptedSubmitter{}
	ing := protocolIngester(t, sub, nil)

	env := brokertypes.NewEnvelope("req.in", []byte("{not json")).Stamp("b1")
	require.NoError(t, ing.handleEnvelope(context.Background(), env))

	stats := ing.Stats()
	assert.Equal(t, int64(1), stats.Received)
	assert.Equal(t, int64(1), stats.Rejected)
	assert.Equal(t, 0, sub.count())
}

func TestHandleEnvelopeRejectsMissingFields(t *testing.T) {
	sub := &scriptedSubmitter{}
	ing := protocolIngester(t, sub, nil)

	for _, body := range []map[string]interface{}{
		{"api_key": "dgf-test-key-0001"},
		{"request_type": "ECHO"},
		{"request_type": "  ", "api_key": "dgf-test-key-0001"},
	} {
		require.NoError(t, ing.handleEnvelope(context.Background(), envelopeFor(t, body)))
	}

	assert.Equal(t, int64(3), ing.Stats().Rejected)
	assert.Equal(t, 0, sub.count())
}

func TestHandleEnvelopeRejectsDuplicateID(t *testing.T) {
	sub := &scriptedSubmitter{}
	ing := protocolIngester(t, sub, nil)

	body := map[string]interface{}{
		"request_id":   "req-dup-1",
		"request_type": "ECHO",
		"api_key":      "dgf-test-key-0001",
	}
	require.NoError(t, ing.handleEnvelope(context.Background(), envelopeFor(t, body)))
	require.NoError(t, ing.handleEnvelope(context.Background(), envelopeFor(t, body)))

	waitFor(t, time.Second, func() bool { return sub.count() == 1 })
	stats := ing.Stats()
	assert.Equal(t, int64(2), stats.Received)
	assert.Equal(t, int64(1), stats.Rejected)
}

func TestHandleEnvelopeCountsFailedSubmissions(t *testing.T) {
	sub := &scriptedSubmitter{reply: func(req *message.Request) *message.Response {
		return message.NewError(req.RequestID, "boom")
	}}
	ing := protocolIngester(t, sub, nil)

	env := envelopeFor(t, map[string]interface{}{
		"request_type": "ECHO",
		"api_key":      "dgf-test-key-0001",
	})
	require.NoError(t, ing.handleEnvelope(context.Background(), env))
	waitFor(t, time.Second, func() bool { return ing.Stats().Failed == 1 })
	assert.Equal(t, int64(0), ing.Stats().Submitted)
}

func TestSlotLimitAppliesBackpressure(t *testing.T) {
	release := make(chan struct{})
	sub := &scriptedSubmitter{reply: func(req *message.Request) *message.Response {
		<-release
		return message.NewSuccess(req.RequestID, nil)
	}}
	ing := protocolIngester(t, sub, brokertypes.Properties{propMaxInFlight: 1})

	first := envelopeFor(t, map[string]interface{}{"request_type": "ECHO", "api_key": "dgf-test-key-0001"})
	require.NoError(t, ing.handleEnvelope(context.Background(), first))
	waitFor(t, time.Second, func() bool { return sub.count() == 1 })

	// The single slot is held by the blocked submission, so the next
	// delivery must wait until its context expires.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	second := envelopeFor(t, map[string]interface{}{"request_type": "ECHO", "api_key": "dgf-test-key-0001"})
	err := ing.handleEnvelope(ctx, second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
}

func TestDedupWindowExpires(t *testing.T) {
	d := newDedupWindow(30 * time.Millisecond)
	assert.False(t, d.seen("a"))
	assert.True(t, d.seen("a"))
	time.Sleep(50 * time.Millisecond)
	assert.False(t, d.seen("a"))
}

func TestIngesterTypeFollowsBroker(t *testing.T) {
	sub := &scriptedSubmitter{}
	ing := protocolIngester(t, sub, nil)
	assert.Equal(t, "KAFKA", ing.Type())
}

func TestManagerRunsSpoolIngesterEndToEnd(t *testing.T) {
	dir := t.TempDir()
	snap := spoolSnapshot(dir)
	mgr := manager.NewManager(staticSource{snap}, logging.NewNopLogger(), nil)
	t.Cleanup(func() { _ = mgr.Close() })
	accessor := manager.NewChannelAccessor(mgr)

	sub := &scriptedSubmitter{}
	im := NewManager(accessor, sub, logging.NewNopLogger(), nil)
	im.StartAll(context.Background())
	require.Equal(t, 1, im.Count())

	body, err := json.Marshal(map[string]interface{}{
		"request_type": "ECHO",
		"api_key":      "dgf-test-key-0001",
		"payload":      map[string]interface{}{"n": 1},
	})
	require.NoError(t, err)
	topicDir := filepath.Join(dir, "req.in")
	require.NoError(t, os.MkdirAll(topicDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(topicDir, "1-msg.json"), body, 0o644))

	waitFor(t, 3*time.Second, func() bool { return sub.count() == 1 })
	req := sub.last()
	assert.Equal(t, message.SourceFilesystem, req.SourceChannel)

	stats := im.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, "spool-requests", stats[0].Name)
	assert.Equal(t, "FILESYSTEM", stats[0].Type)
	waitFor(t, time.Second, func() bool { return im.Stats()[0].Submitted == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	im.StopAll(ctx)
	assert.Equal(t, 0, im.Count())
}

func TestManagerRefreshAddsAndRemoves(t *testing.T) {
	dir := t.TempDir()
	snap := spoolSnapshot(dir)
	mgr := manager.NewManager(staticSource{snap}, logging.NewNopLogger(), nil)
	t.Cleanup(func() { _ = mgr.Close() })
	accessor := manager.NewChannelAccessor(mgr)

	im := NewManager(accessor, &scriptedSubmitter{}, logging.NewNopLogger(), nil)
	im.StartAll(context.Background())
	require.Equal(t, 1, im.Count())

	// Disabling the declaration removes the running ingester.
	snap.Ingesters["spool-requests"].Enabled = false
	im.Refresh(context.Background())
	assert.Equal(t, 0, im.Count())

	// Re-enabling brings it back.
	snap.Ingesters["spool-requests"].Enabled = true
	im.Refresh(context.Background())
	assert.Equal(t, 1, im.Count())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	im.StopAll(ctx)
}

func TestStartAllSkipsBrokenDeclarations(t *testing.T) {
	dir := t.TempDir()
	snap := spoolSnapshot(dir)
	snap.Ingesters["ghost"] = &brokertypes.IngesterConfig{
		Name:         "ghost",
		Enabled:      true,
		InputChannel: "no-such-channel",
	}
	mgr := manager.NewManager(staticSource{snap}, logging.NewNopLogger(), nil)
	t.Cleanup(func() { _ = mgr.Close() })

	im := NewManager(manager.NewChannelAccessor(mgr), &scriptedSubmitter{}, logging.NewNopLogger(), nil)
	im.StartAll(context.Background())
	assert.Equal(t, 1, im.Count())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	im.StopAll(ctx)
}

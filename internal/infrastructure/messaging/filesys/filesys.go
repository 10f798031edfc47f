// Package filesys implements the messaging contracts over a spool
// directory tree.  Each topic is a subdirectory; every message is one
// file, written atomically and claimed by rename so that several
// gateways may share the same spool.  Subscribers combine fsnotify
// events with a periodic rescan that catches anything inotify missed.
package filesys

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dgfacade/gateway/internal/infrastructure/messaging"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	apperrors "github.com/dgfacade/gateway/pkg/errors"
	brokertypes "github.com/dgfacade/gateway/pkg/types/broker"
)

// Property keys understood by this transport.
const (
	PropDir            = "fs.dir"
	PropPattern        = "fs.pattern"
	PropPollIntervalMs = "fs.poll_interval_ms"
	PropKeepProcessed  = "fs.keep_processed"
)

const (
	defaultPattern  = "*.json"
	workingSuffix   = ".working"
	tmpSuffix       = ".tmp"
	processedSubdir = "processed"
	failedSubdir    = "failed"

	// HeaderFilename carries the original spool file name on
	// envelopes delivered by this transport.
	HeaderFilename = "filename"
)

// baseDir resolves the spool root from properties or the file:// URI.
func baseDir(cfg *brokertypes.Config) string {
	if dir := cfg.Properties.String(PropDir, ""); dir != "" {
		return dir
	}
	return strings.TrimPrefix(cfg.ConnectionURI, "file://")
}

// fileName renders the spool name for an envelope.  The message id is
// embedded so the consuming side can recover it.
func fileName(env *brokertypes.Envelope) string {
	return fmt.Sprintf("%d-%s.json", time.Now().UnixNano(), env.MessageID)
}

// messageIDFromName recovers the id embedded by fileName, or "".
func messageIDFromName(name string) string {
	name = strings.TrimSuffix(name, filepath.Ext(name))
	if i := strings.IndexByte(name, '-'); i > 0 && i < len(name)-1 {
		return name[i+1:]
	}
	return ""
}

// Publisher writes envelopes as spool files.
type Publisher struct {
	cfg    *brokertypes.Config
	logger logging.Logger
	dir    string

	closed atomic.Bool
	stats  messaging.Counters
}

// NewPublisher builds a publisher from one broker declaration.
func NewPublisher(cfg *brokertypes.Config, logger logging.Logger) (*Publisher, error) {
	if logger == nil {
		logger = logging.Default()
	}
	dir := baseDir(cfg)
	if dir == "" {
		return nil, apperrors.New(apperrors.ErrCodeConfigInvalid, "filesys broker "+cfg.BrokerID+" needs fs.dir or a file:// uri")
	}
	return &Publisher{
		cfg:    cfg,
		logger: logger.Named("filesys").With(logging.BrokerID(cfg.BrokerID)),
		dir:    dir,
	}, nil
}

// Initialize creates the spool root.
func (p *Publisher) Initialize(ctx context.Context) error {
	if p.closed.Load() {
		return messaging.ErrPublisherClosed
	}
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		p.stats.SetConnected(false)
		return apperrors.Wrap(err, apperrors.ErrCodeBrokerConnect, "filesys create spool "+p.dir)
	}
	p.stats.SetConnected(true)
	p.logger.Info("filesys publisher ready", logging.String("dir", p.dir))
	return nil
}

// Publish writes one envelope.  The payload lands under a temporary
// name first so watchers never observe half-written files.
func (p *Publisher) Publish(ctx context.Context, env *brokertypes.Envelope) error {
	if p.closed.Load() {
		return messaging.ErrPublisherClosed
	}
	if env.Topic == "" {
		return apperrors.New(apperrors.ErrCodeValidation, "envelope topic required")
	}

	topicDir := filepath.Join(p.dir, env.Topic)
	if err := os.MkdirAll(topicDir, 0o755); err != nil {
		p.stats.PublishError(err)
		return apperrors.Wrap(err, apperrors.ErrCodeBrokerPublish, "filesys create topic dir "+env.Topic)
	}

	final := filepath.Join(topicDir, fileName(env))
	tmp := final + tmpSuffix
	if err := os.WriteFile(tmp, env.Value, 0o644); err != nil {
		p.stats.PublishError(err)
		return apperrors.Wrap(err, apperrors.ErrCodeBrokerPublish, "filesys write "+env.Topic)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		p.stats.PublishError(err)
		return apperrors.Wrap(err, apperrors.ErrCodeBrokerPublish, "filesys commit "+env.Topic)
	}
	p.stats.Published()
	return nil
}

// PublishBatch writes sequentially.
func (p *Publisher) PublishBatch(ctx context.Context, envs []*brokertypes.Envelope) (*messaging.BatchResult, error) {
	res := &messaging.BatchResult{}
	for i, env := range envs {
		if err := p.Publish(ctx, env); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, messaging.BatchItemError{Index: i, Topic: env.Topic, Err: err})
			continue
		}
		res.Succeeded++
	}
	return res, nil
}

// Flush is a no-op: every publish is committed by rename.
func (p *Publisher) Flush(ctx context.Context) error { return nil }

func (p *Publisher) Connected() bool { return p.stats.IsConnected() && !p.closed.Load() }

func (p *Publisher) Stats() messaging.Stats { return p.stats.Snapshot(0) }

// Close marks the publisher down; there is no connection to release.
func (p *Publisher) Close() error {
	if p.closed.CompareAndSwap(false, true) {
		p.stats.SetConnected(false)
	}
	return nil
}

// Subscriber watches topic directories and delivers each spool file
// once.  A file is claimed by renaming it with a working suffix, so
// concurrent gateways sharing the spool never double-deliver.
type Subscriber struct {
	cfg    *brokertypes.Config
	logger logging.Logger
	dir    string

	mu        sync.Mutex
	deliverBy map[string]messaging.DeliveryFunc
	watched   map[string]bool
	watcher   *fsnotify.Watcher
	baseCtx   context.Context
	cancel    context.CancelFunc

	running atomic.Bool
	closed  atomic.Bool
	wg      sync.WaitGroup
	stats   messaging.Counters
}

// NewSubscriber builds a subscriber from one broker declaration.
func NewSubscriber(cfg *brokertypes.Config, logger logging.Logger) (*Subscriber, error) {
	if logger == nil {
		logger = logging.Default()
	}
	dir := baseDir(cfg)
	if dir == "" {
		return nil, apperrors.New(apperrors.ErrCodeConfigInvalid, "filesys broker "+cfg.BrokerID+" needs fs.dir or a file:// uri")
	}
	return &Subscriber{
		cfg:       cfg,
		logger:    logger.Named("filesys").With(logging.BrokerID(cfg.BrokerID)),
		dir:       dir,
		deliverBy: make(map[string]messaging.DeliveryFunc),
		watched:   make(map[string]bool),
	}, nil
}

// Initialize creates the spool root.
func (s *Subscriber) Initialize(ctx context.Context) error {
	if s.closed.Load() {
		return messaging.ErrSubscriberClosed
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		s.stats.SetConnected(false)
		return apperrors.Wrap(err, apperrors.ErrCodeBrokerConnect, "filesys create spool "+s.dir)
	}
	s.stats.SetConnected(true)
	return nil
}

// Subscribe registers fn for topic.  Consumption begins at Start; a
// topic added afterwards starts consuming immediately.
func (s *Subscriber) Subscribe(topic string, fn messaging.DeliveryFunc) error {
	if s.closed.Load() {
		return messaging.ErrSubscriberClosed
	}
	s.mu.Lock()
	s.deliverBy[topic] = fn
	startNow := s.running.Load() && !s.watched[topic]
	s.mu.Unlock()

	if startNow {
		return s.watchTopic(topic)
	}
	return nil
}

// Unsubscribe drops the handler; the directory stays watched but
// events for it are ignored.
func (s *Subscriber) Unsubscribe(topic string) error {
	s.mu.Lock()
	delete(s.deliverBy, topic)
	s.mu.Unlock()
	return nil
}

// Start watches every registered topic directory and begins the
// event and rescan loops.
func (s *Subscriber) Start(ctx context.Context) error {
	if s.closed.Load() {
		return messaging.ErrSubscriberClosed
	}
	if s.running.Swap(true) {
		return messaging.ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		s.running.Store(false)
		return apperrors.Wrap(err, apperrors.ErrCodeBrokerSubscribe, "filesys watcher")
	}

	s.mu.Lock()
	s.baseCtx = ctx
	s.cancel = cancel
	s.watcher = watcher
	topics := make([]string, 0, len(s.deliverBy))
	for t := range s.deliverBy {
		topics = append(topics, t)
	}
	s.mu.Unlock()

	for _, t := range topics {
		if err := s.watchTopic(t); err != nil {
			return err
		}
	}

	s.wg.Add(1)
	go s.loop(ctx, watcher)
	s.logger.Info("filesys subscriber started", logging.Int("topics", len(topics)))
	return nil
}

func (s *Subscriber) watchTopic(topic string) error {
	s.mu.Lock()
	watcher := s.watcher
	s.watched[topic] = true
	s.mu.Unlock()
	if watcher == nil {
		return messaging.ErrNotConnected
	}

	topicDir := filepath.Join(s.dir, topic)
	if err := os.MkdirAll(topicDir, 0o755); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeBrokerSubscribe, "filesys create topic dir "+topic)
	}
	if err := watcher.Add(topicDir); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeBrokerSubscribe, "filesys watch "+topicDir)
	}

	s.scanTopic(topic)
	s.logger.Info("watching spool directory", logging.Topic(topic))
	return nil
}

// loop multiplexes watcher events with the rescan ticker.
func (s *Subscriber) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer s.wg.Done()

	interval := time.Duration(s.cfg.Properties.Int(PropPollIntervalMs, 2000)) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Rename) != 0 {
				s.maybeProcess(ctx, event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("watcher error", logging.Err(err))
		case <-ticker.C:
			s.rescan(ctx)
		}
	}
}

func (s *Subscriber) rescan(ctx context.Context) {
	s.mu.Lock()
	topics := make([]string, 0, len(s.deliverBy))
	for t := range s.deliverBy {
		topics = append(topics, t)
	}
	s.mu.Unlock()
	for _, t := range topics {
		if ctx.Err() != nil {
			return
		}
		s.scanTopic(t)
	}
}

func (s *Subscriber) scanTopic(topic string) {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()
	if ctx == nil {
		return
	}

	entries, err := os.ReadDir(filepath.Join(s.dir, topic))
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		s.maybeProcess(ctx, filepath.Join(s.dir, topic, entry.Name()))
	}
}

// maybeProcess claims and delivers one spool file if it matches the
// pattern and nobody else took it first.
func (s *Subscriber) maybeProcess(ctx context.Context, path string) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") ||
		strings.HasSuffix(name, tmpSuffix) ||
		strings.HasSuffix(name, workingSuffix) {
		return
	}
	pattern := s.cfg.Properties.String(PropPattern, defaultPattern)
	if ok, err := filepath.Match(pattern, name); err != nil || !ok {
		return
	}

	topic := filepath.Base(filepath.Dir(path))
	s.mu.Lock()
	fn := s.deliverBy[topic]
	s.mu.Unlock()
	if fn == nil {
		return
	}

	// Claim by rename.  Losing the race to another gateway is the
	// normal case on a shared spool, not an error.
	working := path + workingSuffix
	if err := os.Rename(path, working); err != nil {
		return
	}

	data, err := os.ReadFile(working)
	if err != nil {
		s.stats.ConsumeError(err)
		s.logger.Error("spool read failed", logging.Topic(topic), logging.Err(err))
		return
	}
	s.stats.Consumed()

	env := brokertypes.NewEnvelope(topic, data)
	if id := messageIDFromName(name); id != "" {
		env.MessageID = id
	}
	env = env.WithHeader(HeaderFilename, name).Stamp(s.cfg.BrokerID)

	if err := fn(ctx, env); err != nil {
		s.stats.ConsumeError(err)
		s.logger.Error("delivery failed", logging.Topic(topic), logging.Err(err))
		s.finalize(working, topic, name, failedSubdir, true)
		return
	}
	keep := s.cfg.Properties.Bool(PropKeepProcessed, false)
	s.finalize(working, topic, name, processedSubdir, keep)
}

// finalize moves a claimed file into an outcome subdirectory, or
// deletes it when keep is false.
func (s *Subscriber) finalize(working, topic, name, subdir string, keep bool) {
	if !keep {
		_ = os.Remove(working)
		return
	}
	destDir := filepath.Join(s.dir, topic, subdir)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		_ = os.Remove(working)
		return
	}
	if err := os.Rename(working, filepath.Join(destDir, name)); err != nil {
		_ = os.Remove(working)
	}
}

func (s *Subscriber) Connected() bool { return s.stats.IsConnected() && !s.closed.Load() }

func (s *Subscriber) Stats() messaging.Stats { return s.stats.Snapshot(0) }

// Close stops the loops and releases the watcher.
func (s *Subscriber) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	cancel := s.cancel
	watcher := s.watcher
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if watcher != nil {
		err = watcher.Close()
	}
	s.wg.Wait()
	s.stats.SetConnected(false)
	return err
}

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	brokertypes "github.com/dgfacade/gateway/pkg/types/broker"
	chaintypes "github.com/dgfacade/gateway/pkg/types/chain"
	handlertypes "github.com/dgfacade/gateway/pkg/types/handler"
	apperrors "github.com/dgfacade/gateway/pkg/errors"
)

// Snapshot is one fully-consistent view of the JSON config tree.
// Snapshots are immutable after publication.
type Snapshot struct {
	// Handlers maps request_type to its config.
	Handlers map[string]*handlertypes.Config

	// UserHandlers maps user_id to per-user request_type overrides.
	UserHandlers map[string]map[string]*handlertypes.Config

	// Brokers maps broker_id to its declaration.
	Brokers map[string]*brokertypes.Config

	// InputChannels and OutputChannels map channel name to binding.
	InputChannels  map[string]*brokertypes.ChannelConfig
	OutputChannels map[string]*brokertypes.ChannelConfig

	// Ingesters maps ingester name to declaration.
	Ingesters map[string]*brokertypes.IngesterConfig

	// Chains maps chain_id to chain declaration.
	Chains map[string]*chaintypes.Config

	LoadedAt time.Time
}

// Store loads and watches the JSON config tree under dirs.Root.
// Concurrent readers always see a complete snapshot; Reload swaps
// atomically.
type Store struct {
	dirs     DirsConfig
	resolver *Resolver
	logger   logging.Logger

	mu   sync.RWMutex
	snap *Snapshot

	watcher   *fsnotify.Watcher
	debounce  time.Duration
	onReload  []func(*Snapshot)
	watchStop chan struct{}
	watchOnce sync.Once
}

// NewStore builds a store over the config tree.  Call Load before the
// first Snapshot access.
func NewStore(dirs DirsConfig, resolver *Resolver, logger logging.Logger) *Store {
	if resolver == nil {
		resolver = NewResolver()
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{
		dirs:      dirs,
		resolver:  resolver,
		logger:    logger.Named("configstore"),
		debounce:  300 * time.Millisecond,
		watchStop: make(chan struct{}),
	}
}

// Snapshot returns the current snapshot.  Nil before the first Load.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Chain looks up a stored chain declaration by id.
func (s *Store) Chain(chainID string) (*chaintypes.Config, bool) {
	snap := s.Snapshot()
	if snap == nil {
		return nil, false
	}
	cfg, ok := snap.Chains[chainID]
	return cfg, ok
}

// OnReload registers a callback invoked with each new snapshot after a
// successful Load triggered by the watcher or Reload.
func (s *Store) OnReload(fn func(*Snapshot)) {
	s.mu.Lock()
	s.onReload = append(s.onReload, fn)
	s.mu.Unlock()
}

// Load parses the whole tree and publishes a new snapshot.  On error
// the previous snapshot stays in place.
func (s *Store) Load() (*Snapshot, error) {
	if err := s.resolver.LoadPropertiesFile(s.dirs.PropertiesFile); err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Handlers:       make(map[string]*handlertypes.Config),
		UserHandlers:   make(map[string]map[string]*handlertypes.Config),
		Brokers:        make(map[string]*brokertypes.Config),
		InputChannels:  make(map[string]*brokertypes.ChannelConfig),
		OutputChannels: make(map[string]*brokertypes.ChannelConfig),
		Ingesters:      make(map[string]*brokertypes.IngesterConfig),
		Chains:         make(map[string]*chaintypes.Config),
		LoadedAt:       time.Now().UTC(),
	}

	if err := s.loadHandlers(snap); err != nil {
		return nil, err
	}
	if err := s.loadBrokers(snap); err != nil {
		return nil, err
	}
	if err := s.loadChannels(s.dirs.InputChannels(), snap.InputChannels); err != nil {
		return nil, err
	}
	if err := s.loadChannels(s.dirs.OutputChannels(), snap.OutputChannels); err != nil {
		return nil, err
	}
	if err := s.loadIngesters(snap); err != nil {
		return nil, err
	}
	if err := s.loadChains(snap); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.snap = snap
	callbacks := append([]func(*Snapshot){}, s.onReload...)
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn(snap)
	}

	s.logger.Info("config tree loaded",
		logging.Int("handlers", len(snap.Handlers)),
		logging.Int("brokers", len(snap.Brokers)),
		logging.Int("input_channels", len(snap.InputChannels)),
		logging.Int("output_channels", len(snap.OutputChannels)),
		logging.Int("ingesters", len(snap.Ingesters)),
		logging.Int("chains", len(snap.Chains)))
	return snap, nil
}

// Reload is Load with reload semantics: failures are logged and the
// old snapshot survives.
func (s *Store) Reload() error {
	_, err := s.Load()
	if err != nil {
		s.logger.Error("config reload failed, keeping previous snapshot", logging.Err(err))
	}
	return err
}

// readResolvedJSON reads one file, resolves placeholders in every
// string leaf, and decodes the result into out.
func (s *Store) readResolvedJSON(path string, out interface{}) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeConfigUnreadable, "cannot read "+path)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeConfigInvalid, "malformed JSON in "+path)
	}
	resolved, err := s.resolver.ResolveValue(generic)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrCodePlaceholderUnresolved, "in %s", path)
	}
	rebuilt, err := json.Marshal(resolved)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeConfigInvalid, "cannot re-encode "+path)
	}
	if err := json.Unmarshal(rebuilt, out); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeConfigInvalid, "unexpected shape in "+path)
	}
	return nil
}

// listJSONFiles returns the sorted *.json entries of dir, or nil when
// the directory does not exist.
func listJSONFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.Wrap(err, apperrors.ErrCodeConfigUnreadable, "cannot list "+dir)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func (s *Store) loadHandlers(snap *Snapshot) error {
	files, err := listJSONFiles(s.dirs.Handlers())
	if err != nil {
		return err
	}
	for _, f := range files {
		var mapping map[string]*handlertypes.Config
		if err := s.readResolvedJSON(f, &mapping); err != nil {
			return err
		}
		for requestType, cfg := range mapping {
			cfg.RequestType = requestType
			if err := cfg.Validate(); err != nil {
				return apperrors.Wrap(err, apperrors.ErrCodeConfigInvalid, "in "+f)
			}
			if _, dup := snap.Handlers[requestType]; dup {
				s.logger.Warn("duplicate handler config, later file wins",
					logging.RequestType(requestType), logging.String("file", f))
			}
			snap.Handlers[requestType] = cfg
		}
	}

	// Per-user overrides live under handlers/users/<user_id>/*.json.
	usersDir := filepath.Join(s.dirs.Handlers(), "users")
	userEntries, err := os.ReadDir(usersDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperrors.Wrap(err, apperrors.ErrCodeConfigUnreadable, "cannot list "+usersDir)
	}
	for _, ue := range userEntries {
		if !ue.IsDir() {
			continue
		}
		userID := ue.Name()
		userFiles, err := listJSONFiles(filepath.Join(usersDir, userID))
		if err != nil {
			return err
		}
		for _, f := range userFiles {
			var mapping map[string]*handlertypes.Config
			if err := s.readResolvedJSON(f, &mapping); err != nil {
				return err
			}
			for requestType, cfg := range mapping {
				cfg.RequestType = requestType
				if err := cfg.Validate(); err != nil {
					return apperrors.Wrap(err, apperrors.ErrCodeConfigInvalid, "in "+f)
				}
				if snap.UserHandlers[userID] == nil {
					snap.UserHandlers[userID] = make(map[string]*handlertypes.Config)
				}
				snap.UserHandlers[userID][requestType] = cfg
			}
		}
	}
	return nil
}

func (s *Store) loadBrokers(snap *Snapshot) error {
	files, err := listJSONFiles(s.dirs.Brokers())
	if err != nil {
		return err
	}
	for _, f := range files {
		cfg := &brokertypes.Config{}
		if err := s.readResolvedJSON(f, cfg); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeConfigInvalid, "in "+f)
		}
		if _, dup := snap.Brokers[cfg.BrokerID]; dup {
			s.logger.Warn("duplicate broker_id, later file wins",
				logging.BrokerID(cfg.BrokerID), logging.String("file", f))
		}
		snap.Brokers[cfg.BrokerID] = cfg
	}
	return nil
}

func (s *Store) loadChannels(dir string, into map[string]*brokertypes.ChannelConfig) error {
	files, err := listJSONFiles(dir)
	if err != nil {
		return err
	}
	for _, f := range files {
		cfg := &brokertypes.ChannelConfig{}
		if err := s.readResolvedJSON(f, cfg); err != nil {
			return err
		}
		if cfg.Name == "" {
			cfg.Name = strings.TrimSuffix(filepath.Base(f), ".json")
		}
		if err := cfg.Validate(); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeConfigInvalid, "in "+f)
		}
		into[cfg.Name] = cfg
	}
	return nil
}

func (s *Store) loadIngesters(snap *Snapshot) error {
	files, err := listJSONFiles(s.dirs.Ingesters())
	if err != nil {
		return err
	}
	for _, f := range files {
		cfg := &brokertypes.IngesterConfig{}
		if err := s.readResolvedJSON(f, cfg); err != nil {
			return err
		}
		if cfg.Name == "" {
			cfg.Name = strings.TrimSuffix(filepath.Base(f), ".json")
		}
		if err := cfg.Validate(); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeConfigInvalid, "in "+f)
		}
		snap.Ingesters[cfg.Name] = cfg
	}
	return nil
}

func (s *Store) loadChains(snap *Snapshot) error {
	files, err := listJSONFiles(s.dirs.Chains())
	if err != nil {
		return err
	}
	for _, f := range files {
		cfg := &chaintypes.Config{}
		if err := s.readResolvedJSON(f, cfg); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeConfigInvalid, "in "+f)
		}
		snap.Chains[cfg.ChainID] = cfg
	}
	return nil
}

// StartWatching begins fsnotify monitoring of the config tree.  File
// events are debounced; each quiet period triggers one Reload.  No-op
// when watching is disabled in DirsConfig.
func (s *Store) StartWatching() error {
	if !s.dirs.Watch {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "cannot create fsnotify watcher")
	}
	s.watcher = w

	for _, dir := range []string{
		s.dirs.Root,
		s.dirs.Handlers(),
		s.dirs.Brokers(),
		s.dirs.InputChannels(),
		s.dirs.OutputChannels(),
		s.dirs.Ingesters(),
		s.dirs.Chains(),
	} {
		if _, statErr := os.Stat(dir); statErr != nil {
			continue
		}
		if addErr := w.Add(dir); addErr != nil {
			s.logger.Warn("cannot watch config dir", logging.String("dir", dir), logging.Err(addErr))
		}
	}

	go s.watchLoop()
	return nil
}

func (s *Store) watchLoop() {
	var timer *time.Timer
	fire := make(chan struct{}, 1)
	for {
		select {
		case <-s.watchStop:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(s.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("config watcher error", logging.Err(err))
		case <-fire:
			s.logger.Info("config tree changed on disk, reloading")
			_ = s.Reload()
		}
	}
}

// Close stops the watcher.  Safe to call more than once.
func (s *Store) Close() error {
	var err error
	s.watchOnce.Do(func() {
		close(s.watchStop)
		if s.watcher != nil {
			err = s.watcher.Close()
		}
	})
	return err
}

// Package registry resolves request types to handler configurations
// and factories. Lookups read an immutable view derived from the
// current config snapshot; a reload publishes a whole new view, so a
// resolution in flight keeps the old one and never sees a mix.
package registry

import (
	"sort"
	"strings"
	"sync"

	"github.com/dgfacade/gateway/internal/config"
	"github.com/dgfacade/gateway/internal/handler"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	apperrors "github.com/dgfacade/gateway/pkg/errors"
	handlertypes "github.com/dgfacade/gateway/pkg/types/handler"
)

// Source supplies config snapshots and the rescan behind Reload.
// *config.Store satisfies it.
type Source interface {
	Snapshot() *config.Snapshot
	Reload() error
}

// Resolution is one successful lookup: the effective config and the
// factory that builds its handler.
type Resolution struct {
	Config  *handlertypes.Config
	Factory Factory

	// Overridden is set when a per-user config replaced the base one.
	Overridden bool
}

// Info describes one registered request type for the listing surface.
type Info struct {
	RequestType       string  `json:"request_type"`
	HandlerIdentifier string  `json:"handler_identifier"`
	TTLMinutes        float64 `json:"ttl_minutes"`
	Enabled           bool    `json:"enabled"`
	Registered        bool    `json:"registered"`
	Streaming         bool    `json:"streaming"`
}

// HandlerRegistry maps request_type to HandlerConfig with per-user
// overrides, and on to the handler factory.
type HandlerRegistry struct {
	source    Source
	factories *Factories
	logger    logging.Logger

	mu  sync.Mutex
	cur *view
}

// view is the derived index for one config snapshot. Request types are
// indexed upper-cased; configs keep their declared spelling.
type view struct {
	src    *config.Snapshot
	byType map[string]*handlertypes.Config
	byUser map[string]map[string]*handlertypes.Config
}

func NewHandlerRegistry(source Source, factories *Factories, logger logging.Logger) *HandlerRegistry {
	if logger == nil {
		logger = logging.Default()
	}
	if factories == nil {
		factories = NewFactories()
	}
	return &HandlerRegistry{
		source:    source,
		factories: factories,
		logger:    logger.Named("registry"),
	}
}

// Factories exposes the factory table for wiring.
func (r *HandlerRegistry) Factories() *Factories { return r.factories }

// Resolve returns the effective config and factory for a request type.
// The per-user override, when present, replaces the base config
// wholesale, including a type the base set never declares.
func (r *HandlerRegistry) Resolve(requestType, userID string) (*Resolution, error) {
	rt := normalizeType(requestType)
	v := r.view()

	cfg := v.byType[rt]
	overridden := false
	if userID != "" {
		if override, ok := v.byUser[userID][rt]; ok {
			cfg = override
			overridden = true
		}
	}
	if cfg == nil {
		return nil, apperrors.Newf(apperrors.ErrCodeHandlerNotFound,
			"no handler registered for request type %q", requestType)
	}
	if !cfg.Enabled {
		return nil, apperrors.Newf(apperrors.ErrCodeHandlerDisabled,
			"request type %q is disabled", requestType)
	}
	factory, ok := r.factories.Lookup(cfg.HandlerIdentifier)
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrCodeHandlerNotFound,
			"request type %q resolves to unregistered handler %q", requestType, cfg.HandlerIdentifier)
	}
	return &Resolution{Config: cfg, Factory: factory, Overridden: overridden}, nil
}

// Types lists the base request types, sorted. Disabled types are
// included; callers that care check Enabled on the info listing.
func (r *HandlerRegistry) Types() []string {
	v := r.view()
	types := make([]string, 0, len(v.byType))
	for t := range v.byType {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Describe lists every base request type with its registration and
// streaming capability. The capability probe allocates a throwaway
// instance; factories are side-effect free so this is cheap.
func (r *HandlerRegistry) Describe() []Info {
	v := r.view()
	infos := make([]Info, 0, len(v.byType))
	for _, cfg := range v.byType {
		info := Info{
			RequestType:       normalizeType(cfg.RequestType),
			HandlerIdentifier: cfg.HandlerIdentifier,
			TTLMinutes:        cfg.TTLMinutes,
			Enabled:           cfg.Enabled,
		}
		if factory, ok := r.factories.Lookup(cfg.HandlerIdentifier); ok {
			info.Registered = true
			_, info.Streaming = factory().(handler.Streamer)
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].RequestType < infos[j].RequestType })
	return infos
}

// Reload rescans the config tree. Lookups racing the reload see either
// the old or the new view, never a mix.
func (r *HandlerRegistry) Reload() error {
	return r.source.Reload()
}

// view returns the index for the current snapshot, rebuilding when the
// store published a new one.
func (r *HandlerRegistry) view() *view {
	src := r.source.Snapshot()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur != nil && r.cur.src == src {
		return r.cur
	}
	r.cur = r.build(src)
	return r.cur
}

func (r *HandlerRegistry) build(src *config.Snapshot) *view {
	v := &view{
		src:    src,
		byType: make(map[string]*handlertypes.Config),
		byUser: make(map[string]map[string]*handlertypes.Config),
	}
	if src == nil {
		return v
	}
	for rt, cfg := range src.Handlers {
		v.byType[normalizeType(rt)] = cfg
		if _, ok := r.factories.Lookup(cfg.HandlerIdentifier); !ok {
			r.logger.Warn("handler config references unregistered identifier",
				logging.RequestType(rt),
				logging.String("handler_identifier", cfg.HandlerIdentifier))
		}
	}
	for userID, overrides := range src.UserHandlers {
		m := make(map[string]*handlertypes.Config, len(overrides))
		for rt, cfg := range overrides {
			m[normalizeType(rt)] = cfg
		}
		v.byUser[userID] = m
	}
	r.logger.Info("handler view rebuilt",
		logging.Int("types", len(v.byType)),
		logging.Int("user_overrides", len(v.byUser)))
	return v
}

func normalizeType(requestType string) string {
	return strings.ToUpper(strings.TrimSpace(requestType))
}

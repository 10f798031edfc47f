package main

import (
	"context"

	"github.com/dgfacade/gateway/internal/auth"
	"github.com/dgfacade/gateway/internal/config"
	"github.com/dgfacade/gateway/internal/ingest"
	"github.com/dgfacade/gateway/internal/interfaces/http/handlers"
	"github.com/dgfacade/gateway/internal/registry"
	"github.com/dgfacade/gateway/internal/worker"
)

// clusterLoad adapts the supervisor and registry into the load figures
// heartbeats advertise.
type clusterLoad struct {
	sup *worker.Supervisor
	reg *registry.HandlerRegistry
}

func (l clusterLoad) ActiveHandlers() int64    { return int64(l.sup.LiveCount()) }
func (l clusterLoad) RequestsProcessed() int64 { return l.sup.Completed() }
func (l clusterLoad) HandlerTypes() []string   { return l.reg.Types() }

// reloadAll rereads the config tree and credentials, then reconciles
// the running ingesters against the new declarations. The registry
// picks up the new snapshot lazily on its next lookup.
func reloadAll(store *config.Store, users *auth.Store, ingesters *ingest.Manager) handlers.ReloadFunc {
	return func(ctx context.Context) (map[string]interface{}, error) {
		if err := store.Reload(); err != nil {
			return nil, err
		}
		if err := users.Reload(); err != nil {
			return nil, err
		}
		ingesters.Refresh(ctx)

		snap := store.Snapshot()
		return map[string]interface{}{
			"handlers":  len(snap.Handlers),
			"brokers":   len(snap.Brokers),
			"chains":    len(snap.Chains),
			"ingesters": ingesters.Count(),
			"users":     users.Users(),
			"api_keys":  users.Keys(),
		}, nil
	}
}

// Package artifacts persists the files handlers produce and hands back
// a URI per artifact. The local backend writes under one directory;
// the minio backend targets a bucket. Either way the URI lands in the
// handler state, so whatever reads the history can find the bytes.
package artifacts

import (
	"context"

	"github.com/dgfacade/gateway/internal/config"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	apperrors "github.com/dgfacade/gateway/pkg/errors"
)

// Store persists named artifacts per request.
type Store interface {
	// Put stores one artifact and returns its URI.
	Put(ctx context.Context, requestID, name string, data []byte) (string, error)

	// Get reads an artifact back by the URI Put returned.
	Get(ctx context.Context, uri string) ([]byte, error)

	Close() error
}

// New builds the configured backend. The "none" backend returns a nil
// store; wiring then simply never offers artifact support to handlers.
func New(cfg config.ArtifactsConfig, logger logging.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "local":
		return NewLocalStore(cfg.LocalDir, logger)
	case "minio":
		return NewMinioStore(cfg, logger)
	default:
		return nil, apperrors.Newf(apperrors.ErrCodeValidation, "unknown artifacts backend %q", cfg.Backend)
	}
}

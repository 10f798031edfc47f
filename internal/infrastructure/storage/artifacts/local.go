package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	apperrors "github.com/dgfacade/gateway/pkg/errors"
)

// LocalStore writes artifacts under root/<request_id>/<name> and
// returns file:// URIs.
type LocalStore struct {
	root   string
	logger logging.Logger
}

func NewLocalStore(root string, logger logging.Logger) (*LocalStore, error) {
	if logger == nil {
		logger = logging.Default()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "resolving artifacts dir")
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "creating artifacts dir")
	}
	return &LocalStore{root: abs, logger: logger.Named("artifacts")}, nil
}

func (s *LocalStore) Put(_ context.Context, requestID, name string, data []byte) (string, error) {
	dir := filepath.Join(s.root, sanitize(requestID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeInternal, "creating artifact dir")
	}
	path := filepath.Join(dir, sanitize(name))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeInternal, "writing artifact")
	}
	s.logger.Debug("artifact stored",
		logging.RequestID(requestID),
		logging.String("path", path),
		logging.Int("bytes", len(data)))
	return "file://" + path, nil
}

func (s *LocalStore) Get(_ context.Context, uri string) ([]byte, error) {
	path := strings.TrimPrefix(uri, "file://")
	abs, err := filepath.Abs(path)
	if err != nil || !strings.HasPrefix(abs, s.root+string(filepath.Separator)) {
		return nil, apperrors.Newf(apperrors.ErrCodeValidation, "uri %q is outside the artifacts dir", uri)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.Newf(apperrors.ErrCodeNotFound, "no artifact at %q", uri)
		}
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "reading artifact")
	}
	return data, nil
}

func (s *LocalStore) Close() error { return nil }

// sanitize strips any path structure out of caller-supplied names.
func sanitize(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "artifact"
	}
	return name
}

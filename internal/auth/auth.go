// Package auth resolves in-envelope API keys to users and enforces the
// per-request-type ACL. Credentials live in two flat JSON arrays,
// users.json and apikeys.json, loaded into an immutable snapshot that
// Reload swaps atomically, so authorization never observes a half-read
// credential set.
package auth

import (
	"encoding/json"
	"os"
	"strings"
	"sync/atomic"

	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	apperrors "github.com/dgfacade/gateway/pkg/errors"
)

// Wildcard grants a user every request type.
const Wildcard = "*"

// User is one principal requests resolve to.
type User struct {
	UserID              string   `json:"user_id"`
	Name                string   `json:"name,omitempty"`
	Enabled             bool     `json:"enabled"`
	AllowedRequestTypes []string `json:"allowed_request_types"`
}

// APIKey binds one credential to a user.
type APIKey struct {
	Key         string `json:"api_key"`
	UserID      string `json:"user_id"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description,omitempty"`
}

// snapshot is the immutable resolved credential set.
type snapshot struct {
	users map[string]*User
	keys  map[string]*APIKey

	// allow maps user_id to its permitted request types; the Wildcard
	// entry marks unrestricted users.
	allow map[string]map[string]struct{}
}

// Store loads and serves the credential files.
type Store struct {
	usersPath string
	keysPath  string
	logger    logging.Logger

	snap atomic.Value // *snapshot
}

// NewStore builds a store over the two credential files. Call Load
// before the first Authorize.
func NewStore(usersPath, keysPath string, logger logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Store{
		usersPath: usersPath,
		keysPath:  keysPath,
		logger:    logger.Named("auth"),
	}
	s.snap.Store(emptySnapshot())
	return s
}

// Load parses both files and publishes a new snapshot. A missing file
// is treated as an empty credential set with a warning: the gateway
// still serves its unauthenticated surfaces, and every envelope key is
// rejected until credentials appear. Parse errors keep the previous
// snapshot.
func (s *Store) Load() error {
	var users []*User
	if err := readJSONArray(s.usersPath, &users); err != nil {
		if !os.IsNotExist(err) {
			return apperrors.Wrap(err, apperrors.ErrCodeConfigUnreadable, "loading "+s.usersPath)
		}
		s.logger.Warn("users file missing, no user can authorize", logging.String("path", s.usersPath))
	}
	var keys []*APIKey
	if err := readJSONArray(s.keysPath, &keys); err != nil {
		if !os.IsNotExist(err) {
			return apperrors.Wrap(err, apperrors.ErrCodeConfigUnreadable, "loading "+s.keysPath)
		}
		s.logger.Warn("apikeys file missing, no key can authorize", logging.String("path", s.keysPath))
	}

	snap := emptySnapshot()
	for _, u := range users {
		if strings.TrimSpace(u.UserID) == "" {
			s.logger.Warn("user entry without user_id skipped")
			continue
		}
		if _, dup := snap.users[u.UserID]; dup {
			s.logger.Warn("duplicate user_id, later entry wins", logging.String("user_id", u.UserID))
		}
		snap.users[u.UserID] = u

		allowed := make(map[string]struct{}, len(u.AllowedRequestTypes))
		for _, rt := range u.AllowedRequestTypes {
			rt = strings.TrimSpace(rt)
			if rt == "" {
				continue
			}
			if rt == Wildcard {
				allowed[Wildcard] = struct{}{}
				continue
			}
			allowed[strings.ToUpper(rt)] = struct{}{}
		}
		snap.allow[u.UserID] = allowed
	}
	for _, k := range keys {
		if strings.TrimSpace(k.Key) == "" || strings.TrimSpace(k.UserID) == "" {
			s.logger.Warn("api key entry without key or user_id skipped")
			continue
		}
		if _, dup := snap.keys[k.Key]; dup {
			s.logger.Warn("duplicate api key, later entry wins", logging.String("user_id", k.UserID))
		}
		snap.keys[k.Key] = k
	}

	s.snap.Store(snap)
	s.logger.Info("credentials loaded",
		logging.Int("users", len(snap.users)),
		logging.Int("api_keys", len(snap.keys)))
	return nil
}

// Reload is Load under its externally-visible name.
func (s *Store) Reload() error { return s.Load() }

// Authorize resolves apiKey and checks it may submit requestType.
// Returns the resolved user id. The failure message never reveals
// which link of the chain broke for an unknown or disabled credential.
func (s *Store) Authorize(apiKey, requestType string) (string, error) {
	snap := s.snap.Load().(*snapshot)

	key, ok := snap.keys[apiKey]
	if !ok || !key.Enabled {
		return "", apperrors.New(apperrors.ErrCodeUnauthorized, "api key rejected")
	}
	user, ok := snap.users[key.UserID]
	if !ok || !user.Enabled {
		return "", apperrors.New(apperrors.ErrCodeUnauthorized, "api key rejected")
	}

	allowed := snap.allow[user.UserID]
	if _, any := allowed[Wildcard]; any {
		return user.UserID, nil
	}
	if _, ok := allowed[strings.ToUpper(strings.TrimSpace(requestType))]; ok {
		return user.UserID, nil
	}
	return "", apperrors.Newf(apperrors.ErrCodeForbidden,
		"user %q may not submit %q", user.UserID, requestType)
}

// ResolveKey returns the user id behind an enabled key without any ACL
// check. Used by surfaces that authenticate but route themselves.
func (s *Store) ResolveKey(apiKey string) (string, bool) {
	snap := s.snap.Load().(*snapshot)
	key, ok := snap.keys[apiKey]
	if !ok || !key.Enabled {
		return "", false
	}
	user, ok := snap.users[key.UserID]
	if !ok || !user.Enabled {
		return "", false
	}
	return user.UserID, true
}

// Users returns the number of loaded users. Health reporting only.
func (s *Store) Users() int {
	return len(s.snap.Load().(*snapshot).users)
}

// Keys returns the number of loaded api keys. Health reporting only.
func (s *Store) Keys() int {
	return len(s.snap.Load().(*snapshot).keys)
}

func emptySnapshot() *snapshot {
	return &snapshot{
		users: make(map[string]*User),
		keys:  make(map[string]*APIKey),
		allow: make(map[string]map[string]struct{}),
	}
}

func readJSONArray(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

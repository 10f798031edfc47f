package config

import (
	"bufio"
	"os"
	"regexp"
	"strings"
	"sync"

	apperrors "github.com/dgfacade/gateway/pkg/errors"
)

// placeholderRe matches ${key} and ${key:default}.  The default part
// may be empty and may itself contain colons.
var placeholderRe = regexp.MustCompile(`\$\{([^}:\s]+)(?::([^}]*))?\}`)

// Resolver substitutes ${key} placeholders in config values.  Lookup
// order per key: in-process overrides, the loaded properties file, the
// OS environment, then the inline default.  A placeholder that resolves
// nowhere is an error; the gateway refuses to start on one.
type Resolver struct {
	mu        sync.RWMutex
	overrides map[string]string
	fileProps map[string]string
}

// NewResolver returns an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{
		overrides: make(map[string]string),
		fileProps: make(map[string]string),
	}
}

// SetOverride registers an in-process value that wins over every other
// source.  Used by flags and tests.
func (r *Resolver) SetOverride(key, value string) {
	r.mu.Lock()
	r.overrides[key] = value
	r.mu.Unlock()
}

// LoadPropertiesFile reads a key=value properties file.  Blank lines
// and lines starting with # or ! are ignored; values keep embedded
// equals signs.  Missing file with empty path is not an error.
func (r *Resolver) LoadPropertiesFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeConfigUnreadable, "cannot open properties file "+path)
	}
	defer f.Close()

	props := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		props[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeConfigUnreadable, "cannot read properties file "+path)
	}

	r.mu.Lock()
	r.fileProps = props
	r.mu.Unlock()
	return nil
}

// Lookup walks the waterfall for one key, without inline defaults.
func (r *Resolver) Lookup(key string) (string, bool) {
	r.mu.RLock()
	if v, ok := r.overrides[key]; ok {
		r.mu.RUnlock()
		return v, true
	}
	if v, ok := r.fileProps[key]; ok {
		r.mu.RUnlock()
		return v, true
	}
	r.mu.RUnlock()

	if v, ok := os.LookupEnv(key); ok {
		return v, true
	}
	return "", false
}

// ResolveString substitutes every placeholder in s.  Returns
// CodePlaceholderUnresolved naming the first key that resolves nowhere
// and has no inline default.
func (r *Resolver) ResolveString(s string) (string, error) {
	var firstErr error
	out := placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		groups := placeholderRe.FindStringSubmatch(match)
		key := groups[1]
		if v, ok := r.Lookup(key); ok {
			return v
		}
		// groups[2] is the inline default; distinguish "absent" from
		// "present but empty" by the raw match containing a colon.
		if strings.Contains(match, ":") {
			return groups[2]
		}
		if firstErr == nil {
			firstErr = apperrors.New(apperrors.ErrCodePlaceholderUnresolved,
				"placeholder ${"+key+"} could not be resolved")
		}
		return match
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// ResolveValue walks maps, slices, and strings recursively, resolving
// placeholders in every string leaf.  Non-string leaves pass through.
func (r *Resolver) ResolveValue(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return r.ResolveString(val)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			resolved, err := r.ResolveValue(inner)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			resolved, err := r.ResolveValue(inner)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// Package secrets implements the Secret Resolver (spec.md §4.2): loading a
// .env-format file into memory, substituting {{secret:KEY}} templates into
// tool parameters, and masking secret values before they ever reach an
// audit record.
package secrets

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/hostbridge-dev/hostbridge/core"
)

var templatePattern = regexp.MustCompile(`\{\{secret:([A-Za-z_][A-Za-z0-9_]*)\}\}`)

// Resolver holds the loaded secret set and resolves templates against it.
// Safe for concurrent use.
type Resolver struct {
	mu     sync.RWMutex
	path   string
	values map[string]string
}

// New loads path (a .env-format file) and returns a Resolver bound to it. A
// missing file is not an error — it yields an empty secret set, matching
// the original implementation's tolerant bootstrap.
func New(path string) (*Resolver, error) {
	r := &Resolver{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the secrets file from disk, replacing the in-memory set
// atomically.
func (r *Resolver) Reload() error {
	const op = "secrets.Reload"

	values := map[string]string{}

	if r.path != "" {
		f, err := os.Open(r.path)
		if err != nil {
			if !os.IsNotExist(err) {
				return core.Wrap(core.KindInternal, op, err)
			}
		} else {
			defer f.Close()
			scanner := bufio.NewScanner(f)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" || strings.HasPrefix(line, "#") {
					continue
				}
				key, val, ok := parseEnvLine(line)
				if !ok {
					continue
				}
				values[key] = val
			}
			if err := scanner.Err(); err != nil {
				return core.Wrap(core.KindInternal, op, err)
			}
		}
	}

	r.mu.Lock()
	r.values = values
	r.mu.Unlock()
	return nil
}

// parseEnvLine splits a KEY=VALUE line, stripping a single layer of
// matching quotes from the value as the .env convention allows.
func parseEnvLine(line string) (key, value string, ok bool) {
	idx := strings.IndexByte(line, '=')
	if idx < 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:idx])
	value = strings.TrimSpace(line[idx+1:])
	if key == "" {
		return "", "", false
	}
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	return key, value, true
}

// ListKeys returns the loaded secret names, never their values.
func (r *Resolver) ListKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.values))
	for k := range r.values {
		keys = append(keys, k)
	}
	return keys
}

// Count returns the number of loaded secrets.
func (r *Resolver) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.values)
}

// HasTemplates reports whether s contains at least one {{secret:KEY}}
// placeholder.
func HasTemplates(s string) bool {
	return templatePattern.MatchString(s)
}

// Resolve substitutes every {{secret:KEY}} occurrence in s with the loaded
// value for KEY. It returns core.KindSecretNotFound if any referenced key
// is not loaded — resolution is all-or-nothing per spec.md §4.2.
func (r *Resolver) Resolve(s string) (string, error) {
	const op = "secrets.Resolve"

	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing string
	result := templatePattern.ReplaceAllStringFunc(s, func(match string) string {
		sub := templatePattern.FindStringSubmatch(match)
		key := sub[1]
		val, ok := r.values[key]
		if !ok {
			missing = key
			return match
		}
		return val
	})

	if missing != "" {
		return "", core.NewError(core.KindSecretNotFound, op, fmt.Sprintf("secret %q is not loaded", missing))
	}
	return result, nil
}

// ResolveParams walks a parameter map, resolving {{secret:KEY}} templates in
// every string value (recursing into nested maps/slices), and returns a new
// map — the original is left untouched so the pre-resolution form remains
// available for audit capture.
func (r *Resolver) ResolveParams(params map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		resolved, err := r.resolveValue(v)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

func (r *Resolver) resolveValue(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return r.Resolve(val)
	case map[string]interface{}:
		return r.ResolveParams(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			resolved, err := r.resolveValue(item)
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

// Mask returns s with every loaded secret value occurring in it replaced by
// "***". Used right before a record is written to the audit store — never
// before, and never on the copy passed to the tool itself.
func (r *Resolver) Mask(s string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	masked := s
	for _, val := range r.values {
		if val == "" {
			continue
		}
		masked = strings.ReplaceAll(masked, val, "***")
	}
	return masked
}

// MaskParams returns a deep copy of params with every string value passed
// through Mask.
func (r *Resolver) MaskParams(params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = r.maskValue(v)
	}
	return out
}

func (r *Resolver) maskValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return r.Mask(val)
	case map[string]interface{}:
		return r.MaskParams(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = r.maskValue(item)
		}
		return out
	default:
		return v
	}
}

// Package workspace implements the sandbox every filesystem and shell tool
// builds upon: canonicalising caller-supplied paths against a root
// directory and rejecting any path that would escape it.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hostbridge-dev/hostbridge/core"
)

// DiskUsage is the total/used/free triple returned by Info.
type DiskUsage struct {
	Total uint64
	Used  uint64
	Free  uint64
}

// Resolver is the Workspace Resolver (spec.md §4.1). It is initialised once
// with a sandbox root, canonicalised at construction time; every resolve
// call re-canonicalises the caller's path so a symlink created after
// startup is still caught.
type Resolver struct {
	root string
}

// New canonicalises root (creating it if necessary) and returns a Resolver
// bound to it.
func New(root string) (*Resolver, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, core.Wrap(core.KindInternal, "workspace.New", err)
	}
	canon, err := canonicalize(root)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "workspace.New", err)
	}
	return &Resolver{root: canon}, nil
}

// Root returns the canonical sandbox root.
func (r *Resolver) Root() string { return r.root }

// Resolve canonicalises userPath against the effective root (overrideRoot
// if supplied and valid, else the sandbox root) and verifies the result is
// the root or a descendant of it. See spec.md §4.1 for the full contract.
func (r *Resolver) Resolve(userPath string, overrideRoot string) (string, error) {
	const op = "workspace.Resolve"

	if strings.ContainsRune(userPath, 0) {
		return "", core.NewError(core.KindInvalidParam, op, "path contains a null byte")
	}

	effectiveRoot := r.root
	if overrideRoot != "" {
		canonOverride, err := canonicalize(overrideRoot)
		if err != nil {
			return "", core.NewError(core.KindSecurity, op, fmt.Sprintf("override root %q does not exist", overrideRoot))
		}
		if !withinRoot(canonOverride, r.root) {
			return "", core.NewError(core.KindSecurity, op, fmt.Sprintf("override root %q escapes sandbox root %q", overrideRoot, r.root))
		}
		effectiveRoot = canonOverride
	}

	var target string
	if filepath.IsAbs(userPath) {
		target = userPath
	} else {
		target = filepath.Join(effectiveRoot, userPath)
	}

	resolved, err := canonicalize(target)
	if err != nil {
		// The path (or a component of it) may not exist yet, e.g. a file
		// about to be written. Fall back to canonicalising the deepest
		// ancestor that does exist, then re-append the missing tail.
		resolved, err = canonicalizeBestEffort(target)
		if err != nil {
			return "", core.Wrap(core.KindSecurity, op, err)
		}
	}

	if !withinRoot(resolved, effectiveRoot) {
		return "", core.NewError(core.KindSecurity, op,
			fmt.Sprintf("path %q resolves to %q which escapes workspace boundary %q", userPath, resolved, effectiveRoot))
	}

	return resolved, nil
}

// IsWithin reports whether path, once canonicalised, is the sandbox root or
// a descendant of it.
func (r *Resolver) IsWithin(path string) bool {
	resolved, err := canonicalize(path)
	if err != nil {
		resolved, err = canonicalizeBestEffort(path)
		if err != nil {
			return false
		}
	}
	return withinRoot(resolved, r.root)
}

// Info returns the sandbox root and its disk usage triple.
func (r *Resolver) Info() (string, DiskUsage, error) {
	usage, err := diskUsage(r.root)
	if err != nil {
		return r.root, DiskUsage{}, core.Wrap(core.KindInternal, "workspace.Info", err)
	}
	return r.root, usage, nil
}

// canonicalize resolves symlinks and returns an absolute, cleaned path.
// Every path component must already exist.
func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	return resolved, nil
}

// canonicalizeBestEffort canonicalises the deepest existing ancestor of
// path (following its symlinks) and rejoins the non-existent tail, so that
// resolve() can validate a path whose final component does not exist yet
// (e.g. a file about to be created).
func canonicalizeBestEffort(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	var tail []string
	dir := abs
	for {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			joined := append([]string{resolved}, tail...)
			return filepath.Join(joined...), nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no existing ancestor for %q", path)
		}
		tail = append([]string{filepath.Base(dir)}, tail...)
		dir = parent
	}
}

// withinRoot reports whether resolved equals root or has root + separator
// as a prefix — the universal sandbox test (spec.md §8 property 1).
func withinRoot(resolved, root string) bool {
	if resolved == root {
		return true
	}
	return strings.HasPrefix(resolved, root+string(filepath.Separator))
}

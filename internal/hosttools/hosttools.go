// Package hosttools resolves the concrete executable name implementing
// a named operation (status, stop) within a host-artifacts directory.
// Different device builds ship helpers under different historical
// names; Manager probes a configured precedence list and memoizes the
// winner per (path, op), since artifacts directories are effectively
// immutable during a daemon's lifetime.
package hosttools

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/cuttlefish-host/cvdd/internal/cvderr"
)

// Op names a host-tool operation, e.g. "status" or "stop".
type Op string

const (
	OpStatus Op = "status"
	OpStop   Op = "stop"
)

// Manager resolves (artifactsPath, op) to an absolute executable path.
type Manager struct {
	candidates map[Op][]string
	resolved   sync.Map // key{artifactsPath, op} -> string (absolute path)
}

type key struct {
	artifactsPath string
	op            Op
}

// NewManager builds a Manager with a candidate-name precedence list per
// operation. candidates values are tried in order; the first name that
// exists and is executable under <artifactsPath>/bin wins.
func NewManager(candidates map[Op][]string) *Manager {
	cp := make(map[Op][]string, len(candidates))
	for op, names := range candidates {
		cp[op] = append([]string(nil), names...)
	}
	return &Manager{candidates: cp}
}

// DefaultManager returns a Manager configured with the historical
// candidate names for status and stop.
func DefaultManager() *Manager {
	return NewManager(map[Op][]string{
		OpStatus: {"cvd_internal_status", "status"},
		OpStop:   {"cvd_internal_stop", "stop"},
	})
}

// Resolve returns the absolute path of the executable implementing op
// within artifactsPath, probing the precedence list on first use and
// memoizing the result thereafter. Fails with NotFound if none of the
// candidates exist and are executable.
func (m *Manager) Resolve(artifactsPath string, op Op) (string, error) {
	k := key{artifactsPath: artifactsPath, op: op}
	if v, ok := m.resolved.Load(k); ok {
		return v.(string), nil
	}

	names, ok := m.candidates[op]
	if !ok || len(names) == 0 {
		return "", cvderr.NotFoundf("no candidate names configured for op %q", op)
	}

	binDir := filepath.Join(artifactsPath, "bin")
	for _, name := range names {
		candidate := filepath.Join(binDir, name)
		if isExecutable(candidate) {
			m.resolved.Store(k, candidate)
			return candidate, nil
		}
	}
	return "", cvderr.NotFoundf("no executable candidate for op %q under %s", op, binDir)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}

// Package lockfile serializes exclusive ownership of numbered instance
// slots across every cvdd process on the host, using advisory flock(2)
// locks on well-known files under a configured run directory.
package lockfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/cuttlefish-host/cvdd/internal/cvderr"
)

// InUseState is the one-byte marker a held lock writes to its backing
// file so peer daemons can observe slot state without acquiring it.
type InUseState byte

const (
	StateNotInUse        InUseState = 0
	StateBeingPrepared   InUseState = 1
	StateInUseLocal      InUseState = 2
	StateInUseOther      InUseState = 3
)

// lockDirName is the fixed subdirectory name under the run directory.
const lockDirName = "cvd_locks"

// SlotPath returns the backing file path for a slot under a cvd_locks
// directory that lives inside runDir.
func SlotPath(runDir string, slot int) string {
	return filepath.Join(runDir, lockDirName, fmt.Sprintf("local-instance-%d.lock", slot))
}

// Manager owns the host-global directory of per-slot lock files. The
// run directory is an explicit constructor parameter rather than
// package global state, per the daemon's dependency-injection
// convention.
type Manager struct {
	runDir   string
	locksDir string
	maxSlots int
}

// NewManager constructs a lock manager rooted at runDir, with slots
// numbered 1..maxSlots (inclusive). It does not create the directory;
// that happens lazily on first acquire.
func NewManager(runDir string, maxSlots int) *Manager {
	return &Manager{runDir: runDir, locksDir: filepath.Join(runDir, lockDirName), maxSlots: maxSlots}
}

// MaxSlots returns the configured slot upper bound.
func (m *Manager) MaxSlots() int { return m.maxSlots }

// Handle represents ownership of one numbered slot. The zero value is
// not usable; obtain one via TryAcquireLock/TryAcquireUnusedLock.
type Handle struct {
	mu     sync.Mutex
	slot   int
	file   *os.File
	closed bool
}

// Slot returns the numbered slot this handle owns.
func (h *Handle) Slot() int { return h.slot }

// TryAcquireLock attempts a non-blocking exclusive lock on the given
// slot. Returns (nil, false, nil) on contention — contention is not an
// error. Returns an *cvderr.Error with code IOError if the directory
// or file cannot be created/opened.
func (m *Manager) TryAcquireLock(slot int) (*Handle, bool, error) {
	if slot < 1 || slot > m.maxSlots {
		return nil, false, cvderr.InvalidArgumentf("slot %d out of range 1..%d", slot, m.maxSlots)
	}

	if err := os.MkdirAll(m.locksDir, 0755); err != nil {
		return nil, false, cvderr.IOErrorf(err, "create lock directory %s", m.locksDir)
	}

	path := SlotPath(m.runDir, slot)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, false, cvderr.IOErrorf(err, "open lock file %s", path)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
			return nil, false, nil
		}
		return nil, false, cvderr.IOErrorf(err, "flock %s", path)
	}

	h := &Handle{slot: slot, file: f}
	if err := h.SetStatus(StateBeingPrepared); err != nil {
		h.Release()
		return nil, false, err
	}
	return h, true, nil
}

// TryAcquireUnusedLock scans slots 1..maxSlots ascending and returns
// the first one successfully acquired whose on-disk state marker is
// not-in-use. Slots whose marker reads anything else are skipped
// without an acquire attempt. Ties break toward the lowest slot number.
func (m *Manager) TryAcquireUnusedLock() (*Handle, bool, error) {
	for slot := 1; slot <= m.maxSlots; slot++ {
		state, err := Status(m.runDir, slot)
		if err != nil {
			return nil, false, err
		}
		if state != StateNotInUse {
			continue
		}
		h, ok, err := m.TryAcquireLock(slot)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			continue
		}
		return h, true, nil
	}
	return nil, false, nil
}

// SetStatus writes the one-byte state marker atomically (write-through).
func (h *Handle) SetStatus(state InUseState) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return cvderr.Internalf("lock handle for slot %d already released", h.slot)
	}
	if _, err := h.file.Seek(0, 0); err != nil {
		return cvderr.IOErrorf(err, "seek lock file for slot %d", h.slot)
	}
	if _, err := h.file.Write([]byte{byte(state)}); err != nil {
		return cvderr.IOErrorf(err, "write lock state for slot %d", h.slot)
	}
	return h.file.Sync()
}

// Status reads the current on-disk state marker without acquiring the
// lock — used by observers that only need to know occupancy.
func Status(runDir string, slot int) (InUseState, error) {
	path := SlotPath(runDir, slot)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return StateNotInUse, nil
		}
		return 0, cvderr.IOErrorf(err, "read lock state %s", path)
	}
	if len(data) == 0 {
		return StateNotInUse, nil
	}
	return InUseState(data[0]), nil
}

// Release releases the lock, flushing a final not-in-use marker first.
// Idempotent: safe to call more than once, or from a deferred Release
// after an earlier explicit call.
func (h *Handle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	_, _ = h.file.Seek(0, 0)
	_, _ = h.file.Write([]byte{byte(StateNotInUse)})
	_ = h.file.Sync()
	err := unix.Flock(int(h.file.Fd()), unix.LOCK_UN)
	closeErr := h.file.Close()
	h.closed = true
	if err != nil {
		return cvderr.IOErrorf(err, "unlock slot %d", h.slot)
	}
	if closeErr != nil {
		return cvderr.IOErrorf(closeErr, "close lock file for slot %d", h.slot)
	}
	return nil
}

// Package lockmanager implements the Instance Lock Manager (C2): a
// cooperative, TTL-bounded lock over a named resource (a symbol, a
// strategy, a whole bot instance) so two processes never act on the same
// resource at once. Locks live as files under store/locks/, each guarded
// additionally by an OS-level advisory flock on the lock file itself so a
// hard crash doesn't leave a stale advisory lock held by a dead PID.
package lockmanager

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"botcore/internal/errs"
)

// BusyHolder describes who currently holds a resource's lease, returned
// programmatically from a failed Acquire so a caller (or the chat
// control surface) can report exactly who is blocking and since when,
// instead of parsing it back out of an error string.
type BusyHolder struct {
	HolderID   string    `json:"holder_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// BusyError is the error Acquire returns (wrapped as errs.Safety) when
// resource is already held by a different, unexpired holder. Use
// errors.As to recover the Holder detail.
type BusyError struct {
	Resource string
	Holder   BusyHolder
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("resource %q held by %q since %s", e.Resource, e.Holder.HolderID, e.Holder.AcquiredAt.Format(time.RFC3339))
}

// Lease represents a held lock.
type Lease struct {
	Resource   string    `json:"resource"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`

	path string
	fd   int
}

// Manager owns the locks/ directory and the heartbeat/reaper loops that
// keep leases fresh and reclaim expired ones.
type Manager struct {
	dir string
	ttl time.Duration

	mu     sync.Mutex
	held   map[string]*Lease
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Manager rooted at dir (store/locks/) with the given
// lease TTL. The heartbeat interval is passed to StartHeartbeat
// separately (well under ttl, typically ttl/3).
func New(dir string, ttl time.Duration) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.Persistence, "lockmanager.New", err)
	}
	return &Manager{
		dir:    dir,
		ttl:    ttl,
		held:   make(map[string]*Lease),
		stopCh: make(chan struct{}),
	}, nil
}

func resourceKey(resource string) string {
	sum := sha256.Sum256([]byte(resource))
	return hex.EncodeToString(sum[:])
}

func (m *Manager) lockPath(resource string) string {
	return filepath.Join(m.dir, resourceKey(resource)+".lock")
}

// Acquire attempts to take the lease for resource on behalf of holder. It
// fails immediately (errs.Safety) if another holder's lease has not
// expired; it never blocks.
func (m *Manager) Acquire(resource, holder string) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.lockPath(resource)

	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.Persistence, "lockmanager.Acquire", err)
	}

	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		existing := readLeaseFile(path)
		unix.Close(fd)
		if existing != nil {
			return nil, errs.Wrap(errs.Safety, "lockmanager.Acquire",
				&BusyError{Resource: resource, Holder: BusyHolder{HolderID: existing.Holder, AcquiredAt: existing.AcquiredAt}})
		}
		return nil, errs.Wrap(errs.Safety, "lockmanager.Acquire", fmt.Errorf("resource %q is locked by another process", resource))
	}

	if existing := readLeaseFile(path); existing != nil && existing.Holder != holder && time.Now().Before(existing.ExpiresAt) {
		unix.Flock(fd, unix.LOCK_UN)
		unix.Close(fd)
		return nil, errs.Wrap(errs.Safety, "lockmanager.Acquire",
			&BusyError{Resource: resource, Holder: BusyHolder{HolderID: existing.Holder, AcquiredAt: existing.AcquiredAt}})
	}

	now := time.Now()
	lease := &Lease{
		Resource:   resource,
		Holder:     holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.ttl),
		path:       path,
		fd:         fd,
	}
	if err := writeLeaseFile(path, lease); err != nil {
		unix.Flock(fd, unix.LOCK_UN)
		unix.Close(fd)
		return nil, err
	}

	m.held[resource] = lease
	return lease, nil
}

// Release gives up a held lease and removes the OS-level flock.
func (m *Manager) Release(resource string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lease, ok := m.held[resource]
	if !ok {
		return errs.Wrap(errs.Contract, "lockmanager.Release", fmt.Errorf("resource %q not held by this manager", resource))
	}

	delete(m.held, resource)
	os.Remove(lease.path)
	unix.Flock(lease.fd, unix.LOCK_UN)
	return unix.Close(lease.fd)
}

// HeartbeatOutcome reports what happened to a Heartbeat call.
type HeartbeatOutcome int

const (
	// HeartbeatRenewed means the lease's ExpiresAt was extended.
	HeartbeatRenewed HeartbeatOutcome = iota
	// HeartbeatLost means holder does not hold resource under this
	// manager: it was never acquired here, was released, or is held by
	// a different holder. A lease this manager still holds is renewed
	// even if it had already expired.
	HeartbeatLost
)

// Heartbeat refreshes a held lease's ExpiresAt, extending it by ttl, but
// only if holder is still the resource's current holder. A mismatch
// (including no lease held at all) reports HeartbeatLost instead of
// blindly trusting whichever caller happens to invoke it.
func (m *Manager) Heartbeat(resource, holder string) (HeartbeatOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lease, ok := m.held[resource]
	if !ok || lease.Holder != holder {
		return HeartbeatLost, errs.Wrap(errs.Contract, "lockmanager.Heartbeat",
			fmt.Errorf("resource %q not held by %q", resource, holder))
	}
	lease.ExpiresAt = time.Now().Add(m.ttl)
	if err := writeLeaseFile(lease.path, lease); err != nil {
		return HeartbeatLost, err
	}
	return HeartbeatRenewed, nil
}

func readLeaseFile(path string) *Lease {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return nil
	}
	var l Lease
	if err := json.Unmarshal(data, &l); err != nil {
		return nil
	}
	return &l
}

func writeLeaseFile(path string, lease *Lease) error {
	data, err := json.Marshal(lease)
	if err != nil {
		return errs.Wrap(errs.Contract, "lockmanager.writeLeaseFile", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errs.Wrap(errs.Persistence, "lockmanager.writeLeaseFile", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.Wrap(errs.Persistence, "lockmanager.writeLeaseFile", err)
	}
	return nil
}

// StartHeartbeat begins a background goroutine that re-heartbeats every
// held lease at interval until Stop is called. Grounded on a
// ticker-goroutine idiom in internal/cache/price_cache.go's
// cleanupExpired and internal/database/write_queue.go's processQueue.
func (m *Manager) StartHeartbeat(interval time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.mu.Lock()
				for resource := range m.held {
					lease := m.held[resource]
					lease.ExpiresAt = time.Now().Add(m.ttl)
					writeLeaseFile(lease.path, lease)
				}
				m.mu.Unlock()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// StartReaper begins a background goroutine that sweeps locks/ for
// lease files whose ExpiresAt has passed and removes them, so a crashed
// holder's resource becomes acquirable again without waiting for a
// manual cleanup.
func (m *Manager) StartReaper(interval time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.reapExpired()
			case <-m.stopCh:
				return
			}
		}
	}()
}

func (m *Manager) reapExpired() {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return
	}
	now := time.Now()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(m.dir, entry.Name())
		lease := readLeaseFile(path)
		if lease == nil {
			continue
		}
		if now.After(lease.ExpiresAt) {
			os.Remove(path)
		}
	}
}

// Stop halts the heartbeat and reaper goroutines and waits for them to exit.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

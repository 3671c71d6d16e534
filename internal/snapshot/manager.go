package snapshot

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/horcrux/vmcore/internal/hypervisor"
	"github.com/horcrux/vmcore/internal/storage"
	"github.com/horcrux/vmcore/internal/vmerr"
)

// HypervisorClient is the subset of hypervisor.Client the Manager needs.
// Declared as an interface so tests can substitute a fake.
type HypervisorClient interface {
	QueryRunState(ctx context.Context) (hypervisor.RunState, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	DumpMemory(ctx context.Context, path string, compression string) error
	StageMemoryDump(ctx context.Context, path string) error
}

// HypervisorFactory returns the control client for a given VM.
type HypervisorFactory func(vmid int) HypervisorClient

// Manager owns every Snapshot/DiskSnapshot record for every VM and their
// on-disk metadata. The on-disk files are authoritative; the in-memory
// index is a cache populated by LoadOnStart and kept current by Create/
// Delete/Restore.
type Manager struct {
	dir    string
	facade *storage.Facade
	hv     HypervisorFactory
	logger *log.Logger
	now    func() time.Time
	newID  func() string

	// MemoryCompression names the streaming compression used for memory
	// dumps (e.g. "zstd").
	MemoryCompression string

	mu      sync.RWMutex
	index   map[string]Snapshot
	vmLocks map[int]*sync.Mutex
}

// NewManager builds a Manager rooted at dir, which must be dedicated to
// this VM population's snapshot metadata and memory dumps.
func NewManager(dir string, facade *storage.Facade, hv HypervisorFactory) *Manager {
	return &Manager{
		dir:               dir,
		facade:            facade,
		hv:                hv,
		logger:            log.Default(),
		now:               time.Now,
		newID:             func() string { return uuid.NewString() },
		MemoryCompression: "zstd",
		index:             make(map[string]Snapshot),
		vmLocks:           make(map[int]*sync.Mutex),
	}
}

// WithLogger overrides the default logger.
func (m *Manager) WithLogger(l *log.Logger) *Manager {
	m.logger = l
	return m
}

func (m *Manager) lockVM(vmid int) func() {
	m.mu.Lock()
	l, ok := m.vmLocks[vmid]
	if !ok {
		l = &sync.Mutex{}
		m.vmLocks[vmid] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// LoadOnStart ensures the snapshot directory exists and populates the
// in-memory index from every *.json file in it. Files that fail to parse
// are logged and skipped, never deleted.
func (m *Manager) LoadOnStart() error {
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return fmt.Errorf("create snapshot dir %s: %w", m.dir, err)
	}
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("read snapshot dir %s: %w", m.dir, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(m.dir, e.Name())
		snap, err := readMetadata(path)
		if err != nil {
			m.logger.Printf("snapshot: skipping unreadable metadata %s: %v", path, err)
			continue
		}
		m.index[snap.ID] = snap
	}
	return nil
}

// rollbackDisks destroys every already-created disk snapshot, in reverse
// creation order, tolerating (and logging) individual failures so the
// caller's original error is preserved.
func (m *Manager) rollbackDisks(ctx context.Context, cfg VMConfig, created []DiskSnapshot) {
	for i := len(created) - 1; i >= 0; i-- {
		d := created[i]
		vol := storage.NewVolume(cfg.Disks[d.DiskIndex])
		if err := m.facade.Destroy(ctx, vol, d.Name); err != nil {
			m.logger.Printf("snapshot: rollback destroy of disk %d snapshot %s failed: %v", d.DiskIndex, d.Name, err)
		}
	}
}

// Create captures a new multi-disk (+ optional memory) snapshot of vmid.
// parentID, if non-empty, must name an existing snapshot of the same VM and
// becomes this snapshot's parent; a parent from a different VM is rejected.
// Parentage is fixed at creation time; there is no separate set-parent
// operation, so the snapshot tree stays a forest with no cycles.
func (m *Manager) Create(ctx context.Context, vmid int, cfg VMConfig, name, description string, includeMemory bool, parentID string) (Snapshot, error) {
	const op = "snapshot.Manager.Create"
	unlock := m.lockVM(vmid)
	defer unlock()

	if parentID != "" {
		parent, ok := m.Get(parentID)
		if !ok {
			return Snapshot{}, vmerr.New(vmerr.KindNotFound, op, fmt.Sprintf("parent snapshot %s not found", parentID))
		}
		if parent.VMID != vmid {
			return Snapshot{}, vmerr.New(vmerr.KindBadState, op, fmt.Sprintf("parent snapshot %s belongs to vm %d, not %d", parentID, parent.VMID, vmid))
		}
	}

	cli := m.hv(vmid)
	state, err := cli.QueryRunState(ctx)
	if err != nil {
		return Snapshot{}, vmerr.Wrap(vmerr.KindTransport, op, err)
	}

	var capture CaptureState
	var pausedByUs bool
	switch state {
	case hypervisor.RunStateRunning:
		if includeMemory {
			capture = CaptureRunningWithMemory
		} else {
			if err := cli.Pause(ctx); err != nil {
				return Snapshot{}, vmerr.Wrap(vmerr.KindTransport, op, err)
			}
			pausedByUs = true
			capture = CapturePaused
		}
	case hypervisor.RunStatePaused:
		capture = CapturePaused
	case hypervisor.RunStateStopped:
		capture = CaptureStopped
	default:
		return Snapshot{}, vmerr.New(vmerr.KindBadState, op, fmt.Sprintf("cannot snapshot vm in state %q", state))
	}

	cleanupCtx, cancelCleanup := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelCleanup()

	id := m.newID()
	created := make([]DiskSnapshot, 0, len(cfg.Disks))
	for i, diskPath := range cfg.Disks {
		vol := storage.NewVolume(diskPath)
		snapName := fmt.Sprintf("%s-disk%d", name, i)
		if err := m.facade.Snapshot(ctx, vol, snapName); err != nil {
			m.rollbackDisks(cleanupCtx, cfg, created)
			if pausedByUs {
				if rerr := cli.Resume(cleanupCtx); rerr != nil {
					m.logger.Printf("snapshot: resume after failed create of vm %d failed: %v", vmid, rerr)
				}
			}
			return Snapshot{}, vmerr.Wrap(vmerr.KindDriverFailure, op, err)
		}
		created = append(created, DiskSnapshot{DiskIndex: i, Family: string(vol.Family), Name: snapName})
	}

	if pausedByUs {
		if err := cli.Resume(ctx); err != nil {
			m.rollbackDisks(cleanupCtx, cfg, created)
			return Snapshot{}, vmerr.Wrap(vmerr.KindTransport, op, err)
		}
	}

	snap := Snapshot{
		ID:           id,
		VMID:         vmid,
		Name:         name,
		Description:  description,
		CreatedAt:    m.now(),
		ParentID:     parentID,
		CaptureState: capture,
		Disks:        created,
		Config:       cfg,
	}

	if capture == CaptureRunningWithMemory {
		memPath := filepath.Join(m.dir, fmt.Sprintf("%d-%s.mem", vmid, id))
		if err := cli.DumpMemory(ctx, memPath, m.MemoryCompression); err != nil {
			m.rollbackDisks(cleanupCtx, cfg, created)
			return Snapshot{}, vmerr.Wrap(vmerr.KindDriverFailure, op, err)
		}
		snap.MemoryDumpPath = memPath
	}

	if err := writeMetadata(m.dir, snap); err != nil {
		m.rollbackDisks(cleanupCtx, cfg, created)
		if snap.MemoryDumpPath != "" {
			os.Remove(snap.MemoryDumpPath)
		}
		return Snapshot{}, fmt.Errorf("%s: %w", op, err)
	}

	m.mu.Lock()
	m.index[id] = snap
	m.mu.Unlock()

	return snap, nil
}

// Delete removes a snapshot's disk snapshots, memory dump, and metadata,
// refusing if any other snapshot names it as parent.
func (m *Manager) Delete(ctx context.Context, id string) error {
	const op = "snapshot.Manager.Delete"
	snap, ok := m.Get(id)
	if !ok {
		return vmerr.New(vmerr.KindNotFound, op, fmt.Sprintf("snapshot %s not found", id))
	}
	unlock := m.lockVM(snap.VMID)
	defer unlock()

	snap, ok = m.Get(id)
	if !ok {
		return vmerr.New(vmerr.KindNotFound, op, fmt.Sprintf("snapshot %s not found", id))
	}

	m.mu.RLock()
	hasChild := false
	for _, other := range m.index {
		if other.ParentID == id {
			hasChild = true
			break
		}
	}
	m.mu.RUnlock()
	if hasChild {
		return vmerr.New(vmerr.KindHasChildren, op, fmt.Sprintf("snapshot %s has children; delete them first", id))
	}

	for _, d := range snap.Disks {
		vol := storage.NewVolume(snap.Config.Disks[d.DiskIndex])
		if err := m.facade.Destroy(ctx, vol, d.Name); err != nil {
			return vmerr.Wrap(vmerr.KindDriverFailure, op, err)
		}
	}

	if snap.MemoryDumpPath != "" {
		if err := os.Remove(snap.MemoryDumpPath); err != nil && !os.IsNotExist(err) {
			m.logger.Printf("snapshot: remove memory dump %s failed: %v", snap.MemoryDumpPath, err)
		}
	}

	if err := removeMetadata(m.dir, id); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	m.mu.Lock()
	delete(m.index, id)
	m.mu.Unlock()
	return nil
}

// Restore rolls the target VM's disks back to snap's captured state. The
// VM must be stopped. A destructive-family rollback may invalidate other
// snapshots on the same VM; their ids are reported in the result and they
// are removed from the index.
func (m *Manager) Restore(ctx context.Context, id string, restoreMemory bool) (RestoreResult, error) {
	const op = "snapshot.Manager.Restore"
	snap, ok := m.Get(id)
	if !ok {
		return RestoreResult{}, vmerr.New(vmerr.KindNotFound, op, fmt.Sprintf("snapshot %s not found", id))
	}
	unlock := m.lockVM(snap.VMID)
	defer unlock()

	snap, ok = m.Get(id)
	if !ok {
		return RestoreResult{}, vmerr.New(vmerr.KindNotFound, op, fmt.Sprintf("snapshot %s not found", id))
	}

	cli := m.hv(snap.VMID)
	state, err := cli.QueryRunState(ctx)
	if err != nil {
		return RestoreResult{}, vmerr.Wrap(vmerr.KindTransport, op, err)
	}
	if state != hypervisor.RunStateStopped {
		return RestoreResult{}, vmerr.New(vmerr.KindBadState, op, "vm must be stopped to restore a snapshot")
	}

	invalidatedNamesByIndex := make(map[int][]string, len(snap.Disks))
	for _, d := range snap.Disks {
		vol := storage.NewVolume(snap.Config.Disks[d.DiskIndex])
		inv, err := m.facade.Rollback(ctx, vol, d.Name)
		if err != nil {
			var remaining []string
			for _, rest := range snap.Disks {
				if rest.DiskIndex >= d.DiskIndex {
					remaining = append(remaining, fmt.Sprintf("disk%d", rest.DiskIndex))
				}
			}
			return RestoreResult{}, vmerr.Wrap(vmerr.KindPartialRestore, op,
				fmt.Errorf("rollback failed at disk %d, not yet rolled back: %v: %w", d.DiskIndex, remaining, err))
		}
		invalidatedNamesByIndex[d.DiskIndex] = inv
	}

	m.mu.Lock()
	var invalidatedIDs []string
	for otherID, other := range m.index {
		if otherID == id || other.VMID != snap.VMID {
			continue
		}
		for _, d := range other.Disks {
			names, ok := invalidatedNamesByIndex[d.DiskIndex]
			if !ok {
				continue
			}
			if containsStr(names, d.Name) {
				invalidatedIDs = append(invalidatedIDs, otherID)
				break
			}
		}
	}
	for _, iid := range invalidatedIDs {
		delete(m.index, iid)
	}
	m.mu.Unlock()

	for _, iid := range invalidatedIDs {
		if err := removeMetadata(m.dir, iid); err != nil {
			m.logger.Printf("snapshot: remove metadata for invalidated snapshot %s failed: %v", iid, err)
		}
	}

	if restoreMemory && snap.MemoryDumpPath != "" {
		if err := cli.StageMemoryDump(ctx, snap.MemoryDumpPath); err != nil {
			return RestoreResult{}, vmerr.Wrap(vmerr.KindTransport, op, err)
		}
	}

	sort.Strings(invalidatedIDs)
	return RestoreResult{Snapshot: snap, Invalidated: invalidatedIDs}, nil
}

// List returns every snapshot of vmid, ordered by creation time ascending.
func (m *Manager) List(vmid int) []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Snapshot
	for _, s := range m.index {
		if s.VMID == vmid {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Get returns a single snapshot by id.
func (m *Manager) Get(id string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.index[id]
	return s, ok
}

func containsStr(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

package snapshot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/horcrux/vmcore/internal/hypervisor"
	"github.com/horcrux/vmcore/internal/storage"
)

type fakeHV struct {
	state       hypervisor.RunState
	pauseCalls  int
	resumeCalls int
	dumpPath    string
	dumpErr     error
	stageErr    error
	trace       *[]string
}

func (f *fakeHV) QueryRunState(context.Context) (hypervisor.RunState, error) { return f.state, nil }
func (f *fakeHV) Pause(context.Context) error {
	f.pauseCalls++
	if f.trace != nil {
		*f.trace = append(*f.trace, "pause")
	}
	return nil
}
func (f *fakeHV) Resume(context.Context) error {
	f.resumeCalls++
	if f.trace != nil {
		*f.trace = append(*f.trace, "resume")
	}
	return nil
}
func (f *fakeHV) DumpMemory(_ context.Context, path string, _ string) error {
	f.dumpPath = path
	return f.dumpErr
}
func (f *fakeHV) StageMemoryDump(context.Context, string) error { return f.stageErr }

// fakeDriver is an in-memory storage.Driver that can be made to fail a
// specific disk index's Snapshot call, and tracks create/destroy order.
type fakeDriver struct {
	failSnapshotOnDisk map[int]error
	trace              *[]string
	snapshotted        map[string]bool
	rollbackInvalid    map[string][]string
}

func newFakeDriver(trace *[]string) *fakeDriver {
	return &fakeDriver{
		failSnapshotOnDisk: map[int]error{},
		trace:              trace,
		snapshotted:        map[string]bool{},
		rollbackInvalid:    map[string][]string{},
	}
}

func (d *fakeDriver) Snapshot(_ context.Context, vol storage.Volume, name string) error {
	if d.trace != nil {
		*d.trace = append(*d.trace, "snapshot:"+name)
	}
	d.snapshotted[vol.Path+"@"+name] = true
	return nil
}
func (d *fakeDriver) Destroy(_ context.Context, vol storage.Volume, name string) error {
	if d.trace != nil {
		*d.trace = append(*d.trace, "destroy:"+name)
	}
	delete(d.snapshotted, vol.Path+"@"+name)
	return nil
}
func (d *fakeDriver) Rollback(_ context.Context, vol storage.Volume, name string) ([]string, error) {
	return d.rollbackInvalid[vol.Path], nil
}

type failingSnapshotDriver struct {
	*fakeDriver
	failOnDiskName string
}

func (d *failingSnapshotDriver) Snapshot(ctx context.Context, vol storage.Volume, name string) error {
	if name == d.failOnDiskName {
		if d.trace != nil {
			*d.trace = append(*d.trace, "fail:"+name)
		}
		return errors.New("injected failure")
	}
	return d.fakeDriver.Snapshot(ctx, vol, name)
}

func newManager(t *testing.T, driver storage.Driver, hv HypervisorClient) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	facade := storage.NewFacade(map[storage.Family]storage.Driver{
		storage.FamilyCOWImage: driver,
	})
	m := NewManager(dir, facade, func(int) HypervisorClient { return hv })
	return m, dir
}

func cfgWithDisks(n int) VMConfig {
	cfg := VMConfig{}
	for i := 0; i < n; i++ {
		cfg.Disks = append(cfg.Disks, fakeDiskPath(i))
	}
	return cfg
}

func fakeDiskPath(i int) string {
	return "/srv/images/100-disk" + string(rune('0'+i)) + ".qcow2"
}

func TestCreateStoppedVMNoMemory(t *testing.T) {
	driver := newFakeDriver(nil)
	hv := &fakeHV{state: hypervisor.RunStateStopped}
	m, dir := newManager(t, driver, hv)

	snap, err := m.Create(context.Background(), 100, cfgWithDisks(1), "snap1", "", false, "")
	require.NoError(t, err)
	assert.Equal(t, CaptureStopped, snap.CaptureState)
	assert.Len(t, snap.Disks, 1)
	assert.Empty(t, snap.MemoryDumpPath)

	require.NoError(t, m.Delete(context.Background(), snap.ID))
	_, ok := m.Get(snap.ID)
	assert.False(t, ok)
	_, statErr := readMetadata(metadataPath(dir, snap.ID))
	assert.Error(t, statErr)
}

func TestCreateRunningVMWithoutMemoryPausesAndResumes(t *testing.T) {
	var trace []string
	driver := newFakeDriver(&trace)
	hv := &fakeHV{state: hypervisor.RunStateRunning, trace: &trace}
	m, _ := newManager(t, driver, hv)

	snap, err := m.Create(context.Background(), 100, cfgWithDisks(2), "snap1", "", false, "")
	require.NoError(t, err)
	assert.Equal(t, CapturePaused, snap.CaptureState)
	assert.Equal(t, []string{"pause", "snapshot:snap1-disk0", "snapshot:snap1-disk1", "resume"}, trace)
}

func TestCreateRunningVMDiskFailureRollsBack(t *testing.T) {
	var trace []string
	base := newFakeDriver(&trace)
	driver := &failingSnapshotDriver{fakeDriver: base, failOnDiskName: "snap1-disk2"}
	hv := &fakeHV{state: hypervisor.RunStateRunning, trace: &trace}
	m, _ := newManager(t, driver, hv)

	_, err := m.Create(context.Background(), 100, cfgWithDisks(3), "snap1", "", false, "")
	require.Error(t, err)
	assert.Equal(t, []string{
		"pause",
		"snapshot:snap1-disk0",
		"snapshot:snap1-disk1",
		"fail:snap1-disk2",
		"destroy:snap1-disk1",
		"destroy:snap1-disk0",
		"resume",
	}, trace)
	assert.Empty(t, m.List(100))
}

func TestDeleteRefusesNonLeaf(t *testing.T) {
	driver := newFakeDriver(nil)
	hv := &fakeHV{state: hypervisor.RunStateStopped}
	m, _ := newManager(t, driver, hv)

	parent, err := m.Create(context.Background(), 100, cfgWithDisks(1), "a", "", false, "")
	require.NoError(t, err)

	_, err = m.Create(context.Background(), 100, cfgWithDisks(1), "b", "", false, parent.ID)
	require.NoError(t, err)

	err = m.Delete(context.Background(), parent.ID)
	require.Error(t, err)
}

func TestRestoreRequiresStoppedVM(t *testing.T) {
	driver := newFakeDriver(nil)
	hv := &fakeHV{state: hypervisor.RunStateStopped}
	m, _ := newManager(t, driver, hv)

	snap, err := m.Create(context.Background(), 100, cfgWithDisks(1), "a", "", false, "")
	require.NoError(t, err)

	hv.state = hypervisor.RunStateRunning
	_, err = m.Restore(context.Background(), snap.ID, false)
	require.Error(t, err)
}

func TestRestoreInvalidatesDestructiveChildren(t *testing.T) {
	driver := newFakeDriver(nil)
	hv := &fakeHV{state: hypervisor.RunStateStopped}
	m, _ := newManager(t, driver, hv)

	a, err := m.Create(context.Background(), 100, cfgWithDisks(1), "a", "", false, "")
	require.NoError(t, err)
	b, err := m.Create(context.Background(), 100, cfgWithDisks(1), "b", "", false, "")
	require.NoError(t, err)

	// Rolling back to a's disk snapshot destructively invalidates b's.
	driver.rollbackInvalid[fakeDiskPath(0)] = []string{b.Disks[0].Name}

	result, err := m.Restore(context.Background(), a.ID, false)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, result.Invalidated)

	_, ok := m.Get(b.ID)
	assert.False(t, ok)
}

func TestCreateWithParentRejectsUnknownParent(t *testing.T) {
	driver := newFakeDriver(nil)
	hv := &fakeHV{state: hypervisor.RunStateStopped}
	m, _ := newManager(t, driver, hv)

	_, err := m.Create(context.Background(), 100, cfgWithDisks(1), "a", "", false, "no-such-snapshot")
	require.Error(t, err)
}

func TestCreateWithParentRejectsCrossVMParent(t *testing.T) {
	driver := newFakeDriver(nil)
	hv := &fakeHV{state: hypervisor.RunStateStopped}
	m, _ := newManager(t, driver, hv)

	parent, err := m.Create(context.Background(), 100, cfgWithDisks(1), "a", "", false, "")
	require.NoError(t, err)

	_, err = m.Create(context.Background(), 200, cfgWithDisks(1), "b", "", false, parent.ID)
	require.Error(t, err)
}

func TestCreateSetsParentID(t *testing.T) {
	driver := newFakeDriver(nil)
	hv := &fakeHV{state: hypervisor.RunStateStopped}
	m, _ := newManager(t, driver, hv)

	parent, err := m.Create(context.Background(), 100, cfgWithDisks(1), "a", "", false, "")
	require.NoError(t, err)
	assert.Empty(t, parent.ParentID)

	child, err := m.Create(context.Background(), 100, cfgWithDisks(1), "b", "", false, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, parent.ID, child.ParentID)
}

func TestTreeOrdersByCreationAndMarksCurrent(t *testing.T) {
	driver := newFakeDriver(nil)
	hv := &fakeHV{state: hypervisor.RunStateStopped}
	m, _ := newManager(t, driver, hv)

	a, err := m.Create(context.Background(), 100, cfgWithDisks(1), "a", "", false, "")
	require.NoError(t, err)

	b, err := m.Create(context.Background(), 100, cfgWithDisks(1), "b", "", false, a.ID)
	require.NoError(t, err)

	tree := m.Tree(100)
	require.Len(t, tree, 1)
	assert.Equal(t, a.ID, tree[0].Snapshot.ID)
	assert.False(t, tree[0].IsCurrent)
	require.Len(t, tree[0].Children, 1)
	assert.Equal(t, b.ID, tree[0].Children[0].Snapshot.ID)
	assert.True(t, tree[0].Children[0].IsCurrent)
}

func TestLoadOnStartSkipsUnparseableFiles(t *testing.T) {
	driver := newFakeDriver(nil)
	hv := &fakeHV{state: hypervisor.RunStateStopped}
	m, dir := newManager(t, driver, hv)

	snap, err := m.Create(context.Background(), 100, cfgWithDisks(1), "a", "", false, "")
	require.NoError(t, err)

	require.NoError(t, writeGarbage(dir))

	m2 := NewManager(dir, m.facade, m.hv)
	require.NoError(t, m2.LoadOnStart())
	loaded, ok := m2.Get(snap.ID)
	assert.True(t, ok)
	assert.Equal(t, snap.ID, loaded.ID)
}

func writeGarbage(dir string) error {
	return os.WriteFile(filepath.Join(dir, "garbage.json"), []byte("{not valid json"), 0o600)
}

func TestSnapshotMetadataRoundTripPreservesUnknownFields(t *testing.T) {
	dir := t.TempDir()
	snap := Snapshot{ID: "x", VMID: 1, Name: "n", CreatedAt: time.Now().UTC().Truncate(time.Second), CaptureState: CaptureStopped, Disks: []DiskSnapshot{{DiskIndex: 0, Name: "n-disk0"}}, Config: VMConfig{Disks: []string{"/a.qcow2"}}}
	require.NoError(t, writeMetadata(dir, snap))

	loaded, err := readMetadata(metadataPath(dir, "x"))
	require.NoError(t, err)
	assert.Equal(t, snap.ID, loaded.ID)
	assert.Equal(t, snap.CaptureState, loaded.CaptureState)
	assert.True(t, snap.CreatedAt.Equal(loaded.CreatedAt))

	raw := `{"id":"y","vm_id":1,"name":"n","future_field":"kept"}`
	require.NoError(t, os.WriteFile(metadataPath(dir, "y"), []byte(raw), 0o600))
	withExtra, err := readMetadata(metadataPath(dir, "y"))
	require.NoError(t, err)
	require.NoError(t, writeMetadata(dir, withExtra))
	rewritten, err := os.ReadFile(metadataPath(dir, "y"))
	require.NoError(t, err)
	assert.Contains(t, string(rewritten), `"future_field": "kept"`)
}

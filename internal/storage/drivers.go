package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/horcrux/vmcore/internal/vmerr"
)

// driverFailure wraps a CommandRunner error as vmerr.KindDriverFailure,
// carrying the runner's stderr through unchanged.
func driverFailure(op string, err error) error {
	return vmerr.Wrap(vmerr.KindDriverFailure, op, err)
}

// --- cow-volume (zfs-like) ---------------------------------------------

// COWVolumeDriver implements the cow-volume family: cheap reference
// snapshots, destructive rollback that invalidates descendant snapshots.
type COWVolumeDriver struct {
	Runner   CommandRunner
	ToolPath string // defaults to "zfs"

	// ListSnapshots enumerates existing snapshot names for a dataset, used
	// to compute which ones a destructive rollback invalidates. Optional;
	// when nil, Rollback cannot report invalidated snapshots.
	ListSnapshots func(ctx context.Context, vol Volume) ([]string, error)
}

func (d *COWVolumeDriver) tool() string {
	if d.ToolPath != "" {
		return d.ToolPath
	}
	return "zfs"
}

func dataset(vol Volume) string {
	return strings.TrimPrefix(strings.TrimPrefix(vol.Path, "zfs:"), "/dev/zvol/")
}

func (d *COWVolumeDriver) Snapshot(ctx context.Context, vol Volume, name string) error {
	target := fmt.Sprintf("%s@%s", dataset(vol), name)
	if _, err := d.Runner.Run(ctx, d.tool(), "snapshot", target); err != nil {
		return driverFailure("storage.COWVolumeDriver.Snapshot", err)
	}
	return nil
}

func (d *COWVolumeDriver) Destroy(ctx context.Context, vol Volume, name string) error {
	target := fmt.Sprintf("%s@%s", dataset(vol), name)
	if _, err := d.Runner.Run(ctx, d.tool(), "destroy", target); err != nil {
		if isNotFoundStderr(err) {
			return nil
		}
		return driverFailure("storage.COWVolumeDriver.Destroy", err)
	}
	return nil
}

func (d *COWVolumeDriver) Rollback(ctx context.Context, vol Volume, name string) ([]string, error) {
	var before []string
	if d.ListSnapshots != nil {
		var err error
		before, err = d.ListSnapshots(ctx, vol)
		if err != nil {
			return nil, driverFailure("storage.COWVolumeDriver.Rollback", err)
		}
	}
	target := fmt.Sprintf("%s@%s", dataset(vol), name)
	if _, err := d.Runner.Run(ctx, d.tool(), "rollback", "-r", target); err != nil {
		if isNotFoundStderr(err) {
			return nil, vmerr.Wrap(vmerr.KindNotFound, "storage.COWVolumeDriver.Rollback", err)
		}
		return nil, driverFailure("storage.COWVolumeDriver.Rollback", err)
	}
	if d.ListSnapshots == nil {
		return nil, nil
	}
	after, err := d.ListSnapshots(ctx, vol)
	if err != nil {
		return nil, driverFailure("storage.COWVolumeDriver.Rollback", err)
	}
	return diffInvalidated(before, after, name), nil
}

// --- logical-volume (lvm-like) ------------------------------------------

// LogicalVolumeDriver implements the logical-volume family: snapshot with
// a preconfigured overflow size, merge-based rollback, no snapshot-of-
// snapshot support.
type LogicalVolumeDriver struct {
	Runner   CommandRunner
	ToolPath string // defaults to "lvm"

	// OverflowGB resolves the snapshot overflow size (in GiB) for a given
	// volume, sourced from the owning storage pool's configuration. There
	// is no built-in default; it must always be configured per pool.
	OverflowGB func(vol Volume) (int, bool)

	// snapshotsOf tracks LV names created as snapshots, to reject
	// snapshot-of-snapshot requests.
	snapshotsOf map[string]bool
}

func (d *LogicalVolumeDriver) tool() string {
	if d.ToolPath != "" {
		return d.ToolPath
	}
	return "lvm"
}

func vgLV(vol Volume) (vg, lv string) {
	trimmed := strings.TrimPrefix(vol.Path, "/dev/")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 {
		return "", trimmed
	}
	return parts[0], parts[1]
}

func (d *LogicalVolumeDriver) Snapshot(ctx context.Context, vol Volume, name string) error {
	if d.snapshotsOf != nil && d.snapshotsOf[vol.Path] {
		return vmerr.New(vmerr.KindBadState, "storage.LogicalVolumeDriver.Snapshot", "snapshot-of-snapshot is not supported")
	}
	vg, lv := vgLV(vol)
	sizeGB, ok := d.OverflowGB(vol)
	if !ok || sizeGB <= 0 {
		return vmerr.New(vmerr.KindBadState, "storage.LogicalVolumeDriver.Snapshot", "no snapshot overflow size configured for this pool")
	}
	target := fmt.Sprintf("%s/%s", vg, lv)
	size := fmt.Sprintf("%dG", sizeGB)
	if _, err := d.Runner.Run(ctx, d.tool(), "create", "-s", "-n", name, "-L", size, target); err != nil {
		return driverFailure("storage.LogicalVolumeDriver.Snapshot", err)
	}
	if d.snapshotsOf == nil {
		d.snapshotsOf = make(map[string]bool)
	}
	d.snapshotsOf[snapshotVolumePath(vol, name)] = true
	return nil
}

func (d *LogicalVolumeDriver) Destroy(ctx context.Context, vol Volume, name string) error {
	vg, _ := vgLV(vol)
	target := fmt.Sprintf("%s/%s", vg, name)
	if _, err := d.Runner.Run(ctx, d.tool(), "remove", "-f", target); err != nil {
		if isNotFoundStderr(err) {
			return nil
		}
		return driverFailure("storage.LogicalVolumeDriver.Destroy", err)
	}
	delete(d.snapshotsOf, snapshotVolumePath(vol, name))
	return nil
}

func (d *LogicalVolumeDriver) Rollback(ctx context.Context, vol Volume, name string) ([]string, error) {
	vg, _ := vgLV(vol)
	target := fmt.Sprintf("%s/%s", vg, name)
	if _, err := d.Runner.Run(ctx, d.tool(), "convert", "--merge", target); err != nil {
		if isNotFoundStderr(err) {
			return nil, vmerr.Wrap(vmerr.KindNotFound, "storage.LogicalVolumeDriver.Rollback", err)
		}
		return nil, driverFailure("storage.LogicalVolumeDriver.Rollback", err)
	}
	return nil, nil
}

func snapshotVolumePath(vol Volume, name string) string {
	return vol.Path + "@" + name
}

// --- cow-image (qcow2-like) ----------------------------------------------

// COWImageDriver implements the cow-image family: named snapshots inside a
// single disk image file, non-destructive rollback.
type COWImageDriver struct {
	Runner   CommandRunner
	ToolPath string // defaults to "qemu-img"
}

func (d *COWImageDriver) tool() string {
	if d.ToolPath != "" {
		return d.ToolPath
	}
	return "qemu-img"
}

func (d *COWImageDriver) Snapshot(ctx context.Context, vol Volume, name string) error {
	if _, err := d.Runner.Run(ctx, d.tool(), "snapshot", "-c", name, vol.Path); err != nil {
		return driverFailure("storage.COWImageDriver.Snapshot", err)
	}
	return nil
}

func (d *COWImageDriver) Destroy(ctx context.Context, vol Volume, name string) error {
	if _, err := d.Runner.Run(ctx, d.tool(), "snapshot", "-d", name, vol.Path); err != nil {
		if isNotFoundStderr(err) {
			return nil
		}
		return driverFailure("storage.COWImageDriver.Destroy", err)
	}
	return nil
}

func (d *COWImageDriver) Rollback(ctx context.Context, vol Volume, name string) ([]string, error) {
	if _, err := d.Runner.Run(ctx, d.tool(), "snapshot", "-a", name, vol.Path); err != nil {
		if isNotFoundStderr(err) {
			return nil, vmerr.Wrap(vmerr.KindNotFound, "storage.COWImageDriver.Rollback", err)
		}
		return nil, driverFailure("storage.COWImageDriver.Rollback", err)
	}
	return nil, nil
}

// --- cow-filesystem (btrfs-like) -----------------------------------------

// COWFilesystemDriver implements the cow-filesystem family: read-only
// subvolume snapshots under a sibling path, rollback simulated by
// swap-and-delete (destructive).
type COWFilesystemDriver struct {
	Runner   CommandRunner
	ToolPath string // defaults to "btrfs"

	// ListSnapshots mirrors COWVolumeDriver.ListSnapshots for this family.
	ListSnapshots func(ctx context.Context, vol Volume) ([]string, error)
}

func (d *COWFilesystemDriver) tool() string {
	if d.ToolPath != "" {
		return d.ToolPath
	}
	return "btrfs"
}

func subvolPath(vol Volume, name string) string {
	return strings.TrimSuffix(vol.Path, "/") + "/.snapshots/" + name
}

func (d *COWFilesystemDriver) Snapshot(ctx context.Context, vol Volume, name string) error {
	dst := subvolPath(vol, name)
	if _, err := d.Runner.Run(ctx, d.tool(), "subvolume", "snapshot", "-r", vol.Path, dst); err != nil {
		return driverFailure("storage.COWFilesystemDriver.Snapshot", err)
	}
	return nil
}

func (d *COWFilesystemDriver) Destroy(ctx context.Context, vol Volume, name string) error {
	dst := subvolPath(vol, name)
	if _, err := d.Runner.Run(ctx, d.tool(), "subvolume", "delete", dst); err != nil {
		if isNotFoundStderr(err) {
			return nil
		}
		return driverFailure("storage.COWFilesystemDriver.Destroy", err)
	}
	return nil
}

// Rollback simulates rollback for a family with no native op: swap the
// live subvolume out for a writable copy of the target snapshot, then
// delete the old live subvolume. This is destructive: any snapshot taken
// after the target becomes unreachable.
func (d *COWFilesystemDriver) Rollback(ctx context.Context, vol Volume, name string) ([]string, error) {
	var before []string
	if d.ListSnapshots != nil {
		var err error
		before, err = d.ListSnapshots(ctx, vol)
		if err != nil {
			return nil, driverFailure("storage.COWFilesystemDriver.Rollback", err)
		}
	}
	src := subvolPath(vol, name)
	staged := vol.Path + ".rollback-tmp"
	if _, err := d.Runner.Run(ctx, d.tool(), "subvolume", "snapshot", src, staged); err != nil {
		if isNotFoundStderr(err) {
			return nil, vmerr.Wrap(vmerr.KindNotFound, "storage.COWFilesystemDriver.Rollback", err)
		}
		return nil, driverFailure("storage.COWFilesystemDriver.Rollback", err)
	}
	old := vol.Path + ".rollback-old"
	if _, err := d.Runner.Run(ctx, "mv", vol.Path, old); err != nil {
		return nil, driverFailure("storage.COWFilesystemDriver.Rollback", err)
	}
	if _, err := d.Runner.Run(ctx, "mv", staged, vol.Path); err != nil {
		return nil, driverFailure("storage.COWFilesystemDriver.Rollback", err)
	}
	if _, err := d.Runner.Run(ctx, d.tool(), "subvolume", "delete", old); err != nil {
		return nil, driverFailure("storage.COWFilesystemDriver.Rollback", err)
	}
	if d.ListSnapshots == nil {
		return nil, nil
	}
	after, err := d.ListSnapshots(ctx, vol)
	if err != nil {
		return nil, driverFailure("storage.COWFilesystemDriver.Rollback", err)
	}
	return diffInvalidated(before, after, name), nil
}

// --- distributed-block (rbd-like) ----------------------------------------

// DistributedBlockDriver implements the distributed-block family: native
// snapshot/rollback ops over the distributed block service.
type DistributedBlockDriver struct {
	Runner   CommandRunner
	ToolPath string // defaults to "rbd"
}

func (d *DistributedBlockDriver) tool() string {
	if d.ToolPath != "" {
		return d.ToolPath
	}
	return "rbd"
}

func img(vol Volume) string {
	return strings.TrimPrefix(vol.Path, "rbd:")
}

func (d *DistributedBlockDriver) Snapshot(ctx context.Context, vol Volume, name string) error {
	target := fmt.Sprintf("%s@%s", img(vol), name)
	if _, err := d.Runner.Run(ctx, d.tool(), "snap", "create", target); err != nil {
		return driverFailure("storage.DistributedBlockDriver.Snapshot", err)
	}
	return nil
}

func (d *DistributedBlockDriver) Destroy(ctx context.Context, vol Volume, name string) error {
	target := fmt.Sprintf("%s@%s", img(vol), name)
	if _, err := d.Runner.Run(ctx, d.tool(), "snap", "rm", target); err != nil {
		if isNotFoundStderr(err) {
			return nil
		}
		return driverFailure("storage.DistributedBlockDriver.Destroy", err)
	}
	return nil
}

func (d *DistributedBlockDriver) Rollback(ctx context.Context, vol Volume, name string) ([]string, error) {
	target := fmt.Sprintf("%s@%s", img(vol), name)
	if _, err := d.Runner.Run(ctx, d.tool(), "snap", "rollback", target); err != nil {
		if isNotFoundStderr(err) {
			return nil, vmerr.Wrap(vmerr.KindNotFound, "storage.DistributedBlockDriver.Rollback", err)
		}
		return nil, driverFailure("storage.DistributedBlockDriver.Rollback", err)
	}
	return nil, nil
}

// --- shared helpers --------------------------------------------------------

func isNotFoundStderr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "not found") ||
		strings.Contains(msg, "no such")
}

// diffInvalidated returns snapshot names present before a destructive
// rollback but absent after, excluding the rollback target itself.
func diffInvalidated(before, after []string, target string) []string {
	if len(before) == 0 {
		return nil
	}
	stillPresent := make(map[string]bool, len(after))
	for _, n := range after {
		stillPresent[n] = true
	}
	var invalidated []string
	for _, n := range before {
		if n == target {
			continue
		}
		if !stillPresent[n] {
			invalidated = append(invalidated, n)
		}
	}
	sort.Strings(invalidated)
	return invalidated
}

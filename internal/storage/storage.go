// ABOUTME: Package storage implements the storage driver facade (component A):
// ABOUTME: dispatching snapshot/rollback/destroy primitives to the right family driver.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/horcrux/vmcore/internal/vmerr"
)

// Family identifies one of the five supported storage backends. A volume's
// family is fixed for its lifetime and is inferred purely from its path —
// never from a filesystem probe.
type Family string

const (
	FamilyCOWVolume        Family = "cow-volume"
	FamilyLogicalVolume    Family = "logical-volume"
	FamilyCOWImage         Family = "cow-image"
	FamilyCOWFilesystem    Family = "cow-filesystem"
	FamilyDistributedBlock Family = "distributed-block"
	FamilyUnknown          Family = ""
)

// Volume is a path paired with its inferred storage family.
type Volume struct {
	Path   string
	Family Family
}

// InferFamily determines a volume's family from its path, by prefix or
// extension. It never touches the filesystem.
func InferFamily(path string) Family {
	switch {
	case strings.HasPrefix(path, "zfs:"), strings.HasPrefix(path, "/dev/zvol/"):
		return FamilyCOWVolume
	case strings.HasPrefix(path, "/dev/") && strings.Contains(path, "/vg"):
		return FamilyLogicalVolume
	case strings.HasSuffix(path, ".qcow2"):
		return FamilyCOWImage
	case strings.HasPrefix(path, "btrfs:"):
		return FamilyCOWFilesystem
	case strings.HasPrefix(path, "rbd:"):
		return FamilyDistributedBlock
	default:
		return FamilyUnknown
	}
}

// NewVolume builds a Volume from a path, inferring its family.
func NewVolume(path string) Volume {
	return Volume{Path: path, Family: InferFamily(path)}
}

// CommandRunner executes an external tool and returns its combined stdout,
// or an error carrying stderr when the tool exits non-zero.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// Driver is the capability set every storage family implements: atomic
// snapshot, possibly-destructive rollback, and idempotent destroy.
type Driver interface {
	// Snapshot creates a driver-native snapshot, atomic from the guest's
	// perspective.
	Snapshot(ctx context.Context, vol Volume, name string) error

	// Rollback returns the volume to the named snapshot. For families with
	// only destructive rollback, any snapshot ids invalidated by the
	// operation are returned in invalidated.
	Rollback(ctx context.Context, vol Volume, name string) (invalidated []string, err error)

	// Destroy removes the named snapshot. Destroying a snapshot that does
	// not exist is not an error.
	Destroy(ctx context.Context, vol Volume, name string) error
}

// Pool is a named group of volumes sharing a family and its family-specific
// tunables, resolved from configuration: the LVM snapshot overflow size is
// a per-pool property, never a hard-coded constant.
type Pool struct {
	Name                  string
	Family                Family
	LVMSnapshotOverflowGB int
}

// Facade dispatches to the Driver registered for a volume's family.
type Facade struct {
	drivers map[Family]Driver
}

// NewFacade builds a Facade from a family->Driver map. Unrecognised and
// unregistered families surface at call time as a KindNotFound error;
// vmerr has no separate family-mismatch kind.
func NewFacade(drivers map[Family]Driver) *Facade {
	cp := make(map[Family]Driver, len(drivers))
	for k, v := range drivers {
		cp[k] = v
	}
	return &Facade{drivers: cp}
}

func (f *Facade) driverFor(vol Volume) (Driver, error) {
	if vol.Family == FamilyUnknown {
		return nil, vmerr.New(vmerr.KindNotFound, "storage.Facade", fmt.Sprintf("unrecognised storage family for path %q", vol.Path))
	}
	d, ok := f.drivers[vol.Family]
	if !ok {
		return nil, vmerr.New(vmerr.KindNotFound, "storage.Facade", fmt.Sprintf("no driver registered for family %q", vol.Family))
	}
	return d, nil
}

func (f *Facade) Snapshot(ctx context.Context, vol Volume, name string) error {
	d, err := f.driverFor(vol)
	if err != nil {
		return err
	}
	return d.Snapshot(ctx, vol, name)
}

func (f *Facade) Rollback(ctx context.Context, vol Volume, name string) ([]string, error) {
	d, err := f.driverFor(vol)
	if err != nil {
		return nil, err
	}
	return d.Rollback(ctx, vol, name)
}

func (f *Facade) Destroy(ctx context.Context, vol Volume, name string) error {
	d, err := f.driverFor(vol)
	if err != nil {
		return err
	}
	return d.Destroy(ctx, vol, name)
}

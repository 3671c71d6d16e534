// ABOUTME: Package snapshot implements the Snapshot Manager (component D):
// ABOUTME: atomic multi-disk + optional memory snapshots, parent/child
// ABOUTME: tree, and durable on-disk metadata.
package snapshot

import (
	"encoding/json"
	"time"
)

// CaptureState is the guest's run-state at the moment a snapshot was taken.
type CaptureState string

const (
	CaptureRunningWithMemory CaptureState = "running-with-memory"
	CapturePaused            CaptureState = "paused"
	CaptureStopped           CaptureState = "stopped"
)

// DiskSnapshot is one disk's driver-native snapshot, owned by exactly one
// Snapshot. Name uniqueness is scoped to (volume, family).
type DiskSnapshot struct {
	DiskIndex int    `json:"disk_index"`
	Family    string `json:"family"`
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
}

// VMConfig is the VM configuration captured at snapshot time, aligned by
// index with Disks so DiskSnapshot.DiskIndex addresses the right path.
type VMConfig struct {
	Disks []string `json:"disks"`
}

// Snapshot is an immutable record created by Manager.Create and removed
// only by Manager.Delete (or as a side effect of a destructive rollback).
// It is never mutated after creation.
//
// Unknown top-level JSON fields encountered on load are preserved and
// re-emitted on the next Marshal, per the forward-compatibility
// requirement on the metadata file format.
type Snapshot struct {
	ID             string         `json:"id"`
	VMID           int            `json:"vm_id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ParentID       string         `json:"parent_id,omitempty"`
	CaptureState   CaptureState   `json:"capture_state"`
	Disks          []DiskSnapshot `json:"disks"`
	MemoryDumpPath string         `json:"memory_dump_path,omitempty"`
	Config         VMConfig       `json:"config"`

	extra map[string]json.RawMessage
}

var snapshotKnownFields = map[string]bool{
	"id": true, "vm_id": true, "name": true, "description": true,
	"created_at": true, "parent_id": true, "capture_state": true,
	"disks": true, "memory_dump_path": true, "config": true,
}

// MarshalJSON emits the known fields plus any unrecognised fields
// preserved from a prior UnmarshalJSON.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	type known Snapshot
	base, err := json.Marshal(known(s))
	if err != nil {
		return nil, err
	}
	if len(s.extra) == 0 {
		return base, nil
	}
	merged := make(map[string]json.RawMessage, len(s.extra)+8)
	var baseMap map[string]json.RawMessage
	if err := json.Unmarshal(base, &baseMap); err != nil {
		return nil, err
	}
	for k, v := range baseMap {
		merged[k] = v
	}
	for k, v := range s.extra {
		if _, known := merged[k]; !known {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes the known fields and retains any extra top-level
// fields so they survive a read-modify-write cycle even when this version
// of the code doesn't know what they mean.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	type known Snapshot
	var k known
	if err := json.Unmarshal(data, &k); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key := range raw {
		if !snapshotKnownFields[key] {
			if k.extra == nil {
				k.extra = make(map[string]json.RawMessage)
			}
			k.extra[key] = raw[key]
		}
	}
	*s = Snapshot(k)
	return nil
}

// SnapshotTreeNode is one node of the per-VM snapshot forest.
type SnapshotTreeNode struct {
	Snapshot  Snapshot
	Children  []*SnapshotTreeNode
	IsCurrent bool
}

// RestoreResult is returned by Manager.Restore.
type RestoreResult struct {
	Snapshot Snapshot
	// Invalidated holds the ids of any other snapshots destroyed as a side
	// effect of a destructive-family rollback.
	Invalidated []string
}

package main

import "time"

// These mirror the wire shapes served by vmcored's control API. They are
// kept independent of the internal snapshot/migration/health packages so
// the CLI only depends on the JSON contract, not vmcored's Go types.

type diskSnapshot struct {
	DiskIndex int    `json:"disk_index"`
	Family    string `json:"family"`
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
}

type snapshotResponse struct {
	ID             string         `json:"id"`
	VMID           int            `json:"vm_id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ParentID       string         `json:"parent_id,omitempty"`
	CaptureState   string         `json:"capture_state"`
	Disks          []diskSnapshot `json:"disks"`
	MemoryDumpPath string         `json:"memory_dump_path,omitempty"`
}

type snapshotTreeNode struct {
	Snapshot  snapshotResponse    `json:"Snapshot"`
	Children  []*snapshotTreeNode `json:"Children"`
	IsCurrent bool                `json:"IsCurrent"`
}

type restoreResponse struct {
	Snapshot    snapshotResponse `json:"Snapshot"`
	Invalidated []string         `json:"Invalidated"`
}

type createSnapshotRequest struct {
	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	Disks         []string `json:"disks"`
	IncludeMemory bool     `json:"include_memory,omitempty"`
	ParentID      string   `json:"parent_id,omitempty"`
}

type restoreRequest struct {
	RestoreMemory bool `json:"restore_memory,omitempty"`
}

type scheduleMigrationRequest struct {
	VMID       int    `json:"vmid"`
	SourceNode string `json:"source_node"`
	TargetNode string `json:"target_node"`
	Mode       string `json:"mode"`
}

type migrationJobResponse struct {
	ID          string               `json:"ID"`
	VMID        int                  `json:"VMID"`
	SourceNode  string               `json:"SourceNode"`
	TargetNode  string               `json:"TargetNode"`
	Mode        string               `json:"Mode"`
	State       string               `json:"State"`
	Transitions map[string]time.Time `json:"Transitions"`
	FailReason  string               `json:"FailReason,omitempty"`
	Report      *healthReport        `json:"Report,omitempty"`
}

// healthCheck and healthReport mirror health.HealthCheck / health.Report,
// which carry no json tags: fields marshal under their Go names, and
// time.Duration marshals as an integer count of nanoseconds.
type healthCheck struct {
	Kind      string        `json:"Kind"`
	Verdict   string        `json:"Verdict"`
	Message   string        `json:"Message"`
	Duration  time.Duration `json:"Duration"`
	Timestamp time.Time     `json:"Timestamp"`
}

type healthReport struct {
	VMID           int           `json:"VMID"`
	MigrationJobID string        `json:"MigrationJobID,omitempty"`
	TargetNode     string        `json:"TargetNode,omitempty"`
	Checks         []healthCheck `json:"Checks"`
	Started        time.Time     `json:"Started"`
	Completed      time.Time     `json:"Completed"`
	TotalDuration  time.Duration `json:"TotalDuration"`
	Overall        string        `json:"Overall"`
}

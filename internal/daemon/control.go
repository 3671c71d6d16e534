package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/horcrux/vmcore/internal/health"
	"github.com/horcrux/vmcore/internal/migration"
	"github.com/horcrux/vmcore/internal/snapshot"
	"github.com/horcrux/vmcore/internal/store"
	"github.com/horcrux/vmcore/internal/telemetry"
)

// controlAPI exposes snapshot and migration operations over HTTP.
type controlAPI struct {
	snapshots      *snapshot.Manager
	orch           *migration.Orchestrator
	checkerFactory func(vmid int) *health.Checker
	store          *store.Store
	metrics        *telemetry.Metrics
}

func newControlAPI(snapshots *snapshot.Manager, orch *migration.Orchestrator, checkerFactory func(vmid int) *health.Checker, st *store.Store, metrics *telemetry.Metrics) *controlAPI {
	return &controlAPI{snapshots: snapshots, orch: orch, checkerFactory: checkerFactory, store: st, metrics: metrics}
}

func (a *controlAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/vms/{vmid}/snapshots", a.createSnapshot)
	mux.HandleFunc("GET /v1/vms/{vmid}/snapshots", a.listSnapshots)
	mux.HandleFunc("GET /v1/vms/{vmid}/snapshots/tree", a.snapshotTree)
	mux.HandleFunc("GET /v1/snapshots/{id}", a.getSnapshot)
	mux.HandleFunc("DELETE /v1/snapshots/{id}", a.deleteSnapshot)
	mux.HandleFunc("POST /v1/snapshots/{id}/restore", a.restoreSnapshot)
	mux.HandleFunc("GET /v1/vms/{vmid}/health", a.checkHealth)
	mux.HandleFunc("POST /v1/migrations", a.scheduleMigration)
	mux.HandleFunc("GET /v1/migrations/{id}", a.getMigration)
	mux.HandleFunc("POST /v1/migrations/{id}/cancel", a.cancelMigration)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func vmidParam(r *http.Request) (int, error) {
	return strconv.Atoi(r.PathValue("vmid"))
}

type createSnapshotRequest struct {
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	Disks         []string `json:"disks"`
	IncludeMemory bool     `json:"include_memory"`
	ParentID      string   `json:"parent_id,omitempty"`
}

func (a *controlAPI) createSnapshot(w http.ResponseWriter, r *http.Request) {
	vmid, err := vmidParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req createSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cfg := snapshot.VMConfig{Disks: req.Disks}
	snap, err := a.snapshots.Create(r.Context(), vmid, cfg, req.Name, req.Description, req.IncludeMemory, req.ParentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (a *controlAPI) listSnapshots(w http.ResponseWriter, r *http.Request) {
	vmid, err := vmidParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, a.snapshots.List(vmid))
}

func (a *controlAPI) snapshotTree(w http.ResponseWriter, r *http.Request) {
	vmid, err := vmidParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, a.snapshots.Tree(vmid))
}

func (a *controlAPI) getSnapshot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, ok := a.snapshots.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, errNotFound(id))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *controlAPI) deleteSnapshot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.snapshots.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *controlAPI) restoreSnapshot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		RestoreMemory bool `json:"restore_memory"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	result, err := a.snapshots.Restore(r.Context(), id, req.RestoreMemory)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *controlAPI) checkHealth(w http.ResponseWriter, r *http.Request) {
	vmid, err := vmidParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	checker := a.checkerFactory(vmid)
	report := checker.RunChecks(r.Context(), vmid, "", "", "")
	writeJSON(w, http.StatusOK, report)
}

type scheduleMigrationRequest struct {
	VMID       int    `json:"vmid"`
	SourceNode string `json:"source_node"`
	TargetNode string `json:"target_node"`
	Mode       string `json:"mode"`
}

func (a *controlAPI) scheduleMigration(w http.ResponseWriter, r *http.Request) {
	var req scheduleMigrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	mode := migration.ModeOffline
	if strings.EqualFold(req.Mode, "live") {
		mode = migration.ModeLive
	}
	job := a.orch.Schedule(req.VMID, req.SourceNode, req.TargetNode, mode)
	go func() {
		_ = a.orch.Run(context.Background(), job.ID)
	}()
	writeJSON(w, http.StatusAccepted, job)
}

func (a *controlAPI) getMigration(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, ok := a.orch.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, errNotFound(id))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *controlAPI) cancelMigration(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.orch.Cancel(r.Context(), id); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type notFoundError string

func (e notFoundError) Error() string { return "not found: " + string(e) }

func errNotFound(id string) error { return notFoundError(id) }

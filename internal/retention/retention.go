// Package retention implements an optional cron-driven sweep that deletes
// leaf snapshots beyond a per-VM retention policy.
package retention

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/horcrux/vmcore/internal/snapshot"
)

// Policy bounds how many snapshots, and how old a snapshot, a VM may keep.
// A zero value for either field means that bound is not enforced.
type Policy struct {
	MaxCount int
	Expires  time.Duration
}

// hasChildren reports whether any snapshot in all has parent as its parent.
func hasChildren(all []snapshot.Snapshot, id string) bool {
	for _, s := range all {
		if s.ParentID == id {
			return true
		}
	}
	return false
}

// candidates returns vmid's snapshots eligible for deletion under policy:
// leaves only, oldest first, expired ones first then excess beyond MaxCount.
func candidates(all []snapshot.Snapshot, policy Policy, now time.Time) []snapshot.Snapshot {
	var leaves []snapshot.Snapshot
	for _, s := range all {
		if !hasChildren(all, s.ID) {
			leaves = append(leaves, s)
		}
	}
	sort.Slice(leaves, func(i, j int) bool { return leaves[i].CreatedAt.Before(leaves[j].CreatedAt) })

	marked := make(map[string]bool)
	var toDelete []snapshot.Snapshot

	if policy.Expires > 0 {
		for _, s := range leaves {
			if now.Sub(s.CreatedAt) > policy.Expires {
				toDelete = append(toDelete, s)
				marked[s.ID] = true
			}
		}
	}

	if policy.MaxCount > 0 {
		var remaining []snapshot.Snapshot
		for _, s := range leaves {
			if !marked[s.ID] {
				remaining = append(remaining, s)
			}
		}
		if excess := len(remaining) - policy.MaxCount; excess > 0 {
			for _, s := range remaining[:excess] {
				toDelete = append(toDelete, s)
			}
		}
	}

	return toDelete
}

// Sweeper periodically deletes snapshots beyond each VM's Policy.
type Sweeper struct {
	mgr      *snapshot.Manager
	cron     *cron.Cron
	logger   *log.Logger
	now      func() time.Time
	policies map[int]Policy
}

// NewSweeper builds a Sweeper driving mgr on the standard 5-field cron
// schedule (minute hour dom month dow).
func NewSweeper(mgr *snapshot.Manager) *Sweeper {
	return &Sweeper{
		mgr:      mgr,
		cron:     cron.New(),
		logger:   log.Default(),
		now:      time.Now,
		policies: make(map[int]Policy),
	}
}

// WithLogger overrides the default logger.
func (s *Sweeper) WithLogger(l *log.Logger) *Sweeper {
	s.logger = l
	return s
}

// SetPolicy registers or replaces the retention policy for vmid.
func (s *Sweeper) SetPolicy(vmid int, p Policy) {
	s.policies[vmid] = p
}

// Schedule registers the sweep to run on spec (standard 5-field cron
// syntax) and starts the cron scheduler. Call Stop to halt it.
func (s *Sweeper) Schedule(spec string) error {
	_, err := s.cron.AddFunc(spec, func() { s.sweepAll(context.Background()) })
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron scheduler, waiting for any in-flight sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) sweepAll(ctx context.Context) {
	for vmid, policy := range s.policies {
		s.sweepVM(ctx, vmid, policy)
	}
}

func (s *Sweeper) sweepVM(ctx context.Context, vmid int, policy Policy) {
	all := s.mgr.List(vmid)
	for _, victim := range candidates(all, policy, s.now()) {
		if err := s.mgr.Delete(ctx, victim.ID); err != nil {
			s.logger.Printf("retention: vm %d: failed to delete snapshot %s: %v", vmid, victim.ID, err)
			continue
		}
		s.logger.Printf("retention: vm %d: deleted snapshot %s (%s)", vmid, victim.ID, victim.Name)
	}
}

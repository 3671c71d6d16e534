package migration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/horcrux/vmcore/internal/health"
	"github.com/horcrux/vmcore/internal/hypervisor"
	"github.com/horcrux/vmcore/internal/vmerr"
)

// HypervisorClient is the subset of hypervisor.Client the orchestrator
// drives a migration through.
type HypervisorClient interface {
	Migrate(ctx context.Context, targetURI string, opts hypervisor.MigrateOptions) error
	QueryMigrateProgress(ctx context.Context) (hypervisor.MigrateProgress, error)
	AbortMigrate(ctx context.Context) error
}

// HypervisorFactory returns the source-side control client for a job's VM.
type HypervisorFactory func(vmid int) HypervisorClient

// HealthCheckerFactory returns a checker running against the target host's
// view of vmid, used by the verifying state.
type HealthCheckerFactory func(vmid int) *health.Checker

// Validator checks that a job is eligible to proceed past validating: the
// VM exists, source and target differ, and the target has capacity. The
// orchestrator itself never decides capacity — that knowledge is injected.
type Validator func(ctx context.Context, job Job) error

// Job is one migration's record, exclusively owned by the orchestrator.
type Job struct {
	ID         string
	VMID       int
	SourceNode string
	TargetNode string
	Mode       Mode
	State      State
	Transitions map[State]time.Time
	Progress   hypervisor.MigrateProgress
	Report     *health.Report
	FailReason string
}

var (
	// ErrJobNotFound is returned when an operation names an unknown job id.
	ErrJobNotFound = errors.New("migration job not found")
	// ErrCancelRefused is returned when cancellation is requested at or
	// after finalising, where the guest may already be on the target.
	ErrCancelRefused = errors.New("migration cancellation refused past finalising")
)

// Orchestrator runs MigrationJobs through the queued-to-terminal state
// machine. Within one job, transitions are totally ordered; jobs for
// different VMs proceed in parallel.
type Orchestrator struct {
	hv       HypervisorFactory
	checker  HealthCheckerFactory
	validate Validator
	logger   *log.Logger
	now      func() time.Time
	newID    func() string

	pollInterval time.Duration
	reconnectWindow time.Duration

	mu       sync.Mutex
	jobs     map[string]*Job
	cancelled map[string]bool
}

// NewOrchestrator builds an Orchestrator. validate may be nil, in which
// case every job passes validating unconditionally.
func NewOrchestrator(hv HypervisorFactory, checker HealthCheckerFactory, validate Validator) *Orchestrator {
	if validate == nil {
		validate = func(context.Context, Job) error { return nil }
	}
	return &Orchestrator{
		hv:              hv,
		checker:         checker,
		validate:        validate,
		logger:          log.Default(),
		now:             time.Now,
		newID:           func() string { return uuid.NewString() },
		pollInterval:    time.Second,
		reconnectWindow: 10 * time.Second,
		jobs:            make(map[string]*Job),
		cancelled:       make(map[string]bool),
	}
}

// WithLogger overrides the default logger.
func (o *Orchestrator) WithLogger(l *log.Logger) *Orchestrator {
	o.logger = l
	return o
}

// WithPollInterval overrides the default ≥1Hz progress-poll cadence.
func (o *Orchestrator) WithPollInterval(d time.Duration) *Orchestrator {
	o.pollInterval = d
	return o
}

// Schedule enqueues a new job in state queued and returns it.
func (o *Orchestrator) Schedule(vmid int, source, target string, mode Mode) *Job {
	job := &Job{
		ID:          o.newID(),
		VMID:        vmid,
		SourceNode:  source,
		TargetNode:  target,
		Mode:        mode,
		State:       StateQueued,
		Transitions: map[State]time.Time{StateQueued: o.now()},
	}
	o.mu.Lock()
	o.jobs[job.ID] = job
	o.mu.Unlock()
	return job
}

// Get returns a copy of the job's current state.
func (o *Orchestrator) Get(id string) (Job, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	j, ok := o.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// Cancel requests cancellation of a pre-finalising job. The orchestrator
// sends an abort-migrate command and transitions the job to failed once
// acknowledged; cancellation at or after finalising is refused because the
// guest may already be resident on the target.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	o.mu.Lock()
	job, ok := o.jobs[id]
	if !ok {
		o.mu.Unlock()
		return ErrJobNotFound
	}
	if job.State == StateFinalising || job.State == StateVerifying || job.State.terminal() {
		o.mu.Unlock()
		return ErrCancelRefused
	}
	o.cancelled[id] = true
	vmid := job.VMID
	o.mu.Unlock()

	cli := o.hv(vmid)
	if err := cli.AbortMigrate(ctx); err != nil {
		return vmerr.Wrap(vmerr.KindTransport, "migration.Orchestrator.Cancel", err)
	}
	o.transition(id, StateFailed, "cancelled by operator")
	return nil
}

func (o *Orchestrator) isCancelled(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled[id]
}

func (o *Orchestrator) transition(id string, to State, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	job, ok := o.jobs[id]
	if !ok {
		return
	}
	if err := checkTransition(job.State, to); err != nil {
		o.logger.Printf("migration %s: %v", id, err)
		return
	}
	job.State = to
	job.Transitions[to] = o.now()
	if reason != "" {
		job.FailReason = reason
	}
}

// Run drives job id from queued through to a terminal state. It blocks
// until the job terminates or ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, id string) error {
	const op = "migration.Orchestrator.Run"
	job, ok := o.Get(id)
	if !ok {
		return ErrJobNotFound
	}

	if err := o.validate(ctx, job); err != nil {
		o.transition(id, StateFailed, err.Error())
		return vmerr.Wrap(vmerr.KindBadState, op, err)
	}
	o.transition(id, StateValidating, "")
	o.transition(id, StateTransferring, "")

	cli := o.hv(job.VMID)
	if err := cli.Migrate(ctx, job.TargetNode, hypervisor.MigrateOptions{Live: job.Mode == ModeLive}); err != nil {
		o.transition(id, StateFailed, err.Error())
		return vmerr.Wrap(vmerr.KindDriverFailure, op, err)
	}

	if err := o.pollTransfer(ctx, id, cli); err != nil {
		o.transition(id, StateFailed, err.Error())
		return err
	}

	o.transition(id, StateFinalising, "")
	o.transition(id, StateVerifying, "")

	report := o.runVerification(ctx, o.checker(job.VMID), job, id)
	o.mu.Lock()
	if j, ok := o.jobs[id]; ok {
		j.Report = &report
	}
	o.mu.Unlock()

	if report.Overall == health.VerdictPassed {
		o.transition(id, StateAccepted, "")
		return nil
	}
	o.transition(id, StateRejected, "post-migration health checks failed")
	return nil
}

// runVerification runs the post-migration health check battery, retrying a
// transport/timeout result up to the checker's declared retry policy before
// giving up. A genuine check failure (anything but a timeout verdict) is
// returned on the first attempt without consuming the retry budget.
func (o *Orchestrator) runVerification(ctx context.Context, checker *health.Checker, job Job, id string) health.Report {
	attempts, delay := checker.RetryPolicy()
	if attempts < 1 {
		attempts = 1
	}

	var report health.Report
	for attempt := 0; attempt < attempts; attempt++ {
		report = checker.RunChecks(ctx, job.VMID, id, job.TargetNode, fmt.Sprintf("vm-%d", job.VMID))
		if report.Overall == health.VerdictPassed || !reportHasTimeout(report) {
			return report
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return report
		case <-time.After(delay):
		}
	}
	return report
}

// reportHasTimeout reports whether any check in report timed out rather
// than genuinely failing.
func reportHasTimeout(report health.Report) bool {
	for _, c := range report.Checks {
		if c.Verdict == health.VerdictTimeout {
			return true
		}
	}
	return false
}

// pollTransfer polls query-migrate-progress at the configured cadence
// until the hypervisor reports "completed" or "failed", surfacing progress
// onto the job for observers. A transport error triggers exactly one
// reconnection attempt within reconnectWindow before the job fails.
func (o *Orchestrator) pollTransfer(ctx context.Context, id string, cli HypervisorClient) error {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	reconnectedOnce := false
	for {
		if o.isCancelled(id) {
			return fmt.Errorf("migration cancelled")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		progress, err := cli.QueryMigrateProgress(ctx)
		if err != nil {
			if !reconnectedOnce {
				reconnectedOnce = true
				reconnectCtx, cancel := context.WithTimeout(ctx, o.reconnectWindow)
				progress, err = cli.QueryMigrateProgress(reconnectCtx)
				cancel()
			}
			if err != nil {
				return fmt.Errorf("migration transport lost: %w", err)
			}
		}

		o.mu.Lock()
		if j, ok := o.jobs[id]; ok {
			j.Progress = progress
		}
		o.mu.Unlock()

		switch progress.Status {
		case "completed":
			return nil
		case "failed":
			return fmt.Errorf("hypervisor reported migration failure")
		}
	}
}

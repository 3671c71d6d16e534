// ABOUTME: Package health implements the post-migration health checker
// ABOUTME: (component E): a fixed, sequential check battery and its report.
package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/horcrux/vmcore/internal/hypervisor"
	"github.com/horcrux/vmcore/internal/introspect"
)

// Verdict is the outcome of a single HealthCheck.
type Verdict string

const (
	VerdictPassed  Verdict = "passed"
	VerdictFailed  Verdict = "failed"
	VerdictTimeout Verdict = "timeout"
	VerdictSkipped Verdict = "skipped"
)

// CheckKind names one battery member.
type CheckKind string

const (
	CheckRunState            CheckKind = "run-state"
	CheckControlResponsive   CheckKind = "control-socket-responsive"
	CheckMemoryAllocation    CheckKind = "memory-allocation"
	CheckCPUAvailability     CheckKind = "cpu-availability"
	CheckDiskIO              CheckKind = "disk-io"
	CheckNetworkConnectivity CheckKind = "network-connectivity"
	CheckGuestAgentResponsive CheckKind = "guest-agent-responsive"
	CheckApplicationHealth   CheckKind = "application-health"
)

// HealthCheck is one battery member's outcome. Constructed skipped; a run
// transitions it monotonically to exactly one terminal verdict.
type HealthCheck struct {
	Kind       CheckKind
	Verdict    Verdict
	Message    string
	Duration   time.Duration
	Timestamp  time.Time
}

func newCheck(kind CheckKind) HealthCheck {
	return HealthCheck{Kind: kind, Verdict: VerdictSkipped}
}

func (c HealthCheck) passed(msg string, d time.Duration, now time.Time) HealthCheck {
	c.Verdict, c.Message, c.Duration, c.Timestamp = VerdictPassed, msg, d, now
	return c
}

func (c HealthCheck) failed(msg string, d time.Duration, now time.Time) HealthCheck {
	c.Verdict, c.Message, c.Duration, c.Timestamp = VerdictFailed, msg, d, now
	return c
}

func (c HealthCheck) timeout(d time.Duration, now time.Time) HealthCheck {
	c.Verdict, c.Message, c.Duration, c.Timestamp = VerdictTimeout, "health check timed out", d, now
	return c
}

// Report aggregates one battery run for one VM against one target node.
type Report struct {
	VMID           int
	MigrationJobID string
	TargetNode     string
	Checks         []HealthCheck
	Started        time.Time
	Completed      time.Time
	TotalDuration  time.Duration
	Overall        Verdict
}

// finalize applies the overall-verdict rule: failed if any check is failed
// or timeout; passed if the list is non-empty and every check passed;
// otherwise skipped.
func (r *Report) finalize(now time.Time) {
	r.Completed = now
	r.TotalDuration = r.Completed.Sub(r.Started)

	anyBad := false
	allPassed := len(r.Checks) > 0
	for _, c := range r.Checks {
		if c.Verdict == VerdictFailed || c.Verdict == VerdictTimeout {
			anyBad = true
		}
		if c.Verdict != VerdictPassed {
			allPassed = false
		}
	}
	switch {
	case anyBad:
		r.Overall = VerdictFailed
	case allPassed:
		r.Overall = VerdictPassed
	default:
		r.Overall = VerdictSkipped
	}
}

// Summary is a compact rollup of a Report.
type Summary struct {
	VMID           int
	TotalChecks    int
	Passed         int
	Failed         int
	Timeout        int
	Skipped        int
	OverallHealthy bool
	Duration       time.Duration
}

// Summarize rolls up r into a Summary.
func Summarize(r Report) Summary {
	s := Summary{VMID: r.VMID, TotalChecks: len(r.Checks), Duration: r.TotalDuration, OverallHealthy: r.Overall == VerdictPassed}
	for _, c := range r.Checks {
		switch c.Verdict {
		case VerdictPassed:
			s.Passed++
		case VerdictFailed:
			s.Failed++
		case VerdictTimeout:
			s.Timeout++
		case VerdictSkipped:
			s.Skipped++
		}
	}
	return s
}

// RunStateQuerier is the subset of hypervisor.Client the battery needs for
// check (ii): control-socket responsiveness.
type RunStateQuerier interface {
	QueryRunState(ctx context.Context) (hypervisor.RunState, error)
}

// Checker runs the fixed ordered battery against one VM.
type Checker struct {
	Prober *introspect.Prober
	HV     RunStateQuerier

	timeout       time.Duration
	retryAttempts int
	retryDelay    time.Duration
	now           func() time.Time
	httpClient    *http.Client
}

// NewChecker builds a Checker with the default check battery knobs: 30s per-check
// timeout, 3 retry attempts at 5s delay (the retry policy is a knob for
// callers wrapping the battery; it is never applied within a single check).
func NewChecker(prober *introspect.Prober, hv RunStateQuerier) *Checker {
	return &Checker{
		Prober:        prober,
		HV:            hv,
		timeout:       30 * time.Second,
		retryAttempts: 3,
		retryDelay:    5 * time.Second,
		now:           time.Now,
		httpClient:    &http.Client{},
	}
}

// WithTimeout overrides the per-check deadline.
func (c *Checker) WithTimeout(d time.Duration) *Checker {
	c.timeout = d
	return c
}

// WithRetryPolicy overrides the declared (but not self-applied) retry knob.
func (c *Checker) WithRetryPolicy(attempts int, delay time.Duration) *Checker {
	c.retryAttempts = attempts
	c.retryDelay = delay
	return c
}

// RetryPolicy returns the declared retry knob for a caller wrapping RunChecks.
func (c *Checker) RetryPolicy() (attempts int, delay time.Duration) {
	return c.retryAttempts, c.retryDelay
}

func (c *Checker) deadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// RunChecks executes the full seven-check battery sequentially against
// domain and assembles a Report. Individual check failures never abort the
// battery; the report is always finalised.
func (c *Checker) RunChecks(ctx context.Context, vmid int, migrationJobID, targetNode, domain string) Report {
	report := Report{VMID: vmid, MigrationJobID: migrationJobID, TargetNode: targetNode, Started: c.now()}

	probe, probeErr := c.probe(ctx, domain)

	report.Checks = append(report.Checks, c.checkRunState(probe, probeErr))
	report.Checks = append(report.Checks, c.checkControlResponsive(ctx))
	report.Checks = append(report.Checks, c.checkMemoryAllocation(probe, probeErr))
	report.Checks = append(report.Checks, c.checkCPUAvailability(probe, probeErr))
	report.Checks = append(report.Checks, c.checkDiskIO(probe, probeErr))
	report.Checks = append(report.Checks, c.checkNetworkConnectivity(probe, probeErr))
	report.Checks = append(report.Checks, c.checkGuestAgentResponsive(ctx, domain))

	report.finalize(c.now())
	return report
}

// probe runs the introspector once under the per-check deadline and shares
// the result across every check sourced from it, rather than re-probing
// per check.
func (c *Checker) probe(ctx context.Context, domain string) (introspect.VmRuntimeProbe, error) {
	cctx, cancel := c.deadline(ctx)
	defer cancel()
	return c.Prober.Probe(cctx, domain)
}

func (c *Checker) timedOut(ctx context.Context, err error) bool {
	return err != nil && ctx.Err() != nil
}

func (c *Checker) checkRunState(probe introspect.VmRuntimeProbe, err error) HealthCheck {
	start := c.now()
	check := newCheck(CheckRunState)
	if err != nil {
		return check.failed(fmt.Sprintf("error querying run state: %v", err), c.now().Sub(start), c.now())
	}
	if probe.RunState == introspect.RunStateRunning {
		return check.passed(fmt.Sprintf("vm is running (state: %s)", probe.RunState), c.now().Sub(start), c.now())
	}
	return check.failed(fmt.Sprintf("vm is not running (state: %s)", probe.RunState), c.now().Sub(start), c.now())
}

func (c *Checker) checkControlResponsive(ctx context.Context) HealthCheck {
	start := c.now()
	check := newCheck(CheckControlResponsive)
	cctx, cancel := c.deadline(ctx)
	defer cancel()
	state, err := c.HV.QueryRunState(cctx)
	if c.timedOut(cctx, err) {
		return check.timeout(c.now().Sub(start), c.now())
	}
	if err != nil {
		return check.failed(fmt.Sprintf("control socket error: %v", err), c.now().Sub(start), c.now())
	}
	return check.passed(fmt.Sprintf("control socket responsive (state: %s)", state), c.now().Sub(start), c.now())
}

func (c *Checker) checkMemoryAllocation(probe introspect.VmRuntimeProbe, err error) HealthCheck {
	start := c.now()
	check := newCheck(CheckMemoryAllocation)
	if err != nil {
		return check.failed(fmt.Sprintf("error checking memory: %v", err), c.now().Sub(start), c.now())
	}
	if probe.MemoryActualKiB == nil {
		return check.failed("could not parse memory stats", c.now().Sub(start), c.now())
	}
	return check.passed(fmt.Sprintf("memory allocated: %d MiB", *probe.MemoryActualKiB/1024), c.now().Sub(start), c.now())
}

func (c *Checker) checkCPUAvailability(probe introspect.VmRuntimeProbe, err error) HealthCheck {
	start := c.now()
	check := newCheck(CheckCPUAvailability)
	if err != nil {
		return check.failed(fmt.Sprintf("error checking vcpus: %v", err), c.now().Sub(start), c.now())
	}
	if probe.VCPUCount > 0 && probe.VCPURunningCount == probe.VCPUCount {
		return check.passed(fmt.Sprintf("all %d vcpus running", probe.VCPUCount), c.now().Sub(start), c.now())
	}
	return check.failed(fmt.Sprintf("only %d/%d vcpus running", probe.VCPURunningCount, probe.VCPUCount), c.now().Sub(start), c.now())
}

func (c *Checker) checkDiskIO(probe introspect.VmRuntimeProbe, err error) HealthCheck {
	start := c.now()
	check := newCheck(CheckDiskIO)
	if err != nil {
		return check.failed(fmt.Sprintf("error checking disks: %v", err), c.now().Sub(start), c.now())
	}
	if probe.DiskDeviceCount > 0 {
		return check.passed(fmt.Sprintf("%d disk device(s) accessible", probe.DiskDeviceCount), c.now().Sub(start), c.now())
	}
	return check.failed("no disk devices found", c.now().Sub(start), c.now())
}

func (c *Checker) checkNetworkConnectivity(probe introspect.VmRuntimeProbe, err error) HealthCheck {
	start := c.now()
	check := newCheck(CheckNetworkConnectivity)
	if err != nil {
		return check.failed(fmt.Sprintf("error checking network: %v", err), c.now().Sub(start), c.now())
	}
	if probe.NetInterfaceCount > 0 {
		return check.passed(fmt.Sprintf("%d network interface(s) attached", probe.NetInterfaceCount), c.now().Sub(start), c.now())
	}
	return check.failed("no network interfaces found", c.now().Sub(start), c.now())
}

// checkGuestAgentResponsive: a negative response or "not connected"/"not
// running" stderr counts as passed, since the optional agent being absent
// is not a failure.
func (c *Checker) checkGuestAgentResponsive(ctx context.Context, domain string) HealthCheck {
	start := c.now()
	check := newCheck(CheckGuestAgentResponsive)
	cctx, cancel := c.deadline(ctx)
	defer cancel()
	responsive, err := c.Prober.GuestAgentResponsive(cctx, domain)
	if c.timedOut(cctx, err) {
		return check.timeout(c.now().Sub(start), c.now())
	}
	if err != nil {
		return check.failed(fmt.Sprintf("guest agent error: %v", err), c.now().Sub(start), c.now())
	}
	if responsive {
		return check.passed("guest agent responsive", c.now().Sub(start), c.now())
	}
	return check.passed("guest agent not installed (optional)", c.now().Sub(start), c.now())
}

// CheckApplicationHealth performs a single HTTP GET against endpointURL
// under its own deadline: 2xx passes, non-2xx fails, a transport error
// fails, and exceeding the deadline times out.
func (c *Checker) CheckApplicationHealth(ctx context.Context, endpointURL string) HealthCheck {
	start := c.now()
	check := newCheck(CheckApplicationHealth)
	cctx, cancel := c.deadline(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodGet, endpointURL, nil)
	if err != nil {
		return check.failed(fmt.Sprintf("bad request: %v", err), c.now().Sub(start), c.now())
	}
	resp, err := c.httpClient.Do(req)
	if c.timedOut(cctx, err) {
		return check.timeout(c.now().Sub(start), c.now())
	}
	if err != nil {
		return check.failed(fmt.Sprintf("request error: %v", err), c.now().Sub(start), c.now())
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return check.passed(fmt.Sprintf("application health check passed (HTTP %d)", resp.StatusCode), c.now().Sub(start), c.now())
	}
	return check.failed(fmt.Sprintf("application health check failed (HTTP %d)", resp.StatusCode), c.now().Sub(start), c.now())
}

// ABOUTME: Package introspect implements the guest introspector (component
// ABOUTME: C): a stateless parser turning CLI tool output into a VmRuntimeProbe.
package introspect

import (
	"bufio"
	"context"
	"strconv"
	"strings"

	"github.com/horcrux/vmcore/internal/vmerr"
)

// RunState is the guest's reported power state. Unknown strings are
// preserved as "other:<value>" rather than rejected.
type RunState string

const (
	RunStateRunning RunState = "running"
	RunStatePaused  RunState = "paused"
	RunStateShutOff RunState = "shut-off"
)

// ParseRunState maps the introspection tool's domstate output to a RunState.
func ParseRunState(output string) RunState {
	trimmed := strings.ToLower(strings.TrimSpace(output))
	switch trimmed {
	case "running":
		return RunStateRunning
	case "paused":
		return RunStatePaused
	case "shut off", "shutoff", "stopped":
		return RunStateShutOff
	default:
		if trimmed == "" {
			return RunState("other:")
		}
		return RunState("other:" + strings.TrimSpace(output))
	}
}

// VmRuntimeProbe is a momentary snapshot of a VM's observable state.
type VmRuntimeProbe struct {
	RunState          RunState
	MemoryActualKiB   *int64
	VCPUCount         int
	VCPURunningCount  int
	DiskDeviceCount   int
	NetInterfaceCount int
}

// CommandRunner executes the introspection tool and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// Prober drives the introspection tool for one VM.
type Prober struct {
	Runner   CommandRunner
	ToolPath string // defaults to "virsh"
}

func (p *Prober) tool() string {
	if p.ToolPath != "" {
		return p.ToolPath
	}
	return "virsh"
}

func (p *Prober) run(ctx context.Context, op string, args ...string) (string, error) {
	out, err := p.Runner.Run(ctx, p.tool(), args...)
	if err != nil {
		return "", vmerr.Wrap(vmerr.KindDriverFailure, "introspect."+op, err)
	}
	return out, nil
}

// Probe runs the full battery of introspection subcommands against domain
// and assembles a VmRuntimeProbe. Any single subcommand's tool-failure
// aborts the whole probe. Malformed output never panics: values the parsers
// cannot read are left absent or zero, and Probe does not return a KindParse
// error for them.
func (p *Prober) Probe(ctx context.Context, domain string) (VmRuntimeProbe, error) {
	var probe VmRuntimeProbe

	stateOut, err := p.run(ctx, "domstate", "domstate", domain)
	if err != nil {
		return VmRuntimeProbe{}, err
	}
	probe.RunState = ParseRunState(stateOut)

	memOut, err := p.run(ctx, "dommemstat", "dommemstat", domain)
	if err != nil {
		return VmRuntimeProbe{}, err
	}
	probe.MemoryActualKiB = ParseMemStat(memOut)

	vcpuOut, err := p.run(ctx, "vcpuinfo", "vcpuinfo", domain)
	if err != nil {
		return VmRuntimeProbe{}, err
	}
	probe.VCPUCount, probe.VCPURunningCount = ParseVCPUInfo(vcpuOut)

	diskOut, err := p.run(ctx, "domblklist", "domblklist", domain)
	if err != nil {
		return VmRuntimeProbe{}, err
	}
	probe.DiskDeviceCount = ParseRowCount(diskOut)

	netOut, err := p.run(ctx, "domiflist", "domiflist", domain)
	if err != nil {
		return VmRuntimeProbe{}, err
	}
	probe.NetInterfaceCount = ParseRowCount(netOut)

	return probe, nil
}

// GuestAgentResponsive sends a no-op guest-agent command. An explicit
// negative response or an error whose stderr indicates the agent is not
// connected both count as the guest-tool check passing: the agent being
// absent is not itself a failure.
func (p *Prober) GuestAgentResponsive(ctx context.Context, domain string) (bool, error) {
	_, err := p.Runner.Run(ctx, p.tool(), "qemu-agent-command", domain, `{"execute":"guest-ping"}`)
	if err == nil {
		return true, nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "not connected") || strings.Contains(msg, "not running") || strings.Contains(msg, "disconnected") {
		return true, nil
	}
	return false, vmerr.Wrap(vmerr.KindDriverFailure, "introspect.GuestAgentResponsive", err)
}

// ParseMemStat extracts the kibibyte value from the "actual" line of
// dommemstat output. The second whitespace-delimited field on that line is
// the value; if the line is absent, memory stats are reported as absent.
func ParseMemStat(output string) *int64 {
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[0] != "actual" {
			continue
		}
		kib, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		return &kib
	}
	return nil
}

// ParseVCPUInfo counts vcpuinfo's "VCPU:" blocks and, within each, whether
// the block's "state:" field equals "running".
func ParseVCPUInfo(output string) (count, running int) {
	scanner := bufio.NewScanner(strings.NewReader(output))
	inBlock := false
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSuffix(fields[0], ":"))
		switch key {
		case "vcpu":
			count++
			inBlock = true
		case "state":
			if inBlock && len(fields) >= 2 && strings.EqualFold(fields[1], "running") {
				running++
			}
		}
	}
	return count, running
}

// ParseRowCount skips the first two header rows (name row + separator row)
// of a domblklist/domiflist-style table and counts remaining non-blank
// rows.
func ParseRowCount(output string) int {
	lines := strings.Split(output, "\n")
	count := 0
	for i, line := range lines {
		if i < 2 {
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		count++
	}
	return count
}

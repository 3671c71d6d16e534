package introspect

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	outputs map[string]string
	errs    map[string]error
}

func (r *fakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	key := args[0]
	if err, ok := r.errs[key]; ok {
		return "", err
	}
	return r.outputs[key], nil
}

func TestParseRunState(t *testing.T) {
	assert.Equal(t, RunStateRunning, ParseRunState("running\n"))
	assert.Equal(t, RunStatePaused, ParseRunState("paused"))
	assert.Equal(t, RunStateShutOff, ParseRunState("shut off"))
	assert.Equal(t, RunState("other:crashed"), ParseRunState("crashed"))
}

func TestParseMemStat(t *testing.T) {
	out := "actual 2097152\nswap_in 0\nswap_out 0\n"
	kib := ParseMemStat(out)
	require.NotNil(t, kib)
	assert.Equal(t, int64(2097152), *kib)

	assert.Nil(t, ParseMemStat("swap_in 0\n"))
}

func TestParseVCPUInfo(t *testing.T) {
	out := `VCPU:           0
CPU:            1
State:          running
Time:           12.3s

VCPU:           1
CPU:            0
State:          blocked
Time:           0.1s
`
	count, running := ParseVCPUInfo(out)
	assert.Equal(t, 2, count)
	assert.Equal(t, 1, running)
}

func TestParseRowCount(t *testing.T) {
	out := "Target     Source\n------------------------------\nvda        /var/lib/disk0.qcow2\nvdb        /var/lib/disk1.qcow2\n"
	assert.Equal(t, 2, ParseRowCount(out))

	assert.Equal(t, 0, ParseRowCount("Target     Source\n------------------------------\n"))
}

func TestProbeAssemblesFields(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{
		"domstate":     "running\n",
		"dommemstat":   "actual 4096\n",
		"vcpuinfo":     "VCPU:  0\nState: running\n",
		"domblklist":   "Target Source\n----\nvda /disk0\n",
		"domiflist":    "Interface Type\n----\nvnet0 bridge\n",
	}}
	p := &Prober{Runner: runner}
	probe, err := p.Probe(context.Background(), "100")
	require.NoError(t, err)
	assert.Equal(t, RunStateRunning, probe.RunState)
	require.NotNil(t, probe.MemoryActualKiB)
	assert.Equal(t, int64(4096), *probe.MemoryActualKiB)
	assert.Equal(t, 1, probe.VCPUCount)
	assert.Equal(t, 1, probe.VCPURunningCount)
	assert.Equal(t, 1, probe.DiskDeviceCount)
	assert.Equal(t, 1, probe.NetInterfaceCount)
}

func TestProbePropagatesToolFailure(t *testing.T) {
	runner := &fakeRunner{errs: map[string]error{"domstate": errors.New("exit status 1")}}
	p := &Prober{Runner: runner}
	_, err := p.Probe(context.Background(), "100")
	require.Error(t, err)
}

func TestGuestAgentResponsiveTreatsNotConnectedAsPassed(t *testing.T) {
	runner := &fakeRunner{errs: map[string]error{"qemu-agent-command": errors.New("QEMU guest agent is not connected")}}
	p := &Prober{Runner: runner}
	ok, err := p.GuestAgentResponsive(context.Background(), "100")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGuestAgentResponsiveSurfacesOtherErrors(t *testing.T) {
	runner := &fakeRunner{errs: map[string]error{"qemu-agent-command": errors.New("timed out waiting for reply")}}
	p := &Prober{Runner: runner}
	_, err := p.GuestAgentResponsive(context.Background(), "100")
	require.Error(t, err)
}

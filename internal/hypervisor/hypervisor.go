// ABOUTME: Package hypervisor implements the hypervisor control client
// ABOUTME: (component B): a JSON-line request/response conversation over a
// ABOUTME: per-VM UNIX stream socket, with reconnect-on-error.
package hypervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/horcrux/vmcore/internal/vmerr"
)

// request is one line of the wire protocol sent to the hypervisor.
type request struct {
	Command   string          `json:"command"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// response is one line of the wire protocol read back from the hypervisor.
type response struct {
	Return json.RawMessage `json:"return,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Dialer opens the per-VM control socket. Production code dials a UNIX
// stream socket; tests can substitute an in-memory pipe.
type Dialer func(ctx context.Context) (net.Conn, error)

// UnixDialer returns a Dialer that connects to the given UNIX socket path.
func UnixDialer(path string) Dialer {
	return func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "unix", path)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// SocketPath builds the well-known control socket path for a VM under a
// given hypervisor's run directory: /var/run/<hypervisor>/<vm-id>.ctl.
func SocketPath(runDir, hypervisorName string, vmid int) string {
	return fmt.Sprintf("%s/%s/%d.ctl", runDir, hypervisorName, vmid)
}

// Client is a single-in-flight-call conversation with one VM's control
// socket. The caller is responsible for serialising calls; Client enforces
// this with an internal mutex so concurrent use is safe but never
// parallel, matching the hypervisor's one-request-at-a-time contract.
type Client struct {
	dial Dialer

	mu   sync.Mutex
	conn net.Conn
	rd   *bufio.Reader
}

// New builds a Client around the given Dialer. The socket is not opened
// until the first call.
func New(dial Dialer) *Client {
	return &Client{dial: dial}
}

// Close releases the underlying connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.rd = nil
	return err
}

func (c *Client) ensureConnLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return vmerr.Wrap(vmerr.KindTransport, "hypervisor.Client.connect", err)
	}
	c.conn = conn
	c.rd = bufio.NewReader(conn)
	return nil
}

// call issues a single JSON request and waits for the matching JSON
// response, honoring ctx's deadline. On any transport error the
// connection is torn down so the next call reconnects.
func (c *Client) call(ctx context.Context, cmd string, args any, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnLocked(ctx); err != nil {
		return err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
	} else {
		_ = c.conn.SetDeadline(time.Time{})
	}

	var rawArgs json.RawMessage
	if args != nil {
		encoded, err := json.Marshal(args)
		if err != nil {
			return vmerr.Wrap(vmerr.KindTransport, "hypervisor.Client.call", err)
		}
		rawArgs = encoded
	}
	req := request{Command: cmd, Arguments: rawArgs}
	line, err := json.Marshal(req)
	if err != nil {
		return vmerr.Wrap(vmerr.KindTransport, "hypervisor.Client.call", err)
	}
	line = append(line, '\n')
	if _, err := c.conn.Write(line); err != nil {
		c.closeLocked()
		return vmerr.Wrap(vmerr.KindTransport, "hypervisor.Client.call", err)
	}

	respLine, err := c.rd.ReadString('\n')
	if err != nil {
		c.closeLocked()
		if ctx.Err() != nil {
			return vmerr.Wrap(vmerr.KindTimeout, "hypervisor.Client.call", ctx.Err())
		}
		return vmerr.Wrap(vmerr.KindTransport, "hypervisor.Client.call", err)
	}

	var resp response
	if err := json.Unmarshal([]byte(respLine), &resp); err != nil {
		return vmerr.Wrap(vmerr.KindTransport, "hypervisor.Client.call", fmt.Errorf("malformed response: %w", err))
	}
	if resp.Error != "" {
		return vmerr.New(vmerr.KindTransport, "hypervisor.Client.call", resp.Error)
	}
	if out != nil && len(resp.Return) > 0 {
		if err := json.Unmarshal(resp.Return, out); err != nil {
			return vmerr.Wrap(vmerr.KindTransport, "hypervisor.Client.call", err)
		}
	}
	return nil
}

// RunState is the hypervisor's reported power state for a VM.
type RunState string

const (
	RunStateRunning RunState = "running"
	RunStatePaused  RunState = "paused"
	RunStateStopped RunState = "stopped"
)

// QueryRunState asks the hypervisor for the VM's current power state.
func (c *Client) QueryRunState(ctx context.Context) (RunState, error) {
	var out struct {
		State string `json:"state"`
	}
	if err := c.call(ctx, "query-run-state", nil, &out); err != nil {
		return "", err
	}
	return RunState(out.State), nil
}

// Pause suspends the VM.
func (c *Client) Pause(ctx context.Context) error {
	return c.call(ctx, "pause", nil, nil)
}

// Resume resumes a paused VM.
func (c *Client) Resume(ctx context.Context) error {
	return c.call(ctx, "resume", nil, nil)
}

// DumpMemory instructs the hypervisor to stream a compressed memory dump to
// path.
func (c *Client) DumpMemory(ctx context.Context, path string, compression string) error {
	args := struct {
		Path        string `json:"path"`
		Compression string `json:"compression,omitempty"`
	}{Path: path, Compression: compression}
	return c.call(ctx, "dump-memory", args, nil)
}

// MigrateOptions carries the tunables for a migrate call.
type MigrateOptions struct {
	Live       bool `json:"live"`
	BandwidthMB int  `json:"bandwidth_mb,omitempty"`
}

// Migrate starts a migration to targetURI.
func (c *Client) Migrate(ctx context.Context, targetURI string, opts MigrateOptions) error {
	args := struct {
		Target  string         `json:"target_uri"`
		Options MigrateOptions `json:"options"`
	}{Target: targetURI, Options: opts}
	return c.call(ctx, "migrate", args, nil)
}

// MigrateProgress reports the hypervisor's view of an in-flight migration.
type MigrateProgress struct {
	Status          string `json:"status"` // "active", "completed", "failed"
	BytesTotal      int64  `json:"bytes_total"`
	BytesTransferred int64 `json:"bytes_transferred"`
	BandwidthBPS    int64  `json:"bandwidth_bps"`
}

// QueryMigrateProgress polls the hypervisor for migration progress.
func (c *Client) QueryMigrateProgress(ctx context.Context) (MigrateProgress, error) {
	var out MigrateProgress
	if err := c.call(ctx, "query-migrate-progress", nil, &out); err != nil {
		return MigrateProgress{}, err
	}
	return out, nil
}

// AbortMigrate requests the hypervisor cancel an in-flight migration.
func (c *Client) AbortMigrate(ctx context.Context) error {
	return c.call(ctx, "migrate-cancel", nil, nil)
}

// StageMemoryDump instructs the hypervisor to load the memory image at
// path the next time this VM boots, used by a snapshot restore that asked
// to restore memory.
func (c *Client) StageMemoryDump(ctx context.Context, path string) error {
	args := struct {
		Path string `json:"path"`
	}{Path: path}
	return c.call(ctx, "stage-memory-dump", args, nil)
}

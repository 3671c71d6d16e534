package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
)

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid integer %q", s)
	}
	return n, nil
}

// stringList accumulates repeated -disk flags into a slice.
type stringList struct{ values []string }

func (l *stringList) String() string { return strings.Join(l.values, ",") }
func (l *stringList) Set(v string) error {
	l.values = append(l.values, v)
	return nil
}

func prettyPrintJSON(data []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		_, err := os.Stdout.Write(data)
		return err
	}
	buf.WriteByte('\n')
	_, err := os.Stdout.Write(buf.Bytes())
	return err
}

func runSnapshotCommand(ctx context.Context, args []string, base commonFlags) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: snapshot requires a subcommand", errUsage)
	}
	switch args[0] {
	case "create":
		return runSnapshotCreate(ctx, args[1:], base)
	case "list":
		return runSnapshotList(ctx, args[1:], base)
	case "tree":
		return runSnapshotTree(ctx, args[1:], base)
	case "show":
		return runSnapshotShow(ctx, args[1:], base)
	case "delete":
		return runSnapshotDelete(ctx, args[1:], base)
	case "restore":
		return runSnapshotRestore(ctx, args[1:], base)
	default:
		return fmt.Errorf("%w: unknown snapshot subcommand %q", errUsage, args[0])
	}
}

func runSnapshotCreate(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("snapshot create")
	opts := base
	opts.bind(fs)
	var name, description, parent string
	var disks stringList
	var includeMemory bool
	fs.StringVar(&name, "name", "", "snapshot name")
	fs.StringVar(&description, "description", "", "snapshot description")
	fs.StringVar(&parent, "parent", "", "parent snapshot id")
	fs.Var(&disks, "disk", "disk path to capture (repeatable)")
	fs.BoolVar(&includeMemory, "memory", false, "include a memory dump")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("%w: vmid is required", errUsage)
	}
	vmid, err := parseVMID(fs.Arg(0))
	if err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("%w: --name is required", errUsage)
	}

	client := newAPIClient(opts.endpoint, opts.token, opts.timeout)
	body := createSnapshotRequest{Name: name, Description: description, Disks: disks.values, IncludeMemory: includeMemory, ParentID: parent}
	payload, err := client.doJSON(ctx, http.MethodPost, fmt.Sprintf("/v1/vms/%d/snapshots", vmid), body)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return prettyPrintJSON(payload)
	}
	var snap snapshotResponse
	if err := json.Unmarshal(payload, &snap); err != nil {
		return err
	}
	printSnapshot(snap)
	return nil
}

func runSnapshotList(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("snapshot list")
	opts := base
	opts.bind(fs)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("%w: vmid is required", errUsage)
	}
	vmid, err := parseVMID(fs.Arg(0))
	if err != nil {
		return err
	}

	client := newAPIClient(opts.endpoint, opts.token, opts.timeout)
	payload, err := client.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/vms/%d/snapshots", vmid), nil)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return prettyPrintJSON(payload)
	}
	var snaps []snapshotResponse
	if err := json.Unmarshal(payload, &snaps); err != nil {
		return err
	}
	printSnapshotList(snaps)
	return nil
}

func runSnapshotTree(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("snapshot tree")
	opts := base
	opts.bind(fs)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("%w: vmid is required", errUsage)
	}
	vmid, err := parseVMID(fs.Arg(0))
	if err != nil {
		return err
	}

	client := newAPIClient(opts.endpoint, opts.token, opts.timeout)
	payload, err := client.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/vms/%d/snapshots/tree", vmid), nil)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return prettyPrintJSON(payload)
	}
	var roots []*snapshotTreeNode
	if err := json.Unmarshal(payload, &roots); err != nil {
		return err
	}
	for _, root := range roots {
		printSnapshotTree(root, 0)
	}
	return nil
}

func runSnapshotShow(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("snapshot show")
	opts := base
	opts.bind(fs)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("%w: snapshot id is required", errUsage)
	}
	id := fs.Arg(0)

	client := newAPIClient(opts.endpoint, opts.token, opts.timeout)
	payload, err := client.doJSON(ctx, http.MethodGet, "/v1/snapshots/"+id, nil)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return prettyPrintJSON(payload)
	}
	var snap snapshotResponse
	if err := json.Unmarshal(payload, &snap); err != nil {
		return err
	}
	printSnapshot(snap)
	return nil
}

func runSnapshotDelete(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("snapshot delete")
	opts := base
	opts.bind(fs)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("%w: snapshot id is required", errUsage)
	}
	id := fs.Arg(0)

	client := newAPIClient(opts.endpoint, opts.token, opts.timeout)
	if _, err := client.doJSON(ctx, http.MethodDelete, "/v1/snapshots/"+id, nil); err != nil {
		return err
	}
	if opts.jsonOutput {
		return prettyPrintJSON([]byte(`{"deleted":"` + id + `"}`))
	}
	fmt.Printf("deleted %s\n", id)
	return nil
}

func runSnapshotRestore(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("snapshot restore")
	opts := base
	opts.bind(fs)
	var restoreMemory bool
	fs.BoolVar(&restoreMemory, "memory", false, "restore the memory dump as well")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("%w: snapshot id is required", errUsage)
	}
	id := fs.Arg(0)

	client := newAPIClient(opts.endpoint, opts.token, opts.timeout)
	payload, err := client.doJSON(ctx, http.MethodPost, "/v1/snapshots/"+id+"/restore", restoreRequest{RestoreMemory: restoreMemory})
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return prettyPrintJSON(payload)
	}
	var result restoreResponse
	if err := json.Unmarshal(payload, &result); err != nil {
		return err
	}
	printSnapshot(result.Snapshot)
	if len(result.Invalidated) > 0 {
		fmt.Printf("Invalidated: %s\n", strings.Join(result.Invalidated, ", "))
	}
	return nil
}

func runMigrateCommand(ctx context.Context, args []string, base commonFlags) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: migrate requires a subcommand", errUsage)
	}
	switch args[0] {
	case "start":
		return runMigrateStart(ctx, args[1:], base)
	case "status":
		return runMigrateStatus(ctx, args[1:], base)
	case "cancel":
		return runMigrateCancel(ctx, args[1:], base)
	default:
		return fmt.Errorf("%w: unknown migrate subcommand %q", errUsage, args[0])
	}
}

func runMigrateStart(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("migrate start")
	opts := base
	opts.bind(fs)
	var live bool
	fs.BoolVar(&live, "live", false, "perform a live migration instead of offline")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() < 3 {
		return fmt.Errorf("%w: vmid, source-node and target-node are required", errUsage)
	}
	vmid, err := parseVMID(fs.Arg(0))
	if err != nil {
		return err
	}
	mode := "offline"
	if live {
		mode = "live"
	}

	client := newAPIClient(opts.endpoint, opts.token, opts.timeout)
	body := scheduleMigrationRequest{VMID: vmid, SourceNode: fs.Arg(1), TargetNode: fs.Arg(2), Mode: mode}
	payload, err := client.doJSON(ctx, http.MethodPost, "/v1/migrations", body)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return prettyPrintJSON(payload)
	}
	var job migrationJobResponse
	if err := json.Unmarshal(payload, &job); err != nil {
		return err
	}
	printMigrationJob(job)
	return nil
}

func runMigrateStatus(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("migrate status")
	opts := base
	opts.bind(fs)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("%w: migration id is required", errUsage)
	}
	id := fs.Arg(0)

	client := newAPIClient(opts.endpoint, opts.token, opts.timeout)
	payload, err := client.doJSON(ctx, http.MethodGet, "/v1/migrations/"+id, nil)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return prettyPrintJSON(payload)
	}
	var job migrationJobResponse
	if err := json.Unmarshal(payload, &job); err != nil {
		return err
	}
	printMigrationJob(job)
	return nil
}

func runMigrateCancel(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("migrate cancel")
	opts := base
	opts.bind(fs)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("%w: migration id is required", errUsage)
	}
	id := fs.Arg(0)

	client := newAPIClient(opts.endpoint, opts.token, opts.timeout)
	if _, err := client.doJSON(ctx, http.MethodPost, "/v1/migrations/"+id+"/cancel", nil); err != nil {
		return err
	}
	if opts.jsonOutput {
		return prettyPrintJSON([]byte(`{"cancelled":"` + id + `"}`))
	}
	fmt.Printf("cancelled %s\n", id)
	return nil
}

func runHealthCommand(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("health")
	opts := base
	opts.bind(fs)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("%w: vmid is required", errUsage)
	}
	vmid, err := parseVMID(fs.Arg(0))
	if err != nil {
		return err
	}

	client := newAPIClient(opts.endpoint, opts.token, opts.timeout)
	payload, err := client.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/vms/%d/health", vmid), nil)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return prettyPrintJSON(payload)
	}
	var report healthReport
	if err := json.Unmarshal(payload, &report); err != nil {
		return err
	}
	printHealthReport(report)
	return nil
}

func printSnapshot(s snapshotResponse) {
	fmt.Printf("ID: %s\n", s.ID)
	fmt.Printf("VMID: %d\n", s.VMID)
	fmt.Printf("Name: %s\n", s.Name)
	fmt.Printf("Description: %s\n", orDash(s.Description))
	fmt.Printf("Parent: %s\n", orDash(s.ParentID))
	fmt.Printf("Capture State: %s\n", s.CaptureState)
	fmt.Printf("Created At: %s\n", s.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
	fmt.Printf("Disks: %d\n", len(s.Disks))
}

func printSnapshotList(snaps []snapshotResponse) {
	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPARENT\tSTATE\tCREATED")
	for _, s := range snaps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Name, orDash(s.ParentID), s.CaptureState, s.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	_ = w.Flush()
}

func printSnapshotTree(node *snapshotTreeNode, depth int) {
	marker := ""
	if node.IsCurrent {
		marker = " (current)"
	}
	fmt.Printf("%s- %s [%s]%s\n", strings.Repeat("  ", depth), node.Snapshot.Name, node.Snapshot.ID, marker)
	for _, child := range node.Children {
		printSnapshotTree(child, depth+1)
	}
}

func printMigrationJob(job migrationJobResponse) {
	fmt.Printf("ID: %s\n", job.ID)
	fmt.Printf("VMID: %d\n", job.VMID)
	fmt.Printf("Source: %s\n", job.SourceNode)
	fmt.Printf("Target: %s\n", job.TargetNode)
	fmt.Printf("Mode: %s\n", job.Mode)
	fmt.Printf("State: %s\n", job.State)
	if job.FailReason != "" {
		fmt.Printf("Fail Reason: %s\n", job.FailReason)
	}
	if job.Report != nil {
		fmt.Printf("Health Verdict: %s\n", job.Report.Overall)
	}
}

func printHealthReport(report healthReport) {
	fmt.Printf("VMID: %d\n", report.VMID)
	fmt.Printf("Overall: %s\n", report.Overall)
	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "CHECK\tVERDICT\tDURATION\tMESSAGE")
	for _, c := range report.Checks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Kind, c.Verdict, c.Duration, orDash(c.Message))
	}
	_ = w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/horcrux/vmcore/internal/buildinfo"
)

const usageText = `vmctl is the CLI for controlling vmcored.

Usage:
  vmctl [global flags] <command> [args]

Commands:
  snapshot create  <vmid> --name NAME [--description TEXT] [--disk PATH ...] [--memory]
  snapshot list    <vmid>
  snapshot tree    <vmid>
  snapshot show    <id>
  snapshot delete  <id>
  snapshot restore <id> [--memory]
  migrate start    <vmid> <source-node> <target-node> [--live]
  migrate status   <id>
  migrate cancel   <id>
  health           <vmid>

Global flags:
  --endpoint   control plane endpoint (http(s)://host:port)
  --token      control plane auth token
  --json       output json
  --timeout    request timeout (e.g. 30s, 2m)
  --version    print version and exit

Errors:
  When --json is set, errors are emitted as: {"error":"message"}

Exit codes:
  0: success or help displayed
  1: command or request failed
  2: invalid arguments or usage
`

var (
	errHelp  = errors.New("help requested")
	errUsage = errors.New("invalid usage")
)

type globalOptions struct {
	endpoint    string
	token       string
	jsonOutput  bool
	showVersion bool
	timeout     time.Duration
}

// commonFlags carries the options every subcommand needs to reach vmcored.
type commonFlags struct {
	endpoint   string
	token      string
	jsonOutput bool
	timeout    time.Duration
}

func (c *commonFlags) bind(fs *flag.FlagSet) {
	fs.StringVar(&c.endpoint, "endpoint", c.endpoint, "control plane endpoint (http(s)://host:port)")
	fs.StringVar(&c.token, "token", c.token, "control plane auth token")
	fs.BoolVar(&c.jsonOutput, "json", c.jsonOutput, "output json")
	fs.DurationVar(&c.timeout, "timeout", c.timeout, "request timeout (e.g. 30s, 2m)")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func main() {
	opts, args, err := parseGlobal(os.Args[1:])
	if err != nil {
		if errors.Is(err, errHelp) {
			printUsage()
			return
		}
		reportError(opts.jsonOutput, err)
		os.Exit(exitCodeFor(err))
	}
	if opts.showVersion {
		fmt.Println(buildinfo.String())
		return
	}
	if len(args) == 0 || isHelpToken(args[0]) {
		printUsage()
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	base := commonFlags{
		endpoint:   opts.endpoint,
		token:      opts.token,
		jsonOutput: opts.jsonOutput || !isatty.IsTerminal(os.Stdout.Fd()),
		timeout:    opts.timeout,
	}
	if err := dispatch(ctx, args, base); err != nil {
		if errors.Is(err, errHelp) {
			return
		}
		reportError(base.jsonOutput, err)
		os.Exit(exitCodeFor(err))
	}
}

func parseGlobal(args []string) (globalOptions, []string, error) {
	opts := globalOptions{endpoint: defaultEndpoint, timeout: defaultRequestTimeout}
	if endpoint := strings.TrimSpace(os.Getenv("VMCTL_ENDPOINT")); endpoint != "" {
		opts.endpoint = endpoint
	}
	if token := strings.TrimSpace(os.Getenv("VMCTL_TOKEN")); token != "" {
		opts.token = token
	}

	fs := flag.NewFlagSet("vmctl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var help bool
	fs.StringVar(&opts.endpoint, "endpoint", opts.endpoint, "control plane endpoint (http(s)://host:port)")
	fs.StringVar(&opts.token, "token", opts.token, "control plane auth token")
	fs.BoolVar(&opts.jsonOutput, "json", false, "output json")
	fs.DurationVar(&opts.timeout, "timeout", opts.timeout, "request timeout (e.g. 30s, 2m)")
	fs.BoolVar(&opts.showVersion, "version", false, "print version and exit")
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return opts, nil, errHelp
		}
		return opts, nil, fmt.Errorf("%w: %v", errUsage, err)
	}
	if help {
		return opts, nil, errHelp
	}
	return opts, fs.Args(), nil
}

func dispatch(ctx context.Context, args []string, base commonFlags) error {
	switch args[0] {
	case "snapshot":
		return runSnapshotCommand(ctx, args[1:], base)
	case "migrate":
		return runMigrateCommand(ctx, args[1:], base)
	case "health":
		return runHealthCommand(ctx, args[1:], base)
	default:
		if !base.jsonOutput {
			printUsage()
		}
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
}

func isHelpToken(s string) bool {
	return s == "help" || s == "-h" || s == "--help"
}

func printUsage() {
	_, _ = fmt.Fprint(os.Stdout, usageText)
}

func exitCodeFor(err error) int {
	if errors.Is(err, errUsage) {
		return 2
	}
	return 1
}

func reportError(jsonOutput bool, err error) {
	if jsonOutput {
		writeJSONError(os.Stdout, err.Error())
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
}

func writeJSONError(w io.Writer, msg string) {
	fmt.Fprintf(w, "{%q:%q}\n", "error", msg)
}

func parseVMID(s string) (int, error) {
	vmid, err := parsePositiveInt(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid vmid %q", errUsage, s)
	}
	return vmid, nil
}

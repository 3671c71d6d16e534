package storage

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ExecRunner runs storage tool commands directly via os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		fullCmd := formatCommand(append([]string{name}, args...))
		errMsg := strings.TrimSpace(stderr.String())
		if errMsg != "" {
			return "", fmt.Errorf("command %s failed: %w: %s", fullCmd, err, errMsg)
		}
		return "", fmt.Errorf("command %s failed: %w", fullCmd, err)
	}
	return stdout.String(), nil
}

func formatCommand(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return strings.Join(args, " ")
}

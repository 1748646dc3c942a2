package services

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CodeRunner executes code_job snippets in a subprocess. The interface keeps
// handler logic testable without spawning interpreters.
type CodeRunner interface {
	RunProcess(ctx context.Context, language, code string, stdin []byte) (string, error)
}

// ExecRunner shells out to the local interpreters. The inputs JSON arrives
// on stdin and in DIPEO_INPUTS.
type ExecRunner struct{}

func (ExecRunner) RunProcess(ctx context.Context, language, code string, stdin []byte) (string, error) {
	var cmd *exec.Cmd
	switch strings.ToLower(strings.TrimSpace(language)) {
	case "bash", "shell", "sh":
		cmd = exec.CommandContext(ctx, "bash", "-c", code)
	case "python", "python3":
		cmd = exec.CommandContext(ctx, "python3", "-c", code)
	case "javascript", "js", "node":
		cmd = exec.CommandContext(ctx, "node", "-e", code)
	default:
		return "", fmt.Errorf("unsupported language %q", language)
	}

	if len(stdin) > 0 {
		cmd.Stdin = bytes.NewReader(stdin)
		cmd.Env = append(cmd.Environ(), "DIPEO_INPUTS="+string(stdin))
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%s: %s", language, msg)
	}
	return stdout.String(), nil
}

package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// maxShellOutput caps the combined output returned to the model
const maxShellOutput = 30000

// dangerousEnvVars never reach child processes
var dangerousEnvVars = map[string]bool{
	"LD_PRELOAD": true, "LD_LIBRARY_PATH": true, "LD_AUDIT": true,
	"DYLD_INSERT_LIBRARIES": true, "DYLD_LIBRARY_PATH": true,
	"BASH_ENV": true, "ENV": true, "PROMPT_COMMAND": true, "IFS": true,
	"GBOT_JWT_SECRET": true, "OPENAI_API_KEY": true, "ANTHROPIC_API_KEY": true,
	"GEMINI_API_KEY": true, "TELEGRAM_BOT_TOKEN": true,
}

func sanitizedEnv() []string {
	env := os.Environ()
	clean := make([]string, 0, len(env))
	for _, e := range env {
		key, _, _ := strings.Cut(e, "=")
		upper := strings.ToUpper(key)
		if dangerousEnvVars[upper] ||
			strings.HasPrefix(upper, "BASH_FUNC_") ||
			strings.HasPrefix(upper, "LD_") ||
			strings.HasPrefix(upper, "DYLD_") {
			continue
		}
		clean = append(clean, e)
	}
	return clean
}

// ShellTool runs a command in the workspace
type ShellTool struct {
	workspace string
	timeout   time.Duration
}

func (t *ShellTool) Name() string { return "shell_exec" }
func (t *ShellTool) Group() Group { return GroupShell }

func (t *ShellTool) Description() string {
	return "Run a shell command in the workspace directory and return its output. " +
		"Commands that elevate privileges or touch system paths are refused."
}

func (t *ShellTool) Schema() json.RawMessage {
	return schema(map[string]any{
		"command":         prop("string", "Command line to run"),
		"timeout_seconds": prop("integer", "Override the default timeout"),
	}, "command")
}

func (t *ShellTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var in struct {
		Command        string `json:"command"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := decodeInput(input, &in); err != nil {
		return "", err
	}
	if strings.TrimSpace(in.Command) == "" {
		return "", errors.New("command is required")
	}
	if err := checkCommand(in.Command); err != nil {
		return "", err
	}

	timeout := t.timeout
	if in.TimeoutSeconds > 0 {
		timeout = time.Duration(in.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	shell, args := shellCommand()
	cmd := exec.CommandContext(runCtx, shell, append(args, in.Command)...)
	cmd.Dir = t.workspace
	cmd.Env = sanitizedEnv()
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = 2 * time.Second

	err := cmd.Run()
	output := truncateOutput(out.String())

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Sprintf("command timed out after %s\n%s", timeout, output), nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Sprintf("exit status %d\n%s", exitErr.ExitCode(), output), nil
		}
		return "", fmt.Errorf("run command: %w", err)
	}
	if output == "" {
		return "(no output)", nil
	}
	return output, nil
}

func truncateOutput(s string) string {
	s = strings.TrimRight(s, "\n")
	if len(s) <= maxShellOutput {
		return s
	}
	return s[:maxShellOutput] + fmt.Sprintf("\n... (truncated, %d bytes total)", len(s))
}

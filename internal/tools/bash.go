package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"maestro/internal/llm"
)

type bash struct{}

const bashOutputCap = 32 * 1024

// Execute runs the command through bash in the task worktree. The child gets
// its own process group so a timeout kills the whole tree, not just the
// shell.
func (t *bash) Execute(ctx context.Context, call llm.ToolCall, binding *Binding) (*llm.ToolResult, error) {
	if binding.ReadOnly {
		return reject(call, "bash is not permitted in a read-only session"), nil
	}
	command, ok := stringArg(call, "command")
	if !ok {
		return reject(call, "missing 'command'"), nil
	}

	timeout := binding.EffectiveCommandTimeout()
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "bash", "-c", command)
	cmd.Dir = binding.Root
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if cmdCtx.Err() == context.DeadlineExceeded {
		return reject(call, "command timed out after %s and was killed", timeout), nil
	}

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return reject(call, "%v", runErr), nil
		}
	}

	text := strings.TrimSpace(stdout.String())
	if errText := strings.TrimSpace(stderr.String()); errText != "" {
		if text != "" {
			text += "\n"
		}
		text += errText
	}
	if len(text) > bashOutputCap {
		text = text[:bashOutputCap] + "\n... (output truncated)"
	}
	if exitCode != 0 {
		return &llm.ToolResult{CallID: call.ID, Content: text, Error: fmt.Sprintf("exit code %d", exitCode)}, nil
	}
	if text == "" {
		text = "(no output)"
	}
	return &llm.ToolResult{CallID: call.ID, Content: text}, nil
}

func (t *bash) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "bash",
		Description: "Run a shell command in the task workspace. Long-running commands are killed at the per-tool timeout.",
		Parameters: llm.ParameterSchema{
			Type: "object",
			Properties: map[string]llm.Property{
				"command": {Type: "string", Description: "Command to execute"},
			},
			Required: []string{"command"},
		},
	}
}

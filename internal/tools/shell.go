package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/basket/overseer/internal/structured"
)

const (
	defaultShellTimeout = 30 * time.Second
	maxShellTimeout     = 120 * time.Second
)

// Executor runs a shell command somewhere: the host or a sandbox.
type Executor interface {
	Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error)
}

// HostExecutor runs commands locally.
type HostExecutor struct{}

func (HostExecutor) Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error) {
	execCmd := exec.CommandContext(ctx, "sh", "-c", cmd)
	if workDir != "" {
		execCmd.Dir = workDir
	}
	var outBuf, errBuf bytes.Buffer
	execCmd.Stdout = &outBuf
	execCmd.Stderr = &errBuf

	runErr := execCmd.Run()
	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr) && ctx.Err() == nil:
		exitCode = exitErr.ExitCode()
	default:
		exitCode = -1
		err = runErr
	}
	return outBuf.String(), errBuf.String(), exitCode, err
}

// denyList contains commands that are never executed.
var denyList = map[string]struct{}{
	"rm": {}, "rmdir": {}, "mkfs": {}, "dd": {},
	"shutdown": {}, "reboot": {}, "halt": {}, "poweroff": {},
	"kill": {}, "killall": {}, "pkill": {},
	"sudo": {}, "su": {}, "chmod": {}, "chown": {},
}

var shellSchema = structured.MustCompile(`{
	"type": "object",
	"properties": {
		"command": {"type": "string", "minLength": 1},
		"working_dir": {"type": "string"},
		"timeout_sec": {"type": "integer", "minimum": 1, "maximum": 120}
	},
	"required": ["command"],
	"additionalProperties": false
}`)

type shellArgs struct {
	Command    string `json:"command"`
	WorkingDir string `json:"working_dir,omitempty"`
	TimeoutSec int    `json:"timeout_sec,omitempty"`
}

// ShellTool runs a command through an Executor.
type ShellTool struct {
	Executor Executor
	Timeout  time.Duration
}

func (*ShellTool) Name() string { return "shell_exec" }

func (*ShellTool) Description() string {
	return "Run a shell command on the worker host or sandbox. Destructive commands (rm, sudo, kill, ...) are blocked. Output is truncated to 8KB."
}

func (*ShellTool) Schema() *structured.Schema { return shellSchema }

func (s *ShellTool) Call(ctx context.Context, raw json.RawMessage) (string, error) {
	var args shellArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("decode args: %w", err)
	}
	if err := CheckCommand(args.Command); err != nil {
		return "", err
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = defaultShellTimeout
	}
	if args.TimeoutSec > 0 {
		timeout = time.Duration(args.TimeoutSec) * time.Second
	}
	if timeout > maxShellTimeout {
		timeout = maxShellTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	executor := s.Executor
	if executor == nil {
		executor = HostExecutor{}
	}
	stdout, stderr, exitCode, err := executor.Exec(execCtx, args.Command, args.WorkingDir)
	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return formatExec(stdout, stderr, -1), fmt.Errorf("command timed out after %s", timeout)
		}
		return formatExec(stdout, stderr, exitCode), fmt.Errorf("exec: %w", err)
	}
	out := formatExec(stdout, stderr, exitCode)
	if exitCode != 0 {
		return out, fmt.Errorf("exit status %d", exitCode)
	}
	return out, nil
}

// CheckCommand rejects empty commands, injection operators and any
// pipeline segment that uses a deny-listed binary.
func CheckCommand(cmd string) error {
	if strings.TrimSpace(cmd) == "" {
		return errors.New("empty command")
	}
	for _, op := range []string{";", "$(", "`"} {
		if strings.Contains(cmd, op) {
			return fmt.Errorf("command contains disallowed operator %q", op)
		}
	}
	for _, seg := range splitCommandSegments(cmd) {
		for _, tok := range strings.Fields(seg) {
			if _, blocked := denyList[tok]; blocked {
				return fmt.Errorf("command %q is on the deny list", tok)
			}
		}
	}
	return nil
}

func formatExec(stdout, stderr string, exitCode int) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(stdout, "\n"))
	if s := strings.TrimRight(stderr, "\n"); s != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("[stderr]\n")
		b.WriteString(s)
	}
	if exitCode != 0 {
		fmt.Fprintf(&b, "\n[exit %d]", exitCode)
	}
	return b.String()
}

// splitCommandSegments splits a command at pipe and logical operators.
func splitCommandSegments(cmd string) []string {
	var segments []string
	current := cmd
	for current != "" {
		minIdx := len(current)
		matchLen := 0
		for _, op := range []string{"||", "&&", "|"} {
			if idx := strings.Index(current, op); idx >= 0 && idx < minIdx {
				minIdx = idx
				matchLen = len(op)
			}
		}
		seg := strings.TrimSpace(current[:minIdx])
		if seg != "" {
			segments = append(segments, seg)
		}
		if matchLen == 0 {
			break
		}
		current = current[minIdx+matchLen:]
	}
	return segments
}

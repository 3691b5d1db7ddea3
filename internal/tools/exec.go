package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/xonecas/coda/internal/cmdparse"
	"github.com/xonecas/coda/internal/config"
)

// SandboxPolicy declares which paths spawned tools may write and whether
// network egress is permitted. Enforcement is delegated to the OS layer; the
// policy is exported to children through the environment.
type SandboxPolicy struct {
	Mode            string
	WritableRoots   []string
	NetworkAccess   bool
	ExcludeTmpdir   bool
	ExcludeSlashTmp bool
	AllowGitWrites  bool
}

// PolicyFromConfig maps the sandbox config section onto a policy.
func PolicyFromConfig(cfg config.SandboxConfig) SandboxPolicy {
	return SandboxPolicy{
		Mode:            cfg.Mode,
		WritableRoots:   cfg.WritableRoots,
		NetworkAccess:   cfg.NetworkAccess,
		ExcludeTmpdir:   cfg.ExcludeTmpdir,
		ExcludeSlashTmp: cfg.ExcludeSlashTmp,
		AllowGitWrites:  cfg.AllowGitWrites,
	}
}

// env renders the policy as environment variables for the child process.
func (p SandboxPolicy) env() []string {
	vars := []string{
		"CODA_SANDBOX=" + p.Mode,
	}
	if p.Mode == config.SandboxWorkspaceWrite {
		if len(p.WritableRoots) > 0 {
			vars = append(vars, "CODA_WRITABLE_ROOTS="+strings.Join(p.WritableRoots, ":"))
		}
		if !p.NetworkAccess {
			vars = append(vars, "CODA_NETWORK_DISABLED=1")
		}
	}
	return vars
}

// ExecRequest describes one shell invocation from the model.
type ExecRequest struct {
	CallID  string
	Command []string
	Cwd     string
	// TimeoutMS bounds the run; zero applies the default.
	TimeoutMS int
}

// ExecResult is the completed outcome of an exec.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
}

const (
	defaultExecTimeout = 60 * time.Second
	maxExecTimeout     = 10 * time.Minute
	// cancelExitCode mirrors the shell convention for SIGINT.
	cancelExitCode = 130
)

// CancelledStderr is the synthetic stderr of an interrupted exec.
const CancelledStderr = "Cancelled by user."

// runExec executes the request under the policy and captures output.
func runExec(ctx context.Context, req ExecRequest, policy SandboxPolicy) ExecResult {
	timeout := defaultExecTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	if timeout > maxExecTimeout {
		timeout = maxExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if len(req.Command) == 0 {
		return ExecResult{ExitCode: 1, Stderr: "empty command"}
	}

	cmd := exec.CommandContext(ctx, req.Command[0], req.Command[1:]...)
	cmd.Dir = req.Cwd
	cmd.Env = append(os.Environ(), policy.env()...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			result.ExitCode = exitErr.ExitCode()
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			result.ExitCode = 124
			result.TimedOut = true
			result.Stderr += fmt.Sprintf("command timed out after %s", timeout)
		default:
			result.ExitCode = 127
			if result.Stderr == "" {
				result.Stderr = err.Error()
			}
		}
	}
	return result
}

// FormatExecForModel renders an exec result as the function output text sent
// back to the model, applying the model-format truncation.
func FormatExecForModel(res ExecResult) string {
	var b strings.Builder
	if res.Stdout != "" {
		b.WriteString(res.Stdout)
		if !strings.HasSuffix(res.Stdout, "\n") {
			b.WriteByte('\n')
		}
	}
	if res.Stderr != "" {
		b.WriteString(res.Stderr)
		if !strings.HasSuffix(res.Stderr, "\n") {
			b.WriteByte('\n')
		}
	}
	if res.ExitCode != 0 {
		fmt.Fprintf(&b, "[exit code: %d]\n", res.ExitCode)
	}
	out := b.String()
	if out == "" {
		out = "(no output)\n"
	}
	return FormatOutputForModel(out)
}

// ParseExec classifies the request's command for display and coalescing.
func ParseExec(req ExecRequest) []cmdparse.ParsedCommand {
	return cmdparse.Parse(req.Command)
}

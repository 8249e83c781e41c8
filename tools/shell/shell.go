// Package shell implements the shell tool category (spec.md §4.11):
// running a command inside the workspace sandbox with a bounded timeout,
// capturing stdout/stderr separately.
package shell

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/hostbridge-dev/hostbridge/core"
	"github.com/hostbridge-dev/hostbridge/registry"
	"github.com/hostbridge-dev/hostbridge/workspace"
)

const defaultTimeout = 30 * time.Second
const maxOutputBytes = 1 << 20 // 1 MiB per stream

// ExecuteCommand implements registry.Tool for shell.execute_command. It
// runs the command through /bin/sh -c so shell operators (pipes,
// redirection) behave the way a caller expects, with the working
// directory pinned to the workspace sandbox root.
type ExecuteCommand struct {
	Resolver *workspace.Resolver
}

func (ExecuteCommand) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Category:    "shell",
		Name:        "execute_command",
		Description: "Run a shell command with the working directory pinned to the workspace sandbox.",
		Params: []registry.ParamSchema{
			{Name: "command", Type: "string", Required: true},
			{Name: "timeout_seconds", Type: "number", Required: false},
		},
		RequiresHITL: false,
	}
}

func (t ExecuteCommand) Invoke(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	const op = "shell.execute_command"

	command, ok := params["command"].(string)
	if !ok || command == "" {
		return nil, core.NewError(core.KindInvalidParam, op, "command is required")
	}

	timeout := defaultTimeout
	if secs, ok := params["timeout_seconds"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	cmd.Dir = t.Resolver.Root()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = limitedWriter{&stdout, maxOutputBytes}
	cmd.Stderr = limitedWriter{&stderr, maxOutputBytes}

	err := cmd.Run()

	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
		err = nil
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, core.NewError(core.KindTimeout, op, "command exceeded timeout")
	}
	if err != nil {
		return nil, core.Wrap(core.KindInternal, op, err)
	}

	return map[string]interface{}{
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": exitCode,
	}, nil
}

// limitedWriter truncates output past n bytes rather than letting a runaway
// process exhaust memory.
type limitedWriter struct {
	buf *bytes.Buffer
	n   int
}

func (w limitedWriter) Write(p []byte) (int, error) {
	remaining := w.n - w.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		w.buf.Write(p[:remaining])
		return len(p), nil
	}
	w.buf.Write(p)
	return len(p), nil
}

// Package git implements the git tool category (spec.md §4.11): status,
// diff, log, and commit operations against a repository inside the
// workspace sandbox, shelling out to the system git binary the same way
// the shell tool runs arbitrary commands.
package git

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/hostbridge-dev/hostbridge/core"
	"github.com/hostbridge-dev/hostbridge/registry"
	"github.com/hostbridge-dev/hostbridge/workspace"
)

const gitTimeout = 20 * time.Second

func run(ctx context.Context, dir string, args ...string) (string, string, error) {
	runCtx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return "", "", core.NewError(core.KindTimeout, "git", "git command exceeded timeout")
	}
	if err != nil {
		return stdout.String(), stderr.String(), core.NewError(core.KindInvalidParam, "git", strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), stderr.String(), nil
}

func repoDir(r *workspace.Resolver, params map[string]interface{}) (string, error) {
	path, _ := params["repo_path"].(string)
	if path == "" {
		return r.Root(), nil
	}
	return r.Resolve(path, "")
}

// Status implements registry.Tool for git.status.
type Status struct{ Resolver *workspace.Resolver }

func (Status) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Category:    "git",
		Name:        "status",
		Description: "Show the working tree status of a repository in the workspace.",
		Params:      []registry.ParamSchema{{Name: "repo_path", Type: "string", Required: false}},
	}
}

func (t Status) Invoke(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	dir, err := repoDir(t.Resolver, params)
	if err != nil {
		return nil, err
	}
	stdout, _, err := run(ctx, dir, "status", "--porcelain=v1", "--branch")
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": stdout}, nil
}

// Diff implements registry.Tool for git.diff.
type Diff struct{ Resolver *workspace.Resolver }

func (Diff) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Category:    "git",
		Name:        "diff",
		Description: "Show the unstaged diff of a repository in the workspace.",
		Params: []registry.ParamSchema{
			{Name: "repo_path", Type: "string", Required: false},
			{Name: "staged", Type: "boolean", Required: false},
		},
	}
}

func (t Diff) Invoke(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	dir, err := repoDir(t.Resolver, params)
	if err != nil {
		return nil, err
	}
	args := []string{"diff"}
	if staged, _ := params["staged"].(bool); staged {
		args = append(args, "--staged")
	}
	stdout, _, err := run(ctx, dir, args...)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"diff": stdout}, nil
}

// Log implements registry.Tool for git.log.
type Log struct{ Resolver *workspace.Resolver }

func (Log) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Category:    "git",
		Name:        "log",
		Description: "Show recent commit history of a repository in the workspace.",
		Params: []registry.ParamSchema{
			{Name: "repo_path", Type: "string", Required: false},
			{Name: "limit", Type: "number", Required: false},
		},
	}
}

func (t Log) Invoke(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	dir, err := repoDir(t.Resolver, params)
	if err != nil {
		return nil, err
	}
	limit := 20
	if n, ok := params["limit"].(float64); ok && n > 0 {
		limit = int(n)
	}
	stdout, _, err := run(ctx, dir, "log", "--pretty=format:%H%x09%an%x09%ad%x09%s", "-n", strconv.Itoa(limit))
	if err != nil {
		return nil, err
	}

	var commits []map[string]string
	for _, line := range strings.Split(stdout, "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 4)
		if len(fields) != 4 {
			continue
		}
		commits = append(commits, map[string]string{"hash": fields[0], "author": fields[1], "date": fields[2], "subject": fields[3]})
	}
	return map[string]interface{}{"commits": commits}, nil
}

// Commit implements registry.Tool for git.commit. Always routed through
// HITL (spec.md §4.11): committing changes an agent can't undo on its own.
type Commit struct{ Resolver *workspace.Resolver }

func (Commit) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Category:    "git",
		Name:        "commit",
		Description: "Stage all changes and create a commit in a repository in the workspace.",
		Params: []registry.ParamSchema{
			{Name: "repo_path", Type: "string", Required: false},
			{Name: "message", Type: "string", Required: true},
		},
		RequiresHITL: true,
	}
}

func (t Commit) Invoke(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	const op = "git.commit"
	message, ok := params["message"].(string)
	if !ok || message == "" {
		return nil, core.NewError(core.KindInvalidParam, op, "message is required")
	}

	dir, err := repoDir(t.Resolver, params)
	if err != nil {
		return nil, err
	}

	if _, _, err := run(ctx, dir, "add", "-A"); err != nil {
		return nil, err
	}
	stdout, _, err := run(ctx, dir, "commit", "-m", message)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"output": stdout}, nil
}

package git

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostbridge-dev/hostbridge/workspace"
)

func newRepo(t *testing.T) *workspace.Resolver {
	t.Helper()
	r, err := workspace.New(t.TempDir())
	require.NoError(t, err)

	root := r.Root()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = root
		require.NoError(t, cmd.Run())
	}
	run("init", "-q")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test User")
	return r
}

func TestStatus_CleanRepo(t *testing.T) {
	r := newRepo(t)
	result, err := Status{Resolver: r}.Invoke(context.Background(), map[string]interface{}{})
	require.NoError(t, err)
	assert.NotNil(t, result.(map[string]interface{})["status"])
}

func TestCommit_CreatesCommit(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	root := r.Root()
	require.NoError(t, exec.Command("sh", "-c", "echo hi > "+root+"/a.txt").Run())

	_, err := Commit{Resolver: r}.Invoke(ctx, map[string]interface{}{"message": "add a.txt"})
	require.NoError(t, err)

	log, err := Log{Resolver: r}.Invoke(ctx, map[string]interface{}{})
	require.NoError(t, err)
	commits := log.(map[string]interface{})["commits"].([]map[string]string)
	require.Len(t, commits, 1)
	assert.Equal(t, "add a.txt", commits[0]["subject"])
}

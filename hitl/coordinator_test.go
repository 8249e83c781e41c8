package hitl

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostbridge-dev/hostbridge/core"
	"github.com/hostbridge-dev/hostbridge/store"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "hitl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, time.Minute)
}

func TestCreateAndApprove(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	req, err := c.Create(ctx, "shell.execute_command", map[string]interface{}{"command": "ls"}, "needs review", 0)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, req.Status)

	done := make(chan Decision, 1)
	go func() {
		d, err := c.Wait(ctx, req.ID)
		require.NoError(t, err)
		done <- d
	}()

	time.Sleep(10 * time.Millisecond)
	resolved, err := c.Approve(ctx, req.ID, "reviewer1", "looks safe")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, resolved.Status)

	select {
	case d := <-done:
		assert.Equal(t, StatusApproved, d.Status)
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock after Approve")
	}
}

func TestReject(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	req, err := c.Create(ctx, "shell.execute_command", nil, "reason", 0)
	require.NoError(t, err)

	resolved, err := c.Reject(ctx, req.ID, "reviewer1", "too risky")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, resolved.Status)
}

func TestResolve_AlreadyResolvedConflict(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	req, err := c.Create(ctx, "shell.execute_command", nil, "reason", 0)
	require.NoError(t, err)

	_, err = c.Approve(ctx, req.ID, "r1", "ok")
	require.NoError(t, err)

	_, err = c.Reject(ctx, req.ID, "r2", "too late")
	require.Error(t, err)
	assert.Equal(t, core.KindConflict, core.KindOf(err))
}

func TestExpiry(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	req, err := c.Create(ctx, "shell.execute_command", nil, "reason", 20*time.Millisecond)
	require.NoError(t, err)

	c.Start(10 * time.Millisecond)
	defer c.Stop()

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	d, err := c.Wait(waitCtx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, d.Status)
}

func TestPending(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.Create(ctx, "shell.execute_command", nil, "r1", 0)
	require.NoError(t, err)
	_, err = c.Create(ctx, "fs.write_file", nil, "r2", 0)
	require.NoError(t, err)

	assert.Len(t, c.Pending(), 2)
}

func TestRegisterWatcher_ReceivesEvents(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	events := make(chan Request, 10)
	c.RegisterWatcher("conn1", func(r Request) { events <- r })

	req, err := c.Create(ctx, "shell.execute_command", nil, "reason", 0)
	require.NoError(t, err)

	select {
	case got := <-events:
		assert.Equal(t, req.ID, got.ID)
		assert.Equal(t, StatusPending, got.Status)
	case <-time.After(time.Second):
		t.Fatal("watcher did not receive creation event")
	}

	_, err = c.Approve(ctx, req.ID, "r1", "ok")
	require.NoError(t, err)

	select {
	case got := <-events:
		assert.Equal(t, StatusApproved, got.Status)
	case <-time.After(time.Second):
		t.Fatal("watcher did not receive resolution event")
	}
}

func TestWait_UnknownRequest(t *testing.T) {
	c := newTestCoordinator(t)
	_, err := c.Wait(context.Background(), "does-not-exist")
	require.Error(t, err)
	assert.Equal(t, core.KindNotFound, core.KindOf(err))
}

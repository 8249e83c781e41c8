package plan

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostbridge-dev/hostbridge/audit"
	"github.com/hostbridge-dev/hostbridge/core"
	"github.com/hostbridge-dev/hostbridge/dispatch"
	"github.com/hostbridge-dev/hostbridge/hitl"
	"github.com/hostbridge-dev/hostbridge/policy"
	"github.com/hostbridge-dev/hostbridge/registry"
	"github.com/hostbridge-dev/hostbridge/secrets"
	"github.com/hostbridge-dev/hostbridge/store"
)

type addTool struct{}

func (addTool) Descriptor() registry.Descriptor {
	return registry.Descriptor{Category: "math", Name: "add"}
}

func (addTool) Invoke(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	a, _ := params["a"].(float64)
	b, _ := params["b"].(float64)
	return map[string]interface{}{"sum": a + b}, nil
}

type failTool struct{}

func (failTool) Descriptor() registry.Descriptor {
	return registry.Descriptor{Category: "math", Name: "fail"}
}

func (failTool) Invoke(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return nil, core.NewError(core.KindInternal, "failTool.Invoke", "deliberate failure")
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "plan.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := registry.New()
	require.NoError(t, reg.Register(addTool{}))
	require.NoError(t, reg.Register(failTool{}))

	pol, err := policy.New(nil)
	require.NoError(t, err)
	sec, err := secrets.New(filepath.Join(t.TempDir(), "secrets.env"))
	require.NoError(t, err)

	d := &dispatch.Core{
		Registry: reg,
		Policy:   pol,
		HITL:     hitl.New(db, time.Minute),
		Secrets:  sec,
		Audit:    audit.New(db),
	}

	return New(db, d)
}

func TestCreate_RejectsCycle(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Create(context.Background(), "cyclic", []TaskDef{
		{ID: "a", Category: "math", Tool: "add", DependsOn: []string{"b"}},
		{ID: "b", Category: "math", Tool: "add", DependsOn: []string{"a"}},
	}, FailureStop)
	require.Error(t, err)
	assert.Equal(t, core.KindInvalidParam, core.KindOf(err))
}

func TestCreate_RejectsDanglingDependency(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Create(context.Background(), "", []TaskDef{
		{ID: "a", Category: "math", Tool: "add", DependsOn: []string{"ghost"}},
	}, FailureStop)
	require.Error(t, err)
}

func TestCreate_RejectsEmptyTasks(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Create(context.Background(), "", nil, FailureStop)
	require.Error(t, err)
	assert.Equal(t, core.KindInvalidParam, core.KindOf(err))
}

func TestCreate_RejectsDuplicateTaskID(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Create(context.Background(), "", []TaskDef{
		{ID: "a", Category: "math", Tool: "add"},
		{ID: "a", Category: "math", Tool: "add"},
	}, FailureStop)
	require.Error(t, err)
	assert.Equal(t, core.KindInvalidParam, core.KindOf(err))
}

func TestExecute_ChainWithReferenceResolution(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	p, err := e.Create(ctx, "", []TaskDef{
		{ID: "step1", Category: "math", Tool: "add", Params: map[string]interface{}{"a": 1.0, "b": 2.0}},
		{ID: "step2", Category: "math", Tool: "add", DependsOn: []string{"step1"},
			Params: map[string]interface{}{"a": "{{task:step1.sum}}", "b": 10.0}},
	}, FailureStop)
	require.NoError(t, err)

	result, err := e.Execute(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, PlanDone, result.Status)

	step2 := result.Tasks["step2"].Result.(map[string]interface{})
	assert.Equal(t, 13.0, step2["sum"])
}

func TestExecute_ParallelLevelRunsConcurrently(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	p, err := e.Create(ctx, "", []TaskDef{
		{ID: "a", Category: "math", Tool: "add", Params: map[string]interface{}{"a": 1.0, "b": 1.0}},
		{ID: "b", Category: "math", Tool: "add", Params: map[string]interface{}{"a": 2.0, "b": 2.0}},
	}, FailureStop)
	require.NoError(t, err)

	result, err := e.Execute(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, PlanDone, result.Status)
	assert.Equal(t, TaskDone, result.Tasks["a"].Status)
	assert.Equal(t, TaskDone, result.Tasks["b"].Status)
}

func TestExecute_FailureStopAbortsRemainingLevels(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	p, err := e.Create(ctx, "", []TaskDef{
		{ID: "a", Category: "math", Tool: "fail"},
		{ID: "b", Category: "math", Tool: "add", DependsOn: []string{"a"}, Params: map[string]interface{}{"a": 1.0, "b": 1.0}},
	}, FailureStop)
	require.NoError(t, err)

	result, err := e.Execute(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, PlanFailed, result.Status)
	assert.Equal(t, TaskFailed, result.Tasks["a"].Status)
	assert.Equal(t, TaskSkipped, result.Tasks["b"].Status)
}

func TestExecute_SkipDependentsPolicy(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	p, err := e.Create(ctx, "", []TaskDef{
		{ID: "a", Category: "math", Tool: "fail"},
		{ID: "b", Category: "math", Tool: "add", DependsOn: []string{"a"}, Params: map[string]interface{}{"a": 1.0, "b": 1.0}},
		{ID: "c", Category: "math", Tool: "add", Params: map[string]interface{}{"a": 5.0, "b": 5.0}},
	}, FailureSkipDependents)
	require.NoError(t, err)

	result, err := e.Execute(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, result.Tasks["a"].Status)
	assert.Equal(t, TaskSkipped, result.Tasks["b"].Status)
	assert.Equal(t, TaskDone, result.Tasks["c"].Status)
}

func TestExecute_TaskLevelPolicyOverridesPlanPolicy(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	// Plan-wide policy is "stop", but "a" overrides to skip_dependents so
	// only its dependents are skipped and unrelated branch "c" still runs.
	p, err := e.Create(ctx, "", []TaskDef{
		{ID: "a", Category: "math", Tool: "fail", FailurePolicy: FailureSkipDependents},
		{ID: "b", Category: "math", Tool: "add", DependsOn: []string{"a"}, Params: map[string]interface{}{"a": 1.0, "b": 1.0}},
		{ID: "c", Category: "math", Tool: "add", Params: map[string]interface{}{"a": 5.0, "b": 5.0}},
	}, FailureStop)
	require.NoError(t, err)

	result, err := e.Execute(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, result.Tasks["a"].Status)
	assert.Equal(t, TaskSkipped, result.Tasks["b"].Status)
	assert.Equal(t, TaskDone, result.Tasks["c"].Status)
}

func TestExecute_UnknownPlan(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Execute(context.Background(), "does-not-exist")
	require.Error(t, err)
	assert.Equal(t, core.KindNotFound, core.KindOf(err))
}

func TestStatusAndList(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	p, err := e.Create(ctx, "", []TaskDef{{ID: "a", Category: "math", Tool: "add", Params: map[string]interface{}{"a": 1.0, "b": 1.0}}}, FailureStop)
	require.NoError(t, err)

	got, err := e.Status(p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	assert.Len(t, e.List(), 1)
}

func TestResolvePlanRef_ByName(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	p, err := e.Create(ctx, "daily-report", []TaskDef{{ID: "a", Category: "math", Tool: "add", Params: map[string]interface{}{"a": 1.0, "b": 1.0}}}, FailureStop)
	require.NoError(t, err)

	got, err := e.Status("daily-report")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
}

func TestResolvePlanRef_AmbiguousNameErrors(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Create(ctx, "shared-name", []TaskDef{{ID: "a", Category: "math", Tool: "add", Params: map[string]interface{}{"a": 1.0, "b": 1.0}}}, FailureStop)
	require.NoError(t, err)
	_, err = e.Create(ctx, "shared-name", []TaskDef{{ID: "b", Category: "math", Tool: "add", Params: map[string]interface{}{"a": 1.0, "b": 1.0}}}, FailureStop)
	require.NoError(t, err)

	_, err = e.Status("shared-name")
	require.Error(t, err)
	assert.Equal(t, core.KindConflict, core.KindOf(err))
}

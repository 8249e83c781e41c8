package plan

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostbridge-dev/hostbridge/audit"
	"github.com/hostbridge-dev/hostbridge/dispatch"
	"github.com/hostbridge-dev/hostbridge/hitl"
	pln "github.com/hostbridge-dev/hostbridge/plan"
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

func newEngine(t *testing.T) *pln.Engine {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "plan.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := registry.New()
	require.NoError(t, reg.Register(addTool{}))
	pol, err := policy.New(nil)
	require.NoError(t, err)
	sec, err := secrets.New(filepath.Join(t.TempDir(), "secrets.env"))
	require.NoError(t, err)

	d := &dispatch.Core{Registry: reg, Policy: pol, HITL: hitl.New(db, time.Minute), Secrets: sec, Audit: audit.New(db)}
	return pln.New(db, d)
}

func TestCreateAndExecuteTools(t *testing.T) {
	engine := newEngine(t)
	ctx := context.Background()

	createResult, err := Create{Engine: engine}.Invoke(ctx, map[string]interface{}{
		"tasks": []interface{}{
			map[string]interface{}{"id": "a", "category": "math", "tool": "add", "params": map[string]interface{}{"a": 1.0, "b": 2.0}},
		},
	})
	require.NoError(t, err)
	planID := createResult.(map[string]interface{})["plan_id"].(string)
	assert.NotEmpty(t, planID)

	execResult, err := Execute{Engine: engine}.Invoke(ctx, map[string]interface{}{"plan_id": planID})
	require.NoError(t, err)
	assert.Equal(t, pln.PlanDone, execResult.(map[string]interface{})["status"])

	statusResult, err := Status{Engine: engine}.Invoke(ctx, map[string]interface{}{"plan_id": planID})
	require.NoError(t, err)
	assert.Equal(t, pln.PlanDone, statusResult.(map[string]interface{})["status"])
}

func TestCreate_InvalidTasks(t *testing.T) {
	engine := newEngine(t)
	_, err := Create{Engine: engine}.Invoke(context.Background(), map[string]interface{}{"tasks": "not-an-array"})
	require.Error(t, err)
}

func TestCreateAndExecuteTools_ByName(t *testing.T) {
	engine := newEngine(t)
	ctx := context.Background()

	createResult, err := Create{Engine: engine}.Invoke(ctx, map[string]interface{}{
		"name": "nightly-rollup",
		"tasks": []interface{}{
			map[string]interface{}{"id": "a", "category": "math", "tool": "add", "params": map[string]interface{}{"a": 1.0, "b": 2.0}},
		},
	})
	require.NoError(t, err)
	payload := createResult.(map[string]interface{})
	assert.Equal(t, "nightly-rollup", payload["name"])

	execResult, err := Execute{Engine: engine}.Invoke(ctx, map[string]interface{}{"plan_ref": "nightly-rollup"})
	require.NoError(t, err)
	assert.Equal(t, pln.PlanDone, execResult.(map[string]interface{})["status"])
}

// Package plan exposes the Plan Engine as dispatch-core tools (spec.md
// §4.11 / §4.9): an agent creates and runs a multi-step task graph the
// same way it calls any other tool, rather than through a side channel.
package plan

import (
	"context"
	"errors"

	"github.com/hostbridge-dev/hostbridge/core"
	pln "github.com/hostbridge-dev/hostbridge/plan"
	"github.com/hostbridge-dev/hostbridge/registry"
)

var errInvalidTasks = errors.New("tasks must be an array of objects each with id, category, and tool")

// Create implements registry.Tool for plan.create.
type Create struct{ Engine *pln.Engine }

func (Create) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Category:    "plan",
		Name:        "create",
		Description: "Create (but do not run) a task DAG.",
		Params: []registry.ParamSchema{
			{Name: "name", Type: "string", Required: false},
			{Name: "tasks", Type: "array", Required: true},
			{Name: "failure_policy", Type: "string", Required: false},
		},
	}
}

func (t Create) Invoke(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	const op = "plan.create"

	defs, err := parseTaskDefs(params["tasks"])
	if err != nil {
		return nil, core.NewError(core.KindInvalidParam, op, err.Error())
	}

	name, _ := params["name"].(string)

	policy := pln.FailureStop
	if p, ok := params["failure_policy"].(string); ok && p != "" {
		policy = pln.FailurePolicy(p)
	}

	p, err := t.Engine.Create(ctx, name, defs, policy)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"plan_id": p.ID, "name": p.Name, "status": p.Status}, nil
}

// Execute implements registry.Tool for plan.execute.
type Execute struct{ Engine *pln.Engine }

func (Execute) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Category:    "plan",
		Name:        "execute",
		Description: "Run a previously created task DAG to completion.",
		Params:      []registry.ParamSchema{{Name: "plan_ref", Type: "string", Required: true}},
	}
}

func (t Execute) Invoke(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	const op = "plan.execute"
	planRef, err := requirePlanRef(op, params)
	if err != nil {
		return nil, err
	}

	p, err := t.Engine.Execute(ctx, planRef)
	if err != nil {
		return nil, err
	}
	return summarize(p), nil
}

// Status implements registry.Tool for plan.status.
type Status struct{ Engine *pln.Engine }

func (Status) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Category:    "plan",
		Name:        "status",
		Description: "Report the current state of a task DAG.",
		Params:      []registry.ParamSchema{{Name: "plan_ref", Type: "string", Required: true}},
	}
}

func (t Status) Invoke(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	const op = "plan.status"
	planRef, err := requirePlanRef(op, params)
	if err != nil {
		return nil, err
	}
	p, err := t.Engine.Status(planRef)
	if err != nil {
		return nil, err
	}
	return summarize(p), nil
}

// Cancel implements registry.Tool for plan.cancel.
type Cancel struct{ Engine *pln.Engine }

func (Cancel) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Category:    "plan",
		Name:        "cancel",
		Description: "Cancel a running task DAG; in-flight tasks finish but no new task starts.",
		Params:      []registry.ParamSchema{{Name: "plan_ref", Type: "string", Required: true}},
	}
}

func (t Cancel) Invoke(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	const op = "plan.cancel"
	planRef, err := requirePlanRef(op, params)
	if err != nil {
		return nil, err
	}
	if err := t.Engine.Cancel(planRef); err != nil {
		return nil, err
	}
	return map[string]interface{}{"plan_ref": planRef, "cancelled": true}, nil
}

// requirePlanRef extracts plan_ref, falling back to the legacy plan_id
// key so existing callers keep working.
func requirePlanRef(op string, params map[string]interface{}) (string, error) {
	if ref, ok := params["plan_ref"].(string); ok && ref != "" {
		return ref, nil
	}
	if ref, ok := params["plan_id"].(string); ok && ref != "" {
		return ref, nil
	}
	return "", core.NewError(core.KindInvalidParam, op, "plan_ref is required")
}

func summarize(p *pln.Plan) map[string]interface{} {
	tasks := make(map[string]interface{}, len(p.Tasks))
	for id, state := range p.Tasks {
		tasks[id] = map[string]interface{}{
			"status": state.Status,
			"result": state.Result,
			"error":  state.Error,
		}
	}
	return map[string]interface{}{
		"plan_id": p.ID,
		"name":    p.Name,
		"status":  p.Status,
		"tasks":   tasks,
	}
}

func parseTaskDefs(raw interface{}) ([]pln.TaskDef, error) {
	list, ok := raw.([]interface{})
	if !ok {
		return nil, errInvalidTasks
	}

	defs := make([]pln.TaskDef, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, errInvalidTasks
		}
		id, _ := m["id"].(string)
		category, _ := m["category"].(string)
		tool, _ := m["tool"].(string)
		params, _ := m["params"].(map[string]interface{})
		failurePolicy, _ := m["failure_policy"].(string)
		requireHITL, _ := m["require_hitl"].(bool)

		var dependsOn []string
		if raw, ok := m["depends_on"].([]interface{}); ok {
			for _, d := range raw {
				if s, ok := d.(string); ok {
					dependsOn = append(dependsOn, s)
				}
			}
		}

		if id == "" || category == "" || tool == "" {
			return nil, errInvalidTasks
		}

		defs = append(defs, pln.TaskDef{
			ID: id, Category: category, Tool: tool, Params: params, DependsOn: dependsOn,
			FailurePolicy: pln.FailurePolicy(failurePolicy), RequireHITL: requireHITL,
		})
	}
	return defs, nil
}

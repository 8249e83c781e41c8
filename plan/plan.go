// Package plan implements the Plan Engine (spec.md §4.9): DAG validation
// via Kahn's algorithm, level-concurrent execution of a task graph through
// the dispatch core, {{task:ID.FIELD}} reference resolution, and
// configurable failure policies.
package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hostbridge-dev/hostbridge/core"
	"github.com/hostbridge-dev/hostbridge/dispatch"
)

// FailurePolicy controls what happens to the rest of a plan when one task
// fails.
type FailurePolicy string

const (
	// FailureStop aborts the whole plan as soon as any task fails.
	FailureStop FailurePolicy = "stop"
	// FailureSkipDependents marks every transitive dependent of a failed
	// task as skipped, but continues unrelated branches.
	FailureSkipDependents FailurePolicy = "skip_dependents"
	// FailureContinue runs every task regardless of upstream failures;
	// tasks referencing a failed task's output still fail individually.
	FailureContinue FailurePolicy = "continue"
)

func validFailurePolicy(p FailurePolicy) bool {
	switch p {
	case FailureStop, FailureSkipDependents, FailureContinue:
		return true
	default:
		return false
	}
}

// TaskStatus is the lifecycle state of one task within a plan.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
	TaskSkipped TaskStatus = "skipped"
)

// TaskDef is one node in the plan DAG as submitted by the caller.
type TaskDef struct {
	ID        string                 `json:"id"`
	Category  string                 `json:"category"`
	Tool      string                 `json:"tool"`
	Params    map[string]interface{} `json:"params"`
	DependsOn []string               `json:"depends_on"`
	// FailurePolicy, when set, overrides the plan's FailurePolicy for
	// deciding what happens to dependents when this task fails.
	FailurePolicy FailurePolicy `json:"failure_policy,omitempty"`
	// RequireHITL forces this task's dispatch through human review
	// regardless of what the static policy table says.
	RequireHITL bool `json:"require_hitl,omitempty"`
}

// TaskState is a task's runtime state within a Plan.
type TaskState struct {
	Def         TaskDef     `json:"def"`
	Status      TaskStatus  `json:"status"`
	Result      interface{} `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// PlanStatus is the aggregate state of a Plan.
type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanRunning   PlanStatus = "running"
	PlanDone      PlanStatus = "done"
	PlanFailed    PlanStatus = "failed"
	PlanCancelled PlanStatus = "cancelled"
)

// Plan is a submitted task graph and its execution state.
type Plan struct {
	ID            string                `json:"id"`
	Name          string                `json:"name,omitempty"`
	Tasks         map[string]*TaskState `json:"tasks"`
	FailurePolicy FailurePolicy         `json:"failure_policy"`
	Status        PlanStatus            `json:"status"`
	CreatedAt     time.Time             `json:"created_at"`
	StartedAt     *time.Time            `json:"started_at,omitempty"`
	CompletedAt   *time.Time            `json:"completed_at,omitempty"`

	mu     sync.Mutex
	cancel context.CancelFunc
}

// Engine runs plans against a dispatch.Core, persisting state to the
// shared SQLite database.
type Engine struct {
	db       *sqlx.DB
	dispatch *dispatch.Core

	mu    sync.Mutex
	plans map[string]*Plan
}

// New returns an Engine backed by db and dispatch.
func New(db *sqlx.DB, d *dispatch.Core) *Engine {
	return &Engine{db: db, dispatch: d, plans: make(map[string]*Plan)}
}

// Create validates defs as a DAG (no cycles, no dangling dependencies, no
// duplicate task ids, and a non-empty task list) and registers a new Plan
// in PlanPending state. It does not start execution.
func (e *Engine) Create(ctx context.Context, name string, defs []TaskDef, failurePolicy FailurePolicy) (*Plan, error) {
	const op = "plan.Create"

	if len(defs) == 0 {
		return nil, core.NewError(core.KindInvalidParam, op, "tasks must not be empty")
	}

	if failurePolicy == "" {
		failurePolicy = FailureStop
	}
	if !validFailurePolicy(failurePolicy) {
		return nil, core.NewError(core.KindInvalidParam, op, "invalid failure_policy: "+string(failurePolicy))
	}

	seen := make(map[string]bool, len(defs))
	for _, d := range defs {
		if seen[d.ID] {
			return nil, core.NewError(core.KindInvalidParam, op, "duplicate task id: "+d.ID)
		}
		seen[d.ID] = true
		if d.FailurePolicy != "" && !validFailurePolicy(d.FailurePolicy) {
			return nil, core.NewError(core.KindInvalidParam, op, fmt.Sprintf("task %q: invalid failure_policy: %s", d.ID, d.FailurePolicy))
		}
	}

	levels, err := topologicalLevels(defs)
	if err != nil {
		return nil, core.Wrap(core.KindInvalidParam, op, err)
	}
	_ = levels // validated only here; Execute recomputes for its own use

	tasks := make(map[string]*TaskState, len(defs))
	for _, d := range defs {
		tasks[d.ID] = &TaskState{Def: d, Status: TaskPending}
	}

	p := &Plan{
		ID:            core.NewID(),
		Name:          name,
		Tasks:         tasks,
		FailurePolicy: failurePolicy,
		Status:        PlanPending,
		CreatedAt:     time.Now().UTC(),
	}

	if err := e.persistPlan(ctx, p); err != nil {
		return nil, core.Wrap(core.KindInternal, op, err)
	}

	e.mu.Lock()
	e.plans[p.ID] = p
	e.mu.Unlock()

	return p, nil
}

// Execute runs a previously created plan to completion, executing each
// topological level's tasks concurrently and waiting for the level to
// finish (a barrier) before starting the next — tasks within a level have
// no dependency on one another by construction. Once any task fails under
// an effective FailureStop policy, every task in every remaining level is
// persisted as TaskSkipped rather than left TaskPending.
func (e *Engine) Execute(ctx context.Context, planRef string) (*Plan, error) {
	const op = "plan.Execute"

	p, err := e.resolvePlanRef(planRef)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.Status != PlanPending {
		status := p.Status
		p.mu.Unlock()
		return nil, core.NewError(core.KindConflict, op, fmt.Sprintf("plan %s is already %s", p.ID, status))
	}
	execCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.Status = PlanRunning
	now := time.Now().UTC()
	p.StartedAt = &now
	p.mu.Unlock()
	e.persistPlan(ctx, p)

	defs := make([]TaskDef, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		defs = append(defs, t.Def)
	}
	levels, err := topologicalLevels(defs)
	if err != nil {
		return nil, core.Wrap(core.KindInvalidParam, op, err)
	}

	var mu sync.Mutex
	failed := map[string]bool{}
	skipped := map[string]bool{}
	var stopFlag atomic.Bool

	for _, level := range levels {
		select {
		case <-execCtx.Done():
			stopFlag.Store(true)
		default:
		}

		var wg sync.WaitGroup
		for _, taskID := range level {
			state := p.Tasks[taskID]

			mu.Lock()
			shouldSkip := stopFlag.Load() || mustSkip(state.Def, p.Tasks, failed, skipped, p.FailurePolicy)
			mu.Unlock()
			if shouldSkip {
				p.mu.Lock()
				state.Status = TaskSkipped
				p.mu.Unlock()
				mu.Lock()
				skipped[taskID] = true
				mu.Unlock()
				continue
			}

			wg.Add(1)
			go func(taskID string, state *TaskState) {
				defer wg.Done()
				e.runTask(execCtx, p, state)

				p.mu.Lock()
				isFailed := state.Status == TaskFailed
				p.mu.Unlock()
				if isFailed {
					mu.Lock()
					failed[taskID] = true
					mu.Unlock()
					if effectivePolicy(state.Def, p.FailurePolicy) == FailureStop {
						stopFlag.Store(true)
					}
				}
			}(taskID, state)
		}
		wg.Wait()
	}

	p.mu.Lock()
	p.Status = finalStatus(p)
	completedAt := time.Now().UTC()
	p.CompletedAt = &completedAt
	p.mu.Unlock()
	e.persistPlan(ctx, p)

	return p, nil
}

func finalStatus(p *Plan) PlanStatus {
	for _, t := range p.Tasks {
		if t.Status == TaskFailed {
			return PlanFailed
		}
	}
	return PlanDone
}

// effectivePolicy returns def's own FailurePolicy override when set,
// falling back to the plan-wide policy otherwise.
func effectivePolicy(def TaskDef, planPolicy FailurePolicy) FailurePolicy {
	if def.FailurePolicy != "" {
		return def.FailurePolicy
	}
	return planPolicy
}

// mustSkip reports whether def must be skipped because one of its
// dependencies failed (or was itself skipped) under an effective
// skip_dependents policy. The policy that governs propagation is the
// failed dependency's own effective policy, not def's.
func mustSkip(def TaskDef, tasks map[string]*TaskState, failed, skipped map[string]bool, planPolicy FailurePolicy) bool {
	for _, dep := range def.DependsOn {
		if !failed[dep] && !skipped[dep] {
			continue
		}
		depState, ok := tasks[dep]
		if !ok {
			continue
		}
		if effectivePolicy(depState.Def, planPolicy) == FailureSkipDependents {
			return true
		}
	}
	return false
}

func (e *Engine) runTask(ctx context.Context, p *Plan, state *TaskState) {
	p.mu.Lock()
	state.Status = TaskRunning
	now := time.Now().UTC()
	state.StartedAt = &now
	params, err := resolveReferences(state.Def.Params, p.Tasks)
	p.mu.Unlock()

	if err != nil {
		p.mu.Lock()
		state.Status = TaskFailed
		state.Error = err.Error()
		completed := time.Now().UTC()
		state.CompletedAt = &completed
		p.mu.Unlock()
		return
	}

	var hitlReason string
	if state.Def.RequireHITL {
		hitlReason = fmt.Sprintf("plan task %q requires human review", state.Def.ID)
	}

	resp, err := e.dispatch.Dispatch(ctx, dispatch.Request{
		Category:   state.Def.Category,
		Tool:       state.Def.Tool,
		Params:     params,
		ForceHITL:  state.Def.RequireHITL,
		HITLReason: hitlReason,
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	completed := time.Now().UTC()
	state.CompletedAt = &completed
	if err != nil {
		state.Status = TaskFailed
		state.Error = err.Error()
		return
	}
	state.Status = TaskDone
	state.Result = resp.Result
}

// Status returns the current state of a plan, resolved by id or unique name.
func (e *Engine) Status(planRef string) (*Plan, error) {
	return e.resolvePlanRef(planRef)
}

// List returns every known plan.
func (e *Engine) List() []*Plan {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Plan, 0, len(e.plans))
	for _, p := range e.plans {
		out = append(out, p)
	}
	return out
}

// Cancel stops a running plan; tasks already in flight run to completion
// but no new task is started.
func (e *Engine) Cancel(planRef string) error {
	p, err := e.resolvePlanRef(planRef)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Status != PlanRunning {
		return core.NewError(core.KindConflict, "plan.Cancel", fmt.Sprintf("plan %s is not running", p.ID))
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.Status = PlanCancelled
	return nil
}

// resolvePlanRef looks ref up as a plan id first, then as a plan name.
// A name match is only honored when exactly one known plan carries it;
// more than one is reported as an ambiguity error rather than picking
// arbitrarily.
func (e *Engine) resolvePlanRef(ref string) (*Plan, error) {
	const op = "plan.resolvePlanRef"

	e.mu.Lock()
	defer e.mu.Unlock()

	if p, ok := e.plans[ref]; ok {
		return p, nil
	}

	var matches []*Plan
	for _, p := range e.plans {
		if p.Name != "" && p.Name == ref {
			matches = append(matches, p)
		}
	}
	switch len(matches) {
	case 0:
		return nil, core.NewError(core.KindNotFound, op, "no such plan: "+ref)
	case 1:
		return matches[0], nil
	default:
		return nil, core.NewError(core.KindConflict, op, fmt.Sprintf("plan name %q is ambiguous across %d plans", ref, len(matches)))
	}
}

// topologicalLevels runs Kahn's algorithm over defs, returning each
// successive frontier of zero-remaining-indegree nodes as one level —
// tasks within a level are mutually independent and safe to run
// concurrently. Returns an error if defs contains a cycle or a dangling
// dependency.
func topologicalLevels(defs []TaskDef) ([][]string, error) {
	indegree := make(map[string]int, len(defs))
	dependents := make(map[string][]string, len(defs))
	known := make(map[string]bool, len(defs))

	for _, d := range defs {
		known[d.ID] = true
		if _, ok := indegree[d.ID]; !ok {
			indegree[d.ID] = 0
		}
	}
	for _, d := range defs {
		for _, dep := range d.DependsOn {
			if !known[dep] {
				return nil, fmt.Errorf("task %q depends on unknown task %q", d.ID, dep)
			}
			indegree[d.ID]++
			dependents[dep] = append(dependents[dep], d.ID)
		}
	}

	var levels [][]string
	remaining := len(defs)
	var frontier []string
	for id, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}

	for len(frontier) > 0 {
		levels = append(levels, frontier)
		remaining -= len(frontier)

		var next []string
		for _, id := range frontier {
			for _, dep := range dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		frontier = next
	}

	if remaining > 0 {
		return nil, fmt.Errorf("task graph contains a cycle")
	}
	return levels, nil
}

var taskRefPattern = regexp.MustCompile(`\{\{task:([A-Za-z0-9_-]+)\.([A-Za-z0-9_.]+)\}\}`)

// resolveReferences substitutes every {{task:ID.FIELD}} placeholder in
// params with the referenced task's result field. When the entire string
// value is exactly one placeholder, the substitution preserves the
// referenced field's original type (e.g. a number stays a number) rather
// than stringifying it — otherwise it is interpolated as a string.
func resolveReferences(params map[string]interface{}, tasks map[string]*TaskState) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		resolved, err := resolveValue(v, tasks)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

func resolveValue(v interface{}, tasks map[string]*TaskState) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return resolveStringRefs(val, tasks)
	case map[string]interface{}:
		return resolveReferences(val, tasks)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			resolved, err := resolveValue(item, tasks)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveStringRefs(s string, tasks map[string]*TaskState) (interface{}, error) {
	matches := taskRefPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// Whole-string placeholder: preserve the referenced field's type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		taskID := s[matches[0][2]:matches[0][3]]
		field := s[matches[0][4]:matches[0][5]]
		return fieldValue(taskID, field, tasks)
	}

	var missing error
	result := taskRefPattern.ReplaceAllStringFunc(s, func(match string) string {
		sub := taskRefPattern.FindStringSubmatch(match)
		value, err := fieldValue(sub[1], sub[2], tasks)
		if err != nil {
			missing = err
			return match
		}
		return fmt.Sprintf("%v", value)
	})
	if missing != nil {
		return nil, missing
	}
	return result, nil
}

func fieldValue(taskID, field string, tasks map[string]*TaskState) (interface{}, error) {
	task, ok := tasks[taskID]
	if !ok {
		return nil, core.NewError(core.KindInvalidParam, "plan.resolveReferences", fmt.Sprintf("reference to unknown task %q", taskID))
	}
	if task.Status != TaskDone {
		return nil, core.NewError(core.KindInvalidParam, "plan.resolveReferences",
			fmt.Sprintf("task %q has not completed successfully (status=%s)", taskID, task.Status))
	}
	if field == "" {
		return task.Result, nil
	}
	return lookupField(task.Result, strings.Split(field, "."))
}

func lookupField(value interface{}, path []string) (interface{}, error) {
	if len(path) == 0 {
		return value, nil
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Map:
		for _, key := range rv.MapKeys() {
			if fmt.Sprintf("%v", key.Interface()) == path[0] {
				return lookupField(rv.MapIndex(key).Interface(), path[1:])
			}
		}
		return nil, fmt.Errorf("field %q not found", path[0])
	default:
		return nil, fmt.Errorf("cannot index into non-map value for field %q", path[0])
	}
}

func (e *Engine) persistPlan(ctx context.Context, p *Plan) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	defsJSON, err := json.Marshal(taskDefs(p.Tasks))
	if err != nil {
		return err
	}

	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO plans (id, name, definition, status, failure_policy, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, started_at = excluded.started_at, completed_at = excluded.completed_at`,
		p.ID, p.Name, string(defsJSON), p.Status, p.FailurePolicy, p.CreatedAt.Format(time.RFC3339Nano),
		nullableTime(p.StartedAt), nullableTime(p.CompletedAt),
	)
	if err != nil {
		return err
	}

	for _, t := range p.Tasks {
		paramsJSON, err := json.Marshal(t.Def.Params)
		if err != nil {
			return err
		}
		dependsJSON, err := json.Marshal(t.Def.DependsOn)
		if err != nil {
			return err
		}
		var resultJSON []byte
		if t.Result != nil {
			resultJSON, _ = json.Marshal(t.Result)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO plan_tasks (plan_id, task_id, tool_call, params, depends_on, status, result, error, started_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(plan_id, task_id) DO UPDATE SET
				status = excluded.status, result = excluded.result, error = excluded.error,
				started_at = excluded.started_at, completed_at = excluded.completed_at`,
			p.ID, t.Def.ID, t.Def.Category+"."+t.Def.Tool, string(paramsJSON), string(dependsJSON),
			t.Status, string(resultJSON), t.Error, nullableTime(t.StartedAt), nullableTime(t.CompletedAt),
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func taskDefs(tasks map[string]*TaskState) []TaskDef {
	out := make([]TaskDef, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Def)
	}
	return out
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

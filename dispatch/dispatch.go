// Package dispatch implements the Tool Dispatch Core (spec.md §4.8): the
// single entry point every tool call passes through, running policy
// evaluation, human review, secret resolution, invocation, and audit
// capture in a fixed order.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hostbridge-dev/hostbridge/audit"
	"github.com/hostbridge-dev/hostbridge/core"
	"github.com/hostbridge-dev/hostbridge/hitl"
	"github.com/hostbridge-dev/hostbridge/policy"
	"github.com/hostbridge-dev/hostbridge/registry"
	"github.com/hostbridge-dev/hostbridge/secrets"
)

// Request describes one call into the dispatch core.
type Request struct {
	Category   string
	Tool       string
	Params     map[string]interface{}
	ClientInfo map[string]interface{}
	// HITLTimeout bounds how long Dispatch waits for a human decision
	// before giving up; zero adds no bound of its own (the wait still ends
	// when ctx ends or the coordinator's expiry sweep expires the request).
	HITLTimeout time.Duration
	// ForceHITL routes the call through human review regardless of what
	// the policy table says — set by callers (or the Plan Engine, for a
	// task with RequireHITL) that need HITL outside the static policy.
	ForceHITL  bool
	HITLReason string
}

// Response is the outcome of a dispatched call.
type Response struct {
	Result        interface{}
	HITLRequestID string
	AuditID       string
}

// Audited outcome statuses, distinct from the raw policy verb
// (policy.Decision.Action) that routed a call — a blocked call and a
// call that errored after HITL approval both reach the pipeline's end
// differently and must be told apart in the audit trail.
const (
	StatusSuccess      = "success"
	StatusError        = "error"
	StatusBlocked      = "blocked"
	StatusHITLApproved = "hitl_approved"
	StatusHITLRejected = "hitl_rejected"
	StatusHITLExpired  = "hitl_expired"
)

// Core wires the policy engine, HITL coordinator, secret resolver, tool
// registry, and audit store into the seven-step pipeline: validate tool
// exists, evaluate policy, route through HITL if required, resolve
// secrets, invoke, capture audit, return.
type Core struct {
	Registry  *registry.Registry
	Policy    *policy.Engine
	HITL      *hitl.Coordinator
	Secrets   *secrets.Resolver
	Audit     *audit.Store
	Logger    core.Logger
	Telemetry core.Telemetry
	Breakers  map[string]core.CircuitBreaker
}

// Dispatch runs req through the full pipeline.
func (c *Core) Dispatch(ctx context.Context, req Request) (Response, error) {
	const op = "dispatch.Dispatch"
	start := time.Now()

	ctx, span := c.telemetry().StartSpan(ctx, "dispatch."+req.Category+"."+req.Tool)
	defer span.End()
	span.SetAttribute("category", req.Category)
	span.SetAttribute("tool", req.Tool)

	tool, err := c.Registry.Lookup(req.Category, req.Tool)
	if err != nil {
		span.RecordError(err)
		return Response{}, err
	}

	var decision policy.Decision
	switch {
	case req.ForceHITL:
		reason := req.HITLReason
		if reason == "" {
			reason = "forced HITL review"
		}
		decision = policy.Decision{Action: policy.ActionRequireHITL, Reason: reason, RequireHITL: true}
	case req.Category == "shell":
		command, _ := req.Params["command"].(string)
		decision = c.Policy.EvaluateShell(command, req.Params)
	default:
		decision = c.Policy.Evaluate(req.Category, req.Tool, req.Params)
	}
	if decision.Action == policy.ActionAllow && tool.Descriptor().RequiresHITL {
		decision = policy.Decision{Action: policy.ActionRequireHITL, Reason: "tool requires human review", RequireHITL: true}
	}
	span.SetAttribute("policy_decision", string(decision.Action))

	if decision.Action == policy.ActionBlock {
		err := core.NewError(core.KindSecurity, op, fmt.Sprintf("blocked by policy: %s", decision.Reason))
		c.recordAudit(ctx, req, start, string(decision.Action), StatusBlocked, nil, err, "")
		return Response{}, err
	}

	var hitlRequestID string
	if decision.Action == policy.ActionRequireHITL {
		resp, err := c.runThroughHITL(ctx, req, decision, start)
		if err != nil {
			span.RecordError(err)
			return resp, err
		}
		hitlRequestID = resp.HITLRequestID
	}

	result, auditID, err := c.invokeAndAudit(ctx, tool, req, start, string(decision.Action), hitlRequestID)
	labels := map[string]string{"category": req.Category, "tool": req.Tool}
	c.telemetry().RecordMetric("dispatch.latency_ms", float64(time.Since(start).Milliseconds()), labels)
	if err != nil {
		span.RecordError(err)
		c.telemetry().RecordMetric("dispatch.requests.failed", 1, labels)
		return Response{HITLRequestID: hitlRequestID, AuditID: auditID}, err
	}

	c.telemetry().RecordMetric("dispatch.requests.success", 1, labels)
	return Response{Result: result, HITLRequestID: hitlRequestID, AuditID: auditID}, nil
}

func (c *Core) runThroughHITL(ctx context.Context, req Request, decision policy.Decision, start time.Time) (Response, error) {
	const op = "dispatch.runThroughHITL"

	toolCall := req.Category + "." + req.Tool
	request, err := c.HITL.Create(ctx, toolCall, req.Params, decision.Reason, 0)
	if err != nil {
		return Response{}, core.Wrap(core.KindInternal, op, err)
	}

	waitCtx := ctx
	var cancel context.CancelFunc
	if req.HITLTimeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, req.HITLTimeout)
		defer cancel()
	}

	outcome, err := c.HITL.Wait(waitCtx, request.ID)
	if err != nil {
		c.recordAudit(ctx, req, start, string(decision.Action), StatusHITLExpired, nil, err, request.ID)
		return Response{HITLRequestID: request.ID}, err
	}

	if outcome.Status != hitl.StatusApproved {
		err := core.NewError(core.KindSecurity, op,
			fmt.Sprintf("human reviewer did not approve: %s (%s)", outcome.Status, outcome.Reason))
		status := StatusHITLRejected
		if outcome.Status == hitl.StatusExpired {
			status = StatusHITLExpired
		}
		c.recordAudit(ctx, req, start, string(decision.Action), status, nil, err, request.ID)
		return Response{HITLRequestID: request.ID}, err
	}

	return Response{HITLRequestID: request.ID}, nil
}

func (c *Core) invokeAndAudit(ctx context.Context, tool registry.Tool, req Request, start time.Time, policyDecision, hitlRequestID string) (interface{}, string, error) {
	const op = "dispatch.invoke"

	successStatus := StatusSuccess
	if hitlRequestID != "" {
		successStatus = StatusHITLApproved
	}

	resolvedParams, err := c.Secrets.ResolveParams(req.Params)
	if err != nil {
		auditID := c.recordAudit(ctx, req, start, policyDecision, StatusError, nil, err, hitlRequestID)
		return nil, auditID, err
	}

	invoke := func(ctx context.Context) (interface{}, error) {
		return tool.Invoke(ctx, resolvedParams)
	}

	var result interface{}
	if breaker, ok := c.Breakers[req.Category]; ok && breaker != nil {
		result, err = breaker.Execute(ctx, invoke)
	} else {
		result, err = invoke(ctx)
	}

	if err != nil {
		wrapped := err
		var he *core.Error
		if !errors.As(err, &he) {
			wrapped = core.Wrap(core.KindInternal, op, err)
		}
		auditID := c.recordAudit(ctx, req, start, policyDecision, StatusError, nil, wrapped, hitlRequestID)
		return nil, auditID, wrapped
	}

	auditID := c.recordAudit(ctx, req, start, policyDecision, successStatus, result, nil, hitlRequestID)
	return result, auditID, nil
}

func (c *Core) recordAudit(ctx context.Context, req Request, start time.Time, policyDecision, status string, result interface{}, callErr error, hitlRequestID string) string {
	maskedParams := c.Secrets.MaskParams(req.Params)

	var resultStr *string
	if result != nil {
		if b, err := json.Marshal(result); err == nil {
			s := c.Secrets.Mask(string(b))
			resultStr = &s
		}
	}

	var errStr *string
	if callErr != nil {
		s := c.Secrets.Mask(callErr.Error())
		errStr = &s
	}

	var hitlID *string
	if hitlRequestID != "" {
		hitlID = &hitlRequestID
	}

	rec := audit.Record{
		Category:       req.Category,
		Tool:           req.Tool,
		Params:         maskedParams,
		Result:         resultStr,
		Error:          errStr,
		DurationMS:     time.Since(start).Milliseconds(),
		PolicyDecision: policyDecision,
		Status:         status,
		HITLRequestID:  hitlID,
		ClientInfo:     req.ClientInfo,
	}

	stored, err := c.Audit.Append(ctx, rec)
	if err != nil {
		c.logger().Error("failed to append audit record", map[string]interface{}{"error": err.Error()})
		return ""
	}
	return stored.ID
}

func (c *Core) logger() core.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return core.NoOpLogger{}
}

func (c *Core) telemetry() core.Telemetry {
	if c.Telemetry != nil {
		return c.Telemetry
	}
	return core.NoOpTelemetry{}
}

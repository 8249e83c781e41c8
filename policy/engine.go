// Package policy implements the Policy Engine (spec.md §4.3): the gate the
// Tool Dispatch Core consults before invoking any tool, deciding whether a
// call is allowed outright, blocked, or must be routed through human
// review first.
package policy

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/hostbridge-dev/hostbridge/core"
)

// Action is the outcome of evaluating a rule set against a tool call.
type Action string

const (
	ActionAllow       Action = "allow"
	ActionBlock       Action = "block"
	ActionRequireHITL Action = "require_hitl"
)

// Rule is one entry in a policy document. ToolPattern and CategoryPattern
// are glob patterns (path.Match syntax, matched separately against the
// category and the tool name, e.g. category "shell", tool "write_*");
// an empty pattern matches everything. ParamPattern, when set, is matched
// against the stringified parameter map with regexp.
type Rule struct {
	Name            string `yaml:"name"`
	ToolPattern     string `yaml:"tool"`
	CategoryPattern string `yaml:"category"`
	ParamPattern    string `yaml:"param_pattern"`
	Action          Action `yaml:"action"`
	Reason          string `yaml:"reason"`

	compiledParam *regexp.Regexp
}

// Decision is the result of Evaluate.
type Decision struct {
	Action      Action
	Reason      string
	MatchedRule string
	RequireHITL bool
}

// Engine holds an ordered rule set, evaluated first-match-wins, with a
// final implicit allow if nothing matches — mirroring the original
// implementation's default-allow posture with explicit deny/HITL
// overrides.
type Engine struct {
	mu    sync.RWMutex
	rules []Rule
}

// New builds an Engine from rules, evaluated in the given order.
func New(rules []Rule) (*Engine, error) {
	compiled := make([]Rule, len(rules))
	for i, r := range rules {
		if r.ParamPattern != "" {
			re, err := regexp.Compile(r.ParamPattern)
			if err != nil {
				return nil, core.NewError(core.KindInvalidParam, "policy.New",
					fmt.Sprintf("rule %q: invalid param_pattern: %v", r.Name, err))
			}
			r.compiledParam = re
		}
		compiled[i] = r
	}
	return &Engine{rules: compiled}, nil
}

// SetRules atomically replaces the rule set, allowing policy reload without
// restarting the dispatch core.
func (e *Engine) SetRules(rules []Rule) error {
	eng, err := New(rules)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.rules = eng.rules
	e.mu.Unlock()
	return nil
}

// Evaluate decides whether a call to category/tool with params is allowed,
// blocked, or requires human approval. The first matching rule wins.
func (e *Engine) Evaluate(category, tool string, params map[string]interface{}) Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, r := range e.rules {
		if !matchPattern(r.CategoryPattern, category) {
			continue
		}
		if !matchPattern(r.ToolPattern, tool) {
			continue
		}
		if r.compiledParam != nil && !r.compiledParam.MatchString(paramString(params)) {
			continue
		}
		return Decision{
			Action:      r.Action,
			Reason:      r.Reason,
			MatchedRule: r.Name,
			RequireHITL: r.Action == ActionRequireHITL,
		}
	}

	return Decision{Action: ActionAllow, Reason: "no matching rule, default allow"}
}

// EvaluateShell applies Evaluate and then, only when that decision is
// allow, additionally runs the shell-specific safety predicate: a block-listed
// shell command always upgrades an allow decision to block, and never
// downgrades an existing block/require_hitl decision. This mirrors the
// original implementation's belt-and-suspenders shell guard layered on top
// of the generic rule set.
func (e *Engine) EvaluateShell(command string, params map[string]interface{}) Decision {
	decision := e.Evaluate("shell", "execute_command", params)
	if decision.Action != ActionAllow {
		return decision
	}

	if reason, unsafe := isUnsafeShellCommand(command); unsafe {
		return Decision{
			Action:      ActionBlock,
			Reason:      reason,
			MatchedRule: "builtin.shell_safety",
		}
	}

	return decision
}

func matchPattern(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	matched, err := path.Match(pattern, value)
	if err != nil {
		return pattern == value
	}
	return matched
}

func paramString(params map[string]interface{}) string {
	var b strings.Builder
	for k, v := range params {
		fmt.Fprintf(&b, "%s=%v;", k, v)
	}
	return b.String()
}

// dangerousShellPatterns are substrings/regexes the original implementation
// refuses to run under any policy, short of an explicit HITL approval —
// destructive filesystem wipes, privilege escalation, and fork bombs.
var dangerousShellPatterns = []*regexp.Regexp{
	regexp.MustCompile(`rm\s+-rf\s+/(\s|$)`),
	regexp.MustCompile(`rm\s+-rf\s+/\*`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;`), // fork bomb
	regexp.MustCompile(`\bmkfs\b`),
	regexp.MustCompile(`\bdd\s+.*of=/dev/(sda|nvme|hd)`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]`),
	regexp.MustCompile(`\bchmod\s+-R\s+777\s+/`),
}

func isUnsafeShellCommand(command string) (string, bool) {
	for _, pattern := range dangerousShellPatterns {
		if pattern.MatchString(command) {
			return fmt.Sprintf("command matches unsafe pattern %q", pattern.String()), true
		}
	}
	return "", false
}

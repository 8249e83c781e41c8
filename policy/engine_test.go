package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate_DefaultAllow(t *testing.T) {
	e, err := New(nil)
	require.NoError(t, err)

	d := e.Evaluate("fs", "read_file", nil)
	assert.Equal(t, ActionAllow, d.Action)
}

func TestEvaluate_FirstMatchWins(t *testing.T) {
	e, err := New([]Rule{
		{Name: "block-write", ToolPattern: "write_file", CategoryPattern: "fs", Action: ActionBlock, Reason: "no writes"},
		{Name: "allow-all-fs", ToolPattern: "*", CategoryPattern: "fs", Action: ActionAllow},
	})
	require.NoError(t, err)

	d := e.Evaluate("fs", "write_file", nil)
	assert.Equal(t, ActionBlock, d.Action)
	assert.Equal(t, "block-write", d.MatchedRule)

	d2 := e.Evaluate("fs", "read_file", nil)
	assert.Equal(t, ActionAllow, d2.Action)
	assert.Equal(t, "allow-all-fs", d2.MatchedRule)
}

func TestEvaluate_GlobPattern(t *testing.T) {
	e, err := New([]Rule{
		{Name: "require-hitl-docker", CategoryPattern: "docker", ToolPattern: "*", Action: ActionRequireHITL},
	})
	require.NoError(t, err)

	d := e.Evaluate("docker", "run_container", nil)
	assert.Equal(t, ActionRequireHITL, d.Action)
	assert.True(t, d.RequireHITL)
}

func TestEvaluate_ParamPattern(t *testing.T) {
	e, err := New([]Rule{
		{Name: "block-prod", ToolPattern: "*", CategoryPattern: "*", ParamPattern: `env=prod`, Action: ActionBlock},
	})
	require.NoError(t, err)

	d := e.Evaluate("shell", "execute_command", map[string]interface{}{"env": "prod"})
	assert.Equal(t, ActionBlock, d.Action)

	d2 := e.Evaluate("shell", "execute_command", map[string]interface{}{"env": "staging"})
	assert.Equal(t, ActionAllow, d2.Action)
}

func TestEvaluateShell_BlocksDangerousCommand(t *testing.T) {
	e, err := New(nil)
	require.NoError(t, err)

	d := e.EvaluateShell("rm -rf /", map[string]interface{}{"command": "rm -rf /"})
	assert.Equal(t, ActionBlock, d.Action)
}

func TestEvaluateShell_AllowsOrdinaryCommand(t *testing.T) {
	e, err := New(nil)
	require.NoError(t, err)

	d := e.EvaluateShell("ls -la /workspace", map[string]interface{}{"command": "ls -la /workspace"})
	assert.Equal(t, ActionAllow, d.Action)
}

func TestEvaluateShell_RuleDecisionTakesPrecedenceOverSafetyCheck(t *testing.T) {
	e, err := New([]Rule{
		{Name: "require-hitl-shell", CategoryPattern: "shell", ToolPattern: "*", Action: ActionRequireHITL},
	})
	require.NoError(t, err)

	d := e.EvaluateShell("rm -rf /", map[string]interface{}{"command": "rm -rf /"})
	assert.Equal(t, ActionRequireHITL, d.Action)
}

func TestSetRules_AtomicReplace(t *testing.T) {
	e, err := New(nil)
	require.NoError(t, err)

	require.NoError(t, e.SetRules([]Rule{
		{Name: "block-all", ToolPattern: "*", CategoryPattern: "*", Action: ActionBlock},
	}))

	d := e.Evaluate("fs", "read_file", nil)
	assert.Equal(t, ActionBlock, d.Action)
}

func TestNew_InvalidParamPattern(t *testing.T) {
	_, err := New([]Rule{{Name: "bad", ParamPattern: "("}})
	require.Error(t, err)
}

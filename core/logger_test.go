package core

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProductionLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := NewProductionLogger("hostbridge/dispatch", "INFO", "json")
	l.output = &buf

	l.Info("dispatched", map[string]interface{}{"tool": "fs.read"})

	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hostbridge/dispatch", rec["component"])
	assert.Equal(t, "dispatched", rec["msg"])
	assert.Equal(t, "fs.read", rec["tool"])
}

func TestProductionLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	l := NewProductionLogger("hostbridge/plan", "INFO", "text")
	l.output = &buf

	l.Info("level executed", map[string]interface{}{"level": 2})

	out := buf.String()
	assert.Contains(t, out, "[INFO]")
	assert.Contains(t, out, "hostbridge/plan")
	assert.Contains(t, out, "level executed")
	assert.Contains(t, out, "level=2")
}

func TestProductionLogger_FiltersBelowConfiguredLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewProductionLogger("hostbridge/hitl", "WARN", "text")
	l.output = &buf

	l.Info("should not appear", nil)
	l.Warn("should appear", nil)

	out := buf.String()
	assert.False(t, strings.Contains(out, "should not appear"))
	assert.True(t, strings.Contains(out, "should appear"))
}

func TestProductionLogger_WithComponentSharesOutputAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewProductionLogger("hostbridge", "INFO", "text")
	l.output = &buf

	scoped := l.WithComponent("hostbridge/audit")
	scoped.Info("appended", nil)

	assert.Contains(t, buf.String(), "hostbridge/audit")
}

func TestNoOpLogger_NeverPanics(t *testing.T) {
	var l Logger = NoOpLogger{}
	assert.NotPanics(t, func() {
		l.Info("x", nil)
		l.Warn("x", nil)
		l.Error("x", nil)
		l.Debug("x", nil)
	})
}

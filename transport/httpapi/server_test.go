package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostbridge-dev/hostbridge/audit"
	"github.com/hostbridge-dev/hostbridge/dispatch"
	"github.com/hostbridge-dev/hostbridge/hitl"
	"github.com/hostbridge-dev/hostbridge/knowledge"
	"github.com/hostbridge-dev/hostbridge/plan"
	"github.com/hostbridge-dev/hostbridge/policy"
	"github.com/hostbridge-dev/hostbridge/registry"
	"github.com/hostbridge-dev/hostbridge/secrets"
	"github.com/hostbridge-dev/hostbridge/store"
)

type echoTool struct{}

func (echoTool) Descriptor() registry.Descriptor {
	return registry.Descriptor{Category: "echo", Name: "say"}
}

func (echoTool) Invoke(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return params, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "httpapi.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := registry.New()
	require.NoError(t, reg.Register(echoTool{}))
	pol, err := policy.New(nil)
	require.NoError(t, err)
	sec, err := secrets.New(filepath.Join(t.TempDir(), "secrets.env"))
	require.NoError(t, err)
	aud := audit.New(db)
	coordinator := hitl.New(db, time.Minute)
	graph := knowledge.New(db)

	d := &dispatch.Core{Registry: reg, Policy: pol, HITL: coordinator, Secrets: sec, Audit: aud}
	planEngine := plan.New(db, d)

	return NewServer(&Server{
		Dispatch: d,
		Plan:     planEngine,
		HITL:     coordinator,
		Graph:    graph,
		Registry: reg,
	})
}

func TestHandleDispatch_Success(t *testing.T) {
	srv := newTestServer(t)
	body, _ := json.Marshal(map[string]interface{}{
		"category": "echo", "tool": "say", "params": map[string]interface{}{"msg": "hi"},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/dispatch", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.NotEmpty(t, out["audit_id"])
}

func TestHandleDispatch_UnknownToolReturns404(t *testing.T) {
	srv := newTestServer(t)
	body, _ := json.Marshal(map[string]interface{}{"category": "nope", "tool": "nope"})
	req := httptest.NewRequest(http.MethodPost, "/v1/dispatch", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleCatalog(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/tools", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out []registry.Descriptor
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "echo", out[0].Category)
}

func TestHandlePlanLifecycle(t *testing.T) {
	srv := newTestServer(t)

	createBody, _ := json.Marshal(map[string]interface{}{
		"tasks": []map[string]interface{}{
			{"id": "a", "category": "echo", "tool": "say", "params": map[string]interface{}{"msg": "hi"}},
		},
	})
	createReq := httptest.NewRequest(http.MethodPost, "/v1/plans", bytes.NewReader(createBody))
	createRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(createRec, createReq)
	require.Equal(t, http.StatusCreated, createRec.Code)

	var created map[string]interface{}
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))
	planID := created["id"].(string)
	require.NotEmpty(t, planID)

	execReq := httptest.NewRequest(http.MethodPost, "/v1/plans/"+planID+"/execute", nil)
	execRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(execRec, execReq)
	assert.Equal(t, http.StatusOK, execRec.Code)

	statusReq := httptest.NewRequest(http.MethodGet, "/v1/plans/"+planID, nil)
	statusRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(statusRec, statusReq)
	assert.Equal(t, http.StatusOK, statusRec.Code)
}

func TestHandleHITL_ApproveUnknownReturnsNotFound(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/hitl/does-not-exist/approve", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// Package httpapi implements the REST/JSON transport (spec.md §6.1): tool
// dispatch, plan management, and the human-reviewer HITL endpoints, built
// on net/http.ServeMux the way the teacher framework wires its own HTTP
// surface.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/hostbridge-dev/hostbridge/core"
	"github.com/hostbridge-dev/hostbridge/dispatch"
	"github.com/hostbridge-dev/hostbridge/hitl"
	"github.com/hostbridge-dev/hostbridge/knowledge"
	"github.com/hostbridge-dev/hostbridge/plan"
	"github.com/hostbridge-dev/hostbridge/registry"
)

// Server wires every HostBridge component into an http.Handler.
type Server struct {
	Dispatch *dispatch.Core
	Plan     *plan.Engine
	HITL     *hitl.Coordinator
	Graph    *knowledge.Graph
	Registry *registry.Registry
	Logger   core.Logger

	mux *http.ServeMux
}

// NewServer builds the request router. Call Handler to get the
// http.Handler to pass to http.Server.
func NewServer(s *Server) *Server {
	mux := http.NewServeMux()
	s.mux = mux

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/tools", s.handleCatalog)
	mux.HandleFunc("POST /v1/dispatch", s.handleDispatch)

	mux.HandleFunc("POST /v1/plans", s.handlePlanCreate)
	mux.HandleFunc("POST /v1/plans/{id}/execute", s.handlePlanExecute)
	mux.HandleFunc("GET /v1/plans/{id}", s.handlePlanStatus)
	mux.HandleFunc("POST /v1/plans/{id}/cancel", s.handlePlanCancel)
	mux.HandleFunc("GET /v1/plans", s.handlePlanList)

	mux.HandleFunc("GET /v1/hitl/pending", s.handleHITLPending)
	mux.HandleFunc("GET /v1/hitl/{id}", s.handleHITLGet)
	mux.HandleFunc("POST /v1/hitl/{id}/approve", s.handleHITLApprove)
	mux.HandleFunc("POST /v1/hitl/{id}/reject", s.handleHITLReject)

	mux.HandleFunc("POST /v1/knowledge/search", s.handleKnowledgeSearch)

	return s
}

// Handler returns the composed http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Registry.Catalog())
}

type dispatchRequest struct {
	Category    string                 `json:"category"`
	Tool        string                 `json:"tool"`
	Params      map[string]interface{} `json:"params"`
	TimeoutSecs int                    `json:"hitl_timeout_seconds"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, core.NewError(core.KindInvalidParam, "httpapi.dispatch", "invalid JSON body"))
		return
	}

	resp, err := s.Dispatch.Dispatch(r.Context(), dispatch.Request{
		Category:    req.Category,
		Tool:        req.Tool,
		Params:      req.Params,
		HITLTimeout: time.Duration(req.TimeoutSecs) * time.Second,
		ClientInfo:  clientInfo(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"result":          resp.Result,
		"audit_id":        resp.AuditID,
		"hitl_request_id": resp.HITLRequestID,
	})
}

type planCreateRequest struct {
	Name          string             `json:"name"`
	Tasks         []plan.TaskDef     `json:"tasks"`
	FailurePolicy plan.FailurePolicy `json:"failure_policy"`
}

func (s *Server) handlePlanCreate(w http.ResponseWriter, r *http.Request) {
	var req planCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, core.NewError(core.KindInvalidParam, "httpapi.plan_create", "invalid JSON body"))
		return
	}
	p, err := s.Plan.Create(r.Context(), req.Name, req.Tasks, req.FailurePolicy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handlePlanExecute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := s.Plan.Execute(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePlanStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := s.Plan.Status(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePlanCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.Plan.Cancel(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"plan_id": id, "status": "cancelled"})
}

func (s *Server) handlePlanList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Plan.List())
}

func (s *Server) handleHITLPending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.HITL.Pending())
}

func (s *Server) handleHITLGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	req, err := s.HITL.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type hitlResolveRequest struct {
	ResolvedBy string `json:"resolved_by"`
	Reason     string `json:"reason"`
}

func (s *Server) handleHITLApprove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body hitlResolveRequest
	_ = json.NewDecoder(r.Body).Decode(&body)

	req, err := s.HITL.Approve(r.Context(), id, body.ResolvedBy, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleHITLReject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body hitlResolveRequest
	_ = json.NewDecoder(r.Body).Decode(&body)

	req, err := s.HITL.Reject(r.Context(), id, body.ResolvedBy, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type knowledgeSearchRequest struct {
	Query          string     `json:"query"`
	Mode           string     `json:"mode"`
	EntityType     string     `json:"entity_type"`
	Tags           []string   `json:"tags"`
	MaxResults     int        `json:"max_results"`
	TemporalFilter *time.Time `json:"temporal_filter"`
}

func (s *Server) handleKnowledgeSearch(w http.ResponseWriter, r *http.Request) {
	var req knowledgeSearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, core.NewError(core.KindInvalidParam, "httpapi.knowledge_search", "invalid JSON body"))
		return
	}
	hits, err := s.Graph.Search(r.Context(), req.Query, req.Mode, req.EntityType, req.Tags, req.MaxResults, req.TemporalFilter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hits)
}

func clientInfo(r *http.Request) map[string]interface{} {
	return map[string]interface{}{
		"remote_addr": r.RemoteAddr,
		"user_agent":  r.UserAgent(),
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// statusForKind maps the spec's error taxonomy (§7) onto HTTP status codes.
func statusForKind(k core.Kind) int {
	switch k {
	case core.KindInvalidParam:
		return http.StatusBadRequest
	case core.KindSecurity:
		return http.StatusForbidden
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindTimeout:
		return http.StatusGatewayTimeout
	case core.KindSecretNotFound:
		return http.StatusUnprocessableEntity
	case core.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := core.KindOf(err)
	body := map[string]interface{}{
		"error": err.Error(),
		"kind":  kind,
	}
	var he *core.Error
	if errors.As(err, &he) && he.Suggestion != "" {
		body["suggestion"] = he.Suggestion
	}
	writeJSON(w, statusForKind(kind), body)
}

// Package hitl implements the Human-in-the-Loop Coordinator (spec.md
// §4.5): pending approval requests with TTL-based expiry, one-shot
// resolution, and a watcher fan-out so the websocket transport can push
// live updates to connected reviewers.
package hitl

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hostbridge-dev/hostbridge/core"
)

// Status is the lifecycle state of a Request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Request is one human-approval request.
type Request struct {
	ID                string                 `json:"id"`
	ToolCall          string                 `json:"tool_call"`
	Params            map[string]interface{} `json:"params"`
	Status            Status                 `json:"status"`
	Reason            string                 `json:"reason,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	ExpiresAt         time.Time              `json:"expires_at"`
	ResolvedAt        *time.Time             `json:"resolved_at,omitempty"`
	ResolvedBy        string                 `json:"resolved_by,omitempty"`
	ResolutionReason  string                 `json:"resolution_reason,omitempty"`
}

// Decision is delivered to Wait once a request leaves the pending state.
type Decision struct {
	Status Status
	Reason string
}

// Watcher receives every lifecycle event (creation, resolution, expiry) so
// the websocket transport can broadcast live state to connected human
// reviewers. Implementations must not block.
type Watcher func(Request)

// Coordinator tracks pending requests in memory (for fast wait/notify) and
// persists every state transition to the shared SQLite database so a
// restart doesn't lose audit history.
type Coordinator struct {
	db         *sqlx.DB
	defaultTTL time.Duration

	mu       sync.Mutex
	pending  map[string]*entry
	watchers map[string]Watcher

	stop chan struct{}
	wg   sync.WaitGroup
}

type entry struct {
	req    Request
	waitCh chan Decision
}

// New returns a Coordinator backed by db, using defaultTTL for requests
// created without an explicit TTL. Call Start to begin the expiry sweep.
func New(db *sqlx.DB, defaultTTL time.Duration) *Coordinator {
	return &Coordinator{
		db:         db,
		defaultTTL: defaultTTL,
		pending:    make(map[string]*entry),
		watchers:   make(map[string]Watcher),
		stop:       make(chan struct{}),
	}
}

// Start launches the background TTL expiry sweep. Call Stop to shut it
// down cleanly.
func (c *Coordinator) Start(interval time.Duration) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.expireOverdue()
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop halts the expiry sweep and waits for it to exit.
func (c *Coordinator) Stop() {
	close(c.stop)
	c.wg.Wait()
}

// RegisterWatcher adds w under id (typically a connection id) so it
// receives every subsequent lifecycle event. Call UnregisterWatcher when
// the connection closes.
func (c *Coordinator) RegisterWatcher(id string, w Watcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers[id] = w
}

// UnregisterWatcher removes a previously registered watcher.
func (c *Coordinator) UnregisterWatcher(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.watchers, id)
}

// Create registers a new pending request and persists it. If ttl is zero
// the Coordinator's default is used.
func (c *Coordinator) Create(ctx context.Context, toolCall string, params map[string]interface{}, reason string, ttl time.Duration) (Request, error) {
	const op = "hitl.Create"

	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	now := time.Now().UTC()
	req := Request{
		ID:        core.NewID(),
		ToolCall:  toolCall,
		Params:    params,
		Status:    StatusPending,
		Reason:    reason,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	if err := c.persist(ctx, req); err != nil {
		return Request{}, core.Wrap(core.KindInternal, op, err)
	}

	c.mu.Lock()
	c.pending[req.ID] = &entry{req: req, waitCh: make(chan Decision, 1)}
	c.mu.Unlock()

	c.notify(req)
	return req, nil
}

// Wait blocks until request id is resolved (approved/rejected/expired) or
// ctx is cancelled, whichever comes first.
func (c *Coordinator) Wait(ctx context.Context, id string) (Decision, error) {
	const op = "hitl.Wait"

	c.mu.Lock()
	e, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return Decision{}, core.NewError(core.KindNotFound, op, "no pending hitl request: "+id)
	}

	select {
	case d := <-e.waitCh:
		return d, nil
	case <-ctx.Done():
		return Decision{}, core.Wrap(core.KindTimeout, op, ctx.Err())
	}
}

// Approve resolves id as approved, recording resolvedBy.
func (c *Coordinator) Approve(ctx context.Context, id, resolvedBy, reason string) (Request, error) {
	return c.resolve(ctx, id, StatusApproved, resolvedBy, reason)
}

// Reject resolves id as rejected, recording resolvedBy.
func (c *Coordinator) Reject(ctx context.Context, id, resolvedBy, reason string) (Request, error) {
	return c.resolve(ctx, id, StatusRejected, resolvedBy, reason)
}

func (c *Coordinator) resolve(ctx context.Context, id string, status Status, resolvedBy, reason string) (Request, error) {
	op := "hitl.Resolve"

	c.mu.Lock()
	e, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		// A resolved or expired request has left the pending map but is
		// still persisted; resolving it again is a conflict, not a miss.
		if stored, err := c.load(ctx, id); err == nil && stored.Status != StatusPending {
			return Request{}, core.NewError(core.KindConflict, op, fmt.Sprintf("request %s already resolved as %s", id, stored.Status))
		}
		return Request{}, core.NewError(core.KindNotFound, op, "no pending hitl request: "+id)
	}
	if e.req.Status != StatusPending {
		c.mu.Unlock()
		return Request{}, core.NewError(core.KindConflict, op, fmt.Sprintf("request %s already resolved as %s", id, e.req.Status))
	}

	now := time.Now().UTC()
	e.req.Status = status
	e.req.ResolvedAt = &now
	e.req.ResolvedBy = resolvedBy
	e.req.ResolutionReason = reason
	req := e.req
	delete(c.pending, id)
	c.mu.Unlock()

	if err := c.persist(ctx, req); err != nil {
		return Request{}, core.Wrap(core.KindInternal, op, err)
	}

	// One-shot completion: a buffered channel of capacity 1 guarantees this
	// send never blocks even if nobody is waiting yet.
	e.waitCh <- Decision{Status: status, Reason: reason}
	close(e.waitCh)

	c.notify(req)
	return req, nil
}

// Pending returns every currently-pending request, oldest first.
func (c *Coordinator) Pending() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Request, 0, len(c.pending))
	for _, e := range c.pending {
		out = append(out, e.req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Get returns a request by id, checking in-memory pending state first and
// falling back to the persisted record for resolved/expired requests.
func (c *Coordinator) Get(ctx context.Context, id string) (Request, error) {
	c.mu.Lock()
	if e, ok := c.pending[id]; ok {
		req := e.req
		c.mu.Unlock()
		return req, nil
	}
	c.mu.Unlock()

	return c.load(ctx, id)
}

func (c *Coordinator) expireOverdue() {
	now := time.Now().UTC()

	c.mu.Lock()
	var overdue []*entry
	for _, e := range c.pending {
		if now.After(e.req.ExpiresAt) {
			overdue = append(overdue, e)
		}
	}
	for _, e := range overdue {
		delete(c.pending, e.req.ID)
	}
	c.mu.Unlock()

	for _, e := range overdue {
		e.req.Status = StatusExpired
		e.req.ResolvedAt = &now
		e.req.ResolutionReason = "ttl expired"

		if err := c.persist(context.Background(), e.req); err != nil {
			// Persisting the expiry is best-effort; the in-memory waiter
			// still gets unblocked regardless.
			_ = err
		}

		e.waitCh <- Decision{Status: StatusExpired, Reason: "ttl expired"}
		close(e.waitCh)
		c.notify(e.req)
	}
}

func (c *Coordinator) notify(req Request) {
	c.mu.Lock()
	watchers := make([]Watcher, 0, len(c.watchers))
	for _, w := range c.watchers {
		watchers = append(watchers, w)
	}
	c.mu.Unlock()

	for _, w := range watchers {
		w(req)
	}
}

func (c *Coordinator) persist(ctx context.Context, req Request) error {
	paramsJSON, err := json.Marshal(req.Params)
	if err != nil {
		return err
	}

	var resolvedAt sql.NullString
	if req.ResolvedAt != nil {
		resolvedAt = sql.NullString{String: req.ResolvedAt.Format(time.RFC3339Nano), Valid: true}
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO hitl_requests (id, tool_call, params, status, reason, created_at, expires_at, resolved_at, resolved_by, resolution_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			resolved_at = excluded.resolved_at,
			resolved_by = excluded.resolved_by,
			resolution_reason = excluded.resolution_reason`,
		req.ID, req.ToolCall, string(paramsJSON), req.Status, req.Reason,
		req.CreatedAt.Format(time.RFC3339Nano), req.ExpiresAt.Format(time.RFC3339Nano),
		resolvedAt, req.ResolvedBy, req.ResolutionReason,
	)
	return err
}

type hitlRow struct {
	ID               string         `db:"id"`
	ToolCall         string         `db:"tool_call"`
	Params           string         `db:"params"`
	Status           string         `db:"status"`
	Reason           sql.NullString `db:"reason"`
	CreatedAt        string         `db:"created_at"`
	ExpiresAt        string         `db:"expires_at"`
	ResolvedAt       sql.NullString `db:"resolved_at"`
	ResolvedBy       sql.NullString `db:"resolved_by"`
	ResolutionReason sql.NullString `db:"resolution_reason"`
}

func (c *Coordinator) load(ctx context.Context, id string) (Request, error) {
	const op = "hitl.Get"

	var r hitlRow
	err := c.db.GetContext(ctx, &r, `SELECT * FROM hitl_requests WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return Request{}, core.NewError(core.KindNotFound, op, "no such hitl request: "+id)
	}
	if err != nil {
		return Request{}, core.Wrap(core.KindInternal, op, err)
	}

	var params map[string]interface{}
	if err := json.Unmarshal([]byte(r.Params), &params); err != nil {
		return Request{}, core.Wrap(core.KindInternal, op, err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return Request{}, core.Wrap(core.KindInternal, op, err)
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, r.ExpiresAt)
	if err != nil {
		return Request{}, core.Wrap(core.KindInternal, op, err)
	}

	req := Request{
		ID:        r.ID,
		ToolCall:  r.ToolCall,
		Params:    params,
		Status:    Status(r.Status),
		Reason:    r.Reason.String,
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
	}
	if r.ResolvedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, r.ResolvedAt.String)
		if err == nil {
			req.ResolvedAt = &t
		}
	}
	req.ResolvedBy = r.ResolvedBy.String
	req.ResolutionReason = r.ResolutionReason.String
	return req, nil
}

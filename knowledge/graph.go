// Package knowledge implements the Knowledge Graph Engine (spec.md §4.6):
// a node/edge store with full-text search over node content and recursive
// graph traversal, backed by SQLite's FTS5 extension.
package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hostbridge-dev/hostbridge/core"
)

// Node is one entry in the graph.
type Node struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Title     string                 `json:"title"`
	Content   string                 `json:"content"`
	Tags      []string               `json:"tags,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Edge is a typed, directed relationship between two nodes. Edges are
// unique per (SourceID, TargetID, Type): Link upserts rather than
// inserting a duplicate row for an existing triple.
type Edge struct {
	ID            string                 `json:"id"`
	SourceID      string                 `json:"source_id"`
	TargetID      string                 `json:"target_id"`
	Type          string                 `json:"type"`
	Weight        float64                `json:"weight"`
	Bidirectional bool                   `json:"bidirectional"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	ValidFrom     *time.Time             `json:"valid_from,omitempty"`
	ValidUntil    *time.Time             `json:"valid_until,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

// SearchHit is one search result. Score is populated for fulltext/hybrid
// hits (bm25, higher is better) and left at zero for tag-only hits, which
// have no text-relevance ranking.
type SearchHit struct {
	Node  Node    `json:"node"`
	Score float64 `json:"score"`
}

// NeighborSummary is the compact view of a node returned alongside an
// incident edge, rather than the full Node.
type NeighborSummary struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Type    string `json:"type"`
	Preview string `json:"preview"`
}

// RelatedEdge pairs an incident edge with its direction relative to the
// node that was looked up and a summary of the node on the other end.
type RelatedEdge struct {
	Edge      Edge            `json:"edge"`
	Direction string          `json:"direction"` // "outgoing" or "incoming"
	Neighbor  NeighborSummary `json:"neighbor"`
}

// NodeWithRelations is the result of Get(id, include_relations=true).
type NodeWithRelations struct {
	Node
	Relations []RelatedEdge `json:"relations,omitempty"`
}

// Stats summarizes the graph's size.
type Stats struct {
	NodeCount int            `json:"node_count"`
	EdgeCount int            `json:"edge_count"`
	ByType    map[string]int `json:"by_type"`
}

// Graph is the Knowledge Graph Engine, backed by the shared SQLite database.
type Graph struct {
	db *sqlx.DB
}

// New returns a Graph backed by db (opened via store.Open).
func New(db *sqlx.DB) *Graph {
	return &Graph{db: db}
}

// Store inserts a new node, assigning ID/CreatedAt/UpdatedAt if unset.
func (g *Graph) Store(ctx context.Context, n Node) (Node, error) {
	const op = "knowledge.Store"

	if n.ID == "" {
		n.ID = core.NewID()
	}
	now := time.Now().UTC()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now

	metaJSON, err := marshalMeta(n.Metadata)
	if err != nil {
		return Node{}, core.Wrap(core.KindInvalidParam, op, err)
	}

	_, err = g.db.ExecContext(ctx, `
		INSERT INTO knowledge_nodes (id, node_type, title, content, tags, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Type, n.Title, n.Content, nullableString(joinTags(n.Tags)), nullableString(metaJSON),
		n.CreatedAt.Format(time.RFC3339Nano), n.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Node{}, core.Wrap(core.KindInternal, op, err)
	}
	return n, nil
}

// Get returns a node by id. When includeRelations is true, every edge
// incident to id is also returned, tagged with its direction from id's
// perspective and a compact summary of the node on the other end.
func (g *Graph) Get(ctx context.Context, id string, includeRelations bool) (NodeWithRelations, error) {
	const op = "knowledge.Get"

	n, err := g.getNode(ctx, id)
	if err != nil {
		return NodeWithRelations{}, err
	}
	result := NodeWithRelations{Node: n}
	if !includeRelations {
		return result, nil
	}

	var rows []edgeRow
	if err := g.db.SelectContext(ctx, &rows, `
		SELECT * FROM knowledge_edges WHERE source_id = ? OR target_id = ?`, id, id); err != nil {
		return NodeWithRelations{}, core.Wrap(core.KindInternal, op, err)
	}

	for _, r := range rows {
		e, err := r.toEdge()
		if err != nil {
			return NodeWithRelations{}, core.Wrap(core.KindInternal, op, err)
		}

		direction := "outgoing"
		neighborID := e.TargetID
		if e.SourceID != id {
			direction = "incoming"
			neighborID = e.SourceID
		}

		neighbor, err := g.getNode(ctx, neighborID)
		if err != nil {
			continue
		}
		result.Relations = append(result.Relations, RelatedEdge{
			Edge:      e,
			Direction: direction,
			Neighbor:  toNeighborSummary(neighbor),
		})
	}
	return result, nil
}

// getNode is the plain single-node lookup used internally by Update,
// Delete, Link, and Get itself.
func (g *Graph) getNode(ctx context.Context, id string) (Node, error) {
	const op = "knowledge.Get"
	var r nodeRow
	err := g.db.GetContext(ctx, &r, `SELECT * FROM knowledge_nodes WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return Node{}, core.NewError(core.KindNotFound, op, "no such node: "+id)
	}
	if err != nil {
		return Node{}, core.Wrap(core.KindInternal, op, err)
	}
	return r.toNode()
}

// Update patches an existing node. title, content, and tags (when
// non-nil) replace the corresponding field wholesale; metadata merges
// key by key into the existing map rather than replacing it. Empty
// strings and a nil tags slice leave their field unchanged. Update
// returns the node's content as it was immediately before the patch, for
// callers that need to audit what changed.
func (g *Graph) Update(ctx context.Context, id string, title, content string, tags []string, metadata map[string]interface{}) (Node, string, error) {
	const op = "knowledge.Update"

	existing, err := g.getNode(ctx, id)
	if err != nil {
		return Node{}, "", err
	}
	previousContent := existing.Content

	if title != "" {
		existing.Title = title
	}
	if content != "" {
		existing.Content = content
	}
	if tags != nil {
		existing.Tags = tags
	}
	if metadata != nil {
		if existing.Metadata == nil {
			existing.Metadata = make(map[string]interface{}, len(metadata))
		}
		for k, v := range metadata {
			existing.Metadata[k] = v
		}
	}
	existing.UpdatedAt = time.Now().UTC()

	metaJSON, err := marshalMeta(existing.Metadata)
	if err != nil {
		return Node{}, "", core.Wrap(core.KindInvalidParam, op, err)
	}

	_, err = g.db.ExecContext(ctx, `
		UPDATE knowledge_nodes SET title = ?, content = ?, tags = ?, metadata = ?, updated_at = ? WHERE id = ?`,
		existing.Title, existing.Content, nullableString(joinTags(existing.Tags)), nullableString(metaJSON),
		existing.UpdatedAt.Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return Node{}, "", core.Wrap(core.KindInternal, op, err)
	}
	return existing, previousContent, nil
}

// Delete removes a node and every edge touching it. A child reachable
// only through a parent_of edge from id (its sole parent_of source) is
// reported as orphaned; when cascade is true those orphans are deleted
// too. Returns the total number of edges removed (across id and, when
// cascading, its orphaned children) and the list of orphaned child ids.
func (g *Graph) Delete(ctx context.Context, id string, cascade bool) (int, []string, error) {
	const op = "knowledge.Delete"

	tx, err := g.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, nil, core.Wrap(core.KindInternal, op, err)
	}
	defer tx.Rollback()

	deletedEdges, orphans, err := deleteNodeTx(ctx, tx, id)
	if err != nil {
		return 0, nil, err
	}

	if cascade {
		for _, child := range orphans {
			childEdges, _, err := deleteNodeTx(ctx, tx, child)
			if err != nil {
				return 0, nil, err
			}
			deletedEdges += childEdges
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, nil, core.Wrap(core.KindInternal, op, err)
	}
	return deletedEdges, orphans, nil
}

func deleteNodeTx(ctx context.Context, tx *sqlx.Tx, id string) (int, []string, error) {
	const op = "knowledge.Delete"

	var candidates []string
	if err := tx.SelectContext(ctx, &candidates, `
		SELECT target_id FROM knowledge_edges WHERE source_id = ? AND edge_type = 'parent_of'`, id); err != nil {
		return 0, nil, core.Wrap(core.KindInternal, op, err)
	}

	var orphans []string
	for _, child := range candidates {
		var otherParents int
		if err := tx.GetContext(ctx, &otherParents, `
			SELECT COUNT(*) FROM knowledge_edges
			WHERE target_id = ? AND edge_type = 'parent_of' AND source_id != ?`, child, id); err != nil {
			return 0, nil, core.Wrap(core.KindInternal, op, err)
		}
		if otherParents == 0 {
			orphans = append(orphans, child)
		}
	}

	var deletedEdges int
	if err := tx.GetContext(ctx, &deletedEdges, `
		SELECT COUNT(*) FROM knowledge_edges WHERE source_id = ? OR target_id = ?`, id, id); err != nil {
		return 0, nil, core.Wrap(core.KindInternal, op, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM knowledge_edges WHERE source_id = ? OR target_id = ?`, id, id); err != nil {
		return 0, nil, core.Wrap(core.KindInternal, op, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM knowledge_nodes WHERE id = ?`, id)
	if err != nil {
		return 0, nil, core.Wrap(core.KindInternal, op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, nil, core.NewError(core.KindNotFound, op, "no such node: "+id)
	}
	return deletedEdges, orphans, nil
}

// Link upserts a directed, typed edge from source to target, keyed on
// (source, target, relation): calling it again for the same triple
// updates weight/bidirectional/metadata/validity in place instead of
// creating a duplicate row. When bidirectional is true, the mirror edge
// (target -> source) is upserted with the same attributes. The returned
// bool is true only when a new edge row was created.
func (g *Graph) Link(ctx context.Context, sourceID, targetID, relation string, weight float64, bidirectional bool, metadata map[string]interface{}, validFrom, validUntil *time.Time) (Edge, bool, error) {
	if _, err := g.getNode(ctx, sourceID); err != nil {
		return Edge{}, false, err
	}
	if _, err := g.getNode(ctx, targetID); err != nil {
		return Edge{}, false, err
	}

	edge, created, err := g.upsertEdge(ctx, sourceID, targetID, relation, weight, bidirectional, metadata, validFrom, validUntil)
	if err != nil {
		return Edge{}, false, err
	}

	if bidirectional {
		if _, _, err := g.upsertEdge(ctx, targetID, sourceID, relation, weight, bidirectional, metadata, validFrom, validUntil); err != nil {
			return Edge{}, false, err
		}
	}
	return edge, created, nil
}

func (g *Graph) upsertEdge(ctx context.Context, sourceID, targetID, relation string, weight float64, bidirectional bool, metadata map[string]interface{}, validFrom, validUntil *time.Time) (Edge, bool, error) {
	const op = "knowledge.Link"

	metaJSON, err := marshalMeta(metadata)
	if err != nil {
		return Edge{}, false, core.Wrap(core.KindInvalidParam, op, err)
	}

	var existingID string
	lookupErr := g.db.GetContext(ctx, &existingID, `
		SELECT id FROM knowledge_edges WHERE source_id = ? AND target_id = ? AND edge_type = ?`,
		sourceID, targetID, relation)
	if lookupErr != nil && lookupErr != sql.ErrNoRows {
		return Edge{}, false, core.Wrap(core.KindInternal, op, lookupErr)
	}

	if lookupErr == sql.ErrNoRows {
		e := Edge{
			ID: core.NewID(), SourceID: sourceID, TargetID: targetID, Type: relation,
			Weight: weight, Bidirectional: bidirectional, Metadata: metadata,
			ValidFrom: validFrom, ValidUntil: validUntil, CreatedAt: time.Now().UTC(),
		}
		_, err := g.db.ExecContext(ctx, `
			INSERT INTO knowledge_edges
				(id, source_id, target_id, edge_type, weight, bidirectional, metadata, valid_from, valid_until, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.SourceID, e.TargetID, e.Type, e.Weight, e.Bidirectional, nullableString(metaJSON),
			formatNullableTime(validFrom), formatNullableTime(validUntil), e.CreatedAt.Format(time.RFC3339Nano),
		)
		if err != nil {
			return Edge{}, false, core.Wrap(core.KindInternal, op, err)
		}
		return e, true, nil
	}

	_, err = g.db.ExecContext(ctx, `
		UPDATE knowledge_edges SET weight = ?, bidirectional = ?, metadata = ?, valid_from = ?, valid_until = ?
		WHERE id = ?`,
		weight, bidirectional, nullableString(metaJSON), formatNullableTime(validFrom), formatNullableTime(validUntil), existingID,
	)
	if err != nil {
		return Edge{}, false, core.Wrap(core.KindInternal, op, err)
	}

	var r edgeRow
	if err := g.db.GetContext(ctx, &r, `SELECT * FROM knowledge_edges WHERE id = ?`, existingID); err != nil {
		return Edge{}, false, core.Wrap(core.KindInternal, op, err)
	}
	e, err := r.toEdge()
	if err != nil {
		return Edge{}, false, core.Wrap(core.KindInternal, op, err)
	}
	return e, false, nil
}

// Search runs a query in one of three modes: fulltext (bm25-ranked match
// over title/content/tags), tags (exact filter on every tag in tags,
// unranked), or hybrid (fulltext, falling back to tags when the
// full-text pass finds nothing). entityType and temporalFilter, when
// set, further restrict any mode to a node_type and a minimum
// created_at. An invalid FTS5 query syntax degrades to an empty result
// set rather than surfacing a parser error.
func (g *Graph) Search(ctx context.Context, query, mode, entityType string, tags []string, maxResults int, temporalFilter *time.Time) ([]SearchHit, error) {
	const op = "knowledge.Search"
	if maxResults <= 0 {
		maxResults = 20
	}
	if mode == "" {
		mode = "fulltext"
	}

	switch mode {
	case "fulltext":
		return g.searchFullText(ctx, query, entityType, temporalFilter, maxResults)
	case "tags":
		return g.searchByTags(ctx, tags, entityType, temporalFilter, maxResults)
	case "hybrid":
		hits, err := g.searchFullText(ctx, query, entityType, temporalFilter, maxResults)
		if err != nil {
			return nil, err
		}
		if len(hits) == 0 {
			return g.searchByTags(ctx, tags, entityType, temporalFilter, maxResults)
		}
		return hits, nil
	default:
		return nil, core.NewError(core.KindInvalidParam, op, "unknown search mode: "+mode)
	}
}

func (g *Graph) searchFullText(ctx context.Context, query, entityType string, temporalFilter *time.Time, maxResults int) ([]SearchHit, error) {
	const op = "knowledge.Search"

	sqlStr := `
		SELECT n.id, n.node_type, n.title, n.content, n.tags, n.metadata, n.created_at, n.updated_at, bm25(knowledge_fts) AS score
		FROM knowledge_fts
		JOIN knowledge_nodes n ON n.id = knowledge_fts.id
		WHERE knowledge_fts MATCH ?`
	args := []interface{}{query}
	if entityType != "" {
		sqlStr += ` AND n.node_type = ?`
		args = append(args, entityType)
	}
	if temporalFilter != nil {
		sqlStr += ` AND n.created_at >= ?`
		args = append(args, temporalFilter.Format(time.RFC3339Nano))
	}
	sqlStr += ` ORDER BY score LIMIT ?`
	args = append(args, maxResults)

	rows, err := g.db.QueryxContext(ctx, sqlStr, args...)
	if err != nil {
		// An invalid FTS5 MATCH expression is a query-syntax error, not a
		// reason to fail the whole search: treat it as zero results.
		return nil, nil
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var r nodeRow
		var score float64
		if err := rows.Scan(&r.ID, &r.Type, &r.Title, &r.Content, &r.Tags, &r.Metadata, &r.CreatedAt, &r.UpdatedAt, &score); err != nil {
			return nil, core.Wrap(core.KindInternal, op, err)
		}
		n, err := r.toNode()
		if err != nil {
			return nil, core.Wrap(core.KindInternal, op, err)
		}
		// bm25 in SQLite is lower-is-better; invert so callers see
		// higher-is-better relevance, matching the spec's "score" contract.
		hits = append(hits, SearchHit{Node: n, Score: -score})
	}
	if err := rows.Err(); err != nil {
		// A malformed MATCH expression can also surface on the first step
		// rather than at query time; it is treated as zero results too.
		return nil, nil
	}
	return hits, nil
}

func (g *Graph) searchByTags(ctx context.Context, tags []string, entityType string, temporalFilter *time.Time, maxResults int) ([]SearchHit, error) {
	const op = "knowledge.Search"
	if len(tags) == 0 {
		return nil, nil
	}

	sqlStr := `SELECT * FROM knowledge_nodes WHERE 1=1`
	var args []interface{}
	for _, tag := range tags {
		sqlStr += ` AND (',' || coalesce(tags, '') || ',') LIKE ?`
		args = append(args, "%,"+tag+",%")
	}
	if entityType != "" {
		sqlStr += ` AND node_type = ?`
		args = append(args, entityType)
	}
	if temporalFilter != nil {
		sqlStr += ` AND created_at >= ?`
		args = append(args, temporalFilter.Format(time.RFC3339Nano))
	}
	sqlStr += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, maxResults)

	var rows []nodeRow
	if err := g.db.SelectContext(ctx, &rows, sqlStr, args...); err != nil {
		return nil, core.Wrap(core.KindInternal, op, err)
	}
	nodes, err := toNodes(rows)
	if err != nil {
		return nil, err
	}
	hits := make([]SearchHit, len(nodes))
	for i, n := range nodes {
		hits[i] = SearchHit{Node: n}
	}
	return hits, nil
}

// Children returns nodes directly reachable from id via outgoing edges,
// optionally filtered by edgeType ("" matches all types).
func (g *Graph) Children(ctx context.Context, id, edgeType string) ([]Node, error) {
	return g.traverseOneHop(ctx, id, edgeType, true)
}

func (g *Graph) traverseOneHop(ctx context.Context, id, edgeType string, outgoing bool) ([]Node, error) {
	const op = "knowledge.traverse"

	col, other := "source_id", "target_id"
	if !outgoing {
		col, other = "target_id", "source_id"
	}

	sqlStr := `SELECT n.* FROM knowledge_nodes n JOIN knowledge_edges e ON n.id = e.` + other + ` WHERE e.` + col + ` = ?`
	args := []interface{}{id}
	if edgeType != "" {
		sqlStr += ` AND e.edge_type = ?`
		args = append(args, edgeType)
	}

	var rows []nodeRow
	if err := g.db.SelectContext(ctx, &rows, sqlStr, args...); err != nil {
		return nil, core.Wrap(core.KindInternal, op, err)
	}
	return toNodes(rows)
}

// Ancestors performs a bounded breadth-first ascent from id following
// incoming edges of any type, stopping at maxDepth — the upward mirror
// of Subtree's bounded descent, guarding the same way against unbounded
// recursion in a cyclic graph.
func (g *Graph) Ancestors(ctx context.Context, id string, maxDepth int) ([]Node, error) {
	const op = "knowledge.Ancestors"
	if maxDepth <= 0 {
		maxDepth = 5
	}

	visited := map[string]bool{id: true}
	frontier := []string{id}
	var out []Node

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, nodeID := range frontier {
			parents, err := g.traverseOneHop(ctx, nodeID, "", false)
			if err != nil {
				return nil, core.Wrap(core.KindInternal, op, err)
			}
			for _, p := range parents {
				if visited[p.ID] {
					continue
				}
				visited[p.ID] = true
				out = append(out, p)
				next = append(next, p.ID)
			}
		}
		frontier = next
	}
	return out, nil
}

// Roots returns every node with no incoming edges.
func (g *Graph) Roots(ctx context.Context) ([]Node, error) {
	const op = "knowledge.Roots"
	var rows []nodeRow
	err := g.db.SelectContext(ctx, &rows, `
		SELECT * FROM knowledge_nodes
		WHERE id NOT IN (SELECT target_id FROM knowledge_edges)`)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, op, err)
	}
	return toNodes(rows)
}

// Related returns every node connected to id by any edge, in either
// direction, one hop out.
func (g *Graph) Related(ctx context.Context, id string) ([]Node, error) {
	const op = "knowledge.Related"
	var rows []nodeRow
	err := g.db.SelectContext(ctx, &rows, `
		SELECT DISTINCT n.* FROM knowledge_nodes n
		JOIN knowledge_edges e ON n.id = e.target_id OR n.id = e.source_id
		WHERE (e.source_id = ? OR e.target_id = ?) AND n.id != ?`, id, id, id)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, op, err)
	}
	return toNodes(rows)
}

// Subtree performs a breadth-first descent from id following outgoing
// edges, bounded by maxDepth (spec.md §4.6's traversal guard against
// unbounded recursion in a cyclic graph).
func (g *Graph) Subtree(ctx context.Context, id string, maxDepth int) ([]Node, error) {
	const op = "knowledge.Subtree"
	if maxDepth <= 0 {
		maxDepth = 5
	}

	visited := map[string]bool{id: true}
	frontier := []string{id}
	var out []Node

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, nodeID := range frontier {
			children, err := g.Children(ctx, nodeID, "")
			if err != nil {
				return nil, core.Wrap(core.KindInternal, op, err)
			}
			for _, c := range children {
				if visited[c.ID] {
					continue
				}
				visited[c.ID] = true
				out = append(out, c)
				next = append(next, c.ID)
			}
		}
		frontier = next
	}
	return out, nil
}

// GraphStats returns aggregate counts over the whole graph.
func (g *Graph) GraphStats(ctx context.Context) (Stats, error) {
	const op = "knowledge.Stats"

	var nodeCount, edgeCount int
	if err := g.db.GetContext(ctx, &nodeCount, `SELECT COUNT(*) FROM knowledge_nodes`); err != nil {
		return Stats{}, core.Wrap(core.KindInternal, op, err)
	}
	if err := g.db.GetContext(ctx, &edgeCount, `SELECT COUNT(*) FROM knowledge_edges`); err != nil {
		return Stats{}, core.Wrap(core.KindInternal, op, err)
	}

	byType := make(map[string]int)
	rows, err := g.db.QueryxContext(ctx, `SELECT node_type, COUNT(*) FROM knowledge_nodes GROUP BY node_type`)
	if err != nil {
		return Stats{}, core.Wrap(core.KindInternal, op, err)
	}
	defer rows.Close()
	for rows.Next() {
		var t string
		var count int
		if err := rows.Scan(&t, &count); err != nil {
			return Stats{}, core.Wrap(core.KindInternal, op, err)
		}
		byType[t] = count
	}

	return Stats{NodeCount: nodeCount, EdgeCount: edgeCount, ByType: byType}, rows.Err()
}

func toNeighborSummary(n Node) NeighborSummary {
	return NeighborSummary{ID: n.ID, Title: n.Title, Type: n.Type, Preview: truncateRunes(n.Content, 120)}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

type nodeRow struct {
	ID        string         `db:"id"`
	Type      string         `db:"node_type"`
	Title     string         `db:"title"`
	Content   string         `db:"content"`
	Tags      sql.NullString `db:"tags"`
	Metadata  sql.NullString `db:"metadata"`
	CreatedAt string         `db:"created_at"`
	UpdatedAt string         `db:"updated_at"`
}

func (r nodeRow) toNode() (Node, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return Node{}, err
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, r.UpdatedAt)
	if err != nil {
		return Node{}, err
	}
	n := Node{ID: r.ID, Type: r.Type, Title: r.Title, Content: r.Content, CreatedAt: createdAt, UpdatedAt: updatedAt}
	if r.Tags.Valid {
		n.Tags = splitTags(r.Tags.String)
	}
	if r.Metadata.Valid && r.Metadata.String != "" {
		var meta map[string]interface{}
		if err := json.Unmarshal([]byte(r.Metadata.String), &meta); err == nil {
			n.Metadata = meta
		}
	}
	return n, nil
}

func toNodes(rows []nodeRow) ([]Node, error) {
	out := make([]Node, 0, len(rows))
	for _, r := range rows {
		n, err := r.toNode()
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

type edgeRow struct {
	ID            string         `db:"id"`
	SourceID      string         `db:"source_id"`
	TargetID      string         `db:"target_id"`
	Type          string         `db:"edge_type"`
	Weight        float64        `db:"weight"`
	Bidirectional bool           `db:"bidirectional"`
	Metadata      sql.NullString `db:"metadata"`
	ValidFrom     sql.NullString `db:"valid_from"`
	ValidUntil    sql.NullString `db:"valid_until"`
	CreatedAt     string         `db:"created_at"`
}

func (r edgeRow) toEdge() (Edge, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return Edge{}, err
	}
	e := Edge{
		ID: r.ID, SourceID: r.SourceID, TargetID: r.TargetID, Type: r.Type,
		Weight: r.Weight, Bidirectional: r.Bidirectional, CreatedAt: createdAt,
	}
	if r.Metadata.Valid && r.Metadata.String != "" {
		var meta map[string]interface{}
		if err := json.Unmarshal([]byte(r.Metadata.String), &meta); err == nil {
			e.Metadata = meta
		}
	}
	if r.ValidFrom.Valid {
		if t, err := time.Parse(time.RFC3339Nano, r.ValidFrom.String); err == nil {
			e.ValidFrom = &t
		}
	}
	if r.ValidUntil.Valid {
		if t, err := time.Parse(time.RFC3339Nano, r.ValidUntil.String); err == nil {
			e.ValidUntil = &t
		}
	}
	return e, nil
}

func marshalMeta(meta map[string]interface{}) (string, error) {
	if meta == nil {
		return "", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// joinTags encodes tags as a comma-delimited string bracketed with
// leading/trailing commas, so a LIKE '%,tag,%' filter never matches a
// tag that is only a substring of another (e.g. "go" inside "golang").
func joinTags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	return "," + strings.Join(tags, ",") + ","
}

func splitTags(s string) []string {
	s = strings.Trim(s, ",")
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func formatNullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

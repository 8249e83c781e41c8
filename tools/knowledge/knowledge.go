// Package knowledge exposes the Knowledge Graph Engine as dispatch-core
// tools (spec.md §4.11), so an agent can store, search, and traverse
// knowledge the same way it calls any other tool.
package knowledge

import (
	"context"
	"time"

	"github.com/hostbridge-dev/hostbridge/core"
	kg "github.com/hostbridge-dev/hostbridge/knowledge"
	"github.com/hostbridge-dev/hostbridge/registry"
)

// Store implements registry.Tool for knowledge.store.
type Store struct{ Graph *kg.Graph }

func (Store) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Category:    "knowledge",
		Name:        "store",
		Description: "Store a new knowledge node.",
		Params: []registry.ParamSchema{
			{Name: "type", Type: "string", Required: true},
			{Name: "title", Type: "string", Required: true},
			{Name: "content", Type: "string", Required: true},
			{Name: "tags", Type: "array", Required: false},
			{Name: "metadata", Type: "object", Required: false},
		},
	}
}

func (t Store) Invoke(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	const op = "knowledge.store"
	nodeType, _ := params["type"].(string)
	title, _ := params["title"].(string)
	content, _ := params["content"].(string)
	if nodeType == "" || title == "" {
		return nil, core.NewError(core.KindInvalidParam, op, "type and title are required")
	}
	metadata, _ := params["metadata"].(map[string]interface{})
	tags := stringList(params["tags"])

	n, err := t.Graph.Store(ctx, kg.Node{Type: nodeType, Title: title, Content: content, Tags: tags, Metadata: metadata})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Get implements registry.Tool for knowledge.get.
type Get struct{ Graph *kg.Graph }

func (Get) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Category:    "knowledge",
		Name:        "get",
		Description: "Fetch a knowledge node by id, optionally with its incident edges.",
		Params: []registry.ParamSchema{
			{Name: "id", Type: "string", Required: true},
			{Name: "include_relations", Type: "boolean", Required: false},
		},
	}
}

func (t Get) Invoke(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	const op = "knowledge.get"
	id, _ := params["id"].(string)
	if id == "" {
		return nil, core.NewError(core.KindInvalidParam, op, "id is required")
	}
	includeRelations, _ := params["include_relations"].(bool)

	n, err := t.Graph.Get(ctx, id, includeRelations)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Update implements registry.Tool for knowledge.update.
type Update struct{ Graph *kg.Graph }

func (Update) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Category:    "knowledge",
		Name:        "update",
		Description: "Patch a knowledge node: content/title/tags replace, metadata merges key by key.",
		Params: []registry.ParamSchema{
			{Name: "id", Type: "string", Required: true},
			{Name: "title", Type: "string", Required: false},
			{Name: "content", Type: "string", Required: false},
			{Name: "tags", Type: "array", Required: false},
			{Name: "metadata", Type: "object", Required: false},
		},
	}
}

func (t Update) Invoke(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	const op = "knowledge.update"
	id, _ := params["id"].(string)
	if id == "" {
		return nil, core.NewError(core.KindInvalidParam, op, "id is required")
	}
	title, _ := params["title"].(string)
	content, _ := params["content"].(string)
	metadata, _ := params["metadata"].(map[string]interface{})
	var tags []string
	if _, ok := params["tags"]; ok {
		tags = stringList(params["tags"])
		if tags == nil {
			tags = []string{}
		}
	}

	n, previousContent, err := t.Graph.Update(ctx, id, title, content, tags, metadata)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"node": n, "previous_content": previousContent}, nil
}

// Delete implements registry.Tool for knowledge.delete.
type Delete struct{ Graph *kg.Graph }

func (Delete) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Category:    "knowledge",
		Name:        "delete",
		Description: "Delete a knowledge node and its edges, optionally cascading into orphaned children.",
		Params: []registry.ParamSchema{
			{Name: "id", Type: "string", Required: true},
			{Name: "cascade", Type: "boolean", Required: false},
		},
	}
}

func (t Delete) Invoke(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	const op = "knowledge.delete"
	id, _ := params["id"].(string)
	if id == "" {
		return nil, core.NewError(core.KindInvalidParam, op, "id is required")
	}
	cascade, _ := params["cascade"].(bool)

	deletedEdges, orphanedChildren, err := t.Graph.Delete(ctx, id, cascade)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"deleted_edges":     deletedEdges,
		"orphaned_children": orphanedChildren,
	}, nil
}

// Search implements registry.Tool for knowledge.search.
type Search struct{ Graph *kg.Graph }

func (Search) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Category:    "knowledge",
		Name:        "search",
		Description: "Search stored knowledge nodes by fulltext, tags, or hybrid mode.",
		Params: []registry.ParamSchema{
			{Name: "query", Type: "string", Required: false},
			{Name: "mode", Type: "string", Required: false},
			{Name: "entity_type", Type: "string", Required: false},
			{Name: "tags", Type: "array", Required: false},
			{Name: "max_results", Type: "number", Required: false},
			{Name: "temporal_filter", Type: "string", Required: false},
		},
	}
}

func (t Search) Invoke(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	const op = "knowledge.search"
	query, _ := params["query"].(string)
	mode, _ := params["mode"].(string)
	entityType, _ := params["entity_type"].(string)
	tags := stringList(params["tags"])

	maxResults := 20
	if n, ok := params["max_results"].(float64); ok && n > 0 {
		maxResults = int(n)
	}

	var temporalFilter *time.Time
	if s, ok := params["temporal_filter"].(string); ok && s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, core.NewError(core.KindInvalidParam, op, "temporal_filter must be RFC3339")
		}
		temporalFilter = &parsed
	}

	hits, err := t.Graph.Search(ctx, query, mode, entityType, tags, maxResults, temporalFilter)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"hits": hits}, nil
}

// Link implements registry.Tool for knowledge.link.
type Link struct{ Graph *kg.Graph }

func (Link) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Category:    "knowledge",
		Name:        "link",
		Description: "Upsert a typed edge between two knowledge nodes, keyed on (source, target, relation).",
		Params: []registry.ParamSchema{
			{Name: "source_id", Type: "string", Required: true},
			{Name: "target_id", Type: "string", Required: true},
			{Name: "relation", Type: "string", Required: true},
			{Name: "weight", Type: "number", Required: false},
			{Name: "bidirectional", Type: "boolean", Required: false},
			{Name: "metadata", Type: "object", Required: false},
			{Name: "valid_from", Type: "string", Required: false},
			{Name: "valid_until", Type: "string", Required: false},
		},
	}
}

func (t Link) Invoke(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	const op = "knowledge.link"
	sourceID, _ := params["source_id"].(string)
	targetID, _ := params["target_id"].(string)
	relation, _ := params["relation"].(string)
	if sourceID == "" || targetID == "" || relation == "" {
		return nil, core.NewError(core.KindInvalidParam, op, "source_id, target_id, and relation are required")
	}

	weight := 1.0
	if w, ok := params["weight"].(float64); ok {
		weight = w
	}
	bidirectional, _ := params["bidirectional"].(bool)
	metadata, _ := params["metadata"].(map[string]interface{})

	validFrom, err := optionalTime(op, params["valid_from"])
	if err != nil {
		return nil, err
	}
	validUntil, err := optionalTime(op, params["valid_until"])
	if err != nil {
		return nil, err
	}

	edge, created, err := t.Graph.Link(ctx, sourceID, targetID, relation, weight, bidirectional, metadata, validFrom, validUntil)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"edge": edge, "created": created}, nil
}

// Children implements registry.Tool for knowledge.children.
type Children struct{ Graph *kg.Graph }

func (Children) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Category:    "knowledge",
		Name:        "children",
		Description: "List nodes directly reachable from a node via outgoing edges.",
		Params: []registry.ParamSchema{
			{Name: "id", Type: "string", Required: true},
			{Name: "edge_type", Type: "string", Required: false},
		},
	}
}

func (t Children) Invoke(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	const op = "knowledge.children"
	id, _ := params["id"].(string)
	if id == "" {
		return nil, core.NewError(core.KindInvalidParam, op, "id is required")
	}
	edgeType, _ := params["edge_type"].(string)

	nodes, err := t.Graph.Children(ctx, id, edgeType)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"nodes": nodes}, nil
}

// Ancestors implements registry.Tool for knowledge.ancestors.
type Ancestors struct{ Graph *kg.Graph }

func (Ancestors) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Category:    "knowledge",
		Name:        "ancestors",
		Description: "Traverse incoming edges from a node upward, bounded by max_depth.",
		Params: []registry.ParamSchema{
			{Name: "id", Type: "string", Required: true},
			{Name: "max_depth", Type: "number", Required: false},
		},
	}
}

func (t Ancestors) Invoke(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	const op = "knowledge.ancestors"
	id, _ := params["id"].(string)
	if id == "" {
		return nil, core.NewError(core.KindInvalidParam, op, "id is required")
	}
	maxDepth := 0
	if n, ok := params["max_depth"].(float64); ok {
		maxDepth = int(n)
	}

	nodes, err := t.Graph.Ancestors(ctx, id, maxDepth)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"nodes": nodes}, nil
}

// Roots implements registry.Tool for knowledge.roots.
type Roots struct{ Graph *kg.Graph }

func (Roots) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Category:    "knowledge",
		Name:        "roots",
		Description: "List every node with no incoming edges.",
	}
}

func (t Roots) Invoke(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	nodes, err := t.Graph.Roots(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"nodes": nodes}, nil
}

// Related implements registry.Tool for knowledge.related.
type Related struct{ Graph *kg.Graph }

func (Related) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Category:    "knowledge",
		Name:        "related",
		Description: "List every node connected to a node by any edge, in either direction, one hop out.",
		Params:      []registry.ParamSchema{{Name: "id", Type: "string", Required: true}},
	}
}

func (t Related) Invoke(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	const op = "knowledge.related"
	id, _ := params["id"].(string)
	if id == "" {
		return nil, core.NewError(core.KindInvalidParam, op, "id is required")
	}

	nodes, err := t.Graph.Related(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"nodes": nodes}, nil
}

// Subtree implements registry.Tool for knowledge.subtree.
type Subtree struct{ Graph *kg.Graph }

func (Subtree) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Category:    "knowledge",
		Name:        "subtree",
		Description: "Traverse outgoing edges from a node up to a bounded depth.",
		Params: []registry.ParamSchema{
			{Name: "id", Type: "string", Required: true},
			{Name: "max_depth", Type: "number", Required: false},
		},
	}
}

func (t Subtree) Invoke(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	const op = "knowledge.subtree"
	id, _ := params["id"].(string)
	if id == "" {
		return nil, core.NewError(core.KindInvalidParam, op, "id is required")
	}
	maxDepth := 0
	if n, ok := params["max_depth"].(float64); ok {
		maxDepth = int(n)
	}

	nodes, err := t.Graph.Subtree(ctx, id, maxDepth)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"nodes": nodes}, nil
}

// GraphStats implements registry.Tool for knowledge.stats.
type GraphStats struct{ Graph *kg.Graph }

func (GraphStats) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Category:    "knowledge",
		Name:        "stats",
		Description: "Report aggregate node/edge counts over the whole graph.",
	}
}

func (t GraphStats) Invoke(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	stats, err := t.Graph.GraphStats(ctx)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func stringList(raw interface{}) []string {
	list, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func optionalTime(op string, raw interface{}) (*time.Time, error) {
	s, ok := raw.(string)
	if !ok || s == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, core.NewError(core.KindInvalidParam, op, "timestamp must be RFC3339")
	}
	return &parsed, nil
}

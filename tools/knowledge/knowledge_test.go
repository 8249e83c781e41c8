package knowledge

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kg "github.com/hostbridge-dev/hostbridge/knowledge"
	"github.com/hostbridge-dev/hostbridge/store"
)

func newGraph(t *testing.T) *kg.Graph {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "knowledge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return kg.New(db)
}

func storeNode(t *testing.T, g *kg.Graph, title, content string) kg.Node {
	t.Helper()
	result, err := Store{Graph: g}.Invoke(context.Background(), map[string]interface{}{
		"type": "doc", "title": title, "content": content,
	})
	require.NoError(t, err)
	return result.(kg.Node)
}

func TestStoreAndSearchTools(t *testing.T) {
	g := newGraph(t)
	ctx := context.Background()

	node := storeNode(t, g, "Runbook", "deploy steps")
	assert.NotEmpty(t, node.ID)

	searchResult, err := Search{Graph: g}.Invoke(ctx, map[string]interface{}{"query": "deploy"})
	require.NoError(t, err)
	hits := searchResult.(map[string]interface{})["hits"].([]kg.SearchHit)
	require.Len(t, hits, 1)
}

func TestSearch_TagsMode(t *testing.T) {
	g := newGraph(t)
	ctx := context.Background()

	_, err := Store{Graph: g}.Invoke(ctx, map[string]interface{}{
		"type": "doc", "title": "Runbook", "content": "deploy steps",
		"tags": []interface{}{"ops", "deploy"},
	})
	require.NoError(t, err)

	searchResult, err := Search{Graph: g}.Invoke(ctx, map[string]interface{}{
		"mode": "tags", "tags": []interface{}{"ops"},
	})
	require.NoError(t, err)
	hits := searchResult.(map[string]interface{})["hits"].([]kg.SearchHit)
	require.Len(t, hits, 1)
}

func TestGetTool(t *testing.T) {
	g := newGraph(t)
	ctx := context.Background()
	node := storeNode(t, g, "Runbook", "deploy steps")

	result, err := Get{Graph: g}.Invoke(ctx, map[string]interface{}{"id": node.ID})
	require.NoError(t, err)
	fetched := result.(kg.NodeWithRelations)
	assert.Equal(t, node.ID, fetched.ID)
	assert.Empty(t, fetched.Relations)
}

func TestGetTool_MissingID(t *testing.T) {
	g := newGraph(t)
	_, err := Get{Graph: g}.Invoke(context.Background(), map[string]interface{}{})
	assert.Error(t, err)
}

func TestGetTool_IncludeRelations(t *testing.T) {
	g := newGraph(t)
	ctx := context.Background()
	parent := storeNode(t, g, "parent", "x")
	child := storeNode(t, g, "child", "y")

	_, err := Link{Graph: g}.Invoke(ctx, map[string]interface{}{
		"source_id": parent.ID, "target_id": child.ID, "relation": "parent_of",
	})
	require.NoError(t, err)

	result, err := Get{Graph: g}.Invoke(ctx, map[string]interface{}{"id": parent.ID, "include_relations": true})
	require.NoError(t, err)
	fetched := result.(kg.NodeWithRelations)
	require.Len(t, fetched.Relations, 1)
	assert.Equal(t, "outgoing", fetched.Relations[0].Direction)
	assert.Equal(t, child.ID, fetched.Relations[0].Neighbor.ID)
}

func TestUpdateTool(t *testing.T) {
	g := newGraph(t)
	ctx := context.Background()
	node := storeNode(t, g, "Runbook", "deploy steps")

	result, err := Update{Graph: g}.Invoke(ctx, map[string]interface{}{
		"id": node.ID, "content": "new steps",
		"metadata": map[string]interface{}{"owner": "sre"},
	})
	require.NoError(t, err)
	payload := result.(map[string]interface{})
	updated := payload["node"].(kg.Node)
	assert.Equal(t, "new steps", updated.Content)
	assert.Equal(t, "deploy steps", payload["previous_content"])
}

func TestDeleteTool(t *testing.T) {
	g := newGraph(t)
	ctx := context.Background()
	parent := storeNode(t, g, "parent", "x")
	child := storeNode(t, g, "child", "y")

	_, err := Link{Graph: g}.Invoke(ctx, map[string]interface{}{
		"source_id": parent.ID, "target_id": child.ID, "relation": "parent_of",
	})
	require.NoError(t, err)

	result, err := Delete{Graph: g}.Invoke(ctx, map[string]interface{}{"id": parent.ID, "cascade": true})
	require.NoError(t, err)
	payload := result.(map[string]interface{})
	assert.Equal(t, 1, payload["deleted_edges"])
	assert.Equal(t, []string{child.ID}, payload["orphaned_children"])

	_, err = Get{Graph: g}.Invoke(ctx, map[string]interface{}{"id": child.ID})
	assert.Error(t, err)
}

func TestLinkAndSubtreeTools(t *testing.T) {
	g := newGraph(t)
	ctx := context.Background()

	parent := storeNode(t, g, "parent", "x")
	child := storeNode(t, g, "child", "y")

	linkResult, err := Link{Graph: g}.Invoke(ctx, map[string]interface{}{
		"source_id": parent.ID, "target_id": child.ID, "relation": "contains",
	})
	require.NoError(t, err)
	payload := linkResult.(map[string]interface{})
	assert.True(t, payload["created"].(bool))

	subtreeResult, err := Subtree{Graph: g}.Invoke(ctx, map[string]interface{}{"id": parent.ID})
	require.NoError(t, err)
	nodes := subtreeResult.(map[string]interface{})["nodes"].([]kg.Node)
	require.Len(t, nodes, 1)
	assert.Equal(t, child.ID, nodes[0].ID)
}

func TestLinkTool_UpsertsRatherThanDuplicating(t *testing.T) {
	g := newGraph(t)
	ctx := context.Background()
	parent := storeNode(t, g, "parent", "x")
	child := storeNode(t, g, "child", "y")

	params := map[string]interface{}{"source_id": parent.ID, "target_id": child.ID, "relation": "contains"}
	first, err := Link{Graph: g}.Invoke(ctx, params)
	require.NoError(t, err)
	assert.True(t, first.(map[string]interface{})["created"].(bool))

	second, err := Link{Graph: g}.Invoke(ctx, params)
	require.NoError(t, err)
	assert.False(t, second.(map[string]interface{})["created"].(bool))
}

func TestChildrenRootsRelatedTools(t *testing.T) {
	g := newGraph(t)
	ctx := context.Background()
	parent := storeNode(t, g, "parent", "x")
	child := storeNode(t, g, "child", "y")

	_, err := Link{Graph: g}.Invoke(ctx, map[string]interface{}{
		"source_id": parent.ID, "target_id": child.ID, "relation": "contains",
	})
	require.NoError(t, err)

	childrenResult, err := Children{Graph: g}.Invoke(ctx, map[string]interface{}{"id": parent.ID})
	require.NoError(t, err)
	childNodes := childrenResult.(map[string]interface{})["nodes"].([]kg.Node)
	require.Len(t, childNodes, 1)
	assert.Equal(t, child.ID, childNodes[0].ID)

	rootsResult, err := Roots{Graph: g}.Invoke(ctx, map[string]interface{}{})
	require.NoError(t, err)
	rootNodes := rootsResult.(map[string]interface{})["nodes"].([]kg.Node)
	require.Len(t, rootNodes, 1)
	assert.Equal(t, parent.ID, rootNodes[0].ID)

	relatedResult, err := Related{Graph: g}.Invoke(ctx, map[string]interface{}{"id": parent.ID})
	require.NoError(t, err)
	relatedNodes := relatedResult.(map[string]interface{})["nodes"].([]kg.Node)
	require.Len(t, relatedNodes, 1)
	assert.Equal(t, child.ID, relatedNodes[0].ID)
}

func TestAncestorsTool(t *testing.T) {
	g := newGraph(t)
	ctx := context.Background()
	parent := storeNode(t, g, "parent", "x")
	child := storeNode(t, g, "child", "y")

	_, err := Link{Graph: g}.Invoke(ctx, map[string]interface{}{
		"source_id": parent.ID, "target_id": child.ID, "relation": "parent_of",
	})
	require.NoError(t, err)

	result, err := Ancestors{Graph: g}.Invoke(ctx, map[string]interface{}{"id": child.ID, "max_depth": float64(3)})
	require.NoError(t, err)
	nodes := result.(map[string]interface{})["nodes"].([]kg.Node)
	require.Len(t, nodes, 1)
	assert.Equal(t, parent.ID, nodes[0].ID)
}

func TestGraphStatsTool(t *testing.T) {
	g := newGraph(t)
	ctx := context.Background()
	storeNode(t, g, "a", "x")
	storeNode(t, g, "b", "y")

	result, err := GraphStats{Graph: g}.Invoke(ctx, map[string]interface{}{})
	require.NoError(t, err)
	stats := result.(kg.Stats)
	assert.Equal(t, 2, stats.NodeCount)
}

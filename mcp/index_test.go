package mcp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"fs", "read", "file"}, Tokenize("fs__read_file"))
	assert.Equal(t, []string{"create", "issue"}, Tokenize("Create-Issue"))
	assert.Equal(t, []string{"a1", "b2"}, Tokenize("a1 b2"))
	assert.Empty(t, Tokenize("__"))
}

func testTool(name, description, schema string) Tool {
	return Tool{
		Name:        name,
		Description: description,
		InputSchema: json.RawMessage(schema),
	}
}

func newPopulatedIndex() *ToolIndex {
	idx := NewToolIndex()
	idx.Add(testTool("fs__read_file", "Read a file from disk",
		`{"type":"object","properties":{"path":{"type":"string"}}}`))
	idx.Add(testTool("fs__write_file", "Write a file to disk",
		`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}}}`))
	idx.Add(testTool("gh__create_issue", "Create a GitHub issue",
		`{"type":"object","properties":{"title":{"type":"string"},"body":{"type":"string"}}}`))
	return idx
}

func TestSearchFindsByNameTokens(t *testing.T) {
	idx := newPopulatedIndex()

	hits := idx.Search([]string{"read", "file"}, 10)
	require.NotEmpty(t, hits)
	assert.Equal(t, "fs__read_file", hits[0].Tool.Name)
	assert.Greater(t, hits[0].Score, 0.0)
}

func TestSearchFindsByDescriptionAndParameters(t *testing.T) {
	idx := newPopulatedIndex()

	hits := idx.Search([]string{"github"}, 10)
	require.Len(t, hits, 1)
	assert.Equal(t, "gh__create_issue", hits[0].Tool.Name)

	hits = idx.Search([]string{"title"}, 10)
	require.Len(t, hits, 1)
	assert.Equal(t, "gh__create_issue", hits[0].Tool.Name)
}

func TestSearchCaseFolds(t *testing.T) {
	idx := newPopulatedIndex()
	assert.NotEmpty(t, idx.Search([]string{"READ"}, 10))
	assert.NotEmpty(t, idx.Search([]string{"GitHub"}, 10))
}

func TestSearchNameOutranksDescription(t *testing.T) {
	idx := NewToolIndex()
	idx.Add(testTool("a__search_code", "Does things", `{}`))
	idx.Add(testTool("a__grep", "search code in the repository", `{}`))

	hits := idx.Search([]string{"search", "code"}, 10)
	require.Len(t, hits, 2)
	assert.Equal(t, "a__search_code", hits[0].Tool.Name)
}

func TestSearchTieBreaksLexicographically(t *testing.T) {
	idx := NewToolIndex()
	idx.Add(testTool("b__ping", "", `{}`))
	idx.Add(testTool("a__ping", "", `{}`))

	hits := idx.Search([]string{"ping"}, 10)
	require.Len(t, hits, 2)
	assert.Equal(t, hits[0].Score, hits[1].Score)
	assert.Equal(t, "a__ping", hits[0].Tool.Name)
}

func TestSearchHonorsLimit(t *testing.T) {
	idx := NewToolIndex()
	for _, name := range []string{"a__t1", "a__t2", "a__t3"} {
		idx.Add(testTool(name, "shared keyword topic", `{}`))
	}
	assert.Len(t, idx.Search([]string{"topic"}, 2), 2)
	// Zero falls back to the default budget.
	assert.Len(t, idx.Search([]string{"topic"}, 0), 3)
}

func TestSearchNoMatch(t *testing.T) {
	idx := newPopulatedIndex()
	assert.Empty(t, idx.Search([]string{"zebra"}, 10))
	assert.Empty(t, idx.Search(nil, 10))
}

func TestAddReplacesAndRemoveDrops(t *testing.T) {
	idx := NewToolIndex()
	idx.Add(testTool("s__tool", "first description", `{}`))
	idx.Add(testTool("s__tool", "completely different words", `{}`))
	assert.Equal(t, 1, idx.Len())

	assert.Empty(t, idx.Search([]string{"first"}, 10))
	assert.NotEmpty(t, idx.Search([]string{"different"}, 10))

	idx.Remove("s__tool")
	assert.Zero(t, idx.Len())
	assert.Empty(t, idx.Search([]string{"different"}, 10))
}

func TestEveryIndexedTokenIsFindable(t *testing.T) {
	tool := testTool("svc__sync_records", "Synchronize customer records upstream",
		`{"type":"object","properties":{"batch_size":{"type":"integer"}}}`)
	idx := NewToolIndex()
	idx.Add(tool)

	for _, keyword := range []string{"svc", "sync", "records", "synchronize", "customer", "upstream", "batch", "size"} {
		hits := idx.Search([]string{keyword}, 10)
		require.NotEmpty(t, hits, "keyword %q", keyword)
		assert.Equal(t, tool.Name, hits[0].Tool.Name, "keyword %q", keyword)
	}
}

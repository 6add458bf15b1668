package mcp

import (
	"encoding/json"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// BM25 parameters.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// Field weights: tool-name matches outrank description matches, which
// outrank parameter-name matches.
const (
	weightName        = 3.0
	weightDescription = 2.0
	weightParameters  = 1.0
)

// DefaultSearchLimit bounds a search when the caller gives no budget.
const DefaultSearchLimit = 10

// SearchHit is one scored index entry.
type SearchHit struct {
	Tool  Tool
	Score float64
}

// indexedTool holds the per-field term frequencies for one tool.
type indexedTool struct {
	tool   Tool
	fields map[string]map[string]int // field -> term -> count
	length int
}

// ToolIndex is an inverted index over tool name, description, and
// parameter-name tokens with BM25 scoring. Safe for concurrent reads;
// writes take the exclusive lock.
type ToolIndex struct {
	mu     sync.RWMutex
	byName map[string]*indexedTool
	df     map[string]int // term -> number of tools containing it
	totalLen int
}

// NewToolIndex creates an empty index.
func NewToolIndex() *ToolIndex {
	return &ToolIndex{
		byName: make(map[string]*indexedTool),
		df:     make(map[string]int),
	}
}

// Add indexes one tool under its (already namespaced) name, replacing any
// previous entry with the same name.
func (idx *ToolIndex) Add(tool Tool) {
	entry := &indexedTool{
		tool:   tool,
		fields: make(map[string]map[string]int, 3),
	}
	addField := func(field string, terms []string) {
		if len(terms) == 0 {
			return
		}
		counts := make(map[string]int, len(terms))
		for _, t := range terms {
			counts[t]++
		}
		entry.fields[field] = counts
		entry.length += len(terms)
	}
	addField("name", Tokenize(tool.Name))
	addField("description", Tokenize(tool.Description))
	addField("parameters", parameterTokens(tool.InputSchema))

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(tool.Name)
	idx.byName[tool.Name] = entry
	idx.totalLen += entry.length
	seen := make(map[string]bool)
	for _, counts := range entry.fields {
		for term := range counts {
			if !seen[term] {
				seen[term] = true
				idx.df[term]++
			}
		}
	}
}

// Remove drops one tool from the index.
func (idx *ToolIndex) Remove(name string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(name)
}

func (idx *ToolIndex) removeLocked(name string) {
	entry, ok := idx.byName[name]
	if !ok {
		return
	}
	delete(idx.byName, name)
	idx.totalLen -= entry.length
	seen := make(map[string]bool)
	for _, counts := range entry.fields {
		for term := range counts {
			if !seen[term] {
				seen[term] = true
				if idx.df[term] <= 1 {
					delete(idx.df, term)
				} else {
					idx.df[term]--
				}
			}
		}
	}
}

// Len returns the number of indexed tools.
func (idx *ToolIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.byName)
}

// Search scores every indexed tool against the OR of the keywords and
// returns up to limit hits ordered by descending score, ties broken by
// tool name.
func (idx *ToolIndex) Search(keywords []string, limit int) []SearchHit {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	var terms []string
	for _, kw := range keywords {
		terms = append(terms, Tokenize(kw)...)
	}
	if len(terms) == 0 {
		return nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	totalDocs := len(idx.byName)
	if totalDocs == 0 {
		return nil
	}
	avgLen := float64(idx.totalLen) / float64(totalDocs)
	if avgLen == 0 {
		avgLen = 1
	}

	var hits []SearchHit
	for _, entry := range idx.byName {
		score := 0.0
		docNorm := bm25K1 * (1 - bm25B + bm25B*float64(entry.length)/avgLen)
		for _, term := range terms {
			n := float64(idx.df[term])
			if n == 0 {
				continue
			}
			idf := math.Log((float64(totalDocs)-n+0.5)/(n+0.5) + 1)
			// Weighted term frequency across the three fields.
			tf := weightName*float64(entry.fields["name"][term]) +
				weightDescription*float64(entry.fields["description"][term]) +
				weightParameters*float64(entry.fields["parameters"][term])
			if tf == 0 {
				continue
			}
			score += idf * (tf * (bm25K1 + 1)) / (tf + docNorm)
		}
		if score > 0 {
			hits = append(hits, SearchHit{Tool: entry.tool, Score: score})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Tool.Name < hits[j].Tool.Name
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// Tokenize case-folds and splits on non-alphanumeric boundaries, with "__"
// and "_" treated as separators, so "fs__read_file" yields fs, read, file.
func Tokenize(s string) []string {
	var tokens []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			current.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

// parameterTokens extracts property-name tokens from a JSON Schema.
func parameterTokens(schema json.RawMessage) []string {
	if len(schema) == 0 {
		return nil
	}
	var doc struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(schema, &doc); err != nil {
		return nil
	}
	var tokens []string
	for name := range doc.Properties {
		tokens = append(tokens, Tokenize(name)...)
	}
	return tokens
}

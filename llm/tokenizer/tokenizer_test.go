package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimatorCountTokens(t *testing.T) {
	e := NewEstimatorTokenizer("claude")

	n, err := e.CountTokens("")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// 40 ASCII chars at ~4 chars/token.
	n, err = e.CountTokens("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	// Short text never rounds down to zero.
	n, err = e.CountTokens("ab")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEstimatorCJKWeighting(t *testing.T) {
	e := NewEstimatorTokenizer("claude")
	ascii, err := e.CountTokens("abcdefghij")
	require.NoError(t, err)
	cjk, err := e.CountTokens("你好世界你好世界你好")
	require.NoError(t, err)
	// Ten CJK characters cost far more tokens than ten ASCII characters.
	assert.Greater(t, cjk, ascii)
}

func TestEstimatorCountMessages(t *testing.T) {
	e := NewEstimatorTokenizer("claude")
	n, err := e.CountMessages([]Message{
		{Role: "user", Content: "aaaaaaaa"}, // 2 tokens + 4 overhead
		{Role: "assistant", Content: ""},    // 0 tokens + 4 overhead
	})
	require.NoError(t, err)
	// 2 + 4 + 0 + 4 + 3 conversation-end.
	assert.Equal(t, 13, n)
}

func TestForProviderSelection(t *testing.T) {
	assert.IsType(t, &TiktokenTokenizer{}, ForProvider("openai", "gpt-4"))
	assert.IsType(t, &EstimatorTokenizer{}, ForProvider("anthropic", "claude-sonnet"))
	assert.IsType(t, &EstimatorTokenizer{}, ForProvider("google", "gemini-pro"))
	assert.IsType(t, &EstimatorTokenizer{}, ForProvider("bedrock", "anthropic.claude"))
}

func TestTiktokenEncodingSelection(t *testing.T) {
	cases := map[string]string{
		"gpt-4o":      "tiktoken[o200k_base]",
		"gpt-4o-mini": "tiktoken[o200k_base]",
		"gpt-4":       "tiktoken[cl100k_base]",
		"gpt-3.5-turbo": "tiktoken[cl100k_base]",
		"unknown-model": "tiktoken[cl100k_base]",
	}
	for model, name := range cases {
		tok, err := NewTiktokenTokenizer(model)
		require.NoError(t, err)
		assert.Equal(t, name, tok.Name(), model)
	}
}

func TestCountInputIncludesToolSchemas(t *testing.T) {
	e := NewEstimatorTokenizer("claude")
	messages := []Message{{Role: "user", Content: "aaaaaaaa"}}

	bare, err := CountInput(e, messages, nil)
	require.NoError(t, err)

	withTools, err := CountInput(e, messages, []string{
		`{"name":"get_weather","parameters":{"type":"object"}}`,
	})
	require.NoError(t, err)
	assert.Greater(t, withTools, bare)
}

func TestCountInputDeterministic(t *testing.T) {
	e := NewEstimatorTokenizer("claude")
	messages := []Message{{Role: "user", Content: "what is the weather in Oslo today"}}
	a, err := CountInput(e, messages, nil)
	require.NoError(t, err)
	b, err := CountInput(e, messages, nil)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

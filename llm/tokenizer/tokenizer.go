// Package tokenizer estimates input token counts for rate limiting.
// Counts are deterministic pre-flight estimates over the request's messages
// and tool schemas; they are never reconciled against upstream usage.
package tokenizer

// Message is a lightweight message view used by the tokenizer package to
// avoid a dependency on the llm package.
type Message struct {
	Role    string
	Content string
}

// Tokenizer counts tokens for one provider family.
type Tokenizer interface {
	// CountTokens returns the number of tokens in the given text.
	CountTokens(text string) (int, error)

	// CountMessages returns the total token count for a message list,
	// including per-message overhead (role markers, separators).
	CountMessages(messages []Message) (int, error)

	// Name returns a human-readable tokenizer name.
	Name() string
}

// ForProvider returns the tokenizer for a provider type and model.
// OpenAI-family models count with tiktoken; every other family uses the
// rune-class estimator.
func ForProvider(providerType, model string) Tokenizer {
	if providerType == "openai" {
		if t, err := NewTiktokenTokenizer(model); err == nil {
			return t
		}
	}
	return NewEstimatorTokenizer(model)
}

// CountInput estimates the input tokens of a request: all messages plus the
// JSON-encoded tool schemas. Output tokens are never counted.
func CountInput(t Tokenizer, messages []Message, toolSchemas []string) (int, error) {
	total, err := t.CountMessages(messages)
	if err != nil {
		return 0, err
	}
	for _, schema := range toolSchemas {
		n, err := t.CountTokens(schema)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

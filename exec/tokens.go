package exec

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/flowengine-dev/flowengine/types"
)

// TokenEstimator counts tokens for usage accounting when a provider
// reports none. It prefers tiktoken's cl100k_base encoding and falls back
// to a character-ratio estimate if the encoding is unavailable (for
// example, offline environments that never fetched the BPE data).
type TokenEstimator struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewTokenEstimator creates a lazily-initialized estimator.
func NewTokenEstimator() *TokenEstimator {
	return &TokenEstimator{}
}

// Estimate returns estimated usage for a prompt/completion pair. The
// result is always marked Estimated.
func (t *TokenEstimator) Estimate(prompt, completion string) types.Usage {
	p := t.Count(prompt)
	c := t.Count(completion)
	return types.Usage{
		PromptTokens:     p,
		CompletionTokens: c,
		TotalTokens:      p + c,
		Estimated:        true,
	}
}

// Count returns the token count of one text.
func (t *TokenEstimator) Count(text string) int {
	if text == "" {
		return 0
	}
	t.once.Do(func() {
		// May download BPE data on first use; errors leave enc nil and
		// engage the ratio fallback.
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			t.enc = enc
		}
	})
	if t.enc != nil {
		return len(t.enc.Encode(text, nil, nil))
	}
	// Ratio fallback: ~4 chars per token for ASCII-heavy text.
	n := utf8.RuneCountInString(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}

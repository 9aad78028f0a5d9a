package types

// Usage accumulates token and cost accounting for a node execution or a
// whole run. Providers that report usage populate it directly; otherwise the
// engine estimates token counts from the text it saw.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd,omitempty"`
	Estimated        bool    `json:"estimated,omitempty"`
}

// Add merges other into u. A sum that includes any estimated component is
// itself marked estimated.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	u.CostUSD += other.CostUSD
	u.Estimated = u.Estimated || other.Estimated
}

// IsZero reports whether no usage was recorded.
func (u Usage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0 && u.CostUSD == 0
}

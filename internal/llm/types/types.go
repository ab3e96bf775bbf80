package types

// CompletionRequest is a single prompt sent to the completion provider.
type CompletionRequest struct {
	ModelID   string `json:"model"`             // provider model identifier
	System    string `json:"system,omitempty"`  // system instruction
	Prompt    string `json:"prompt"`            // user prompt
	MaxTokens int    `json:"max_tokens"`        // response cap
}

// Completion is the provider's reply plus metered token counts.
type Completion struct {
	Text      string `json:"text"`       // generated text
	TokensIn  int64  `json:"tokens_in"`  // prompt tokens billed
	TokensOut int64  `json:"tokens_out"` // completion tokens billed
}

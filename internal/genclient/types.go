package genclient

import "time"

// Turn roles as they appear on the wire.
const (
	RoleUser      = "user"
	RoleCharacter = "character"
	RoleSystem    = "system"
)

// Turn is one entry of the ordered conversation history sent to the
// generation service. Ordering is insertion order and is load-bearing.
type Turn struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// GenerationParams is the character's generation configuration snapshot.
type GenerationParams struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// Request is the non-streaming wire request. Fingerprint doubles as the
// idempotency token so the service can deduplicate retried calls.
type Request struct {
	CharacterID string           `json:"character_id"`
	Turns       []Turn           `json:"turns"`
	Params      GenerationParams `json:"params"`
	Fingerprint string           `json:"fingerprint"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Response is the generated character reply.
type Response struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
}

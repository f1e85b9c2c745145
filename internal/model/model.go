// Package model holds the neutral request/response types that every
// ingress adapter translates into and every connector translates out of.
// Nothing in this package knows about HTTP, SSE, or any specific provider.
package model

import "encoding/json"

// UnifiedMessage is one turn in a conversation, provider-agnostic.
type UnifiedMessage struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
	Name    *string       `json:"name,omitempty"`
}

// ToolSpec describes a callable tool offered to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description *string         `json:"description,omitempty"`
	JSONSchema  json.RawMessage `json:"json_schema,omitempty"`
}

// UnifiedRequest is the neutral form every ingress adapter builds and
// every connector consumes.
type UnifiedRequest struct {
	LogicalModel    string           `json:"logical_model"`
	Messages        []UnifiedMessage `json:"messages"`
	Tools           []ToolSpec       `json:"tools,omitempty"`
	ToolChoice      *string          `json:"tool_choice,omitempty"`
	MaxOutputTokens *int             `json:"max_output_tokens,omitempty"`
	Temperature     *float64         `json:"temperature,omitempty"`
	TopP            *float64         `json:"top_p,omitempty"`
	Stream          bool             `json:"stream"`
	Extra           json.RawMessage  `json:"extra,omitempty"`
}

// UnifiedChunk is one increment of a response, streaming or not. For a
// non-streaming response there is exactly one chunk with Done == true.
type UnifiedChunk struct {
	TextDelta      *string         `json:"text_delta,omitempty"`
	ToolCallDelta  json.RawMessage `json:"tool_call_delta,omitempty"`
	Done           bool            `json:"done"`
	ProviderEvents json.RawMessage `json:"provider_events,omitempty"`
}

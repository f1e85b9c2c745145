// Package connector defines the upstream-provider contract and its three
// concrete implementations (OpenRouter, Vertex, Clewdr).
package connector

import (
	"context"

	"github.com/xjp-router/xjp-gateway/internal/model"
	"github.com/xjp-router/xjp-gateway/internal/registry"
)

// Capabilities describes what a connector can do, used by the dispatcher
// to reject requests a connector cannot serve.
type Capabilities struct {
	Text   bool
	Vision bool
	Video  bool
	Tools  bool
	Stream bool
}

// StreamItem is one element of a streaming response: either a chunk or a
// terminal error, never both populated.
type StreamItem struct {
	Chunk model.UnifiedChunk
	Err   error
}

// Response is the outcome of a connector invocation: exactly one of the
// two fields is set. Stream is non-nil for a streaming call, in which
// case the final StreamItem sent on it has Chunk.Done == true (or Err set).
type Response struct {
	Chunk  *model.UnifiedChunk
	Stream <-chan StreamItem
}

// Connector is implemented by every upstream provider adapter.
type Connector interface {
	Name() string
	Capabilities() Capabilities
	Invoke(ctx context.Context, route registry.EgressRoute, req model.UnifiedRequest) (Response, error)
}

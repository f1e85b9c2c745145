// Package anthropic implements the Anthropic-compatible /v1/messages
// surface on top of the neutral dispatch pipeline.
package anthropic

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/xjp-router/xjp-gateway/internal/apperr"
	"github.com/xjp-router/xjp-gateway/internal/auth"
	"github.com/xjp-router/xjp-gateway/internal/billing"
	"github.com/xjp-router/xjp-gateway/internal/connector"
	"github.com/xjp-router/xjp-gateway/internal/dispatch"
	"github.com/xjp-router/xjp-gateway/internal/metrics"
	"github.com/xjp-router/xjp-gateway/internal/model"
	"github.com/xjp-router/xjp-gateway/internal/ratelimit"
	"github.com/xjp-router/xjp-gateway/internal/sse"
	"github.com/xjp-router/xjp-gateway/internal/store"
)

// Handler serves /v1/messages.
type Handler struct {
	dispatcher *dispatch.Dispatcher
	authn      *auth.Authenticator
	rateLimits *ratelimit.Registry
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// New builds a Handler. m may be nil in tests that don't care about metrics.
func New(d *dispatch.Dispatcher, authn *auth.Authenticator, rl *ratelimit.Registry, m *metrics.Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{dispatcher: d, authn: authn, rateLimits: rl, metrics: m, logger: logger}
}

// --- wire request shape ---

type messagesRequest struct {
	Model       string             `json:"model"`
	System      json.RawMessage    `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicContentPart struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Source *struct {
		Type      string `json:"type"`
		MediaType string `json:"media_type"`
		Data      string `json:"data"`
	} `json:"source,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description *string         `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

func systemToContent(raw json.RawMessage) (model.UnifiedMessage, bool) {
	if len(raw) == 0 {
		return model.UnifiedMessage{}, false
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return model.UnifiedMessage{Role: "system", Content: []model.ContentPart{model.NewText(asString)}}, true
	}
	var parts []anthropicContentPart
	if err := json.Unmarshal(raw, &parts); err == nil {
		out := make([]model.ContentPart, 0, len(parts))
		for _, p := range parts {
			if p.Type == "text" {
				out = append(out, model.NewText(p.Text))
			}
		}
		return model.UnifiedMessage{Role: "system", Content: out}, true
	}
	return model.UnifiedMessage{}, false
}

func toContentParts(raw json.RawMessage) ([]model.ContentPart, error) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return []model.ContentPart{model.NewText(asString)}, nil
	}
	var parts []anthropicContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalid, "decoding message content", err)
	}
	out := make([]model.ContentPart, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "text":
			out = append(out, model.NewText(p.Text))
		case "image":
			if p.Source != nil && p.Source.Type == "base64" {
				out = append(out, model.ContentPart{
					Type:         model.ContentImageB64,
					ImageB64:     p.Source.Data,
					ImageB64Mime: p.Source.MediaType,
				})
			}
		default:
			return nil, apperr.New(apperr.KindInvalid, "unsupported content part type "+p.Type)
		}
	}
	return out, nil
}

func toUnifiedRequest(req messagesRequest) (model.UnifiedRequest, error) {
	messages := make([]model.UnifiedMessage, 0, len(req.Messages)+1)
	if sys, ok := systemToContent(req.System); ok {
		messages = append(messages, sys)
	}
	for _, m := range req.Messages {
		parts, err := toContentParts(m.Content)
		if err != nil {
			return model.UnifiedRequest{}, err
		}
		messages = append(messages, model.UnifiedMessage{Role: m.Role, Content: parts})
	}

	tools := make([]model.ToolSpec, 0, len(req.Tools))
	for _, t := range req.Tools {
		tools = append(tools, model.ToolSpec{Name: t.Name, Description: t.Description, JSONSchema: t.InputSchema})
	}

	maxTokens := req.MaxTokens
	return model.UnifiedRequest{
		LogicalModel:    req.Model,
		Messages:        messages,
		Tools:           tools,
		MaxOutputTokens: &maxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		Stream:          req.Stream,
	}, nil
}

// --- wire response shape ---

type messagesResponse struct {
	ID           string              `json:"id"`
	Type         string              `json:"type"`
	Role         string              `json:"role"`
	Model        string              `json:"model"`
	Content      []anthropicContentOut `json:"content"`
	StopReason   string              `json:"stop_reason"`
	Usage        anthropicUsage      `json:"usage"`
}

type anthropicContentOut struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ServeHTTP handles one /v1/messages call. It uses the same authenticated,
// billing-tracked dispatch path as the OpenAI adapter.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	keyInfo, err := h.authn.Authenticate(r.Context(), r)
	if err != nil {
		if h.metrics != nil {
			h.metrics.AuthErrorsTotal.WithLabelValues(authFailureReason(err)).Inc()
		}
		writeAuthError(w, err)
		return
	}

	limiter := h.rateLimits.GetOrCreate(keyInfo.ID.String(), keyInfo.RPM)
	result := limiter.Allow()
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	if !result.Allowed {
		retryAfter := strconv.Itoa(int(result.RetryAfterSeconds) + 1)
		w.Header().Set("Retry-After", retryAfter)
		w.Header().Set("X-RateLimit-Reset", retryAfter)
		if h.metrics != nil {
			h.metrics.RateLimitHits.WithLabelValues(keyInfo.TenantID).Inc()
		}
		apperr.WriteJSON(w, apperr.New(apperr.KindRateLimited, "rate limit exceeded"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		apperr.WriteJSON(w, apperr.Wrap(apperr.KindInvalid, "reading request body", err))
		return
	}

	var msgReq messagesRequest
	if err := json.Unmarshal(body, &msgReq); err != nil {
		apperr.WriteJSON(w, apperr.Wrap(apperr.KindInvalid, "decoding request body", err))
		return
	}

	unified, err := toUnifiedRequest(msgReq)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}

	// Keys the messages request shape does not know are passed through as Extra.
	var rawFields map[string]json.RawMessage
	if err := json.Unmarshal(body, &rawFields); err == nil {
		for _, k := range []string{"model", "system", "messages", "tools", "max_tokens", "temperature", "top_p", "stream"} {
			delete(rawFields, k)
		}
		if len(rawFields) > 0 {
			if extra, err := json.Marshal(rawFields); err == nil {
				unified.Extra = extra
			}
		}
	}

	resp, err := h.dispatcher.InvokeWithBilling(r.Context(), keyInfo, unified)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}

	id := "msg_" + uuid.NewString()

	if unified.Stream {
		h.writeStreamingResponse(w, r, id, msgReq.Model, resp.Stream)
		return
	}

	h.writeSingleResponse(w, id, msgReq.Model, resp)
}

func (h *Handler) writeSingleResponse(w http.ResponseWriter, id, modelName string, resp connector.Response) {
	if resp.Chunk == nil {
		apperr.WriteJSON(w, apperr.New(apperr.KindInternal, "connector returned no response"))
		return
	}
	text := ""
	if resp.Chunk.TextDelta != nil {
		text = *resp.Chunk.TextDelta
	}
	usage := billing.ExtractUsage(resp.Chunk.ProviderEvents)

	out := messagesResponse{
		ID:         id,
		Type:       "message",
		Role:       "assistant",
		Model:      modelName,
		Content:    []anthropicContentOut{{Type: "text", Text: text}},
		StopReason: "end_turn",
		Usage: anthropicUsage{
			InputTokens:  int(usage.PromptTokens),
			OutputTokens: int(usage.CompletionTokens),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		h.logger.Error("anthropic: encoding response failed", "error", err)
	}
}

type sseEventPayload struct {
	Type    string          `json:"type"`
	Index   int             `json:"index,omitempty"`
	Delta   json.RawMessage `json:"delta,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
}

func (h *Handler) writeStreamingResponse(w http.ResponseWriter, r *http.Request, id, modelName string, stream <-chan connector.StreamItem) {
	writer, err := sse.NewWriter(w)
	if err != nil {
		h.logger.Error("anthropic: cannot stream", "error", err)
		return
	}

	startPayload, _ := json.Marshal(map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":    id,
			"type":  "message",
			"role":  "assistant",
			"model": modelName,
		},
	})
	if err := writer.WriteNamedEvent("message_start", startPayload); err != nil {
		return
	}

	ticker := time.NewTicker(sse.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case item, ok := <-stream:
			if !ok {
				h.writeMessageStop(writer)
				return
			}
			if item.Err != nil {
				h.logger.Error("anthropic: stream error", "error", item.Err)
				errPayload, _ := json.Marshal(map[string]any{
					"type":  "error",
					"error": map[string]string{"type": "upstream_error", "message": item.Err.Error()},
				})
				_ = writer.WriteNamedEvent("error", errPayload)
				return
			}

			hasText := item.Chunk.TextDelta != nil && *item.Chunk.TextDelta != ""
			if hasText {
				deltaPayload, _ := json.Marshal(map[string]any{
					"type":  "content_block_delta",
					"index": 0,
					"delta": map[string]string{"type": "text_delta", "text": *item.Chunk.TextDelta},
				})
				if err := writer.WriteNamedEvent("content_block_delta", deltaPayload); err != nil {
					return
				}
			}

			if item.Chunk.Done {
				h.writeMessageStop(writer)
				return
			}

			if !hasText {
				if err := writer.WriteNamedEvent("ping", []byte(`{"type":"ping"}`)); err != nil {
					return
				}
			}
		case <-ticker.C:
			_ = writer.WriteNamedEvent("ping", []byte(`{"type":"ping"}`))
		case <-r.Context().Done():
			return
		}
	}
}

func (h *Handler) writeMessageStop(writer *sse.Writer) {
	stopPayload, _ := json.Marshal(map[string]any{"type": "content_block_stop", "index": 0})
	_ = writer.WriteNamedEvent("content_block_stop", stopPayload)
	donePayload, _ := json.Marshal(map[string]any{"type": "message_stop"})
	_ = writer.WriteNamedEvent("message_stop", donePayload)
}

func authFailureReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissingKey):
		return "missing_key"
	case errors.Is(err, store.ErrKeyNotFound):
		return "not_found"
	case errors.Is(err, store.ErrKeyInactive):
		return "inactive"
	case errors.Is(err, store.ErrKeyExpired):
		return "expired"
	case errors.Is(err, store.ErrKeyInvalidFormat):
		return "invalid_format"
	default:
		return "internal"
	}
}

func writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrMissingKey), errors.Is(err, store.ErrKeyNotFound),
		errors.Is(err, store.ErrKeyInactive), errors.Is(err, store.ErrKeyExpired),
		errors.Is(err, store.ErrKeyInvalidFormat):
		apperr.WriteJSON(w, apperr.Wrap(apperr.KindAuth, "invalid api key", err))
	default:
		apperr.WriteJSON(w, apperr.Wrap(apperr.KindInternal, "authenticating request", err))
	}
}

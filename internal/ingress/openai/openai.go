// Package openai implements the OpenAI-compatible /v1/chat/completions
// surface on top of the neutral dispatch pipeline.
package openai

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
	"github.com/xjp-router/xjp-gateway/internal/connector"
	"github.com/xjp-router/xjp-gateway/internal/dispatch"
	"github.com/xjp-router/xjp-gateway/internal/metrics"
	"github.com/xjp-router/xjp-gateway/internal/model"
	"github.com/xjp-router/xjp-gateway/internal/ratelimit"
	"github.com/xjp-router/xjp-gateway/internal/sse"
	"github.com/xjp-router/xjp-gateway/internal/store"
)

// Handler serves /v1/chat/completions.
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

type chatRequest struct {
	Model       string          `json:"model"`
	Messages    []chatMessage   `json:"messages"`
	Tools       []chatTool      `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Name    *string         `json:"name,omitempty"`
}

type chatContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type chatTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description *string         `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

// --- wire response shape ---

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage,omitempty"`
}

type chatChoice struct {
	Index        int            `json:"index"`
	Message      *assistantMsg  `json:"message,omitempty"`
	Delta        *assistantMsg  `json:"delta,omitempty"`
	FinishReason *string        `json:"finish_reason"`
}

type assistantMsg struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func toUnifiedMessages(in []chatMessage) ([]model.UnifiedMessage, error) {
	out := make([]model.UnifiedMessage, 0, len(in))
	for _, m := range in {
		parts, err := toContentParts(m.Content)
		if err != nil {
			return nil, err
		}
		role := m.Role
		if role == "" {
			role = "user"
		}
		out = append(out, model.UnifiedMessage{Role: role, Content: parts, Name: m.Name})
	}
	return out, nil
}

func toContentParts(raw json.RawMessage) ([]model.ContentPart, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return []model.ContentPart{model.NewText(asString)}, nil
	}

	var parts []chatContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalid, "decoding message content", err)
	}
	out := make([]model.ContentPart, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "text":
			out = append(out, model.NewText(p.Text))
		case "image_url":
			if p.ImageURL != nil {
				out = append(out, model.NewImageURL(p.ImageURL.URL, nil))
			}
		default:
			return nil, apperr.New(apperr.KindInvalid, "unsupported content part type "+p.Type)
		}
	}
	return out, nil
}

func toUnifiedTools(in []chatTool) []model.ToolSpec {
	if len(in) == 0 {
		return nil
	}
	out := make([]model.ToolSpec, 0, len(in))
	for _, t := range in {
		out = append(out, model.ToolSpec{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			JSONSchema:  t.Function.Parameters,
		})
	}
	return out
}

func toUnifiedRequest(req chatRequest) (model.UnifiedRequest, error) {
	messages, err := toUnifiedMessages(req.Messages)
	if err != nil {
		return model.UnifiedRequest{}, err
	}
	return model.UnifiedRequest{
		LogicalModel:    req.Model,
		Messages:        messages,
		Tools:           toUnifiedTools(req.Tools),
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		Stream:          req.Stream,
	}, nil
}

// ServeHTTP handles one /v1/chat/completions call.
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

	var chatReq chatRequest
	if err := json.Unmarshal(body, &chatReq); err != nil {
		apperr.WriteJSON(w, apperr.Wrap(apperr.KindInvalid, "decoding request body", err))
		return
	}

	unified, err := toUnifiedRequest(chatReq)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}

	// Keys the chat request shape does not know are passed through as Extra.
	var rawFields map[string]json.RawMessage
	if err := json.Unmarshal(body, &rawFields); err == nil {
		for _, k := range []string{"model", "messages", "tools", "tool_choice", "max_tokens", "temperature", "top_p", "stream"} {
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

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()

	if unified.Stream {
		h.writeStreamingResponse(w, r, id, created, chatReq.Model, resp.Stream)
		return
	}

	h.writeSingleResponse(w, id, created, chatReq.Model, resp)
}

func (h *Handler) writeSingleResponse(w http.ResponseWriter, id string, created int64, modelName string, resp connector.Response) {
	if resp.Chunk == nil {
		apperr.WriteJSON(w, apperr.New(apperr.KindInternal, "connector returned no response"))
		return
	}
	content := ""
	if resp.Chunk.TextDelta != nil {
		content = *resp.Chunk.TextDelta
	}
	reason := "stop"
	out := chatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   modelName,
		Choices: []chatChoice{{
			Index:        0,
			Message:      &assistantMsg{Role: "assistant", Content: content},
			FinishReason: &reason,
		}},
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		h.logger.Error("openai: encoding response failed", "error", err)
	}
}

func (h *Handler) writeStreamingResponse(w http.ResponseWriter, r *http.Request, id string, created int64, modelName string, stream <-chan connector.StreamItem) {
	writer, err := sse.NewWriter(w)
	if err != nil {
		h.logger.Error("openai: cannot stream", "error", err)
		return
	}

	ticker := time.NewTicker(sse.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case item, ok := <-stream:
			if !ok {
				_ = writer.WriteDoneSentinel()
				return
			}
			if item.Err != nil {
				h.logger.Error("openai: stream error", "error", item.Err)
				_ = writer.WriteDoneSentinel()
				return
			}

			delta := ""
			if item.Chunk.TextDelta != nil {
				delta = *item.Chunk.TextDelta
			}

			choice := chatChoice{Index: 0, Delta: &assistantMsg{Content: delta}, FinishReason: nil}
			if item.Chunk.Done {
				reason := "stop"
				choice.FinishReason = &reason
			}
			payload, err := json.Marshal(chatResponse{
				ID:      id,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   modelName,
				Choices: []chatChoice{choice},
			})
			if err != nil {
				h.logger.Error("openai: marshaling chunk failed", "error", err)
				return
			}
			if err := writer.WriteData(payload); err != nil {
				return
			}
			if item.Chunk.Done {
				_ = writer.WriteDoneSentinel()
				return
			}
		case <-ticker.C:
			if err := writer.WriteComment("keepalive"); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
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


package connector

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/xjp-router/xjp-gateway/internal/apperr"
	"github.com/xjp-router/xjp-gateway/internal/model"
	"github.com/xjp-router/xjp-gateway/internal/registry"
)

const defaultOpenRouterBaseURL = "https://openrouter.ai/api"

// OpenRouter talks to OpenRouter's OpenAI-compatible chat completions API.
type OpenRouter struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewOpenRouter builds an OpenRouter connector. apiKey and baseURL fall
// back to OPENROUTER_API_KEY / OPENROUTER_BASE_URL when empty.
func NewOpenRouter(apiKey, baseURL string, client *http.Client) *OpenRouter {
	if apiKey == "" {
		apiKey = os.Getenv("OPENROUTER_API_KEY")
	}
	if baseURL == "" {
		baseURL = os.Getenv("OPENROUTER_BASE_URL")
	}
	if baseURL == "" {
		baseURL = defaultOpenRouterBaseURL
	}
	return &OpenRouter{apiKey: apiKey, baseURL: baseURL, client: client}
}

func (o *OpenRouter) Name() string { return "openrouter" }

func (o *OpenRouter) Capabilities() Capabilities {
	return Capabilities{Text: true, Vision: true, Video: false, Tools: true, Stream: true}
}

type orMessagePart struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	ImageURL *orImageURLRef `json:"image_url,omitempty"`
}

type orImageURLRef struct {
	URL string `json:"url"`
}

type orMessage struct {
	Role    string          `json:"role"`
	Content []orMessagePart `json:"content"`
}

type orTool struct {
	Type     string     `json:"type"`
	Function orFunction `json:"function"`
}

type orFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

func toORMessages(msgs []model.UnifiedMessage) []orMessage {
	out := make([]orMessage, 0, len(msgs))
	for _, m := range msgs {
		parts := make([]orMessagePart, 0, len(m.Content))
		for _, c := range m.Content {
			switch c.Type {
			case model.ContentText:
				parts = append(parts, orMessagePart{Type: "text", Text: c.Text})
			case model.ContentImageURL:
				parts = append(parts, orMessagePart{Type: "image_url", ImageURL: &orImageURLRef{URL: c.ImageURL}})
			case model.ContentImageB64:
				mime := c.ImageB64Mime
				if mime == "" {
					mime = "image/png"
				}
				dataURI := fmt.Sprintf("data:%s;base64,%s", mime, c.ImageB64)
				parts = append(parts, orMessagePart{Type: "image_url", ImageURL: &orImageURLRef{URL: dataURI}})
			case model.ContentVideoURL:
				// OpenRouter has no video content type; degrade to text.
				parts = append(parts, orMessagePart{Type: "text", Text: fmt.Sprintf("(video) %s", c.VideoURL)})
			}
		}
		out = append(out, orMessage{Role: m.Role, Content: parts})
	}
	return out
}

func toORTools(tools []model.ToolSpec) []orTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]orTool, 0, len(tools))
	for _, t := range tools {
		desc := ""
		if t.Description != nil {
			desc = *t.Description
		}
		out = append(out, orTool{
			Type: "function",
			Function: orFunction{
				Name:        t.Name,
				Description: desc,
				Parameters:  t.JSONSchema,
			},
		})
	}
	return out
}

// buildChatBody builds an OpenAI-compatible chat completion body. Shared
// with the Clewdr connector, which speaks the same wire format.
func buildChatBody(req model.UnifiedRequest, route registry.EgressRoute, stream bool) ([]byte, error) {
	body := map[string]any{
		"model":    route.ProviderModelID,
		"messages": toORMessages(req.Messages),
		"stream":   stream,
	}
	if tools := toORTools(req.Tools); tools != nil {
		body["tools"] = tools
	}
	if req.MaxOutputTokens != nil {
		body["max_tokens"] = *req.MaxOutputTokens
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		body["top_p"] = *req.TopP
	}
	if len(req.Extra) > 0 {
		var extra map[string]any
		if err := json.Unmarshal(req.Extra, &extra); err == nil {
			for k, v := range extra {
				if _, exists := body[k]; !exists {
					body[k] = v
				}
			}
		}
	}
	return json.Marshal(body)
}

func (o *OpenRouter) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	if o.apiKey == "" {
		return nil, apperr.New(apperr.KindAuth, "missing OpenRouter API key")
	}
	url := o.baseURL + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "building openrouter request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	return httpReq, nil
}

func classifyTransportErr(err error) *apperr.Error {
	if os.IsTimeout(err) {
		return apperr.Wrap(apperr.KindTimeout, "openrouter request timed out", err)
	}
	type timeoutErr interface{ Timeout() bool }
	if te, ok := err.(timeoutErr); ok && te.Timeout() {
		return apperr.Wrap(apperr.KindTimeout, "openrouter request timed out", err)
	}
	return apperr.Wrap(apperr.KindUpstream, "openrouter request failed", err)
}

func errorForStatus(status int, body []byte) *apperr.Error {
	switch {
	case status == http.StatusTooManyRequests:
		return apperr.New(apperr.KindRateLimited, "openrouter rate limited").WithBody(string(body))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperr.New(apperr.KindAuth, "openrouter rejected credentials").WithBody(string(body))
	default:
		return apperr.New(apperr.KindUpstream, fmt.Sprintf("openrouter returned status %d", status)).WithBody(string(body))
	}
}

type orNonStreamResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content   string          `json:"content"`
			ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
		} `json:"message"`
	} `json:"choices"`
	Usage json.RawMessage `json:"usage"`
}

// orStreamResponse is the shape of one OpenAI-style SSE data event, which
// carries an incremental "delta" rather than a full "message".
type orStreamResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content   string          `json:"content"`
			ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage json.RawMessage `json:"usage"`
}

func (o *OpenRouter) Invoke(ctx context.Context, route registry.EgressRoute, req model.UnifiedRequest) (Response, error) {
	if req.Stream {
		return o.invokeStream(ctx, route, req)
	}
	return o.invokeOnce(ctx, route, req)
}

func (o *OpenRouter) invokeOnce(ctx context.Context, route registry.EgressRoute, req model.UnifiedRequest) (Response, error) {
	body, err := buildChatBody(req, route, false)
	if err != nil {
		return Response{}, apperr.Wrap(apperr.KindInternal, "encoding openrouter request", err)
	}
	httpReq, err := o.newRequest(ctx, body)
	if err != nil {
		return Response{}, err
	}
	resp, err := o.client.Do(httpReq)
	if err != nil {
		return Response{}, classifyTransportErr(err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return Response{}, errorForStatus(resp.StatusCode, respBody)
	}

	var parsed orNonStreamResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Response{}, apperr.Wrap(apperr.KindUpstream, "decoding openrouter response", err)
	}

	var textDelta *string
	var toolCallDelta json.RawMessage
	if len(parsed.Choices) > 0 {
		c := parsed.Choices[0].Message.Content
		textDelta = &c
		toolCallDelta = parsed.Choices[0].Message.ToolCalls
	}

	chunk := model.UnifiedChunk{
		TextDelta:      textDelta,
		ToolCallDelta:  toolCallDelta,
		Done:           true,
		ProviderEvents: respBody,
	}
	return Response{Chunk: &chunk}, nil
}

func (o *OpenRouter) invokeStream(ctx context.Context, route registry.EgressRoute, req model.UnifiedRequest) (Response, error) {
	body, err := buildChatBody(req, route, true)
	if err != nil {
		return Response{}, apperr.Wrap(apperr.KindInternal, "encoding openrouter request", err)
	}
	httpReq, err := o.newRequest(ctx, body)
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return Response{}, classifyTransportErr(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return Response{}, errorForStatus(resp.StatusCode, respBody)
	}

	ch := make(chan StreamItem)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				item := StreamItem{Chunk: model.UnifiedChunk{Done: true}}
				select {
				case ch <- item:
				case <-ctx.Done():
				}
				return
			}

			var parsed orStreamResponse
			if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
				select {
				case ch <- StreamItem{Err: apperr.Wrap(apperr.KindUpstream, "decoding openrouter stream event", err)}:
				case <-ctx.Done():
				}
				return
			}

			var textDelta *string
			if len(parsed.Choices) > 0 && parsed.Choices[0].Delta.Content != "" {
				c := parsed.Choices[0].Delta.Content
				textDelta = &c
			}
			payloadCopy := append([]byte(nil), payload...)
			chunk := model.UnifiedChunk{TextDelta: textDelta, ProviderEvents: payloadCopy}

			select {
			case ch <- StreamItem{Chunk: chunk}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case ch <- StreamItem{Err: apperr.Wrap(apperr.KindUpstream, "reading openrouter stream", err)}:
			case <-ctx.Done():
			}
		}
	}()

	return Response{Stream: ch}, nil
}

// NewHTTPClient is the shared timeout policy for all connectors.
func NewHTTPClient() *http.Client {
	return &http.Client{Timeout: 120 * time.Second}
}

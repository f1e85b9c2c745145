package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"

	"github.com/xjp-router/xjp-gateway/internal/apperr"
	"github.com/xjp-router/xjp-gateway/internal/model"
	"github.com/xjp-router/xjp-gateway/internal/registry"
)

const defaultClewdrBaseURL = "http://localhost:9000"

// Clewdr talks to a local/self-hosted OpenAI-compatible completion
// endpoint. It only supports non-streaming requests.
type Clewdr struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClewdr builds a Clewdr connector. baseURL/apiKey fall back to
// CLEWDR_BASE_URL / CLEWDR_API_KEY when empty.
func NewClewdr(baseURL, apiKey string, client *http.Client) *Clewdr {
	if baseURL == "" {
		baseURL = os.Getenv("CLEWDR_BASE_URL")
	}
	if baseURL == "" {
		baseURL = defaultClewdrBaseURL
	}
	if apiKey == "" {
		apiKey = os.Getenv("CLEWDR_API_KEY")
	}
	return &Clewdr{baseURL: baseURL, apiKey: apiKey, client: client}
}

func (c *Clewdr) Name() string { return "clewdr" }

func (c *Clewdr) Capabilities() Capabilities {
	return Capabilities{Text: true, Vision: true, Video: false, Tools: false, Stream: false}
}

func (c *Clewdr) Invoke(ctx context.Context, route registry.EgressRoute, req model.UnifiedRequest) (Response, error) {
	if req.Stream {
		return Response{}, apperr.New(apperr.KindInvalid, "clewdr connector does not support streaming")
	}

	body, err := buildChatBody(req, route, false)
	if err != nil {
		return Response{}, apperr.Wrap(apperr.KindInternal, "encoding clewdr request", err)
	}

	url := c.baseURL + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Response{}, apperr.Wrap(apperr.KindInternal, "building clewdr request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
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
		return Response{}, apperr.Wrap(apperr.KindUpstream, "decoding clewdr response", err)
	}

	var textDelta *string
	var toolCallDelta json.RawMessage
	if len(parsed.Choices) > 0 {
		text := parsed.Choices[0].Message.Content
		textDelta = &text
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

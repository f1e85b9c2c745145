package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/xjp-router/xjp-gateway/internal/apperr"
	"github.com/xjp-router/xjp-gateway/internal/model"
	"github.com/xjp-router/xjp-gateway/internal/registry"
)

// Vertex talks to Google Vertex AI's generateContent endpoint. Only the
// non-streaming verb is wired up: Vertex's capabilities advertise
// Stream: false, and the dispatcher refuses streaming requests before
// they ever reach this connector. streamGenerateContent URL construction
// is still exercised directly by tests against buildURL, kept ready for
// when a future capability bump turns streaming on.
type Vertex struct {
	apiKey      string
	accessToken string
	client      *http.Client
}

// NewVertex builds a Vertex connector. Credentials fall back to
// VERTEX_API_KEY / VERTEX_ACCESS_TOKEN when empty; at least one must
// resolve to a non-empty value or Invoke fails with KindAuth.
func NewVertex(apiKey, accessToken string, client *http.Client) *Vertex {
	if apiKey == "" {
		apiKey = os.Getenv("VERTEX_API_KEY")
	}
	if accessToken == "" {
		accessToken = os.Getenv("VERTEX_ACCESS_TOKEN")
	}
	return &Vertex{apiKey: apiKey, accessToken: accessToken, client: client}
}

func (v *Vertex) Name() string { return "vertex" }

func (v *Vertex) Capabilities() Capabilities {
	return Capabilities{Text: true, Vision: true, Video: true, Tools: false, Stream: false}
}

type vxPart struct {
	Text       string          `json:"text,omitempty"`
	FileData   *vxFileData     `json:"fileData,omitempty"`
	InlineData *vxInlineData   `json:"inlineData,omitempty"`
}

type vxFileData struct {
	FileURI  string `json:"fileUri"`
	MimeType string `json:"mimeType"`
}

type vxInlineData struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

type vxContent struct {
	Role  string   `json:"role,omitempty"`
	Parts []vxPart `json:"parts"`
}

type vxGenerationConfig struct {
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
}

type vxRequest struct {
	Contents          []vxContent         `json:"contents"`
	SystemInstruction *vxContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *vxGenerationConfig `json:"generationConfig,omitempty"`
}

func vxRole(role string) string {
	if role == "assistant" {
		return "model"
	}
	return role
}

func toVXContents(msgs []model.UnifiedMessage) (contents []vxContent, system *vxContent) {
	for _, m := range msgs {
		parts := make([]vxPart, 0, len(m.Content))
		for _, c := range m.Content {
			switch c.Type {
			case model.ContentText:
				parts = append(parts, vxPart{Text: c.Text})
			case model.ContentImageURL:
				mime := "image/jpeg"
				if c.ImageURLMime != nil {
					mime = *c.ImageURLMime
				}
				parts = append(parts, vxPart{FileData: &vxFileData{FileURI: c.ImageURL, MimeType: mime}})
			case model.ContentVideoURL:
				mime := "video/mp4"
				if c.VideoURLMime != nil {
					mime = *c.VideoURLMime
				}
				parts = append(parts, vxPart{FileData: &vxFileData{FileURI: c.VideoURL, MimeType: mime}})
			case model.ContentImageB64:
				mime := c.ImageB64Mime
				if mime == "" {
					mime = "image/png"
				}
				parts = append(parts, vxPart{InlineData: &vxInlineData{Data: c.ImageB64, MimeType: mime}})
			}
		}
		if m.Role == "system" {
			system = &vxContent{Parts: parts}
			continue
		}
		contents = append(contents, vxContent{Role: vxRole(m.Role), Parts: parts})
	}
	return contents, system
}

func (v *Vertex) buildURL(route registry.EgressRoute, verb string) (string, error) {
	project := os.Getenv("VERTEX_PROJECT")
	if route.Project != nil && *route.Project != "" {
		project = *route.Project
	}
	if project == "" {
		return "", apperr.New(apperr.KindInvalid, "missing project for vertex route")
	}
	region := os.Getenv("VERTEX_REGION")
	if route.Region != nil && *route.Region != "" {
		region = *route.Region
	}
	if region == "" {
		return "", apperr.New(apperr.KindInvalid, "missing region for vertex route")
	}
	return fmt.Sprintf(
		"https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/publishers/google/models/%s:%s",
		region, project, region, route.ProviderModelID, verb,
	), nil
}

func (v *Vertex) newRequest(ctx context.Context, url string, body []byte) (*http.Request, error) {
	if v.apiKey == "" && v.accessToken == "" {
		return nil, apperr.New(apperr.KindAuth, "missing vertex credentials")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "building vertex request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if v.apiKey != "" {
		httpReq.Header.Set("x-goog-api-key", v.apiKey)
	}
	if v.accessToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+v.accessToken)
	}
	return httpReq, nil
}

type vxResponse struct {
	Candidates []struct {
		Content      vxContent `json:"content"`
		FinishReason string    `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata json.RawMessage `json:"usageMetadata"`
}

func (v *Vertex) Invoke(ctx context.Context, route registry.EgressRoute, req model.UnifiedRequest) (Response, error) {
	if req.Stream {
		return Response{}, apperr.New(apperr.KindInvalid, "vertex connector does not support streaming")
	}

	url, err := v.buildURL(route, "generateContent")
	if err != nil {
		return Response{}, err
	}

	contents, system := toVXContents(req.Messages)
	vxReq := vxRequest{Contents: contents, SystemInstruction: system}
	if req.MaxOutputTokens != nil || req.Temperature != nil || req.TopP != nil {
		vxReq.GenerationConfig = &vxGenerationConfig{
			MaxOutputTokens: req.MaxOutputTokens,
			Temperature:     req.Temperature,
			TopP:            req.TopP,
		}
	}

	body, err := json.Marshal(vxReq)
	if err != nil {
		return Response{}, apperr.Wrap(apperr.KindInternal, "encoding vertex request", err)
	}

	httpReq, err := v.newRequest(ctx, url, body)
	if err != nil {
		return Response{}, err
	}

	resp, err := v.client.Do(httpReq)
	if err != nil {
		return Response{}, classifyTransportErr(err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return Response{}, errorForStatus(resp.StatusCode, respBody)
	}

	var parsed vxResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Response{}, apperr.Wrap(apperr.KindUpstream, "decoding vertex response", err)
	}

	var text string
	if len(parsed.Candidates) > 0 {
		for _, p := range parsed.Candidates[0].Content.Parts {
			text += p.Text
		}
	}

	chunk := model.UnifiedChunk{
		TextDelta:      &text,
		Done:           true,
		ProviderEvents: respBody,
	}
	return Response{Chunk: &chunk}, nil
}

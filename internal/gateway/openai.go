package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jetgogoing/memoryd/internal/errs"
)

// OpenAIDriver implements Driver and RerankCapableDriver for an
// OpenAI-compatible HTTP API; Rerank only works when a rerank route
// (e.g. a Cohere-compatible proxy) is configured. Adapted from the teacher's
// embeddings.OpenAIDriver, generalized from embed-only to the three-op
// Model Gateway contract.
type OpenAIDriver struct {
	apiKey      string
	endpoint    string
	rerankURL   string
	client      *http.Client
}

type OpenAIOption func(*OpenAIDriver)

func WithOpenAIEndpoint(endpoint string) OpenAIOption {
	return func(d *OpenAIDriver) { d.endpoint = endpoint }
}

func WithOpenAIRerankURL(url string) OpenAIOption {
	return func(d *OpenAIDriver) { d.rerankURL = url }
}

func NewOpenAIDriver(apiKey string, opts ...OpenAIOption) *OpenAIDriver {
	d := &OpenAIDriver{
		apiKey:   apiKey,
		endpoint: "https://api.openai.com/v1",
		client:   &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *OpenAIDriver) Kind() string { return "openai" }

func (d *OpenAIDriver) IsAvailable(ctx context.Context) bool {
	return d.apiKey != ""
}

type openAIEmbedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type openAIEmbedResponse struct {
	Data  []openAIEmbedData `json:"data"`
	Error *openAIError      `json:"error,omitempty"`
}

type openAIEmbedData struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (d *OpenAIDriver) doJSON(ctx context.Context, url string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return errs.Internal("marshal request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return errs.Internal("build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return errs.ProviderTransient("openai request failed", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 500 {
		return errs.ProviderTransient(fmt.Sprintf("openai 5xx: %s", raw), nil)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return errs.ProviderTransient("openai rate limited", nil)
	}
	if resp.StatusCode >= 400 {
		return errs.ProviderFatal(fmt.Sprintf("openai %d: %s", resp.StatusCode, raw), nil)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errs.ProviderFatal("malformed openai response", err)
	}
	return nil
}

func (d *OpenAIDriver) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var out openAIEmbedResponse
	err := d.doJSON(ctx, d.endpoint+"/embeddings", openAIEmbedRequest{Input: texts, Model: model}, &out)
	if err != nil {
		return nil, err
	}
	if out.Error != nil {
		return nil, errs.ProviderFatal(out.Error.Message, nil)
	}
	vecs := make([][]float32, len(out.Data))
	for _, d := range out.Data {
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

type openAIChatRequest struct {
	Model       string              `json:"model"`
	Messages    []openAIChatMessage `json:"messages"`
	Temperature float64             `json:"temperature,omitempty"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
}

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message openAIChatMessage `json:"message"`
	} `json:"choices"`
	Error *openAIError `json:"error,omitempty"`
}

func (d *OpenAIDriver) Complete(ctx context.Context, model string, messages []Message, params CompletionParams) (string, error) {
	req := openAIChatRequest{Model: model, Temperature: params.Temperature, MaxTokens: params.MaxTokens}
	for _, m := range messages {
		req.Messages = append(req.Messages, openAIChatMessage{Role: string(m.Role), Content: m.Content})
	}
	var out openAIChatResponse
	if err := d.doJSON(ctx, d.endpoint+"/chat/completions", req, &out); err != nil {
		return "", err
	}
	if out.Error != nil {
		return "", errs.ProviderFatal(out.Error.Message, nil)
	}
	if len(out.Choices) == 0 {
		return "", errs.ProviderFatal("empty completion response", nil)
	}
	return out.Choices[0].Message.Content, nil
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
	Error *openAIError `json:"error,omitempty"`
}

// Rerank calls rerankURL, which most OpenAI-compatible endpoints don't
// expose. The method is always present, so the driver always satisfies
// RerankCapableDriver; with no rerankURL configured every call returns a
// ProviderFatal "rerank not configured" error.
func (d *OpenAIDriver) Rerank(ctx context.Context, model, query string, docs []string, topK int) ([]float64, error) {
	if d.rerankURL == "" {
		return nil, errs.ProviderFatal("rerank not configured for this provider", nil)
	}
	var out rerankResponse
	err := d.doJSON(ctx, d.rerankURL, rerankRequest{Model: model, Query: query, Documents: docs, TopN: topK}, &out)
	if err != nil {
		return nil, err
	}
	if out.Error != nil {
		return nil, errs.ProviderFatal(out.Error.Message, nil)
	}
	scores := make([]float64, len(docs))
	for _, r := range out.Results {
		if r.Index >= 0 && r.Index < len(scores) {
			scores[r.Index] = r.RelevanceScore
		}
	}
	return scores, nil
}

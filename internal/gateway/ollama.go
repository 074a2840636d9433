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

// OllamaDriver implements Driver for a local Ollama endpoint. Adapted
// from the teacher's embeddings.OllamaDriver, extended with Complete
// for local chat models. Ollama has no rerank endpoint, so this driver
// does not implement RerankCapableDriver.
type OllamaDriver struct {
	endpoint string
	client   *http.Client
}

type OllamaOption func(*OllamaDriver)

func NewOllamaDriver(endpoint string, opts ...OllamaOption) *OllamaDriver {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	d := &OllamaDriver{endpoint: endpoint, client: &http.Client{Timeout: 120 * time.Second}}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *OllamaDriver) Kind() string { return "ollama" }

func (d *OllamaDriver) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (d *OllamaDriver) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		buf, _ := json.Marshal(ollamaEmbedRequest{Model: model, Input: text})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/api/embed", bytes.NewReader(buf))
		if err != nil {
			return nil, errs.Internal("build ollama request", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := d.client.Do(req)
		if err != nil {
			return nil, errs.ProviderTransient("ollama request failed", err)
		}
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return nil, errs.ProviderTransient(fmt.Sprintf("ollama 5xx: %s", raw), nil)
		}
		if resp.StatusCode >= 400 {
			return nil, errs.ProviderFatal(fmt.Sprintf("ollama %d: %s", resp.StatusCode, raw), nil)
		}
		var out ollamaEmbedResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, errs.ProviderFatal("malformed ollama embed response", err)
		}
		vecs[i] = out.Embedding
	}
	return vecs, nil
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
}

func (d *OllamaDriver) Complete(ctx context.Context, model string, messages []Message, params CompletionParams) (string, error) {
	req := ollamaChatRequest{Model: model, Stream: false}
	for _, m := range messages {
		req.Messages = append(req.Messages, ollamaChatMessage{Role: string(m.Role), Content: m.Content})
	}
	buf, _ := json.Marshal(req)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/api/chat", bytes.NewReader(buf))
	if err != nil {
		return "", errs.Internal("build ollama chat request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return "", errs.ProviderTransient("ollama chat request failed", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 500 {
		return "", errs.ProviderTransient(fmt.Sprintf("ollama 5xx: %s", raw), nil)
	}
	if resp.StatusCode >= 400 {
		return "", errs.ProviderFatal(fmt.Sprintf("ollama %d: %s", resp.StatusCode, raw), nil)
	}
	var out ollamaChatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", errs.ProviderFatal("malformed ollama chat response", err)
	}
	return out.Message.Content, nil
}

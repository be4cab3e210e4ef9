package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

const defaultOllamaBaseURL = "http://localhost:11434"

type OllamaConfig struct {
	BaseURL string
	// HTTPClient must not set a total timeout; streams stay open for the whole reply.
	HTTPClient *http.Client
}

type OllamaClient struct {
	baseURL string
	client  *http.Client
}

func NewOllamaClient(cfg OllamaConfig) *OllamaClient {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &OllamaClient{baseURL: baseURL, client: client}
}

func (c *OllamaClient) BaseURL() string {
	return c.baseURL
}

func (c *OllamaClient) ChatStream(ctx context.Context, req ChatRequest) (ChunkStream, error) {
	if strings.TrimSpace(req.Model) == "" {
		return nil, ErrEmptyModel
	}
	payload := map[string]any{
		"model":    req.Model,
		"messages": req.Messages,
		"stream":   true,
	}
	if len(req.Tools) > 0 {
		payload["tools"] = req.Tools
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, StatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(raw)),
		}
	}
	return &ndjsonStream{body: resp.Body, decoder: json.NewDecoder(resp.Body)}, nil
}

// ListModels returns the names of the models the server has pulled.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	var parsed struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(parsed.Models))
	for _, model := range parsed.Models {
		names = append(names, model.Name)
	}
	return names, nil
}

type ndjsonStream struct {
	body    io.ReadCloser
	decoder *json.Decoder
	done    bool
}

func (s *ndjsonStream) Recv() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}
	var chunk Chunk
	if err := s.decoder.Decode(&chunk); err != nil {
		if errors.Is(err, io.EOF) {
			s.done = true
			return Chunk{}, io.ErrUnexpectedEOF
		}
		return Chunk{}, err
	}
	if chunk.Error != "" {
		s.done = true
		return Chunk{}, StreamError{Message: chunk.Error}
	}
	if chunk.Done {
		s.done = true
	}
	return chunk, nil
}

func (s *ndjsonStream) Close() error {
	return s.body.Close()
}

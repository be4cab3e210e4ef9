package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/Keyring-Network/local-tool-chat/internal/llm"
)

const (
	defaultSerpAPIBaseURL = "https://serpapi.com"
	defaultSearchResults  = 10

	FunctionSearchGoogle = "search_google"
)

var ErrMissingSerpAPIKey = errors.New("SERPAPI_API_KEY is not set")

type SearchConfig struct {
	BaseURL    string
	APIKey     func() string
	HTTPClient *http.Client
}

// SearchTool runs Google searches through SerpAPI.
type SearchTool struct {
	baseURL string
	apiKey  func() string
	client  *http.Client
}

func NewSearchTool(cfg SearchConfig) *SearchTool {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultSerpAPIBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	apiKey := cfg.APIKey
	if apiKey == nil {
		apiKey = func() string { return "" }
	}
	return &SearchTool{baseURL: baseURL, apiKey: apiKey, client: client}
}

func (t *SearchTool) Spec() Spec {
	return Spec{Kind: KindSearch}
}

func (t *SearchTool) Definitions() []llm.ToolDefinition {
	return []llm.ToolDefinition{
		llm.Function(FunctionSearchGoogle,
			"Search Google using the Serpapi API. Returns the search results.",
			llm.Parameters{
				Properties: map[string]llm.Property{
					"query":       {Type: "string", Description: "The query to search for."},
					"num_results": {Type: "integer", Description: "The number of results to return."},
				},
				Required: []string{"query"},
			}),
	}
}

func (t *SearchTool) Invoke(ctx context.Context, function string, args map[string]any) (string, error) {
	if function != FunctionSearchGoogle {
		return "", fmt.Errorf("%w: %q", ErrUnknownFunction, function)
	}
	query, err := stringArg(args, "query")
	if err != nil {
		return "", err
	}
	numResults := intArg(args, "num_results", defaultSearchResults)
	if numResults <= 0 {
		numResults = defaultSearchResults
	}
	return t.searchGoogle(ctx, query, numResults)
}

func (t *SearchTool) searchGoogle(ctx context.Context, query string, numResults int) (string, error) {
	key := strings.TrimSpace(t.apiKey())
	if key == "" {
		return "", ErrMissingSerpAPIKey
	}
	params := url.Values{}
	params.Set("engine", "google")
	params.Set("q", query)
	params.Set("num", strconv.Itoa(numResults))
	params.Set("api_key", key)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/search.json?"+params.Encode(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("serpapi returned %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}

	var parsed struct {
		Error            string            `json:"error"`
		OrganicResults   []json.RawMessage `json:"organic_results"`
		RecipesResults   json.RawMessage   `json:"recipes_results"`
		ShoppingResults  json.RawMessage   `json:"shopping_results"`
		KnowledgeGraph   json.RawMessage   `json:"knowledge_graph"`
		RelatedQuestions json.RawMessage   `json:"related_questions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}
	if parsed.Error != "" {
		return "", fmt.Errorf("serpapi error: %s", parsed.Error)
	}
	organic := parsed.OrganicResults
	if len(organic) > numResults {
		organic = organic[:numResults]
	}
	if organic == nil {
		organic = []json.RawMessage{}
	}
	results := map[string]any{
		"search_results":    organic,
		"recipes_results":   rawOrEmpty(parsed.RecipesResults),
		"shopping_results":  rawOrEmpty(parsed.ShoppingResults),
		"knowledge_graph":   rawOrEmpty(parsed.KnowledgeGraph),
		"related_questions": rawOrEmpty(parsed.RelatedQuestions),
	}
	encoded, err := json.Marshal(results)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func rawOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("[]")
	}
	return raw
}

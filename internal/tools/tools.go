// Package tools holds the tool adapters the assistant may call and the mapping from the
// sidebar selection to an ordered tool list.
package tools

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/Keyring-Network/local-tool-chat/internal/llm"
)

var (
	ErrUnknownFunction = errors.New("unknown tool function")
	ErrUnknownKind     = errors.New("unknown tool kind")
	ErrMissingArgument = errors.New("missing tool argument")
)

type Kind string

const (
	KindStock  Kind = "yfinance"
	KindSearch Kind = "serpapi"
)

// Spec identifies a tool by kind and configuration. Two lists are equal when their
// specs are equal in order.
type Spec struct {
	Kind        Kind `json:"kind"`
	StockPrice  bool `json:"stock_price,omitempty"`
	CompanyInfo bool `json:"company_info,omitempty"`
}

type Tool interface {
	Spec() Spec
	Definitions() []llm.ToolDefinition
	Invoke(ctx context.Context, function string, args map[string]any) (string, error)
}

type Selection struct {
	Stock  bool `json:"stock"`
	Search bool `json:"search"`
}

func DefaultSelection() Selection {
	return Selection{Stock: true, Search: true}
}

// Specs returns the stock tool first and the search tool second, each only when enabled.
func (s Selection) Specs() []Spec {
	specs := []Spec{}
	if s.Stock {
		specs = append(specs, Spec{Kind: KindStock, StockPrice: true, CompanyInfo: true})
	}
	if s.Search {
		specs = append(specs, Spec{Kind: KindSearch})
	}
	return specs
}

// SelectionOf reports which toggles produce specs.
func SelectionOf(specs []Spec) Selection {
	var sel Selection
	for _, spec := range specs {
		switch spec.Kind {
		case KindStock:
			sel.Stock = true
		case KindSearch:
			sel.Search = true
		}
	}
	return sel
}

type Deps struct {
	HTTPClient      *http.Client
	YFinanceBaseURL string
	SerpAPIBaseURL  string
	SerpAPIKey      func() string
}

func (d Deps) httpClient() *http.Client {
	if d.HTTPClient != nil {
		return d.HTTPClient
	}
	return &http.Client{Timeout: 60 * time.Second}
}

func Build(sel Selection, deps Deps) List {
	list, _ := FromSpecs(sel.Specs(), deps)
	return list
}

func FromSpecs(specs []Spec, deps Deps) (List, error) {
	list := make(List, 0, len(specs))
	for _, spec := range specs {
		switch spec.Kind {
		case KindStock:
			list = append(list, NewStockTool(StockConfig{
				StockPrice:  spec.StockPrice,
				CompanyInfo: spec.CompanyInfo,
				BaseURL:     deps.YFinanceBaseURL,
				HTTPClient:  deps.httpClient(),
			}))
		case KindSearch:
			list = append(list, NewSearchTool(SearchConfig{
				BaseURL:    deps.SerpAPIBaseURL,
				APIKey:     deps.SerpAPIKey,
				HTTPClient: deps.httpClient(),
			}))
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownKind, spec.Kind)
		}
	}
	return list, nil
}

type List []Tool

func (l List) Specs() []Spec {
	specs := make([]Spec, 0, len(l))
	for _, tool := range l {
		specs = append(specs, tool.Spec())
	}
	return specs
}

func (l List) Equal(other List) bool {
	return SpecsEqual(l.Specs(), other.Specs())
}

func SpecsEqual(a []Spec, b []Spec) bool {
	return slices.Equal(a, b)
}

func (l List) Has(kind Kind) bool {
	for _, tool := range l {
		if tool.Spec().Kind == kind {
			return true
		}
	}
	return false
}

func (l List) Definitions() []llm.ToolDefinition {
	var defs []llm.ToolDefinition
	for _, tool := range l {
		defs = append(defs, tool.Definitions()...)
	}
	return defs
}

// Lookup finds the tool exposing the named function.
func (l List) Lookup(function string) (Tool, bool) {
	for _, tool := range l {
		for _, def := range tool.Definitions() {
			if def.Function.Name == function {
				return tool, true
			}
		}
	}
	return nil, false
}

func (l List) Invoke(ctx context.Context, function string, args map[string]any) (string, error) {
	tool, ok := l.Lookup(function)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownFunction, function)
	}
	return tool.Invoke(ctx, function, args)
}

func stringArg(args map[string]any, key string) (string, error) {
	value, ok := args[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingArgument, key)
	}
	switch v := value.(type) {
	case string:
		if v == "" {
			return "", fmt.Errorf("%w: %s", ErrMissingArgument, key)
		}
		return v, nil
	default:
		return fmt.Sprint(v), nil
	}
}

func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		var parsed int
		if _, err := fmt.Sscanf(v, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

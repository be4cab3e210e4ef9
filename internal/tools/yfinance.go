package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/Keyring-Network/local-tool-chat/internal/llm"
)

const (
	defaultYFinanceBaseURL = "https://query1.finance.yahoo.com"
	yfinanceUserAgent      = "Mozilla/5.0 (compatible; local-tool-chat/1.0)"

	FunctionStockPrice  = "get_current_stock_price"
	FunctionCompanyInfo = "get_company_info"
)

type StockConfig struct {
	StockPrice  bool
	CompanyInfo bool
	BaseURL     string
	HTTPClient  *http.Client
}

// StockTool answers price and company profile questions from Yahoo Finance.
type StockTool struct {
	stockPrice  bool
	companyInfo bool
	baseURL     string
	client      *http.Client
}

func NewStockTool(cfg StockConfig) *StockTool {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultYFinanceBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &StockTool{
		stockPrice:  cfg.StockPrice,
		companyInfo: cfg.CompanyInfo,
		baseURL:     baseURL,
		client:      client,
	}
}

func (t *StockTool) Spec() Spec {
	return Spec{Kind: KindStock, StockPrice: t.stockPrice, CompanyInfo: t.companyInfo}
}

func (t *StockTool) Definitions() []llm.ToolDefinition {
	symbolParams := llm.Parameters{
		Properties: map[string]llm.Property{
			"symbol": {Type: "string", Description: "The stock symbol, e.g. AAPL."},
		},
		Required: []string{"symbol"},
	}
	var defs []llm.ToolDefinition
	if t.stockPrice {
		defs = append(defs, llm.Function(FunctionStockPrice,
			"Use this function to get the current stock price for a given symbol.", symbolParams))
	}
	if t.companyInfo {
		defs = append(defs, llm.Function(FunctionCompanyInfo,
			"Use this function to get company information and overview for a given stock symbol.", symbolParams))
	}
	return defs
}

func (t *StockTool) Invoke(ctx context.Context, function string, args map[string]any) (string, error) {
	switch {
	case function == FunctionStockPrice && t.stockPrice:
		symbol, err := stringArg(args, "symbol")
		if err != nil {
			return "", err
		}
		return t.currentPrice(ctx, normalizeSymbol(symbol))
	case function == FunctionCompanyInfo && t.companyInfo:
		symbol, err := stringArg(args, "symbol")
		if err != nil {
			return "", err
		}
		return t.companyProfile(ctx, normalizeSymbol(symbol))
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFunction, function)
	}
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func (t *StockTool) currentPrice(ctx context.Context, symbol string) (string, error) {
	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?range=1d&interval=1d", t.baseURL, url.PathEscape(symbol))
	var parsed struct {
		Chart struct {
			Result []struct {
				Meta struct {
					Currency           string   `json:"currency"`
					Symbol             string   `json:"symbol"`
					RegularMarketPrice *float64 `json:"regularMarketPrice"`
				} `json:"meta"`
			} `json:"result"`
		} `json:"chart"`
	}
	if err := t.getJSON(ctx, endpoint, &parsed); err != nil {
		return "", fmt.Errorf("could not fetch current price for %s: %w", symbol, err)
	}
	if len(parsed.Chart.Result) == 0 || parsed.Chart.Result[0].Meta.RegularMarketPrice == nil {
		return "", fmt.Errorf("could not fetch current price for %s", symbol)
	}
	return fmt.Sprintf("%.4f", *parsed.Chart.Result[0].Meta.RegularMarketPrice), nil
}

type yahooValue struct {
	Raw *float64 `json:"raw"`
	Fmt string   `json:"fmt"`
}

func (v yahooValue) value() any {
	if v.Raw == nil {
		return nil
	}
	return *v.Raw
}

func (t *StockTool) companyProfile(ctx context.Context, symbol string) (string, error) {
	endpoint := fmt.Sprintf("%s/v10/finance/quoteSummary/%s?modules=assetProfile,price,summaryDetail,defaultKeyStatistics,financialData",
		t.baseURL, url.PathEscape(symbol))
	var parsed struct {
		QuoteSummary struct {
			Result []struct {
				AssetProfile struct {
					Address1            string `json:"address1"`
					City                string `json:"city"`
					State               string `json:"state"`
					Zip                 string `json:"zip"`
					Country             string `json:"country"`
					Website             string `json:"website"`
					Industry            string `json:"industry"`
					Sector              string `json:"sector"`
					LongBusinessSummary string `json:"longBusinessSummary"`
					FullTimeEmployees   int64  `json:"fullTimeEmployees"`
				} `json:"assetProfile"`
				Price struct {
					ShortName          string     `json:"shortName"`
					LongName           string     `json:"longName"`
					Symbol             string     `json:"symbol"`
					Currency           string     `json:"currency"`
					RegularMarketPrice yahooValue `json:"regularMarketPrice"`
					MarketCap          yahooValue `json:"marketCap"`
				} `json:"price"`
				SummaryDetail struct {
					TrailingPE           yahooValue `json:"trailingPE"`
					FiftyTwoWeekLow      yahooValue `json:"fiftyTwoWeekLow"`
					FiftyTwoWeekHigh     yahooValue `json:"fiftyTwoWeekHigh"`
					FiftyDayAverage      yahooValue `json:"fiftyDayAverage"`
					TwoHundredDayAverage yahooValue `json:"twoHundredDayAverage"`
				} `json:"summaryDetail"`
				DefaultKeyStatistics struct {
					TrailingEps yahooValue `json:"trailingEps"`
				} `json:"defaultKeyStatistics"`
				FinancialData struct {
					RecommendationKey       string     `json:"recommendationKey"`
					NumberOfAnalystOpinions yahooValue `json:"numberOfAnalystOpinions"`
					TotalCash               yahooValue `json:"totalCash"`
					FreeCashflow            yahooValue `json:"freeCashflow"`
					OperatingCashflow       yahooValue `json:"operatingCashflow"`
					Ebitda                  yahooValue `json:"ebitda"`
					RevenueGrowth           yahooValue `json:"revenueGrowth"`
					GrossMargins            yahooValue `json:"grossMargins"`
					EbitdaMargins           yahooValue `json:"ebitdaMargins"`
				} `json:"financialData"`
			} `json:"result"`
		} `json:"quoteSummary"`
	}
	if err := t.getJSON(ctx, endpoint, &parsed); err != nil {
		return "", fmt.Errorf("could not fetch company info for %s: %w", symbol, err)
	}
	if len(parsed.QuoteSummary.Result) == 0 {
		return "", fmt.Errorf("could not fetch company info for %s", symbol)
	}
	r := parsed.QuoteSummary.Result[0]
	name := r.Price.LongName
	if name == "" {
		name = r.Price.ShortName
	}
	info := map[string]any{
		"Name":                       name,
		"Symbol":                     r.Price.Symbol,
		"Current Stock Price":        fmt.Sprintf("%s %s", r.Price.RegularMarketPrice.Fmt, r.Price.Currency),
		"Market Cap":                 fmt.Sprintf("%s %s", r.Price.MarketCap.Fmt, r.Price.Currency),
		"Sector":                     r.AssetProfile.Sector,
		"Industry":                   r.AssetProfile.Industry,
		"Address":                    r.AssetProfile.Address1,
		"City":                       r.AssetProfile.City,
		"State":                      r.AssetProfile.State,
		"Zip":                        r.AssetProfile.Zip,
		"Country":                    r.AssetProfile.Country,
		"EPS":                        r.DefaultKeyStatistics.TrailingEps.value(),
		"P/E Ratio":                  r.SummaryDetail.TrailingPE.value(),
		"52 Week Low":                r.SummaryDetail.FiftyTwoWeekLow.value(),
		"52 Week High":               r.SummaryDetail.FiftyTwoWeekHigh.value(),
		"50 Day Average":             r.SummaryDetail.FiftyDayAverage.value(),
		"200 Day Average":            r.SummaryDetail.TwoHundredDayAverage.value(),
		"Website":                    r.AssetProfile.Website,
		"Summary":                    r.AssetProfile.LongBusinessSummary,
		"Analyst Recommendation":     r.FinancialData.RecommendationKey,
		"Number Of Analyst Opinions": r.FinancialData.NumberOfAnalystOpinions.value(),
		"Employees":                  r.AssetProfile.FullTimeEmployees,
		"Total Cash":                 r.FinancialData.TotalCash.value(),
		"Free Cash flow":             r.FinancialData.FreeCashflow.value(),
		"Operating Cash flow":        r.FinancialData.OperatingCashflow.value(),
		"EBITDA":                     r.FinancialData.Ebitda.value(),
		"Revenue Growth":             r.FinancialData.RevenueGrowth.value(),
		"Gross Margins":              r.FinancialData.GrossMargins.value(),
		"Ebitda Margins":             r.FinancialData.EbitdaMargins.value(),
	}
	encoded, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func (t *StockTool) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", yfinanceUserAgent)
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("yahoo finance returned %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

package oracle

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// DefaultCoinGeckoURL is the public CoinGecko API base.
const DefaultCoinGeckoURL = "https://api.coingecko.com/api/v3"

// coinGeckoTimeout bounds one price request.
const coinGeckoTimeout = 10 * time.Second

// CoinGecko fetches native-asset USD prices from the CoinGecko REST API.
// It is a fallback for native pricing only; fee-critical token amounts are
// always priced from on-chain oracles.
type CoinGecko struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	now        func() time.Time
}

// CoinGeckoConfig configures the REST client. Zero values select the
// public API with the default timeout.
type CoinGeckoConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// NewCoinGecko creates the REST fallback client.
func NewCoinGecko(config CoinGeckoConfig) *CoinGecko {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = DefaultCoinGeckoURL
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = coinGeckoTimeout
	}
	return &CoinGecko{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     config.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

// NativePrice fetches the USD price for a CoinGecko asset id (e.g.
// "ethereum") normalized to PriceDenominator fixed point.
func (c *CoinGecko) NativePrice(ctx context.Context, id string) (Quote, error) {
	q := url.Values{}
	q.Set("ids", id)
	q.Set("vs_currencies", "usd")
	// Full precision keeps the decimal string parse exact.
	q.Set("precision", "full")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/simple/price?"+q.Encode(), nil)
	if err != nil {
		return Quote{}, err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("coingecko request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("coingecko returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return Quote{}, err
	}

	var parsed map[string]map[string]json.Number
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Quote{}, fmt.Errorf("decode coingecko response: %w", err)
	}
	usd, ok := parsed[id]["usd"]
	if !ok {
		return Quote{}, fmt.Errorf("coingecko has no usd price for %q", id)
	}

	price, err := parseUSD(usd.String())
	if err != nil {
		return Quote{}, fmt.Errorf("parse coingecko price %q: %w", usd, err)
	}
	return Quote{Price: price, Decimals: QuoteDecimals, FetchedAt: c.now()}, nil
}

// parseUSD converts a decimal string into PriceDenominator fixed point
// without ever passing through a float. Excess fractional digits are
// truncated.
func parseUSD(s string) (*big.Int, error) {
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > int(QuoteDecimals) {
		frac = frac[:QuoteDecimals]
	}
	frac += strings.Repeat("0", int(QuoteDecimals)-len(frac))

	out, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("not a decimal number")
	}
	if out.Sign() <= 0 {
		return nil, fmt.Errorf("non-positive price")
	}
	return out, nil
}

package oracle

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestParseUSD(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"2500", 2_500_000_000},
		{"2500.12", 2_500_120_000},
		{"0.999999", 999_999},
		{"0.9999999", 999_999}, // excess digits truncate
		{"1.000000123456", 1_000_000},
		{"612.3", 612_300_000},
	}
	for _, tc := range cases {
		got, err := parseUSD(tc.in)
		if err != nil {
			t.Errorf("parseUSD(%q): %v", tc.in, err)
			continue
		}
		if got.Int64() != tc.want {
			t.Errorf("parseUSD(%q) = %s, want %d", tc.in, got, tc.want)
		}
	}

	for _, in := range []string{"", "0", "0.0", "abc", "-3"} {
		if _, err := parseUSD(in); err == nil {
			t.Errorf("parseUSD(%q) should fail", in)
		}
	}
}

func TestCoinGeckoNativePrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("ids"); got != "ethereum" {
			t.Errorf("ids = %q, want ethereum", got)
		}
		if got := r.URL.Query().Get("vs_currencies"); got != "usd" {
			t.Errorf("vs_currencies = %q, want usd", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ethereum":{"usd":2612.337701189245}}`))
	}))
	defer srv.Close()

	cg := NewCoinGecko(CoinGeckoConfig{BaseURL: srv.URL})
	quote, err := cg.NativePrice(context.Background(), "ethereum")
	if err != nil {
		t.Fatalf("NativePrice: %v", err)
	}
	if want := big.NewInt(2_612_337_701); quote.Price.Cmp(want) != 0 {
		t.Errorf("price = %s, want %s", quote.Price, want)
	}
	if quote.Decimals != QuoteDecimals {
		t.Errorf("decimals = %d, want %d", quote.Decimals, QuoteDecimals)
	}
}

func TestCoinGeckoErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	cg := NewCoinGecko(CoinGeckoConfig{BaseURL: srv.URL, Timeout: time.Second})
	if _, err := cg.NativePrice(context.Background(), "ethereum"); err == nil {
		t.Error("expected error on non-200 status")
	}

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer empty.Close()

	cg = NewCoinGecko(CoinGeckoConfig{BaseURL: empty.URL, Timeout: time.Second})
	if _, err := cg.NativePrice(context.Background(), "ethereum"); err == nil {
		t.Error("expected error when the asset is missing from the response")
	}
}

package rates

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/profullstack/coinpayportal/internal/money"
	"github.com/profullstack/coinpayportal/internal/wallet"
)

func TestStaticFeed_PriceUSD(t *testing.T) {
	feed, err := NewStaticFeed(map[wallet.Chain]string{
		wallet.ChainEthereum: "3000",
		wallet.ChainBitcoin:  "60000",
	})
	if err != nil {
		t.Fatalf("NewStaticFeed: %v", err)
	}

	amount, _ := money.Parse("1.5") // 1.5 ETH
	usd, err := feed.PriceUSD(context.Background(), wallet.ChainEthereum, amount)
	if err != nil {
		t.Fatalf("PriceUSD: %v", err)
	}
	if got := money.Format(usd); got != "4500.00000000" {
		t.Errorf("1.5 ETH at $3000 = %s, want 4500.00000000", got)
	}
}

func TestStaticFeed_UnknownChain(t *testing.T) {
	feed, _ := NewStaticFeed(map[wallet.Chain]string{})
	amount, _ := money.Parse("1")
	if _, err := feed.PriceUSD(context.Background(), wallet.ChainSolana, amount); err == nil {
		t.Error("expected ErrNoRate for unknown chain")
	}
}

func TestStaticFeed_RejectsBadRate(t *testing.T) {
	if _, err := NewStaticFeed(map[wallet.Chain]string{wallet.ChainBitcoin: "sixty"}); err == nil {
		t.Error("accepted non-numeric rate")
	}
}

func TestHTTPFeed_PriceUSD(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"solana": "150.00"}`))
	}))
	defer srv.Close()

	feed := NewHTTPFeed(srv.URL)
	amount, _ := money.Parse("2")
	usd, err := feed.PriceUSD(context.Background(), wallet.ChainSolana, amount)
	if err != nil {
		t.Fatalf("PriceUSD: %v", err)
	}
	if got := money.Format(usd); got != "300.00000000" {
		t.Errorf("2 SOL at $150 = %s, want 300.00000000", got)
	}
}

func TestHTTPFeed_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	feed := NewHTTPFeed(srv.URL)
	amount, _ := money.Parse("1")
	if _, err := feed.PriceUSD(context.Background(), wallet.ChainBitcoin, amount); err == nil {
		t.Error("expected error on upstream 502")
	}
}

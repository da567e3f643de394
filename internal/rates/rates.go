// Package rates prices chain-native amounts in USD at escrow creation.
package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/profullstack/coinpayportal/internal/money"
	"github.com/profullstack/coinpayportal/internal/wallet"
)

var ErrNoRate = errors.New("rates: no USD rate for chain")

// PriceFeed converts a chain-native minor-unit amount into USD minor units.
type PriceFeed interface {
	PriceUSD(ctx context.Context, chain wallet.Chain, amount *big.Int) (*big.Int, error)
}

// StaticFeed prices from a fixed rate table. Used in development and tests;
// production wires HTTPFeed in front of it as a fallback.
type StaticFeed struct {
	// Rates maps chain to USD per whole coin, in minor units.
	Rates map[wallet.Chain]*big.Int
}

var _ PriceFeed = (*StaticFeed)(nil)

// NewStaticFeed creates a feed from decimal-string rates, e.g.
// {"bitcoin": "60000"}.
func NewStaticFeed(rates map[wallet.Chain]string) (*StaticFeed, error) {
	parsed := make(map[wallet.Chain]*big.Int, len(rates))
	for chain, s := range rates {
		v, ok := money.Parse(s)
		if !ok {
			return nil, fmt.Errorf("rates: invalid rate %q for %s", s, chain)
		}
		parsed[chain] = v
	}
	return &StaticFeed{Rates: parsed}, nil
}

func (f *StaticFeed) PriceUSD(ctx context.Context, chain wallet.Chain, amount *big.Int) (*big.Int, error) {
	rate, ok := f.Rates[chain]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRate, chain)
	}
	// amount and rate are both scaled by 10^Decimals; divide one scale out.
	product := new(big.Int).Mul(amount, rate)
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(money.Decimals), nil)
	return product.Quo(product, scale), nil
}

// HTTPFeed fetches spot rates from a JSON endpoint shaped like
// {"ethereum": "3000.00", "bitcoin": "60000.00", ...}.
type HTTPFeed struct {
	baseURL string
	client  *http.Client
}

var _ PriceFeed = (*HTTPFeed)(nil)

// NewHTTPFeed creates a feed against the given endpoint.
func NewHTTPFeed(baseURL string) *HTTPFeed {
	return &HTTPFeed{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (f *HTTPFeed) PriceUSD(ctx context.Context, chain wallet.Chain, amount *big.Int) (*big.Int, error) {
	u, err := url.Parse(f.baseURL)
	if err != nil {
		return nil, fmt.Errorf("rates: parse feed url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rates: fetch rates: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rates: feed returned %d", resp.StatusCode)
	}

	var table map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&table); err != nil {
		return nil, fmt.Errorf("rates: decode rates: %w", err)
	}

	s, ok := table[string(chain)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRate, chain)
	}
	rate, ok := money.Parse(s)
	if !ok {
		return nil, fmt.Errorf("rates: invalid rate %q for %s", s, chain)
	}

	product := new(big.Int).Mul(amount, rate)
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(money.Decimals), nil)
	return product.Quo(product, scale), nil
}

package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type countingFeed struct {
	price decimal.Decimal
	err   error
	calls int
}

func (f *countingFeed) LastPrice(context.Context, string, string) (decimal.Decimal, error) {
	f.calls++
	return f.price, f.err
}

func TestCachedServesFreshEntry(t *testing.T) {
	feed := &countingFeed{price: decimal.NewFromInt(60000)}
	c := NewCached(feed, 5*time.Second)
	clock := time.Now()
	c.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		price, err := c.LastPrice(context.Background(), "BTC", "CRYPTO")
		if err != nil {
			t.Fatalf("LastPrice: %v", err)
		}
		if !price.Equal(decimal.NewFromInt(60000)) {
			t.Fatalf("price = %s", price)
		}
	}
	if feed.calls != 1 {
		t.Errorf("feed called %d times within TTL, want 1", feed.calls)
	}
}

func TestCachedRefetchesPastTTL(t *testing.T) {
	feed := &countingFeed{price: decimal.NewFromInt(60000)}
	c := NewCached(feed, 5*time.Second)
	clock := time.Now()
	c.now = func() time.Time { return clock }

	if _, err := c.LastPrice(context.Background(), "BTC", "CRYPTO"); err != nil {
		t.Fatalf("LastPrice: %v", err)
	}

	clock = clock.Add(6 * time.Second)
	feed.price = decimal.NewFromInt(61000)
	price, err := c.LastPrice(context.Background(), "BTC", "CRYPTO")
	if err != nil {
		t.Fatalf("LastPrice: %v", err)
	}
	if !price.Equal(decimal.NewFromInt(61000)) {
		t.Errorf("served stale price %s past TTL", price)
	}
	if feed.calls != 2 {
		t.Errorf("feed calls = %d, want 2", feed.calls)
	}
}

func TestCachedNeverMasksFeedFailureWithStaleEntry(t *testing.T) {
	feed := &countingFeed{price: decimal.NewFromInt(60000)}
	c := NewCached(feed, 5*time.Second)
	clock := time.Now()
	c.now = func() time.Time { return clock }

	if _, err := c.LastPrice(context.Background(), "BTC", "CRYPTO"); err != nil {
		t.Fatalf("LastPrice: %v", err)
	}

	clock = clock.Add(6 * time.Second)
	feed.err = errors.New("feed down")
	if _, err := c.LastPrice(context.Background(), "BTC", "CRYPTO"); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
}

func TestCachedKeysPerSymbolAndMarket(t *testing.T) {
	feed := &countingFeed{price: decimal.NewFromInt(100)}
	c := NewCached(feed, 5*time.Second)

	c.LastPrice(context.Background(), "BTC", "CRYPTO")
	c.LastPrice(context.Background(), "ETH", "CRYPTO")
	if feed.calls != 2 {
		t.Errorf("feed calls = %d, want one per symbol", feed.calls)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		price   decimal.Decimal
		err     error
		wantErr bool
	}{
		{"positive price", decimal.NewFromInt(100), nil, false},
		{"zero price", decimal.Zero, nil, true},
		{"negative price", decimal.NewFromInt(-1), nil, true},
		{"feed error", decimal.NewFromInt(100), errors.New("boom"), true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Validate(tc.price, tc.err)
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate err = %v, wantErr = %v", err, tc.wantErr)
			}
			if err != nil && !errors.Is(err, ErrPriceUnavailable) {
				t.Errorf("error not wrapped in ErrPriceUnavailable: %v", err)
			}
		})
	}
}

// Package refdata fetches slow-moving market reference data (market cap,
// rank, supply, logos) from a CoinGecko-style API, with a redis-backed
// response cache in front of the rate limit.
package refdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"coinpulse/internal/application/port"
	"coinpulse/internal/domain"
	"coinpulse/internal/infrastructure/exchange"
	"coinpulse/internal/infrastructure/rest"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	marketsCacheTTL = 10 * time.Minute
	detailsCacheTTL = 30 * time.Minute
)

// ResponseCache is the piece of the redis repo the client needs.
type ResponseCache interface {
	CacheGet(ctx context.Context, key string) ([]byte, bool, error)
	CacheSet(ctx context.Context, key string, val []byte, ttl time.Duration) error
}

type Client struct {
	baseURL string
	client  *http.Client
	cache   ResponseCache
	limiter *rate.Limiter

	mu      sync.RWMutex
	idBySym map[string]string // canonical symbol -> provider coin id
}

func NewClient(baseURL string, cache ResponseCache) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  rest.NewClient(15 * time.Second),
		cache:   cache,
		// Free-tier friendly: ~30 calls/min.
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 1),
		idBySym: make(map[string]string),
	}
}

type marketItem struct {
	ID           string  `json:"id"`
	Symbol       string  `json:"symbol"`
	Name         string  `json:"name"`
	MarketCap    float64 `json:"market_cap"`
	Rank         int     `json:"market_cap_rank"`
	CircSupply   float64 `json:"circulating_supply"`
	Image        string  `json:"image"`
}

// TopMarkets returns one page of markets ordered by cap. Responses are
// cached so overlapping cron runs do not burn the rate limit.
func (c *Client) TopMarkets(ctx context.Context, page, perPage int) ([]domain.ReferenceData, error) {
	cacheKey := fmt.Sprintf("gecko:markets:%d:%d", page, perPage)
	var items []marketItem
	if !c.cached(ctx, cacheKey, &items) {
		url := fmt.Sprintf("%s/coins/markets?vs_currency=usd&order=market_cap_desc&per_page=%d&page=%d",
			c.baseURL, perPage, page)
		if err := c.fetch(ctx, url, &items); err != nil {
			return nil, err
		}
		c.store(ctx, cacheKey, items, marketsCacheTTL)
	}

	now := time.Now().UnixMilli()
	out := make([]domain.ReferenceData, 0, len(items))
	c.mu.Lock()
	for _, it := range items {
		sym := exchange.CanonicalAsset(strings.ToUpper(it.Symbol))
		if _, dup := c.idBySym[sym]; !dup {
			c.idBySym[sym] = it.ID
		}
		out = append(out, domain.ReferenceData{
			Symbol:     sym,
			Name:       it.Name,
			MarketCap:  it.MarketCap,
			Rank:       it.Rank,
			CircSupply: it.CircSupply,
			Image:      it.Image,
			Updated:    now,
		})
	}
	c.mu.Unlock()
	return out, nil
}

type coinDetail struct {
	Name  string `json:"name"`
	Image struct {
		Small string `json:"small"`
	} `json:"image"`
	MarketCapRank int `json:"market_cap_rank"`
	MarketData    struct {
		MarketCap struct {
			USD float64 `json:"usd"`
		} `json:"market_cap"`
		CirculatingSupply float64 `json:"circulating_supply"`
	} `json:"market_data"`
}

// CoinDetails looks one symbol up by the coin id learned from the markets
// pages. Symbols never seen on a markets page cannot be resolved.
func (c *Client) CoinDetails(ctx context.Context, symbol string) (*domain.ReferenceData, error) {
	symbol = exchange.CanonicalAsset(strings.ToUpper(symbol))
	c.mu.RLock()
	id, ok := c.idBySym[symbol]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no coin id known for %s", symbol)
	}

	cacheKey := "gecko:coin:" + id
	var d coinDetail
	if !c.cached(ctx, cacheKey, &d) {
		url := fmt.Sprintf("%s/coins/%s?localization=false&tickers=false&community_data=false&developer_data=false", c.baseURL, id)
		if err := c.fetch(ctx, url, &d); err != nil {
			return nil, err
		}
		c.store(ctx, cacheKey, d, detailsCacheTTL)
	}

	return &domain.ReferenceData{
		Symbol:     symbol,
		Name:       d.Name,
		MarketCap:  d.MarketData.MarketCap.USD,
		Rank:       d.MarketCapRank,
		CircSupply: d.MarketData.CirculatingSupply,
		Image:      d.Image.Small,
		Updated:    time.Now().UnixMilli(),
	}, nil
}

func (c *Client) fetch(ctx context.Context, url string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return rest.Do(ctx, 3, 5*time.Second, func() error {
		return rest.GetJSON(ctx, c.client, url, out)
	})
}

func (c *Client) cached(ctx context.Context, key string, out any) bool {
	if c.cache == nil {
		return false
	}
	b, hit, err := c.cache.CacheGet(ctx, key)
	if err != nil || !hit {
		return false
	}
	if err := json.Unmarshal(b, out); err != nil {
		return false
	}
	return true
}

func (c *Client) store(ctx context.Context, key string, val any, ttl time.Duration) {
	if c.cache == nil {
		return
	}
	b, err := json.Marshal(val)
	if err != nil {
		return
	}
	if err := c.cache.CacheSet(ctx, key, b, ttl); err != nil {
		log.Warn().Str("key", key).Err(err).Msg("response cache write failed")
	}
}

var _ port.RefDataSource = (*Client)(nil)

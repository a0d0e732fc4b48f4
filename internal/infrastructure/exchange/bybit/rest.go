package bybit

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"coinpulse/internal/application"
	"coinpulse/internal/application/port"
	"coinpulse/internal/infrastructure/exchange"
	"coinpulse/internal/infrastructure/rest"

	"github.com/rs/zerolog/log"
)

const restPollInterval = 5 * time.Minute

type marketTickersResp struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		Category string `json:"category"`
		List     []struct {
			Symbol            string `json:"symbol"`
			FundingRate       string `json:"fundingRate"`
			OpenInterestValue string `json:"openInterestValue"`
		} `json:"list"`
	} `json:"result"`
}

// SymbolDirectory maps canonical symbols to the native pairs a category
// actually lists, so the pools only subscribe to topics the venue accepts.
type SymbolDirectory struct {
	mu          sync.RWMutex
	byCanonical map[string]map[string]string // category -> canonical -> native
}

func NewSymbolDirectory() *SymbolDirectory {
	return &SymbolDirectory{byCanonical: make(map[string]map[string]string)}
}

func (d *SymbolDirectory) Refresh(ctx context.Context, client *http.Client, restURL, category string) error {
	var resp marketTickersResp
	url := strings.TrimRight(restURL, "/") + "/v5/market/tickers?category=" + category
	err := rest.Do(ctx, 3, 2*time.Second, func() error {
		return rest.GetJSON(ctx, client, url, &resp)
	})
	if err != nil {
		return err
	}

	m := make(map[string]string, len(resp.Result.List))
	for _, it := range resp.Result.List {
		canon, ok := exchange.Normalize(it.Symbol)
		if !ok {
			continue
		}
		if _, dup := m[canon]; !dup {
			m[canon] = it.Symbol
		}
	}

	d.mu.Lock()
	d.byCanonical[category] = m
	d.mu.Unlock()
	log.Debug().Str("feed", application.ExchangeBybit).Str("category", category).
		Int("symbols", len(m)).Msg("symbol directory refreshed")
	return nil
}

// NativeFor resolves the canonical universe into native symbols for the
// category; unknown symbols are skipped.
func (d *SymbolDirectory) NativeFor(category string, universe []string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m := d.byCanonical[category]
	out := make([]string, 0, len(universe))
	for _, canon := range universe {
		if native, ok := m[canon]; ok {
			out = append(out, native)
		}
	}
	return out
}

// Poller refreshes the symbol directory and emits linear funding rates and
// USD open interest on a fixed cadence.
type Poller struct {
	restURL string
	client  *http.Client
	dir     *SymbolDirectory
	bus     *port.Bus
}

func NewPoller(restURL string, dir *SymbolDirectory, bus *port.Bus) *Poller {
	return &Poller{
		restURL: strings.TrimRight(strings.TrimSpace(restURL), "/"),
		client:  rest.NewClient(15 * time.Second),
		dir:     dir,
		bus:     bus,
	}
}

func (p *Poller) Run(ctx context.Context) {
	p.pollOnce(ctx)

	ticker := time.NewTicker(restPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	for _, category := range []string{"spot", "linear"} {
		if err := p.dir.Refresh(ctx, p.client, p.restURL, category); err != nil {
			log.Error().Str("feed", application.ExchangeBybit).Str("category", category).
				Err(err).Msg("symbol directory refresh failed")
		}
	}
	if err := p.fetchFundingAndOI(ctx); err != nil {
		log.Error().Str("feed", application.ExchangeBybit).Err(err).Msg("funding/OI poll failed")
	}
}

func (p *Poller) fetchFundingAndOI(ctx context.Context) error {
	var resp marketTickersResp
	url := p.restURL + "/v5/market/tickers?category=linear"
	err := rest.Do(ctx, 3, 2*time.Second, func() error {
		return rest.GetJSON(ctx, p.client, url, &resp)
	})
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	n := 0
	for _, it := range resp.Result.List {
		if fr, err := strconv.ParseFloat(it.FundingRate, 64); err == nil && it.FundingRate != "" {
			p.bus.Funding <- port.FundingEvent{
				Exchange: application.ExchangeBybit,
				Symbol:   it.Symbol,
				Rate:     fr,
				Ts:       now,
			}
		}
		if oi, err := strconv.ParseFloat(it.OpenInterestValue, 64); err == nil && oi > 0 {
			p.bus.OpenInterest <- port.OpenInterestEvent{
				Exchange: application.ExchangeBybit,
				Symbol:   it.Symbol,
				Value:    oi,
				Ts:       now,
			}
		}
		n++
	}
	log.Debug().Str("feed", application.ExchangeBybit).Int("count", n).Msg("funding/OI fetched")
	return nil
}

package binance

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"coinpulse/internal/application"
	"coinpulse/internal/application/port"
	"coinpulse/internal/infrastructure/rest"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const pollInterval = 5 * time.Minute

// Poller fetches funding rates for all USDT perps in one call and open
// interest symbol by symbol. OI readings are in base-asset units; the
// merge engine converts them once a price is known.
type Poller struct {
	restURL string
	topN    int
	client  *http.Client
	limiter *rate.Limiter
	bus     *port.Bus
}

func NewPoller(restURL string, topN int, bus *port.Bus) *Poller {
	return &Poller{
		restURL: strings.TrimRight(strings.TrimSpace(restURL), "/"),
		topN:    topN,
		client:  rest.NewClient(15 * time.Second),
		limiter: rate.NewLimiter(rate.Limit(10), 10),
		bus:     bus,
	}
}

func (p *Poller) Run(ctx context.Context) {
	p.pollOnce(ctx)

	ticker := time.NewTicker(pollInterval)
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
	if err := p.fetchFunding(ctx); err != nil {
		log.Error().Str("feed", application.ExchangeBinance).Err(err).Msg("funding poll failed")
	}
	if err := p.fetchOpenInterest(ctx); err != nil {
		log.Error().Str("feed", application.ExchangeBinance).Err(err).Msg("open interest poll failed")
	}
}

type premiumIndexItem struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
}

func (p *Poller) fetchFunding(ctx context.Context) error {
	var items []premiumIndexItem
	err := rest.Do(ctx, 3, 2*time.Second, func() error {
		return rest.GetJSON(ctx, p.client, p.restURL+"/fapi/v1/premiumIndex", &items)
	})
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	n := 0
	for _, it := range items {
		if !strings.HasSuffix(it.Symbol, "USDT") {
			continue
		}
		fr, err := strconv.ParseFloat(it.LastFundingRate, 64)
		if err != nil {
			continue
		}
		p.bus.Funding <- port.FundingEvent{
			Exchange: application.ExchangeBinance,
			Symbol:   it.Symbol,
			Rate:     fr,
			Ts:       now,
		}
		n++
	}
	log.Debug().Str("feed", application.ExchangeBinance).Int("count", n).Msg("funding rates fetched")
	return nil
}

type exchangeInfo struct {
	Symbols []struct {
		Symbol       string `json:"symbol"`
		Status       string `json:"status"`
		ContractType string `json:"contractType"`
	} `json:"symbols"`
}

type openInterestResp struct {
	Symbol       string `json:"symbol"`
	OpenInterest string `json:"openInterest"`
	Time         int64  `json:"time"`
}

type dayStats struct {
	Symbol      string `json:"symbol"`
	QuoteVolume string `json:"quoteVolume"`
}

// rankByTurnover picks the n busiest eligible perps by 24h quote turnover.
func rankByTurnover(eligible map[string]struct{}, stats []dayStats, n int) []string {
	type cand struct {
		sym string
		vol float64
	}
	cands := make([]cand, 0, len(stats))
	for _, s := range stats {
		if _, ok := eligible[s.Symbol]; !ok {
			continue
		}
		v, err := strconv.ParseFloat(s.QuoteVolume, 64)
		if err != nil {
			continue
		}
		cands = append(cands, cand{sym: s.Symbol, vol: v})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].vol != cands[j].vol {
			return cands[i].vol > cands[j].vol
		}
		return cands[i].sym < cands[j].sym
	})
	if n > 0 && len(cands) > n {
		cands = cands[:n]
	}
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.sym
	}
	return out
}

func (p *Poller) fetchOpenInterest(ctx context.Context) error {
	var info exchangeInfo
	err := rest.Do(ctx, 3, 2*time.Second, func() error {
		return rest.GetJSON(ctx, p.client, p.restURL+"/fapi/v1/exchangeInfo", &info)
	})
	if err != nil {
		return err
	}

	eligible := make(map[string]struct{}, len(info.Symbols))
	for _, s := range info.Symbols {
		if !strings.HasSuffix(s.Symbol, "USDT") || s.Status != "TRADING" || s.ContractType != "PERPETUAL" {
			continue
		}
		eligible[s.Symbol] = struct{}{}
	}

	var stats []dayStats
	err = rest.Do(ctx, 3, 2*time.Second, func() error {
		return rest.GetJSON(ctx, p.client, p.restURL+"/fapi/v1/ticker/24hr", &stats)
	})
	if err != nil {
		return err
	}
	symbols := rankByTurnover(eligible, stats, p.topN)

	n := 0
	for _, sym := range symbols {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		var oi openInterestResp
		url := p.restURL + "/fapi/v1/openInterest?symbol=" + sym
		if err := rest.GetJSON(ctx, p.client, url, &oi); err != nil {
			// Per-symbol failures are skipped, the rest of the batch proceeds.
			continue
		}
		v, err := strconv.ParseFloat(oi.OpenInterest, 64)
		if err != nil || v <= 0 {
			continue
		}
		ts := oi.Time
		if ts == 0 {
			ts = time.Now().UnixMilli()
		}
		p.bus.OpenInterest <- port.OpenInterestEvent{
			Exchange:  application.ExchangeBinance,
			Symbol:    oi.Symbol,
			Value:     v,
			BaseAsset: true,
			Ts:        ts,
		}
		n++
	}
	log.Debug().Str("feed", application.ExchangeBinance).Int("count", n).Msg("open interest fetched")
	return nil
}

package hyperliquid

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"coinpulse/internal/application"
	"coinpulse/internal/application/port"
	"coinpulse/internal/infrastructure/rest"

	"github.com/rs/zerolog/log"
)

const restPollInterval = 1 * time.Minute

// Poller hits the info endpoint for the perp universe and its asset
// contexts: funding, base-asset open interest, mark price and volume.
type Poller struct {
	restURL string
	client  *http.Client
	dir     *Directory
	bus     *port.Bus
}

func NewPoller(restURL string, dir *Directory, bus *port.Bus) *Poller {
	return &Poller{
		restURL: restURL,
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

type infoRequest struct {
	Type string `json:"type"`
}

type metaUniverse struct {
	Universe []struct {
		Name string `json:"name"`
	} `json:"universe"`
}

type assetCtx struct {
	Funding      string `json:"funding"`
	OpenInterest string `json:"openInterest"`
	DayNtlVlm    string `json:"dayNtlVlm"`
	MarkPx       string `json:"markPx"`
}

// metaAndAssetCtxs responds with a 2-element array: [meta, assetCtxs],
// index-aligned with meta.universe.
func (p *Poller) pollOnce(ctx context.Context) {
	var raw []json.RawMessage
	err := rest.Do(ctx, 3, 2*time.Second, func() error {
		return rest.PostJSON(ctx, p.client, p.restURL+"/info", infoRequest{Type: "metaAndAssetCtxs"}, &raw)
	})
	if err != nil {
		log.Error().Str("feed", application.ExchangeHyperliquid).Err(err).Msg("info poll failed")
		return
	}
	if len(raw) < 2 {
		log.Error().Str("feed", application.ExchangeHyperliquid).Msg("malformed metaAndAssetCtxs response")
		return
	}

	var meta metaUniverse
	var ctxs []assetCtx
	if err := json.Unmarshal(raw[0], &meta); err != nil {
		log.Error().Str("feed", application.ExchangeHyperliquid).Err(err).Msg("meta decode failed")
		return
	}
	if err := json.Unmarshal(raw[1], &ctxs); err != nil {
		log.Error().Str("feed", application.ExchangeHyperliquid).Err(err).Msg("asset ctx decode failed")
		return
	}

	coins := make([]string, 0, len(meta.Universe))
	for _, u := range meta.Universe {
		coins = append(coins, u.Name)
	}
	p.dir.update(coins)

	now := time.Now().UnixMilli()
	n := 0
	for i, c := range ctxs {
		if i >= len(coins) {
			break
		}
		coin := coins[i]

		if fr, err := strconv.ParseFloat(c.Funding, 64); err == nil && c.Funding != "" {
			p.bus.Funding <- port.FundingEvent{
				Exchange: application.ExchangeHyperliquid,
				Symbol:   coin,
				Rate:     fr,
				Ts:       now,
			}
		}
		if oi, err := strconv.ParseFloat(c.OpenInterest, 64); err == nil && oi > 0 {
			p.bus.OpenInterest <- port.OpenInterestEvent{
				Exchange:  application.ExchangeHyperliquid,
				Symbol:    coin,
				Value:     oi,
				BaseAsset: true,
				Ts:        now,
			}
		}
		// Mark price and notional volume ride a ticker event.
		if px, err := strconv.ParseFloat(c.MarkPx, 64); err == nil && px > 0 {
			vol, _ := strconv.ParseFloat(c.DayNtlVlm, 64)
			p.bus.Tickers <- port.TickerEvent{
				Exchange:  application.ExchangeHyperliquid,
				Market:    application.MarketFutures,
				Symbol:    coin,
				Price:     px,
				VolumeUSD: vol,
				Ts:        now,
			}
		}
		n++
	}
	log.Debug().Str("feed", application.ExchangeHyperliquid).Int("count", n).Msg("asset contexts fetched")
}

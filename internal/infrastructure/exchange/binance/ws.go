// Package binance streams the exchange-wide 24h ticker arrays for spot and
// USDT-margined futures and polls the futures REST API for funding rates
// and per-symbol open interest.
package binance

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"coinpulse/internal/application"
	"coinpulse/internal/application/port"
	"coinpulse/internal/infrastructure/exchange"

	"github.com/rs/zerolog/log"
)

const reconnectDelay = 5 * time.Second

// TickerFeed consumes one !ticker@arr stream (spot or futures).
type TickerFeed struct {
	wsURL  string
	market string
	bus    *port.Bus
}

func NewSpotTickerFeed(wsURL string, bus *port.Bus) *TickerFeed {
	return &TickerFeed{wsURL: strings.TrimSpace(wsURL), market: application.MarketSpot, bus: bus}
}

func NewFuturesTickerFeed(wsURL string, bus *port.Bus) *TickerFeed {
	return &TickerFeed{wsURL: strings.TrimSpace(wsURL), market: application.MarketFutures, bus: bus}
}

func (f *TickerFeed) Name() string { return application.ExchangeBinance }

// raw 24hrTicker array element, string-encoded numbers.
type rawTicker struct {
	Event  string `json:"e"`
	Symbol string `json:"s"`
	Close  string `json:"c"`
	Pct    string `json:"P"`
	High   string `json:"h"`
	Low    string `json:"l"`
	Volume string `json:"v"` // base asset units
	Ts     int64  `json:"E"`
}

// Run keeps the stream alive until ctx is cancelled. Reconnects use a
// fixed delay; a single loop means at most one pending attempt.
func (f *TickerFeed) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		log.Info().Str("feed", f.Name()).Str("market", f.market).Str("url", f.wsURL).Msg("ws connecting")
		conn, err := exchange.Dial(ctx, f.wsURL)
		if err != nil {
			log.Error().Str("feed", f.Name()).Str("market", f.market).Err(err).Msg("ws dial failed")
			if !sleepCtx(ctx, reconnectDelay) {
				return
			}
			continue
		}
		log.Info().Str("feed", f.Name()).Str("market", f.market).Msg("ws connected")
		f.bus.PushStatus(port.StatusEvent{
			Exchange: f.Name(), Market: f.market, Connected: true, Ts: time.Now().UnixMilli(),
		})

		err = exchange.ReadLoop(ctx, conn, exchange.ReadLoopOpts{}, f.handleMessage)
		_ = conn.Close()
		f.bus.PushStatus(port.StatusEvent{
			Exchange: f.Name(), Market: f.market, Reason: exchange.Reason(err), Ts: time.Now().UnixMilli(),
		})

		if ctx.Err() != nil {
			return
		}
		log.Warn().Str("feed", f.Name()).Str("market", f.market).Err(err).Msg("ws disconnected, reconnecting")
		if !sleepCtx(ctx, reconnectDelay) {
			return
		}
	}
}

func (f *TickerFeed) handleMessage(b []byte) {
	var items []rawTicker
	if err := json.Unmarshal(b, &items); err != nil {
		log.Debug().Str("feed", f.Name()).Err(err).Msg("non-ticker frame dropped")
		return
	}
	now := time.Now().UnixMilli()
	for _, it := range items {
		if it.Event != "24hrTicker" || !strings.HasSuffix(it.Symbol, "USDT") {
			continue
		}
		px, err := strconv.ParseFloat(it.Close, 64)
		if err != nil || px <= 0 {
			continue
		}
		pct, _ := strconv.ParseFloat(it.Pct, 64)
		high, _ := strconv.ParseFloat(it.High, 64)
		low, _ := strconv.ParseFloat(it.Low, 64)
		vol, _ := strconv.ParseFloat(it.Volume, 64)

		ts := it.Ts
		if ts == 0 {
			ts = now
		}
		f.bus.Tickers <- port.TickerEvent{
			Exchange:  f.Name(),
			Market:    f.market,
			Symbol:    it.Symbol,
			Price:     px,
			ChangePct: pct,
			High24h:   high,
			Low24h:    low,
			VolumeUSD: vol * px,
			Ts:        ts,
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

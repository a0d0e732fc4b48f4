// Package hyperliquid streams trades and mid prices over a single
// websocket and polls metaAndAssetCtxs for funding, open interest and
// volume. Coins use the venue's names ("BTC", "kPEPE"); the k prefix marks
// a 1000x denominated listing.
package hyperliquid

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"coinpulse/internal/application"
	"coinpulse/internal/application/port"
	"coinpulse/internal/infrastructure/exchange"

	"github.com/rs/zerolog/log"
)

const (
	pingInterval     = 50 * time.Second
	reconnectBase    = 5 * time.Second
	maxReconnectExp  = 4 // caps backoff at base * 2^4 = 80s
	maxReconnectTrys = 10
)

var pingPayload = []byte(`{"method":"ping"}`)

// CanonicalCoin maps a venue coin name to the canonical symbol.
func CanonicalCoin(coin string) string {
	if strings.HasPrefix(coin, "k") && len(coin) > 1 {
		return strings.ToUpper(coin[1:])
	}
	return strings.ToUpper(coin)
}

// Directory maps canonical symbols back to venue coin names, fed from the
// REST meta universe.
type Directory struct {
	mu          sync.RWMutex
	byCanonical map[string]string
}

func NewDirectory() *Directory {
	return &Directory{byCanonical: make(map[string]string)}
}

func (d *Directory) update(coins []string) {
	m := make(map[string]string, len(coins))
	for _, c := range coins {
		if _, dup := m[CanonicalCoin(c)]; !dup {
			m[CanonicalCoin(c)] = c
		}
	}
	d.mu.Lock()
	d.byCanonical = m
	d.mu.Unlock()
}

func (d *Directory) nativeFor(universe []string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(universe))
	for _, canon := range universe {
		if native, ok := d.byCanonical[canon]; ok {
			out = append(out, native)
		}
	}
	return out
}

// Feed is the single websocket connection: an allMids subscription plus a
// trades subscription per tracked coin.
type Feed struct {
	wsURL string
	dir   *Directory
	bus   *port.Bus

	mu    sync.Mutex
	conn  *exchange.Conn
	coins []string // venue coin names currently subscribed for trades
}

func NewFeed(wsURL string, dir *Directory, bus *port.Bus) *Feed {
	return &Feed{wsURL: strings.TrimSpace(wsURL), dir: dir, bus: bus}
}

func (f *Feed) Name() string { return application.ExchangeHyperliquid }

// Run drives the connection until ctx is cancelled or the venue stays
// unreachable for maxReconnectTrys attempts in a row, at which point the
// feed gives up for good.
func (f *Feed) Run(ctx context.Context, symbolCh <-chan []string) {
	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := exchange.Dial(ctx, f.wsURL)
		if err != nil {
			attempts++
			if attempts >= maxReconnectTrys {
				log.Error().Str("feed", f.Name()).Int("attempts", attempts).
					Msg("giving up on reconnection")
				return
			}
			delay := backoffDelay(attempts)
			log.Error().Str("feed", f.Name()).Err(err).Dur("retry_in", delay).Msg("ws dial failed")
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}
		attempts = 0

		f.mu.Lock()
		f.conn = conn
		coins := append([]string(nil), f.coins...)
		f.mu.Unlock()

		log.Info().Str("feed", f.Name()).Msg("ws connected")
		f.bus.PushStatus(port.StatusEvent{
			Exchange: f.Name(), Market: application.MarketFutures, Connected: true, Ts: time.Now().UnixMilli(),
		})
		f.subscribe(conn, "allMids", "")
		for _, coin := range coins {
			f.subscribe(conn, "trades", coin)
		}

		readErr := make(chan error, 1)
		readCtx, cancelRead := context.WithCancel(ctx)
		go func() {
			readErr <- exchange.ReadLoop(readCtx, conn, exchange.ReadLoopOpts{
				PingInterval: pingInterval,
				PingPayload:  pingPayload,
			}, f.handleMessage)
		}()

		err = f.serve(readCtx, symbolCh, readErr)
		cancelRead()

		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()
		_ = conn.Close()
		f.bus.PushStatus(port.StatusEvent{
			Exchange: f.Name(), Market: application.MarketFutures, Reason: exchange.Reason(err), Ts: time.Now().UnixMilli(),
		})

		if ctx.Err() != nil {
			return
		}
		attempts++
		if attempts >= maxReconnectTrys {
			log.Error().Str("feed", f.Name()).Int("attempts", attempts).
				Msg("giving up on reconnection")
			return
		}
		delay := backoffDelay(attempts)
		log.Warn().Str("feed", f.Name()).Err(err).Dur("retry_in", delay).Msg("ws disconnected, reconnecting")
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

// serve multiplexes universe updates with the read loop's lifetime.
func (f *Feed) serve(ctx context.Context, symbolCh <-chan []string, readErr <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case universe, ok := <-symbolCh:
			if !ok {
				return nil
			}
			f.applyUniverse(universe)
		}
	}
}

// applyUniverse subscribes trades for coins newly in the universe. Stale
// trade subscriptions are left in place until the next reconnect; the
// merge engine simply has fresher data than it needs.
func (f *Feed) applyUniverse(universe []string) {
	native := f.dir.nativeFor(universe)

	f.mu.Lock()
	have := make(map[string]struct{}, len(f.coins))
	for _, c := range f.coins {
		have[c] = struct{}{}
	}
	var added []string
	for _, c := range native {
		if _, ok := have[c]; !ok {
			added = append(added, c)
		}
	}
	f.coins = native
	conn := f.conn
	f.mu.Unlock()

	if conn == nil || len(added) == 0 {
		return
	}
	for _, coin := range added {
		f.subscribe(conn, "trades", coin)
	}
	log.Info().Str("feed", f.Name()).Int("added", len(added)).Msg("trade subscriptions updated")
}

type subscription struct {
	Type string `json:"type"`
	Coin string `json:"coin,omitempty"`
}

type wsRequest struct {
	Method       string       `json:"method"`
	Subscription subscription `json:"subscription"`
}

func (f *Feed) subscribe(conn *exchange.Conn, subType, coin string) {
	req := wsRequest{Method: "subscribe", Subscription: subscription{Type: subType, Coin: coin}}
	if err := conn.WriteJSON(req); err != nil {
		log.Error().Str("feed", f.Name()).Str("type", subType).Str("coin", coin).
			Err(err).Msg("subscribe failed")
	}
}

type wsEnvelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type allMidsData struct {
	Mids map[string]string `json:"mids"`
}

type tradeItem struct {
	Coin string `json:"coin"`
	Px   string `json:"px"`
	Time int64  `json:"time"`
}

func (f *Feed) handleMessage(b []byte) {
	// The server greets with a bare "Connection established" text frame.
	if len(b) > 0 && b[0] != '{' {
		return
	}
	var env wsEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		log.Debug().Str("feed", f.Name()).Err(err).Msg("frame dropped")
		return
	}

	switch env.Channel {
	case "pong", "subscriptionResponse":
		return
	case "allMids":
		var mids allMidsData
		if err := json.Unmarshal(env.Data, &mids); err != nil {
			return
		}
		now := time.Now().UnixMilli()
		for coin, pxs := range mids.Mids {
			// Spot index entries come through as "@<n>".
			if strings.HasPrefix(coin, "@") {
				continue
			}
			px, err := strconv.ParseFloat(pxs, 64)
			if err != nil || px <= 0 {
				continue
			}
			f.bus.MarkPrices <- port.MarkPriceEvent{
				Exchange: f.Name(),
				Symbol:   coin,
				Price:    px,
				Ts:       now,
			}
		}
	case "trades":
		var trades []tradeItem
		if err := json.Unmarshal(env.Data, &trades); err != nil {
			return
		}
		for _, tr := range trades {
			px, err := strconv.ParseFloat(tr.Px, 64)
			if err != nil || px <= 0 {
				continue
			}
			ts := tr.Time
			if ts == 0 {
				ts = time.Now().UnixMilli()
			}
			f.bus.Trades <- port.TradeEvent{
				Exchange: f.Name(),
				Symbol:   tr.Coin,
				Price:    px,
				Ts:       ts,
			}
		}
	}
}

func backoffDelay(attempt int) time.Duration {
	exp := attempt - 1
	if exp > maxReconnectExp {
		exp = maxReconnectExp
	}
	return reconnectBase * (1 << exp)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

package redis

import (
	"context"
	"encoding/json"
	"time"

	"coinpulse/internal/application/port"
	"coinpulse/internal/domain"

	"github.com/rs/zerolog/log"
)

const mirrorTTL = 48 * time.Hour

// WriteTickers mirrors merged tickers as JSON under one key per symbol,
// pipelined. Strictly write-mostly: the runtime read path never touches
// redis, only the warm start does.
func (r *Repo) WriteTickers(ctx context.Context, tickers []*domain.MergedTicker) error {
	if len(tickers) == 0 {
		return nil
	}
	pipe := r.rdb.Pipeline()
	for _, t := range tickers {
		b, err := json.Marshal(t)
		if err != nil {
			continue
		}
		pipe.Set(ctx, r.key("ticker", "processed", t.Symbol), b, mirrorTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// LoadTickers reads every mirrored ticker for the warm start. Records that
// fail to decode are skipped, not fatal.
func (r *Repo) LoadTickers(ctx context.Context) ([]*domain.MergedTicker, error) {
	keys, err := r.rdb.Keys(ctx, r.key("ticker", "processed", "*")).Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*domain.MergedTicker, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var t domain.MergedTicker
		if err := json.Unmarshal([]byte(s), &t); err != nil {
			log.Warn().Str("key", keys[i]).Err(err).Msg("mirrored ticker decode failed")
			continue
		}
		out = append(out, &t)
	}
	return out, nil
}

var _ port.TickerMirror = (*Repo)(nil)

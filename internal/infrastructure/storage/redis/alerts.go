package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"coinpulse/internal/application/port"
	"coinpulse/internal/domain"

	"github.com/redis/go-redis/v9"
)

// Key layout:
//
//	alert:{id}              alert record (JSON)
//	alerts:user:{uid}       set of alert ids
//	alerts:active:{SYM}     set of alert ids with an active alert on SYM
//	alerts:triggered:{uid}  list of triggered alert records, newest first
//	alerts:count:user:{uid} active alert count
//	user:tier:{uid}         tier string
const triggeredKeep = 100

func (r *Repo) alertKey(id string) string         { return r.key("alert", id) }
func (r *Repo) userAlertsKey(uid string) string   { return r.key("alerts", "user", uid) }
func (r *Repo) symbolAlertsKey(sym string) string { return r.key("alerts", "active", sym) }
func (r *Repo) triggeredKey(uid string) string    { return r.key("alerts", "triggered", uid) }
func (r *Repo) alertCountKey(uid string) string   { return r.key("alerts", "count", "user", uid) }
func (r *Repo) tierKey(uid string) string         { return r.key("user", "tier", uid) }

func (r *Repo) SaveAlert(ctx context.Context, a *domain.Alert) error {
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	pipe := r.rdb.Pipeline()
	pipe.Set(ctx, r.alertKey(a.ID), b, 0)
	pipe.SAdd(ctx, r.userAlertsKey(a.UserID), a.ID)
	if a.IsActive {
		pipe.SAdd(ctx, r.symbolAlertsKey(a.Symbol), a.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Repo) GetAlert(ctx context.Context, id string) (*domain.Alert, error) {
	b, err := r.rdb.Get(ctx, r.alertKey(id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrAlertNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var a domain.Alert
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *Repo) DeleteAlert(ctx context.Context, a *domain.Alert) error {
	pipe := r.rdb.Pipeline()
	pipe.Del(ctx, r.alertKey(a.ID))
	pipe.SRem(ctx, r.userAlertsKey(a.UserID), a.ID)
	pipe.SRem(ctx, r.symbolAlertsKey(a.Symbol), a.ID)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Repo) ListUserAlerts(ctx context.Context, userID string) ([]*domain.Alert, error) {
	ids, err := r.rdb.SMembers(ctx, r.userAlertsKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	return r.fetchAlerts(ctx, ids)
}

func (r *Repo) ActiveAlertsForSymbol(ctx context.Context, symbol string) ([]*domain.Alert, error) {
	ids, err := r.rdb.SMembers(ctx, r.symbolAlertsKey(symbol)).Result()
	if err != nil {
		return nil, err
	}
	return r.fetchAlerts(ctx, ids)
}

func (r *Repo) fetchAlerts(ctx context.Context, ids []string) ([]*domain.Alert, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.alertKey(id)
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Alert, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue // id in the index but record gone
		}
		var a domain.Alert
		if err := json.Unmarshal([]byte(s), &a); err != nil {
			continue
		}
		out = append(out, &a)
	}
	return out, nil
}

// ActiveSymbols lists every symbol with at least one active alert by
// scanning the symbol index keys.
func (r *Repo) ActiveSymbols(ctx context.Context) ([]string, error) {
	pattern := r.symbolAlertsKey("*")
	keyPrefix := r.symbolAlertsKey("")
	keys, err := r.rdb.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, err
	}
	symbols := make([]string, 0, len(keys))
	for _, k := range keys {
		symbols = append(symbols, strings.TrimPrefix(k, keyPrefix))
	}
	return symbols, nil
}

func (r *Repo) RemoveFromSymbolIndex(ctx context.Context, symbol, id string) error {
	return r.rdb.SRem(ctx, r.symbolAlertsKey(symbol), id).Err()
}

func (r *Repo) PushTriggered(ctx context.Context, userID string, a *domain.Alert) error {
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	pipe := r.rdb.Pipeline()
	pipe.LPush(ctx, r.triggeredKey(userID), b)
	pipe.LTrim(ctx, r.triggeredKey(userID), 0, triggeredKeep-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Repo) TriggeredHistory(ctx context.Context, userID string, limit int64) ([]*domain.Alert, error) {
	if limit <= 0 {
		limit = triggeredKeep
	}
	vals, err := r.rdb.LRange(ctx, r.triggeredKey(userID), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Alert, 0, len(vals))
	for _, v := range vals {
		var a domain.Alert
		if err := json.Unmarshal([]byte(v), &a); err != nil {
			continue
		}
		out = append(out, &a)
	}
	return out, nil
}

func (r *Repo) UserAlertCount(ctx context.Context, userID string) (int64, error) {
	n, err := r.rdb.Get(ctx, r.alertCountKey(userID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func (r *Repo) IncrUserAlertCount(ctx context.Context, userID string, delta int64) error {
	n, err := r.rdb.IncrBy(ctx, r.alertCountKey(userID), delta).Result()
	if err != nil {
		return err
	}
	if n < 0 {
		return r.rdb.Set(ctx, r.alertCountKey(userID), 0, 0).Err()
	}
	return nil
}

func (r *Repo) UserTier(ctx context.Context, userID string) (domain.Tier, error) {
	s, err := r.rdb.Get(ctx, r.tierKey(userID)).Result()
	if err == redis.Nil {
		return domain.TierFree, nil
	}
	if err != nil {
		return domain.TierFree, err
	}
	return domain.Tier(strings.ToUpper(s)), nil
}

func (r *Repo) SetUserTier(ctx context.Context, userID string, tier domain.Tier) error {
	return r.rdb.Set(ctx, r.tierKey(userID), string(tier), 0).Err()
}

var _ port.AlertStore = (*Repo)(nil)

package service

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"coinpulse/internal/application/port"
	"coinpulse/internal/domain"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// TriggerEvent is emitted when an alert fires.
type TriggerEvent struct {
	Alert domain.Alert
	Value float64
	Ts    int64
}

// AlertService owns the alert lifecycle: creation with tier enforcement,
// evaluation against each published snapshot, trigger handling, and the
// archive sync. The redis index is authoritative at runtime; postgres is
// the durable record.
type AlertService struct {
	cache   *Cache
	store   port.AlertStore
	archive port.AlertArchive

	triggers chan TriggerEvent

	evaluated atomic.Int64 // alerts checked on the last pass
	fired     atomic.Int64 // total triggers since start
}

func NewAlertService(cache *Cache, store port.AlertStore, archive port.AlertArchive) *AlertService {
	return &AlertService{
		cache:    cache,
		store:    store,
		archive:  archive,
		triggers: make(chan TriggerEvent, 256),
	}
}

// Triggers is the fire-and-forget trigger feed; events are dropped when
// the consumer lags.
func (s *AlertService) Triggers() <-chan TriggerEvent { return s.triggers }

// SyncFromArchive rebuilds the redis index from the durable store. Run at
// startup so alerts survive a cold cache.
func (s *AlertService) SyncFromArchive(ctx context.Context) error {
	if s.archive == nil {
		return nil
	}
	alerts, err := s.archive.LoadActiveAlerts(ctx)
	if err != nil {
		return err
	}
	n := 0
	for _, a := range alerts {
		domain.NormalizeAlertShape(a)
		if err := s.store.SaveAlert(ctx, a); err != nil {
			log.Error().Str("alert", a.ID).Err(err).Msg("alert index rebuild failed")
			continue
		}
		n++
	}
	log.Info().Int("alerts", n).Msg("alert index synced from archive")
	return nil
}

// Create validates, enforces the user's tier, persists, and evaluates the
// new alert against the current snapshot so an already-satisfied condition
// fires immediately instead of waiting a tick.
func (s *AlertService) Create(ctx context.Context, a *domain.Alert) (*domain.Alert, error) {
	domain.NormalizeAlertShape(a)
	a.Symbol = strings.ToUpper(strings.TrimSpace(a.Symbol))
	if err := a.Validate(); err != nil {
		return nil, err
	}

	tier, err := s.store.UserTier(ctx, a.UserID)
	if err != nil {
		return nil, err
	}
	count, err := s.store.UserAlertCount(ctx, a.UserID)
	if err != nil {
		return nil, err
	}
	if err := domain.CheckTier(tier, count, a); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.IsActive = true
	a.Triggered = false
	a.TriggerCount = 0
	a.CreatedAt = now
	a.UpdatedAt = now

	if err := s.store.SaveAlert(ctx, a); err != nil {
		return nil, err
	}
	if err := s.store.IncrUserAlertCount(ctx, a.UserID, 1); err != nil {
		log.Warn().Str("user", a.UserID).Err(err).Msg("alert count bump failed")
	}
	if s.archive != nil {
		if err := s.archive.InsertAlert(ctx, a); err != nil {
			log.Error().Str("alert", a.ID).Err(err).Msg("alert archive insert failed")
		}
	}

	// Instant evaluation against the live ticker.
	if t, ok := s.cache.Get(a.Symbol); ok {
		f := t.Flatten()
		if a.ShouldTrigger(f) {
			s.trigger(ctx, a, f)
		}
	}
	return a, nil
}

func (s *AlertService) Get(ctx context.Context, id string) (*domain.Alert, error) {
	return s.store.GetAlert(ctx, id)
}

func (s *AlertService) ListByUser(ctx context.Context, userID string) ([]*domain.Alert, error) {
	return s.store.ListUserAlerts(ctx, userID)
}

// Update rewrites a user's alert in place. Ownership is checked against
// the stored record, not the request.
func (s *AlertService) Update(ctx context.Context, a *domain.Alert) (*domain.Alert, error) {
	cur, err := s.store.GetAlert(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	if cur.UserID != a.UserID {
		return nil, domain.ErrAlertNotFound
	}
	domain.NormalizeAlertShape(a)
	a.Symbol = strings.ToUpper(strings.TrimSpace(a.Symbol))
	if err := a.Validate(); err != nil {
		return nil, err
	}

	// The entry under the old symbol goes stale when the alert moves or is
	// switched off; SaveAlert only ever adds to the index.
	if cur.Symbol != a.Symbol || !a.IsActive {
		if err := s.store.RemoveFromSymbolIndex(ctx, cur.Symbol, cur.ID); err != nil {
			log.Warn().Str("alert", cur.ID).Err(err).Msg("stale symbol index entry")
		}
	}

	a.CreatedAt = cur.CreatedAt
	a.TriggerCount = cur.TriggerCount
	a.UpdatedAt = time.Now().UnixMilli()
	if err := s.store.SaveAlert(ctx, a); err != nil {
		return nil, err
	}
	if cur.IsActive != a.IsActive {
		delta := int64(-1)
		if a.IsActive {
			delta = 1
		}
		if err := s.store.IncrUserAlertCount(ctx, a.UserID, delta); err != nil {
			log.Warn().Str("user", a.UserID).Err(err).Msg("alert count adjust failed")
		}
	}
	if s.archive != nil {
		if err := s.archive.UpdateAlert(ctx, a); err != nil {
			log.Error().Str("alert", a.ID).Err(err).Msg("alert archive update failed")
		}
	}
	return a, nil
}

// Delete removes the alert and all its index entries.
func (s *AlertService) Delete(ctx context.Context, userID, id string) error {
	a, err := s.store.GetAlert(ctx, id)
	if err != nil {
		return err
	}
	if a.UserID != userID {
		return domain.ErrAlertNotFound
	}
	if err := s.store.DeleteAlert(ctx, a); err != nil {
		return err
	}
	if a.IsActive {
		if err := s.store.IncrUserAlertCount(ctx, userID, -1); err != nil {
			log.Warn().Str("user", userID).Err(err).Msg("alert count decrement failed")
		}
	}
	if s.archive != nil {
		a.IsActive = false
		a.UpdatedAt = time.Now().UnixMilli()
		if err := s.archive.UpdateAlert(ctx, a); err != nil {
			log.Error().Str("alert", id).Err(err).Msg("alert archive update failed")
		}
	}
	return nil
}

func (s *AlertService) TriggeredHistory(ctx context.Context, userID string, limit int64) ([]*domain.Alert, error) {
	return s.store.TriggeredHistory(ctx, userID, limit)
}

type AlertStats struct {
	ActiveSymbols int   `json:"activeSymbols"`
	LastEvaluated int64 `json:"lastEvaluated"`
	TotalFired    int64 `json:"totalFired"`
}

func (s *AlertService) Stats(ctx context.Context) (AlertStats, error) {
	symbols, err := s.store.ActiveSymbols(ctx)
	if err != nil {
		return AlertStats{}, err
	}
	return AlertStats{
		ActiveSymbols: len(symbols),
		LastEvaluated: s.evaluated.Load(),
		TotalFired:    s.fired.Load(),
	}, nil
}

// Run evaluates alerts on every published snapshot until ctx ends.
func (s *AlertService) Run(ctx context.Context, broadcasts <-chan Broadcast) {
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-broadcasts:
			if !ok {
				return
			}
			s.evaluateSnapshot(ctx, b)
		}
	}
}

// evaluateSnapshot restricts the snapshot to symbols that actually have
// active alerts and checks each symbol concurrently. One misbehaving
// alert only loses its own evaluation.
func (s *AlertService) evaluateSnapshot(ctx context.Context, b Broadcast) {
	active, err := s.store.ActiveSymbols(ctx)
	if err != nil {
		log.Error().Err(err).Msg("active symbol scan failed")
		return
	}
	if len(active) == 0 {
		s.evaluated.Store(0)
		return
	}

	bySymbol := make(map[string]domain.FlatTicker, len(b.Tickers))
	for _, f := range b.Tickers {
		bySymbol[f.Symbol] = f
	}

	var checked atomic.Int64
	var wg sync.WaitGroup
	for _, sym := range active {
		f, ok := bySymbol[sym]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(sym string, f domain.FlatTicker) {
			defer wg.Done()
			alerts, err := s.store.ActiveAlertsForSymbol(ctx, sym)
			if err != nil {
				log.Error().Str("symbol", sym).Err(err).Msg("alert fetch failed")
				return
			}
			for _, a := range alerts {
				checked.Add(1)
				if !a.IsActive {
					continue
				}
				if a.ShouldTrigger(f) {
					s.trigger(ctx, a, f)
				}
			}
		}(sym, f)
	}
	wg.Wait()
	s.evaluated.Store(checked.Load())
}

// trigger marks the alert fired and tears down or rearms it depending on
// persistence. Archive and history writes are best-effort.
func (s *AlertService) trigger(ctx context.Context, a *domain.Alert, f domain.FlatTicker) {
	now := time.Now().UnixMilli()
	value, _ := a.Value(f)

	a.Triggered = true
	a.TriggeredAt = now
	a.UpdatedAt = now
	a.TriggerCount++
	a.IsActive = a.IsPersistent

	if err := s.store.SaveAlert(ctx, a); err != nil {
		log.Error().Str("alert", a.ID).Err(err).Msg("trigger persist failed")
		return
	}
	if !a.IsPersistent {
		if err := s.store.RemoveFromSymbolIndex(ctx, a.Symbol, a.ID); err != nil {
			log.Warn().Str("alert", a.ID).Err(err).Msg("symbol index cleanup failed")
		}
		if err := s.store.IncrUserAlertCount(ctx, a.UserID, -1); err != nil {
			log.Warn().Str("user", a.UserID).Err(err).Msg("alert count decrement failed")
		}
	}
	if err := s.store.PushTriggered(ctx, a.UserID, a); err != nil {
		log.Warn().Str("alert", a.ID).Err(err).Msg("triggered history push failed")
	}
	if s.archive != nil {
		if err := s.archive.UpdateAlert(ctx, a); err != nil {
			log.Error().Str("alert", a.ID).Err(err).Msg("alert archive update failed")
		}
	}

	s.fired.Add(1)
	select {
	case s.triggers <- TriggerEvent{Alert: *a, Value: value, Ts: now}:
	default:
		log.Warn().Str("alert", a.ID).Msg("trigger feed full, event dropped")
	}

	log.Info().
		Str("alert", a.ID).Str("user", a.UserID).Str("symbol", a.Symbol).
		Str("kind", string(a.Kind)).Str("condition", string(a.Condition)).
		Float64("target", a.Target).Float64("value", value).
		Bool("persistent", a.IsPersistent).
		Msg("alert triggered")
}

// Package postgres is the durable alert archive behind the redis index.
// Alerts are inserted on creation, updated in place on trigger/edit, and
// the active set is loaded back into the index at startup.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"coinpulse/internal/application/port"
	"coinpulse/internal/domain"
)

type Repo struct {
	db *sql.DB
}

func New(dsn string) (*Repo, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	r := &Repo{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS alerts (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  symbol TEXT NOT NULL,
  kind TEXT NOT NULL,
  condition TEXT NOT NULL,
  target DOUBLE PRECISION NOT NULL,
  is_persistent BOOLEAN NOT NULL DEFAULT FALSE,
  is_active BOOLEAN NOT NULL DEFAULT TRUE,
  triggered BOOLEAN NOT NULL DEFAULT FALSE,
  notify_via TEXT NOT NULL DEFAULT '[]',
  trigger_count INTEGER NOT NULL DEFAULT 0,
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL,
  triggered_at BIGINT
);
CREATE INDEX IF NOT EXISTS idx_alerts_user ON alerts(user_id);
CREATE INDEX IF NOT EXISTS idx_alerts_active ON alerts(is_active) WHERE is_active;
`)
	return err
}

func (r *Repo) InsertAlert(ctx context.Context, a *domain.Alert) error {
	notify, err := json.Marshal(a.NotifyVia)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO alerts (id, user_id, symbol, kind, condition, target, is_persistent,
  is_active, triggered, notify_via, trigger_count, created_at, updated_at, triggered_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		a.ID, a.UserID, a.Symbol, string(a.Kind), string(a.Condition), a.Target,
		a.IsPersistent, a.IsActive, a.Triggered, string(notify), a.TriggerCount,
		a.CreatedAt, a.UpdatedAt, nullableTs(a.TriggeredAt))
	if err != nil {
		return fmt.Errorf("insert alert %s: %w", a.ID, err)
	}
	return nil
}

func (r *Repo) UpdateAlert(ctx context.Context, a *domain.Alert) error {
	notify, err := json.Marshal(a.NotifyVia)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE alerts SET symbol=$2, kind=$3, condition=$4, target=$5, is_persistent=$6,
  is_active=$7, triggered=$8, notify_via=$9, trigger_count=$10, updated_at=$11,
  triggered_at=$12
WHERE id=$1`,
		a.ID, a.Symbol, string(a.Kind), string(a.Condition), a.Target,
		a.IsPersistent, a.IsActive, a.Triggered, string(notify), a.TriggerCount,
		a.UpdatedAt, nullableTs(a.TriggeredAt))
	if err != nil {
		return fmt.Errorf("update alert %s: %w", a.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrAlertNotFound, a.ID)
	}
	return nil
}

func (r *Repo) LoadActiveAlerts(ctx context.Context) ([]*domain.Alert, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, user_id, symbol, kind, condition, target, is_persistent, is_active,
  triggered, notify_via, trigger_count, created_at, updated_at, triggered_at
FROM alerts WHERE is_active`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Alert
	for rows.Next() {
		var a domain.Alert
		var kind, cond, notify string
		var triggeredAt sql.NullInt64
		if err := rows.Scan(&a.ID, &a.UserID, &a.Symbol, &kind, &cond, &a.Target,
			&a.IsPersistent, &a.IsActive, &a.Triggered, &notify, &a.TriggerCount,
			&a.CreatedAt, &a.UpdatedAt, &triggeredAt); err != nil {
			return nil, err
		}
		a.Kind = domain.AlertKind(kind)
		a.Condition = domain.AlertCondition(cond)
		a.TriggeredAt = triggeredAt.Int64
		_ = json.Unmarshal([]byte(notify), &a.NotifyVia)
		out = append(out, &a)
	}
	return out, rows.Err()
}

func nullableTs(ts int64) sql.NullInt64 {
	return sql.NullInt64{Int64: ts, Valid: ts != 0}
}

var _ port.AlertArchive = (*Repo)(nil)

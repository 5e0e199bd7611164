package hub

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const alarmSchema = `
CREATE TABLE IF NOT EXISTS hub_idle_alarms (
	board_id TEXT PRIMARY KEY,
	fire_at  TIMESTAMPTZ NOT NULL
)`

// PostgresAlarmStore persists idle-cleanup deadlines so hubs that hibernate
// between messages can re-arm their timers after a restart.
type PostgresAlarmStore struct {
	pool *pgxpool.Pool
}

// NewPostgresAlarmStore connects and ensures the alarm table exists.
func NewPostgresAlarmStore(ctx context.Context, dsn string) (*PostgresAlarmStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, alarmSchema); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresAlarmStore{pool: pool}, nil
}

func (s *PostgresAlarmStore) Schedule(ctx context.Context, boardID string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO hub_idle_alarms (board_id, fire_at) VALUES ($1, $2)
		 ON CONFLICT (board_id) DO UPDATE SET fire_at = EXCLUDED.fire_at`,
		boardID, at)
	return err
}

func (s *PostgresAlarmStore) Clear(ctx context.Context, boardID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM hub_idle_alarms WHERE board_id = $1`, boardID)
	return err
}

func (s *PostgresAlarmStore) Pending(ctx context.Context, boardID string) (time.Time, bool, error) {
	var at time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT fire_at FROM hub_idle_alarms WHERE board_id = $1`, boardID).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return at, true, nil
}

func (s *PostgresAlarmStore) Close() {
	s.pool.Close()
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"

	"storenotify/internal/eventbus"
	logx "storenotify/pkg/logx"
)

type dialect string

const (
	dialectSQLite   dialect = "sqlite"
	dialectPostgres dialect = "postgres"
)

// SQLStore implements every persistence port of the engine.
// Queries are written with '?' placeholders and rebound per driver.
type SQLStore struct {
	db      *sqlx.DB
	dialect dialect
	pool    *pgxpool.Pool // postgres only
	bus     eventbus.Bus
	log     logx.Logger
	closed  atomic.Bool

	now func() time.Time
}

func newSQLStore(db *sqlx.DB, d dialect, pool *pgxpool.Pool, cfg Config) *SQLStore {
	return &SQLStore{db: db, dialect: d, pool: pool, bus: cfg.Bus, log: cfg.Log, now: time.Now}
}

// Pool returns the pgx pool (nil for sqlite).
func (s *SQLStore) Pool() *pgxpool.Pool { return s.pool }

func (s *SQLStore) Driver() string { return string(s.dialect) }

// Ping checks backend reachability.
func (s *SQLStore) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.db.Close()
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

func (s *SQLStore) q(query string) string { return s.db.Rebind(query) }

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.db.ExecContext(ctx, s.q(query), args...)
}

func (s *SQLStore) get(ctx context.Context, dest any, query string, args ...any) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	err := s.db.GetContext(ctx, dest, s.q(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLStore) selectRows(ctx context.Context, dest any, query string, args ...any) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.SelectContext(ctx, dest, s.q(query), args...)
}

// publishChange emits a change on the bus for the in-process change feed.
func (s *SQLStore) publishChange(table, op string, newRow, oldRow any) {
	if s.bus == nil {
		return
	}
	c := Change{Table: table, Op: op}
	if newRow != nil {
		c.New, _ = json.Marshal(newRow)
	}
	if oldRow != nil {
		c.Old, _ = json.Marshal(oldRow)
	}
	s.bus.Publish(eventbus.Event{Type: ChangeEventType(table, op), Data: c})
}

func newID() string { return uuid.NewString() }

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullStr(v *string) any {
	if v == nil || strings.TrimSpace(*v) == "" {
		return nil
	}
	return *v
}

func affected(res sql.Result) bool {
	if res == nil {
		return false
	}
	n, err := res.RowsAffected()
	return err == nil && n > 0
}

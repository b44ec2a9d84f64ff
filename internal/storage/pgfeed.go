package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "storenotify/pkg/logx"
)

// PGChannel is the NOTIFY channel fed by the change triggers.
const PGChannel = "storenotify_changes"

// PGFeed listens to trigger-driven NOTIFY payloads. Each subscription holds
// one pooled connection for its lifetime.
type PGFeed struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func NewPGFeed(pool *pgxpool.Pool, log logx.Logger) *PGFeed {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &PGFeed{pool: pool, log: log}
}

func (f *PGFeed) Open(ctx context.Context, filter Filter) (FeedSubscription, error) {
	if f == nil || f.pool == nil {
		return nil, errors.New("pg feed: no pool")
	}
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("pg feed acquire: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{PGChannel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("pg feed listen: %w", err)
	}

	sub := newFeedSub(64)
	lctx, cancel := context.WithCancel(ctx)
	sub.stop = cancel

	go func() {
		defer func() {
			// A canceled wait leaves the conn unusable; never return a LISTENing conn to the pool.
			cctx, ccancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = conn.Conn().Close(cctx)
			ccancel()
			conn.Release()
		}()

		for {
			n, err := conn.Conn().WaitForNotification(lctx)
			if err != nil {
				if lctx.Err() != nil {
					sub.finish(nil)
				} else {
					sub.finish(fmt.Errorf("pg feed wait: %w", err))
				}
				return
			}
			var c Change
			if err := json.Unmarshal([]byte(n.Payload), &c); err != nil {
				f.log.Warn("pg feed: malformed payload dropped", logx.Err(err))
				continue
			}
			if !filter.Match(c) {
				continue
			}
			if !sub.deliver(lctx, c) {
				sub.finish(nil)
				return
			}
		}
	}()
	return sub, nil
}

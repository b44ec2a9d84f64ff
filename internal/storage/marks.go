package storage

import (
	"context"
	"time"
)

// PutMark records that key is claimed until the given time.
func (s *SQLStore) PutMark(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.exec(ctx,
		`INSERT INTO alert_marks(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until = excluded.until`,
		key, toMillis(until),
	)
	return err
}

func (s *SQLStore) GetMark(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	ok, err := s.get(ctx, &ms, `SELECT until FROM alert_marks WHERE key = ?`, key)
	if !ok {
		return time.Time{}, false, err
	}
	return fromMillis(ms), true, nil
}

// PruneMarks drops marks that expired before now.
func (s *SQLStore) PruneMarks(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM alert_marks WHERE until < ?`, toMillis(now))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

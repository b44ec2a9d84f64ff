package storage

import (
	"context"
	"time"

	"storenotify/internal/model"
)

type recordRow struct {
	ID            string `db:"id"`
	UserID        string `db:"user_id"`
	Title         string `db:"title"`
	Message       string `db:"message"`
	Category      string `db:"category"`
	SourceChannel string `db:"source_channel"`
	IsRead        bool   `db:"is_read"`
	CreatedAt     int64  `db:"created_at"`
}

func (r recordRow) model() model.Record {
	return model.Record{
		ID:            r.ID,
		UserID:        r.UserID,
		Title:         r.Title,
		Message:       r.Message,
		Category:      r.Category,
		SourceChannel: model.SourceChannel(r.SourceChannel),
		IsRead:        r.IsRead,
		CreatedAt:     fromMillis(r.CreatedAt),
	}
}

const recordCols = `id, user_id, title, message, category, source_channel, is_read, created_at`

func (s *SQLStore) InsertRecord(ctx context.Context, r model.Record) (model.Record, error) {
	if r.ID == "" {
		r.ID = newID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	r.CreatedAt = r.CreatedAt.UTC().Truncate(time.Millisecond)
	_, err := s.exec(ctx,
		`INSERT INTO notification_history(`+recordCols+`) VALUES(?,?,?,?,?,?,?,?)`,
		r.ID, r.UserID, r.Title, r.Message, r.Category, string(r.SourceChannel), r.IsRead, toMillis(r.CreatedAt),
	)
	if err != nil {
		return model.Record{}, err
	}
	return r, nil
}

// ListRecords returns the user's history, newest first. limit <= 0 means 50.
func (s *SQLStore) ListRecords(ctx context.Context, userID string, limit int) ([]model.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []recordRow
	if err := s.selectRows(ctx, &rows,
		`SELECT `+recordCols+` FROM notification_history WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, limit); err != nil {
		return nil, err
	}
	out := make([]model.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

func (s *SQLStore) MarkRecordRead(ctx context.Context, id string) (bool, error) {
	res, err := s.exec(ctx, `UPDATE notification_history SET is_read = ? WHERE id = ?`, true, id)
	return affected(res), err
}

func (s *SQLStore) DeleteRecord(ctx context.Context, id string) (bool, error) {
	res, err := s.exec(ctx, `DELETE FROM notification_history WHERE id = ?`, id)
	return affected(res), err
}

func (s *SQLStore) RecordStats(ctx context.Context, userID string) (model.Stats, error) {
	var row struct {
		Total  int  `db:"total"`
		Unread *int `db:"unread"`
	}
	if _, err := s.get(ctx, &row,
		`SELECT COUNT(*) AS total, SUM(CASE WHEN is_read THEN 0 ELSE 1 END) AS unread
		 FROM notification_history WHERE user_id = ?`, userID); err != nil {
		return model.Stats{}, err
	}
	st := model.Stats{Total: row.Total}
	if row.Unread != nil {
		st.Unread = *row.Unread
	}
	return st, nil
}

// DeleteRecordsBefore removes history created before cutoff.
func (s *SQLStore) DeleteRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM notification_history WHERE created_at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// KnownUserIDs lists every user the engine has state for.
func (s *SQLStore) KnownUserIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.selectRows(ctx, &ids,
		`SELECT user_id FROM user_notification_preferences
		 UNION SELECT user_id FROM push_subscriptions
		 UNION SELECT user_id FROM platform_links
		 ORDER BY 1`)
	return ids, err
}

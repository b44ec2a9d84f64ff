package storage

import (
	"context"

	"storenotify/internal/model"
)

type preferenceRow struct {
	ID         string `db:"id"`
	UserID     string `db:"user_id"`
	CategoryID string `db:"category_id"`
	IsEnabled  bool   `db:"is_enabled"`
	UpdatedAt  int64  `db:"updated_at"`
}

func (r preferenceRow) model() model.Preference {
	return model.Preference{
		ID:         r.ID,
		UserID:     r.UserID,
		CategoryID: r.CategoryID,
		IsEnabled:  r.IsEnabled,
		UpdatedAt:  fromMillis(r.UpdatedAt),
	}
}

const preferenceCols = `id, user_id, category_id, is_enabled, updated_at`

func (s *SQLStore) GetPreference(ctx context.Context, userID, categoryID string) (model.Preference, bool, error) {
	var r preferenceRow
	ok, err := s.get(ctx, &r,
		`SELECT `+preferenceCols+` FROM user_notification_preferences WHERE user_id = ? AND category_id = ?`,
		userID, categoryID)
	if !ok {
		return model.Preference{}, false, err
	}
	return r.model(), true, nil
}

func (s *SQLStore) ListPreferences(ctx context.Context, userID string) ([]model.Preference, error) {
	var rows []preferenceRow
	if err := s.selectRows(ctx, &rows,
		`SELECT `+preferenceCols+` FROM user_notification_preferences WHERE user_id = ? ORDER BY category_id`,
		userID); err != nil {
		return nil, err
	}
	out := make([]model.Preference, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

// UpsertPreference writes the single (user, category) row.
func (s *SQLStore) UpsertPreference(ctx context.Context, p model.Preference) (model.Preference, error) {
	if p.ID == "" {
		p.ID = newID()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.now()
	}
	if _, err := s.exec(ctx,
		`INSERT INTO user_notification_preferences(`+preferenceCols+`) VALUES(?,?,?,?,?)
		 ON CONFLICT(user_id, category_id) DO UPDATE SET is_enabled = excluded.is_enabled, updated_at = excluded.updated_at`,
		p.ID, p.UserID, p.CategoryID, p.IsEnabled, toMillis(p.UpdatedAt),
	); err != nil {
		return model.Preference{}, err
	}
	got, ok, err := s.GetPreference(ctx, p.UserID, p.CategoryID)
	if err != nil || !ok {
		return p, err
	}
	return got, nil
}

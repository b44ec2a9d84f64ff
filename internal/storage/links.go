package storage

import (
	"context"

	"storenotify/internal/model"
)

type platformLinkRow struct {
	UserID     string `db:"user_id"`
	Permission string `db:"permission"`
	ChatID     int64  `db:"chat_id"`
	UpdatedAt  int64  `db:"updated_at"`
}

func (s *SQLStore) GetPlatformLink(ctx context.Context, userID string) (model.PlatformLink, bool, error) {
	var r platformLinkRow
	ok, err := s.get(ctx, &r, `SELECT user_id, permission, chat_id, updated_at FROM platform_links WHERE user_id = ?`, userID)
	if !ok {
		return model.PlatformLink{}, false, err
	}
	perm, valid := model.ParsePermission(r.Permission)
	if !valid {
		perm = model.PermissionDefault
	}
	return model.PlatformLink{UserID: r.UserID, Permission: perm, ChatID: r.ChatID, UpdatedAt: fromMillis(r.UpdatedAt)}, true, nil
}

func (s *SQLStore) UpsertPlatformLink(ctx context.Context, l model.PlatformLink) (model.PlatformLink, error) {
	if l.Permission == "" {
		l.Permission = model.PermissionDefault
	}
	l.UpdatedAt = s.now()
	_, err := s.exec(ctx,
		`INSERT INTO platform_links(user_id, permission, chat_id, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET permission = excluded.permission, chat_id = excluded.chat_id, updated_at = excluded.updated_at`,
		l.UserID, string(l.Permission), l.ChatID, toMillis(l.UpdatedAt),
	)
	if err != nil {
		return model.PlatformLink{}, err
	}
	return l, nil
}

package storage

import (
	"context"

	"storenotify/internal/model"
)

type subscriptionRow struct {
	ID        string  `db:"id"`
	UserID    string  `db:"user_id"`
	Endpoint  string  `db:"endpoint"`
	P256dh    string  `db:"p256dh"`
	Auth      string  `db:"auth"`
	Category  *string `db:"category"`
	IsActive  bool    `db:"is_active"`
	CreatedAt int64   `db:"created_at"`
	UpdatedAt int64   `db:"updated_at"`
}

func (r subscriptionRow) model() model.Subscription {
	return model.Subscription{
		ID:        r.ID,
		UserID:    r.UserID,
		Endpoint:  r.Endpoint,
		Keys:      model.SubscriptionKeys{P256dh: r.P256dh, Auth: r.Auth},
		Category:  r.Category,
		IsActive:  r.IsActive,
		CreatedAt: fromMillis(r.CreatedAt),
		UpdatedAt: fromMillis(r.UpdatedAt),
	}
}

const subscriptionCols = `id, user_id, endpoint, p256dh, auth, category, is_active, created_at, updated_at`

// UpsertSubscription registers an endpoint, reactivating and re-owning it when it exists.
func (s *SQLStore) UpsertSubscription(ctx context.Context, sub model.Subscription) (model.Subscription, error) {
	now := s.now()
	if sub.ID == "" {
		sub.ID = newID()
	}
	if _, err := s.exec(ctx,
		`INSERT INTO push_subscriptions(`+subscriptionCols+`) VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(endpoint) DO UPDATE SET
		   user_id = excluded.user_id,
		   p256dh = excluded.p256dh,
		   auth = excluded.auth,
		   category = excluded.category,
		   is_active = excluded.is_active,
		   updated_at = excluded.updated_at`,
		sub.ID, sub.UserID, sub.Endpoint, sub.Keys.P256dh, sub.Keys.Auth, nullStr(sub.Category), true, toMillis(now), toMillis(now),
	); err != nil {
		return model.Subscription{}, err
	}
	var r subscriptionRow
	ok, err := s.get(ctx, &r, `SELECT `+subscriptionCols+` FROM push_subscriptions WHERE endpoint = ?`, sub.Endpoint)
	if err != nil || !ok {
		return sub, err
	}
	return r.model(), nil
}

func (s *SQLStore) ActiveSubscriptions(ctx context.Context, userID string) ([]model.Subscription, error) {
	var rows []subscriptionRow
	if err := s.selectRows(ctx, &rows,
		`SELECT `+subscriptionCols+` FROM push_subscriptions WHERE user_id = ? AND is_active = ? ORDER BY created_at`,
		userID, true); err != nil {
		return nil, err
	}
	out := make([]model.Subscription, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

// DeactivateSubscription marks an endpoint dead (expired at the push service).
func (s *SQLStore) DeactivateSubscription(ctx context.Context, endpoint string) error {
	_, err := s.exec(ctx, `UPDATE push_subscriptions SET is_active = ?, updated_at = ? WHERE endpoint = ?`,
		false, toMillis(s.now()), endpoint)
	return err
}

func (s *SQLStore) DeleteSubscription(ctx context.Context, userID, endpoint string) (bool, error) {
	res, err := s.exec(ctx, `DELETE FROM push_subscriptions WHERE user_id = ? AND endpoint = ?`, userID, endpoint)
	return affected(res), err
}

// ActiveSubscriberIDs lists users holding an active subscription that covers
// category (subscriptions without a category cover all). An empty category
// lists every active subscriber.
func (s *SQLStore) ActiveSubscriberIDs(ctx context.Context, category string) ([]string, error) {
	query := `SELECT DISTINCT user_id FROM push_subscriptions WHERE is_active = ?`
	args := []any{true}
	if category != "" {
		query += ` AND (category IS NULL OR category = ?)`
		args = append(args, category)
	}
	query += ` ORDER BY user_id`
	var ids []string
	if err := s.selectRows(ctx, &ids, query, args...); err != nil {
		return nil, err
	}
	return ids, nil
}

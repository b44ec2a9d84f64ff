package storage

import (
	"context"

	"storenotify/internal/model"
)

type categoryRow struct {
	ID           string  `db:"id"`
	Name         string  `db:"name"`
	Description  string  `db:"description"`
	IsActive     bool    `db:"is_active"`
	ScopeStoreID *string `db:"scope_store_id"`
	CreatedAt    int64   `db:"created_at"`
}

func (r categoryRow) model() model.Category {
	return model.Category{
		ID:           r.ID,
		Name:         r.Name,
		Description:  r.Description,
		IsActive:     r.IsActive,
		ScopeStoreID: r.ScopeStoreID,
		CreatedAt:    fromMillis(r.CreatedAt),
	}
}

const categoryCols = `id, name, description, is_active, scope_store_id, created_at`

// ListCategories lists categories of one scope (nil = global), ordered by name.
func (s *SQLStore) ListCategories(ctx context.Context, scopeStoreID *string, activeOnly bool) ([]model.Category, error) {
	query := `SELECT ` + categoryCols + ` FROM notification_categories WHERE `
	var args []any
	if scopeStoreID == nil {
		query += `scope_store_id IS NULL`
	} else {
		query += `scope_store_id = ?`
		args = append(args, *scopeStoreID)
	}
	if activeOnly {
		query += ` AND is_active = ?`
		args = append(args, true)
	}
	query += ` ORDER BY name`

	var rows []categoryRow
	if err := s.selectRows(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]model.Category, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

func (s *SQLStore) GetCategory(ctx context.Context, id string) (model.Category, bool, error) {
	var r categoryRow
	ok, err := s.get(ctx, &r, `SELECT `+categoryCols+` FROM notification_categories WHERE id = ?`, id)
	if !ok {
		return model.Category{}, false, err
	}
	return r.model(), true, nil
}

// FindCategory looks a category up by (scope, name).
func (s *SQLStore) FindCategory(ctx context.Context, scopeStoreID *string, name string) (model.Category, bool, error) {
	var (
		r   categoryRow
		ok  bool
		err error
	)
	if scopeStoreID == nil {
		ok, err = s.get(ctx, &r, `SELECT `+categoryCols+` FROM notification_categories WHERE scope_store_id IS NULL AND name = ?`, name)
	} else {
		ok, err = s.get(ctx, &r, `SELECT `+categoryCols+` FROM notification_categories WHERE scope_store_id = ? AND name = ?`, *scopeStoreID, name)
	}
	if !ok {
		return model.Category{}, false, err
	}
	return r.model(), true, nil
}

// InsertCategoryIfAbsent creates c unless (scope, name) already exists.
// It returns the stored category and whether this call created it.
func (s *SQLStore) InsertCategoryIfAbsent(ctx context.Context, c model.Category) (model.Category, bool, error) {
	if c.ID == "" {
		c.ID = newID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	res, err := s.exec(ctx,
		`INSERT INTO notification_categories(`+categoryCols+`) VALUES(?,?,?,?,?,?)
		 ON CONFLICT DO NOTHING`,
		c.ID, c.Name, c.Description, c.IsActive, nullStr(c.ScopeStoreID), toMillis(c.CreatedAt),
	)
	if err != nil {
		return model.Category{}, false, err
	}
	created := affected(res)
	got, ok, err := s.FindCategory(ctx, c.ScopeStoreID, c.Name)
	if err != nil {
		return model.Category{}, created, err
	}
	if !ok {
		return c, created, nil
	}
	return got, created, nil
}

func (s *SQLStore) SetCategoryActive(ctx context.Context, id string, active bool) (bool, error) {
	res, err := s.exec(ctx, `UPDATE notification_categories SET is_active = ? WHERE id = ?`, active, id)
	return affected(res), err
}

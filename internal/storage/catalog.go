package storage

import (
	"context"
	"time"

	"storenotify/internal/model"
)

// The catalog and reservation tables belong to collaborating systems. The
// engine reads them; the writers here exist for those systems (and tests)
// and publish the resulting changes on the bus feed.

// ReservationRow is the reservations row as it appears in change payloads.
type ReservationRow struct {
	ID        string `db:"id" json:"id"`
	UserID    string `db:"user_id" json:"user_id"`
	ProductID string `db:"product_id" json:"product_id"`
	ExpiresAt int64  `db:"expires_at" json:"expires_at"`
	Status    string `db:"status" json:"status"`
}

func (r ReservationRow) Model() model.Reservation {
	return model.Reservation{ID: r.ID, UserID: r.UserID, ProductID: r.ProductID, ExpiresAt: fromMillis(r.ExpiresAt), Status: r.Status}
}

type productRow struct {
	ID            string  `db:"id"`
	StoreID       string  `db:"store_id"`
	CategoryID    string  `db:"category_id"`
	Name          string  `db:"name"`
	Price         float64 `db:"price"`
	PreviousPrice float64 `db:"previous_price"`
}

const productCols = `id, store_id, category_id, name, price, previous_price`

func (s *SQLStore) GetProduct(ctx context.Context, id string) (model.Product, bool, error) {
	var r productRow
	ok, err := s.get(ctx, &r, `SELECT `+productCols+` FROM products WHERE id = ?`, id)
	if !ok {
		return model.Product{}, false, err
	}
	return model.Product(r), true, nil
}

// SaveProduct inserts or fully replaces a product row.
func (s *SQLStore) SaveProduct(ctx context.Context, p model.Product) error {
	if p.ID == "" {
		p.ID = newID()
	}
	old, existed, err := s.GetProduct(ctx, p.ID)
	if err != nil {
		return err
	}
	if existed {
		_, err = s.exec(ctx,
			`UPDATE products SET store_id = ?, category_id = ?, name = ?, price = ?, previous_price = ? WHERE id = ?`,
			p.StoreID, p.CategoryID, p.Name, p.Price, p.PreviousPrice, p.ID)
	} else {
		_, err = s.exec(ctx, `INSERT INTO products(`+productCols+`) VALUES(?,?,?,?,?,?)`,
			p.ID, p.StoreID, p.CategoryID, p.Name, p.Price, p.PreviousPrice)
	}
	if err != nil {
		return err
	}
	if existed {
		s.publishChange(TableProducts, OpUpdate, p, old)
	} else {
		s.publishChange(TableProducts, OpInsert, p, nil)
	}
	return nil
}

// SetProductPrice moves the current price into previous_price and sets a new one.
func (s *SQLStore) SetProductPrice(ctx context.Context, id string, price float64) (bool, error) {
	old, ok, err := s.GetProduct(ctx, id)
	if err != nil || !ok {
		return false, err
	}
	updated := old
	updated.PreviousPrice = old.Price
	updated.Price = price
	if _, err := s.exec(ctx, `UPDATE products SET price = ?, previous_price = ? WHERE id = ?`,
		updated.Price, updated.PreviousPrice, id); err != nil {
		return false, err
	}
	s.publishChange(TableProducts, OpUpdate, updated, old)
	return true, nil
}

func (s *SQLStore) SaveStoreCategory(ctx context.Context, c model.StoreCategory) error {
	if c.ID == "" {
		c.ID = newID()
	}
	var existing int
	if _, err := s.get(ctx, &existing, `SELECT COUNT(*) FROM store_categories WHERE id = ?`, c.ID); err != nil {
		return err
	}
	if _, err := s.exec(ctx,
		`INSERT INTO store_categories(id, store_id, name, description) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET store_id = excluded.store_id, name = excluded.name, description = excluded.description`,
		c.ID, c.StoreID, c.Name, c.Description); err != nil {
		return err
	}
	op := OpInsert
	if existing > 0 {
		op = OpUpdate
	}
	s.publishChange(TableStoreCategories, op, c, nil)
	return nil
}

func (s *SQLStore) ListStoreCategories(ctx context.Context, storeID string) ([]model.StoreCategory, error) {
	var rows []struct {
		ID          string `db:"id"`
		StoreID     string `db:"store_id"`
		Name        string `db:"name"`
		Description string `db:"description"`
	}
	if err := s.selectRows(ctx, &rows,
		`SELECT id, store_id, name, description FROM store_categories WHERE store_id = ? ORDER BY name`, storeID); err != nil {
		return nil, err
	}
	out := make([]model.StoreCategory, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.StoreCategory{ID: r.ID, StoreID: r.StoreID, Name: r.Name, Description: r.Description})
	}
	return out, nil
}

func (s *SQLStore) SaveReservation(ctx context.Context, r model.Reservation) error {
	if r.ID == "" {
		r.ID = newID()
	}
	if r.Status == "" {
		r.Status = "active"
	}
	_, existed, err := s.GetReservation(ctx, r.ID)
	if err != nil {
		return err
	}
	row := ReservationRow{ID: r.ID, UserID: r.UserID, ProductID: r.ProductID, ExpiresAt: toMillis(r.ExpiresAt), Status: r.Status}
	_, err = s.exec(ctx,
		`INSERT INTO reservations(id, user_id, product_id, expires_at, status) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET user_id = excluded.user_id, product_id = excluded.product_id,
		   expires_at = excluded.expires_at, status = excluded.status`,
		row.ID, row.UserID, row.ProductID, row.ExpiresAt, row.Status)
	if err != nil {
		return err
	}
	op := OpInsert
	if existed {
		op = OpUpdate
	}
	s.publishChange(TableReservations, op, row, nil)
	return nil
}

func (s *SQLStore) GetReservation(ctx context.Context, id string) (model.Reservation, bool, error) {
	var r ReservationRow
	ok, err := s.get(ctx, &r, `SELECT id, user_id, product_id, expires_at, status FROM reservations WHERE id = ?`, id)
	if !ok {
		return model.Reservation{}, false, err
	}
	return r.Model(), true, nil
}

// ReservationsExpiringBetween lists active reservations with from <= expires_at < to.
func (s *SQLStore) ReservationsExpiringBetween(ctx context.Context, from, to time.Time) ([]model.Reservation, error) {
	var rows []ReservationRow
	if err := s.selectRows(ctx, &rows,
		`SELECT id, user_id, product_id, expires_at, status FROM reservations
		 WHERE status = ? AND expires_at >= ? AND expires_at < ? ORDER BY expires_at`,
		"active", toMillis(from), toMillis(to)); err != nil {
		return nil, err
	}
	out := make([]model.Reservation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Model())
	}
	return out, nil
}

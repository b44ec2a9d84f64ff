// Package category resolves which notification categories apply to a user
// and mirrors store catalog categories into notification categories.
package category

import (
	"context"
	"strings"
	"time"

	"storenotify/internal/apperr"
	"storenotify/internal/cache"
	"storenotify/internal/model"
	logx "storenotify/pkg/logx"
)

// Built-in category names.
const (
	Promotions   = "promotions"
	NewProducts  = "new-products"
	PriceDrops   = "price-drops"
	Reservations = "reservations"
	System       = "system"
)

type builtin struct {
	name, description string
	staffOnly         bool
}

var builtins = []builtin{
	{Promotions, "Promotions and offers", false},
	{NewProducts, "New products in stores you follow", false},
	{PriceDrops, "Price drops", false},
	{Reservations, "Reservation reminders", false},
	{System, "System messages", true},
}

// Staff user types also see the system category.
var staffTypes = map[string]bool{"admin": true, "staff": true, "store_owner": true, "seller": true}

func IsStaff(userType string) bool { return staffTypes[strings.ToLower(strings.TrimSpace(userType))] }

// Store is the category subset of storage.
type Store interface {
	ListCategories(ctx context.Context, scopeStoreID *string, activeOnly bool) ([]model.Category, error)
	GetCategory(ctx context.Context, id string) (model.Category, bool, error)
	FindCategory(ctx context.Context, scopeStoreID *string, name string) (model.Category, bool, error)
	InsertCategoryIfAbsent(ctx context.Context, c model.Category) (model.Category, bool, error)
	ListStoreCategories(ctx context.Context, storeID string) ([]model.StoreCategory, error)
}

type Resolver struct {
	store Store
	lists *cache.TTL[string, []model.Category]
	log   logx.Logger
}

type Option func(*Resolver)

func WithLogger(log logx.Logger) Option { return func(r *Resolver) { r.log = log } }

// WithCache replaces the listing cache (tests inject clocks through it).
func WithCache(c *cache.TTL[string, []model.Category]) Option {
	return func(r *Resolver) { r.lists = c }
}

func New(store Store, ttl time.Duration, opts ...Option) *Resolver {
	r := &Resolver{store: store, log: logx.Nop()}
	for _, o := range opts {
		o(r)
	}
	if r.lists == nil {
		r.lists = cache.NewTTL[string, []model.Category](ttl, cache.WithMaxEntries(1024))
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	return r
}

// SetTTL applies a reloaded cache TTL.
func (r *Resolver) SetTTL(ttl time.Duration) { r.lists.SetTTL(ttl) }

func cacheKey(storeID *string) string {
	if storeID == nil {
		return "global"
	}
	return "store:" + *storeID
}

// GetCategoriesForUser returns the store's active categories, else the active
// global ones, else the built-in defaults. It never returns an empty list.
func (r *Resolver) GetCategoriesForUser(ctx context.Context, userType string, storeID *string) ([]model.Category, error) {
	if storeID != nil && strings.TrimSpace(*storeID) == "" {
		storeID = nil
	}
	if storeID != nil {
		cats, err := r.list(ctx, storeID)
		if err != nil {
			return nil, err
		}
		if len(cats) > 0 {
			return cats, nil
		}
	}
	cats, err := r.list(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(cats) > 0 {
		return filterStaff(cats, userType), nil
	}
	return Defaults(userType), nil
}

func (r *Resolver) list(ctx context.Context, storeID *string) ([]model.Category, error) {
	cats, err := r.lists.GetOrFetch(ctx, cacheKey(storeID), func(ctx context.Context) ([]model.Category, error) {
		return r.store.ListCategories(ctx, storeID, true)
	})
	if err != nil {
		return nil, apperr.New(apperr.KindTransient, "category.list", err)
	}
	return cats, nil
}

func filterStaff(cats []model.Category, userType string) []model.Category {
	if IsStaff(userType) {
		return cats
	}
	out := make([]model.Category, 0, len(cats))
	for _, c := range cats {
		if c.Name == System {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Defaults returns the built-in categories. They carry stable "default:"
// ids and are only used when no category row exists.
func Defaults(userType string) []model.Category {
	staff := IsStaff(userType)
	out := make([]model.Category, 0, len(builtins))
	for _, b := range builtins {
		if b.staffOnly && !staff {
			continue
		}
		out = append(out, model.Category{ID: "default:" + b.name, Name: b.name, Description: b.description, IsActive: true})
	}
	return out
}

// SeedDefaults inserts the built-ins as global rows when absent.
func (r *Resolver) SeedDefaults(ctx context.Context) (int, error) {
	created := 0
	for _, b := range builtins {
		_, ok, err := r.store.InsertCategoryIfAbsent(ctx, model.Category{Name: b.name, Description: b.description, IsActive: true})
		if err != nil {
			return created, apperr.New(apperr.KindTransient, "category.SeedDefaults", err)
		}
		if ok {
			created++
		}
	}
	if created > 0 {
		r.lists.Invalidate(cacheKey(nil))
		r.log.Info("default categories seeded", logx.Int("created", created))
	}
	return created, nil
}

// Resolve finds a category by id, then by global name. A missing category
// is a data integrity error.
func (r *Resolver) Resolve(ctx context.Context, ref string) (model.Category, error) {
	const op = "category.Resolve"
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return model.Category{}, apperr.Newf(apperr.KindDataIntegrity, op, "empty category reference")
	}
	c, ok, err := r.store.GetCategory(ctx, ref)
	if err != nil {
		return model.Category{}, apperr.New(apperr.KindTransient, op, err)
	}
	if ok {
		return c, nil
	}
	c, ok, err = r.store.FindCategory(ctx, nil, ref)
	if err != nil {
		return model.Category{}, apperr.New(apperr.KindTransient, op, err)
	}
	if !ok {
		return model.Category{}, apperr.Newf(apperr.KindDataIntegrity, op, "category %q not found", ref)
	}
	return c, nil
}

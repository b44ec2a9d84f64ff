package category

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"storenotify/internal/apperr"
	"storenotify/internal/cache"
	"storenotify/internal/model"
	"storenotify/internal/storage"
)

func openStore(t *testing.T) *storage.SQLStore {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "cat.db"),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func names(cats []model.Category) map[string]bool {
	out := map[string]bool{}
	for _, c := range cats {
		out[c.Name] = true
	}
	return out
}

func TestDefaultsWhenNoRows(t *testing.T) {
	r := New(openStore(t), time.Minute)
	ctx := context.Background()

	cats, err := r.GetCategoriesForUser(ctx, "customer", nil)
	if err != nil {
		t.Fatalf("GetCategoriesForUser: %v", err)
	}
	got := names(cats)
	for _, n := range []string{Promotions, NewProducts, PriceDrops, Reservations} {
		if !got[n] {
			t.Fatalf("missing default %q in %v", n, got)
		}
	}
	if got[System] {
		t.Fatal("customers must not see the system category")
	}

	staff, _ := r.GetCategoriesForUser(ctx, "admin", nil)
	if !names(staff)[System] {
		t.Fatal("staff should see the system category")
	}
}

func TestStoreScopeThenGlobal(t *testing.T) {
	st := openStore(t)
	r := New(st, time.Minute)
	ctx := context.Background()
	if _, err := r.SeedDefaults(ctx); err != nil {
		t.Fatalf("SeedDefaults: %v", err)
	}
	s1 := "s1"

	// No store rows: global list.
	cats, err := r.GetCategoriesForUser(ctx, "customer", &s1)
	if err != nil || !names(cats)[Promotions] {
		t.Fatalf("global fallback = %v, %v", names(cats), err)
	}

	_ = st.SaveStoreCategory(ctx, model.StoreCategory{ID: "sc1", StoreID: "s1", Name: "Bakery"})
	if _, err := r.SyncStoreCategoriesToNotifications(ctx, "s1"); err != nil {
		t.Fatalf("sync: %v", err)
	}
	cats, _ = r.GetCategoriesForUser(ctx, "customer", &s1)
	if len(cats) != 1 || cats[0].Name != "Bakery" || cats[0].ScopeStoreID == nil {
		t.Fatalf("store categories = %+v", cats)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	st := openStore(t)
	r := New(st, time.Minute)
	ctx := context.Background()
	for _, c := range []model.StoreCategory{
		{ID: "a", StoreID: "s1", Name: "Bakery"},
		{ID: "b", StoreID: "s1", Name: "Dairy"},
		{ID: "c", StoreID: "s1", Name: "  "},
	} {
		if err := st.SaveStoreCategory(ctx, c); err != nil {
			t.Fatalf("SaveStoreCategory: %v", err)
		}
	}

	rep, err := r.SyncStoreCategoriesToNotifications(ctx, "s1")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(rep.Created) != 2 || len(rep.Failed) != 1 || rep.Scanned != 3 {
		t.Fatalf("first report = %+v", rep)
	}
	rep, err = r.SyncStoreCategoriesToNotifications(ctx, "s1")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(rep.Created) != 0 || rep.Existing != 2 {
		t.Fatalf("second report = %+v", rep)
	}
	s1 := "s1"
	rows, _ := st.ListCategories(ctx, &s1, false)
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
}

func TestSyncRequiresStore(t *testing.T) {
	r := New(openStore(t), time.Minute)
	if _, err := r.SyncStoreCategoriesToNotifications(context.Background(), ""); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("err = %v", err)
	}
}

func TestResolveByIDOrName(t *testing.T) {
	st := openStore(t)
	r := New(st, time.Minute)
	ctx := context.Background()
	c, _, err := st.InsertCategoryIfAbsent(ctx, model.Category{Name: PriceDrops, IsActive: true})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	byID, err := r.Resolve(ctx, c.ID)
	if err != nil || byID.Name != PriceDrops {
		t.Fatalf("by id = %+v, %v", byID, err)
	}
	byName, err := r.Resolve(ctx, PriceDrops)
	if err != nil || byName.ID != c.ID {
		t.Fatalf("by name = %+v, %v", byName, err)
	}
	_, err = r.Resolve(ctx, "deleted-category")
	if !apperr.Is(err, apperr.KindDataIntegrity) || !errors.Is(err, apperr.ErrDataIntegrity) {
		t.Fatalf("missing: err = %v", err)
	}
}

func TestListingIsCachedUntilTTL(t *testing.T) {
	st := openStore(t)
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	r := New(st, time.Minute, WithCache(cache.NewTTL[string, []model.Category](time.Minute, cache.WithClock(clock))))
	ctx := context.Background()

	first, _ := r.GetCategoriesForUser(ctx, "customer", nil)
	if first[0].ID[:8] != "default:" {
		t.Fatalf("expected defaults, got %+v", first[0])
	}
	if _, _, err := st.InsertCategoryIfAbsent(ctx, model.Category{Name: "flash-sales", IsActive: true}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	cached, _ := r.GetCategoriesForUser(ctx, "customer", nil)
	if names(cached)["flash-sales"] {
		t.Fatal("listing should be served from cache within TTL")
	}
	now = now.Add(2 * time.Minute)
	fresh, _ := r.GetCategoriesForUser(ctx, "customer", nil)
	if !names(fresh)["flash-sales"] {
		t.Fatalf("listing after TTL = %v", names(fresh))
	}
}

package trigger

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"storenotify/internal/category"
	"storenotify/internal/delivery"
	"storenotify/internal/dispatch"
	"storenotify/internal/eventbus"
	"storenotify/internal/model"
	"storenotify/internal/preference"
	"storenotify/internal/storage"
	logx "storenotify/pkg/logx"
)

type dispatched struct {
	ev    model.Event
	stats dispatch.Stats
	err   error
}

// recorder wraps the real coordinator and records every audience dispatch.
type recorder struct {
	inner *dispatch.Coordinator
	mu    sync.Mutex
	got   []dispatched
}

func (r *recorder) DispatchToAudience(ctx context.Context, ev model.Event, sel dispatch.Selector) (dispatch.Stats, error) {
	st, err := r.inner.DispatchToAudience(ctx, ev, sel)
	r.mu.Lock()
	r.got = append(r.got, dispatched{ev: ev, stats: st, err: err})
	r.mu.Unlock()
	return st, err
}

func (r *recorder) DispatchReservationAlert(ctx context.Context, res model.Reservation, name string) (dispatch.Stats, error) {
	st, err := r.inner.DispatchReservationAlert(ctx, res, name)
	if err == nil {
		r.mu.Lock()
		r.got = append(r.got, dispatched{ev: model.Event{Kind: model.EventReservationAlert, Key: res.ID}, stats: st})
		r.mu.Unlock()
	}
	return st, err
}

func (r *recorder) all() []dispatched {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dispatched(nil), r.got...)
}

type inbox struct {
	mu  sync.Mutex
	got map[string][]model.Event
}

func (b *inbox) Deliver(_ context.Context, userID string, ev model.Event) (delivery.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.got == nil {
		b.got = map[string][]model.Event{}
	}
	b.got[userID] = append(b.got[userID], ev)
	return delivery.Result{Success: true, ChannelUsed: model.SourceInApp, RecordID: "rec"}, nil
}

func (b *inbox) count(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.got[userID])
}

type harness struct {
	st     *storage.SQLStore
	cats   *category.Resolver
	prefs  *preference.Service
	rec    *recorder
	inbox  *inbox
	engine *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	bus := eventbus.New()
	st, err := storage.Open(ctx, storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "engine.db"), Bus: bus})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cats := category.New(st, time.Minute)
	if _, err := cats.SeedDefaults(ctx); err != nil {
		t.Fatalf("SeedDefaults: %v", err)
	}
	prefs := preference.New(st, cats)
	box := &inbox{}
	rec := &recorder{inner: dispatch.New(dispatch.Config{}, dispatch.Deps{
		Categories:  cats,
		Preferences: prefs,
		Delivery:    box,
		Marks:       st,
	})}

	l := NewListener(ctx, storage.NewBusFeed(bus), WithReconnectBackoff(5*time.Millisecond, 20*time.Millisecond))
	e := NewEngine(Config{AlertWindow: 30 * time.Minute, Retention: 24 * time.Hour}, EngineDeps{
		Listener: l,
		Dispatch: rec,
		Sync:     cats,
		Store:    st,
	})
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	waitFor(t, "listeners active", func() bool {
		states := l.States()
		if len(states) != 3 {
			return false
		}
		for _, s := range states {
			if s != StateActive {
				return false
			}
		}
		return true
	})
	return &harness{st: st, cats: cats, prefs: prefs, rec: rec, inbox: box, engine: e}
}

func (h *harness) dispatchesOf(kind model.EventKind) []dispatched {
	var out []dispatched
	for _, d := range h.rec.all() {
		if d.ev.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}

func TestProductInsertAndPriceDrop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.st.SaveStoreCategory(ctx, model.StoreCategory{ID: "sc-bakery", StoreID: "s1", Name: "Bakery"}); err != nil {
		t.Fatalf("SaveStoreCategory: %v", err)
	}
	scope := "s1"
	var bakery model.Category
	waitFor(t, "store category mirrored", func() bool {
		c, ok, _ := h.st.FindCategory(ctx, &scope, "Bakery")
		bakery = c
		return ok
	})

	if _, err := h.prefs.SetEnabled(ctx, "alice", bakery.ID, false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	if _, err := h.prefs.SetEnabled(ctx, "bob", bakery.ID, true); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}

	if err := h.st.SaveProduct(ctx, model.Product{ID: "p1", StoreID: "s1", CategoryID: "sc-bakery", Name: "Rye", Price: 4}); err != nil {
		t.Fatalf("SaveProduct: %v", err)
	}
	waitFor(t, "new product dispatch", func() bool { return len(h.dispatchesOf(model.EventNewProduct)) == 1 })
	d := h.dispatchesOf(model.EventNewProduct)[0]
	if d.err != nil || d.stats.Sent != 1 || d.stats.Filtered != 1 || d.stats.TotalCandidates != 2 {
		t.Fatalf("new product = %+v, %v", d.stats, d.err)
	}
	if d.ev.Category != bakery.ID {
		t.Fatalf("event category = %q", d.ev.Category)
	}
	if h.inbox.count("alice") != 0 || h.inbox.count("bob") != 1 {
		t.Fatal("only bob should have been notified")
	}

	// Price drops reach push subscribers of this category or of every category.
	other := "some-other-category"
	for _, sub := range []model.Subscription{
		{UserID: "alice", Endpoint: "https://push.example/alice"},
		{UserID: "bob", Endpoint: "https://push.example/bob", Category: &bakery.ID},
		{UserID: "carol", Endpoint: "https://push.example/carol", Category: &other},
	} {
		sub.Keys = model.SubscriptionKeys{P256dh: "k", Auth: "a"}
		if _, err := h.st.UpsertSubscription(ctx, sub); err != nil {
			t.Fatalf("UpsertSubscription: %v", err)
		}
	}

	// A price increase is not an alert.
	if _, err := h.st.SetProductPrice(ctx, "p1", 5); err != nil {
		t.Fatalf("SetProductPrice: %v", err)
	}
	if _, err := h.st.SetProductPrice(ctx, "p1", 3.5); err != nil {
		t.Fatalf("SetProductPrice: %v", err)
	}
	waitFor(t, "price drop dispatch", func() bool { return len(h.dispatchesOf(model.EventPriceDrop)) == 1 })
	time.Sleep(30 * time.Millisecond)
	drops := h.dispatchesOf(model.EventPriceDrop)
	if len(drops) != 1 || drops[0].stats.Sent != 1 || drops[0].stats.Filtered != 1 || drops[0].stats.TotalCandidates != 2 {
		t.Fatalf("price drops = %+v", drops)
	}
	if h.inbox.count("carol") != 0 {
		t.Fatal("subscriber of another category got the price drop")
	}
	if drops[0].ev.Payload["previous_price"] != 5.0 {
		t.Fatalf("payload = %v", drops[0].ev.Payload)
	}
}

func TestProductWithUnknownCategoryFailsClosed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.prefs.SetEnabled(ctx, "alice", category.Promotions, true); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}

	if err := h.st.SaveProduct(ctx, model.Product{ID: "p2", StoreID: "s1", CategoryID: "deleted-cat", Name: "Ghost", Price: 1}); err != nil {
		t.Fatalf("SaveProduct: %v", err)
	}
	waitFor(t, "dispatch attempt", func() bool { return len(h.dispatchesOf(model.EventNewProduct)) == 1 })
	d := h.dispatchesOf(model.EventNewProduct)[0]
	if d.err != nil || d.stats != (dispatch.Stats{}) {
		t.Fatalf("unknown category = %+v, %v", d.stats, d.err)
	}
	if h.inbox.count("alice") != 0 {
		t.Fatal("nothing should be delivered for an unknown category")
	}

	// The listener keeps working afterwards.
	if err := h.st.SaveProduct(ctx, model.Product{ID: "p3", CategoryID: category.NewProducts, Name: "Bread", Price: 2}); err != nil {
		t.Fatalf("SaveProduct: %v", err)
	}
	waitFor(t, "next dispatch", func() bool { return h.inbox.count("alice") == 1 })
}

func TestReservationAlertOnWriteAndSweep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.st.SaveProduct(ctx, model.Product{ID: "p1", CategoryID: category.NewProducts, Name: "Rye", Price: 4})
	waitFor(t, "product event", func() bool { return len(h.dispatchesOf(model.EventNewProduct)) == 1 })

	now := time.Now()
	soon := model.Reservation{ID: "r1", UserID: "carol", ProductID: "p1", ExpiresAt: now.Add(10 * time.Minute)}
	later := model.Reservation{ID: "r2", UserID: "dave", ProductID: "p1", ExpiresAt: now.Add(3 * time.Hour)}
	if err := h.st.SaveReservation(ctx, soon); err != nil {
		t.Fatalf("SaveReservation: %v", err)
	}
	if err := h.st.SaveReservation(ctx, later); err != nil {
		t.Fatalf("SaveReservation: %v", err)
	}
	waitFor(t, "reservation alert", func() bool { return h.inbox.count("carol") == 1 })

	n, err := h.engine.SweepReservations(ctx)
	if err != nil {
		t.Fatalf("SweepReservations: %v", err)
	}
	if n != 0 {
		t.Fatalf("sweep re-sent %d alerts", n)
	}
	if h.inbox.count("carol") != 1 || h.inbox.count("dave") != 0 {
		t.Fatalf("carol=%d dave=%d", h.inbox.count("carol"), h.inbox.count("dave"))
	}
}

func TestSweepRetention(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	if _, err := h.st.InsertRecord(ctx, model.Record{UserID: "u", Title: "old", Category: "promotions", SourceChannel: model.SourceInApp, CreatedAt: old}); err != nil {
		t.Fatalf("InsertRecord: %v", err)
	}
	if _, err := h.st.InsertRecord(ctx, model.Record{UserID: "u", Title: "new", Category: "promotions", SourceChannel: model.SourceInApp}); err != nil {
		t.Fatalf("InsertRecord: %v", err)
	}
	_ = h.st.PutMark(ctx, "dedup:stale", time.Now().Add(-time.Minute))

	n, err := h.engine.SweepRetention(ctx)
	if err != nil || n != 1 {
		t.Fatalf("SweepRetention = %d, %v", n, err)
	}
	recs, _ := h.st.ListRecords(ctx, "u", 0)
	if len(recs) != 1 || recs[0].Title != "new" {
		t.Fatalf("records = %+v", recs)
	}
	if _, ok, _ := h.st.GetMark(ctx, "dedup:stale"); ok {
		t.Fatal("expired mark survived")
	}
}

func TestSchedulerRejectsBadSpecAndRunsNow(t *testing.T) {
	s := NewScheduler(context.Background(), logx.Nop())
	if err := s.Set([]Sweep{{Name: "bad", Spec: "every tuesday", Run: func(context.Context) error { return nil }}}); err == nil {
		t.Fatal("invalid spec accepted")
	}
	ran := 0
	if err := s.Set([]Sweep{
		{Name: "job", Spec: "@every 1h", Run: func(context.Context) error { ran++; return nil }},
		{Name: "off", Spec: "", Run: func(context.Context) error { return nil }},
	}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	s.Start()
	defer s.Stop(context.Background())
	if err := s.RunNow("job"); err != nil || ran != 1 {
		t.Fatalf("RunNow = %v, ran %d", err, ran)
	}
	if err := s.RunNow("off"); err == nil {
		t.Fatal("disabled sweep should not be scheduled")
	}
}

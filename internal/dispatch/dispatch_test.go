package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"storenotify/internal/apperr"
	"storenotify/internal/delivery"
	"storenotify/internal/guard"
	"storenotify/internal/model"
)

type fakeCategories map[string]model.Category

func (f fakeCategories) Resolve(_ context.Context, ref string) (model.Category, error) {
	if c, ok := f[ref]; ok {
		return c, nil
	}
	for _, c := range f {
		if c.Name == ref {
			return c, nil
		}
	}
	return model.Category{}, apperr.Newf(apperr.KindDataIntegrity, "test", "category %q not found", ref)
}

// fakePrefs holds explicit rows; missing means enabled.
type fakePrefs map[string]bool

func (f fakePrefs) IsEnabled(_ context.Context, userID, categoryID string) (bool, error) {
	if v, ok := f[userID+"/"+categoryID]; ok {
		return v, nil
	}
	return true, nil
}

type fakeDelivery struct {
	mu    sync.Mutex
	users []string
	fail  map[string]bool
	gate  chan struct{}
	calls atomic.Int32
}

func (f *fakeDelivery) Deliver(ctx context.Context, userID string, ev model.Event) (delivery.Result, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, userID)
	if f.fail[userID] {
		return delivery.Result{ChannelUsed: model.SourceDatabase, RecordID: "r"}, nil
	}
	return delivery.Result{Success: true, ChannelUsed: model.SourceInApp, RecordID: "r"}, nil
}

func (f *fakeDelivery) delivered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.users...)
}

type memMarks struct {
	mu    sync.Mutex
	marks map[string]time.Time
}

func newMarks() *memMarks { return &memMarks{marks: map[string]time.Time{}} }

func (m *memMarks) PutMark(_ context.Context, key string, until time.Time) error {
	m.mu.Lock()
	m.marks[key] = until
	m.mu.Unlock()
	return nil
}

func (m *memMarks) GetMark(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.marks[key]
	return t, ok, nil
}

var (
	promotions   = model.Category{ID: "cat-promo", Name: "promotions", IsActive: true}
	reservations = model.Category{ID: "cat-res", Name: "reservations", IsActive: true}
)

func newCoordinator(t *testing.T, cfg Config, prefs fakePrefs, del *fakeDelivery, marks MarkStore) *Coordinator {
	t.Helper()
	return New(cfg, Deps{
		Categories:  fakeCategories{promotions.ID: promotions, reservations.ID: reservations},
		Preferences: prefs,
		Delivery:    del,
		Marks:       marks,
		Locker:      guard.NewEmulated(guard.Options{Retries: 50, BackoffBase: time.Millisecond, BackoffMax: 2 * time.Millisecond}),
	})
}

func priceDrop() model.Event {
	return model.Event{Kind: model.EventPriceDrop, Key: "price-drop:p1:9.5", Title: "Price drop", Category: "promotions"}
}

func TestOptedOutUserIsFiltered(t *testing.T) {
	del := &fakeDelivery{}
	c := newCoordinator(t, Config{}, fakePrefs{"A/cat-promo": false, "B/cat-promo": true}, del, nil)

	st, err := c.DispatchToAudience(context.Background(), priceDrop(), Users("A", "B", "C"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if st.Filtered != 1 || st.Sent != 2 || st.TotalCandidates != 3 {
		t.Fatalf("stats = %+v", st)
	}
	for _, u := range del.delivered() {
		if u == "A" {
			t.Fatal("opted-out user received the event")
		}
	}
}

func TestUnknownCategoryFailsClosed(t *testing.T) {
	del := &fakeDelivery{}
	c := newCoordinator(t, Config{}, fakePrefs{}, del, nil)
	ev := priceDrop()
	ev.Category = "deleted-category-id"

	st, err := c.DispatchToAudience(context.Background(), ev, Users("A", "B"))
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if st != (Stats{}) {
		t.Fatalf("stats = %+v, want zero", st)
	}
	if del.calls.Load() != 0 {
		t.Fatal("delivered despite unresolved category")
	}
}

func TestInactiveCategoryFailsClosed(t *testing.T) {
	del := &fakeDelivery{}
	c := New(Config{}, Deps{
		Categories:  fakeCategories{"x": {ID: "x", Name: "old", IsActive: false}},
		Preferences: fakePrefs{},
		Delivery:    del,
	})
	ev := priceDrop()
	ev.Category = "x"
	st, err := c.DispatchToAudience(context.Background(), ev, Users("A"))
	if err != nil || st != (Stats{}) || del.calls.Load() != 0 {
		t.Fatalf("stats=%+v err=%v calls=%d", st, err, del.calls.Load())
	}
}

func TestSelectorErrorPropagates(t *testing.T) {
	c := newCoordinator(t, Config{}, fakePrefs{}, &fakeDelivery{}, nil)
	boom := errors.New("audience query failed")
	_, err := c.DispatchToAudience(context.Background(), priceDrop(), Selector{Key: "broken", Resolve: func(context.Context) ([]string, error) {
		return nil, boom
	}})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestDeliveryFailuresAreCountedNotThrown(t *testing.T) {
	del := &fakeDelivery{fail: map[string]bool{"B": true}}
	c := newCoordinator(t, Config{}, fakePrefs{}, del, nil)
	st, err := c.DispatchToAudience(context.Background(), priceDrop(), Users("A", "B", "A", " "))
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if st.TotalCandidates != 2 || st.Sent != 1 || st.Failed != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestDedupWindowSuppressesRepeats(t *testing.T) {
	del := &fakeDelivery{}
	marks := newMarks()
	c := newCoordinator(t, Config{DedupWindow: time.Minute}, fakePrefs{}, del, marks)
	ctx := context.Background()

	if st, _ := c.DispatchToAudience(ctx, priceDrop(), Users("A")); st.Sent != 1 {
		t.Fatalf("first = %+v", st)
	}
	st, _ := c.DispatchToAudience(ctx, priceDrop(), Users("A", "B"))
	if st.Deduped != 1 || st.Sent != 1 {
		t.Fatalf("second = %+v", st)
	}

	// A fresh coordinator sharing the mark store still suppresses.
	c2 := newCoordinator(t, Config{DedupWindow: time.Minute}, fakePrefs{}, del, marks)
	st, _ = c2.DispatchToAudience(ctx, priceDrop(), Users("A"))
	if st.Deduped != 1 {
		t.Fatalf("after restart = %+v", st)
	}
}

func TestConcurrentDispatchesCoalesce(t *testing.T) {
	del := &fakeDelivery{gate: make(chan struct{})}
	c := newCoordinator(t, Config{}, fakePrefs{}, del, nil)

	var wg sync.WaitGroup
	results := make([]Stats, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = c.DispatchToAudience(context.Background(), priceDrop(), Users("A"))
		}(i)
	}
	// Let the leader reach the delivery gate, then give joiners time to attach.
	for del.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(del.gate)
	wg.Wait()

	if n := del.calls.Load(); n != 1 {
		t.Fatalf("deliveries = %d, want 1", n)
	}
	for i, st := range results {
		if st.Sent != 1 {
			t.Fatalf("result %d = %+v", i, st)
		}
	}
}

func TestReservationAlertOnlyOnce(t *testing.T) {
	del := &fakeDelivery{}
	marks := newMarks()
	c := newCoordinator(t, Config{}, fakePrefs{}, del, marks)
	r := model.Reservation{ID: "r1", UserID: "A", ExpiresAt: time.Now().Add(20 * time.Minute), Status: "active"}

	var wg sync.WaitGroup
	var sent, already atomic.Int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := c.DispatchReservationAlert(context.Background(), r, "Sourdough")
			switch {
			case errors.Is(err, ErrAlreadyAlerted):
				already.Add(1)
			case err != nil:
				t.Errorf("alert: %v", err)
			default:
				sent.Add(int32(st.Sent))
			}
		}()
	}
	wg.Wait()
	if sent.Load() != 1 || already.Load() != 4 {
		t.Fatalf("sent=%d already=%d", sent.Load(), already.Load())
	}
	if _, ok, _ := marks.GetMark(context.Background(), "reservation-alert:r1"); !ok {
		t.Fatal("alert mark not written")
	}
}

func TestFailedReservationAlertCanBeRetried(t *testing.T) {
	del := &fakeDelivery{fail: map[string]bool{"A": true}}
	marks := newMarks()
	c := newCoordinator(t, Config{DedupWindow: time.Hour}, fakePrefs{}, del, marks)
	r := model.Reservation{ID: "r1", UserID: "A", ExpiresAt: time.Now().Add(20 * time.Minute), Status: "active"}
	ctx := context.Background()

	st, err := c.DispatchReservationAlert(ctx, r, "Sourdough")
	if err != nil || st.Sent != 0 || st.Failed != 1 {
		t.Fatalf("first attempt = %+v, %v", st, err)
	}
	if _, ok, _ := marks.GetMark(ctx, "reservation-alert:r1"); ok {
		t.Fatal("alert mark written although nothing was delivered")
	}

	del.mu.Lock()
	delete(del.fail, "A")
	del.mu.Unlock()

	st, err = c.DispatchReservationAlert(ctx, r, "Sourdough")
	if err != nil || st.Sent != 1 || st.Deduped != 0 {
		t.Fatalf("retry = %+v, %v", st, err)
	}
	if _, err := c.DispatchReservationAlert(ctx, r, "Sourdough"); !errors.Is(err, ErrAlreadyAlerted) {
		t.Fatalf("third attempt err = %v, want ErrAlreadyAlerted", err)
	}
}

func TestOptedOutReservationAlertIsMarked(t *testing.T) {
	del := &fakeDelivery{}
	marks := newMarks()
	c := newCoordinator(t, Config{}, fakePrefs{"A/cat-res": false}, del, marks)
	r := model.Reservation{ID: "r2", UserID: "A", ExpiresAt: time.Now().Add(20 * time.Minute)}

	st, err := c.DispatchReservationAlert(context.Background(), r, "")
	if err != nil || st.Filtered != 1 {
		t.Fatalf("alert = %+v, %v", st, err)
	}
	if _, ok, _ := marks.GetMark(context.Background(), "reservation-alert:r2"); !ok {
		t.Fatal("opted-out holder should not be re-checked every sweep")
	}
}

func TestCanceledCallerDoesNotAbortSharedDispatch(t *testing.T) {
	del := &fakeDelivery{gate: make(chan struct{})}
	c := newCoordinator(t, Config{}, fakePrefs{}, del, nil)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := c.DispatchToAudience(leaderCtx, priceDrop(), Users("A", "B"))
		leaderErr <- err
	}()
	for del.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	joined := make(chan Stats, 1)
	go func() {
		st, _ := c.DispatchToAudience(context.Background(), priceDrop(), Users("A", "B"))
		joined <- st
	}()
	time.Sleep(20 * time.Millisecond)

	cancelLeader()
	select {
	case err := <-leaderErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("leader err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("canceled leader kept waiting")
	}
	close(del.gate)

	select {
	case st := <-joined:
		if st.Sent != 2 {
			t.Fatalf("joiner stats = %+v, want both users sent", st)
		}
	case <-time.After(time.Second):
		t.Fatal("joiner never got stats")
	}
	if n := del.calls.Load(); n != 2 {
		t.Fatalf("deliveries = %d, want 2", n)
	}
}

func TestDefaultLockerQueuesConcurrentAlerts(t *testing.T) {
	del := &fakeDelivery{}
	marks := newMarks()
	// No Locker injected: the fallback must retry rather than fail fast.
	c := New(Config{}, Deps{
		Categories:  fakeCategories{reservations.ID: reservations},
		Preferences: fakePrefs{},
		Delivery:    &slowDelivery{fakeDelivery: del, wait: 20 * time.Millisecond},
		Marks:       marks,
	})
	r := model.Reservation{ID: "r3", UserID: "A", ExpiresAt: time.Now().Add(20 * time.Minute)}

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := c.DispatchReservationAlert(context.Background(), r, "")
			errs <- err
		}()
	}
	var already int
	for i := 0; i < 2; i++ {
		err := <-errs
		switch {
		case errors.Is(err, ErrAlreadyAlerted):
			already++
		case err != nil:
			t.Fatalf("alert: %v", err)
		}
	}
	if already != 1 || del.calls.Load() != 1 {
		t.Fatalf("already=%d deliveries=%d", already, del.calls.Load())
	}
}

type slowDelivery struct {
	*fakeDelivery
	wait time.Duration
}

func (s *slowDelivery) Deliver(ctx context.Context, userID string, ev model.Event) (delivery.Result, error) {
	time.Sleep(s.wait)
	return s.fakeDelivery.Deliver(ctx, userID, ev)
}

func TestSelectors(t *testing.T) {
	ctx := context.Background()
	if a, b := Users("b", "a"), Users("a", "b"); a.Key != b.Key {
		t.Fatalf("keys differ: %q %q", a.Key, b.Key)
	}
	src := subSource{"": {"A", "B"}, "cat-promo": {"A"}}
	all, promo := ActiveSubscribers(src, ""), ActiveSubscribers(src, "cat-promo")
	if all.Key == promo.Key {
		t.Fatalf("category not part of the key: %q", all.Key)
	}
	ids, err := promo.Resolve(ctx)
	if err != nil || len(ids) != 1 || ids[0] != "A" {
		t.Fatalf("promo subscribers = %v, %v", ids, err)
	}
}

type subSource map[string][]string

func (s subSource) ActiveSubscriberIDs(_ context.Context, category string) ([]string, error) {
	return s[category], nil
}

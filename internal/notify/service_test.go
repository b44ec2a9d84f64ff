package notify

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"storenotify/internal/apperr"
	"storenotify/internal/category"
	"storenotify/internal/delivery"
	"storenotify/internal/dispatch"
	"storenotify/internal/model"
	"storenotify/internal/preference"
	"storenotify/internal/storage"
	logx "storenotify/pkg/logx"
)

type expiredSender struct {
	mu    sync.Mutex
	calls int
}

func (s *expiredSender) Push(context.Context, model.Subscription, []byte) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return delivery.ErrEndpointExpired
}

type chatLog struct {
	mu   sync.Mutex
	sent map[int64][]string
}

func (c *chatLog) SendMessage(_ context.Context, chatID int64, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sent == nil {
		c.sent = map[int64][]string{}
	}
	c.sent[chatID] = append(c.sent[chatID], text)
	return nil
}

type fixture struct {
	svc    *Service
	st     *storage.SQLStore
	hub    *delivery.Hub
	sender *expiredSender
	chat   *chatLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(ctx, storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "notify.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cats := category.New(st, time.Minute)
	if _, err := cats.SeedDefaults(ctx); err != nil {
		t.Fatalf("SeedDefaults: %v", err)
	}
	prefs := preference.New(st, cats)
	sender := &expiredSender{}
	chat := &chatLog{}
	hub := delivery.NewHub(time.Minute, logx.Nop())
	t.Cleanup(hub.Close)

	chain := delivery.NewChain(st, delivery.WithChannels(
		delivery.NewRemotePush(st, sender, delivery.PushConfig{RatePerSec: 1000}, logx.Nop()),
		delivery.NewLocalPlatform(st, chat),
		hub,
	))
	coord := dispatch.New(dispatch.Config{}, dispatch.Deps{
		Categories:  cats,
		Preferences: prefs,
		Delivery:    chain,
		Marks:       st,
	})
	svc := New(Deps{
		History:     st,
		Registry:    st,
		Users:       st,
		Categories:  cats,
		Preferences: prefs,
		Dispatch:    coord,
		Banners:     hub,
	})
	return &fixture{svc: svc, st: st, hub: hub, sender: sender, chat: chat}
}

func (f *fixture) subscribe(t *testing.T, userID, endpoint string) {
	t.Helper()
	if _, err := f.svc.Subscribe(context.Background(), model.Subscription{
		UserID:   userID,
		Endpoint: endpoint,
		Keys:     model.SubscriptionKeys{P256dh: "p", Auth: "a"},
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
}

func TestExpiredEndpointFallsBackToInApp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, "alice", "https://push.example/alice")

	st, err := f.svc.DispatchToAudience(ctx, model.Event{Kind: model.EventNewProduct, Title: "Rye", Category: category.NewProducts}, dispatch.Users("alice"))
	if err != nil || st.Sent != 1 {
		t.Fatalf("dispatch = %+v, %v", st, err)
	}
	if f.sender.calls != 1 {
		t.Fatalf("push attempts = %d", f.sender.calls)
	}
	subs, _ := f.st.ActiveSubscriptions(ctx, "alice")
	if len(subs) != 0 {
		t.Fatal("expired endpoint still active")
	}
	recs, err := f.svc.GetUserNotifications(ctx, "alice", 0)
	if err != nil || len(recs) != 1 {
		t.Fatalf("history = %v, %v", recs, err)
	}
	if recs[0].SourceChannel != model.SourceInApp {
		t.Fatalf("source = %q", recs[0].SourceChannel)
	}
	if len(f.hub.Active("alice")) != 1 {
		t.Fatal("no banner shown")
	}
}

func TestGrantedPermissionUsesLocalChannel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, "bob", "https://push.example/bob")
	if _, err := f.svc.SetPermission(ctx, "bob", model.PermissionGranted, 42); err != nil {
		t.Fatalf("SetPermission: %v", err)
	}

	if _, err := f.svc.DispatchToAudience(ctx, model.Event{Kind: model.EventNewProduct, Title: "Rye", Category: category.NewProducts}, dispatch.Users("bob")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	recs, _ := f.svc.GetUserNotifications(ctx, "bob", 0)
	if len(recs) != 1 || recs[0].SourceChannel != model.SourceLocal {
		t.Fatalf("history = %+v", recs)
	}
	if len(f.chat.sent[42]) != 1 {
		t.Fatal("local message not sent")
	}

	// Revoking keeps the linked chat id for a later grant.
	l, err := f.svc.SetPermission(ctx, "bob", model.PermissionDenied, 0)
	if err != nil || l.ChatID != 42 {
		t.Fatalf("SetPermission = %+v, %v", l, err)
	}
	if _, err := f.svc.SetPermission(ctx, "bob", "maybe", 0); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("bad permission err = %v", err)
	}
}

func TestOptedOutUserIsFilteredByCategoryName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.SetEnabled(ctx, "alice", category.Promotions, false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	on, err := f.svc.IsEnabled(ctx, "alice", category.Promotions)
	if err != nil || on {
		t.Fatalf("IsEnabled = %v, %v", on, err)
	}
	if on, _ := f.svc.IsEnabled(ctx, "bob", category.Promotions); !on {
		t.Fatal("no row must mean enabled")
	}

	ev := model.Event{Kind: model.EventPriceDrop, Title: "Cheaper", Category: category.Promotions}
	st, err := f.svc.DispatchToAudience(ctx, ev, dispatch.Users("alice", "bob"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if st.Sent != 1 || st.Filtered != 1 || st.TotalCandidates != 2 {
		t.Fatalf("stats = %+v", st)
	}

	if _, err := f.svc.SetEnabled(ctx, "alice", "no-such-category", true); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("unknown category err = %v", err)
	}
}

func TestHistoryOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, title := range []string{"one", "two"} {
		if _, err := f.svc.DispatchToAudience(ctx, model.Event{Kind: model.EventNewProduct, Title: title, Category: category.NewProducts}, dispatch.Users("carol")); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}
	st, err := f.svc.GetStats(ctx, "carol")
	if err != nil || st.Total != 2 || st.Unread != 2 {
		t.Fatalf("stats = %+v, %v", st, err)
	}
	recs, _ := f.svc.GetUserNotifications(ctx, "carol", 0)
	if err := f.svc.MarkAsRead(ctx, recs[0].ID); err != nil {
		t.Fatalf("MarkAsRead: %v", err)
	}
	if err := f.svc.DeleteNotification(ctx, recs[1].ID); err != nil {
		t.Fatalf("DeleteNotification: %v", err)
	}
	st, _ = f.svc.GetStats(ctx, "carol")
	if st.Total != 1 || st.Unread != 0 {
		t.Fatalf("stats after = %+v", st)
	}
	if err := f.svc.DeleteNotification(ctx, recs[1].ID); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("second delete err = %v", err)
	}
	if err := f.svc.MarkAsRead(ctx, "missing"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("mark missing err = %v", err)
	}
	if _, err := f.svc.GetStats(ctx, " "); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("blank user err = %v", err)
	}
}

func TestSubscribeValidationAndUnsubscribe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Subscribe(ctx, model.Subscription{UserID: "u", Endpoint: "https://e"}); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("missing keys err = %v", err)
	}
	f.subscribe(t, "u", "https://e")
	if err := f.svc.Unsubscribe(ctx, "u", "https://e"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if err := f.svc.Unsubscribe(ctx, "u", "https://e"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("second unsubscribe err = %v", err)
	}
}

func TestSystemMessageDefaultsToKnownUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, "u1", "https://e/1")
	if _, err := f.svc.SetPermission(ctx, "u2", model.PermissionDefault, 0); err != nil {
		t.Fatalf("SetPermission: %v", err)
	}
	st, err := f.svc.SendSystemMessage(ctx, SystemMessage{Title: "Maintenance tonight"})
	if err != nil || st.TotalCandidates != 2 || st.Sent != 2 {
		t.Fatalf("system message = %+v, %v", st, err)
	}
	if _, err := f.svc.SendSystemMessage(ctx, SystemMessage{}); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("empty title err = %v", err)
	}

	banners := f.hub.Active("u2")
	if len(banners) != 1 {
		t.Fatalf("banners = %+v", banners)
	}
	if err := f.svc.DismissBanner(banners[0].ID); err != nil {
		t.Fatalf("DismissBanner: %v", err)
	}
	if err := f.svc.DismissBanner(banners[0].ID); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("second dismiss err = %v", err)
	}
}

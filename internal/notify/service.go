// Package notify is the engine's public surface. It ties preferences,
// categories, dispatch, history and the banner hub together behind the
// operations exposed over HTTP.
package notify

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"storenotify/internal/apperr"
	"storenotify/internal/category"
	"storenotify/internal/delivery"
	"storenotify/internal/dispatch"
	"storenotify/internal/guard"
	"storenotify/internal/model"
	"storenotify/internal/preference"
	logx "storenotify/pkg/logx"
)

// History is the notification history store.
type History interface {
	ListRecords(ctx context.Context, userID string, limit int) ([]model.Record, error)
	MarkRecordRead(ctx context.Context, id string) (bool, error)
	DeleteRecord(ctx context.Context, id string) (bool, error)
	RecordStats(ctx context.Context, userID string) (model.Stats, error)
}

// Registry holds push subscriptions and local platform links.
type Registry interface {
	UpsertSubscription(ctx context.Context, sub model.Subscription) (model.Subscription, error)
	DeleteSubscription(ctx context.Context, userID, endpoint string) (bool, error)
	GetPlatformLink(ctx context.Context, userID string) (model.PlatformLink, bool, error)
	UpsertPlatformLink(ctx context.Context, l model.PlatformLink) (model.PlatformLink, error)
}

type Categories interface {
	dispatch.CategoryResolver
	GetCategoriesForUser(ctx context.Context, userType string, storeID *string) ([]model.Category, error)
	SyncStoreCategoriesToNotifications(ctx context.Context, storeID string) (category.SyncReport, error)
}

type Dispatcher interface {
	DispatchToAudience(ctx context.Context, ev model.Event, sel dispatch.Selector) (dispatch.Stats, error)
}

type Deps struct {
	History     History
	Registry    Registry
	Users       dispatch.KnownUserSource
	Categories  Categories
	Preferences *preference.Service
	Dispatch    Dispatcher
	Banners     *delivery.Hub
	Locker      guard.Locker
	Log         logx.Logger
}

type Service struct {
	d Deps
}

func New(d Deps) *Service {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Locker == nil {
		d.Locker = guard.NewLocal()
	}
	return &Service{d: d}
}

func required(op, what, v string) error {
	if strings.TrimSpace(v) == "" {
		return apperr.Newf(apperr.KindValidation, op, "%s is required", what)
	}
	return nil
}

// categoryID turns a category reference (id or global name) into an id.
func (s *Service) categoryID(ctx context.Context, op, ref string) (string, error) {
	if err := required(op, "category", ref); err != nil {
		return "", err
	}
	c, err := s.d.Categories.Resolve(ctx, ref)
	if err != nil {
		if apperr.Is(err, apperr.KindDataIntegrity) {
			return "", apperr.Newf(apperr.KindNotFound, op, "category %q not found", ref)
		}
		return "", err
	}
	return c.ID, nil
}

func (s *Service) DispatchToAudience(ctx context.Context, ev model.Event, sel dispatch.Selector) (dispatch.Stats, error) {
	return s.d.Dispatch.DispatchToAudience(ctx, ev, sel)
}

func (s *Service) IsEnabled(ctx context.Context, userID, categoryRef string) (bool, error) {
	const op = "notify.IsEnabled"
	if err := required(op, "user id", userID); err != nil {
		return false, err
	}
	id, err := s.categoryID(ctx, op, categoryRef)
	if err != nil {
		return false, err
	}
	return s.d.Preferences.IsEnabled(ctx, userID, id)
}

func (s *Service) SetEnabled(ctx context.Context, userID, categoryRef string, enabled bool) (model.Preference, error) {
	const op = "notify.SetEnabled"
	if err := required(op, "user id", userID); err != nil {
		return model.Preference{}, err
	}
	id, err := s.categoryID(ctx, op, categoryRef)
	if err != nil {
		return model.Preference{}, err
	}
	return s.d.Preferences.SetEnabled(ctx, userID, id, enabled)
}

func (s *Service) SetAllEnabled(ctx context.Context, userID string, enabled bool) ([]model.Preference, error) {
	return s.d.Preferences.SetAllEnabled(ctx, userID, enabled)
}

func (s *Service) Preferences(ctx context.Context, userID string) ([]model.Preference, error) {
	return s.d.Preferences.List(ctx, userID)
}

// GetUserNotifications returns the user's history, newest first.
func (s *Service) GetUserNotifications(ctx context.Context, userID string, limit int) ([]model.Record, error) {
	const op = "notify.GetUserNotifications"
	if err := required(op, "user id", userID); err != nil {
		return nil, err
	}
	recs, err := s.d.History.ListRecords(ctx, userID, limit)
	if err != nil {
		return nil, apperr.New(apperr.KindTransient, op, err)
	}
	return recs, nil
}

func (s *Service) MarkAsRead(ctx context.Context, id string) error {
	const op = "notify.MarkAsRead"
	if err := required(op, "notification id", id); err != nil {
		return err
	}
	ok, err := s.d.History.MarkRecordRead(ctx, id)
	if err != nil {
		return apperr.New(apperr.KindTransient, op, err)
	}
	if !ok {
		return apperr.Newf(apperr.KindNotFound, op, "notification %q not found", id)
	}
	return nil
}

func (s *Service) DeleteNotification(ctx context.Context, id string) error {
	const op = "notify.DeleteNotification"
	if err := required(op, "notification id", id); err != nil {
		return err
	}
	ok, err := s.d.History.DeleteRecord(ctx, id)
	if err != nil {
		return apperr.New(apperr.KindTransient, op, err)
	}
	if !ok {
		return apperr.Newf(apperr.KindNotFound, op, "notification %q not found", id)
	}
	return nil
}

func (s *Service) GetStats(ctx context.Context, userID string) (model.Stats, error) {
	const op = "notify.GetStats"
	if err := required(op, "user id", userID); err != nil {
		return model.Stats{}, err
	}
	st, err := s.d.History.RecordStats(ctx, userID)
	if err != nil {
		return model.Stats{}, apperr.New(apperr.KindTransient, op, err)
	}
	return st, nil
}

func (s *Service) Categories(ctx context.Context, userType string, storeID *string) ([]model.Category, error) {
	return s.d.Categories.GetCategoriesForUser(ctx, userType, storeID)
}

func (s *Service) SyncStoreCategories(ctx context.Context, storeID string) (category.SyncReport, error) {
	return s.d.Categories.SyncStoreCategoriesToNotifications(ctx, storeID)
}

// Subscribe registers a push endpoint. Registrations of one user are
// serialized so a re-register racing an unsubscribe settles in call order.
func (s *Service) Subscribe(ctx context.Context, sub model.Subscription) (model.Subscription, error) {
	const op = "notify.Subscribe"
	if err := required(op, "user id", sub.UserID); err != nil {
		return model.Subscription{}, err
	}
	if err := required(op, "endpoint", sub.Endpoint); err != nil {
		return model.Subscription{}, err
	}
	if sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		return model.Subscription{}, apperr.Newf(apperr.KindValidation, op, "subscription keys are required")
	}
	if sub.Category != nil {
		id, err := s.categoryID(ctx, op, *sub.Category)
		if err != nil {
			return model.Subscription{}, err
		}
		sub.Category = &id
	}
	return guard.Do(ctx, s.d.Locker, subscriptionLock(sub.UserID), func(ctx context.Context, _ model.LockTicket) (model.Subscription, error) {
		out, err := s.d.Registry.UpsertSubscription(ctx, sub)
		if err != nil {
			return model.Subscription{}, apperr.New(apperr.KindTransient, op, err)
		}
		s.d.Log.Info("push subscription registered", logx.String("user_id", sub.UserID))
		return out, nil
	})
}

func (s *Service) Unsubscribe(ctx context.Context, userID, endpoint string) error {
	const op = "notify.Unsubscribe"
	if err := required(op, "user id", userID); err != nil {
		return err
	}
	if err := required(op, "endpoint", endpoint); err != nil {
		return err
	}
	return s.d.Locker.WithLock(ctx, subscriptionLock(userID), func(ctx context.Context, _ model.LockTicket) error {
		ok, err := s.d.Registry.DeleteSubscription(ctx, userID, endpoint)
		if err != nil {
			return apperr.New(apperr.KindTransient, op, err)
		}
		if !ok {
			return apperr.Newf(apperr.KindNotFound, op, "subscription not found")
		}
		return nil
	})
}

func subscriptionLock(userID string) string { return "subscription:" + userID }

// SetPermission records the local-notification permission state. A zero
// chatID keeps the existing link.
func (s *Service) SetPermission(ctx context.Context, userID string, perm model.Permission, chatID int64) (model.PlatformLink, error) {
	const op = "notify.SetPermission"
	if err := required(op, "user id", userID); err != nil {
		return model.PlatformLink{}, err
	}
	if _, ok := model.ParsePermission(string(perm)); !ok {
		return model.PlatformLink{}, apperr.Newf(apperr.KindValidation, op, "unknown permission state %q", perm)
	}
	if chatID == 0 {
		cur, ok, err := s.d.Registry.GetPlatformLink(ctx, userID)
		if err != nil {
			return model.PlatformLink{}, apperr.New(apperr.KindTransient, op, err)
		}
		if ok {
			chatID = cur.ChatID
		}
	}
	l, err := s.d.Registry.UpsertPlatformLink(ctx, model.PlatformLink{UserID: userID, Permission: perm, ChatID: chatID})
	if err != nil {
		return model.PlatformLink{}, apperr.New(apperr.KindTransient, op, err)
	}
	return l, nil
}

type SystemMessage struct {
	Title     string
	Body      string
	Category  string
	TargetURL string
	// UserIDs limits the audience; empty means every known user.
	UserIDs []string
}

// SendSystemMessage dispatches an operator message. The category defaults
// to the staff-only system category.
func (s *Service) SendSystemMessage(ctx context.Context, m SystemMessage) (dispatch.Stats, error) {
	const op = "notify.SendSystemMessage"
	if err := required(op, "title", m.Title); err != nil {
		return dispatch.Stats{}, err
	}
	if strings.TrimSpace(m.Category) == "" {
		m.Category = category.System
	}
	sel := dispatch.KnownUsers(s.d.Users)
	if len(m.UserIDs) > 0 {
		sel = dispatch.Users(m.UserIDs...)
	}
	ev := model.Event{
		Kind:      model.EventSystemMessage,
		Key:       "system:" + uuid.NewString(),
		Title:     m.Title,
		Body:      m.Body,
		Category:  m.Category,
		TargetURL: m.TargetURL,
	}
	return s.d.Dispatch.DispatchToAudience(ctx, ev, sel)
}

// DismissBanner removes an active in-app banner.
func (s *Service) DismissBanner(id string) error {
	if s.d.Banners == nil || !s.d.Banners.Dismiss(id) {
		return apperr.Newf(apperr.KindNotFound, "notify.DismissBanner", "banner %q not active", id)
	}
	return nil
}

func (s *Service) Banners() *delivery.Hub { return s.d.Banners }

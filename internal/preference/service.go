// Package preference decides whether a user wants notifications of a category.
//
// Lookups walk a ranked provider chain (durable store, then the local
// fallback of failed writes). Absence of any row means enabled. Once the
// durable store answers for a user, that user's fallback entries are dropped.
package preference

import (
	"context"
	"errors"
	"strings"
	"time"

	"storenotify/internal/apperr"
	"storenotify/internal/model"
	logx "storenotify/pkg/logx"
)

// CategorySource lists the categories a user can toggle.
type CategorySource interface {
	GetCategoriesForUser(ctx context.Context, userType string, storeID *string) ([]model.Category, error)
}

type Service struct {
	store      Store
	fallback   *Fallback
	providers  []Provider
	categories CategorySource
	log        logx.Logger
	now        func() time.Time
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithFallbackTTL bounds how long an unsynced write intent is honored.
func WithFallbackTTL(ttl time.Duration) Option {
	return func(s *Service) { s.fallback.ttl = ttl }
}

func New(store Store, categories CategorySource, opts ...Option) *Service {
	s := &Service{
		store:      store,
		categories: categories,
		log:        logx.Nop(),
		now:        time.Now,
	}
	s.fallback = NewFallback(24*time.Hour, func() time.Time { return s.now() })
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.providers = []Provider{durableProvider{st: store}, s.fallback}
	return s
}

// Fallback exposes the local intent store (diagnostics).
func (s *Service) Fallback() *Fallback { return s.fallback }

func validateIDs(op, userID, categoryID string) error {
	if strings.TrimSpace(userID) == "" {
		return apperr.Newf(apperr.KindValidation, op, "user id is required")
	}
	if strings.TrimSpace(categoryID) == "" {
		return apperr.Newf(apperr.KindValidation, op, "category id is required")
	}
	return nil
}

// IsEnabled reports whether userID receives categoryID notifications.
func (s *Service) IsEnabled(ctx context.Context, userID, categoryID string) (bool, error) {
	a, err := s.Lookup(ctx, userID, categoryID)
	return a.Enabled, err
}

// Lookup is IsEnabled with the explicit/default distinction.
func (s *Service) Lookup(ctx context.Context, userID, categoryID string) (Answer, error) {
	if err := validateIDs("preference.IsEnabled", userID, categoryID); err != nil {
		return Answer{}, err
	}
	for _, p := range s.providers {
		a, ok, err := p.Lookup(ctx, userID, categoryID)
		if err != nil {
			if ctx.Err() != nil {
				return Answer{}, ctx.Err()
			}
			s.log.Debug("preference provider unavailable", logx.String("provider", p.Name()), logx.Err(err))
			continue
		}
		if !ok {
			continue
		}
		if p != Provider(s.fallback) {
			s.fallback.DropUser(userID)
		}
		return a, nil
	}
	return Answer{Enabled: true}, nil
}

// SetEnabled upserts the (user, category) row. When the durable write fails
// the intent is kept locally and a transient error is returned.
func (s *Service) SetEnabled(ctx context.Context, userID, categoryID string, enabled bool) (model.Preference, error) {
	const op = "preference.SetEnabled"
	if err := validateIDs(op, userID, categoryID); err != nil {
		return model.Preference{}, err
	}
	p, err := s.store.UpsertPreference(ctx, model.Preference{
		UserID:     userID,
		CategoryID: categoryID,
		IsEnabled:  enabled,
		UpdatedAt:  s.now(),
	})
	if err != nil {
		s.fallback.Record(userID, categoryID, enabled)
		s.log.Warn("preference write degraded to local fallback",
			logx.String("user_id", userID), logx.String("category_id", categoryID), logx.Err(err))
		return model.Preference{UserID: userID, CategoryID: categoryID, IsEnabled: enabled, UpdatedAt: s.now()},
			apperr.New(apperr.KindTransient, op, err)
	}
	s.fallback.Forget(userID, categoryID)
	return p, nil
}

// SetAllEnabled sets every category visible to the user. Categories are
// written independently; failures are collected into one transient error.
func (s *Service) SetAllEnabled(ctx context.Context, userID string, enabled bool) ([]model.Preference, error) {
	const op = "preference.SetAllEnabled"
	if strings.TrimSpace(userID) == "" {
		return nil, apperr.Newf(apperr.KindValidation, op, "user id is required")
	}
	cats, err := s.categories.GetCategoriesForUser(ctx, "", nil)
	if err != nil {
		return nil, apperr.New(apperr.KindTransient, op, err)
	}
	out := make([]model.Preference, 0, len(cats))
	var errs []error
	for _, c := range cats {
		p, err := s.SetEnabled(ctx, userID, c.ID, enabled)
		out = append(out, p)
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return out, apperr.New(apperr.KindTransient, op, errors.Join(errs...))
	}
	return out, nil
}

// List returns the user's explicit rows. While the durable store is
// unreachable the local intents are returned instead.
func (s *Service) List(ctx context.Context, userID string) ([]model.Preference, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperr.Newf(apperr.KindValidation, "preference.List", "user id is required")
	}
	prefs, err := s.store.ListPreferences(ctx, userID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.log.Warn("preference list served from local fallback", logx.String("user_id", userID), logx.Err(err))
		return s.fallback.List(userID), nil
	}
	s.fallback.DropUser(userID)
	return prefs, nil
}

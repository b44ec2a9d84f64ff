package category

import (
	"context"
	"strings"

	"storenotify/internal/apperr"
	"storenotify/internal/model"
	logx "storenotify/pkg/logx"
)

type SyncFailure struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

type SyncReport struct {
	StoreID  string        `json:"store_id"`
	Scanned  int           `json:"scanned"`
	Created  []string      `json:"created"`
	Existing int           `json:"existing"`
	Failed   []SyncFailure `json:"failed,omitempty"`
}

// SyncStoreCategoriesToNotifications creates one store-scoped notification
// category per catalog category of storeID. Existing (store, name) pairs are
// left alone, so running it twice is a no-op. A failing item does not stop
// the others.
func (r *Resolver) SyncStoreCategoriesToNotifications(ctx context.Context, storeID string) (SyncReport, error) {
	const op = "category.Sync"
	storeID = strings.TrimSpace(storeID)
	rep := SyncReport{StoreID: storeID}
	if storeID == "" {
		return rep, apperr.Newf(apperr.KindValidation, op, "store id is required")
	}
	items, err := r.store.ListStoreCategories(ctx, storeID)
	if err != nil {
		return rep, apperr.New(apperr.KindTransient, op, err)
	}
	scope := storeID
	for _, it := range items {
		rep.Scanned++
		name := strings.TrimSpace(it.Name)
		if name == "" {
			rep.Failed = append(rep.Failed, SyncFailure{Name: it.ID, Error: "empty name"})
			continue
		}
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		_, created, err := r.store.InsertCategoryIfAbsent(ctx, model.Category{
			Name:         name,
			Description:  it.Description,
			IsActive:     true,
			ScopeStoreID: &scope,
		})
		switch {
		case err != nil:
			rep.Failed = append(rep.Failed, SyncFailure{Name: name, Error: err.Error()})
			r.log.Warn("category sync item failed", logx.String("store_id", storeID), logx.String("name", name), logx.Err(err))
		case created:
			rep.Created = append(rep.Created, name)
		default:
			rep.Existing++
		}
	}
	if len(rep.Created) > 0 {
		r.lists.Invalidate(cacheKey(&scope))
	}
	r.log.Info("store categories synced",
		logx.String("store_id", storeID),
		logx.Int("scanned", rep.Scanned),
		logx.Int("created", len(rep.Created)),
		logx.Int("failed", len(rep.Failed)),
	)
	return rep, nil
}

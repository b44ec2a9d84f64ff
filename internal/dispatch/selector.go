package dispatch

import (
	"context"
	"sort"
	"strings"
)

// Selector resolves the audience of a dispatch. Key identifies the audience
// for request coalescing.
type Selector struct {
	Key     string
	Resolve func(ctx context.Context) ([]string, error)
}

// Users targets a fixed list of user ids.
func Users(ids ...string) Selector {
	cp := append([]string(nil), ids...)
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return Selector{
		Key:     "users:" + strings.Join(sorted, ","),
		Resolve: func(context.Context) ([]string, error) { return cp, nil },
	}
}

type SubscriberSource interface {
	ActiveSubscriberIDs(ctx context.Context, category string) ([]string, error)
}

// ActiveSubscribers targets users holding an active push subscription whose
// category is empty or equals category.
func ActiveSubscribers(src SubscriberSource, category string) Selector {
	return Selector{
		Key: "subscribers:" + category,
		Resolve: func(ctx context.Context) ([]string, error) {
			return src.ActiveSubscriberIDs(ctx, category)
		},
	}
}

type KnownUserSource interface {
	KnownUserIDs(ctx context.Context) ([]string, error)
}

// KnownUsers targets every user with a preference, subscription or link.
func KnownUsers(src KnownUserSource) Selector {
	return Selector{Key: "known", Resolve: src.KnownUserIDs}
}

// uniqueIDs drops blanks and repeats, keeping resolution order.
func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Package model holds the engine's data types shared across packages.
package model

import (
	"strings"
	"time"
)

// Category is a notification category. Global categories have a nil ScopeStoreID.
type Category struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	IsActive     bool      `json:"is_active"`
	ScopeStoreID *string   `json:"scope_store_id"`
	CreatedAt    time.Time `json:"created_at"`
}

func (c Category) IsGlobal() bool { return c.ScopeStoreID == nil }

// Preference is one (user, category) opt-in/opt-out row.
type Preference struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	CategoryID string    `json:"category_id"`
	IsEnabled  bool      `json:"is_enabled"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type EventKind string

const (
	EventNewProduct       EventKind = "new_product"
	EventPriceDrop        EventKind = "price_drop"
	EventReservationAlert EventKind = "reservation_alert"
	EventSystemMessage    EventKind = "system_message"
)

// Event is an ephemeral delivery request. Only its rendered Record is persisted.
//
// Category is a reference: either a category ID or a global category name.
// Key identifies the logical event for dedup/coalescing; when empty it is
// derived from Kind, Category and Title.
type Event struct {
	Kind      EventKind      `json:"kind"`
	Key       string         `json:"key,omitempty"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Category  string         `json:"category"`
	TargetURL string         `json:"target_url,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// DedupKey returns the event identity used for dedup and request coalescing.
func (e Event) DedupKey() string {
	if k := strings.TrimSpace(e.Key); k != "" {
		return k
	}
	return string(e.Kind) + "|" + e.Category + "|" + e.Title
}

type SourceChannel string

const (
	SourceRemote   SourceChannel = "remote"
	SourceLocal    SourceChannel = "local"
	SourceInApp    SourceChannel = "in-app"
	SourceDatabase SourceChannel = "database"
)

// Record is a persisted history row.
type Record struct {
	ID            string        `json:"id"`
	UserID        string        `json:"user_id"`
	Title         string        `json:"title"`
	Message       string        `json:"message"`
	Category      string        `json:"category"`
	SourceChannel SourceChannel `json:"source_channel"`
	IsRead        bool          `json:"is_read"`
	CreatedAt     time.Time     `json:"created_at"`
}

type SubscriptionKeys struct {
	P256dh string `json:"p256dh" validate:"required"`
	Auth   string `json:"auth" validate:"required"`
}

// Subscription is a remote push endpoint registered by a user.
type Subscription struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	Endpoint  string           `json:"endpoint"`
	Keys      SubscriptionKeys `json:"keys"`
	Category  *string          `json:"category,omitempty"`
	IsActive  bool             `json:"is_active"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Permission is the local-notification permission tri-state.
type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

func ParsePermission(s string) (Permission, bool) {
	switch Permission(strings.ToLower(strings.TrimSpace(s))) {
	case PermissionDefault:
		return PermissionDefault, true
	case PermissionGranted:
		return PermissionGranted, true
	case PermissionDenied:
		return PermissionDenied, true
	}
	return "", false
}

// PlatformLink is the user's local-notification state.
// ChatID addresses the user on the local transport (0 = not linked).
type PlatformLink struct {
	UserID     string     `json:"user_id"`
	Permission Permission `json:"permission"`
	ChatID     int64      `json:"chat_id"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Stats is a user's history summary.
type Stats struct {
	Total  int `json:"total"`
	Unread int `json:"unread"`
}

// LockTicket identifies a held critical section. Never persisted.
type LockTicket struct {
	Name       string
	AcquiredAt time.Time
}

// ---- collaborator rows (owned by the catalog/reservation system) ----

type StoreCategory struct {
	ID          string `json:"id"`
	StoreID     string `json:"store_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type Product struct {
	ID            string  `json:"id"`
	StoreID       string  `json:"store_id"`
	CategoryID    string  `json:"category_id"`
	Name          string  `json:"name"`
	Price         float64 `json:"price"`
	PreviousPrice float64 `json:"previous_price"`
}

type Reservation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ProductID string    `json:"product_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Status    string    `json:"status"`
}

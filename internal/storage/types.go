package storage

import (
	"encoding/json"
	"errors"
	"time"

	"storenotify/internal/eventbus"
	logx "storenotify/pkg/logx"
)

var ErrClosed = errors.New("storage closed")

// Config configures the store.
//
// Driver values:
//   - "sqlite" (default): Path is the database file
//   - "postgres": DSN is the connection string
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int

	// Bus receives "change.<table>.<op>" events for collaborator writes.
	Bus eventbus.Bus
	Log logx.Logger
}

const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

const (
	TableProducts        = "products"
	TableReservations    = "reservations"
	TableStoreCategories = "store_categories"
)

// Change is one row-level change of a collaborator table.
// New/Old hold the row as JSON keyed by column name.
type Change struct {
	Table string          `json:"table"`
	Op    string          `json:"op"`
	New   json.RawMessage `json:"new,omitempty"`
	Old   json.RawMessage `json:"old,omitempty"`
}

// ChangeEventType is the event bus type for a change.
func ChangeEventType(table, op string) string { return "change." + table + "." + op }

// Filter selects changes of one table, optionally restricted to some ops.
type Filter struct {
	Table string
	Ops   []string
}

func (f Filter) Match(c Change) bool {
	if f.Table != "" && c.Table != f.Table {
		return false
	}
	if len(f.Ops) == 0 {
		return true
	}
	for _, op := range f.Ops {
		if op == c.Op {
			return true
		}
	}
	return false
}

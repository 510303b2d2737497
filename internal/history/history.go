// Package history keeps a durable log of request notices for audit and for
// the web front-end's recent activity view. It is a mirror only: queue state
// is never restored from it.
package history

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/crossqueue/internal/queue"
)

// Record is one stored notice.
type Record struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Island    int       `gorm:"index:idx_island_at" json:"island"`
	RequestID uint64    `gorm:"index" json:"request_id"`
	Kind      string    `gorm:"size:16" json:"kind"`
	Type      string    `gorm:"size:16" json:"type"`
	FrontEnd  string    `gorm:"size:32" json:"front_end"`
	UserID    string    `gorm:"size:128" json:"user_id"`
	Username  string    `gorm:"size:128" json:"username,omitempty"`
	Text      string    `json:"text"`
	Terminal  bool      `json:"terminal"`
	At        time.Time `gorm:"index:idx_island_at" json:"at"`
}

// TableName pins the table name.
func (Record) TableName() string { return "notice_history" }

// FromNotice converts a notice into a record.
func FromNotice(n queue.Notice) Record {
	return Record{
		ID:        n.ID,
		Island:    n.Island,
		RequestID: uint64(n.RequestID),
		Kind:      string(n.Kind),
		Type:      string(n.Type),
		FrontEnd:  n.Origin.FrontEnd,
		UserID:    n.Origin.UserID,
		Username:  n.Origin.Username,
		Text:      n.Text,
		Terminal:  n.Terminal,
		At:        n.At,
	}
}

// Query filters Recent. Zero fields match everything.
type Query struct {
	Island    int
	RequestID uint64
	Limit     int
}

// Store persists records.
type Store interface {
	Append(ctx context.Context, r Record) error
	// Recent returns matching records, newest first.
	Recent(ctx context.Context, q Query) ([]Record, error)
	Close() error
}

// Config selects and configures the backing store.
type Config struct {
	// Driver is one of "", "sqlite", "postgres" or "badger". Empty disables
	// history.
	Driver string `mapstructure:"driver" validate:"omitempty,oneof=sqlite postgres badger"`
	DSN    string `mapstructure:"dsn"`
	// Retention applies to the badger store only.
	Retention time.Duration `mapstructure:"retention"`
}

// Open builds the store named by cfg.Driver.
func Open(cfg Config, log *zap.Logger) (Store, error) {
	switch cfg.Driver {
	case "sqlite", "postgres":
		return OpenSQL(cfg.Driver, cfg.DSN, log)
	case "badger":
		return OpenBadger(cfg.DSN, cfg.Retention)
	default:
		return nil, fmt.Errorf("unsupported history driver %q", cfg.Driver)
	}
}

// Recorder adapts a Store to the notice mirror interface.
type Recorder struct {
	Store Store
}

// PublishNotice stores n.
func (r Recorder) PublishNotice(ctx context.Context, n queue.Notice) error {
	return r.Store.Append(ctx, FromNotice(n))
}

const defaultLimit = 50

func limitOf(q Query) int {
	if q.Limit <= 0 || q.Limit > 1000 {
		return defaultLimit
	}
	return q.Limit
}

func sortNewestFirst(rs []Record) {
	sort.SliceStable(rs, func(i, j int) bool {
		if !rs[i].At.Equal(rs[j].At) {
			return rs[i].At.After(rs[j].At)
		}
		return rs[i].ID > rs[j].ID
	})
}

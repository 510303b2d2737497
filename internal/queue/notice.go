package queue

import (
	"time"

	"github.com/google/uuid"
)

// NoticeType classifies a notice sent back to a front-end.
type NoticeType string

const (
	NoticeAdded      NoticeType = "added"
	NoticeConfirmed  NoticeType = "confirmed"
	NoticeEnqueued   NoticeType = "enqueued"
	NoticeDispatched NoticeType = "dispatched"
	NoticeCompleted  NoticeType = "completed"
	NoticeFailed     NoticeType = "failed"
	NoticeCancelled  NoticeType = "cancelled"
	NoticeEvicted    NoticeType = "evicted"
	NoticeExpired    NoticeType = "expired"
	NoticeCleared    NoticeType = "cleared"
)

// Notice is a human readable message for the origin of a request.
type Notice struct {
	ID        string     `json:"id"`
	Island    int        `json:"island"`
	RequestID ID         `json:"request_id"`
	Kind      Kind       `json:"kind"`
	Type      NoticeType `json:"type"`
	Origin    Origin     `json:"origin"`
	Text      string     `json:"text"`
	Terminal  bool       `json:"terminal"`
	At        time.Time  `json:"at"`
}

// Notifier receives notices. Implementations must not block: queues call
// Notify right after releasing their lock.
type Notifier interface {
	Notify(Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

type nopNotifier struct{}

func (nopNotifier) Notify(Notice) {}

// NopNotifier discards notices.
func NopNotifier() Notifier { return nopNotifier{} }

// Clock supplies the current time. Tests inject a fixed clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// NewNotice builds a notice for r.
func NewNotice(island int, r *Request, typ NoticeType, text string, at time.Time) Notice {
	return Notice{
		ID:        uuid.NewString(),
		Island:    island,
		RequestID: r.ID,
		Kind:      r.Kind,
		Type:      typ,
		Origin:    r.Origin,
		Text:      text,
		Terminal:  r.State().Terminal(),
		At:        at,
	}
}

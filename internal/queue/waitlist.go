package queue

import (
	"crypto/subtle"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Aidin1998/crossqueue/pkg/errors"
	"github.com/Aidin1998/crossqueue/pkg/metrics"
)

// OverflowPolicy decides what happens when a bounded queue is full.
type OverflowPolicy string

const (
	// OverflowEvictOldest drops the logically oldest entry and notifies its origin.
	OverflowEvictOldest OverflowPolicy = "evict_oldest"
	// OverflowReject refuses the new entry with CapacityExceeded.
	OverflowReject OverflowPolicy = "reject"
)

// WaitListConfig holds configuration for the waiting list.
type WaitListConfig struct {
	Island   int
	Capacity int
	// TTL is the age after which an unconfirmed entry is stale.
	TTL      time.Duration
	Overflow OverflowPolicy
}

// DefaultWaitListConfig returns the limits observed in production: one
// hundred pending confirmations, dropped oldest first.
func DefaultWaitListConfig() WaitListConfig {
	return WaitListConfig{
		Capacity: 100,
		TTL:      10 * time.Minute,
		Overflow: OverflowEvictOldest,
	}
}

// WaitList holds unconfirmed orders and mediates the confirmation handshake.
type WaitList struct {
	cfg      WaitListConfig
	ids      *Allocator
	codes    CodeGenerator
	clock    Clock
	notifier Notifier

	mu  sync.Mutex
	set *orderedSet
}

// NewWaitList creates a waiting list. Zero config fields take defaults.
func NewWaitList(cfg WaitListConfig, ids *Allocator, codes CodeGenerator, clock Clock, notifier Notifier) *WaitList {
	def := DefaultWaitListConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.Overflow == "" {
		cfg.Overflow = def.Overflow
	}
	if clock == nil {
		clock = SystemClock()
	}
	if notifier == nil {
		notifier = NopNotifier()
	}
	return &WaitList{
		cfg:      cfg,
		ids:      ids,
		codes:    codes,
		clock:    clock,
		notifier: notifier,
		set:      newOrderedSet(),
	}
}

// Add creates an order request in the Waiting state and returns it with its
// 1-based position.
func (w *WaitList) Add(origin Origin, payload OrderPayload) (*Request, int, error) {
	now := w.clock.Now()
	id := w.ids.Next()
	code, err := w.codes.Code(id)
	if err != nil {
		return nil, 0, errors.Unavailable.Explain("could not issue a confirmation code").Wrap(err)
	}
	req := NewRequest(id, KindOrder, origin, now)
	req.Order = &payload
	req.Code = code

	w.mu.Lock()
	var evicted []*Request
	if w.set.len() >= w.cfg.Capacity {
		if w.cfg.Overflow == OverflowReject {
			w.mu.Unlock()
			return nil, 0, errors.CapacityExceeded.Explain("the waiting list is full (%d entries), please try again later", w.cfg.Capacity)
		}
		for w.set.len() >= w.cfg.Capacity {
			e, ok := w.set.popMin()
			if !ok {
				break
			}
			evicted = append(evicted, e.req)
		}
	}
	w.set.insert(now, req)
	pos := w.set.position(id)
	depth := w.set.len()
	w.mu.Unlock()

	w.report(depth)
	for _, r := range evicted {
		w.end(r, StateExpired, ReasonEvicted, NoticeEvicted,
			fmt.Sprintf("Removed @%s from the waiting list: stale request.", r.Origin.Name()), now)
	}
	w.notifier.Notify(NewNotice(w.cfg.Island, req, NoticeAdded,
		fmt.Sprintf("@%s - added to the waiting list at position %d. Whisper your confirmation code to finish your order.", origin.Name(), pos), now))
	return req, pos, nil
}

// Confirm removes and returns the newest waiting entry of origin whose code
// matches exactly. Expired entries never match. On a miss nothing changes.
func (w *WaitList) Confirm(origin Origin, code string) (*Request, error) {
	now := w.clock.Now()
	identity := origin.Identity()

	w.mu.Lock()
	var match *Request
	w.set.newest(func(e entry) bool {
		r := e.req
		if r.Origin.Identity() != identity || w.expired(e, now) {
			return true
		}
		if subtle.ConstantTimeCompare([]byte(r.Code), []byte(code)) == 1 {
			match = r
			return false
		}
		return true
	})
	if match != nil {
		w.set.remove(match.ID)
	}
	depth := w.set.len()
	w.mu.Unlock()

	if match == nil {
		return nil, errors.NotFound.Explain("@%s - that confirmation code is invalid or has expired", origin.Name())
	}
	w.report(depth)
	return match, nil
}

// Evict drops an unconfirmed entry as stale.
func (w *WaitList) Evict(id ID) bool {
	return w.drop(id, StateExpired, ReasonExpired, NoticeExpired, "Removed @%s from the waiting list: stale request.")
}

// Cancel drops an unconfirmed entry at the user's request.
func (w *WaitList) Cancel(id ID) bool {
	return w.drop(id, StateCancelled, ReasonCancelled, NoticeCancelled, "@%s - your pending order has been removed.")
}

func (w *WaitList) drop(id ID, state State, reason Reason, typ NoticeType, format string) bool {
	w.mu.Lock()
	r, ok := w.set.remove(id)
	depth := w.set.len()
	w.mu.Unlock()
	if !ok {
		return false
	}
	w.report(depth)
	w.end(r, state, reason, typ, fmt.Sprintf(format, r.Origin.Name()), w.clock.Now())
	return true
}

// Expire removes every entry older than the configured TTL.
func (w *WaitList) Expire() []*Request {
	now := w.clock.Now()

	w.mu.Lock()
	var stale []*Request
	for {
		e, ok := w.set.min()
		if !ok || !w.expired(e, now) {
			break
		}
		w.set.popMin()
		stale = append(stale, e.req)
	}
	depth := w.set.len()
	w.mu.Unlock()

	if len(stale) == 0 {
		return nil
	}
	w.report(depth)
	for _, r := range stale {
		w.end(r, StateExpired, ReasonExpired, NoticeExpired,
			fmt.Sprintf("Removed @%s from the waiting list: stale request.", r.Origin.Name()), now)
	}
	return stale
}

// Clear drops every waiting entry and returns how many were removed.
func (w *WaitList) Clear() int {
	w.mu.Lock()
	cleared := w.set.clear()
	w.mu.Unlock()

	w.report(0)
	now := w.clock.Now()
	for _, r := range cleared {
		w.end(r, StateCancelled, ReasonCleared, NoticeCleared,
			fmt.Sprintf("@%s - the waiting list was cleared, please order again later.", r.Origin.Name()), now)
	}
	return len(cleared)
}

// Position returns the 1-based position of id.
func (w *WaitList) Position(id ID) (int, error) {
	w.mu.Lock()
	pos := w.set.position(id)
	w.mu.Unlock()
	if pos == 0 {
		return 0, errors.NotFound.Explain("request %d is not on the waiting list", id)
	}
	return pos, nil
}

// Find returns the newest waiting entry of the given origin identity.
func (w *WaitList) Find(identity string) (*Request, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var found *Request
	w.set.newest(func(e entry) bool {
		if e.req.Origin.Identity() == identity {
			found = e.req
			return false
		}
		return true
	})
	return found, found != nil
}

// Len returns the number of waiting entries.
func (w *WaitList) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.set.len()
}

// Snapshot returns the entries in order, oldest first.
func (w *WaitList) Snapshot() []*Request {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.set.items()
}

// TTL returns the configured staleness age.
func (w *WaitList) TTL() time.Duration { return w.cfg.TTL }

func (w *WaitList) expired(e entry, now time.Time) bool {
	return now.Sub(e.at) > w.cfg.TTL
}

func (w *WaitList) end(r *Request, state State, reason Reason, typ NoticeType, text string, now time.Time) {
	if !r.withdraw(state, reason, text) {
		return
	}
	w.notifier.Notify(NewNotice(w.cfg.Island, r, typ, text, now))
}

func (w *WaitList) report(depth int) {
	metrics.QueueDepth.WithLabelValues(strconv.Itoa(w.cfg.Island), "waiting").Set(float64(depth))
}

package queue

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/Aidin1998/crossqueue/pkg/errors"
	"github.com/Aidin1998/crossqueue/pkg/metrics"
)

// TradeQueueConfig holds configuration for the trade queue.
type TradeQueueConfig struct {
	Island   int
	Capacity int
	Overflow OverflowPolicy
}

// DefaultTradeQueueConfig applies the waiting list limits to the trade queue.
func DefaultTradeQueueConfig() TradeQueueConfig {
	return TradeQueueConfig{
		Capacity: 100,
		Overflow: OverflowEvictOldest,
	}
}

// TradeQueue serializes confirmed orders for one resource instance.
type TradeQueue struct {
	cfg      TradeQueueConfig
	clock    Clock
	notifier Notifier
	ready    chan struct{}

	mu  sync.Mutex
	set *orderedSet
}

// NewTradeQueue creates a trade queue. Zero config fields take defaults.
func NewTradeQueue(cfg TradeQueueConfig, clock Clock, notifier Notifier) *TradeQueue {
	def := DefaultTradeQueueConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
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
	return &TradeQueue{
		cfg:      cfg,
		clock:    clock,
		notifier: notifier,
		ready:    make(chan struct{}, 1),
		set:      newOrderedSet(),
	}
}

// Enqueue appends a waiting or confirmed request and returns its position.
// The request keeps the ID it was given by the waiting list.
func (q *TradeQueue) Enqueue(req *Request) (int, error) {
	if req == nil {
		return 0, errors.Invalid.Explain("nil request")
	}
	now := q.clock.Now()

	q.mu.Lock()
	if q.set.has(req.ID) {
		q.mu.Unlock()
		return 0, errors.Invalid.Explain("request %d is already queued", req.ID)
	}
	if q.set.len() >= q.cfg.Capacity && q.cfg.Overflow == OverflowReject {
		q.mu.Unlock()
		return 0, errors.CapacityExceeded.Explain("the queue is full (%d entries), please try again later", q.cfg.Capacity)
	}
	if !req.confirm() {
		q.mu.Unlock()
		return 0, errors.NotFound.Explain("request %d is no longer pending", req.ID)
	}
	var evicted []*Request
	for q.set.len() >= q.cfg.Capacity {
		e, ok := q.set.popMin()
		if !ok {
			break
		}
		evicted = append(evicted, e.req)
	}
	q.set.insert(now, req)
	pos := q.set.position(req.ID)
	depth := q.set.len()
	q.mu.Unlock()

	q.report(depth)
	q.signal()
	for _, r := range evicted {
		q.end(r, StateExpired, ReasonEvicted, NoticeEvicted,
			fmt.Sprintf("@%s - your order was removed because the queue is full.", r.Origin.Name()))
	}
	return pos, nil
}

// Dequeue pops the head and marks it Dispatched.
func (q *TradeQueue) Dequeue() (*Request, bool) {
	q.mu.Lock()
	defer func() {
		depth := q.set.len()
		q.mu.Unlock()
		q.report(depth)
	}()
	for {
		e, ok := q.set.popMin()
		if !ok {
			return nil, false
		}
		if e.req.advance(StateConfirmed, StateDispatched) {
			return e.req, true
		}
	}
}

// Position returns the 1-based distance of id from the head, computed from
// the current order.
func (q *TradeQueue) Position(id ID) (int, error) {
	q.mu.Lock()
	pos := q.set.position(id)
	q.mu.Unlock()
	if pos == 0 {
		return 0, errors.NotFound.Explain("request %d is not in the queue", id)
	}
	return pos, nil
}

// Cancel removes id regardless of its position.
func (q *TradeQueue) Cancel(id ID) bool {
	q.mu.Lock()
	r, ok := q.set.remove(id)
	depth := q.set.len()
	q.mu.Unlock()
	if !ok {
		return false
	}
	q.report(depth)
	q.end(r, StateCancelled, ReasonCancelled, NoticeCancelled,
		fmt.Sprintf("@%s - your order has been removed from the queue.", r.Origin.Name()))
	return true
}

// Clear drains the queue and returns how many entries were removed.
func (q *TradeQueue) Clear() int {
	q.mu.Lock()
	cleared := q.set.clear()
	q.mu.Unlock()

	q.report(0)
	for _, r := range cleared {
		q.end(r, StateCancelled, ReasonCleared, NoticeCleared,
			fmt.Sprintf("@%s - the queue was cleared by an operator, your order has been removed.", r.Origin.Name()))
	}
	return len(cleared)
}

// Find returns the newest queued request of the given origin identity.
func (q *TradeQueue) Find(identity string) (*Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var found *Request
	q.set.newest(func(e entry) bool {
		if e.req.Origin.Identity() == identity {
			found = e.req
			return false
		}
		return true
	})
	return found, found != nil
}

// FindByUsername returns the newest queued request whose origin username
// matches, case-sensitively, on the given front-end.
func (q *TradeQueue) FindByUsername(frontEnd, username string) (*Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var found *Request
	q.set.newest(func(e entry) bool {
		o := e.req.Origin
		if o.FrontEnd == frontEnd && o.Username == username {
			found = e.req
			return false
		}
		return true
	})
	return found, found != nil
}

// Len returns the number of queued requests.
func (q *TradeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.set.len()
}

// Snapshot returns the queued requests in dispatch order.
func (q *TradeQueue) Snapshot() []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.set.items()
}

// Ready receives a value after an Enqueue. It is a wake-up hint only; the
// consumer must still call Dequeue.
func (q *TradeQueue) Ready() <-chan struct{} { return q.ready }

func (q *TradeQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *TradeQueue) end(r *Request, state State, reason Reason, typ NoticeType, text string) {
	if !r.withdraw(state, reason, text) {
		return
	}
	q.notifier.Notify(NewNotice(q.cfg.Island, r, typ, text, q.clock.Now()))
}

func (q *TradeQueue) report(depth int) {
	metrics.QueueDepth.WithLabelValues(strconv.Itoa(q.cfg.Island), "trade").Set(float64(depth))
}

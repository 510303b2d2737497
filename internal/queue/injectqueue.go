package queue

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/Aidin1998/crossqueue/pkg/errors"
	"github.com/Aidin1998/crossqueue/pkg/metrics"
)

// DefaultSlotCount is the number of injection slots (houses 0-9).
const DefaultSlotCount = 10

// InjectQueueConfig holds configuration for the injection queue.
type InjectQueueConfig struct {
	Island    int
	SlotCount int
}

// InjectQueue is an unbounded FIFO of injection requests. Injections skip
// the confirmation handshake and are never evicted.
type InjectQueue struct {
	cfg      InjectQueueConfig
	ids      *Allocator
	clock    Clock
	notifier Notifier
	ready    chan struct{}

	mu    sync.Mutex
	items []*Request
}

// NewInjectQueue creates an injection queue.
func NewInjectQueue(cfg InjectQueueConfig, ids *Allocator, clock Clock, notifier Notifier) *InjectQueue {
	if cfg.SlotCount <= 0 {
		cfg.SlotCount = DefaultSlotCount
	}
	if clock == nil {
		clock = SystemClock()
	}
	if notifier == nil {
		notifier = NopNotifier()
	}
	return &InjectQueue{
		cfg:      cfg,
		ids:      ids,
		clock:    clock,
		notifier: notifier,
		ready:    make(chan struct{}, 1),
	}
}

// Enqueue validates the payload and appends a Confirmed injection request.
// The identity must already be resolved by the caller.
func (q *InjectQueue) Enqueue(origin Origin, payload InjectionPayload) (*Request, error) {
	if strings.TrimSpace(payload.Identity) == "" {
		name := payload.DisplayName
		if name == "" {
			name = "that name"
		}
		return nil, errors.InvalidIdentity.Explain("%s is not a valid internal villager name", name)
	}
	if payload.Slot < 0 || payload.Slot >= q.cfg.SlotCount {
		return nil, errors.Invalid.Explain("%d is not a valid villager index (0-%d)", payload.Slot, q.cfg.SlotCount-1)
	}

	now := q.clock.Now()
	req := NewRequest(q.ids.Next(), KindInjection, origin, now)
	req.Injection = &payload
	req.confirm()

	q.mu.Lock()
	q.items = append(q.items, req)
	depth := len(q.items)
	q.mu.Unlock()

	q.report(depth)
	select {
	case q.ready <- struct{}{}:
	default:
	}
	name := payload.DisplayName
	if name == "" {
		name = payload.Identity
	}
	q.notifier.Notify(NewNotice(q.cfg.Island, req, NoticeEnqueued,
		fmt.Sprintf("@%s - %s will be injected at Index %d momentarily.", origin.Name(), name, payload.Slot), now))
	return req, nil
}

// Dequeue pops the oldest injection and marks it Dispatched.
func (q *InjectQueue) Dequeue() (*Request, bool) {
	q.mu.Lock()
	defer func() {
		depth := len(q.items)
		q.mu.Unlock()
		q.report(depth)
	}()
	for len(q.items) > 0 {
		r := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		if r.advance(StateConfirmed, StateDispatched) {
			return r, true
		}
	}
	return nil, false
}

// Len returns the number of pending injections.
func (q *InjectQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns the pending injections, oldest first.
func (q *InjectQueue) Snapshot() []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Request, len(q.items))
	copy(out, q.items)
	return out
}

// SlotCount returns the number of valid slots.
func (q *InjectQueue) SlotCount() int { return q.cfg.SlotCount }

// Ready receives a value after an Enqueue.
func (q *InjectQueue) Ready() <-chan struct{} { return q.ready }

func (q *InjectQueue) report(depth int) {
	metrics.QueueDepth.WithLabelValues(strconv.Itoa(q.cfg.Island), "injection").Set(float64(depth))
}

// Slots returns n sequential slots starting at start, wrapping back to 0
// after count-1.
func Slots(start, n, count int) []int {
	if count <= 0 {
		count = DefaultSlotCount
	}
	out := make([]int, n)
	for i := range out {
		out[i] = (start + i) % count
	}
	return out
}

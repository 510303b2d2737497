// Package dispatch owns the queues of one island and runs the loop that
// hands requests to the resource one at a time.
package dispatch

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/crossqueue/internal/queue"
	"github.com/Aidin1998/crossqueue/pkg/errors"
	"github.com/Aidin1998/crossqueue/pkg/metrics"
)

// Config holds the per-island limits and toggles.
type Config struct {
	Island         int                  `mapstructure:"island" validate:"required,min=1"`
	WaitCapacity   int                  `mapstructure:"wait_capacity" validate:"min=0"`
	WaitTTL        time.Duration        `mapstructure:"wait_ttl"`
	TradeCapacity  int                  `mapstructure:"trade_capacity" validate:"min=0"`
	Overflow       queue.OverflowPolicy `mapstructure:"overflow" validate:"omitempty,oneof=evict_oldest reject"`
	SlotCount      int                  `mapstructure:"slot_count" validate:"min=0"`
	SweepInterval  time.Duration        `mapstructure:"sweep_interval"`
	ExecTimeout    time.Duration        `mapstructure:"exec_timeout"`
	AcceptOrders   bool                 `mapstructure:"accept_orders"`
	AllowInjection bool                 `mapstructure:"allow_injection"`
}

// DefaultConfig returns the defaults for island.
func DefaultConfig(island int) Config {
	wl := queue.DefaultWaitListConfig()
	tq := queue.DefaultTradeQueueConfig()
	return Config{
		Island:         island,
		WaitCapacity:   wl.Capacity,
		WaitTTL:        wl.TTL,
		TradeCapacity:  tq.Capacity,
		Overflow:       wl.Overflow,
		SlotCount:      queue.DefaultSlotCount,
		SweepInterval:  30 * time.Second,
		ExecTimeout:    5 * time.Minute,
		AcceptOrders:   true,
		AllowInjection: true,
	}
}

// Options carries the collaborators of an Instance. IDs and Codes are shared
// process wide; the rest may be nil.
type Options struct {
	IDs      *queue.Allocator
	Codes    queue.CodeGenerator
	Clock    queue.Clock
	Notifier queue.Notifier
	Executor Executor
	Logger   *zap.Logger
}

// Instance is the dispatch context of one island. It owns its queues; no
// queue state is shared between instances.
type Instance struct {
	cfg      Config
	label    string
	logger   *zap.Logger
	clock    queue.Clock
	notifier queue.Notifier
	executor Executor

	waiting    *queue.WaitList
	trades     *queue.TradeQueue
	injections *queue.InjectQueue

	accepting      atomic.Bool
	allowInjection atomic.Bool
	nextSlot       atomic.Int64
	running        atomic.Bool
	active         atomic.Pointer[queue.Request]

	statsMu sync.Mutex
	stats   counters

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type counters struct {
	completed int
	failed    int
	busy      time.Duration
}

// NewInstance builds the queues for cfg.Island.
func NewInstance(cfg Config, opts Options) (*Instance, error) {
	if cfg.Island <= 0 {
		return nil, errors.Invalid.Explain("island must be positive, got %d", cfg.Island)
	}
	if opts.IDs == nil {
		return nil, errors.Invalid.Explain("an id allocator is required")
	}
	if opts.Codes == nil {
		return nil, errors.Invalid.Explain("a confirmation code generator is required")
	}
	def := DefaultConfig(cfg.Island)
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = def.ExecTimeout
	}
	if cfg.SlotCount <= 0 {
		cfg.SlotCount = def.SlotCount
	}
	if opts.Clock == nil {
		opts.Clock = queue.SystemClock()
	}
	if opts.Notifier == nil {
		opts.Notifier = queue.NopNotifier()
	}
	if opts.Executor == nil {
		opts.Executor = EchoExecutor{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	in := &Instance{
		cfg:      cfg,
		label:    strconv.Itoa(cfg.Island),
		logger:   opts.Logger.With(zap.Int("island", cfg.Island)),
		clock:    opts.Clock,
		executor: opts.Executor,
		closed:   make(chan struct{}),
	}
	downstream := opts.Notifier
	in.notifier = queue.NotifierFunc(func(n queue.Notice) {
		if n.Terminal {
			metrics.RequestsTotal.WithLabelValues(in.label, string(n.Kind), string(n.Type)).Inc()
		}
		downstream.Notify(n)
	})

	in.waiting = queue.NewWaitList(queue.WaitListConfig{
		Island:   cfg.Island,
		Capacity: cfg.WaitCapacity,
		TTL:      cfg.WaitTTL,
		Overflow: cfg.Overflow,
	}, opts.IDs, opts.Codes, opts.Clock, in.notifier)
	in.trades = queue.NewTradeQueue(queue.TradeQueueConfig{
		Island:   cfg.Island,
		Capacity: cfg.TradeCapacity,
		Overflow: cfg.Overflow,
	}, opts.Clock, in.notifier)
	in.injections = queue.NewInjectQueue(queue.InjectQueueConfig{
		Island:    cfg.Island,
		SlotCount: cfg.SlotCount,
	}, opts.IDs, opts.Clock, in.notifier)

	in.accepting.Store(cfg.AcceptOrders)
	in.allowInjection.Store(cfg.AllowInjection)
	return in, nil
}

// Island returns the island this instance owns.
func (in *Instance) Island() int { return in.cfg.Island }

// SubmitOrder places an order on the waiting list. The request carries the
// confirmation code, which the caller must deliver privately.
func (in *Instance) SubmitOrder(origin queue.Origin, payload queue.OrderPayload) (*queue.Request, int, error) {
	if !in.accepting.Load() {
		return nil, 0, errors.Unavailable.Explain("@%s - orders are currently closed", origin.Name())
	}
	if len(payload.Items) == 0 && payload.Villager == "" {
		return nil, 0, errors.Invalid.Explain("@%s - your order is empty", origin.Name())
	}
	if r, ok := in.trades.Find(origin.Identity()); ok {
		pos, _ := in.trades.Position(r.ID)
		return nil, 0, errors.Invalid.Explain("@%s - you are already in the queue at position %d", origin.Name(), pos)
	}
	if in.isActive(origin.Identity()) {
		return nil, 0, errors.Invalid.Explain("@%s - your previous order is still being processed", origin.Name())
	}
	req, pos, err := in.waiting.Add(origin, payload)
	if err != nil {
		return nil, 0, err
	}
	in.logger.Debug("order waiting for confirmation", zap.Stringer("request", req.ID), zap.Int("position", pos))
	return req, pos, nil
}

// ConfirmOrder completes the handshake and moves the order to the trade
// queue, returning its position there.
func (in *Instance) ConfirmOrder(origin queue.Origin, code string) (*queue.Request, int, error) {
	req, err := in.waiting.Confirm(origin, code)
	if err != nil {
		return nil, 0, err
	}
	pos, err := in.trades.Enqueue(req)
	if err != nil {
		text := fmt.Sprintf("@%s - %s", origin.Name(), errors.Message(err))
		if req.Cancel(text) {
			in.notifier.Notify(queue.NewNotice(in.cfg.Island, req, queue.NoticeCancelled, text, in.clock.Now()))
		}
		return nil, 0, err
	}
	in.notifier.Notify(queue.NewNotice(in.cfg.Island, req, queue.NoticeConfirmed,
		fmt.Sprintf("@%s - your order is confirmed. You are number %d in the queue.", origin.Name(), pos), in.clock.Now()))
	in.logger.Info("order confirmed", zap.Stringer("request", req.ID), zap.Int("position", pos))
	return req, pos, nil
}

// AutoSlot asks SubmitInjection to pick the next slot in rotation.
const AutoSlot = -1

// SubmitInjection queues one injection. A slot of AutoSlot takes the next
// slot in rotation. Rejected payloads leave the rotation untouched.
func (in *Instance) SubmitInjection(origin queue.Origin, payload queue.InjectionPayload) (*queue.Request, error) {
	if !in.allowInjection.Load() {
		return nil, errors.Unavailable.Explain("@%s - villager injection is currently disabled", origin.Name())
	}
	if err := checkIdentity(payload); err != nil {
		return nil, err
	}
	if payload.Slot == AutoSlot {
		payload.Slot = in.takeSlots(1)[0]
	} else if payload.Slot < 0 || payload.Slot >= in.cfg.SlotCount {
		return nil, errors.Invalid.Explain("%d is not a valid villager index (0-%d)", payload.Slot, in.cfg.SlotCount-1)
	} else {
		in.nextSlot.Store(int64((payload.Slot + 1) % in.cfg.SlotCount))
	}
	return in.injections.Enqueue(origin, payload)
}

func checkIdentity(p queue.InjectionPayload) error {
	if strings.TrimSpace(p.Identity) != "" {
		return nil
	}
	name := p.DisplayName
	if name == "" {
		name = "that name"
	}
	return errors.InvalidIdentity.Explain("%s is not a valid internal villager name", name)
}

// SubmitInjections queues a batch into consecutive slots starting at start,
// wrapping modulo the slot count. Every identity is validated before any is
// queued.
func (in *Instance) SubmitInjections(origin queue.Origin, start int, payloads []queue.InjectionPayload) ([]*queue.Request, error) {
	if !in.allowInjection.Load() {
		return nil, errors.Unavailable.Explain("@%s - villager injection is currently disabled", origin.Name())
	}
	if len(payloads) == 0 {
		return nil, errors.Invalid.Explain("@%s - no villagers given", origin.Name())
	}
	if len(payloads) > in.cfg.SlotCount {
		return nil, errors.Invalid.Explain("@%s - at most %d villagers can be injected at once", origin.Name(), in.cfg.SlotCount)
	}
	for _, p := range payloads {
		if err := checkIdentity(p); err != nil {
			return nil, err
		}
	}

	var slots []int
	if start == AutoSlot {
		slots = in.takeSlots(len(payloads))
	} else {
		if start < 0 || start >= in.cfg.SlotCount {
			return nil, errors.Invalid.Explain("%d is not a valid villager index (0-%d)", start, in.cfg.SlotCount-1)
		}
		slots = queue.Slots(start, len(payloads), in.cfg.SlotCount)
		in.nextSlot.Store(int64((slots[len(slots)-1] + 1) % in.cfg.SlotCount))
	}

	out := make([]*queue.Request, 0, len(payloads))
	for i, p := range payloads {
		p.Slot = slots[i]
		req, err := in.injections.Enqueue(origin, p)
		if err != nil {
			return out, err
		}
		out = append(out, req)
	}
	return out, nil
}

func (in *Instance) takeSlots(n int) []int {
	count := int64(in.cfg.SlotCount)
	for {
		cur := in.nextSlot.Load()
		next := (cur + int64(n)) % count
		if in.nextSlot.CompareAndSwap(cur, next) {
			return queue.Slots(int(cur), n, in.cfg.SlotCount)
		}
	}
}

// Placement answers where an origin currently stands.
type Placement struct {
	Request  *queue.Request
	Queue    string
	Position int
	ETA      time.Duration
}

// Queue names reported by QueryPosition.
const (
	PlacementWaiting = "waiting"
	PlacementTrade   = "trade"
	PlacementActive  = "active"
)

// QueryPosition finds the origin's request. The ETA is the position times
// the mean dispatch time observed so far.
func (in *Instance) QueryPosition(origin queue.Origin) (Placement, error) {
	identity := origin.Identity()
	if r := in.active.Load(); r != nil && r.Origin.Identity() == identity {
		return Placement{Request: r, Queue: PlacementActive}, nil
	}
	if r, ok := in.trades.Find(identity); ok {
		if pos, err := in.trades.Position(r.ID); err == nil {
			return Placement{Request: r, Queue: PlacementTrade, Position: pos, ETA: in.eta(pos)}, nil
		}
	}
	if r, ok := in.waiting.Find(identity); ok {
		if pos, err := in.waiting.Position(r.ID); err == nil {
			return Placement{Request: r, Queue: PlacementWaiting, Position: pos}, nil
		}
	}
	return Placement{}, errors.NotFound.Explain("@%s - you are not in the queue", origin.Name())
}

// PositionOf is QueryPosition keyed by request id.
func (in *Instance) PositionOf(id queue.ID) (Placement, error) {
	if r := in.active.Load(); r != nil && r.ID == id {
		return Placement{Request: r, Queue: PlacementActive}, nil
	}
	if pos, err := in.trades.Position(id); err == nil {
		return Placement{Queue: PlacementTrade, Position: pos, ETA: in.eta(pos)}, nil
	}
	if pos, err := in.waiting.Position(id); err == nil {
		return Placement{Queue: PlacementWaiting, Position: pos}, nil
	}
	return Placement{}, errors.NotFound.Explain("request %d is not queued", id)
}

func (in *Instance) eta(pos int) time.Duration {
	in.statsMu.Lock()
	defer in.statsMu.Unlock()
	n := in.stats.completed + in.stats.failed
	if n == 0 {
		return 0
	}
	return in.stats.busy / time.Duration(n) * time.Duration(pos)
}

// CancelOrder withdraws the origin's queued or waiting order. A dispatched
// order cannot be cancelled.
func (in *Instance) CancelOrder(origin queue.Origin) (*queue.Request, error) {
	identity := origin.Identity()
	if r, ok := in.trades.Find(identity); ok && in.trades.Cancel(r.ID) {
		return r, nil
	}
	if r, ok := in.waiting.Find(identity); ok && in.waiting.Cancel(r.ID) {
		return r, nil
	}
	if in.isActive(identity) {
		return nil, errors.Invalid.Explain("@%s - your order is already being processed", origin.Name())
	}
	return nil, errors.NotFound.Explain("@%s - you are not in the queue", origin.Name())
}

// Cancel withdraws request id from the trade queue or the waiting list and
// reports whether it was found.
func (in *Instance) Cancel(id queue.ID) bool {
	return in.trades.Cancel(id) || in.waiting.Cancel(id)
}

// CancelByUsername withdraws another user's queued order. Moderator only.
func (in *Instance) CancelByUsername(frontEnd, username string) (*queue.Request, error) {
	if r, ok := in.trades.FindByUsername(frontEnd, username); ok && in.trades.Cancel(r.ID) {
		return r, nil
	}
	return nil, errors.NotFound.Explain("%s is not in the queue", username)
}

// ClearAll drops every waiting and queued order. Injections and the active
// request are left alone.
func (in *Instance) ClearAll() int {
	n := in.waiting.Clear() + in.trades.Clear()
	in.logger.Info("queues cleared", zap.Int("requests", n))
	return n
}

// Lookup returns the origin identity's live order, if any.
func (in *Instance) Lookup(identity string) (*queue.Request, bool) {
	if r := in.active.Load(); r != nil && r.Origin.Identity() == identity {
		return r, true
	}
	if r, ok := in.trades.Find(identity); ok {
		return r, true
	}
	return in.waiting.Find(identity)
}

// SetAccepting opens or closes the waiting list to new orders.
func (in *Instance) SetAccepting(v bool) {
	in.accepting.Store(v)
	in.logger.Info("order intake toggled", zap.Bool("accepting", v))
}

// Accepting reports whether new orders are taken.
func (in *Instance) Accepting() bool { return in.accepting.Load() }

// SetInjectionAllowed enables or disables injections.
func (in *Instance) SetInjectionAllowed(v bool) {
	in.allowInjection.Store(v)
	in.logger.Info("injection toggled", zap.Bool("allowed", v))
}

// InjectionAllowed reports whether injections are taken.
func (in *Instance) InjectionAllowed() bool { return in.allowInjection.Load() }

// Active returns the request currently held by the executor.
func (in *Instance) Active() (*queue.Request, bool) {
	r := in.active.Load()
	return r, r != nil
}

func (in *Instance) isActive(identity string) bool {
	r := in.active.Load()
	return r != nil && r.Origin.Identity() == identity
}

// Stats is a point-in-time view of an instance.
type Stats struct {
	Island           int           `json:"island"`
	Waiting          int           `json:"waiting"`
	Queued           int           `json:"queued"`
	Injections       int           `json:"injections"`
	Completed        int           `json:"completed"`
	Failed           int           `json:"failed"`
	MeanDispatch     time.Duration `json:"mean_dispatch"`
	Active           *queue.ID     `json:"active,omitempty"`
	Accepting        bool          `json:"accepting"`
	InjectionAllowed bool          `json:"injection_allowed"`
}

// Stats reports queue depths and dispatch counters.
func (in *Instance) Stats() Stats {
	s := Stats{
		Island:           in.cfg.Island,
		Waiting:          in.waiting.Len(),
		Queued:           in.trades.Len(),
		Injections:       in.injections.Len(),
		Accepting:        in.accepting.Load(),
		InjectionAllowed: in.allowInjection.Load(),
	}
	if r := in.active.Load(); r != nil {
		id := r.ID
		s.Active = &id
	}
	in.statsMu.Lock()
	s.Completed = in.stats.completed
	s.Failed = in.stats.failed
	if n := s.Completed + s.Failed; n > 0 {
		s.MeanDispatch = in.stats.busy / time.Duration(n)
	}
	in.statsMu.Unlock()
	return s
}

// Waiting returns a snapshot of unconfirmed orders, oldest first.
func (in *Instance) Waiting() []*queue.Request { return in.waiting.Snapshot() }

// Queued returns a snapshot of confirmed orders in dispatch order.
func (in *Instance) Queued() []*queue.Request { return in.trades.Snapshot() }

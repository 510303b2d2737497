// Package queue implements the in-memory request queues owned by one
// resource instance: the waiting list of unconfirmed orders, the trade queue
// of confirmed orders, and the injection queue.
package queue

import (
	"strconv"
	"sync"
	"time"
)

// ID identifies a request for the lifetime of the process.
type ID uint64

func (id ID) String() string { return strconv.FormatUint(uint64(id), 10) }

// Kind distinguishes order requests from injection requests.
type Kind string

const (
	KindOrder     Kind = "order"
	KindInjection Kind = "injection"
)

// State is the lifecycle tag of a request.
type State int32

const (
	StateWaiting State = iota
	StateConfirmed
	StateDispatched
	StateCompleted
	StateCancelled
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateConfirmed:
		return "confirmed"
	case StateDispatched:
		return "dispatched"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateExpired
}

// Reason explains why a request reached its terminal state.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonCompleted Reason = "completed"
	ReasonFailed    Reason = "failed"
	ReasonCancelled Reason = "cancelled"
	ReasonEvicted   Reason = "evicted"
	ReasonExpired   Reason = "expired"
	ReasonCleared   Reason = "cleared"
)

// Origin identifies the requesting user and the front-end the request came
// from, so notices can be routed back.
type Origin struct {
	FrontEnd    string `json:"front_end"`
	UserID      string `json:"user_id"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Channel     string `json:"channel,omitempty"`
}

// Identity is the key used to match a confirmation to its order. The channel
// is deliberately not part of it: confirmations arrive on a private channel.
func (o Origin) Identity() string { return o.FrontEnd + ":" + o.UserID }

// Name returns the most human friendly name available.
func (o Origin) Name() string {
	switch {
	case o.DisplayName != "":
		return o.DisplayName
	case o.Username != "":
		return o.Username
	default:
		return o.UserID
	}
}

// OrderPayload is the items and villager of an order.
type OrderPayload struct {
	Items    []string `json:"items"`
	Villager string   `json:"villager,omitempty"`
	Catalog  bool     `json:"catalog,omitempty"`
}

// InjectionPayload targets one slot with a resolved identity.
type InjectionPayload struct {
	Slot        int               `json:"slot"`
	Identity    string            `json:"identity"`
	DisplayName string            `json:"display_name,omitempty"`
	Flags       map[string]string `json:"flags,omitempty"`
}

// Result is the terminal outcome of a request.
type Result struct {
	State  State
	Reason Reason
	Text   string
}

// Request is one unit of work queued against a resource instance.
type Request struct {
	ID         ID
	Kind       Kind
	Origin     Origin
	Order      *OrderPayload
	Injection  *InjectionPayload
	Code       string
	EnqueuedAt time.Time

	mu     sync.Mutex
	state  State
	result Result
	done   chan struct{}
}

// NewRequest returns a request in the Waiting state.
func NewRequest(id ID, kind Kind, origin Origin, at time.Time) *Request {
	return &Request{
		ID:         id,
		Kind:       kind,
		Origin:     origin,
		EnqueuedAt: at,
		state:      StateWaiting,
		done:       make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (r *Request) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done is closed exactly once, when the request reaches a terminal state.
func (r *Request) Done() <-chan struct{} { return r.done }

// Result returns the terminal outcome, and false while the request is live.
func (r *Request) Result() (Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.state.Terminal()
}

// Complete records a successful execution. Only a dispatched request can
// complete.
func (r *Request) Complete(text string) bool {
	return r.finish(StateDispatched, StateCompleted, ReasonCompleted, text)
}

// Fail records a failed execution as a terminal Completed state.
func (r *Request) Fail(text string) bool {
	return r.finish(StateDispatched, StateCompleted, ReasonFailed, text)
}

func (r *Request) advance(from, to State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != from {
		return false
	}
	r.state = to
	return true
}

// confirm moves Waiting or Confirmed requests to Confirmed.
func (r *Request) confirm() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case StateWaiting, StateConfirmed:
		r.state = StateConfirmed
		return true
	default:
		return false
	}
}

// Cancel ends a request that is not queued anywhere, for instance one that
// left the waiting list but was refused by the trade queue.
func (r *Request) Cancel(text string) bool {
	return r.withdraw(StateCancelled, ReasonCancelled, text)
}

// withdraw ends a request that has not been dispatched yet.
func (r *Request) withdraw(to State, reason Reason, text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateWaiting && r.state != StateConfirmed {
		return false
	}
	r.terminate(to, reason, text)
	return true
}

func (r *Request) finish(from, to State, reason Reason, text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != from {
		return false
	}
	r.terminate(to, reason, text)
	return true
}

// terminate must be called with r.mu held.
func (r *Request) terminate(to State, reason Reason, text string) {
	r.state = to
	r.result = Result{State: to, Reason: reason, Text: text}
	close(r.done)
}

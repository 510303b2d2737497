package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/crossqueue/internal/queue"
	"github.com/Aidin1998/crossqueue/pkg/errors"
)

const testSecret = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"

type recorder struct {
	mu      sync.Mutex
	notices []queue.Notice
}

func (r *recorder) Notify(n queue.Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *recorder) ofType(t queue.NoticeType) []queue.Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []queue.Notice
	for _, n := range r.notices {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

func newTestInstance(t *testing.T, exec Executor) (*Instance, *recorder) {
	t.Helper()
	codes, err := queue.NewHOTPCodesWithSecret(testSecret, 3)
	require.NoError(t, err)
	rec := &recorder{}
	cfg := DefaultConfig(1)
	cfg.ExecTimeout = 2 * time.Second
	in, err := NewInstance(cfg, Options{
		IDs:      queue.NewAllocator(0),
		Codes:    codes,
		Notifier: rec,
		Executor: exec,
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return in, rec
}

func viewer(name string) queue.Origin {
	return queue.Origin{FrontEnd: "twitch", UserID: "id-" + name, Username: name, DisplayName: name, Channel: "#island"}
}

func order(items ...string) queue.OrderPayload {
	return queue.OrderPayload{Items: items}
}

func wait(t *testing.T, r *queue.Request) queue.Result {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("request %d did not finish", r.ID)
	}
	res, ok := r.Result()
	require.True(t, ok)
	return res
}

// place submits and confirms an order, returning the queued request.
func place(t *testing.T, in *Instance, who string, items ...string) *queue.Request {
	t.Helper()
	req, _, err := in.SubmitOrder(viewer(who), order(items...))
	require.NoError(t, err)
	confirmed, _, err := in.ConfirmOrder(viewer(who), req.Code)
	require.NoError(t, err)
	require.Same(t, req, confirmed)
	return req
}

func TestNewInstanceValidates(t *testing.T) {
	codes, err := queue.NewHOTPCodes(3)
	require.NoError(t, err)

	_, err = NewInstance(Config{Island: 0}, Options{IDs: queue.NewAllocator(0), Codes: codes})
	assert.True(t, errors.Is(err, errors.Invalid))
	_, err = NewInstance(Config{Island: 1}, Options{Codes: codes})
	assert.True(t, errors.Is(err, errors.Invalid))
	_, err = NewInstance(Config{Island: 1}, Options{IDs: queue.NewAllocator(0)})
	assert.True(t, errors.Is(err, errors.Invalid))
}

func TestOrderHandshake(t *testing.T) {
	in, rec := newTestInstance(t, EchoExecutor{})

	req, pos, err := in.SubmitOrder(viewer("ann"), order("turnip"))
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
	assert.Len(t, req.Code, 3)
	assert.Equal(t, queue.StateWaiting, req.State())

	_, _, err = in.ConfirmOrder(viewer("ann"), "not-a-code")
	assert.True(t, errors.Is(err, errors.NotFound))
	assert.Equal(t, 1, in.Stats().Waiting)

	_, _, err = in.ConfirmOrder(viewer("bob"), req.Code)
	assert.True(t, errors.Is(err, errors.NotFound))

	got, pos, err := in.ConfirmOrder(viewer("ann"), req.Code)
	require.NoError(t, err)
	assert.Same(t, req, got)
	assert.Equal(t, 1, pos)
	assert.Equal(t, queue.StateConfirmed, req.State())
	assert.Equal(t, 0, in.Stats().Waiting)
	assert.Equal(t, 1, in.Stats().Queued)
	require.Len(t, rec.ofType(queue.NoticeConfirmed), 1)
	assert.Contains(t, rec.ofType(queue.NoticeConfirmed)[0].Text, "number 1")

	// A code works once.
	_, _, err = in.ConfirmOrder(viewer("ann"), req.Code)
	assert.True(t, errors.Is(err, errors.NotFound))
}

func TestSubmitOrderGuards(t *testing.T) {
	in, _ := newTestInstance(t, EchoExecutor{})

	_, _, err := in.SubmitOrder(viewer("ann"), queue.OrderPayload{})
	assert.True(t, errors.Is(err, errors.Invalid))

	place(t, in, "ann", "turnip")
	_, _, err = in.SubmitOrder(viewer("ann"), order("bells"))
	assert.True(t, errors.Is(err, errors.Invalid))
	assert.Contains(t, errors.Message(err), "position 1")

	in.SetAccepting(false)
	assert.False(t, in.Accepting())
	_, _, err = in.SubmitOrder(viewer("bob"), order("bells"))
	assert.True(t, errors.Is(err, errors.Unavailable))
}

func TestQueryPositionAndCancel(t *testing.T) {
	in, rec := newTestInstance(t, EchoExecutor{})
	place(t, in, "ann", "a")
	place(t, in, "bob", "b")
	pending, _, err := in.SubmitOrder(viewer("cat"), order("c"))
	require.NoError(t, err)

	p, err := in.QueryPosition(viewer("bob"))
	require.NoError(t, err)
	assert.Equal(t, PlacementTrade, p.Queue)
	assert.Equal(t, 2, p.Position)

	p, err = in.QueryPosition(viewer("cat"))
	require.NoError(t, err)
	assert.Equal(t, PlacementWaiting, p.Queue)
	assert.Same(t, pending, p.Request)

	_, err = in.QueryPosition(viewer("dan"))
	assert.True(t, errors.Is(err, errors.NotFound))

	cancelled, err := in.CancelOrder(viewer("ann"))
	require.NoError(t, err)
	assert.Equal(t, queue.StateCancelled, cancelled.State())
	p, err = in.QueryPosition(viewer("bob"))
	require.NoError(t, err)
	assert.Equal(t, 1, p.Position)

	_, err = in.CancelOrder(viewer("cat"))
	require.NoError(t, err)
	assert.Equal(t, queue.StateCancelled, pending.State())

	_, err = in.CancelOrder(viewer("cat"))
	assert.True(t, errors.Is(err, errors.NotFound))
	assert.Len(t, rec.ofType(queue.NoticeCancelled), 2)

	_, err = in.CancelByUsername("twitch", "bob")
	require.NoError(t, err)
	assert.Equal(t, 0, in.Stats().Queued)
}

func TestInjectionRejectedWhenUnresolved(t *testing.T) {
	in, _ := newTestInstance(t, EchoExecutor{})

	_, err := in.SubmitInjection(viewer("streamer"), queue.InjectionPayload{Slot: 3, DisplayName: "Raymond"})
	assert.True(t, errors.Is(err, errors.InvalidIdentity))
	assert.Equal(t, 0, in.Stats().Injections)

	in.SetInjectionAllowed(false)
	_, err = in.SubmitInjection(viewer("streamer"), queue.InjectionPayload{Slot: 3, Identity: "cat23"})
	assert.True(t, errors.Is(err, errors.Unavailable))
}

func TestRejectedInjectionKeepsRotation(t *testing.T) {
	in, _ := newTestInstance(t, EchoExecutor{})

	_, err := in.SubmitInjection(viewer("streamer"), queue.InjectionPayload{Slot: AutoSlot, DisplayName: "Nobody"})
	assert.True(t, errors.Is(err, errors.InvalidIdentity))
	_, err = in.SubmitInjection(viewer("streamer"), queue.InjectionPayload{Slot: AutoSlot, Identity: "  "})
	assert.True(t, errors.Is(err, errors.InvalidIdentity))
	_, err = in.SubmitInjection(viewer("streamer"), queue.InjectionPayload{Slot: 12, Identity: "cat23"})
	assert.True(t, errors.Is(err, errors.Invalid))
	_, err = in.SubmitInjections(viewer("streamer"), AutoSlot, []queue.InjectionPayload{{Identity: "cat23"}, {Identity: " "}})
	assert.True(t, errors.Is(err, errors.InvalidIdentity))

	req, err := in.SubmitInjection(viewer("streamer"), queue.InjectionPayload{Slot: AutoSlot, Identity: "cat23"})
	require.NoError(t, err)
	assert.Equal(t, 0, req.Injection.Slot)
	assert.Equal(t, 1, in.Stats().Injections)
}

func TestSubmitInjectionsWrapSlots(t *testing.T) {
	in, _ := newTestInstance(t, EchoExecutor{})
	batch := []queue.InjectionPayload{
		{Identity: "cat23", DisplayName: "Raymond"},
		{Identity: "squ05", DisplayName: "Marshal"},
		{Identity: "wol12", DisplayName: "Audie"},
	}

	reqs, err := in.SubmitInjections(viewer("streamer"), 8, batch)
	require.NoError(t, err)
	require.Len(t, reqs, 3)
	assert.Equal(t, 8, reqs[0].Injection.Slot)
	assert.Equal(t, 9, reqs[1].Injection.Slot)
	assert.Equal(t, 0, reqs[2].Injection.Slot)

	next, err := in.SubmitInjection(viewer("streamer"), queue.InjectionPayload{Slot: AutoSlot, Identity: "ant00"})
	require.NoError(t, err)
	assert.Equal(t, 1, next.Injection.Slot)

	_, err = in.SubmitInjections(viewer("streamer"), 0, []queue.InjectionPayload{{Identity: "cat23"}, {DisplayName: "Nobody"}})
	assert.True(t, errors.Is(err, errors.InvalidIdentity))
	assert.Equal(t, 4, in.Stats().Injections)

	_, err = in.SubmitInjections(viewer("streamer"), 10, batch)
	assert.True(t, errors.Is(err, errors.Invalid))
}

func TestClearAll(t *testing.T) {
	in, rec := newTestInstance(t, EchoExecutor{})
	a := place(t, in, "ann", "a")
	b, _, err := in.SubmitOrder(viewer("bob"), order("b"))
	require.NoError(t, err)
	_, err = in.SubmitInjection(viewer("streamer"), queue.InjectionPayload{Slot: 0, Identity: "cat23"})
	require.NoError(t, err)

	assert.Equal(t, 2, in.ClearAll())
	assert.Equal(t, queue.ReasonCleared, wait(t, a).Reason)
	assert.Equal(t, queue.ReasonCleared, wait(t, b).Reason)
	assert.Equal(t, 1, in.Stats().Injections)
	assert.Len(t, rec.ofType(queue.NoticeCleared), 2)
}

func TestPositionOfAndCancelByID(t *testing.T) {
	in, _ := newTestInstance(t, EchoExecutor{})
	a := place(t, in, "ann", "a")
	b := place(t, in, "bob", "b")
	pending, _, err := in.SubmitOrder(viewer("cat"), order("c"))
	require.NoError(t, err)

	p, err := in.PositionOf(b.ID)
	require.NoError(t, err)
	assert.Equal(t, PlacementTrade, p.Queue)
	assert.Equal(t, 2, p.Position)

	p, err = in.PositionOf(pending.ID)
	require.NoError(t, err)
	assert.Equal(t, PlacementWaiting, p.Queue)
	assert.Equal(t, 1, p.Position)

	assert.True(t, in.Cancel(a.ID))
	assert.False(t, in.Cancel(a.ID))
	_, err = in.PositionOf(a.ID)
	assert.True(t, errors.Is(err, errors.NotFound))

	p, err = in.PositionOf(b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Position)

	assert.True(t, in.Cancel(pending.ID))
	assert.Equal(t, queue.StateCancelled, pending.State())
	assert.False(t, in.Cancel(queue.ID(999)))
}

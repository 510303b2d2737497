package dispatch

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/crossqueue/internal/queue"
	"github.com/Aidin1998/crossqueue/internal/router"
	"github.com/Aidin1998/crossqueue/pkg/errors"
)

func TestRegistryInjectsLocally(t *testing.T) {
	in, _ := newTestInstance(t, EchoExecutor{})
	reg := NewRegistry(nil, zaptest.NewLogger(t))
	require.NoError(t, reg.Register(in))
	assert.True(t, errors.Is(reg.Register(in), errors.Invalid))

	out, err := reg.Inject(context.Background(), 1, viewer("streamer"), queue.InjectionPayload{Slot: 2, Identity: "cat23"})
	require.NoError(t, err)
	assert.False(t, out.Routed)
	require.NotNil(t, out.Request)
	assert.Equal(t, 2, out.Request.Injection.Slot)

	_, err = reg.Inject(context.Background(), 9, viewer("streamer"), queue.InjectionPayload{Slot: 2, Identity: "cat23"})
	assert.True(t, errors.Is(err, errors.UnknownResource))

	def, ok := reg.Default()
	require.True(t, ok)
	assert.Same(t, in, def)
	assert.Equal(t, []int{1}, reg.Islands())
}

func TestRegistryRoutesToWorker(t *testing.T) {
	codes, err := queue.NewHOTPCodes(3)
	require.NoError(t, err)
	worker, err := NewInstance(DefaultConfig(5), Options{IDs: queue.NewAllocator(0), Codes: codes})
	require.NoError(t, err)
	workerReg := NewRegistry(nil, zaptest.NewLogger(t))
	require.NoError(t, workerReg.Register(worker))

	srv := router.NewServer(workerReg.Handler(5), zaptest.NewLogger(t))
	addr, err := srv.Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	table, err := router.NewTable(map[int]router.Endpoint{
		5: {Host: "127.0.0.1", Port: addr.(*net.TCPAddr).Port},
	})
	require.NoError(t, err)
	rt := router.New(table, router.Config{DialTimeout: time.Second, ReplyTimeout: time.Second}, zaptest.NewLogger(t))
	front := NewRegistry(rt, zaptest.NewLogger(t))

	out, err := front.Inject(context.Background(), 5, viewer("streamer"), queue.InjectionPayload{
		Slot: 3, Identity: "cat23", Flags: map[string]string{"name": "Raymond"},
	})
	require.NoError(t, err)
	assert.True(t, out.Routed)
	assert.True(t, out.Ack.Replied)
	assert.Contains(t, out.Ack.Message, "Raymond queued at Index 3")

	pending := worker.injections.Snapshot()
	require.Len(t, pending, 1)
	assert.Equal(t, "cat23", pending[0].Injection.Identity)
	assert.Equal(t, RemoteOrigin, pending[0].Origin)

	worker.SetInjectionAllowed(false)
	_, err = front.Inject(context.Background(), 5, viewer("streamer"), queue.InjectionPayload{Slot: 3, Identity: "cat23"})
	assert.True(t, errors.Is(err, errors.ExecutionFailure))
	assert.Contains(t, errors.Message(err), "disabled")

	_, err = front.Inject(context.Background(), 5, viewer("streamer"), queue.InjectionPayload{Slot: AutoSlot, Identity: "cat23"})
	assert.True(t, errors.Is(err, errors.Invalid))

	_, err = front.Inject(context.Background(), 6, viewer("streamer"), queue.InjectionPayload{Slot: 1, Identity: "cat23"})
	assert.True(t, errors.Is(err, errors.UnknownResource))
}

func TestHandleCommand(t *testing.T) {
	in, _ := newTestInstance(t, EchoExecutor{})
	reg := NewRegistry(nil, nil)
	require.NoError(t, reg.Register(in))
	ctx := context.Background()

	msg, err := reg.HandleCommand(ctx, 1, router.Command{Op: "ping"})
	require.NoError(t, err)
	assert.Equal(t, "pong", msg)

	_, err = reg.HandleCommand(ctx, 2, router.Command{Op: "ping"})
	assert.True(t, errors.Is(err, errors.UnknownResource))

	_, err = reg.HandleCommand(ctx, 1, router.Command{Op: "order"})
	assert.True(t, errors.Is(err, errors.Invalid))

	_, err = reg.HandleCommand(ctx, 1, router.InjectVillager(12, "cat23", nil))
	assert.True(t, errors.Is(err, errors.Invalid))

	msg, err = reg.HandleCommand(ctx, 1, router.InjectVillager(4, "cat23", nil))
	require.NoError(t, err)
	assert.Contains(t, msg, "cat23 queued at Index 4")
}

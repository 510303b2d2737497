package console

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

func injection(slot int, identity string) *queue.Request {
	r := queue.NewRequest(5, queue.KindInjection, queue.Origin{FrontEnd: "twitch", UserID: "1", Username: "streamer"}, time.Now())
	r.Injection = &queue.InjectionPayload{Slot: slot, Identity: identity, DisplayName: "Raymond"}
	return r
}

func TestCommand(t *testing.T) {
	cmd, err := Command(injection(3, "cat23"))
	require.NoError(t, err)
	assert.Equal(t, "inject_villager|3|cat23|", cmd.String())

	r := queue.NewRequest(9, queue.KindOrder, queue.Origin{FrontEnd: "twitch", UserID: "1", DisplayName: "Ann"}, time.Now())
	r.Order = &queue.OrderPayload{Items: []string{"turnip", "golden shovel"}, Villager: "cat23"}
	cmd, err = Command(r)
	require.NoError(t, err)
	assert.Equal(t, "order|9|Ann|turnip,golden shovel|cat23", cmd.String())

	r.Order.Items = []string{"a,b"}
	_, err = Command(r)
	assert.True(t, errors.Is(err, errors.Invalid))

	_, err = Command(queue.NewRequest(1, queue.KindOrder, queue.Origin{}, time.Now()))
	assert.True(t, errors.Is(err, errors.Invalid))
}

func TestBridgeExecute(t *testing.T) {
	srv := router.NewServer(router.HandlerFunc(func(_ context.Context, cmd router.Command) (string, error) {
		args, err := router.ParseInjectVillager(cmd)
		if err != nil {
			return "", err
		}
		if args.Identity == "bad00" {
			return "", errors.ExecutionFailure.Explain("villager data missing")
		}
		return "Raymond has been injected at Index 3.", nil
	}), zaptest.NewLogger(t))
	addr, err := srv.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer srv.Close()

	b := NewBridge(Config{Addr: addr.String(), ReplyTimeout: time.Second}, zaptest.NewLogger(t))
	text, err := b.Execute(context.Background(), injection(3, "cat23"))
	require.NoError(t, err)
	assert.Equal(t, "Raymond has been injected at Index 3.", text)

	_, err = b.Execute(context.Background(), injection(3, "bad00"))
	assert.True(t, errors.Is(err, errors.ExecutionFailure))
	assert.Equal(t, "villager data missing", errors.Message(err))
}

func TestBridgeOffline(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	b := NewBridge(Config{Addr: addr}, nil)
	_, err = b.Execute(context.Background(), injection(0, "cat23"))
	assert.True(t, errors.Is(err, errors.ExecutionFailure))
	assert.Contains(t, errors.Message(err), "offline")
}

package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/crossqueue/pkg/errors"
)

func TestInjectVillagerRoundTrip(t *testing.T) {
	cmd := InjectVillager(9, "squ05", map[string]string{"b": "2", "a": "1"})
	assert.Equal(t, "inject_villager|9|squ05|a=1,b=2", cmd.String())

	decoded, err := Decode(cmd.String() + "\r\n")
	require.NoError(t, err)
	args, err := ParseInjectVillager(decoded)
	require.NoError(t, err)
	assert.Equal(t, 9, args.Slot)
	assert.Equal(t, "squ05", args.Identity)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, args.Flags)
}

func TestInjectVillagerWithoutFlags(t *testing.T) {
	assert.Equal(t, "inject_villager|0|cat23|", InjectVillager(0, "cat23", nil).String())
	args, err := ParseInjectVillager(Command{Op: OpInjectVillager, Fields: []string{"0", "cat23"}})
	require.NoError(t, err)
	assert.Empty(t, args.Flags)
}

func TestEncodeRejectsReservedCharacters(t *testing.T) {
	_, err := Command{Op: "order", Fields: []string{"a|b"}}.Encode()
	assert.True(t, errors.Is(err, errors.Invalid))
	_, err = Command{Op: "order", Fields: []string{"a\nb"}}.Encode()
	assert.True(t, errors.Is(err, errors.Invalid))
	_, err = Command{}.Encode()
	assert.True(t, errors.Is(err, errors.Invalid))
}

func TestParseInjectVillagerErrors(t *testing.T) {
	cases := []string{
		"order|1|2",
		"inject_villager|3",
		"inject_villager|x|cat23|",
		"inject_villager|1|cat23|noequals",
	}
	for _, line := range cases {
		cmd, err := Decode(line)
		require.NoError(t, err, line)
		_, err = ParseInjectVillager(cmd)
		assert.True(t, errors.Is(err, errors.Invalid), line)
	}
	_, err := Decode("\n")
	assert.Error(t, err)
}

func TestReplySanitizes(t *testing.T) {
	assert.Equal(t, "ok|a/b c", Reply(nil, "a|b\nc").String())
	assert.Equal(t, "error|nope", Reply(errors.NotFound.Explain("nope"), "").String())
}

func TestServerAnswersEachLine(t *testing.T) {
	srv := NewServer(HandlerFunc(func(_ context.Context, cmd Command) (string, error) {
		args, err := ParseInjectVillager(cmd)
		if err != nil {
			return "", err
		}
		if args.Identity == "boom" {
			panic("boom")
		}
		return args.Identity + " queued", nil
	}), zaptest.NewLogger(t))
	addr, err := srv.Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	c := Client{DialTimeout: time.Second, ReplyTimeout: time.Second}
	ctx := context.Background()

	reply, err := c.Exchange(ctx, addr.String(), InjectVillager(1, "cat23", nil))
	require.NoError(t, err)
	assert.Equal(t, OpOK, reply.Op)
	assert.Equal(t, "cat23 queued", reply.Field(0))

	_, err = c.Exchange(ctx, addr.String(), Command{Op: "order", Fields: []string{"x"}})
	assert.True(t, errors.Is(err, errors.ExecutionFailure))

	_, err = c.Exchange(ctx, addr.String(), InjectVillager(1, "boom", nil))
	require.Error(t, err)
	assert.Equal(t, "internal error", errors.Message(err))

	require.NoError(t, srv.Close())
	_, err = c.Exchange(ctx, addr.String(), InjectVillager(1, "cat23", nil))
	assert.True(t, errors.Is(err, errors.RouteUnreachable) || errors.Is(err, errors.ExecutionFailure))
}

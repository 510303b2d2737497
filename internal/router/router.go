// Package router sends control-plane commands to the process that owns a
// given island. Commands are single pipe-delimited lines over TCP.
package router

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/crossqueue/pkg/errors"
	"github.com/Aidin1998/crossqueue/pkg/metrics"
)

// Config bounds the network operations of a Router.
type Config struct {
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReplyTimeout time.Duration `mapstructure:"reply_timeout"`
}

// DefaultConfig returns the router defaults.
func DefaultConfig() Config {
	return Config{
		DialTimeout:  2 * time.Second,
		ReplyTimeout: 500 * time.Millisecond,
	}
}

// Ack describes what the remote side said about a routed command.
type Ack struct {
	Island  int
	Addr    string
	Replied bool
	Message string
}

// Router maps islands to endpoints and delivers commands. Delivery is at
// most once: nothing is retried, queued or persisted.
type Router struct {
	table  Table
	cfg    Config
	logger *zap.Logger
}

// New creates a Router over an immutable table.
func New(table Table, cfg Config, logger *zap.Logger) *Router {
	def := DefaultConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = def.ReplyTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{table: table, cfg: cfg, logger: logger.Named("router")}
}

// Table returns the routing table.
func (r *Router) Table() Table { return r.table }

// Route delivers cmd to the endpoint of island. If the worker answers within
// the reply timeout the reply is returned in the Ack; silence is not an
// error. An error reply is returned as ExecutionFailure.
func (r *Router) Route(ctx context.Context, island int, cmd Command) (Ack, error) {
	reply, ack, err := r.send(ctx, island, cmd, false)
	if err != nil {
		return ack, err
	}
	if !ack.Replied {
		return ack, nil
	}
	return ack, replyError(reply)
}

// Exchange delivers cmd and waits for the worker's reply. A missing reply is
// an ExecutionFailure.
func (r *Router) Exchange(ctx context.Context, island int, cmd Command) (Ack, error) {
	reply, ack, err := r.send(ctx, island, cmd, true)
	if err != nil {
		return ack, err
	}
	return ack, replyError(reply)
}

func (r *Router) send(ctx context.Context, island int, cmd Command, mustReply bool) (Command, Ack, error) {
	ack := Ack{Island: island}
	label := strconv.Itoa(island)

	ep, ok := r.table.Lookup(island)
	if !ok {
		metrics.RouteResults.WithLabelValues(label, "unknown").Inc()
		r.logger.Error("no endpoint configured for island, check the routing table",
			zap.Int("island", island), zap.String("op", cmd.Op))
		return Command{}, ack, errors.UnknownResource.Explain("island %d is not routable", island)
	}
	ack.Addr = ep.Addr()

	c := Client{DialTimeout: r.cfg.DialTimeout, ReplyTimeout: r.cfg.ReplyTimeout}
	reply, replied, err := c.exchange(ctx, ack.Addr, cmd, mustReply)
	if err != nil {
		metrics.RouteResults.WithLabelValues(label, "unreachable").Inc()
		r.logger.Warn("failed to route command",
			zap.Int("island", island),
			zap.String("addr", ack.Addr),
			zap.String("command", describe(cmd)),
			zap.Error(err))
		return Command{}, ack, err
	}
	ack.Replied = replied
	if replied {
		ack.Message = reply.Field(0)
	}
	metrics.RouteResults.WithLabelValues(label, "delivered").Inc()
	r.logger.Debug("routed command",
		zap.Int("island", island),
		zap.String("addr", ack.Addr),
		zap.String("command", describe(cmd)),
		zap.Bool("replied", replied))
	return reply, ack, nil
}

func replyError(reply Command) error {
	if reply.Op == OpError {
		return errors.ExecutionFailure.Explain("%s", reply.Field(0))
	}
	return nil
}

// Client performs one request/reply exchange per connection against a raw
// address. The console bridge uses it directly.
type Client struct {
	DialTimeout  time.Duration
	ReplyTimeout time.Duration
}

// Exchange writes cmd to addr and waits for a single reply line.
func (c Client) Exchange(ctx context.Context, addr string, cmd Command) (Command, error) {
	reply, _, err := c.exchange(ctx, addr, cmd, true)
	if err != nil {
		return Command{}, err
	}
	return reply, replyError(reply)
}

func (c Client) exchange(ctx context.Context, addr string, cmd Command, mustReply bool) (Command, bool, error) {
	line, err := cmd.Encode()
	if err != nil {
		return Command{}, false, err
	}

	dialer := net.Dialer{Timeout: c.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Command{}, false, errors.RouteUnreachable.Explain("dial %s", addr).Wrap(err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else if c.DialTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.DialTimeout))
	}
	if _, err := conn.Write(line); err != nil {
		return Command{}, false, errors.RouteUnreachable.Explain("write to %s", addr).Wrap(err)
	}

	wait := c.ReplyTimeout
	if wait <= 0 {
		if !mustReply {
			return Command{}, false, nil
		}
		wait = DefaultConfig().ReplyTimeout
	}
	deadline := time.Now().Add(wait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)

	raw, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && (raw == "" || err != io.EOF) {
		if mustReply {
			return Command{}, false, errors.ExecutionFailure.Explain("no reply from %s", addr).Wrap(err)
		}
		return Command{}, false, nil
	}
	reply, err := Decode(strings.TrimSpace(raw))
	if err != nil {
		return Command{}, false, errors.ExecutionFailure.Explain("malformed reply from %s", addr).Wrap(err)
	}
	return reply, true, nil
}

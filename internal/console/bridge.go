// Package console drives the game console through its bot bridge. Each
// dispatched request becomes one control-plane line; the bridge answers
// when the console has finished.
package console

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/crossqueue/internal/queue"
	"github.com/Aidin1998/crossqueue/internal/router"
	"github.com/Aidin1998/crossqueue/pkg/errors"
)

// Config locates the bridge.
type Config struct {
	Addr        string        `mapstructure:"addr"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	// ReplyTimeout bounds how long one request may hold the console.
	ReplyTimeout time.Duration `mapstructure:"reply_timeout"`
}

// DefaultConfig returns the bridge defaults.
func DefaultConfig() Config {
	return Config{
		Addr:         "127.0.0.1:6000",
		DialTimeout:  2 * time.Second,
		ReplyTimeout: 3 * time.Minute,
	}
}

// Bridge implements dispatch.Executor over the bridge protocol.
type Bridge struct {
	addr   string
	client router.Client
	logger *zap.Logger
}

// NewBridge creates a bridge executor.
func NewBridge(cfg Config, logger *zap.Logger) *Bridge {
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = def.ReplyTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		addr:   cfg.Addr,
		client: router.Client{DialTimeout: cfg.DialTimeout, ReplyTimeout: cfg.ReplyTimeout},
		logger: logger.Named("console"),
	}
}

// Execute sends req to the console and returns the bridge's answer.
func (b *Bridge) Execute(ctx context.Context, req *queue.Request) (string, error) {
	cmd, err := Command(req)
	if err != nil {
		return "", err
	}
	b.logger.Debug("sending request to console",
		zap.Stringer("request", req.ID),
		zap.String("op", cmd.Op))

	reply, err := b.client.Exchange(ctx, b.addr, cmd)
	if err != nil {
		if errors.Is(err, errors.RouteUnreachable) {
			return "", errors.ExecutionFailure.Explain("the console bot is offline, please try again later").Wrap(err)
		}
		return "", err
	}
	return reply.Field(0), nil
}

// Command renders req as the line the bridge understands:
//
//	order|<id>|<user>|<item,item,...>|<villager>
//	inject_villager|<slot>|<identity>|<flags>
func Command(req *queue.Request) (router.Command, error) {
	switch req.Kind {
	case queue.KindInjection:
		if req.Injection == nil {
			return router.Command{}, errors.Invalid.Explain("injection request %d has no payload", req.ID)
		}
		p := req.Injection
		return router.InjectVillager(p.Slot, p.Identity, p.Flags), nil
	case queue.KindOrder:
		if req.Order == nil {
			return router.Command{}, errors.Invalid.Explain("order request %d has no payload", req.ID)
		}
		for _, item := range req.Order.Items {
			if strings.Contains(item, ",") {
				return router.Command{}, errors.Invalid.Explain("item %q contains a comma", item)
			}
		}
		return router.Command{
			Op: router.OpOrder,
			Fields: []string{
				req.ID.String(),
				req.Origin.Name(),
				strings.Join(req.Order.Items, ","),
				req.Order.Villager,
			},
		}, nil
	default:
		return router.Command{}, errors.Invalid.Explain("unknown request kind %q", req.Kind)
	}
}

// Package config loads the process configuration from a YAML file, a .env
// file, CROSSQUEUE_ environment variables and command line flags, in
// increasing order of precedence.
package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/Aidin1998/crossqueue/internal/console"
	"github.com/Aidin1998/crossqueue/internal/dispatch"
	"github.com/Aidin1998/crossqueue/internal/frontend/chat"
	"github.com/Aidin1998/crossqueue/internal/frontend/socketapi"
	"github.com/Aidin1998/crossqueue/internal/frontend/webhook"
	"github.com/Aidin1998/crossqueue/internal/history"
	"github.com/Aidin1998/crossqueue/internal/notify"
	"github.com/Aidin1998/crossqueue/internal/queue"
	"github.com/Aidin1998/crossqueue/internal/router"
)

// Config is the whole process configuration.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Tracing TracingConfig `mapstructure:"tracing"`

	// Islands is the routing table. Empty means islands 1-22 on loopback.
	Islands []Island `mapstructure:"islands" validate:"dive"`
	// Local lists the islands whose queues live in this process.
	Local []int `mapstructure:"local" validate:"dive,gt=0"`
	// Listen serves the control plane for each local island on its table
	// endpoint.
	Listen bool `mapstructure:"listen"`

	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Codes    CodesConfig    `mapstructure:"codes"`
	Router   router.Config  `mapstructure:"router"`
	// Executor is "echo" for dry runs or "console" for the bot bridge.
	Executor string         `mapstructure:"executor" validate:"oneof=echo console"`
	Console  console.Config `mapstructure:"console"`
	// Catalog is a villager YAML file. Empty uses the built-in catalog.
	Catalog string `mapstructure:"catalog"`

	Chat    ChatConfig    `mapstructure:"chat"`
	Webhook WebhookConfig `mapstructure:"webhook"`
	Socket  SocketConfig  `mapstructure:"socket"`

	History history.Config `mapstructure:"history"`
	Kafka   KafkaConfig    `mapstructure:"kafka"`
	Redis   RedisConfig    `mapstructure:"redis"`
	// MirrorTimeout bounds each notice write to Kafka, Redis or history.
	MirrorTimeout time.Duration `mapstructure:"mirror_timeout"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=json console"`
}

// TracingConfig enables the stdout span exporter.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Island is one routing table row.
type Island struct {
	ID   int    `mapstructure:"id" validate:"required,gt=0"`
	Host string `mapstructure:"host" validate:"required"`
	Port int    `mapstructure:"port" validate:"required,gt=0,lte=65535"`
}

// DispatchConfig is the template for every local instance. Overrides are
// keyed by island id.
type DispatchConfig struct {
	// Each island's result is validated by Instance, not here.
	dispatch.Config `mapstructure:",squash" validate:"-"`
	Overrides       map[int]IslandOverride `mapstructure:"overrides"`
}

// IslandOverride replaces selected template values for one island.
type IslandOverride struct {
	WaitCapacity   *int           `mapstructure:"wait_capacity"`
	TradeCapacity  *int           `mapstructure:"trade_capacity"`
	WaitTTL        *time.Duration `mapstructure:"wait_ttl"`
	AcceptOrders   *bool          `mapstructure:"accept_orders"`
	AllowInjection *bool          `mapstructure:"allow_injection"`
}

// CodesConfig configures confirmation codes. An empty secret is replaced by
// a random one at startup.
type CodesConfig struct {
	Digits int    `mapstructure:"digits" validate:"gte=3,lte=8"`
	Secret string `mapstructure:"secret" validate:"omitempty,min=16"`
}

// ChatConfig enables the chat interpreter.
type ChatConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	chat.Config `mapstructure:",squash"`
}

// WebhookConfig enables the HTTP front-end.
type WebhookConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	webhook.Config `mapstructure:",squash"`
}

// SocketConfig enables the socket API.
type SocketConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	socketapi.Config `mapstructure:",squash"`
}

// KafkaConfig enables the Kafka notice mirror.
type KafkaConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	notify.KafkaConfig `mapstructure:",squash"`
}

// RedisConfig enables the Redis notice mirror.
type RedisConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	notify.RedisConfig `mapstructure:",squash"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	d := dispatch.DefaultConfig(1)
	d.Island = 0
	return Config{
		Log:      LogConfig{Level: "info", Format: "json"},
		Tracing:  TracingConfig{ServiceName: "crossqueue"},
		Local:    []int{1},
		Listen:   false,
		Dispatch: DispatchConfig{Config: d},
		Codes:    CodesConfig{Digits: 3},
		Router:   router.DefaultConfig(),
		Executor: "echo",
		Console:  console.DefaultConfig(),
		Chat:     ChatConfig{Config: chat.DefaultConfig()},
		Webhook:  WebhookConfig{Config: webhook.DefaultConfig()},
		Socket:   SocketConfig{Config: socketapi.DefaultConfig()},
		Kafka:    KafkaConfig{KafkaConfig: notify.KafkaConfig{Topic: notify.DefaultKafkaTopic}},
		Redis: RedisConfig{RedisConfig: notify.RedisConfig{
			Addr:   "localhost:6379",
			Stream: notify.DefaultRedisStream,
			MaxLen: notify.DefaultRedisMaxLen,
		}},
		MirrorTimeout: 2 * time.Second,
	}
}

// Table builds the routing table.
func (c Config) Table() (router.Table, error) {
	if len(c.Islands) == 0 {
		return router.DefaultTable(), nil
	}
	rows := make(map[int]router.Endpoint, len(c.Islands))
	for _, is := range c.Islands {
		if _, dup := rows[is.ID]; dup {
			return router.Table{}, fmt.Errorf("island %d is listed twice", is.ID)
		}
		rows[is.ID] = router.Endpoint{Host: is.Host, Port: is.Port}
	}
	return router.NewTable(rows)
}

// LocalIslands returns the local island ids sorted and de-duplicated.
func (c Config) LocalIslands() []int {
	seen := make(map[int]bool, len(c.Local))
	out := make([]int, 0, len(c.Local))
	for _, id := range c.Local {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out
}

// Instance returns the dispatch configuration of a local island: the
// template with the island's overrides applied.
func (c Config) Instance(island int) dispatch.Config {
	cfg := c.Dispatch.Config
	cfg.Island = island
	if cfg.Overflow == "" {
		cfg.Overflow = queue.OverflowEvictOldest
	}
	o, ok := c.Dispatch.Overrides[island]
	if !ok {
		return cfg
	}
	if o.WaitCapacity != nil {
		cfg.WaitCapacity = *o.WaitCapacity
	}
	if o.TradeCapacity != nil {
		cfg.TradeCapacity = *o.TradeCapacity
	}
	if o.WaitTTL != nil {
		cfg.WaitTTL = *o.WaitTTL
	}
	if o.AcceptOrders != nil {
		cfg.AcceptOrders = *o.AcceptOrders
	}
	if o.AllowInjection != nil {
		cfg.AllowInjection = *o.AllowInjection
	}
	return cfg
}

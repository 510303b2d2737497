package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/Aidin1998/crossqueue/internal/catalog"
	"github.com/Aidin1998/crossqueue/internal/config"
	"github.com/Aidin1998/crossqueue/internal/console"
	"github.com/Aidin1998/crossqueue/internal/dispatch"
	"github.com/Aidin1998/crossqueue/internal/frontend/chat"
	"github.com/Aidin1998/crossqueue/internal/frontend/socketapi"
	"github.com/Aidin1998/crossqueue/internal/frontend/webhook"
	"github.com/Aidin1998/crossqueue/internal/history"
	"github.com/Aidin1998/crossqueue/internal/notify"
	"github.com/Aidin1998/crossqueue/internal/queue"
	"github.com/Aidin1998/crossqueue/internal/router"
	"github.com/Aidin1998/crossqueue/pkg/logger"
)

func main() {
	flags := pflag.NewFlagSet("crossqueue", pflag.ContinueOnError)
	config.AddFlags(flags)
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		log.Fatalf("invalid arguments: %v", err)
	}
	if err := run(flags); err != nil {
		log.Fatalf("crossqueue: %v", err)
	}
}

func run(flags *pflag.FlagSet) error {
	envFile, _ := flags.GetString("env-file")
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}

	boot, err := logger.NewLogger("info", "json")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	loader := config.NewLoader(boot)
	if err := loader.BindFlags(flags); err != nil {
		return err
	}
	path, _ := flags.GetString("config")
	cfg, err := loader.Load(path)
	if err != nil {
		return err
	}

	zapLogger, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer zapLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := setupTracing(cfg.Tracing)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	app, err := build(cfg, zapLogger)
	if err != nil {
		return err
	}
	defer app.close()

	if err := app.start(ctx); err != nil {
		return err
	}
	loader.Watch(app.reload)

	<-ctx.Done()
	zapLogger.Info("Shutting down...")
	return nil
}

// app holds every long-lived component so shutdown can run in reverse.
type app struct {
	cfg    config.Config
	logger *zap.Logger

	catalog  *catalog.Catalog
	broker   *notify.Broker
	registry *dispatch.Registry
	table    router.Table
	chat     *chat.Interpreter
	webhook  *webhook.Server
	socket   *socketapi.Server
	control  []*router.Server
	store    history.Store

	closers []func() error
}

func build(cfg config.Config, zapLogger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: zapLogger}

	cat, err := catalog.Load(cfg.Catalog)
	if err != nil {
		return nil, err
	}
	a.catalog = cat
	zapLogger.Info("Villager catalog loaded", zap.Int("villagers", cat.Len()))

	var codes *queue.HOTPCodes
	if cfg.Codes.Secret != "" {
		codes, err = queue.NewHOTPCodesWithSecret(cfg.Codes.Secret, cfg.Codes.Digits)
	} else {
		codes, err = queue.NewHOTPCodes(cfg.Codes.Digits)
	}
	if err != nil {
		return nil, err
	}

	a.broker = notify.NewBroker(zapLogger)
	if err := a.mirrors(); err != nil {
		a.close()
		return nil, err
	}

	a.table, err = cfg.Table()
	if err != nil {
		a.close()
		return nil, err
	}
	a.registry = dispatch.NewRegistry(router.New(a.table, cfg.Router, zapLogger), zapLogger)

	var executor dispatch.Executor = dispatch.EchoExecutor{}
	if cfg.Executor == "console" {
		executor = console.NewBridge(cfg.Console, zapLogger)
	}

	ids := queue.NewAllocator(0)
	for _, island := range cfg.LocalIslands() {
		in, err := dispatch.NewInstance(cfg.Instance(island), dispatch.Options{
			IDs:      ids,
			Codes:    codes,
			Notifier: a.broker,
			Executor: executor,
			Logger:   zapLogger,
		})
		if err != nil {
			a.close()
			return nil, fmt.Errorf("island %d: %w", island, err)
		}
		if err := a.registry.Register(in); err != nil {
			a.close()
			return nil, err
		}
	}

	if cfg.Chat.Enabled || cfg.Webhook.Enabled {
		a.chat = chat.NewInterpreter(cfg.Chat.Config, a.registry, cat, zapLogger)
	}
	if cfg.Webhook.Enabled {
		a.webhook = webhook.NewServer(cfg.Webhook.Config, webhook.Deps{
			Registry: a.registry,
			Chat:     a.chat,
			Catalog:  cat,
			Broker:   a.broker,
			History:  a.store,
		}, zapLogger)
	}
	if cfg.Socket.Enabled {
		a.socket = socketapi.NewServer(cfg.Socket.Config, a.registry, cat, zapLogger)
	}
	return a, nil
}

// mirrors attaches the optional Kafka, Redis and history writers to the
// broker.
func (a *app) mirrors() error {
	cfg := a.cfg
	if cfg.Kafka.Enabled {
		kp, err := notify.NewKafkaPublisher(cfg.Kafka.KafkaConfig, a.logger)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, kp.Close)
		a.broker.Mirror("kafka", kp, cfg.MirrorTimeout)
		a.logger.Info("Kafka notice mirror enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}
	if cfg.Redis.Enabled {
		rp, err := notify.NewRedisPublisher(cfg.Redis.RedisConfig, a.logger)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, rp.Close)
		ctx, cancel := context.WithTimeout(context.Background(), cfg.MirrorTimeout)
		if err := rp.Ping(ctx); err != nil {
			a.logger.Warn("Redis is not reachable yet, notices will be retried per write", zap.Error(err))
		}
		cancel()
		a.broker.Mirror("redis", rp, cfg.MirrorTimeout)
		a.logger.Info("Redis notice mirror enabled", zap.String("addr", cfg.Redis.Addr))
	}
	if cfg.History.Driver != "" {
		store, err := history.Open(cfg.History, a.logger)
		if err != nil {
			return err
		}
		a.store = store
		a.closers = append(a.closers, store.Close)
		a.broker.Mirror("history", history.Recorder{Store: store}, cfg.MirrorTimeout)
		a.logger.Info("Notice history enabled", zap.String("driver", cfg.History.Driver))
	}
	return nil
}

func (a *app) start(ctx context.Context) error {
	if a.cfg.Listen {
		for _, island := range a.cfg.LocalIslands() {
			ep, _ := a.table.Lookup(island)
			srv := router.NewServer(a.registry.Handler(island), a.logger.With(zap.Int("island", island)))
			if _, err := srv.Listen(ep.Addr()); err != nil {
				return fmt.Errorf("island %d control plane: %w", island, err)
			}
			a.control = append(a.control, srv)
		}
	}

	a.registry.Start(ctx)
	a.logger.Info("Dispatch loops started", zap.Ints("islands", a.registry.Islands()))

	if a.cfg.Chat.Enabled {
		sub := a.broker.Subscribe(a.chat.FrontEnd())
		go a.chat.Relay(ctx, sub, chat.SenderFunc(a.logReply))
	}
	if a.webhook != nil {
		go func() {
			if err := a.webhook.Start(); err != nil {
				a.logger.Error("Webhook server stopped", zap.Error(err))
			}
		}()
	}
	if a.socket != nil {
		if _, err := a.socket.Listen(a.cfg.Socket.Addr); err != nil {
			return fmt.Errorf("socket API: %w", err)
		}
	}
	return nil
}

// logReply is the chat sender used when no chat platform is attached: relayed
// notices are written to the log for the operator.
func (a *app) logReply(_ context.Context, out chat.Outgoing) error {
	a.logger.Info("chat reply", zap.String("channel", out.Channel), zap.String("text", out.Text))
	return nil
}

// reload applies the toggles of a changed configuration file. Everything
// else needs a restart.
func (a *app) reload(cfg config.Config) {
	for _, island := range a.registry.Islands() {
		in, ok := a.registry.Instance(island)
		if !ok {
			continue
		}
		ic := cfg.Instance(island)
		in.SetAccepting(ic.AcceptOrders)
		in.SetInjectionAllowed(ic.AllowInjection)
	}
}

func (a *app) close() {
	if a.webhook != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.webhook.Shutdown(ctx); err != nil {
			a.logger.Warn("Webhook shutdown failed", zap.Error(err))
		}
		cancel()
	}
	if a.socket != nil {
		a.socket.Close()
	}
	for _, srv := range a.control {
		srv.Close()
	}
	if a.registry != nil {
		a.registry.Close()
	}
	if a.broker != nil {
		a.broker.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Close failed", zap.Error(err))
		}
	}
	a.logger.Info("Shutdown complete")
}

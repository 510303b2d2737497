package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix prefixes every environment override, e.g. CROSSQUEUE_LOG_LEVEL.
const EnvPrefix = "CROSSQUEUE"

// envKeys are the keys that can be set from the environment. Nested keys
// use underscores: webhook.jwt_secret is CROSSQUEUE_WEBHOOK_JWT_SECRET.
var envKeys = []string{
	"log.level",
	"log.format",
	"tracing.enabled",
	"local",
	"listen",
	"executor",
	"catalog",
	"codes.digits",
	"codes.secret",
	"console.addr",
	"chat.enabled",
	"chat.island",
	"webhook.enabled",
	"webhook.addr",
	"webhook.jwt_secret",
	"socket.enabled",
	"socket.addr",
	"socket.island",
	"history.driver",
	"history.dsn",
	"kafka.enabled",
	"kafka.brokers",
	"kafka.topic",
	"redis.enabled",
	"redis.addr",
	"redis.password",
	"redis.db",
}

// Loader reads and validates Config.
type Loader struct {
	v        *viper.Viper
	validate *validator.Validate
	logger   *zap.Logger

	mu      sync.Mutex
	current Config
}

// NewLoader creates a loader with environment overrides bound.
func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}
	return &Loader{
		v:        v,
		validate: validator.New(),
		logger:   logger.Named("config"),
	}
}

// AddFlags registers the command line overrides on fs. Defaults mirror
// Default so an unset flag never masks a file value.
func AddFlags(flags *pflag.FlagSet) {
	def := Default()
	flags.String("config", "", "path to the YAML config file")
	flags.String("env-file", ".env", "dotenv file loaded before the environment is read")
	flags.String("log.level", def.Log.Level, "log level (debug, info, warn, error)")
	flags.String("log.format", def.Log.Format, "log format (json, console)")
	flags.IntSlice("local", def.Local, "islands served by this process")
	flags.Bool("listen", def.Listen, "serve the control plane for local islands")
	flags.String("executor", def.Executor, "request executor (echo, console)")
	flags.String("catalog", def.Catalog, "villager catalog YAML file")
	flags.String("webhook.addr", def.Webhook.Addr, "HTTP front-end listen address")
	flags.String("socket.addr", def.Socket.Addr, "socket API listen address")
}

// BindFlags makes changed flags take precedence over file and environment.
// Only flags the user set are bound.
func (l *Loader) BindFlags(flags *pflag.FlagSet) error {
	var err error
	flags.Visit(func(f *pflag.Flag) {
		if f.Name == "config" || f.Name == "env-file" || err != nil {
			return
		}
		err = l.v.BindPFlag(f.Name, f)
	})
	return err
}

// LoadDotEnv loads path into the process environment. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load reads path, or ./crossqueue.yaml and /etc/crossqueue/crossqueue.yaml
// when path is empty, applies overrides and validates the result.
func (l *Loader) Load(path string) (Config, error) {
	if path != "" {
		l.v.SetConfigFile(path)
	} else {
		l.v.SetConfigName("crossqueue")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("/etc/crossqueue")
	}
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		l.logger.Warn("No configuration file found, using defaults and environment variables")
	} else {
		l.logger.Info("Loaded configuration file", zap.String("file", l.v.ConfigFileUsed()))
	}

	cfg, err := l.decode()
	if err != nil {
		return Config{}, err
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

func (l *Loader) decode() (Config, error) {
	cfg := Default()
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := l.Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks struct tags, the routing table and every local island's
// dispatch settings.
func (l *Loader) Validate(cfg Config) error {
	if err := l.validate.Struct(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	table, err := cfg.Table()
	if err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	for _, id := range cfg.LocalIslands() {
		if err := l.validate.Struct(cfg.Instance(id)); err != nil {
			return fmt.Errorf("configuration validation failed for island %d: %w", id, err)
		}
		if cfg.Listen {
			if _, ok := table.Lookup(id); !ok {
				return fmt.Errorf("configuration validation failed: local island %d has no table entry to listen on", id)
			}
		}
	}
	if cfg.Chat.Enabled && !contains(cfg.LocalIslands(), cfg.Chat.Island) {
		return fmt.Errorf("configuration validation failed: chat island %d is not local", cfg.Chat.Island)
	}
	return nil
}

func contains(ids []int, id int) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// Current returns the last successfully loaded configuration.
func (l *Loader) Current() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Watch reloads the file on change and calls onChange with each valid
// result. Invalid edits are logged and ignored.
func (l *Loader) Watch(onChange func(Config)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			l.logger.Error("Ignoring invalid configuration change", zap.String("file", e.Name), zap.Error(err))
			return
		}
		l.mu.Lock()
		l.current = cfg
		l.mu.Unlock()
		l.logger.Info("Configuration reloaded", zap.String("file", e.Name))
		onChange(cfg)
	})
	l.v.WatchConfig()
}

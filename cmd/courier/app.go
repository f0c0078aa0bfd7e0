package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/opencourier/courier/pkg/budget"
	"github.com/opencourier/courier/pkg/config"
	"github.com/opencourier/courier/pkg/dispatch"
	"github.com/opencourier/courier/pkg/ledger"
	"github.com/opencourier/courier/pkg/logger"
	"github.com/opencourier/courier/pkg/messages"
	"github.com/opencourier/courier/pkg/models"
	"github.com/opencourier/courier/pkg/notify"
	"github.com/opencourier/courier/pkg/relay"
	"github.com/opencourier/courier/pkg/store"
)

// loadConfig reads path. A missing file at the default path means defaults.
func loadConfig(path string) (*config.Config, error) {
	if path == defaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return config.Default(), nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// cliLogger keeps one-shot commands quiet unless something goes wrong.
func cliLogger(cfg *config.Config) (*zap.Logger, error) {
	return logger.NewLogger(cfg.Env, "warn")
}

const redisPingTimeout = 2 * time.Second

// eventBus is where a process publishes events: local observers, if any,
// plus the Redis channel when it is enabled.
type eventBus struct {
	pub    notify.Publisher
	fanout *notify.RedisPublisher
	client *redis.Client
}

func newEventBus(ctx context.Context, cfg *config.Config, log *zap.Logger, local notify.Publisher) (*eventBus, error) {
	b := &eventBus{pub: local}
	if b.pub == nil {
		b.pub = notify.Nop{}
	}
	if !cfg.Redis.Enabled {
		return b, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
	}

	b.client = client
	b.fanout = notify.NewRedisPublisher(client,
		notify.WithRedisChannel(cfg.Redis.Channel),
		notify.WithRedisLogger(log))
	if local == nil {
		b.pub = b.fanout
	} else {
		b.pub = notify.Multi{local, b.fanout}
	}
	return b, nil
}

func (b *eventBus) Close() {
	if b.client != nil {
		_ = b.client.Close()
	}
}

// runOneShot opens the relay for a single CLI command. Events go to Redis
// when it is enabled and reachable, so a running serve streams them.
func runOneShot(configPath string, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	log, err := cliLogger(cfg)
	if err != nil {
		return err
	}
	ctx := context.Background()

	bus, err := newEventBus(ctx, cfg, log, nil)
	if err != nil {
		log.Warn("events not shared", zap.Error(err))
		bus = &eventBus{pub: notify.Nop{}}
	}
	defer bus.Close()

	a, err := openApp(cfg, log, bus.pub)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

// app is the wired relay over one database.
type app struct {
	db        *sql.DB
	svc       *relay.Service
	lifecycle *messages.Lifecycle
}

func openApp(cfg *config.Config, log *zap.Logger, pub notify.Publisher) (*app, error) {
	defaults, err := cfg.Budget.Model()
	if err != nil {
		return nil, err
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	l, err := ledger.New(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init ledger: %w", err)
	}
	budgets, err := budget.NewStore(db, budget.WithDefaults(defaults))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init budget: %w", err)
	}
	msgs, err := messages.NewStore(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init messages: %w", err)
	}

	lc := messages.NewLifecycle(msgs, messages.LifecycleConfig{
		SentDelay:      cfg.Lifecycle.SentDelay,
		DeliveredDelay: cfg.Lifecycle.DeliveredDelay,
		SweepInterval:  cfg.Lifecycle.SweepInterval,
	}, pub, log)

	svc := relay.New(relay.Deps{
		DB:         db,
		Budgets:    budgets,
		Guard:      budget.NewGuard(db, budgets, l),
		Ledger:     l,
		Messages:   msgs,
		Lifecycle:  lc,
		Dispatcher: newDispatcher(cfg.Email, log),
		Publisher:  pub,
		Logger:     log,
	})
	return &app{db: db, svc: svc, lifecycle: lc}, nil
}

// Close stops lifecycle timers and closes the database. Unfired
// transitions stay stored for the next serve.
func (a *app) Close() {
	a.lifecycle.Close()
	_ = a.db.Close()
}

// newDispatcher sends email through the configured provider, or logs it
// when no API key is set. Slack has no transport.
func newDispatcher(cfg config.EmailConfig, log *zap.Logger) dispatch.Dispatcher {
	var email dispatch.Dispatcher = dispatch.Log{Logger: log}
	if cfg.APIKey != "" {
		email = dispatch.NewHTTPEmail(cfg.APIURL, cfg.APIKey, cfg.From, &http.Client{Timeout: cfg.Timeout})
	} else {
		log.Warn("email api_key not set, email sends are logged only")
	}
	return dispatch.NewRouter(map[models.Channel]dispatch.Dispatcher{
		models.ChannelEmail: email,
		models.ChannelSlack: dispatch.Unsupported{Reason: "Slack integration not yet configured"},
	})
}

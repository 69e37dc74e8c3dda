// Package main demonstrates the event store end to end: durable appends
// with optimistic concurrency, a synchronously updated projection, an
// asynchronous subscriber, snapshots and cached rebuilds.
//
// With NATS_URL set the demo persists to NATS JetStream; without it,
// everything runs in process memory.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/caarlos0/env/v11"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	esnats "github.com/driftworks/evlog-go/adapters/nats"
	esprom "github.com/driftworks/evlog-go/adapters/prometheus"
	"github.com/driftworks/evlog-go/core/es"
)

type config struct {
	NatsURL     string        `env:"NATS_URL"`
	MetricsAddr string        `env:"METRICS_ADDR" envDefault:":9102"`
	LogLevel    slog.Level    `env:"LOG_LEVEL" envDefault:"info"`
	RunFor      time.Duration `env:"RUN_FOR" envDefault:"0"`
}

// Events
type (
	AccountOpened struct {
		Owner          string `json:"owner"`
		InitialBalance int    `json:"initial_balance"`
	}
	MoneyDeposited struct {
		Amount int `json:"amount"`
	}
	MoneyWithdrawn struct {
		Amount int `json:"amount"`
	}
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(log)

	if err := run(ctx, log, cfg); err != nil {
		log.Error("demo failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, log *slog.Logger, cfg config) error {
	reg := promclient.NewRegistry()

	opts := []es.StoreOption{
		es.WithLog(log),
		es.WithMetrics(esprom.NewStoreMetrics(reg)),
		es.WithSnapshotting(10, accountReducer, nil),
	}

	if cfg.NatsURL != "" {
		log.Info("using NATS JetStream backend", slog.String("url", cfg.NatsURL))
		connect := esnats.ReuseConnection(esnats.ConnectURL(cfg.NatsURL))

		backend, err := esnats.NewBackend(esnats.BackendConfig{Connect: connect, Log: log})
		if err != nil {
			return fmt.Errorf("create backend: %w", err)
		}
		defer backend.Close()

		snapshotter, err := esnats.NewSnapshotter(esnats.KvConfig{Connect: connect, Bucket: "evlog_snapshots"})
		if err != nil {
			return fmt.Errorf("create snapshotter: %w", err)
		}

		opts = append(opts, es.WithBackend(backend), es.WithSnapshotter(snapshotter))
	} else {
		log.Info("using in-memory backend")
	}

	store := es.NewStore(opts...)
	defer store.Close()

	// Expose /metrics
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		log.Info("metrics listening", slog.String("addr", cfg.MetricsAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	defer srv.Shutdown(context.Background())

	// Synchronously updated read model: owner -> balance.
	err := store.RegisterProjection(ctx, "balances", func() any { return map[string]any{} }, es.ProjectionHandlers{
		es.TypeNameOf(AccountOpened{}): func(state any, ev es.Event) (any, error) {
			var p AccountOpened
			if err := ev.Unmarshal(&p); err != nil {
				return nil, err
			}
			balances := state.(map[string]any)
			balances[ev.AggregateID] = float64(p.InitialBalance)
			return balances, nil
		},
		es.TypeNameOf(MoneyDeposited{}): func(state any, ev es.Event) (any, error) {
			var p MoneyDeposited
			if err := ev.Unmarshal(&p); err != nil {
				return nil, err
			}
			balances := state.(map[string]any)
			balances[ev.AggregateID] = asFloat(balances[ev.AggregateID]) + float64(p.Amount)
			return balances, nil
		},
		es.TypeNameOf(MoneyWithdrawn{}): func(state any, ev es.Event) (any, error) {
			var p MoneyWithdrawn
			if err := ev.Unmarshal(&p); err != nil {
				return nil, err
			}
			balances := state.(map[string]any)
			balances[ev.AggregateID] = asFloat(balances[ev.AggregateID]) - float64(p.Amount)
			return balances, nil
		},
	})
	if err != nil {
		return fmt.Errorf("register projection: %w", err)
	}

	// Asynchronous audit trail.
	unsubscribe := store.Subscribe(func(ev es.Event) error {
		log.Info("audit",
			slog.String("aggregate", ev.AggregateID),
			slog.String("type", ev.Type),
			ev.Version.SlogAttr(),
			slog.Uint64("seq", ev.Seq),
		)
		return nil
	})
	defer unsubscribe()

	if err := scenario(ctx, log, store); err != nil {
		return err
	}

	if cfg.RunFor > 0 {
		log.Info("demo idle, serving metrics", slog.Duration("for", cfg.RunFor))
		select {
		case <-ctx.Done():
		case <-time.After(cfg.RunFor):
		}
	}
	return nil
}

func scenario(ctx context.Context, log *slog.Logger, store *es.Store) error {
	accounts := []string{"alice", "bob", "charlie"}

	log.Info("opening accounts...")
	for _, name := range accounts {
		_, err := store.Append(ctx, name, es.TypeNameOf(AccountOpened{}),
			AccountOpened{Owner: name, InitialBalance: 100},
			es.WithExpectedVersion(0),
		)
		if err != nil {
			return fmt.Errorf("open account %s: %w", name, err)
		}
	}

	log.Info("performing transactions...")
	for i := 0; i < 25; i++ {
		for _, name := range accounts {
			_, err := es.RetryOnConflict(ctx, 5*time.Second, func() (*es.Event, error) {
				version, err := store.AggregateVersion(ctx, name)
				if err != nil {
					return nil, err
				}
				return store.Append(ctx, name, es.TypeNameOf(MoneyDeposited{}),
					MoneyDeposited{Amount: 10},
					es.WithExpectedVersion(version),
				)
			})
			if err != nil {
				return fmt.Errorf("deposit %s: %w", name, err)
			}
		}
	}

	log.Info("reading balances from projection...")
	view, ok := store.Projection("balances")
	if !ok {
		return fmt.Errorf("projection %q not registered", "balances")
	}
	state, err := view.State()
	if err != nil {
		return err
	}
	for name, balance := range state.(map[string]any) {
		log.Info("balance", slog.String("account", name), slog.Any("amount", balance))
	}

	log.Info("rebuilding alice through the cache...")
	rebuilder := es.NewCachedRebuilder(store, accountReducer, nil)
	defer rebuilder.Close()
	for i := 0; i < 3; i++ {
		state, err := rebuilder.Get(ctx, "alice")
		if err != nil {
			return err
		}
		log.Info("rebuilt", slog.Any("state", state))
	}

	return nil
}

// accountReducer folds account events into {owner, balance}.
func accountReducer(state any, ev es.Event) (any, error) {
	acct := map[string]any{}
	if cur, ok := state.(map[string]any); ok {
		for k, v := range cur {
			acct[k] = v
		}
	}
	switch ev.Type {
	case es.TypeNameOf(AccountOpened{}):
		var p AccountOpened
		if err := ev.Unmarshal(&p); err != nil {
			return nil, err
		}
		acct["owner"] = p.Owner
		acct["balance"] = float64(p.InitialBalance)
	case es.TypeNameOf(MoneyDeposited{}):
		var p MoneyDeposited
		if err := ev.Unmarshal(&p); err != nil {
			return nil, err
		}
		acct["balance"] = asFloat(acct["balance"]) + float64(p.Amount)
	case es.TypeNameOf(MoneyWithdrawn{}):
		var p MoneyWithdrawn
		if err := ev.Unmarshal(&p); err != nil {
			return nil, err
		}
		acct["balance"] = asFloat(acct["balance"]) - float64(p.Amount)
	}
	return acct, nil
}

func asFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}

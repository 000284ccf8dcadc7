// Command mdhub is the market-data hub entrypoint, generalized from the
// teacher's relay cmd/relay/main.go wiring order (config -> logger -> cache
// -> upstream -> fanout -> api -> serve) into mdhub's longer supervision
// chain (bus -> store -> supervisor -> health -> recovery -> aggregator ->
// egress -> broadcaster -> control API -> grpc admin), using
// github.com/spf13/cobra for the serve/migrate subcommands the teacher's
// single-binary relay never needed.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mdhub/internal/aggregator"
	"mdhub/internal/api"
	"mdhub/internal/broadcaster"
	"mdhub/internal/config"
	"mdhub/internal/egress"
	"mdhub/internal/eventbus"
	"mdhub/internal/grpcadmin"
	"mdhub/internal/health"
	"mdhub/internal/logger"
	"mdhub/internal/metrics"
	"mdhub/internal/recovery"
	"mdhub/internal/store"
	"mdhub/internal/supervisor"
	"mdhub/pkg/types"

	"nhooyr.io/websocket"
)

var configPath string

func main() {
	root := &cobra.Command{Use: "mdhub", Short: "local high-availability market-data hub"}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the market-data hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "apply the accounts table schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate()
		},
	}
}

const accountsSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id            VARCHAR(64)  NOT NULL PRIMARY KEY,
	gateway_type  VARCHAR(16)  NOT NULL,
	settings_json TEXT         NULL,
	priority      INT          NOT NULL DEFAULT 100,
	enabled       BOOLEAN      NOT NULL DEFAULT TRUE,
	description   VARCHAR(255) NULL,
	created_at    DATETIME     NOT NULL,
	updated_at    DATETIME     NOT NULL
);`

func runMigrate() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	db, err := openDB(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.Exec(accountsSchema)
	return err
}

func runServe() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(&logger.Config{
		Level: cfg.Logger.Level, Development: cfg.Logger.Development, Encoding: cfg.Logger.Encoding,
	}); err != nil {
		return err
	}
	defer logger.Sync()
	// The drop callback logs through the logger as it was before AttachBus,
	// so a drop warning is not itself republished onto the bus.
	dropLog := logger.Log

	bus := eventbus.New(cfg.Fanout.SubscriberBufferSize)
	logger.AttachBus(bus, "mdhub")
	log := logger.Log

	m := metrics.New()
	bus.OnDrop(func(subID string) {
		m.BusDropped.WithLabelValues(subID).Inc()
		dropLog.Warn("event bus dropped message for slow subscriber", zap.String("subscriber", subID))
	})

	db, err := openDB(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	var cache *redis.Client
	if cfg.Redis.Addr != "" {
		cache = redis.NewClient(&redis.Options{
			Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize, MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout: cfg.Redis.DialTimeout, ReadTimeout: cfg.Redis.ReadTimeout, WriteTimeout: cfg.Redis.WriteTimeout,
		})
	}

	accountStore := store.New(db, cache, bus)

	canaryDefaults := map[types.GatewayType]string{}
	if len(cfg.Health.CanarySymbolsCTP) > 0 {
		canaryDefaults[types.GatewayCTP] = cfg.Health.CanarySymbolsCTP[0]
	}
	if len(cfg.Health.CanarySymbolsSOPT) > 0 {
		canaryDefaults[types.GatewaySOPT] = cfg.Health.CanarySymbolsSOPT[0]
	}

	sup := supervisor.New(supervisor.Config{
		Mock: cfg.Gateway.Mock, MaxExchangeSkew: cfg.Health.MaxExchangeSkew,
	}, bus, m, log)
	accountStore.SetSessionStopper(sup)

	healthMon := health.New(health.Config{
		Interval: time.Duration(cfg.Health.IntervalMS) * time.Millisecond,
		Debounce: time.Duration(cfg.Health.DebounceSeconds) * time.Second,
		CanaryThreshold: time.Duration(cfg.Health.CanaryThresholdSec) * time.Second,
	}, bus, bus, sup, m, log)

	recoveryCtl := recovery.New(recovery.Config{
		CooldownMin: time.Duration(cfg.Recovery.CooldownMinSec) * time.Second,
		CooldownMax: time.Duration(cfg.Recovery.CooldownMaxSec) * time.Second,
		MaxRestartAttempts: cfg.Recovery.MaxRestartAttempts,
		ObservationWindow: time.Duration(cfg.Recovery.RecoveryObservationSec) * time.Second,
	}, bus, bus, sup, accountStore, healthMon, canaryDefaults, m, log)

	agg := aggregator.New(aggregator.Config{}, bus, bus, healthMon, sup, m, log)
	defer agg.Close()

	publisher := egress.New(egress.Config{
		Bind: cfg.Egress.Bind, SendQueueDepth: cfg.Egress.SendQueueDepth, MetricsInterval: cfg.Egress.MetricsInterval,
	}, bus, m, log)

	wsBroadcaster := broadcaster.New(broadcaster.Config{
		PingInterval: time.Duration(cfg.WS.PingIntervalSec) * time.Second,
		PongTimeout:  time.Duration(cfg.WS.PongTimeoutSec) * time.Second,
		MaxEventsPerSec: cfg.WS.MaxEventsPerSec,
	}, bus, sup, healthMon, agg, m, log)

	controlAPI := api.New(api.Config{CanaryDefaults: canaryDefaults}, accountStore, sup, healthMon, agg, log)

	admin := grpcadmin.New(grpcadmin.Config{Port: cfg.Server.GRPCPort}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	runBackground := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				log.Error("component stopped with error", zap.String("component", name), zap.Error(err))
			}
		}()
	}

	runBackground("supervisor-commands", func() error { sup.RunCommandLoop(ctx); return nil })
	runBackground("account-reconcile", func() error {
		sup.WatchAccountMutations(ctx, bus, accountStore, canaryDefaults, healthMon, recoveryCtl)
		return nil
	})
	runBackground("tick-egress", func() error { return publisher.Start(ctx) })
	runBackground("grpc-admin", func() error { return admin.Start() })

	if err := bootstrapAccounts(ctx, accountStore, sup, healthMon, recoveryCtl, agg, canaryDefaults, cfg, log); err != nil {
		log.Error("failed to bootstrap accounts", zap.Error(err))
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.WS.Bind, func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusInternalError, "closing")
		_ = wsBroadcaster.Handle(r.Context(), conn)
	})
	wsServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.HTTPPort+1), Handler: mux}
	runBackground("websocket-listener", wsServer.ListenAndServe)

	runBackground("control-api", func() error {
		return controlAPI.Listen(fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort))
	})

	admin.SetComponentHealth(grpcadmin.ComponentStore, true)
	admin.SetComponentHealth(grpcadmin.ComponentSupervisor, true)
	admin.SetComponentHealth(grpcadmin.ComponentEgress, true)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down mdhub")
	cancel()
	admin.Stop()
	_ = controlAPI.Shutdown()
	_ = wsServer.Shutdown(context.Background())
	wg.Wait()
	return nil
}

// bootstrapAccounts loads every enabled account, starts its Supervisor
// session, and registers every symbol the session actually subscribed to
// (canary plus configured symbols) for per-gateway-type election, so the
// Aggregator has a binding to migrate between same-exchange accounts for
// the account's whole symbol set, not just its canary.
func bootstrapAccounts(ctx context.Context, st *store.Store, sup *supervisor.Supervisor, healthMon *health.Monitor,
	recoveryCtl *recovery.Controller, agg *aggregator.Aggregator, canaryDefaults map[types.GatewayType]string,
	cfg *config.Config, log *zap.Logger) error {
	accounts, err := st.ListEnabled(ctx)
	if err != nil {
		return err
	}

	// accounts is ordered (gateway_type, priority, id) by ListEnabled, so
	// appending account IDs in iteration order preserves priority order
	// within each symbol's preferred source list.
	bySymbol := map[string][]string{}
	gatewayForSymbol := map[string]types.GatewayType{}

	for _, acc := range accounts {
		if err := sup.Start(ctx, *acc, canaryDefaults); err != nil {
			log.Error("failed to start gateway session", zap.String("account_id", acc.ID), zap.Error(err))
			continue
		}
		healthMon.Track(acc.ID)
		recoveryCtl.Track(acc.ID)

		session, ok := sup.Session(acc.ID)
		if !ok {
			continue
		}
		for symbol := range session.SubscribedSymbols {
			bySymbol[symbol] = append(bySymbol[symbol], acc.ID)
			gatewayForSymbol[symbol] = acc.GatewayType
		}
	}

	for symbol, order := range bySymbol {
		agg.RegisterSymbol(symbol, gatewayForSymbol[symbol], order)
	}
	return nil
}

func openDB(cfg config.DatabaseConfig) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return db, nil
}

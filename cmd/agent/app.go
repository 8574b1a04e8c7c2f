package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/sbarhandoff/backend/cmd/agent/handlers"
	"github.com/sbarhandoff/backend/internal/config"
	"github.com/sbarhandoff/backend/internal/db"
	"github.com/sbarhandoff/backend/internal/features"
	"github.com/sbarhandoff/backend/internal/handoff"
	"github.com/sbarhandoff/backend/internal/logging"
	"github.com/sbarhandoff/backend/internal/models"
	"github.com/sbarhandoff/backend/internal/notify"
	"github.com/sbarhandoff/backend/internal/rpc"
	"github.com/sbarhandoff/backend/internal/sync/codec"
	"github.com/sbarhandoff/backend/internal/sync/connectivity"
	"github.com/sbarhandoff/backend/internal/sync/queue"
	"github.com/sbarhandoff/backend/internal/sync/scheduler"
	"github.com/sbarhandoff/backend/internal/sync/storage"
	"github.com/sbarhandoff/backend/internal/telemetry"
)

// registryFile holds the local patient registry when no remote is configured.
const registryFile = "registry.db"

// appOptions wires the agent. The caller provides *config.Config.
func appOptions() fx.Option {
	return fx.Options(
		fx.Provide(
			NewLogger,
			NewStore,
			NewExecutor,
			NewHub,
			NewNotifier,
			NewQueue,
			NewMonitor,
			NewProber,
			NewScheduler,
			NewSyncHandler,
			NewHTTPServer,
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
		fx.Invoke(func(*http.Server) {}),
	)
}

// NewLogger initializes the logging facade and exposes its zap logger.
func NewLogger(cfg *config.Config) *zap.Logger {
	logging.InitWithOptions(logging.Options{
		Level:       logging.ParseLevel(cfg.LogLevel),
		Development: cfg.IsDevelopment(),
	})
	return logging.Zap()
}

// NewStore opens the queue's persistence backend.
func NewStore(lc fx.Lifecycle, cfg *config.Config) (queue.Store, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	if closer, ok := store.(io.Closer); ok {
		lc.Append(fx.Hook{OnStop: func(context.Context) error { return closer.Close() }})
	}

	if cfg.QueueEncryptionKey == "" {
		return store, nil
	}
	return storage.NewEncrypted(store, cfg.QueueEncryptionKey)
}

func openStore(cfg *config.Config) (queue.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreMemory:
		return storage.NewMemory(), nil

	case config.StoreRedis:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return storage.NewRedis(ctx, cfg.RedisURL, cfg.RedisNamespace)
	}

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err := db.NewMigrator(database, db.AgentMigrations()).Migrate(); err != nil {
		database.Close()
		return nil, err
	}
	return storage.NewSQLite(database), nil
}

// NewExecutor returns the HTTP client for REMOTE_URL, or an in-process
// router over a local registry when no remote is configured.
func NewExecutor(lc fx.Lifecycle, cfg *config.Config) (queue.Executor, error) {
	if cfg.RemoteURL != "" {
		return rpc.NewClient(rpc.Config{
			BaseURL:       cfg.RemoteURL,
			Timeout:       cfg.RemoteTimeout,
			RatePerSecond: cfg.RemoteRate,
			Burst:         cfg.RemoteBurst,
		})
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, err
	}
	database, err := db.OpenSQLite(filepath.Join(cfg.DataDir, registryFile))
	if err != nil {
		return nil, err
	}
	if err := db.NewMigrator(database, db.ServerMigrations()).Migrate(); err != nil {
		database.Close()
		return nil, err
	}
	repo := handoff.NewRepository(database)
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		repo.Close()
		return database.Close()
	}})

	svc := handoff.NewService(repo, nil)
	router := rpc.NewRouter()
	for _, t := range models.OperationTypes {
		router.Handle(t, queue.ExecutorFunc(svc.Executor()))
	}
	logging.Info("No remote configured, applying operations to the local registry", map[string]interface{}{
		"path": filepath.Join(cfg.DataDir, registryFile),
	})
	return router, nil
}

// NewHub creates the WebSocket hub. It is nil when ws_notifications is off.
func NewHub(lc fx.Lifecycle, cfg *config.Config) *notify.Hub {
	if !features.Enabled(features.WSNotifications, cfg.FeaturePhase) {
		return nil
	}
	hub := notify.NewHub(cfg.AllowedOrigins)
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		hub.Close()
		return nil
	}})
	return hub
}

// Notifiers groups the queue notifier with the status publisher that must be
// bound once the queue exists.
type Notifiers struct {
	fx.Out

	Notifier  queue.Notifier
	Publisher *notify.StatusPublisher
	Counters  *telemetry.Counters
}

// NewNotifier fans notifications out to the log, the local counters and,
// when enabled, the hub.
func NewNotifier(hub *notify.Hub) Notifiers {
	publisher := &notify.StatusPublisher{Hub: hub}
	counters := &telemetry.Counters{}
	multi := notify.Multi{notify.Log{}, counters}
	if hub != nil {
		multi = append(multi, hub, publisher)
	}
	return Notifiers{Notifier: multi, Publisher: publisher, Counters: counters}
}

// NewQueue restores the offline queue.
func NewQueue(lc fx.Lifecycle, cfg *config.Config, store queue.Store, exec queue.Executor,
	notifier queue.Notifier, publisher *notify.StatusPublisher) (*queue.Queue, error) {
	c, err := codec.ByName(cfg.QueueCodec)
	if err != nil {
		return nil, err
	}

	q, err := queue.New(context.Background(), queue.Options{
		Store:      store,
		Executor:   exec,
		Notifier:   notifier,
		Codec:      c,
		MaxRetries: cfg.MaxRetries,
		FlushDelay: cfg.FlushDelay,
	})
	if err != nil {
		return nil, err
	}
	publisher.Bind(q.Status)

	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		q.Close()
		return nil
	}})
	return q, nil
}

// NewMonitor creates the connectivity flag, initially offline.
func NewMonitor() *connectivity.Monitor {
	return connectivity.NewMonitor(false)
}

// NewProber polls the server health endpoint. Without a probe URL, or with
// the probe disabled, it returns nil and the monitor is set online on start.
func NewProber(lc fx.Lifecycle, cfg *config.Config, monitor *connectivity.Monitor) *connectivity.Prober {
	url := cfg.ProbeURL()
	if url == "" || !features.Enabled(features.ConnectivityProbe, cfg.FeaturePhase) {
		lc.Append(fx.Hook{OnStart: func(context.Context) error {
			monitor.SetOnline(true)
			return nil
		}})
		return nil
	}

	prober := connectivity.NewProber(monitor, connectivity.ProberConfig{
		URL:      url,
		Interval: cfg.ProbeInterval,
		Failures: 2,
	})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			wg.Add(1)
			go func() {
				defer wg.Done()
				prober.Run(ctx)
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			wg.Wait()
			return nil
		},
	})
	return prober
}

// NewScheduler starts the periodic flush when the offline queue is enabled,
// and returns nil otherwise.
func NewScheduler(lc fx.Lifecycle, cfg *config.Config, q *queue.Queue, monitor *connectivity.Monitor) *scheduler.Scheduler {
	if !features.Enabled(features.OfflineQueue, cfg.FeaturePhase) {
		logging.Warn("Offline queue disabled, operations are forwarded synchronously", nil)
		// the queue still tracks connectivity for status reporting
		unsubscribe := monitor.Subscribe(q.SetOnline)
		lc.Append(fx.Hook{OnStop: func(context.Context) error {
			unsubscribe()
			return nil
		}})
		return nil
	}

	s := scheduler.NewScheduler(q, monitor, &scheduler.SchedulerConfig{SyncInterval: cfg.SyncInterval})
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { return s.Start(ctx) },
		OnStop: func(context.Context) error {
			s.Stop()
			cancel()
			return nil
		},
	})
	return s
}

// NewSyncHandler assembles the local API.
func NewSyncHandler(cfg *config.Config, q *queue.Queue, monitor *connectivity.Monitor,
	s *scheduler.Scheduler, prober *connectivity.Prober, hub *notify.Hub, exec queue.Executor,
	counters *telemetry.Counters) *handlers.SyncHandler {
	deps := handlers.Deps{
		Queue:        q,
		Connectivity: monitor,
		Scheduler:    s,
		Counters:     counters,
		Direct:       exec,
		QueueEnabled: features.Enabled(features.OfflineQueue, cfg.FeaturePhase),
		Features:     features.List(cfg.FeaturePhase),
	}
	if prober != nil {
		deps.Prober = prober
	}
	if hub != nil {
		deps.WS = http.HandlerFunc(hub.ServeWS)
	}
	return handlers.NewSyncHandler(deps)
}

// NewHTTPServer listens on AGENT_ADDR for the lifetime of the app.
func NewHTTPServer(lc fx.Lifecycle, cfg *config.Config, h *handlers.SyncHandler) *http.Server {
	server := &http.Server{
		Addr:        cfg.AgentAddr,
		Handler:     h.Routes(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", server.Addr)
			if err != nil {
				return err
			}
			logging.Info("Sync agent listening", map[string]interface{}{"addr": ln.Addr().String()})
			go func() {
				if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logging.Error("Agent server stopped", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return server.Shutdown(ctx)
		},
	})
	return server
}

package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/hostlens/hostlens/internal/config"
	"github.com/hostlens/hostlens/internal/events"
	"github.com/hostlens/hostlens/internal/extension"
	"github.com/hostlens/hostlens/internal/killswitch"
	"github.com/hostlens/hostlens/internal/logforwarder"
	"github.com/hostlens/hostlens/internal/monitoring"
	"github.com/hostlens/hostlens/internal/registry"
	"github.com/hostlens/hostlens/internal/scheduler"
	"github.com/hostlens/hostlens/internal/sqlengine"
	"github.com/hostlens/hostlens/internal/status"
	"github.com/hostlens/hostlens/internal/store"
	"github.com/hostlens/hostlens/internal/watchdog"
)

// runWorker wires and runs every subsystem: this is the process that
// actually schedules queries, serves the extension socket, and forwards
// logs, whether it's running standalone (--disable_watchdog) or as the
// watcher's supervised child.
func runWorker(cfg daemonConfig) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if os.Getenv(watchdog.WorkerMarkerEnv) != "" {
		ww := watchdog.NewWatcherWatcher(os.Getppid())
		go ww.Run(ctx)
	}

	dbPath := cfg.databasePath
	if cfg.disableDatabase {
		dbPath = ":memory:"
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			log.Fatal().Err(err).Str("path", dbPath).Msg("failed to create database directory")
		}
	}
	db, err := store.Open(dbPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", dbPath).Msg("failed to open backing store")
	}
	defer db.Close()

	hostID := loadOrCreateHostIdentifier(db)
	reg := registry.New()

	wireConfig(reg, cfg)
	engine := sqlengine.New(reg)
	mgr := config.New(reg, db)
	mgr.SetEngine(engine)
	mgr.SetHostIdentifier(hostID)
	if st := mgr.Load(); !st.Ok() {
		log.Warn().Str("status", st.Error()).Msg("initial config load failed, starting with empty schedule")
	}
	mgr.StartRefreshThread(ctx, cfg.configRefresh, 10*cfg.configRefresh)
	if err := mgr.WatchPaths(ctx, cfg.configPath); err != nil {
		log.Warn().Err(err).Msg("could not start config hot-reload watcher")
	}

	wireKillswitch(reg, cfg)
	wireMonitoring(reg)

	if !cfg.disableLogging {
		wireLogging(reg, db, ctx, cfg)
	}

	bus := events.New(db, cfg.workerThreads)
	stopEvents := make(chan struct{})
	go bus.Run(stopEvents)
	go func() {
		<-ctx.Done()
		close(stopEvents)
	}()

	sched := scheduler.New(mgr, reg, db, engine)
	if cfg.scheduleTimeout > 0 {
		sched.Timeout = sched.Clock.NowUnix() + cfg.scheduleTimeout
	}
	sched.ScheduleReload = cfg.scheduleReload
	sched.Epoch = cfg.scheduleEpoch
	sched.HostIdentifier = hostID
	sched.EventsOptimize = cfg.eventsOptimize
	sched.OnCatastrophic = func(reason string) {
		log.Error().Str("reason", reason).Msg("logger plugin reported a catastrophic status, shutting down")
		stop()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.extensionsSocket), 0o755); err != nil {
		log.Warn().Err(err).Msg("failed to create extensions socket directory")
	}
	os.Remove(cfg.extensionsSocket)
	host := extension.NewHost(cfg.extensionsSocket, reg)
	go func() {
		if err := host.Serve(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("extension host stopped unexpectedly")
		}
	}()

	log.Info().Str("host_identifier", hostID).Str("socket", cfg.extensionsSocket).Msg("hostlensd worker starting")
	sched.Run(ctx)
	log.Info().Msg("hostlensd worker stopped")
}

// loadOrCreateHostIdentifier returns the persisted host UUID, minting and
// storing a new one on first run so the identifier survives restarts,
// matching osquery's host_uuid persistence.
func loadOrCreateHostIdentifier(db store.Database) string {
	const key = "host_uuid"
	if v, found, err := db.Get(store.DomainPersistentSettings, key); err == nil && found {
		return v
	}
	id := uuid.NewString()
	if err := db.Put(store.DomainPersistentSettings, key, id); err != nil {
		log.Warn().Err(err).Msg("failed to persist host identifier, it will be regenerated next run")
	}
	return id
}

func wireConfig(reg *registry.Registry, cfg daemonConfig) {
	reg.RegisterPlugin(registry.KindConfig, "filesystem", func() registry.Plugin {
		return config.NewFilesystemPlugin(cfg.configPath)
	})
	if st := reg.SetActive(registry.KindConfig, "filesystem"); !st.Ok() {
		log.Error().Str("status", st.Error()).Msg("failed to activate filesystem config plugin")
	}
}

// wireKillswitch registers the killswitch backend plugin (Redis, if
// --killswitch_redis_url is set, else a local JSON file beside the
// database) and builds the process-wide cached Killswitch facade that
// future table/event feature code can query via IsEnabled/IsNewCodeEnabled.
func wireKillswitch(reg *registry.Registry, cfg daemonConfig) *killswitch.Killswitch {
	name := "filesystem"
	if cfg.killswitchRedis != "" {
		opt, err := redis.ParseURL(cfg.killswitchRedis)
		if err != nil {
			log.Error().Err(err).Msg("invalid killswitch_redis_url, falling back to filesystem killswitch plugin")
		} else {
			client := redis.NewClient(opt)
			reg.RegisterPlugin(registry.KindKillswitch, "redis", func() registry.Plugin {
				return killswitch.NewRedisPlugin(client, "hostlensd:killswitch")
			})
			name = "redis"
		}
	}
	if name == "filesystem" {
		path := filepath.Join(filepath.Dir(cfg.databasePath), "killswitch.json")
		reg.RegisterPlugin(registry.KindKillswitch, "filesystem", func() registry.Plugin {
			return killswitch.NewFilesystemPlugin(path)
		})
	}
	if st := reg.SetActive(registry.KindKillswitch, name); !st.Ok() {
		log.Error().Str("status", st.Error()).Msg("failed to activate killswitch plugin")
	}
	if _, st := reg.CallActive(registry.KindKillswitch, registry.Request{"action": "refresh"}); !st.Ok() {
		log.Warn().Str("status", st.Error()).Msg("initial killswitch refresh failed")
	}
	return killswitch.New(reg)
}

func wireMonitoring(reg *registry.Registry) *monitoring.Plugin {
	plugin := monitoring.New()
	monitoring.MustRegister(prometheus.DefaultRegisterer)
	reg.RegisterPlugin(registry.KindNumericMonitoring, "prometheus", func() registry.Plugin { return plugin })
	if st := reg.SetActive(registry.KindNumericMonitoring, "prometheus"); !st.Ok() {
		log.Error().Str("status", st.Error()).Msg("failed to activate numeric_monitoring plugin")
	}
	return plugin
}

// wireLogging registers the buffered log forwarder as the active Logger
// plugin. With no --logger_tls_endpoint configured there is no remote
// control plane to deliver to, so the sender writes batches to the local
// diagnostic log instead of discarding them.
func wireLogging(reg *registry.Registry, db store.Database, ctx context.Context, cfg daemonConfig) {
	var sender logforwarder.Sender
	if cfg.logEndpoint != "" {
		sender = logforwarder.NewWebSocketSender(cfg.logEndpoint)
	} else {
		flog := log.With().Str("component", "logforwarder").Logger()
		sender = logforwarder.SenderFunc(func(_ context.Context, lines []string) status.Status {
			for _, l := range lines {
				flog.Info().Str("line", l).Msg("buffered log line (no remote endpoint configured)")
			}
			return status.OKStatus
		})
	}

	forwarder := logforwarder.New(db, sender)
	reg.RegisterPlugin(registry.KindLogger, "buffered", func() registry.Plugin {
		return logforwarder.NewLoggerPlugin(forwarder)
	})
	if st := reg.SetActive(registry.KindLogger, "buffered"); !st.Ok() {
		log.Error().Str("status", st.Error()).Msg("failed to activate logger plugin")
	}
	go forwarder.Run(ctx)
}

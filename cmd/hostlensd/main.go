// Command hostlensd is the endpoint telemetry agent's watcher/worker
// entrypoint. The top-level process runs as the watcher: it re-execs
// itself as a supervised worker child (see worker.go) and polls the
// worker's resource usage, respawning or killing it per the configured
// watchdog level. --disable_watchdog skips the fork entirely and runs
// the worker logic directly in this process, which is also what happens
// automatically once HOSTLENSD_WORKER is set in the re-exec'd child.
//
// Flag and environment-variable parsing follows
// agents/docker-agent/main.go's convention: stdlib flag package, each
// flag falling back to an environment variable default, no CLI
// framework.
package main

import (
	"flag"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/hostlens/hostlens/internal/watchdog"
)

// daemonConfig collects every flag hostlensd accepts, passed by value
// into runWatcher/runWorker so neither depends on package-level flag
// state after main returns.
type daemonConfig struct {
	configRefresh    time.Duration
	scheduleTimeout  int64
	scheduleReload   int64
	scheduleEpoch    int64
	eventsOptimize   bool
	disableWatchdog  bool
	watchdogLevel    watchdog.Level
	workerThreads    int
	disableLogging   bool
	disableDatabase  bool
	databasePath     string
	extensionsSocket string
	configPath       string
	logEndpoint      string
	killswitchRedis  string
}

func main() {
	configRefresh := flag.Int("config_refresh", getEnvIntOrDefault("HOSTLENS_CONFIG_REFRESH", 300),
		"seconds between forced config refreshes")
	scheduleTimeout := flag.Int64("schedule_timeout", getEnvInt64OrDefault("HOSTLENS_SCHEDULE_TIMEOUT", 0),
		"seconds the scheduler runs before stopping (0 = unbounded)")
	scheduleReload := flag.Int64("schedule_reload", getEnvInt64OrDefault("HOSTLENS_SCHEDULE_RELOAD", 300),
		"seconds between SQL engine resets (0 disables)")
	scheduleEpoch := flag.Int64("schedule_epoch", getEnvInt64OrDefault("HOSTLENS_SCHEDULE_EPOCH", 0),
		"epoch value stamped on every query log item and persisted result")
	eventsOptimize := flag.Bool("events_optimize", getEnvBoolOrDefault("HOSTLENS_EVENTS_OPTIMIZE", true),
		"skip differencing for event-subscriber-backed tables")
	disableWatchdog := flag.Bool("disable_watchdog", getEnvBoolOrDefault("HOSTLENS_DISABLE_WATCHDOG", false),
		"run the worker in this process instead of forking a supervised child")
	watchdogLevel := flag.Int("watchdog_level", getEnvIntOrDefault("HOSTLENS_WATCHDOG_LEVEL", int(watchdog.LevelNormal)),
		"watchdog resource-limit rigor: 0=disabled 1=normal 2=restrictive 3=debug")
	workerThreads := flag.Int("worker_threads", getEnvIntOrDefault("HOSTLENS_WORKER_THREADS", 4),
		"event dispatcher worker pool size")
	disableLogging := flag.Bool("disable_logging", getEnvBoolOrDefault("HOSTLENS_DISABLE_LOGGING", false),
		"do not register a logger plugin or run the buffered log forwarder")
	disableDatabase := flag.Bool("disable_database", getEnvBoolOrDefault("HOSTLENS_DISABLE_DATABASE", false),
		"use an in-memory backing store instead of database_path")
	databasePath := flag.String("database_path", getEnvOrDefault("HOSTLENS_DATABASE_PATH", "/var/lib/hostlensd/hostlensd.db"),
		"sqlite backing store path")
	extensionsSocket := flag.String("extensions_socket", getEnvOrDefault("HOSTLENS_EXTENSIONS_SOCKET", "/var/run/hostlensd/hostlensd.em"),
		"path of the AF_UNIX socket extensions connect to")
	configPath := flag.String("config_path", getEnvOrDefault("HOSTLENS_CONFIG_PATH", "/etc/hostlensd/hostlensd.conf"),
		"filesystem config plugin source file")
	logEndpoint := flag.String("logger_tls_endpoint", os.Getenv("HOSTLENS_LOG_ENDPOINT"),
		"websocket URL the buffered log forwarder delivers batches to (empty disables remote delivery)")
	killswitchRedis := flag.String("killswitch_redis_url", os.Getenv("HOSTLENS_KILLSWITCH_REDIS_URL"),
		"optional Redis URL backing the killswitch plugin instead of a local JSON file")

	flag.Parse()

	cfg := daemonConfig{
		configRefresh:    time.Duration(*configRefresh) * time.Second,
		scheduleTimeout:  *scheduleTimeout,
		scheduleReload:   *scheduleReload,
		scheduleEpoch:    *scheduleEpoch,
		eventsOptimize:   *eventsOptimize,
		disableWatchdog:  *disableWatchdog,
		watchdogLevel:    watchdog.Level(*watchdogLevel),
		workerThreads:    *workerThreads,
		disableLogging:   *disableLogging,
		disableDatabase:  *disableDatabase,
		databasePath:     *databasePath,
		extensionsSocket: *extensionsSocket,
		configPath:       *configPath,
		logEndpoint:      *logEndpoint,
		killswitchRedis:  *killswitchRedis,
	}

	if cfg.disableWatchdog || os.Getenv(watchdog.WorkerMarkerEnv) != "" {
		runWorker(cfg)
		return
	}
	runWatcher(cfg)
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Printf("[hostlensd] invalid integer in %s=%q, using default %d", key, v, def)
	}
	return def
}

func getEnvInt64OrDefault(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
		log.Printf("[hostlensd] invalid integer in %s=%q, using default %d", key, v, def)
	}
	return def
}

func getEnvBoolOrDefault(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		log.Printf("[hostlensd] invalid boolean in %s=%q, using default %v", key, v, def)
	}
	return def
}

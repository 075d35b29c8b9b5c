package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/edge-cache/edge-cache/core"
	"github.com/edge-cache/edge-cache/pkg/object-store/persist"
)

var (
	// CLI flags
	configFlag         string
	originFlag         string
	hostFlag           string
	portFlag           int
	backendFlag        string
	storagePathFlag    string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVarP(&configFlag, "config", "c", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides config)")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin (overrides config)")
	flag.IntVarP(&portFlag, "port", "p", 0, "Port to listen on (overrides config)")
	flag.StringVar(&backendFlag, "storage", "", "Storage backend: memory, sqlite, leveldb or postgres (overrides config)")
	flag.StringVar(&storagePathFlag, "storage-path", "", "Database file or directory for sqlite and leveldb")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	var config fileConfig
	if configFlag != "" {
		var err error
		config, err = getConfig(configFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not load config")
		}
	}

	// flags override the config file
	if originFlag != "" {
		config.Origin = originFlag
	}
	if hostFlag != "" {
		config.Host = hostFlag
	}
	if backendFlag != "" {
		config.Storage.Backend = backendFlag
	}
	if storagePathFlag != "" {
		config.Storage.Path = storagePathFlag
	}
	listen := config.Listen
	if portFlag > 0 {
		listen = fmt.Sprintf(":%d", portFlag)
	}
	if listen == "" {
		listen = ":8080"
	}

	if config.Origin == "" {
		log.Fatal().Msg("Please specify origin")
	}
	originURL, err := url.Parse(config.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse origin URL")
	}

	persister, err := openPersistence(config.Storage)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open cache storage")
	}

	engine := core.CreateCache(core.Config{
		OriginURL:          *originURL,
		OriginHost:         config.Host,
		Rules:              config.Rules,
		Persist:            persister,
		MaxObjectBytes:     config.MaxObjectBytes,
		MaxTotalBytes:      config.MaxTotalBytes,
		LockWaitTimeout:    config.LockWaitTimeout.value(),
		LockMaxLifetime:    config.LockMaxLifetime.value(),
		UncacheableFor:     config.UncacheableFor.value(),
		DefaultStale:       config.DefaultStale.value(),
		StaleIfError:       config.StaleIfError.value(),
		RangeWait:          config.RangeWait.value(),
		VaryAllowlist:      config.VaryAllowlist,
		StatusHeaderName:   config.StatusHeader,
		LockWaitHeaderName: config.LockWaitHeader,
		RevalidateWorkers:  config.RevalidateWorkers,
	})

	chi.RegisterMethod(core.MethodPurge)
	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	router.Handle("/*", engine)

	server := &http.Server{Addr: listen, Handler: router}
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Info().Msg("Shutting down")
		if err := server.Shutdown(context.Background()); err != nil {
			log.Error().Err(err).Msg("Error shutting down server")
		}
	}()

	log.Info().Msgf("Proxying %s to %s (with hostname '%s')", listen, config.Origin, config.Host)
	serveErr := server.ListenAndServe()
	// the engine closes before any exit so queued persistence lands
	if err := engine.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing cache")
	}
	if serveErr != nil && serveErr != http.ErrServerClosed {
		log.Fatal().Err(serveErr).Msg("Server error")
	}
}

// openPersistence opens the configured storage backend. A memory-only
// cache returns nil.
func openPersistence(cfg storageConfig) (persist.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return nil, nil
	case "sqlite":
		path := cfg.Path
		if path == "" {
			path = "edge-cache.db"
		}
		return persist.NewSQLite(path)
	case "leveldb":
		path := cfg.Path
		if path == "" {
			path = "edge-cache.leveldb"
		}
		return persist.NewLevelDB(path)
	case "postgres":
		return persist.NewPostgres(cfg.DSN)
	}
	return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	advancedcache "github.com/always-cache/advanced-cache"
	"github.com/always-cache/advanced-cache/cache"
	"github.com/always-cache/advanced-cache/control"
	"github.com/always-cache/advanced-cache/pkg/rules"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFlag         string
	portFlag           int
	controlPortFlag    int
	originFlag         string
	addrFlag           string
	hostFlag           string
	dbFilenameFlag     string
	timeoutFlag        time.Duration
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

// used when no rules are configured
var defaultRules = rules.Rules{
	{Strategy: rules.NetworkFirst, Cache: "pages"},
}

func init() {
	flag.StringVar(&configFlag, "config", "", "Config file (yaml)")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides config, addr and host)")
	flag.StringVar(&addrFlag, "addr", "", "Origin IP address to proxy to")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.IntVar(&controlPortFlag, "control-port", 8081, "Port for the control channel and metrics (0 to disable)")
	flag.StringVar(&dbFilenameFlag, "db", "cache.db", "Cache DB file name (use 'memory' for in-memory stores)")
	flag.DurationVar(&timeoutFlag, "timeout", 30*time.Second, "Origin request timeout")
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
		With().Str("build", version).Logger()

	var fileConfig advancedcache.FileConfig
	if configFlag != "" {
		var err error
		if fileConfig, err = advancedcache.ReadConfig(configFlag); err != nil {
			log.Fatal().Err(err).Msg("Could not read config")
		}
	}
	if len(fileConfig.Rules) == 0 {
		log.Warn().Msg("No rules configured, using network-first for everything")
		fileConfig.Rules = defaultRules
	}
	cacheConfig, err := fileConfig.ManagerConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	// get the downstream server address
	originURL, originHost := origin(fileConfig)
	cacheConfig.Fetcher = advancedcache.NewOriginFetcher(*originURL, originHost, timeoutFlag)

	// set up storage, in-memory or sqlite
	if dbFilenameFlag == "memory" {
		cacheConfig.Provider = cache.NewMemProvider()
	} else {
		provider, err := cache.NewSQLiteProvider(dbFilenameFlag)
		if err != nil {
			log.Fatal().Err(err).Str("db", dbFilenameFlag).Msg("Could not open cache db")
		}
		cacheConfig.Provider = provider
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	cacheConfig.Registerer = registry
	cacheConfig.Logger = &log.Logger

	acache, err := advancedcache.New(cacheConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create cache")
	}
	if err := acache.Init(); err != nil {
		log.Fatal().Err(err).Msg("Could not initialize cache")
	}

	router := chi.NewRouter()
	router.Use(middleware.RealIP)
	router.Handle("/*", acache)
	servers := []*http.Server{{Addr: fmt.Sprintf(":%d", portFlag), Handler: router}}

	var controlServer *control.Server
	if controlPortFlag != 0 {
		controlServer = control.NewServer(acache, registry, log.Logger)
		servers = append(servers, &http.Server{Addr: fmt.Sprintf(":%d", controlPortFlag), Handler: controlServer.Router()})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, len(servers))
	for _, srv := range servers {
		srv := srv
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- err
			}
		}()
	}
	log.Info().Msgf("Proxying port %v to %s (with hostname '%s'), control on port %d", portFlag, originURL.String(), originHost, controlPortFlag)

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	case err := <-errs:
		log.Error().Err(err).Msg("Server failed, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Str("addr", srv.Addr).Msg("Could not shut down server")
		}
	}
	if controlServer != nil {
		controlServer.Close()
	}
	if err := acache.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Could not shut down cache cleanly")
	}
}

// origin returns the origin URL and host from the flags, falling back to the config file.
func origin(fileConfig advancedcache.FileConfig) (*url.URL, string) {
	switch {
	case originFlag != "":
		originURL, err := url.Parse(originFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not parse url")
		}
		return originURL, hostFlag
	case addrFlag != "":
		originURL, err := url.Parse("https://" + addrFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not parse url")
		}
		return originURL, hostFlag
	case fileConfig.Origin != "":
		originURL, err := fileConfig.OriginURL()
		if err != nil {
			log.Fatal().Err(err).Msg("Could not parse url")
		}
		return originURL, fileConfig.Host
	}
	log.Fatal().Msg("Please specify origin")
	return nil, ""
}

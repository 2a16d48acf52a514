package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/pkg/listing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	verbosityTraceFlag bool

	// this is set by goreleaser
	version string
)

// flag values that override the config file, applied only if set on the command line
var overrides = Config{}

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&overrides.Origin, "origin", "", "Origin URL to proxy to (overrides addr and host)")
	flag.StringVar(&overrides.Addr, "addr", "", "Origin IP address to proxy to")
	flag.StringVar(&overrides.Host, "host", "", "Hostname of origin")
	flag.IntVar(&overrides.Port, "port", 8080, "Port to listen on")
	flag.StringVar(&overrides.DB, "db", "cache.db", "Cache DB file name (use 'memory' for in-memory db)")
	flag.StringVar(&overrides.Redis, "redis", "", "Redis address or URL to keep the stores in (instead of the db)")
	flag.Int64Var(&overrides.HotBytes, "hot-bytes", 0, "Size of the in-process cache in front of the stores (0 to disable)")
	flag.BoolVar(&overrides.CacheStatus, "cache-status", false, "Add a Cache-Status header to responses")
	flag.BoolVar(&overrides.Listing, "listing", false, "Serve the pokemon listing at /api/pokemon")
	flag.StringVar(&overrides.LogFile, "log-file", "", "Log file to use (in addition to stdout)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")

	if version == "" {
		version = "DEV"
	}
}

// applyFlags copies the flags given on the command line into the config.
func applyFlags(fs *flag.FlagSet, config *Config) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "origin":
			config.Origin = overrides.Origin
		case "addr":
			config.Addr = overrides.Addr
		case "host":
			config.Host = overrides.Host
		case "port":
			config.Port = overrides.Port
		case "db":
			config.DB = overrides.DB
		case "redis":
			config.Redis = overrides.Redis
		case "hot-bytes":
			config.HotBytes = overrides.HotBytes
		case "cache-status":
			config.CacheStatus = overrides.CacheStatus
		case "listing":
			config.Listing = overrides.Listing
		case "log-file":
			config.LogFile = overrides.LogFile
		}
	})
}

func main() {
	flag.Parse()

	config, err := getConfig(configFilenameFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not read config")
	}
	applyFlags(flag.CommandLine, &config)

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if config.LogFile != "" {
		if logFileOutput, err := os.OpenFile(config.LogFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	stores, err := config.openStores()
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open stores")
	}
	defer stores.Close()

	cacheConfig, err := config.cacheConfig(stores)
	if err != nil {
		log.Fatal().Err(err).Msg("Please specify origin")
	}
	cacheConfig.Logger = &log.Logger

	acache := offlinecache.CreateCache(cacheConfig)
	report, err := acache.Start(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("Could not install")
	}
	for _, d := range report.Failed() {
		log.Warn().Err(d.Err).Str("store", d.Name).Msg("Stale store left in place")
	}

	var listingClient *listing.Client
	if config.Listing {
		listingClient = listing.NewClient(log.Logger)
	}

	log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", config.Port, cacheConfig.OriginURL.String(), cacheConfig.OriginHost)
	err = http.ListenAndServe(fmt.Sprintf(":%d", config.Port), newRouter(acache, listingClient, log.Logger))

	if err != nil {
		panic(err)
	}
}

func newRouter(acache *offlinecache.OfflineCache, listingClient *listing.Client, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(hlog.NewHandler(logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("url", r.URL.String()).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Handled request")
	}))

	r.Get("/.offline-cache/stores", acache.ServeStores)
	if listingClient != nil {
		r.Get("/api/pokemon", serveListing(listingClient))
	}
	r.Handle("/*", acache)
	return r
}

// serveListing always answers with a listing, empty if it could not be fetched.
func serveListing(client *listing.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(client.GetAll(r.Context())); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("Could not write listing")
		}
	}
}

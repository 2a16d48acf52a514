package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"

	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Config is read from the config file, then overridden by the environment and by flags.
type Config struct {
	Origin          string   `yaml:"origin" env:"OFFLINE_CACHE_ORIGIN"`
	Addr            string   `yaml:"addr" env:"OFFLINE_CACHE_ADDR"`
	Host            string   `yaml:"host" env:"OFFLINE_CACHE_HOST"`
	Port            int      `yaml:"port" env:"OFFLINE_CACHE_PORT"`
	DB              string   `yaml:"db" env:"OFFLINE_CACHE_DB"`
	Redis           string   `yaml:"redis" env:"OFFLINE_CACHE_REDIS"`
	HotBytes        int64    `yaml:"hotBytes" env:"OFFLINE_CACHE_HOT_BYTES"`
	ShellStore      string   `yaml:"shellStore" env:"OFFLINE_CACHE_SHELL_STORE"`
	AssetStore      string   `yaml:"assetStore" env:"OFFLINE_CACHE_ASSET_STORE"`
	Bootstrap       []string `yaml:"bootstrap" env:"OFFLINE_CACHE_BOOTSTRAP" envSeparator:","`
	OfflineDocument string   `yaml:"offlineDocument" env:"OFFLINE_CACHE_OFFLINE_DOCUMENT"`
	CacheStatus     bool     `yaml:"cacheStatus" env:"OFFLINE_CACHE_CACHE_STATUS"`
	Listing         bool     `yaml:"listing" env:"OFFLINE_CACHE_LISTING"`
	LogFile         string   `yaml:"logFile" env:"OFFLINE_CACHE_LOG_FILE"`
}

func defaultConfig() Config {
	return Config{
		Port: 8080,
		DB:   "cache.db",
	}
}

// getConfig reads the config file, if any, and applies the environment on top of it.
func getConfig(filename string) (Config, error) {
	config := defaultConfig()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", filename, err)
		}
	}
	if err := env.Parse(&config); err != nil {
		return config, fmt.Errorf("parse environment: %w", err)
	}
	return config, nil
}

// originURL gets the origin to proxy to. Origin takes precedence over Addr.
func (c Config) originURL() (*url.URL, error) {
	switch {
	case c.Origin != "":
		return url.Parse(c.Origin)
	case c.Addr != "":
		return url.Parse("https://" + c.Addr)
	}
	return nil, fmt.Errorf("no origin configured")
}

// openStores creates the store manager the config asks for: redis if an address
// is given, sqlite otherwise, optionally fronted by an in-process hot cache.
func (c Config) openStores() (cache.StoreManager, error) {
	var stores cache.StoreManager
	if c.Redis != "" {
		opts, err := redisOptions(c.Redis)
		if err != nil {
			return nil, err
		}
		stores = cache.NewRedisManager(redis.NewClient(opts), "offline-cache:")
	} else {
		filename := c.DB
		if filename == "memory" {
			filename = ""
		}
		m, err := cache.NewSQLiteManager(filename)
		if err != nil {
			return nil, err
		}
		stores = m
	}
	if c.HotBytes > 0 {
		hot, err := cache.NewHotManager(stores, c.HotBytes)
		if err != nil {
			stores.Close()
			return nil, err
		}
		stores = hot
	}
	return stores, nil
}

// redisOptions accepts both redis:// URLs and bare host:port addresses.
func redisOptions(addr string) (*redis.Options, error) {
	if strings.Contains(addr, "://") {
		return redis.ParseURL(addr)
	}
	return &redis.Options{Addr: addr}, nil
}

func (c Config) cacheConfig(stores cache.StoreManager) (offlinecache.Config, error) {
	originURL, err := c.originURL()
	if err != nil {
		return offlinecache.Config{}, err
	}
	return offlinecache.Config{
		Stores:            stores,
		OriginURL:         *originURL,
		OriginHost:        c.Host,
		ShellStore:        c.ShellStore,
		AssetStore:        c.AssetStore,
		Bootstrap:         c.Bootstrap,
		OfflineDocument:   c.OfflineDocument,
		CacheStatusHeader: c.CacheStatus,
	}, nil
}

package config

import (
	"errors"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	App struct {
		LogLevel    string `toml:"log_level"`
		EventBuffer int    `toml:"event_buffer"`
	} `toml:"app"`

	Exchange struct {
		Binance struct {
			Enabled      bool   `toml:"enabled"`
			SpotWsURL    string `toml:"spot_ws_url"`
			FuturesWsURL string `toml:"futures_ws_url"`
			FuturesREST  string `toml:"futures_rest_url"`
			OITopSymbols int    `toml:"oi_top_symbols"`
		} `toml:"binance"`

		Bybit struct {
			Enabled      bool   `toml:"enabled"`
			SpotWsURL    string `toml:"spot_ws_url"`
			LinearWsURL  string `toml:"linear_ws_url"`
			RestURL      string `toml:"rest_url"`
			PoolSize     int    `toml:"pool_size"`
			SubBatchSize int    `toml:"sub_batch_size"`
		} `toml:"bybit"`

		Hyperliquid struct {
			Enabled bool   `toml:"enabled"`
			WsURL   string `toml:"ws_url"`
			RestURL string `toml:"rest_url"`
		} `toml:"hyperliquid"`
	} `toml:"exchange"`

	Publish struct {
		ThrottleMs int `toml:"throttle_ms"`
		BatchMs    int `toml:"batch_ms"`
		BatchMax   int `toml:"batch_max"`
	} `toml:"publish"`

	Redis struct {
		Addr     string `toml:"addr"`
		Password string `toml:"password"`
		DB       int    `toml:"db"`
		Prefix   string `toml:"prefix"`
	} `toml:"redis"`

	Postgres struct {
		Enabled bool   `toml:"enabled"`
		DSN     string `toml:"dsn"`
	} `toml:"postgres"`

	RefData struct {
		Enabled bool   `toml:"enabled"`
		BaseURL string `toml:"base_url"`
		PerPage int    `toml:"per_page"`
	} `toml:"refdata"`

	Alerts struct {
		Enabled bool `toml:"enabled"`
	} `toml:"alerts"`
}

func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = "info"
	}
	if cfg.App.EventBuffer <= 0 {
		cfg.App.EventBuffer = 4096
	}

	b := &cfg.Exchange.Binance
	if b.SpotWsURL == "" {
		b.SpotWsURL = "wss://stream.binance.com:9443/ws/!ticker@arr"
	}
	if b.FuturesWsURL == "" {
		b.FuturesWsURL = "wss://fstream.binance.com/ws/!ticker@arr"
	}
	if b.FuturesREST == "" {
		b.FuturesREST = "https://fapi.binance.com"
	}
	if b.OITopSymbols <= 0 {
		b.OITopSymbols = 100
	}

	y := &cfg.Exchange.Bybit
	if y.SpotWsURL == "" {
		y.SpotWsURL = "wss://stream.bybit.com/v5/public/spot"
	}
	if y.LinearWsURL == "" {
		y.LinearWsURL = "wss://stream.bybit.com/v5/public/linear"
	}
	if y.RestURL == "" {
		y.RestURL = "https://api.bybit.com"
	}
	if y.PoolSize <= 0 {
		y.PoolSize = 5
	}
	if y.SubBatchSize <= 0 {
		y.SubBatchSize = 10
	}

	h := &cfg.Exchange.Hyperliquid
	if h.WsURL == "" {
		h.WsURL = "wss://api.hyperliquid.xyz/ws"
	}
	if h.RestURL == "" {
		h.RestURL = "https://api.hyperliquid.xyz"
	}

	if cfg.Publish.ThrottleMs <= 0 {
		cfg.Publish.ThrottleMs = 750
	}
	if cfg.Publish.BatchMs <= 0 {
		cfg.Publish.BatchMs = 1000
	}
	if cfg.Publish.BatchMax <= 0 {
		cfg.Publish.BatchMax = 500
	}

	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "coinpulse"
	}

	if cfg.RefData.BaseURL == "" {
		cfg.RefData.BaseURL = "https://api.coingecko.com/api/v3"
	}
	if cfg.RefData.PerPage <= 0 {
		cfg.RefData.PerPage = 250
	}
}

func validate(cfg *Config) error {
	e := cfg.Exchange
	if !e.Binance.Enabled && !e.Bybit.Enabled && !e.Hyperliquid.Enabled {
		return errors.New("no exchange enabled")
	}
	if cfg.Postgres.Enabled && strings.TrimSpace(cfg.Postgres.DSN) == "" {
		return errors.New("postgres.dsn empty but enabled")
	}
	if cfg.Alerts.Enabled && !cfg.Postgres.Enabled {
		return errors.New("alerts require postgres for the alert archive")
	}
	return nil
}

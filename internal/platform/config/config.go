package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures process-level configuration. Components take the slices
// they need; main stays lean.
type Config struct {
	// Ledger RPC.
	RPCEndpoint string
	Commitment  string

	// Attestation program that must own every verified record.
	AttestationProgram string

	// Identity derivation. The salt is mandatory: it is what prevents
	// offline brute-force of short seeds.
	IdentitySalt string

	// Attestation-session service.
	AuthURL     string
	StreamURL   string
	AutoRefresh bool

	// Optional backends.
	Redis        RedisConfig
	KafkaBrokers []string
	KafkaTopic   string

	// Ops HTTP surface (healthz/readyz/metrics).
	OpsAddr string

	Environment string
}

// RedisConfig tunes the shared redis client.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() Config {
	return Config{
		RPCEndpoint:        getenv("ANCHOR_RPC_ENDPOINT", "https://api.devnet.solana.com"),
		Commitment:         getenv("ANCHOR_COMMITMENT", "confirmed"),
		AttestationProgram: os.Getenv("ANCHOR_ATTESTATION_PROGRAM"),
		IdentitySalt:       os.Getenv("ANCHOR_IDENTITY_SALT"),
		AuthURL:            os.Getenv("ANCHOR_AUTH_URL"),
		StreamURL:          os.Getenv("ANCHOR_STREAM_URL"),
		AutoRefresh:        getenv("ANCHOR_AUTO_REFRESH", "true") == "true",
		Redis: RedisConfig{
			URL:          os.Getenv("ANCHOR_REDIS_URL"),
			PoolSize:     getint("ANCHOR_REDIS_POOL_SIZE", 10),
			MinIdleConns: getint("ANCHOR_REDIS_MIN_IDLE", 2),
			DialTimeout:  getduration("ANCHOR_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getduration("ANCHOR_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getduration("ANCHOR_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		KafkaBrokers: getlist("ANCHOR_KAFKA_BROKERS"),
		KafkaTopic:   getenv("ANCHOR_KAFKA_TOPIC", "anchor.submissions"),
		OpsAddr:      getenv("ANCHOR_OPS_ADDR", ":9090"),
		Environment:  getenv("ANCHOR_ENV", "development"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getduration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getlist(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

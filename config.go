package main

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

type config struct {
	Host    string
	Port    int
	DataDir string

	SegmentBytes int64
	LogLevel     log.Level

	QueryMaxLimit    int
	AppendRatePerMin int
	QueryRatePerMin  int
	RequestTimeout   time.Duration

	RedisConn      string
	IdempotencyTTL time.Duration

	RelayRedisChannel string
	StorageConnStr    string
	RelayQueue        string
	RelayBatch        int
	RelayRetryInitial time.Duration
	RelayRetryMax     time.Duration
	RelayPollInterval time.Duration

	ServiceName  string
	OTLPEndpoint string
	OTLPInsecure bool
}

func (c config) listenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func loadConfig() (config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var cfg config
	var err error
	cfg.Host = envString("STORE_HOST", "0.0.0.0")
	cfg.Port, err = envInt("STORE_PORT", 5101)
	collect(err)
	cfg.DataDir = envString("DATA_DIR", "./data")

	maxFileMB, err := envInt("MAX_FILE_SIZE_MB", 100)
	collect(err)
	cfg.SegmentBytes = int64(maxFileMB) << 20

	cfg.LogLevel = log.InfoLevel
	if raw := envString("LOG_LEVEL", ""); raw != "" {
		lvl, perr := log.ParseLevel(raw)
		if perr != nil {
			collect(fmt.Errorf("LOG_LEVEL: %w", perr))
		} else {
			cfg.LogLevel = lvl
		}
	}
	debug, err := envBool("DEBUG", false)
	collect(err)
	if debug {
		cfg.LogLevel = log.DebugLevel
	}

	cfg.QueryMaxLimit, err = envInt("QUERY_MAX_LIMIT", 500)
	collect(err)
	cfg.AppendRatePerMin, err = envInt("APPEND_RATE_PER_MIN", 500)
	collect(err)
	cfg.QueryRatePerMin, err = envInt("QUERY_RATE_PER_MIN", 5000)
	collect(err)
	cfg.RequestTimeout, err = envDur("REQUEST_TIMEOUT", 10*time.Second)
	collect(err)

	cfg.RedisConn = envString("REDIS_CONNECTION_STRING", "")
	cfg.IdempotencyTTL, err = envDur("IDEMPOTENCY_TTL", 24*time.Hour)
	collect(err)

	cfg.RelayRedisChannel = envString("RELAY_REDIS_CHANNEL", "")
	cfg.StorageConnStr = envString("STORAGE_CONNECTION_STRING", "")
	cfg.RelayQueue = envString("RELAY_QUEUE", "")
	cfg.RelayBatch, err = envInt("RELAY_BATCH", 64)
	collect(err)
	cfg.RelayRetryInitial, err = envDur("RELAY_RETRY_INITIAL", 250*time.Millisecond)
	collect(err)
	cfg.RelayRetryMax, err = envDur("RELAY_RETRY_MAX", 30*time.Second)
	collect(err)
	cfg.RelayPollInterval, err = envDur("RELAY_POLL_INTERVAL", time.Second)
	collect(err)

	cfg.ServiceName = envString("OTEL_SERVICE_NAME", "event-store")
	cfg.OTLPEndpoint = envString("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg.OTLPInsecure, err = envBool("OTEL_EXPORTER_OTLP_INSECURE", false)
	collect(err)

	if cfg.RelayRedisChannel != "" && cfg.RedisConn == "" {
		collect(errors.New("RELAY_REDIS_CHANNEL requires REDIS_CONNECTION_STRING"))
	}
	if (cfg.StorageConnStr == "") != (cfg.RelayQueue == "") {
		collect(errors.New("STORAGE_CONNECTION_STRING and RELAY_QUEUE must be set together"))
	}
	return cfg, errors.Join(errs...)
}

func envString(name, def string) string {
	if v, ok := os.LookupEnv(name); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

// envInt reads a positive integer.
func envInt(name string, def int) (int, error) {
	raw := envString(name, "")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def, fmt.Errorf("invalid %s: %w", name, err)
	}
	if n <= 0 {
		return def, fmt.Errorf("invalid %s: must be greater than zero", name)
	}
	return n, nil
}

// envDur reads a positive duration such as "250ms" or "24h".
func envDur(name string, def time.Duration) (time.Duration, error) {
	raw := envString(name, "")
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def, fmt.Errorf("invalid %s: %w", name, err)
	}
	if d <= 0 {
		return def, fmt.Errorf("invalid %s: must be greater than zero", name)
	}
	return d, nil
}

func envBool(name string, def bool) (bool, error) {
	raw := envString(name, "")
	if raw == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return def, fmt.Errorf("invalid %s: %w", name, err)
	}
	return b, nil
}

// redisOptions accepts a redis:// URL or the "host:port,password=...,ssl=true"
// form used by Azure Cache for Redis.
func redisOptions(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(kv[1]), "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts
}

// loads up the .env files and environment into the typed configuration used internally by Relay.

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Default location of the development env file.
const defaultConfigFile = "config/dev.env"

// Config is the complete runtime configuration of the gateway.
type Config struct {
	Env     string
	Version string
	// Listener
	Host string
	Port string
	// Backend REST proxy
	BackendURL     string
	InternalToken  string
	BackendTimeout time.Duration
	// Shared cache and cross-process bus
	RedisURL string
	BusURL   string
	// Optional header carrying the real client ip when fronted by a proxy/CDN
	RealIPHeader string
	CORSOrigin   string
	LogLevel     string
	// Per-connection limits
	SendQueueSize int
	MaxPacketSize int
	InboundRate   float64
	InboundBurst  int
	// Shutdown
	ShutdownGrace   time.Duration
	ShutdownTimeout time.Duration
	// Status document refresh
	StatusRefresh time.Duration
	// Post parse helper cache
	PostCacheSize int
	PostCacheTTL  time.Duration
}

// Addr returns host:port of the listener.
func (c Config) Addr() string {
	return c.Host + ":" + c.Port
}

// IsDev reports whether Relay runs in the development environment.
func (c Config) IsDev() bool {
	return c.Env == "DEV"
}

// uses go package: godotenv to load up an env file if present, then reads the environment.
// A missing env file is not an error, missing required keys are.
func Load() (Config, error) {
	file := os.Getenv("CONFIG_FILE")
	if file == "" {
		file = defaultConfigFile
	}
	if enverr := godotenv.Load(file); enverr != nil && !os.IsNotExist(errors.Cause(enverr)) {
		return Config{}, errors.Wrapf(enverr, "load %s", file)
	}
	return FromEnv()
}

// FromEnv builds a Config from the current environment only.
func FromEnv() (Config, error) {
	r := reader{}
	cfg := Config{
		Env:             r.str("ENV", "PROD"),
		Version:         r.str("VERSION", "1.0.0"),
		Host:            r.str("SRV_ADDR", "0.0.0.0"),
		Port:            r.str("SRV_PORT", "3000"),
		BackendURL:      strings.TrimRight(r.required("API_INTERNAL_URL"), "/"),
		InternalToken:   r.required("INTERNAL_TOKEN"),
		BackendTimeout:  r.duration("BACKEND_TIMEOUT", 5*time.Second),
		RedisURL:        r.str("REDIS_URL", "redis://localhost:6379/0"),
		BusURL:          r.str("BUS_URL", ""),
		RealIPHeader:    r.str("REAL_IP_HEADER", ""),
		CORSOrigin:      r.str("CORS_ORIGIN", "*"),
		LogLevel:        r.str("LOG_LEVEL", "info"),
		SendQueueSize:   r.integer("SEND_QUEUE_SIZE", 256),
		MaxPacketSize:   r.integer("MAX_PACKET_SIZE", 0),
		InboundRate:     r.float("INBOUND_RATE", 20),
		InboundBurst:    r.integer("INBOUND_BURST", 40),
		ShutdownGrace:   r.duration("SHUTDOWN_GRACE", 2*time.Second),
		ShutdownTimeout: r.duration("SHUTDOWN_TIMEOUT", 10*time.Second),
		StatusRefresh:   r.duration("STATUS_REFRESH", 30*time.Second),
		PostCacheSize:   r.integer("POST_CACHE_SIZE", 1024),
		PostCacheTTL:    r.duration("POST_CACHE_TTL", time.Minute),
	}
	if r.err != nil {
		return Config{}, r.err
	}
	if cfg.SendQueueSize < 1 {
		return Config{}, errors.New("SEND_QUEUE_SIZE must be positive")
	}
	return cfg, nil
}

// reader collects the first parse error so Load can report it once.
type reader struct {
	err error
}

func (r *reader) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (r *reader) required(key string) string {
	v := r.str(key, "")
	if v == "" && r.err == nil {
		r.err = errors.Errorf("missing required environment variable %s", key)
	}
	return v
}

func (r *reader) integer(key string, def int) int {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	n, prserr := strconv.Atoi(v)
	if prserr != nil && r.err == nil {
		r.err = errors.Wrapf(prserr, "couldn't parse ENV: %s", key)
	}
	return n
}

func (r *reader) float(key string, def float64) float64 {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	f, prserr := strconv.ParseFloat(v, 64)
	if prserr != nil && r.err == nil {
		r.err = errors.Wrapf(prserr, "couldn't parse ENV: %s", key)
	}
	return f
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	d, prserr := time.ParseDuration(v)
	if prserr != nil && r.err == nil {
		r.err = errors.Wrapf(prserr, "couldn't parse ENV: %s", key)
	}
	return d
}

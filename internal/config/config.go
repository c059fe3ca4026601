package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/ryandielhenn/rumord/pkg/gossip"
	"github.com/ryandielhenn/rumord/pkg/ledger"
	"github.com/ryandielhenn/rumord/pkg/peers"
)

const DefaultPort = 6969

type Config struct {
	Port     int
	SelfID   string
	SelfAddr string

	Attempts    int
	Fanout      int
	Sample      int
	Timeout     time.Duration
	MaxInFlight int

	LedgerCapacity int
	LedgerTTL      time.Duration

	PEXInterval time.Duration
	Seeds       []string

	EtcdEndpoints []string
	EtcdPrefix    string

	SOCKSProxy string
	LogLevel   zapcore.Level
}

// Load reads configuration from the environment. A first positional argument,
// if present, overrides the port.
func Load(args []string) (Config, error) {
	return load(os.Getenv, args)
}

func load(getenv func(string) string, args []string) (Config, error) {
	host, _ := os.Hostname()
	cfg := Config{
		Port:           DefaultPort,
		SelfID:         host,
		Attempts:       peers.DefaultAttempts,
		Fanout:         gossip.DefaultFanout,
		Sample:         gossip.DefaultSample,
		Timeout:        gossip.DefaultTimeout,
		MaxInFlight:    gossip.DefaultMaxInFlight,
		LedgerCapacity: ledger.DefaultCapacity,
		LedgerTTL:      ledger.DefaultTTL,
		EtcdPrefix:     "/rumord/nodes",
		LogLevel:       zapcore.InfoLevel,
	}

	r := reader{getenv: getenv}
	r.int("PORT", &cfg.Port)
	r.str("SELF_ID", &cfg.SelfID)
	r.str("SELF_ADDR", &cfg.SelfAddr)
	r.int("NODE_ATTEMPTS", &cfg.Attempts)
	r.int("RELAY_FANOUT", &cfg.Fanout)
	r.int("PX_SAMPLE", &cfg.Sample)
	r.duration("RPC_TIMEOUT", &cfg.Timeout)
	r.int("MAX_INFLIGHT", &cfg.MaxInFlight)
	r.int("LEDGER_CAPACITY", &cfg.LedgerCapacity)
	r.duration("LEDGER_TTL", &cfg.LedgerTTL)
	r.duration("PEX_INTERVAL", &cfg.PEXInterval)
	r.list("SEEDS", &cfg.Seeds)
	r.list("ETCD_ENDPOINTS", &cfg.EtcdEndpoints)
	r.str("ETCD_PREFIX", &cfg.EtcdPrefix)
	r.str("SOCKS_PROXY", &cfg.SOCKSProxy)
	if v := getenv("LOG_LEVEL"); v != "" {
		if err := cfg.LogLevel.Set(v); err != nil {
			r.errs = append(r.errs, fmt.Sprintf("LOG_LEVEL=%q: %v", v, err))
		}
	}
	if len(args) > 0 {
		p, err := strconv.Atoi(args[0])
		if err != nil {
			r.errs = append(r.errs, fmt.Sprintf("port argument %q: not a number", args[0]))
		} else {
			cfg.Port = p
		}
	}
	if len(r.errs) > 0 {
		return Config{}, fmt.Errorf("invalid configuration: %s", strings.Join(r.errs, "; "))
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d (!= 0 < port < 65536)", c.Port)
	}
	for name, v := range map[string]int{
		"NODE_ATTEMPTS":   c.Attempts,
		"RELAY_FANOUT":    c.Fanout,
		"PX_SAMPLE":       c.Sample,
		"MAX_INFLIGHT":    c.MaxInFlight,
		"LEDGER_CAPACITY": c.LedgerCapacity,
	} {
		if v < 1 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("RPC_TIMEOUT must be positive, got %s", c.Timeout)
	}
	if c.LedgerTTL < 0 || c.PEXInterval < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if c.SelfAddr != "" {
		if _, err := gossip.NormalizeAddress(c.SelfAddr); err != nil {
			return fmt.Errorf("SELF_ADDR: %w", err)
		}
	}
	if _, err := gossip.NormalizeAll(c.Seeds); err != nil {
		return fmt.Errorf("SEEDS: %w", err)
	}
	return nil
}

// ListenAddr is the address the HTTP server binds.
func (c Config) ListenAddr() string {
	return ":" + strconv.Itoa(c.Port)
}

type reader struct {
	getenv func(string) string
	errs   []string
}

func (r *reader) str(key string, dst *string) {
	if v := r.getenv(key); v != "" {
		*dst = v
	}
}

func (r *reader) int(key string, dst *int) {
	v := r.getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s=%q: not a number", key, v))
		return
	}
	*dst = n
}

func (r *reader) duration(key string, dst *time.Duration) {
	v := r.getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s=%q: %v", key, v, err))
		return
	}
	*dst = d
}

func (r *reader) list(key string, dst *[]string) {
	v := r.getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// NodeConfig holds listener and storage settings.
type NodeConfig struct {
	Listen    string   `yaml:"listen"`
	Transport string   `yaml:"transport"` // tcp | quic
	APIListen string   `yaml:"api_listen"`
	DBPath    string   `yaml:"db_path"`
	Peers     []string `yaml:"peers"`
	UserAgent string   `yaml:"user_agent"`
}

// DandelionConfig holds the stem/fluff policy knobs.
type DandelionConfig struct {
	Enabled               bool          `yaml:"enabled"`
	StemProbability       float64       `yaml:"stem_probability"`
	RelayFluffProbability float64       `yaml:"relay_fluff_probability"`
	Epoch                 time.Duration `yaml:"epoch"`
	EmbargoMin            time.Duration `yaml:"embargo_min"`
	EmbargoAvgAdd         time.Duration `yaml:"embargo_avg_add"`
	EmbargoMax            time.Duration `yaml:"embargo_max"`
	Tick                  time.Duration `yaml:"tick"`
	Retention             time.Duration `yaml:"retention"`
	OutboundOnly          bool          `yaml:"outbound_only"`
}

type MempoolConfig struct {
	MaxTxs int           `yaml:"max_txs"`
	MaxAge time.Duration `yaml:"max_age"`
}

type LimitsConfig struct {
	MalformedBanThreshold int `yaml:"malformed_ban_threshold"`
	MaxMessagesPerMinute  int `yaml:"max_messages_per_minute"`
}

type APIConfig struct {
	JWTSecret   string `yaml:"jwt_secret"`
	TLSCertPath string `yaml:"tls_cert_path"`
	TLSKeyPath  string `yaml:"tls_key_path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the full node configuration.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Dandelion DandelionConfig `yaml:"dandelion"`
	Mempool   MempoolConfig   `yaml:"mempool"`
	Limits    LimitsConfig    `yaml:"limits"`
	API       APIConfig       `yaml:"api"`
	Log       LogConfig       `yaml:"log"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		Node: NodeConfig{
			Listen:    ":3000",
			Transport: "tcp",
			APIListen: ":8080",
			DBPath:    "./stemrelay_db",
			UserAgent: "/stemrelay:0.1.0/",
		},
		Dandelion: DandelionConfig{
			Enabled:         true,
			StemProbability: 1.0,
			Epoch:           10 * time.Minute,
			EmbargoMin:      10 * time.Second,
			EmbargoAvgAdd:   20 * time.Second,
			EmbargoMax:      2 * time.Minute,
			Tick:            time.Second,
			Retention:       2 * time.Minute,
		},
		Mempool: MempoolConfig{
			MaxTxs: 5000,
			MaxAge: 30 * time.Minute,
		},
		Limits: LimitsConfig{
			MalformedBanThreshold: 5,
			MaxMessagesPerMinute:  3000,
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads defaults, then the YAML file at path (if non-empty and present),
// then the .env file and process environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return cfg, fmt.Errorf("read %s: %w", path, err)
		}
	}
	// Missing .env is normal outside dev.
	_ = godotenv.Load()
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(getenv func(string) string) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v := getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	float := func(key string, dst *float64) {
		if v := getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	integer := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("P2P_LISTEN", &c.Node.Listen)
	str("P2P_TRANSPORT", &c.Node.Transport)
	str("API_LISTEN", &c.Node.APIListen)
	str("DB_PATH", &c.Node.DBPath)
	if v := getenv("BOOTSTRAP_PEERS"); v != "" {
		c.Node.Peers = splitList(v)
	}
	// DANDELION=0 turns the stem phase off.
	boolean("DANDELION", &c.Dandelion.Enabled)
	float("DANDELION_STEM_PROBABILITY", &c.Dandelion.StemProbability)
	float("DANDELION_RELAY_FLUFF_PROBABILITY", &c.Dandelion.RelayFluffProbability)
	duration("DANDELION_EPOCH", &c.Dandelion.Epoch)
	duration("DANDELION_EMBARGO_MIN", &c.Dandelion.EmbargoMin)
	duration("DANDELION_EMBARGO_AVG_ADD", &c.Dandelion.EmbargoAvgAdd)
	duration("DANDELION_EMBARGO_MAX", &c.Dandelion.EmbargoMax)
	duration("DANDELION_TICK", &c.Dandelion.Tick)
	duration("DANDELION_RETENTION", &c.Dandelion.Retention)
	boolean("DANDELION_OUTBOUND_ONLY", &c.Dandelion.OutboundOnly)
	integer("MEMPOOL_MAX_TXS", &c.Mempool.MaxTxs)
	duration("MEMPOOL_MAX_AGE", &c.Mempool.MaxAge)
	integer("MALFORMED_BAN_THRESHOLD", &c.Limits.MalformedBanThreshold)
	integer("MAX_MESSAGES_PER_MINUTE", &c.Limits.MaxMessagesPerMinute)
	str("JWT_SECRET", &c.API.JWTSecret)
	str("TLS_CERT_PATH", &c.API.TLSCertPath)
	str("TLS_KEY_PATH", &c.API.TLSKeyPath)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	return errors.Join(errs...)
}

// Validate checks ranges. Probabilities must lie in [0,1].
func (c Config) Validate() error {
	d := c.Dandelion
	if d.StemProbability < 0 || d.StemProbability > 1 {
		return fmt.Errorf("dandelion.stem_probability %v outside [0,1]", d.StemProbability)
	}
	if d.RelayFluffProbability < 0 || d.RelayFluffProbability > 1 {
		return fmt.Errorf("dandelion.relay_fluff_probability %v outside [0,1]", d.RelayFluffProbability)
	}
	for name, v := range map[string]time.Duration{
		"dandelion.epoch":       d.Epoch,
		"dandelion.embargo_max": d.EmbargoMax,
		"dandelion.tick":        d.Tick,
		"dandelion.retention":   d.Retention,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if d.EmbargoMin < 0 || d.EmbargoAvgAdd < 0 {
		return errors.New("dandelion embargo durations must not be negative")
	}
	if d.EmbargoMax < d.EmbargoMin {
		return errors.New("dandelion.embargo_max below embargo_min")
	}
	if c.Mempool.MaxTxs <= 0 {
		return errors.New("mempool.max_txs must be positive")
	}
	switch c.Node.Transport {
	case "tcp", "quic":
	default:
		return fmt.Errorf("unknown transport %q", c.Node.Transport)
	}
	if (c.API.TLSCertPath == "") != (c.API.TLSKeyPath == "") {
		return errors.New("api.tls_cert_path and api.tls_key_path must be set together")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration for the sync engine. Every field can
// be overridden by an AUTOCHAT_* environment variable; explicit flags win
// over both.
type Config struct {
	Broker struct {
		// SocketURL is the websocket endpoint (ws:// or wss://).
		SocketURL string `yaml:"socket_url"`
		// RESTURL is the base URL of the REST fallback surface.
		RESTURL string `yaml:"rest_url"`
		APIKey  string `yaml:"api_key"`
	} `yaml:"broker"`
	Actor struct {
		ID   string `yaml:"id"`
		Role string `yaml:"role"`
		Name string `yaml:"name"`
	} `yaml:"actor"`
	Transport struct {
		// MaxAttempts bounds reconnect attempts before permanent REST
		// fallback. Zero means the default of 5.
		MaxAttempts int           `yaml:"max_attempts"`
		BackoffBase time.Duration `yaml:"backoff_base"`
		BackoffCap  time.Duration `yaml:"backoff_cap"`
		// PollInterval is the REST polling cadence while the socket is
		// unavailable. Zero means the default of 3s.
		PollInterval time.Duration `yaml:"poll_interval"`
	} `yaml:"transport"`
	Presence struct {
		Debounce time.Duration `yaml:"debounce"`
		IdleGap  time.Duration `yaml:"idle_gap"`
		TTL      time.Duration `yaml:"ttl"`
	} `yaml:"presence"`
	Metrics struct {
		Address string `yaml:"address"`
	} `yaml:"metrics"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// Effective is the merged result of file + env + flags handed to the app.
type Effective struct {
	Config  *Config
	Source  string
	EnvUsed bool
}

// Load reads and parses a yaml config file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseCommandFlags defines and parses command-line flags and returns their
// values along with a map indicating which flags were explicitly set.
func ParseCommandFlags() (socketURL, restURL, cfgPath string, setFlags map[string]bool) {
	sockPtr := flag.String("socket", "ws://127.0.0.1:8080/ws", "broker websocket URL")
	restPtr := flag.String("rest", "http://127.0.0.1:8080", "broker REST base URL")
	cfgPtr := flag.String("config", "./config.yaml", "Path to config file")
	flag.Parse()
	setFlags = map[string]bool{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	return *sockPtr, *restPtr, *cfgPtr, setFlags
}

// LoadEnvOverrides applies AUTOCHAT_* environment overrides onto cfg and
// reports whether any were used.
func LoadEnvOverrides(cfg *Config) bool {
	envUsed := false
	setStr := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			envUsed = true
			*dst = v
		}
	}
	setStr("AUTOCHAT_SOCKET_URL", &cfg.Broker.SocketURL)
	setStr("AUTOCHAT_REST_URL", &cfg.Broker.RESTURL)
	setStr("AUTOCHAT_API_KEY", &cfg.Broker.APIKey)
	setStr("AUTOCHAT_ACTOR_ID", &cfg.Actor.ID)
	setStr("AUTOCHAT_ACTOR_ROLE", &cfg.Actor.Role)
	setStr("AUTOCHAT_ACTOR_NAME", &cfg.Actor.Name)
	setStr("AUTOCHAT_METRICS_ADDR", &cfg.Metrics.Address)
	setStr("AUTOCHAT_LOG_LEVEL", &cfg.Logging.Level)

	if v := os.Getenv("AUTOCHAT_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.Transport.MaxAttempts = n
		}
	}
	setDur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
				envUsed = true
				*dst = d
			}
		}
	}
	setDur("AUTOCHAT_BACKOFF_BASE", &cfg.Transport.BackoffBase)
	setDur("AUTOCHAT_BACKOFF_CAP", &cfg.Transport.BackoffCap)
	setDur("AUTOCHAT_POLL_INTERVAL", &cfg.Transport.PollInterval)
	setDur("AUTOCHAT_TYPING_DEBOUNCE", &cfg.Presence.Debounce)
	setDur("AUTOCHAT_TYPING_IDLE_GAP", &cfg.Presence.IdleGap)
	setDur("AUTOCHAT_TYPING_TTL", &cfg.Presence.TTL)
	return envUsed
}

// ResolveConfigPath decides the config file path using the flag-provided
// value and the AUTOCHAT_CONFIG environment variable when the flag was not
// explicitly set.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("AUTOCHAT_CONFIG"); p != "" {
		return p
	}
	return flagPath
}

// LoadEffective loads config from path and applies environment overrides.
// A missing file is not fatal; env and defaults still apply.
func LoadEffective(path string) Effective {
	cfg, err := Load(path)
	src := "config"
	if err != nil {
		cfg = &Config{}
		src = "defaults"
	}
	envUsed := LoadEnvOverrides(cfg)
	if envUsed {
		src += ",env"
	}
	applyDefaults(cfg)
	return Effective{Config: cfg, Source: src, EnvUsed: envUsed}
}

func applyDefaults(cfg *Config) {
	if cfg.Transport.MaxAttempts == 0 {
		cfg.Transport.MaxAttempts = 5
	}
	if cfg.Transport.BackoffBase == 0 {
		cfg.Transport.BackoffBase = 500 * time.Millisecond
	}
	if cfg.Transport.BackoffCap == 0 {
		cfg.Transport.BackoffCap = 8 * time.Second
	}
	if cfg.Transport.PollInterval == 0 {
		cfg.Transport.PollInterval = 3 * time.Second
	}
	if cfg.Presence.Debounce == 0 {
		cfg.Presence.Debounce = time.Second
	}
	if cfg.Presence.IdleGap == 0 {
		cfg.Presence.IdleGap = time.Second
	}
	if cfg.Presence.TTL == 0 {
		cfg.Presence.TTL = time.Second
	}
	if cfg.Actor.Role == "" {
		cfg.Actor.Role = "buyer"
	}
}

package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Source  Source  `yaml:"source"`
	Crawl   Crawl   `yaml:"crawl"`
	Cache   Cache   `yaml:"cache"`
	Redis   Redis   `yaml:"redis"`
	Server  Server  `yaml:"server"`
	PubSub  PubSub  `yaml:"pubsub"`
	Output  Output  `yaml:"output"`
	Logging Logging `yaml:"logging"`
}

type Source struct {
	Kind           string        `yaml:"kind"`
	BaseURL        string        `yaml:"base_url"`
	UserAgent      string        `yaml:"user_agent"`
	AcceptLanguage string        `yaml:"accept_language"`
	Timeout        time.Duration `yaml:"timeout"`
}

type Crawl struct {
	Interval time.Duration `yaml:"interval"`
}

type Cache struct {
	Size       int `yaml:"size"`
	MaxRetries int `yaml:"max_retries"`
}

// Redis locates the keyspace holding the cache and the keyword index.
// An empty Addr runs an embedded keyspace private to the process.
type Redis struct {
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
}

type Server struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	PollMaxLimit int    `yaml:"poll_max_limit"`
	PrefixLimit  int    `yaml:"prefix_limit"`
}

type PubSub struct {
	Buffer int `yaml:"buffer"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// ConfigDir returns the XDG config directory for rcwatch.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "rcwatch")
}

// DataDir returns the XDG data directory for rcwatch.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "rcwatch")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/rcwatch/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'rcwatch init' to create a default config",
		xdgConfig,
	)
}

// Load reads, parses and validates a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := parse(DefaultConfigYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded default config: %v", err))
	}
	return cfg
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Source: Source{
			Kind:           "html",
			BaseURL:        "http://rigvedawiki.net/r1/wiki.php",
			AcceptLanguage: "ko-KR",
			Timeout:        15 * time.Second,
		},
		Crawl:   Crawl{Interval: 3 * time.Second},
		Cache:   Cache{Size: 1000, MaxRetries: 64},
		Redis:   Redis{PasswordEnv: "RCWATCH_REDIS_PASSWORD"},
		Server:  Server{Host: "127.0.0.1", Port: 8000, PollMaxLimit: 100, PrefixLimit: 10},
		PubSub:  PubSub{Buffer: 16},
		Logging: Logging{Level: "INFO"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Source.Kind {
	case "html", "rss":
	default:
		errs = append(errs, fmt.Errorf("source.kind must be html or rss, got %q", c.Source.Kind))
	}
	if c.Source.BaseURL == "" {
		errs = append(errs, errors.New("source.base_url is required"))
	}
	if c.Crawl.Interval <= 0 {
		errs = append(errs, errors.New("crawl.interval must be positive"))
	}
	if c.Cache.Size <= 0 {
		errs = append(errs, errors.New("cache.size must be positive"))
	}
	if c.Cache.MaxRetries <= 0 {
		errs = append(errs, errors.New("cache.max_retries must be positive"))
	}
	if c.Redis.DB < 0 {
		errs = append(errs, errors.New("redis.db must not be negative"))
	}
	if c.Server.PollMaxLimit <= 0 {
		errs = append(errs, errors.New("server.poll_max_limit must be positive"))
	}
	if c.Server.PrefixLimit <= 0 {
		errs = append(errs, errors.New("server.prefix_limit must be positive"))
	}
	if c.PubSub.Buffer <= 0 {
		errs = append(errs, errors.New("pubsub.buffer must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Addr returns the server listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// DBPath returns the SQLite file inside the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.GetDataDir(), "rcwatch.db")
}

// RedisPassword reads the keyspace password from the environment
// variable named by redis.password_env.
func (c *Config) RedisPassword() string {
	if c.Redis.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(c.Redis.PasswordEnv)
}

// LogLevel maps logging.level to a slog level name, INFO when unset.
func (c *Config) LogLevel() string {
	level := strings.ToUpper(strings.TrimSpace(c.Logging.Level))
	if level == "" {
		return "INFO"
	}
	return level
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

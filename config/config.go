// Package config loads go_appserver.json, BAREMETAL_* environment variables
// and command-line flags into one Config.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/baremetalphp/appserver/static"
)

// FileName is the configuration file looked up in the project root.
const FileName = "go_appserver.json"

// EnvPrefix prefixes environment overrides, e.g. BAREMETAL_PORT.
const EnvPrefix = "BAREMETAL"

// ErrInvalidConfig reports a configuration that cannot start a server.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the full server configuration.
type Config struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	Transport       string        `mapstructure:"transport"`
	SocketPath      string        `mapstructure:"socket_path"`
	Workers         int           `mapstructure:"workers"`
	Daemonize       bool          `mapstructure:"daemonize"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`

	PIDStore string      `mapstructure:"pid_store"`
	PIDFile  string      `mapstructure:"pid_file"`
	Redis    RedisConfig `mapstructure:"redis"`

	Log       LogConfig `mapstructure:"log"`
	AccessLog bool      `mapstructure:"access_log"`

	Static           []static.Rule      `mapstructure:"static"`
	StaticTypes      map[string]string  `mapstructure:"static_types"`
	CompressionLevel int                `mapstructure:"compression_level"`
	CacheControl     []static.CacheRule `mapstructure:"cache_control"`
	WeakETags        bool               `mapstructure:"weak_etags"`

	HotReload         bool          `mapstructure:"hot_reload"`
	HotReloadDirs     []string      `mapstructure:"hot_reload_dirs"`
	HotReloadDebounce time.Duration `mapstructure:"hot_reload_debounce"`

	PHPBinary            string   `mapstructure:"php_binary"`
	WorkerScript         string   `mapstructure:"worker_script"`
	FastWorkers          int      `mapstructure:"fast_workers"`
	SlowWorkers          int      `mapstructure:"slow_workers"`
	RequestTimeoutMs     int      `mapstructure:"request_timeout_ms"`
	MaxRequestsPerWorker int      `mapstructure:"max_requests_per_worker"`
	SlowRoutes           []string `mapstructure:"slow_routes"`
	SlowMethods          []string `mapstructure:"slow_methods"`
	SlowBodyThreshold    int      `mapstructure:"slow_body_threshold"`

	// Root is the project root every relative path is resolved against.
	Root string `mapstructure:"-"`
	// File is the configuration file that was read, if any.
	File string `mapstructure:"-"`
}

// RedisConfig selects the redis PID store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

// LogConfig configures process logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// File receives the logs of a daemonized master and its children.
	File string `mapstructure:"file"`
}

// RequestTimeout returns RequestTimeoutMs as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// Path resolves p against the project root.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Root, p)
}

// StaticRules returns the static rules with their directories resolved.
// Rules whose directory is empty or missing are skipped.
func (c *Config) StaticRules(logger *zap.Logger) []static.Rule {
	rules := make([]static.Rule, 0, len(c.Static))
	for i, rule := range c.Static {
		if rule.Dir == "" {
			continue
		}
		dir := c.Path(rule.Dir)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			logger.Debug("static rule directory missing, skipping",
				zap.Int("rule", i), zap.String("dir", dir))
			continue
		}
		rules = append(rules, static.Rule{Prefix: rule.Prefix, Dir: dir})
	}
	return rules
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 8080)
	v.SetDefault("mode", "process")
	v.SetDefault("transport", "tcp")
	v.SetDefault("socket_path", "")
	v.SetDefault("workers", 4)
	v.SetDefault("daemonize", false)
	v.SetDefault("shutdown_timeout", 10*time.Second)
	v.SetDefault("max_body_bytes", int64(32<<20))

	v.SetDefault("pid_store", "file")
	v.SetDefault("pid_file", "data/appserver.pid")
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key", "baremetal:appserver:pid")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "data/appserver.log")
	v.SetDefault("access_log", true)

	v.SetDefault("compression_level", 6)
	v.SetDefault("weak_etags", false)

	v.SetDefault("hot_reload", false)
	v.SetDefault("hot_reload_debounce", 250*time.Millisecond)

	v.SetDefault("php_binary", "php")
	v.SetDefault("worker_script", "php/worker.php")
	v.SetDefault("fast_workers", 4)
	v.SetDefault("slow_workers", 2)
	v.SetDefault("request_timeout_ms", 10000)
	v.SetDefault("max_requests_per_worker", 1000)
	v.SetDefault("slow_body_threshold", 2_000_000)
}

// Defaults returns the configuration used when nothing is configured.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	applyFallbacks(cfg, zap.NewNop())
	return cfg
}

func defaultStatic() []static.Rule {
	return []static.Rule{
		{Prefix: "/assets/", Dir: "public/assets"},
		{Prefix: "/build/", Dir: "public/build"},
		{Prefix: "/css/", Dir: "public/css"},
		{Prefix: "/js/", Dir: "public/js"},
		{Prefix: "/images/", Dir: "public/images"},
		{Prefix: "/img/", Dir: "public/img"},
	}
}

// Bind prepares v for Load: defaults, BAREMETAL_* environment lookup.
// Flags are bound by the caller with v.BindPFlag after Bind.
func Bind(v *viper.Viper) {
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
}

// Load reads the configuration file (the "config" key, or FileName in
// root), unmarshals v and applies fallbacks. A missing default file is not
// an error; a missing explicit file is.
func Load(v *viper.Viper, root string, logger *zap.Logger) (*Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("config")

	file, err := readConfigFile(v, root, logger)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Root = root
	cfg.File = file

	applyFallbacks(cfg, logger)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readConfigFile(v *viper.Viper, root string, logger *zap.Logger) (string, error) {
	path := strings.TrimSpace(v.GetString("config"))
	explicit := path != ""
	if !explicit {
		path = filepath.Join(root, FileName)
	} else if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			logger.Info("no config file found, using defaults", zap.String("path", path))
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", path)
	}

	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", path, err)
	}
	return path, nil
}

// applyFallbacks replaces invalid PHP pool tunables with their defaults,
// logging each replacement.
func applyFallbacks(cfg *Config, logger *zap.Logger) {
	warn := func(key string, got, fallback any) {
		logger.Warn("invalid value, falling back to default",
			zap.String("key", key), zap.Any("value", got), zap.Any("default", fallback))
	}

	if cfg.FastWorkers <= 0 {
		warn("fast_workers", cfg.FastWorkers, 4)
		cfg.FastWorkers = 4
	}
	if cfg.SlowWorkers < 0 {
		warn("slow_workers", cfg.SlowWorkers, 2)
		cfg.SlowWorkers = 2
	}
	if cfg.RequestTimeoutMs <= 0 {
		warn("request_timeout_ms", cfg.RequestTimeoutMs, 10000)
		cfg.RequestTimeoutMs = 10000
	}
	if cfg.MaxRequestsPerWorker <= 0 {
		warn("max_requests_per_worker", cfg.MaxRequestsPerWorker, 1000)
		cfg.MaxRequestsPerWorker = 1000
	}
	if cfg.SlowBodyThreshold <= 0 {
		warn("slow_body_threshold", cfg.SlowBodyThreshold, 2_000_000)
		cfg.SlowBodyThreshold = 2_000_000
	}
	if len(cfg.SlowRoutes) == 0 {
		cfg.SlowRoutes = []string{"/reports/", "/admin/analytics"}
	}
	if len(cfg.SlowMethods) == 0 {
		cfg.SlowMethods = []string{"PUT", "DELETE"}
	}

	if len(cfg.Static) == 0 {
		cfg.Static = defaultStatic()
	}
	for i, rule := range cfg.Static {
		if !strings.HasPrefix(rule.Prefix, "/") {
			logger.Warn("static prefix does not start with '/', fixing",
				zap.Int("rule", i), zap.String("prefix", rule.Prefix))
			cfg.Static[i].Prefix = "/" + rule.Prefix
		}
		if rule.Dir == "" {
			logger.Warn("static dir is empty, rule ignored", zap.Int("rule", i))
		}
	}

	if len(cfg.HotReloadDirs) == 0 {
		cfg.HotReloadDirs = []string{"php", "routes", "app", "config"}
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
}

// Validate reports settings that cannot start a server. Listener settings
// are checked by runtime.Options.Validate.
func (c *Config) Validate() error {
	switch c.PIDStore {
	case "file":
		if c.PIDFile == "" {
			return fmt.Errorf("%w: pid_file is empty", ErrInvalidConfig)
		}
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("%w: redis.addr is empty", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: pid_store %q (want file or redis)", ErrInvalidConfig, c.PIDStore)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("%w: workers must be positive, got %d", ErrInvalidConfig, c.Workers)
	}
	if c.CompressionLevel < 0 || c.CompressionLevel > 9 {
		return fmt.Errorf("%w: compression_level %d outside 0..9", ErrInvalidConfig, c.CompressionLevel)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("%w: max_body_bytes must be positive", ErrInvalidConfig)
	}
	return nil
}

// ProjectRoot returns the nearest directory at or above the working
// directory that holds a go.mod or go_appserver.json, or the working
// directory itself.
func ProjectRoot() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}

	dir := wd
	for {
		for _, marker := range []string{FileName, "go.mod"} {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return wd
		}
		dir = parent
	}
}

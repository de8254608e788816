package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// BridgeConfig captures runtime settings for the training bridge.
type BridgeConfig struct {
	ListenAddr     string          `mapstructure:"listen_addr"`
	AllowedOrigins []string        `mapstructure:"allowed_origins"`
	APIKey         string          `mapstructure:"api_key"`
	Log            LogConfig       `mapstructure:"log"`
	Training       TrainingConfig  `mapstructure:"training"`
	History        HistoryConfig   `mapstructure:"history"`
	Local          LocalConfig     `mapstructure:"local"`
	Telemetry      TelemetryConfig `mapstructure:"telemetry"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TrainingConfig struct {
	Python           string        `mapstructure:"python"`
	ScriptDir        string        `mapstructure:"script_dir"`
	TerminateGrace   time.Duration `mapstructure:"terminate_grace"`
	DetectTimeout    time.Duration `mapstructure:"detect_timeout"`
	DetectTTL        time.Duration `mapstructure:"detect_ttl"`
	Simulate         bool          `mapstructure:"simulate"`
	SimulateInterval time.Duration `mapstructure:"simulate_interval"`
	Remote           RemoteConfig  `mapstructure:"remote"`
}

type RemoteConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	KeyPath        string `mapstructure:"key_path"`
	KnownHostsPath string `mapstructure:"known_hosts"`
	Dir            string `mapstructure:"dir"`
	Python         string `mapstructure:"python"`
}

type HistoryConfig struct {
	SQLitePath  string        `mapstructure:"sqlite_path"`
	PostgresDSN string        `mapstructure:"postgres_dsn"`
	RedisURL    string        `mapstructure:"redis_url"`
	RedisTTL    time.Duration `mapstructure:"redis_ttl"`
	MaxEvents   int           `mapstructure:"max_events"`
	MaxRuns     int           `mapstructure:"max_runs"`
}

type LocalConfig struct {
	ModelsDir   string `mapstructure:"models_dir"`
	DatasetsDir string `mapstructure:"datasets_dir"`
}

type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// DefaultOrigins are the local front-end dev servers.
var DefaultOrigins = []string{
	"http://localhost:3000",
	"http://localhost:3001",
	"http://127.0.0.1:3000",
	"http://127.0.0.1:3001",
}

// Defaults registers every key with its default value.
func Defaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8000")
	v.SetDefault("allowed_origins", DefaultOrigins)
	v.SetDefault("api_key", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("training.python", "python3")
	v.SetDefault("training.script_dir", "")
	v.SetDefault("training.terminate_grace", 5*time.Second)
	v.SetDefault("training.detect_timeout", 10*time.Second)
	v.SetDefault("training.detect_ttl", time.Minute)
	v.SetDefault("training.simulate", false)
	v.SetDefault("training.simulate_interval", 300*time.Millisecond)
	v.SetDefault("training.remote.enabled", false)
	v.SetDefault("training.remote.host", "")
	v.SetDefault("training.remote.port", 22)
	v.SetDefault("training.remote.user", "root")
	v.SetDefault("training.remote.password", "")
	v.SetDefault("training.remote.key_path", "")
	v.SetDefault("training.remote.known_hosts", "")
	v.SetDefault("training.remote.dir", "/tmp/forge")
	v.SetDefault("training.remote.python", "python3")

	v.SetDefault("history.sqlite_path", "")
	v.SetDefault("history.postgres_dsn", "")
	v.SetDefault("history.redis_url", "")
	v.SetDefault("history.redis_ttl", 7*24*time.Hour)
	v.SetDefault("history.max_events", 2000)
	v.SetDefault("history.max_runs", 100)

	v.SetDefault("local.models_dir", "models")
	v.SetDefault("local.datasets_dir", "datasets")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "forge-bridge")
}

// New returns a viper instance reading forge.yaml and FORGE_* variables.
// A non-empty file replaces the search path.
func New(file string) *viper.Viper {
	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("forge")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("FORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	Defaults(v)
	return v
}

// Load reads configuration from defaults, files, and env vars.
func Load(v *viper.Viper) (BridgeConfig, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return BridgeConfig{}, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg BridgeConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return BridgeConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.AllowedOrigins = splitList(cfg.AllowedOrigins)
	if err := cfg.Validate(); err != nil {
		return BridgeConfig{}, err
	}
	return cfg, nil
}

// Validate rejects settings the bridge cannot start with.
func (c BridgeConfig) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("config: listen_addr is required")
	}
	if c.Training.Remote.Enabled {
		if c.Training.Remote.Host == "" {
			return errors.New("config: training.remote.host is required when remote is enabled")
		}
		if c.Training.Simulate {
			return errors.New("config: training.simulate and training.remote.enabled are exclusive")
		}
	}
	if c.History.MaxEvents < 0 || c.History.MaxRuns < 0 {
		return errors.New("config: history limits must not be negative")
	}
	return nil
}

// splitList accepts both YAML lists and a comma separated env value.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

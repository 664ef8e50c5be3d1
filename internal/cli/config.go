package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaver-runner/internal/controller"
	"github.com/ChuLiYu/beaver-runner/internal/injector"
	"github.com/ChuLiYu/beaver-runner/internal/metrics"
	"github.com/ChuLiYu/beaver-runner/internal/server"
	"github.com/ChuLiYu/beaver-runner/pkg/types"
)

// Config represents the complete agent configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Agent struct {
		Shell        string   `yaml:"shell"`
		ShellArgs    []string `yaml:"shell_args"`
		WorkDir      string   `yaml:"work_dir"`
		ResultEnvVar string   `yaml:"result_env_var"`

		// EnvVars are exported into every job before the job's own
		// variables. Values are plain text.
		EnvVars []struct {
			Name  string `yaml:"name"`
			Value string `yaml:"value"`
		} `yaml:"env_vars"`
	} `yaml:"agent"`

	Timeouts struct {
		Command time.Duration `yaml:"command"`
		Job     time.Duration `yaml:"job"`
	} `yaml:"timeouts"`

	Server struct {
		Addr      string `yaml:"addr"`
		GRPCAddr  string `yaml:"grpc_addr"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`

	Log struct {
		Level        string        `yaml:"level"`
		Format       string        `yaml:"format"`
		Dir          string        `yaml:"dir"`
		SyncOnWrite  bool          `yaml:"sync_on_write"`
		PushInterval time.Duration `yaml:"push_interval"`
	} `yaml:"log"`

	Callbacks struct {
		Retries int           `yaml:"retries"`
		Backoff time.Duration `yaml:"backoff"`
	} `yaml:"callbacks"`

	Docker struct {
		ExposeSocket bool `yaml:"expose_socket"`
	} `yaml:"docker"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Redis struct {
		Addr     string        `yaml:"addr"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		TTL      time.Duration `yaml:"ttl"`
	} `yaml:"redis"`
}

// loadConfig 讀取 YAML 配置，套用 .env 與 BEAVER_* 環境變數，最後補上預設值
//
// 預設路徑的檔案不存在時只使用預設值；明確指定的檔案不存在則回傳錯誤。
func loadConfig(path string, required bool) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !required:
		slog.Debug("config file not found, using defaults", "path", path)
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func validate(cfg *Config) error {
	env := injector.NewEnvironment()
	for _, v := range cfg.Agent.EnvVars {
		if err := env.Set(v.Name, v.Value); err != nil {
			return fmt.Errorf("invalid agent.env_vars: %w", err)
		}
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Agent.Shell == "" {
		cfg.Agent.Shell = "bash"
	}
	if cfg.Agent.ShellArgs == nil {
		cfg.Agent.ShellArgs = []string{"--login"}
	}
	if cfg.Agent.ResultEnvVar == "" {
		cfg.Agent.ResultEnvVar = controller.DefaultResultEnvVar
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8000"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Log.Dir == "" {
		cfg.Log.Dir = os.TempDir()
	}
	if cfg.Log.PushInterval == 0 {
		cfg.Log.PushInterval = time.Second
	}
	if cfg.Callbacks.Retries == 0 {
		cfg.Callbacks.Retries = 3
	}
	if cfg.Callbacks.Backoff == 0 {
		cfg.Callbacks.Backoff = 500 * time.Millisecond
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Redis.TTL == 0 {
		cfg.Redis.TTL = 24 * time.Hour
	}
}

// applyEnv 環境變數覆蓋配置檔
func applyEnv(cfg *Config) error {
	cfg.Agent.Shell = getEnv("BEAVER_SHELL", cfg.Agent.Shell)
	cfg.Agent.WorkDir = getEnv("BEAVER_WORK_DIR", cfg.Agent.WorkDir)
	cfg.Server.Addr = getEnv("BEAVER_HTTP_ADDR", cfg.Server.Addr)
	cfg.Server.GRPCAddr = getEnv("BEAVER_GRPC_ADDR", cfg.Server.GRPCAddr)
	cfg.Server.JWTSecret = getEnv("BEAVER_JWT_SECRET", cfg.Server.JWTSecret)
	cfg.Log.Level = getEnv("BEAVER_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("BEAVER_LOG_FORMAT", cfg.Log.Format)
	cfg.Log.Dir = getEnv("BEAVER_LOG_DIR", cfg.Log.Dir)
	cfg.Redis.Addr = getEnv("BEAVER_REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("BEAVER_REDIS_PASSWORD", cfg.Redis.Password)

	var err error
	if cfg.Redis.DB, err = getEnvAsInt("BEAVER_REDIS_DB", cfg.Redis.DB); err != nil {
		return err
	}
	if cfg.Timeouts.Command, err = getEnvAsDuration("BEAVER_COMMAND_TIMEOUT", cfg.Timeouts.Command); err != nil {
		return err
	}
	if cfg.Timeouts.Job, err = getEnvAsDuration("BEAVER_JOB_TIMEOUT", cfg.Timeouts.Job); err != nil {
		return err
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) (int, error) {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return fallback, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func getEnvAsDuration(key string, fallback time.Duration) (time.Duration, error) {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return fallback, nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

// newLogger 依 log.level / log.format 建立 agent 自身的診斷日誌
func newLogger(levelStr, formatStr string, outW io.Writer) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if formatStr == "json" {
		return slog.New(slog.NewJSONHandler(outW, opts))
	}
	return slog.New(slog.NewTextHandler(outW, opts))
}

// jobConfig 轉換為 controller.Config
//
// 回傳的 closer 釋放 Redis 連線；沒有設定 redis.addr 時為 no-op。
func (c *Config) jobConfig(reg prometheus.Registerer) (controller.Config, func() error) {
	cfg := controller.Config{
		WorkDir:            c.Agent.WorkDir,
		Shell:              c.Agent.Shell,
		ShellArgs:          c.Agent.ShellArgs,
		CommandTimeout:     c.Timeouts.Command,
		JobTimeout:         c.Timeouts.Job,
		ResultEnvVar:       c.Agent.ResultEnvVar,
		HostEnvVars:        c.hostEnvVars(),
		ExposeDockerSocket: c.Docker.ExposeSocket,
		LogDir:             c.Log.Dir,
		SyncOnWrite:        c.Log.SyncOnWrite,
		PushInterval:       c.Log.PushInterval,
		RedisTTL:           c.Redis.TTL,
		CallbackRetries:    c.Callbacks.Retries,
		CallbackBackoff:    c.Callbacks.Backoff,
		Metrics:            metrics.NewCollector(reg),
	}

	closer := func() error { return nil }
	if c.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		cfg.Redis = client
		closer = client.Close
	}

	return cfg, closer
}

func (c *Config) hostEnvVars() []types.EnvVar {
	if len(c.Agent.EnvVars) == 0 {
		return nil
	}

	vars := make([]types.EnvVar, 0, len(c.Agent.EnvVars))
	for _, v := range c.Agent.EnvVars {
		vars = append(vars, types.EnvVar{Name: v.Name, Value: v.Value})
	}
	return vars
}

func (c *Config) serverConfig(version string, job controller.Config, g prometheus.Gatherer) server.Config {
	return server.Config{
		Addr:      c.Server.Addr,
		GRPCAddr:  c.Server.GRPCAddr,
		JWTSecret: c.Server.JWTSecret,
		Version:   version,
		Job:       job,
		Gatherer:  g,
	}
}

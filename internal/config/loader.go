package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "chimera.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	path := DefaultConfigFile
	if p := os.Getenv("CHIMERA_CONFIG"); p != "" {
		path = p
	}
	return LoadFrom(path)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is operator supplied
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "CHIMERA_PORT")
	setString(&cfg.Server.CORSOrigin, "CHIMERA_CORS_ORIGIN")
	setString(&cfg.Storage.Backend, "CHIMERA_STORAGE_BACKEND")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "CHIMERA_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "CHIMERA_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "CHIMERA_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "CHIMERA_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "CHIMERA_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Stream, "CHIMERA_NATS_STREAM")
	setString(&cfg.LiteLLM.URL, "LITELLM_URL")
	setString(&cfg.LiteLLM.MasterKey, "LITELLM_MASTER_KEY")
	setDuration(&cfg.LiteLLM.Timeout, "CHIMERA_LITELLM_TIMEOUT")
	setInt(&cfg.LiteLLM.MaxConcurrent, "CHIMERA_LITELLM_MAX_CONCURRENT")
	setString(&cfg.Logging.Level, "CHIMERA_LOG_LEVEL")
	setString(&cfg.Logging.Service, "CHIMERA_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "CHIMERA_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "CHIMERA_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "CHIMERA_BREAKER_TIMEOUT")
	setFloat64(&cfg.Rate.RequestsPerSecond, "CHIMERA_RATE_RPS")
	setInt(&cfg.Rate.Burst, "CHIMERA_RATE_BURST")
	setDuration(&cfg.Rate.CleanupInterval, "CHIMERA_RATE_CLEANUP_INTERVAL")
	setDuration(&cfg.Rate.MaxIdleTime, "CHIMERA_RATE_MAX_IDLE_TIME")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "CHIMERA_CACHE_L1_SIZE_MB")
	setDuration(&cfg.Cache.L1TTL, "CHIMERA_CACHE_L1_TTL")
	setString(&cfg.Cache.L2Bucket, "CHIMERA_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "CHIMERA_CACHE_L2_TTL")

	// Idempotency
	setString(&cfg.Idempotency.Bucket, "CHIMERA_IDEMPOTENCY_BUCKET")
	setDuration(&cfg.Idempotency.TTL, "CHIMERA_IDEMPOTENCY_TTL")

	// OpenTelemetry
	setBool(&cfg.OTEL.Enabled, "CHIMERA_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.OTEL.ServiceName, "OTEL_SERVICE_NAME")
	setBool(&cfg.OTEL.Insecure, "CHIMERA_OTEL_INSECURE")
	setFloat64(&cfg.OTEL.SampleRate, "CHIMERA_OTEL_SAMPLE_RATE")

	// Budget
	setString(&cfg.Budget.DailyLimit, "CHIMERA_BUDGET_DAILY_LIMIT")
	setString(&cfg.Budget.WeeklyLimit, "CHIMERA_BUDGET_WEEKLY_LIMIT")
	setFloat64(&cfg.Budget.WarnRatio, "CHIMERA_BUDGET_WARN_RATIO")

	// Worker
	setInt(&cfg.Worker.Count, "CHIMERA_WORKER_COUNT")
	setStringSlice(&cfg.Worker.Types, "CHIMERA_WORKER_TYPES")
	setDuration(&cfg.Worker.DequeueTimeout, "CHIMERA_WORKER_DEQUEUE_TIMEOUT")
	setDuration(&cfg.Worker.RequeueBackoff, "CHIMERA_WORKER_REQUEUE_BACKOFF")
	setInt(&cfg.Worker.MaxAttempts, "CHIMERA_WORKER_MAX_ATTEMPTS")
	setString(&cfg.Worker.AgentID, "CHIMERA_WORKER_AGENT_ID")

	// Queue
	setString(&cfg.Queue.Name, "CHIMERA_QUEUE_NAME")
	setDuration(&cfg.Queue.LivenessTimeout, "CHIMERA_QUEUE_LIVENESS_TIMEOUT")
	setDuration(&cfg.Queue.SweepInterval, "CHIMERA_QUEUE_SWEEP_INTERVAL")

	// Oracle
	setString(&cfg.Oracle.Planner.Model, "CHIMERA_PLANNER_MODEL")
	setString(&cfg.Oracle.Worker.Model, "CHIMERA_WORKER_MODEL")
	setString(&cfg.Oracle.Judge.Model, "CHIMERA_JUDGE_MODEL")

	// Wallet
	setString(&cfg.Wallet.Transport, "CHIMERA_WALLET_TRANSPORT")
	setString(&cfg.Wallet.URL, "CHIMERA_WALLET_URL")
	setString(&cfg.Wallet.Command, "CHIMERA_WALLET_COMMAND")
	setString(&cfg.Wallet.ToolName, "CHIMERA_WALLET_TOOL")
	setString(&cfg.Wallet.Network, "CHIMERA_WALLET_NETWORK")
	setDuration(&cfg.Wallet.Timeout, "CHIMERA_WALLET_TIMEOUT")

	// MCP server
	setBool(&cfg.MCP.Enabled, "CHIMERA_MCP_ENABLED")
	setString(&cfg.MCP.Addr, "CHIMERA_MCP_ADDR")
	setString(&cfg.MCP.APIKey, "CHIMERA_MCP_API_KEY")
	setString(&cfg.Notify.SlackWebhookURL, "CHIMERA_SLACK_WEBHOOK_URL")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	switch cfg.Storage.Backend {
	case "postgres":
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required")
		}
		if cfg.Postgres.MaxConns < 1 {
			return errors.New("postgres.max_conns must be >= 1")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.backend must be postgres or memory, got %q", cfg.Storage.Backend)
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.LiteLLM.MaxConcurrent < 0 {
		return errors.New("litellm.max_concurrent must be >= 0")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	if err := validateBudget(&cfg.Budget); err != nil {
		return err
	}
	if cfg.Worker.Count < 0 {
		return errors.New("worker.count must be >= 0")
	}
	if cfg.Worker.MaxAttempts < 1 {
		return errors.New("worker.max_attempts must be >= 1")
	}
	if cfg.Worker.DequeueTimeout <= 0 {
		return errors.New("worker.dequeue_timeout must be > 0")
	}
	if cfg.Queue.Name == "" {
		return errors.New("queue.name is required")
	}
	if cfg.Queue.LivenessTimeout <= 0 {
		return errors.New("queue.liveness_timeout must be > 0")
	}
	switch cfg.Wallet.Transport {
	case "", "stdio", "sse", "streamable_http":
	default:
		return fmt.Errorf("wallet.transport %q is not supported", cfg.Wallet.Transport)
	}
	return nil
}

func validateBudget(b *Budget) error {
	daily, err := decimal.NewFromString(b.DailyLimit)
	if err != nil {
		return fmt.Errorf("budget.daily_limit: %w", err)
	}
	weekly, err := decimal.NewFromString(b.WeeklyLimit)
	if err != nil {
		return fmt.Errorf("budget.weekly_limit: %w", err)
	}
	if !daily.IsPositive() || !weekly.IsPositive() {
		return errors.New("budget limits must be > 0")
	}
	if daily.GreaterThan(weekly) {
		return errors.New("budget.daily_limit must not exceed budget.weekly_limit")
	}
	if b.WarnRatio <= 0 || b.WarnRatio > 1 {
		return errors.New("budget.warn_ratio must be within (0, 1]")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "ticketpilot.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
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
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
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
	setString(&cfg.Server.Port, "TICKETPILOT_PORT")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "TICKETPILOT_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "TICKETPILOT_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "TICKETPILOT_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "TICKETPILOT_PG_MAX_CONN_IDLE_TIME")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.URL, "CELERY_BROKER_URL") // queue URL alias kept for parity with legacy deploys

	// Webhook intake
	setString(&cfg.Webhook.SigningSecret, "MONDAY_SIGNING_SECRET")
	setString(&cfg.Webhook.SigningSecret, "WEBHOOK_SECRET")
	setString(&cfg.Webhook.BoardID, "TICKETPILOT_BOARD_ID")
	setStringSlice(&cfg.Webhook.TestItemPrefixes, "TICKETPILOT_TEST_ITEM_PREFIXES")
	setDuration(&cfg.Webhook.ProcWindow, "TICKETPILOT_PROC_WINDOW")

	// Idempotency
	setString(&cfg.Idempotency.Bucket, "TICKETPILOT_IDEMPOTENCY_BUCKET")
	setDuration(&cfg.Idempotency.TTL, "TICKETPILOT_IDEMPOTENCY_TTL")

	// Branch resolution
	setString(&cfg.Branch.Default, "DEFAULT_BASE_BRANCH")
	setStringMap(&cfg.Branch.RepoOverrides, "REPO_BASE_BRANCHES")
	setStringMap(&cfg.Branch.TypeRules, "BASE_BRANCH_RULES")

	// Reactivation gate
	setDuration(&cfg.Reactivation.CooldownNormal, "TICKETPILOT_COOLDOWN_NORMAL")
	setDuration(&cfg.Reactivation.CooldownAggressive, "TICKETPILOT_COOLDOWN_AGGRESSIVE")
	setDuration(&cfg.Reactivation.CooldownEmergency, "TICKETPILOT_COOLDOWN_EMERGENCY")
	setInt(&cfg.Reactivation.MaxFailedAttempts, "TICKETPILOT_MAX_FAILED_REACTIVATIONS")
	setInt(&cfg.Reactivation.MaxPerRun, "TICKETPILOT_MAX_REACTIVATIONS_PER_RUN")
	setDuration(&cfg.Reactivation.LockMaxAge, "TICKETPILOT_LOCK_MAX_AGE")

	// Validation coordinator
	setDuration(&cfg.Validation.TimeoutQuestion, "VALIDATION_TIMEOUT_QUESTION")
	setDuration(&cfg.Validation.TimeoutCommand, "VALIDATION_TIMEOUT_COMMAND")
	setDuration(&cfg.Validation.SweepInterval, "TICKETPILOT_VALIDATION_SWEEP")

	// Workflow driver
	setInt(&cfg.Driver.MaxTestRetries, "MAX_TEST_RETRIES")
	setDuration(&cfg.Driver.TestStepTimeout, "TICKETPILOT_TEST_STEP_TIMEOUT")
	setDuration(&cfg.Driver.TaskTimeout, "TICKETPILOT_TASK_TIMEOUT")
	setDuration(&cfg.Driver.HeartbeatInterval, "TICKETPILOT_HEARTBEAT_INTERVAL")
	setInt(&cfg.Workers.Count, "TICKETPILOT_WORKERS")

	// LLM proxy
	setString(&cfg.LiteLLM.URL, "LITELLM_URL")
	setString(&cfg.LiteLLM.MasterKey, "LITELLM_MASTER_KEY")
	setString(&cfg.LiteLLM.PrimaryModel, "TICKETPILOT_LLM_PRIMARY")
	setString(&cfg.LiteLLM.FallbackModel, "TICKETPILOT_LLM_FALLBACK")
	setDuration(&cfg.LiteLLM.Timeout, "TICKETPILOT_LLM_TIMEOUT")

	// External APIs
	setString(&cfg.Monday.APIURL, "MONDAY_API_URL")
	setString(&cfg.Monday.Token, "MONDAY_TOKEN")
	setString(&cfg.GitHub.APIURL, "GITHUB_API_URL")
	setString(&cfg.GitHub.Token, "GITHUB_TOKEN")
	setString(&cfg.Slack.BotToken, "SLACK_BOT_TOKEN")
	setString(&cfg.Slack.APIURL, "SLACK_API_URL")

	setString(&cfg.Logging.Level, "TICKETPILOT_LOG_LEVEL")
	setString(&cfg.Logging.Service, "TICKETPILOT_LOG_SERVICE")
	setInt(&cfg.Breaker.MaxFailures, "TICKETPILOT_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "TICKETPILOT_BREAKER_TIMEOUT")
	setFloat64(&cfg.Rate.RequestsPerSecond, "TICKETPILOT_RATE_RPS")
	setInt(&cfg.Rate.Burst, "TICKETPILOT_RATE_BURST")
	setInt64(&cfg.Cache.L1MaxSizeMB, "TICKETPILOT_CACHE_L1_SIZE_MB")
	setString(&cfg.Otel.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Reactivation.MaxFailedAttempts < 1 {
		return errors.New("reactivation.max_failed_attempts must be >= 1")
	}
	if cfg.Validation.TimeoutQuestion <= 0 {
		return errors.New("validation.timeout_question must be positive")
	}
	if cfg.Workers.Count < 1 {
		return errors.New("workers.count must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
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

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
			return
		}
		// Bare integers are treated as seconds (legacy env format).
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}

// setStringSlice parses a comma-separated env value.
func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

// setStringMap parses a JSON object env value ({"key":"value"}).
func setStringMap(dst *map[string]string, key string) {
	if v := os.Getenv(key); v != "" {
		m := map[string]string{}
		if err := json.Unmarshal([]byte(v), &m); err == nil {
			*dst = m
		}
	}
}

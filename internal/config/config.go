// Package config reads the swarm engine settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spoonbobo/onlysaid-electron-sub007/pkg/models"
)

const DefaultHTTPPort = "8080"

type Config struct {
	DatabaseURL     string
	RedisAddr       string
	HTTPPort        string `validate:"required,numeric"`
	TrustPolicyFile string
	LogLevel        string `validate:"omitempty,oneof=DEBUG INFO WARN ERROR"`

	ApprovalTimeout  time.Duration `validate:"min=0"`
	TaskTimeout      time.Duration `validate:"min=0"`
	WatchdogInterval time.Duration `validate:"min=0"`

	Limits models.SwarmLimits
}

var validate = validator.New()

// Load reads an optional .env file and then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from the given lookup function.
func FromEnv(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		DatabaseURL:     databaseURL(getenv),
		RedisAddr:       getenv("REDIS_ADDR"),
		HTTPPort:        getenv("HTTP_PORT"),
		TrustPolicyFile: getenv("TRUST_POLICY_FILE"),
		LogLevel:        getenv("LOG_LEVEL"),
		Limits:          models.DefaultSwarmLimits(),
	}
	if cfg.HTTPPort == "" {
		cfg.HTTPPort = DefaultHTTPPort
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APPROVAL_TIMEOUT", &cfg.ApprovalTimeout},
		{"TASK_TIMEOUT", &cfg.TaskTimeout},
		{"WATCHDOG_INTERVAL", &cfg.WatchdogInterval},
	}
	for _, d := range durations {
		if *d.dst, err = parseDuration(getenv, d.key); err != nil {
			return nil, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"SWARM_MAX_ITERATIONS", &cfg.Limits.MaxIterations},
		{"SWARM_MAX_PARALLEL_AGENTS", &cfg.Limits.MaxParallelAgents},
		{"SWARM_MAX_SWARM_SIZE", &cfg.Limits.MaxSwarmSize},
		{"SWARM_MAX_ACTIVE_SWARMS", &cfg.Limits.MaxActiveSwarms},
		{"SWARM_MAX_CONVERSATION_LENGTH", &cfg.Limits.MaxConversationLength},
	}
	for _, i := range ints {
		raw := getenv(i.key)
		if raw == "" {
			continue
		}
		if *i.dst, err = strconv.Atoi(raw); err != nil {
			return nil, errors.Wrapf(err, "parse %s", i.key)
		}
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// databaseURL prefers DATABASE_URL and falls back to the DB_* variables.
func databaseURL(getenv func(string) string) string {
	if url := getenv("DATABASE_URL"); url != "" {
		return url
	}
	user, password := getenv("DB_USERNAME"), getenv("DB_PASSWORD")
	host, port, name := getenv("DB_HOST"), getenv("DB_PORT"), getenv("DB_NAME")
	if user == "" || host == "" || name == "" {
		return ""
	}
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, name)
}

func parseDuration(getenv func(string) string, key string) (time.Duration, error) {
	raw := getenv(key)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s", key)
	}
	return d, nil
}

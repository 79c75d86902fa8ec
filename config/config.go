package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerAddr string
	JWTSecret  string
	DBURL      string
	MongoURI   string
	MongoDB    string
	Logging    LoggingConfig
	Model      ModelConfig
	Quota      QuotaConfig
	Tasks      TasksConfig
}

type LoggingConfig struct {
	Level        string
	Encoding     string
	Development  bool
	EnableCaller bool
	ServiceName  string
}

type ModelConfig struct {
	APIBaseURL        string
	APIKey            string
	Name              string
	TitleModel        string
	GenerationTimeout time.Duration
	TitleTimeout      time.Duration
}

type QuotaConfig struct {
	FreeTierLimit int
	ProTierLimit  int
	ProOwnerIDs   []string
}

type TasksConfig struct {
	Workers   int
	QueueSize int
}

var (
	cfg     *Config
	loadErr error
	once    sync.Once
)

// Load reads configuration from config/.env (when present) plus the
// process environment. The result is cached for the process lifetime.
func Load() (*Config, error) {
	once.Do(func() {
		if err := loadEnvFiles(); err != nil {
			loadErr = fmt.Errorf("load env files: %w", err)
			return
		}

		apiBase := strings.TrimSpace(os.Getenv("MODEL_API_BASE"))
		if apiBase == "" {
			apiBase = "https://api.openai.com/v1"
		}

		cfg = &Config{
			ServerAddr: getEnv("SERVER_ADDR", ":8080"),
			JWTSecret:  getEnv("JWT_SECRET", "dev-secret"),
			DBURL:      strings.TrimSpace(os.Getenv("DB_URL")),
			MongoURI:   strings.TrimSpace(os.Getenv("MONGO_URI")),
			MongoDB:    getEnv("MONGO_DATABASE", "zyh"),
			Logging: LoggingConfig{
				Level:        strings.ToLower(getEnv("LOG_LEVEL", "info")),
				Encoding:     strings.ToLower(getEnv("LOG_ENCODING", "console")),
				Development:  parseBool(getEnv("LOG_DEVELOPMENT", "false"), false),
				EnableCaller: parseBool(getEnv("LOG_CALLER", "false"), false),
				ServiceName:  getEnv("SERVICE_NAME", "zyh-ai-server"),
			},
			Model: ModelConfig{
				APIBaseURL:        strings.TrimRight(apiBase, "/"),
				APIKey:            strings.TrimSpace(os.Getenv("MODEL_API_KEY")),
				Name:              getEnv("MODEL_NAME", "gpt-4o-mini"),
				TitleModel:        getEnv("TITLE_MODEL", "gpt-4o-mini"),
				GenerationTimeout: parseDuration(getEnv("GENERATION_TIMEOUT", "30s"), 30*time.Second),
				TitleTimeout:      parseDuration(getEnv("TITLE_TIMEOUT", "10s"), 10*time.Second),
			},
			Quota: QuotaConfig{
				FreeTierLimit: parsePositiveInt(getEnv("FREE_TIER_LIMIT", "50"), 50),
				ProTierLimit:  parsePositiveInt(getEnv("PRO_TIER_LIMIT", "1000"), 1000),
				ProOwnerIDs:   splitCSV(os.Getenv("PRO_OWNER_IDS")),
			},
			Tasks: TasksConfig{
				Workers:   parsePositiveInt(getEnv("TASK_WORKERS", "4"), 4),
				QueueSize: parsePositiveInt(getEnv("TASK_QUEUE_SIZE", "256"), 256),
			},
		}

		loadErr = cfg.validate()
	})

	return cfg, loadErr
}

func loadEnvFiles() error {
	if err := godotenv.Load("config/.env"); err != nil {
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			// ignore missing config/.env so that environment variables can be supplied externally
			return nil
		}

		return err
	}

	return nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("JWT_SECRET must not be empty")
	}

	if c.Quota.FreeTierLimit <= 0 || c.Quota.ProTierLimit < c.Quota.FreeTierLimit {
		return fmt.Errorf("quota limits misconfigured: free=%d pro=%d", c.Quota.FreeTierLimit, c.Quota.ProTierLimit)
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}

	return strings.TrimSpace(fallback)
}

func parsePositiveInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}

	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}

	return value
}

func parseBool(raw string, fallback bool) bool {
	if raw == "" {
		return fallback
	}

	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}

	return value
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	value, err := time.ParseDuration(raw)
	if err != nil || value <= 0 {
		return fallback
	}

	return value
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		result = append(result, trimmed)
	}
	return result
}

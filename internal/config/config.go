// Package config loads service configuration from YAML with environment
// variable overrides for deployment-provided values.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default configuration file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"logLevel"`
	DatabaseURL string `yaml:"databaseURL"`

	JWTSecret       string `yaml:"jwtSecret"`
	SessionTTLHours int    `yaml:"sessionTTLHours"`

	OpenAIAPIKey    string `yaml:"openaiAPIKey"`
	OpenAIBaseURL   string `yaml:"openaiBaseURL"`
	GenerationModel string `yaml:"generationModel"`
	ReplyMaxTokens  int    `yaml:"replyMaxTokens"`
	ReportMaxTokens int    `yaml:"reportMaxTokens"`

	// Storage selects where uploaded files live: "disk" or "minio".
	Storage        string `yaml:"storage"`
	UploadDir      string `yaml:"uploadDir"`
	MaxUploadMB    int    `yaml:"maxUploadMB"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	// Redis enables per-IP rate limiting on signup and login when set.
	RedisAddr         string `yaml:"redisAddr"`
	RedisPassword     string `yaml:"redisPassword"`
	SignupRateLimit   int    `yaml:"signupRateLimit"`
	LoginRateLimit    int    `yaml:"loginRateLimit"`
	RateWindowSeconds int    `yaml:"rateWindowSeconds"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAIAPIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.OpenAIBaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("UPLOAD_DIR"); v != "" {
		cfg.UploadDir = v
	}
	if v := os.Getenv("MAX_UPLOAD_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxUploadMB = n
		}
	}

	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.SessionTTLHours <= 0 {
		cfg.SessionTTLHours = 24
	}
	if cfg.GenerationModel == "" {
		cfg.GenerationModel = "gpt-4o"
	}
	if cfg.ReplyMaxTokens <= 0 {
		cfg.ReplyMaxTokens = 800
	}
	if cfg.ReportMaxTokens <= 0 {
		cfg.ReportMaxTokens = 2000
	}
	if cfg.Storage == "" {
		cfg.Storage = "disk"
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = "uploads"
	}
	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = 10
	}
	if cfg.SignupRateLimit <= 0 {
		cfg.SignupRateLimit = 10
	}
	if cfg.LoginRateLimit <= 0 {
		cfg.LoginRateLimit = 20
	}
	if cfg.RateWindowSeconds <= 0 {
		cfg.RateWindowSeconds = 60
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or PORT)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.JWTSecret == "" {
		return errors.New("config: jwtSecret is required (set in config.yaml or JWT_SECRET)")
	}
	if cfg.OpenAIAPIKey == "" {
		return errors.New("config: openaiAPIKey is required (set in config.yaml or OPENAI_API_KEY)")
	}
	switch cfg.Storage {
	case "disk":
	case "minio":
		if cfg.MinioEndpoint == "" || cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" || cfg.MinioBucket == "" {
			return errors.New("config: minio storage requires minioEndpoint, minioAccessKey, minioSecretKey, and minioBucket")
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q (want disk or minio)", cfg.Storage)
	}
	return nil
}

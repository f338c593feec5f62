package config

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPPort    string
	GRPCPort    string
	Environment string
	LogLevel    string
	StaticDir   string
	CORSOrigins []string

	DBDriver string
	DBURL    string
	DBName   string

	SessionSecret string
	SessionDir    string
	SessionTTL    time.Duration

	AWSRegion      string
	S3Bucket       string
	AWSAccessKeyID string
	AWSSecretKey   string
	AWSEndpointURL string
	DetectorScript string
	DetectorPython string
	DeviceAPIURL   string
	StreamURL      string
	MQTTBroker     string
	MQTTTopic      string
	MQTTClientID   string
}

// DSNForLog безопасный вывод DSN без пароля для логирования
func (c *Config) DSNForLog() string {
	u, err := url.Parse(c.DBURL)
	if err != nil {
		return c.DBURL
	}
	return u.Redacted()
}

func (c *Config) IsDev() bool {
	return c.Environment == "dev"
}

// SlogLevel maps LOG_LEVEL onto a slog level; unknown values fall back to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func LoadConfig() *Config {
	// Загрузка .env файла (если существует)
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using system environment variables")
	}

	cfg := &Config{
		HTTPPort:       getEnv("PORT", "8080"),
		GRPCPort:       os.Getenv("GRPC_PORT"),
		Environment:    getEnv("ENVIRONMENT", "production"),
		LogLevel:       getEnv("LOG_LEVEL", "INFO"),
		StaticDir:      getEnv("STATIC_DIR", "./vite-project/dist"),
		CORSOrigins:    splitList(getEnv("CORS_ORIGIN", "http://localhost:5173")),
		DBDriver:       getEnv("DB_DRIVER", "pgx"),
		DBURL:          os.Getenv("DB_URL"),
		DBName:         getEnv("DB_NAME", "defects"),
		SessionSecret:  os.Getenv("SESSION_SECRET"),
		SessionDir:     getEnv("SESSION_DIR", "./data/sessions"),
		SessionTTL:     getEnvDuration("SESSION_TTL", time.Hour),
		AWSRegion:      getEnv("AWS_REGION", "ap-northeast-2"),
		S3Bucket:       os.Getenv("S3_BUCKET_NAME"),
		AWSAccessKeyID: os.Getenv("AWS_ACCESS_KEY_ID"),
		AWSSecretKey:   os.Getenv("AWS_SECRET_ACCESS_KEY"),
		AWSEndpointURL: os.Getenv("AWS_ENDPOINT_URL"),
		DetectorScript: getEnv("DETECTOR_SCRIPT", "../fusebox-detector/fusebox_detector.py"),
		DetectorPython: getEnv("DETECTOR_PYTHON", "../fusebox-detector/venv/bin/python"),
		DeviceAPIURL:   strings.TrimRight(getEnv("DEVICE_API_URL", "http://localhost:5000"), "/"),
		StreamURL:      getEnv("STREAM_URL", "http://localhost:5000/video_feed"),
		MQTTBroker:     os.Getenv("MQTT_BROKER"),
		MQTTTopic:      getEnv("MQTT_TOPIC", "factory/defects"),
		MQTTClientID:   getEnv("MQTT_CLIENT_ID", "defect-monitor"),
	}
	if cfg.DBURL == "" {
		cfg.DBURL = defaultDSN(cfg.DBDriver, cfg.DBName)
	}
	if _, ok := os.LookupEnv("GRPC_PORT"); !ok {
		cfg.GRPCPort = "50051"
	}

	// Проверка обязательных полей
	if cfg.SessionSecret == "" {
		slog.Warn("SESSION_SECRET is not set, sessions will not survive a restart")
		cfg.SessionSecret = randomSecret()
	}
	if cfg.S3Bucket == "" {
		slog.Warn("S3_BUCKET_NAME is not set, local detection cannot be started")
	}

	return cfg
}

// defaultDSN points sqlite at <name>.db and postgres at a local <name> database.
func defaultDSN(driver, name string) string {
	if driver == "sqlite" {
		return name + ".db"
	}
	return "postgres://postgres@localhost:5432/" + name + "?sslmode=disable"
}

func getEnv(key string, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if intVal, err := strconv.Atoi(v); err == nil {
			return intVal
		}
	}
	return defaultVal
}

// getEnvDuration accepts Go durations ("90m") or a bare number of seconds.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if secs := getEnvInt(key, 0); secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultVal
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func randomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(b)
}

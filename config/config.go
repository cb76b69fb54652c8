package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	LogLevel       string
	Redis          RedisConfig
	Call           CallConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	// DocTTL bounds how long room, participant and signal documents survive
	// a client that never cleaned up after itself.
	DocTTL time.Duration
}

type CallConfig struct {
	// RelayURL returns a JSON array of ICE server descriptors. Empty disables
	// the fetch and the STUN defaults are used.
	RelayURL      string
	RelayTimeout  time.Duration
	STUNURLs      []string
	SignalTimeout time.Duration
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := strings.Split(originsStr, ",")

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			DocTTL:   getEnvDuration("DOC_TTL", 24*time.Hour),
		},
		Call: CallConfig{
			RelayURL:      getEnv("RELAY_CREDENTIALS_URL", ""),
			RelayTimeout:  getEnvDuration("RELAY_TIMEOUT", 5*time.Second),
			STUNURLs:      strings.Split(getEnv("STUN_URLS", "stun:stun1.l.google.com:19302,stun:stun2.l.google.com:19302"), ","),
			SignalTimeout: getEnvDuration("SIGNAL_TIMEOUT", 10*time.Second),
		},
	}
}

// ConfigureLogging applies LOG_LEVEL to the standard logrus logger.
func (c *Config) ConfigureLogging() {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		logrus.WithField("log_level", c.LogLevel).Warn("Unknown log level, using info")
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	if c.Environment == "production" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return defaultValue
	}
	return d
}

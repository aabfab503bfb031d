package config

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Port            string
	Environment     string
	DatabasePath    string
	KVBackend       string // memory | pebble
	KVPath          string
	JWTSecret       string
	CORSOrigins     string
	MaxMessageLen   int
	FeedPageSize    int
	VAPIDPublicKey  string
	VAPIDPrivateKey string
}

// Load reads configuration from the environment. If SHABAKEH_ENV_FILE
// points at an env file (or a .env file exists in the working directory)
// it is loaded first; real environment variables win over file entries.
func Load() *Config {
	if path := os.Getenv("SHABAKEH_ENV_FILE"); path != "" {
		if err := godotenv.Load(path); err != nil {
			log.Printf("config: could not load env file %s: %v", path, err)
		}
	} else if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			log.Printf("config: could not load .env: %v", err)
		}
	}

	return &Config{
		Port:            getEnv("PORT", "8080"),
		Environment:     getEnv("ENVIRONMENT", "development"),
		DatabasePath:    getEnv("DATABASE_PATH", "./data/shabakeh.db"),
		KVBackend:       getEnv("KV_BACKEND", "pebble"),
		KVPath:          getEnv("KV_PATH", "./data/kv"),
		JWTSecret:       getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
		CORSOrigins:     getEnv("CORS_ORIGINS", "*"),
		MaxMessageLen:   parseInt(getEnv("MAX_MESSAGE_LEN", "1000"), 1000),
		FeedPageSize:    parseInt(getEnv("FEED_PAGE_SIZE", "10"), 10),
		VAPIDPublicKey:  getEnv("VAPID_PUBLIC_KEY", ""),
		VAPIDPrivateKey: getEnv("VAPID_PRIVATE_KEY", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func parseInt(s string, fallback int) int {
	val, err := strconv.Atoi(s)
	if err != nil || val <= 0 {
		return fallback
	}
	return val
}

package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBUser        string
	DBPassword    string
	DBName        string
	DBHost        string
	DBPort        string
	RedisHost     string
	RedisPort     string
	RedisPassword string

	// Reconciliation worker.
	SyncInterval        time.Duration // how often a cycle is scheduled
	CycleDeadline       time.Duration // overall deadline for one cycle
	FailStreakThreshold int           // consecutive fetch failures before an enrollment is flagged degraded

	// Adapter calls.
	AdapterConcurrency int64         // global limit on in-flight panel calls
	PanelCallTimeout   time.Duration // per-call timeout
	FetchCacheTTL      time.Duration // shared fetch cache entry lifetime

	// Read-path server.
	ListenAddr    string
	PublicBaseURL string
}

func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	return &Config{
		DBUser:        getEnv("DB_USER", "postgres"),
		DBPassword:    getEnv("DB_PASSWORD", "postgres"),
		DBName:        getEnv("DB_NAME", "panelbridge"),
		DBHost:        getEnv("DB_HOST", "localhost"),
		DBPort:        getEnv("DB_PORT", "5432"),
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		SyncInterval:        getDuration("SYNC_INTERVAL", 60*time.Second),
		CycleDeadline:       getDuration("CYCLE_DEADLINE", 5*time.Minute),
		FailStreakThreshold: getInt("FAIL_STREAK_THRESHOLD", 5),

		AdapterConcurrency: int64(getInt("ADAPTER_CONCURRENCY", 8)),
		PanelCallTimeout:   getDuration("PANEL_CALL_TIMEOUT", 15*time.Second),
		FetchCacheTTL:      getDuration("FETCH_CACHE_TTL", 5*time.Minute),

		ListenAddr:    getEnv("LISTEN_ADDR", ":8080"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		log.Printf("Invalid integer for %s: %q, using %d", key, value, fallback)
	}
	return fallback
}

// getDuration accepts Go duration strings ("90s", "5m") and, for
// compatibility with older deployments, bare integers meaning seconds.
func getDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	log.Printf("Invalid duration for %s: %q, using %s", key, value, fallback)
	return fallback
}

package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env  string
	Port int

	DBURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTSecret string

	OTLPEndpoint string

	ManifestPath string

	Scheduler Scheduler
}

// Scheduler holds the tunables of the engine itself. Defaults match the
// documented operational defaults; everything can be overridden via env.
type Scheduler struct {
	CronTick     time.Duration
	PromoteTick  time.Duration
	DispatchTick time.Duration
	JanitorTick  time.Duration

	PromotionHorizon time.Duration

	DispatchBatch int
	PromoteBatch  int
	CronBatch     int

	ClaimTTL       time.Duration
	PublishTimeout time.Duration

	RetentionC         time.Duration
	RetentionAnalytics time.Duration

	MaxDelaySeconds int
	StaleIsFatal    bool

	RetryBase       time.Duration
	RetryMultiplier float64
	RetryMax        time.Duration
	RetryJitter     bool

	PastSkew      time.Duration
	ShutdownGrace time.Duration
}

func Load() Config {
	// .env is optional; real deployments use actual env vars
	_ = godotenv.Load()

	return Config{
		Env:  getEnv("APP_ENV", "dev"),
		Port: getEnvInt("PORT", 8080),

		DBURL: buildDBURL(),

		RedisAddr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		JWTSecret: getEnv("JWT_SECRET", ""),

		OTLPEndpoint: getEnv("OTLP_ENDPOINT", ""),

		ManifestPath: getEnv("SCHED_MANIFEST_PATH", ""),

		Scheduler: Scheduler{
			CronTick:     getEnvDuration("SCHED_CRON_TICK", 60*time.Second),
			PromoteTick:  getEnvDuration("SCHED_PROMOTE_TICK", 30*time.Second),
			DispatchTick: getEnvDuration("SCHED_DISPATCH_TICK", 1*time.Second),
			JanitorTick:  getEnvDuration("SCHED_JANITOR_TICK", 60*time.Second),

			PromotionHorizon: getEnvDuration("SCHED_PROMOTION_HORIZON", time.Hour),

			DispatchBatch: getEnvInt("SCHED_DISPATCH_BATCH", 100),
			PromoteBatch:  getEnvInt("SCHED_PROMOTE_BATCH", 1000),
			CronBatch:     getEnvInt("SCHED_CRON_BATCH", 200),

			ClaimTTL:       getEnvDuration("SCHED_CLAIM_TTL", 30*time.Second),
			PublishTimeout: getEnvDuration("SCHED_PUBLISH_TIMEOUT", 10*time.Second),

			RetentionC:         getEnvDuration("SCHED_RETENTION_C", 30*24*time.Hour),
			RetentionAnalytics: getEnvDuration("SCHED_RETENTION_ANALYTICS", 90*24*time.Hour),

			MaxDelaySeconds: getEnvInt("SCHED_MAX_DELAY_SECONDS", 86400),
			StaleIsFatal:    getEnvBool("SCHED_STALE_IS_FATAL", false),

			RetryBase:       getEnvDuration("SCHED_RETRY_BASE", 60*time.Second),
			RetryMultiplier: getEnvFloat("SCHED_RETRY_MULTIPLIER", 2),
			RetryMax:        getEnvDuration("SCHED_RETRY_MAX", time.Hour),
			RetryJitter:     getEnvBool("SCHED_RETRY_JITTER", true),

			PastSkew:      getEnvDuration("SCHED_PAST_SKEW", 5*time.Second),
			ShutdownGrace: getEnvDuration("SCHED_SHUTDOWN_GRACE", 10*time.Second),
		},
	}
}

func buildDBURL() string {
	host := getEnv("DB_HOST", "127.0.0.1")
	port := getEnv("DB_PORT", "5432")
	user := getEnv("DB_USER", "eventsched")
	pass := getEnv("DB_PASSWORD", "eventsched")
	name := getEnv("DB_NAME", "eventsched")
	ssl := getEnv("DB_SSLMODE", "disable")

	return "postgres://" + user + ":" + pass + "@" + host + ":" + port + "/" + name + "?sslmode=" + ssl
}

func WithTimeout(duration time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), duration)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		num, err := strconv.Atoi(v)
		if err != nil {
			fmt.Println(err)
			return fallback
		}
		return num
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fallback
		}
		return b
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fallback
		}
		return f
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			fmt.Println(err)
			return fallback
		}
		return d
	}
	return fallback
}

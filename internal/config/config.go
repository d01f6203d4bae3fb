package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	AppEnv      string
	AppName     string
	AppPort     string
	MetricsPort string
	LogLevel    string
	JWTSecret   string

	DBHost                   string
	DBPort                   string
	DBUser                   string
	DBPassword               string
	DBName                   string
	DBSSLMode                string
	DBMaxOpenConns           int
	DBMaxIdleConns           int
	DBConnMaxLifetimeMinutes int

	RedisHost         string
	RedisPort         string
	RedisPassword     string
	RedisDB           int
	RedisPoolSize     int
	RedisMinIdleConns int
	RedisMaxRetries   int

	// Diversity monitor policy.
	InviteWarningThreshold int           // warnings before an inviter is blocked
	InviteHomogeneityFloor int           // invitee count at which role uniformity is suspicious
	InviteVelocityCount    int           // joins inside the window that count as clustering
	InviteVelocityWindow   time.Duration // join-time clustering window
	InviteSeedingFloor     int           // invitee count at which seeding neglect is suspicious

	// Appeal jury policy.
	JuryRequiredVotes int
	JuryDeadline      time.Duration
	JurySweepCron     string // cron spec for resolving deadline-expired cases

	// Upstream systems.
	SignalFeedURL   string // base URL of the content signal feed
	CitationFeedURL string // base URL of the citation store
	ModerationURL   string // base URL of the moderation pipeline

	// Trust engine policy.
	SignalTimeout    time.Duration // bound on any single signal feed lookup
	RecalcBatchSize  int           // drain claim limit
	RecalcDrainCron  string        // cron spec for the background drain
	TrustProfileTTL  time.Duration // cache TTL for trust profiles
	EndorsementRing  time.Duration // window for reciprocal endorsement detection
	LineageDepth     int           // generations inspected for shared-lineage clustering
}

func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:        os.Getenv("APP_ENV"),
		AppName:       os.Getenv("APP_NAME"),
		AppPort:       os.Getenv("APP_PORT"),
		MetricsPort:   os.Getenv("METRICS_PORT"),
		LogLevel:      os.Getenv("LOG_LEVEL"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		DBHost:        os.Getenv("DB_HOST"),
		DBPort:        os.Getenv("DB_PORT"),
		DBUser:        os.Getenv("DB_USER"),
		DBPassword:    os.Getenv("DB_PASSWORD"),
		DBName:        os.Getenv("DB_NAME"),
		DBSSLMode:     os.Getenv("DB_SSL_MODE"),
		RedisHost:     os.Getenv("REDIS_HOST"),
		RedisPort:     os.Getenv("REDIS_PORT"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		SignalFeedURL:   os.Getenv("SIGNAL_FEED_URL"),
		CitationFeedURL: os.Getenv("CITATION_FEED_URL"),
		ModerationURL:   os.Getenv("MODERATION_URL"),
	}
	if cfg.AppName == "" {
		cfg.AppName = "veridian-governance"
	}
	if cfg.AppPort == "" {
		cfg.AppPort = "8080"
	}
	if cfg.MetricsPort == "" {
		cfg.MetricsPort = "9090"
	}
	if cfg.DBSSLMode == "" {
		cfg.DBSSLMode = "disable"
	}

	var err error
	if cfg.DBMaxOpenConns, err = intEnv("DB_MAX_OPEN_CONNS", 25); err != nil {
		return nil, err
	}
	if cfg.DBMaxIdleConns, err = intEnv("DB_MAX_IDLE_CONNS", 5); err != nil {
		return nil, err
	}
	if cfg.DBConnMaxLifetimeMinutes, err = intEnv("DB_CONN_MAX_LIFETIME_MINUTES", 30); err != nil {
		return nil, err
	}
	if cfg.RedisDB, err = intEnv("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.RedisPoolSize, err = intEnv("REDIS_POOL_SIZE", 10); err != nil {
		return nil, err
	}
	if cfg.RedisMinIdleConns, err = intEnv("REDIS_MIN_IDLE_CONNS", 2); err != nil {
		return nil, err
	}
	if cfg.RedisMaxRetries, err = intEnv("REDIS_MAX_RETRIES", 3); err != nil {
		return nil, err
	}

	if cfg.InviteWarningThreshold, err = intEnv("INVITE_WARNING_THRESHOLD", 3); err != nil {
		return nil, err
	}
	if cfg.InviteHomogeneityFloor, err = intEnv("INVITE_HOMOGENEITY_FLOOR", 4); err != nil {
		return nil, err
	}
	if cfg.InviteVelocityCount, err = intEnv("INVITE_VELOCITY_COUNT", 5); err != nil {
		return nil, err
	}
	if cfg.InviteVelocityWindow, err = durationEnv("INVITE_VELOCITY_WINDOW", 48*time.Hour); err != nil {
		return nil, err
	}
	if cfg.InviteSeedingFloor, err = intEnv("INVITE_SEEDING_FLOOR", 3); err != nil {
		return nil, err
	}

	if cfg.JuryRequiredVotes, err = intEnv("JURY_REQUIRED_VOTES", 3); err != nil {
		return nil, err
	}
	if cfg.JuryDeadline, err = durationEnv("JURY_DEADLINE", 72*time.Hour); err != nil {
		return nil, err
	}
	cfg.JurySweepCron = os.Getenv("JURY_SWEEP_CRON")
	if cfg.JurySweepCron == "" {
		cfg.JurySweepCron = "@every 10m"
	}

	if cfg.SignalTimeout, err = durationEnv("SIGNAL_TIMEOUT", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.RecalcBatchSize, err = intEnv("RECALC_BATCH_SIZE", 100); err != nil {
		return nil, err
	}
	cfg.RecalcDrainCron = os.Getenv("RECALC_DRAIN_CRON")
	if cfg.RecalcDrainCron == "" {
		cfg.RecalcDrainCron = "@every 5m"
	}
	if cfg.TrustProfileTTL, err = durationEnv("TRUST_PROFILE_TTL", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.EndorsementRing, err = durationEnv("ENDORSEMENT_RING_WINDOW", 14*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.LineageDepth, err = intEnv("LINEAGE_DEPTH", 3); err != nil {
		return nil, err
	}

	return cfg, nil
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

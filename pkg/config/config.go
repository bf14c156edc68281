package config

import (
	"errors"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Store drivers supported for analytic records.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	CORS      CORSConfig
	Log       LogConfig
	Analytics AnalyticsConfig
	Batch     BatchConfig
	Breaker   BreakerConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// AnalyticsConfig carries the scoring thresholds and cache behaviour of the risk engine.
type AnalyticsConfig struct {
	StoreDriver     string
	CacheTTL        time.Duration
	StalenessWindow time.Duration
	DefaultPeriod   string

	Weights map[string]float64
	// RiskBands holds the low, medium, high and critical cut-points for risk_prediction.
	RiskBands []float64

	// NeutralScore is nil when unset; zero is a valid configured value.
	NeutralScore *float64

	AbsenceStreakThreshold int
	AbsencePenalty         float64
	PaymentGraceDays       int
	PaymentOverdueDays     int
	EngagementStaleDays    int
	BehaviorSignalPenalty  float64
	AcademicPassBlend      float64
}

// BatchConfig tunes the batch recompute orchestrator and its scheduler.
type BatchConfig struct {
	Workers          int
	SubjectTimeout   time.Duration
	QueueWorkers     int
	QueueRetries     int
	ScheduleInterval time.Duration
	ScheduledPeriods []string
	ScheduledTypes   []string
	TermID           string
}

// BreakerConfig configures the circuit breaker wrapped around metric sources.
type BreakerConfig struct {
	Enabled     bool
	MaxFailures uint32
	OpenTimeout time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("ENABLE_REDIS"),
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{Secret: v.GetString("JWT_SECRET")}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	bands, err := parseFloats(v.GetString("ANALYTICS_RISK_BANDS"))
	if err != nil {
		return nil, err
	}

	cfg.Analytics = AnalyticsConfig{
		StoreDriver:     v.GetString("ANALYTICS_STORE_DRIVER"),
		CacheTTL:        parseDuration(v.GetString("ANALYTICS_CACHE_TTL"), 10*time.Minute),
		StalenessWindow: parseDuration(v.GetString("ANALYTICS_STALENESS_WINDOW"), 24*time.Hour),
		DefaultPeriod:   v.GetString("ANALYTICS_DEFAULT_PERIOD"),
		Weights: map[string]float64{
			"academic":   v.GetFloat64("ANALYTICS_WEIGHT_ACADEMIC"),
			"attendance": v.GetFloat64("ANALYTICS_WEIGHT_ATTENDANCE"),
			"financial":  v.GetFloat64("ANALYTICS_WEIGHT_FINANCIAL"),
			"engagement": v.GetFloat64("ANALYTICS_WEIGHT_ENGAGEMENT"),
			"behavioral": v.GetFloat64("ANALYTICS_WEIGHT_BEHAVIORAL"),
		},
		RiskBands:              bands,
		AbsenceStreakThreshold: v.GetInt("ANALYTICS_ABSENCE_STREAK_THRESHOLD"),
		AbsencePenalty:         v.GetFloat64("ANALYTICS_ABSENCE_PENALTY"),
		PaymentGraceDays:       v.GetInt("ANALYTICS_PAYMENT_GRACE_DAYS"),
		PaymentOverdueDays:     v.GetInt("ANALYTICS_PAYMENT_OVERDUE_DAYS"),
		EngagementStaleDays:    v.GetInt("ANALYTICS_ENGAGEMENT_STALE_DAYS"),
		BehaviorSignalPenalty:  v.GetFloat64("ANALYTICS_BEHAVIOR_SIGNAL_PENALTY"),
		AcademicPassBlend:      v.GetFloat64("ANALYTICS_ACADEMIC_PASS_BLEND"),
	}

	if v.IsSet("ANALYTICS_NEUTRAL_SCORE") {
		neutral := v.GetFloat64("ANALYTICS_NEUTRAL_SCORE")
		cfg.Analytics.NeutralScore = &neutral
	}

	cfg.Batch = BatchConfig{
		Workers:          v.GetInt("BATCH_WORKERS"),
		SubjectTimeout:   parseDuration(v.GetString("BATCH_SUBJECT_TIMEOUT"), 30*time.Second),
		QueueWorkers:     v.GetInt("BATCH_QUEUE_WORKERS"),
		QueueRetries:     v.GetInt("BATCH_QUEUE_RETRIES"),
		ScheduleInterval: parseDuration(v.GetString("BATCH_SCHEDULE_INTERVAL"), 0),
		ScheduledPeriods: splitAndTrim(v.GetString("BATCH_SCHEDULED_PERIODS")),
		ScheduledTypes:   splitAndTrim(v.GetString("BATCH_SCHEDULED_ANALYSIS_TYPES")),
		TermID:           v.GetString("BATCH_TERM_ID"),
	}

	cfg.Breaker = BreakerConfig{
		Enabled:     v.GetBool("ENABLE_METRICS_BREAKER"),
		MaxFailures: uint32(v.GetInt("METRICS_BREAKER_MAX_FAILURES")),
		OpenTimeout: parseDuration(v.GetString("METRICS_BREAKER_OPEN_TIMEOUT"), 30*time.Second),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "admin_panel_sma")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("ENABLE_REDIS", true)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("ANALYTICS_STORE_DRIVER", StoreDriverPostgres)
	v.SetDefault("ANALYTICS_CACHE_TTL", "10m")
	v.SetDefault("ANALYTICS_STALENESS_WINDOW", "24h")
	v.SetDefault("ANALYTICS_DEFAULT_PERIOD", "30d")
	v.SetDefault("ANALYTICS_WEIGHT_ACADEMIC", 0.2)
	v.SetDefault("ANALYTICS_WEIGHT_ATTENDANCE", 0.2)
	v.SetDefault("ANALYTICS_WEIGHT_FINANCIAL", 0.2)
	v.SetDefault("ANALYTICS_WEIGHT_ENGAGEMENT", 0.2)
	v.SetDefault("ANALYTICS_WEIGHT_BEHAVIORAL", 0.2)
	v.SetDefault("ANALYTICS_RISK_BANDS", "20,40,60,80")
	v.SetDefault("ANALYTICS_NEUTRAL_SCORE", 50)
	v.SetDefault("ANALYTICS_ABSENCE_STREAK_THRESHOLD", 3)
	v.SetDefault("ANALYTICS_ABSENCE_PENALTY", 5)
	v.SetDefault("ANALYTICS_PAYMENT_GRACE_DAYS", 30)
	v.SetDefault("ANALYTICS_PAYMENT_OVERDUE_DAYS", 90)
	v.SetDefault("ANALYTICS_ENGAGEMENT_STALE_DAYS", 30)
	v.SetDefault("ANALYTICS_BEHAVIOR_SIGNAL_PENALTY", 20)
	v.SetDefault("ANALYTICS_ACADEMIC_PASS_BLEND", 0.3)

	v.SetDefault("BATCH_WORKERS", 8)
	v.SetDefault("BATCH_SUBJECT_TIMEOUT", "30s")
	v.SetDefault("BATCH_QUEUE_WORKERS", 1)
	v.SetDefault("BATCH_QUEUE_RETRIES", 2)
	v.SetDefault("BATCH_SCHEDULE_INTERVAL", "")
	v.SetDefault("BATCH_SCHEDULED_PERIODS", "30d")
	v.SetDefault("BATCH_SCHEDULED_ANALYSIS_TYPES", "risk_prediction")
	v.SetDefault("BATCH_TERM_ID", "")

	v.SetDefault("ENABLE_METRICS_BREAKER", true)
	v.SetDefault("METRICS_BREAKER_MAX_FAILURES", 5)
	v.SetDefault("METRICS_BREAKER_OPEN_TIMEOUT", "30s")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func isMissingFile(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func parseFloats(raw string) ([]float64, error) {
	parts := splitAndTrim(raw)
	values := make([]float64, 0, len(parts))
	for _, part := range parts {
		f, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, err
		}
		values = append(values, f)
	}
	return values, nil
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

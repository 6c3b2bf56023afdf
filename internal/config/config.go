package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the exam service.
type Config struct {
	AppName     string
	AppEnv      string
	AppPort     string
	CORSOrigins string
	DatabaseURL string
	DBMaxOpen   int
	DBMaxIdle   int
	DBLifetime  time.Duration
	RedisURL    string
	NATSURL     string
	ChannelBase string
	JWTSecret   string

	Exam      ExamConfig
	Grading   GradingConfig
	Analytics AnalyticsConfig
	Practice  PracticeConfig
	Worker    WorkerConfig

	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string
}

// ExamConfig tunes the session lifecycle.
type ExamConfig struct {
	SweepInterval      time.Duration
	SweepBatchSize     int
	TransitionRetries  int
	MaxTextAnswerBytes int
}

// GradingConfig selects the objective grading policy.
type GradingConfig struct {
	FillBlankCaseSensitive bool
	MultiPartialCredit     bool
}

// AnalyticsConfig tunes mastery analytics.
type AnalyticsConfig struct {
	WeakThreshold float64
	CacheTTL      time.Duration
}

// PracticeConfig tunes practice generation.
type PracticeConfig struct {
	DurationMinutes int
	MaxQuestions    int
	PointsPerItem   int
}

// WorkerConfig sizes the background pool.
type WorkerConfig struct {
	Count int
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("EXAM")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Exam API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("http.allow_origins", "*")
	v.SetDefault("database.max_open", 20)
	v.SetDefault("database.max_idle", 5)
	v.SetDefault("database.conn_lifetime", "30m")
	v.SetDefault("channel.base", "gema:exam")
	v.SetDefault("exam.sweep_interval", "15s")
	v.SetDefault("exam.sweep_batch_size", 100)
	v.SetDefault("exam.transition_retries", 3)
	v.SetDefault("exam.max_text_answer_bytes", 64*1024)
	v.SetDefault("grading.fill_blank_case_sensitive", true)
	v.SetDefault("grading.multi_partial_credit", false)
	v.SetDefault("analytics.weak_threshold", 0.8)
	v.SetDefault("analytics.cache_ttl", "5m")
	v.SetDefault("practice.duration_minutes", 20)
	v.SetDefault("practice.max_questions", 20)
	v.SetDefault("practice.points_per_item", 1)
	v.SetDefault("worker.count", 4)
	v.SetDefault("openai.model", "gpt-4o-mini")

	lifetime, err := parseDuration(v, "database.conn_lifetime")
	if err != nil {
		return Config{}, err
	}
	sweep, err := parseDuration(v, "exam.sweep_interval")
	if err != nil {
		return Config{}, err
	}
	cacheTTL, err := parseDuration(v, "analytics.cache_ttl")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppName:     v.GetString("app.name"),
		AppEnv:      v.GetString("app.env"),
		AppPort:     v.GetString("app.port"),
		CORSOrigins: v.GetString("http.allow_origins"),
		DatabaseURL: v.GetString("database.url"),
		DBMaxOpen:   v.GetInt("database.max_open"),
		DBMaxIdle:   v.GetInt("database.max_idle"),
		DBLifetime:  lifetime,
		RedisURL:    v.GetString("redis.url"),
		NATSURL:     v.GetString("nats.url"),
		ChannelBase: v.GetString("channel.base"),
		JWTSecret:   v.GetString("jwt.secret"),
		Exam: ExamConfig{
			SweepInterval:      sweep,
			SweepBatchSize:     v.GetInt("exam.sweep_batch_size"),
			TransitionRetries:  v.GetInt("exam.transition_retries"),
			MaxTextAnswerBytes: v.GetInt("exam.max_text_answer_bytes"),
		},
		Grading: GradingConfig{
			FillBlankCaseSensitive: v.GetBool("grading.fill_blank_case_sensitive"),
			MultiPartialCredit:     v.GetBool("grading.multi_partial_credit"),
		},
		Analytics: AnalyticsConfig{
			WeakThreshold: v.GetFloat64("analytics.weak_threshold"),
			CacheTTL:      cacheTTL,
		},
		Practice: PracticeConfig{
			DurationMinutes: v.GetInt("practice.duration_minutes"),
			MaxQuestions:    v.GetInt("practice.max_questions"),
			PointsPerItem:   v.GetInt("practice.points_per_item"),
		},
		Worker: WorkerConfig{
			Count: v.GetInt("worker.count"),
		},
		OpenAIAPIKey:  v.GetString("openai.api_key"),
		OpenAIModel:   v.GetString("openai.model"),
		OpenAIBaseURL: v.GetString("openai.base_url"),
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	if cfg.Exam.SweepInterval <= 0 {
		return Config{}, fmt.Errorf("exam sweep interval must be positive")
	}

	if cfg.Exam.TransitionRetries <= 0 {
		cfg.Exam.TransitionRetries = 1
	}

	if cfg.Analytics.WeakThreshold <= 0 || cfg.Analytics.WeakThreshold > 1 {
		return Config{}, fmt.Errorf("analytics weak threshold must be in (0, 1]")
	}

	if cfg.Worker.Count <= 0 {
		cfg.Worker.Count = 4
	}

	return cfg, nil
}

func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	value, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

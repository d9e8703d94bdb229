package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server     ServerConfig
	Redis      RedisConfig
	JWT        JWTConfig
	RateLimit  RateLimitConfig
	OpenAI     OpenAIConfig
	ElevenLabs ElevenLabsConfig
	Hedra      HedraConfig
	Media      MediaConfig
	R2         R2Config
	Pipeline   PipelineConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	ApiDomain string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type RateLimitConfig struct {
	SubmitPerHour  int
	RecoverPerHour int
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type ElevenLabsConfig struct {
	APIKey  string
	BaseURL string
	ModelID string
	Timeout int // seconds
}

type HedraConfig struct {
	APIKey       string
	BaseURL      string
	PollInterval int // seconds
	PollTimeout  int // seconds
	Timeout      int // seconds, per HTTP request
}

type MediaConfig struct {
	ServiceURL string
	Timeout    int // seconds
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

// PipelineConfig tunes the orchestration core: retry ceilings, revision
// budget, per-stage lease TTLs, and the staleness thresholds used by
// recovery. Staleness thresholds are deliberately much shorter than the
// external calls' own timeouts — they exist to catch lost enqueues and
// crashed workers, not legitimately slow calls.
type PipelineConfig struct {
	MaxRevisionAttempts   int
	RestartScoreThreshold float64

	MaxRetryLLM     int
	MaxRetryAudio   int
	MaxRetryVideo   int
	MaxRetryCombine int

	LockTTLLLM     time.Duration
	LockTTLAudio   time.Duration
	LockTTLVideo   time.Duration
	LockTTLCombine time.Duration

	StaleGeneration time.Duration
	StaleAudio      time.Duration
	StaleVideo      time.Duration
}

func Load() (*Config, error) {
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("OPENAI_API_KEY")
	readSecret("ELEVENLABS_API_KEY")
	readSecret("HEDRA_API_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.AutomaticEnv()

	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("server.api_domain", "API_DOMAIN")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("openai.api_key", "OPENAI_API_KEY")
	_ = viper.BindEnv("openai.base_url", "OPENAI_BASE_URL")
	_ = viper.BindEnv("openai.model", "OPENAI_MODEL")
	_ = viper.BindEnv("elevenlabs.api_key", "ELEVENLABS_API_KEY")
	_ = viper.BindEnv("elevenlabs.base_url", "ELEVENLABS_BASE_URL")
	_ = viper.BindEnv("elevenlabs.model_id", "ELEVENLABS_MODEL_ID")
	_ = viper.BindEnv("hedra.api_key", "HEDRA_API_KEY")
	_ = viper.BindEnv("hedra.base_url", "HEDRA_BASE_URL")
	_ = viper.BindEnv("media.service_url", "MEDIA_SERVICE_URL")
	_ = viper.BindEnv("media.timeout", "MEDIA_SERVICE_TIMEOUT")
	_ = viper.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = viper.BindEnv("r2.public_url", "R2_PUBLIC_URL")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("ratelimit.submit_per_hour", 10)
	viper.SetDefault("ratelimit.recover_per_hour", 30)

	viper.SetDefault("openai.base_url", "https://api.openai.com/v1")
	viper.SetDefault("openai.model", "gpt-4o")

	viper.SetDefault("elevenlabs.base_url", "https://api.elevenlabs.io")
	viper.SetDefault("elevenlabs.model_id", "eleven_multilingual_v2")
	viper.SetDefault("elevenlabs.timeout", 120)

	viper.SetDefault("hedra.base_url", "https://api.hedra.com")
	viper.SetDefault("hedra.poll_interval", 5)
	viper.SetDefault("hedra.poll_timeout", 1200)
	viper.SetDefault("hedra.timeout", 120)

	viper.SetDefault("media.service_url", "http://localhost:8084")
	viper.SetDefault("media.timeout", 300)

	viper.SetDefault("pipeline.max_revision_attempts", 5)
	viper.SetDefault("pipeline.restart_score_threshold", 50.0)
	viper.SetDefault("pipeline.max_retry_llm", 5)
	viper.SetDefault("pipeline.max_retry_audio", 5)
	viper.SetDefault("pipeline.max_retry_video", 3)
	viper.SetDefault("pipeline.max_retry_combine", 1)
	viper.SetDefault("pipeline.lock_ttl_llm", "15m")
	viper.SetDefault("pipeline.lock_ttl_audio", "5m")
	viper.SetDefault("pipeline.lock_ttl_video", "20m")
	viper.SetDefault("pipeline.lock_ttl_combine", "30m")
	viper.SetDefault("pipeline.stale_generation", "90s")
	viper.SetDefault("pipeline.stale_audio", "2m")
	viper.SetDefault("pipeline.stale_video", "5m")

	// Config file is optional
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      viper.GetString("server.port"),
			Env:       viper.GetString("server.env"),
			LogLevel:  viper.GetString("server.log_level"),
			ApiDomain: viper.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret: viper.GetString("jwt.secret"),
		},
		RateLimit: RateLimitConfig{
			SubmitPerHour:  viper.GetInt("ratelimit.submit_per_hour"),
			RecoverPerHour: viper.GetInt("ratelimit.recover_per_hour"),
		},
		OpenAI: OpenAIConfig{
			APIKey:  viper.GetString("openai.api_key"),
			BaseURL: viper.GetString("openai.base_url"),
			Model:   viper.GetString("openai.model"),
		},
		ElevenLabs: ElevenLabsConfig{
			APIKey:  viper.GetString("elevenlabs.api_key"),
			BaseURL: viper.GetString("elevenlabs.base_url"),
			ModelID: viper.GetString("elevenlabs.model_id"),
			Timeout: viper.GetInt("elevenlabs.timeout"),
		},
		Hedra: HedraConfig{
			APIKey:       viper.GetString("hedra.api_key"),
			BaseURL:      viper.GetString("hedra.base_url"),
			PollInterval: viper.GetInt("hedra.poll_interval"),
			PollTimeout:  viper.GetInt("hedra.poll_timeout"),
			Timeout:      viper.GetInt("hedra.timeout"),
		},
		Media: MediaConfig{
			ServiceURL: viper.GetString("media.service_url"),
			Timeout:    viper.GetInt("media.timeout"),
		},
		R2: R2Config{
			AccountID:       viper.GetString("r2.account_id"),
			AccessKeyID:     viper.GetString("r2.access_key_id"),
			SecretAccessKey: viper.GetString("r2.secret_access_key"),
			BucketName:      viper.GetString("r2.bucket_name"),
			PublicURL:       viper.GetString("r2.public_url"),
		},
		Pipeline: PipelineConfig{
			MaxRevisionAttempts:   viper.GetInt("pipeline.max_revision_attempts"),
			RestartScoreThreshold: viper.GetFloat64("pipeline.restart_score_threshold"),
			MaxRetryLLM:           viper.GetInt("pipeline.max_retry_llm"),
			MaxRetryAudio:         viper.GetInt("pipeline.max_retry_audio"),
			MaxRetryVideo:         viper.GetInt("pipeline.max_retry_video"),
			MaxRetryCombine:       viper.GetInt("pipeline.max_retry_combine"),
			LockTTLLLM:            viper.GetDuration("pipeline.lock_ttl_llm"),
			LockTTLAudio:          viper.GetDuration("pipeline.lock_ttl_audio"),
			LockTTLVideo:          viper.GetDuration("pipeline.lock_ttl_video"),
			LockTTLCombine:        viper.GetDuration("pipeline.lock_ttl_combine"),
			StaleGeneration:       viper.GetDuration("pipeline.stale_generation"),
			StaleAudio:            viper.GetDuration("pipeline.stale_audio"),
			StaleVideo:            viper.GetDuration("pipeline.stale_video"),
		},
	}

	return cfg, nil
}

package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	TZ     string `envconfig:"TZ" default:"Asia/Tashkent"`
	Port   int    `envconfig:"PORT" default:"8080"`

	Telegram struct {
		Token      string `envconfig:"TG_BOT_TOKEN"`
		WebhookURL string `envconfig:"TG_WEBHOOK_URL"`
		// RateLimit — сообщений в секунду на весь процесс.
		RateLimit int `envconfig:"TELEGRAM_RATE_LIMIT" default:"25"`
	} `envconfig:""`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	Grok struct {
		APIKey     string        `envconfig:"GROK_API_KEY"`
		BaseURL    string        `envconfig:"GROK_BASE_URL" default:"https://api.x.ai/v1"`
		Timeout    time.Duration `envconfig:"GROK_TIMEOUT" default:"120s"`
		RateLimit  int           `envconfig:"GROK_RATE_LIMIT" default:"30"`
		ImageLimit int           `envconfig:"IMAGE_RATE_LIMIT" default:"10"`

		ModelStandard string `envconfig:"GROK_MODEL_FREE" default:"grok-3-mini"`
		ModelPremium  string `envconfig:"GROK_MODEL_PREMIUM" default:"grok-4-1-fast-reasoning"`
		ImageModel    string `envconfig:"GROK_IMAGE_MODEL" default:"grok-imagine-image"`

		MaxTokensStandard int `envconfig:"GROK_MAX_TOKENS_FREE" default:"250"`
		MaxTokensPremium  int `envconfig:"GROK_MAX_TOKENS_PREMIUM" default:"400"`

		PromptStandard string `envconfig:"GROK_PROMPT_FREE" default:"Напиши короткий пост для Telegram-канала на тему «{user_words}». Сегодня {today}. Пиши живо, без воды, до двух абзацев."`
		PromptPremium  string `envconfig:"GROK_PROMPT_PREMIUM" default:"Напиши развёрнутый пост для Telegram-канала на тему «{user_words}». Сегодня {today}. Используй актуальные факты, структурируй текст, добавь уместные эмодзи."`
		ImagePrompt    string `envconfig:"GROK_IMAGE_PROMPT" default:"Square illustration for a social media post. No text, no letters, no watermarks. Theme: {post_content}"`
	} `envconfig:""`

	Scheduler struct {
		MinWorkers     int `envconfig:"SCHEDULER_MIN_WORKERS" default:"3"`
		MaxWorkers     int `envconfig:"SCHEDULER_MAX_WORKERS" default:"10"`
		ScaleThreshold int `envconfig:"SCHEDULER_SCALE_THRESHOLD" default:"5"`
	} `envconfig:""`

	Breaker struct {
		FailureThreshold int           `envconfig:"BREAKER_FAILURE_THRESHOLD" default:"5"`
		RecoveryTimeout  time.Duration `envconfig:"BREAKER_RECOVERY_TIMEOUT" default:"60s"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}

package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"tg-autopost-bot/internal/adapters/bot"
	"tg-autopost-bot/internal/adapters/generator"
	"tg-autopost-bot/internal/adapters/repo"
	"tg-autopost-bot/internal/domain"
	"tg-autopost-bot/internal/infra/breaker"
	"tg-autopost-bot/internal/infra/cache"
	"tg-autopost-bot/internal/infra/config"
	"tg-autopost-bot/internal/infra/db"
	"tg-autopost-bot/internal/infra/grok"
	applog "tg-autopost-bot/internal/infra/log"
	"tg-autopost-bot/internal/infra/metrics"
	"tg-autopost-bot/internal/infra/ratelimit"
	"tg-autopost-bot/internal/usecase/scheduler"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")

	tz, err := time.LoadLocation(cfg.TZ)
	if err != nil {
		logger.Fatal().Err(err).Str("tz", cfg.TZ).Msg("scheduler: неизвестный часовой пояс")
	}

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	var dedup domain.Cache
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		dedup = cache.NewRedis(redisClient)
	} else {
		logger.Warn().Msg("scheduler: Redis не настроен, защита от повторной доставки отключена")
	}

	if cfg.Telegram.Token == "" {
		logger.Fatal().Msg("scheduler: не указан токен Telegram (TG_BOT_TOKEN)")
	}
	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: не удалось создать бота")
	}

	if cfg.Grok.APIKey == "" {
		logger.Warn().Msg("scheduler: не указан ключ Grok (GROK_API_KEY), посты будут заглушками")
	}
	grokClient := grok.NewClient(cfg.Grok.APIKey, cfg.Grok.BaseURL, cfg.Grok.Timeout)
	grokBreaker := breaker.New("grok_api", cfg.Breaker.FailureThreshold, cfg.Breaker.RecoveryTimeout, logger)

	standardCfg := domain.TierConfig{
		Model:          cfg.Grok.ModelStandard,
		PromptTemplate: cfg.Grok.PromptStandard,
		MaxTokens:      cfg.Grok.MaxTokensStandard,
		MaxSlots:       domain.MaxStandardSlots,
	}
	premiumCfg := domain.TierConfig{
		Model:          cfg.Grok.ModelPremium,
		PromptTemplate: cfg.Grok.PromptPremium,
		MaxTokens:      cfg.Grok.MaxTokensPremium,
		MaxSlots:       domain.MaxPremiumSlots,
	}

	postGen := generator.NewPost(grokClient, grokBreaker, ratelimit.PerMinute(cfg.Grok.RateLimit), standardCfg, premiumCfg, tz, logger)
	imageGen := generator.NewImage(grokClient, ratelimit.PerMinute(cfg.Grok.ImageLimit), cfg.Grok.ImageModel, cfg.Grok.ImagePrompt, logger)
	sender := bot.NewSender(botAPI, ratelimit.PerSecond(cfg.Telegram.RateLimit), logger)

	finder := scheduler.NewFinder(repoAdapter, tz, logger)
	service := scheduler.NewService(finder, postGen, imageGen, sender, dedup, scheduler.Options{
		MinWorkers:     cfg.Scheduler.MinWorkers,
		MaxWorkers:     cfg.Scheduler.MaxWorkers,
		ScaleThreshold: cfg.Scheduler.ScaleThreshold,
	}, tz, logger)

	if err := service.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("scheduler: петля завершилась с ошибкой")
	}
	logger.Info().Msg("scheduler: остановлен")
}

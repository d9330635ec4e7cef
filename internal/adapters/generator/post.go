// Package generator содержит адаптеры генерации контента поверх Grok API.
package generator

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"tg-autopost-bot/internal/domain"
	"tg-autopost-bot/internal/infra/breaker"
	"tg-autopost-bot/internal/infra/grok"
)

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req grok.ChatCompletionRequest) (grok.ChatCompletionResponse, error)
	HasKey() bool
}

const (
	postMaxAttempts = 4
	postBaseDelay   = time.Second
)

// Post реализует domain.PostGenerator.
// Любой исход генерации сводится к непустому тексту: при недоступности
// API возвращается заглушка с темой, конвейер доставки не прерывается.
type Post struct {
	client   chatClient
	circuit  *breaker.Breaker
	limiter  *rate.Limiter
	standard domain.TierConfig
	premium  domain.TierConfig
	tz       *time.Location
	log      zerolog.Logger

	// sleep подменяется в тестах, чтобы не ждать настоящий backoff.
	sleep func(ctx context.Context, d time.Duration)
}

// NewPost создаёт генератор постов.
func NewPost(client chatClient, circuit *breaker.Breaker, limiter *rate.Limiter, standard, premium domain.TierConfig, tz *time.Location, log zerolog.Logger) *Post {
	if tz == nil {
		tz = time.UTC
	}
	return &Post{
		client:   client,
		circuit:  circuit,
		limiter:  limiter,
		standard: standard,
		premium:  premium,
		tz:       tz,
		log:      log,
		sleep:    sleepCtx,
	}
}

var _ domain.PostGenerator = (*Post)(nil)

// GeneratePost строит текст поста по теме с учётом тарифа.
func (g *Post) GeneratePost(ctx context.Context, topic string, tier domain.Tier) (string, error) {
	cfg := g.standard
	if tier == domain.TierPremium {
		cfg = g.premium
	}

	today := g.todayString()
	prompt := strings.NewReplacer("{user_words}", topic, "{today}", today).Replace(cfg.PromptTemplate)

	g.log.Info().
		Str("model", cfg.Model).
		Str("topic", topic).
		Str("tier", string(tier)).
		Msg("генерация поста")

	if !g.client.HasKey() {
		g.log.Warn().Msg("GROK_API_KEY не задан, используется заглушка")
		return fallbackPost(topic), nil
	}

	if !g.circuit.CanExecute() {
		g.log.Warn().Str("topic", topic).Msg("circuit OPEN, используется заглушка")
		return fallbackPost(topic), nil
	}

	var lastErr error
	for attempt := 1; attempt <= postMaxAttempts; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return fallbackPost(topic), nil
		}

		req := grok.ChatCompletionRequest{
			Model:       cfg.Model,
			Temperature: 1.0,
			MaxTokens:   cfg.MaxTokens,
			Messages: []grok.ChatMessage{
				{Role: grok.RoleSystem, Content: g.systemPrompt(topic, today)},
				{Role: grok.RoleUser, Content: prompt},
			},
		}

		resp, err := g.client.CreateChatCompletion(ctx, req)
		if err == nil && len(resp.Choices) == 0 {
			err = fmt.Errorf("grok: пустой ответ модели")
		}
		if err == nil {
			text := strings.TrimSpace(resp.Choices[0].Message.Content)
			g.circuit.RecordSuccess()
			g.log.Info().Str("topic", topic).Msg("пост сгенерирован")
			return text, nil
		}

		lastErr = err
		g.circuit.RecordFailure()
		g.log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", postMaxAttempts).
			Msg("ошибка генерации поста")

		if attempt < postMaxAttempts {
			g.sleep(ctx, backoffDelay(postBaseDelay, attempt))
		}
	}

	g.log.Error().Err(lastErr).Str("topic", topic).Msg("все попытки генерации исчерпаны")
	return fallbackPost(topic), nil
}

// systemPrompt привязывает модель к сегодняшней дате и одноразовым nonce
// просит не повторять прежние цитаты и факты. Это prompt-engineering
// мера против повторов, а не гарантия корректности.
func (g *Post) systemPrompt(topic, today string) string {
	raw := fmt.Sprintf("%s%s%d", topic, time.Now().Format(time.RFC3339Nano), rand.Intn(999999))
	sum := md5.Sum([]byte(raw))
	nonce := hex.EncodeToString(sum[:])[:8]

	return fmt.Sprintf(
		"Ты профессиональный автор контента для Telegram-каналов. "+
			"СЕГОДНЯШНЯЯ ДАТА: %s. "+
			"О новостях, спорте и событиях пиши только по актуальным данным последних дней, устаревшие сведения не используй. "+
			"Каждый раз создавай полностью новый контент, не повторяй прежние цитаты и факты. "+
			"Если нужна цитата — бери другую или от другого человека. "+
			"Разнообразие и оригинальность важнее всего! [UID:%s]",
		today, nonce,
	)
}

func (g *Post) todayString() string {
	return time.Now().In(g.tz).Format("02-January 2006, Monday")
}

func fallbackPost(topic string) string {
	return fmt.Sprintf("📢 %s\n\nИнтересные материалы уже готовятся — следите за каналом!", topic)
}

// backoffDelay считает экспоненциальную задержку с джиттером до 25%.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

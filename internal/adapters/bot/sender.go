package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"tg-autopost-bot/internal/adapters/generator"
	"tg-autopost-bot/internal/adapters/telegram"
	"tg-autopost-bot/internal/domain"
	"tg-autopost-bot/internal/infra/metrics"
)

type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

const (
	// sendMaxRetries — повторы сверх первой попытки.
	sendMaxRetries = 2
	// retryAfterBuffer добавляется к паузе, которую запросил Telegram.
	retryAfterBuffer = 500 * time.Millisecond
)

// Sender реализует domain.PostSender поверх Bot API.
// Все отправки идут через общий лимитер (сообщений в секунду на процесс)
// и уважают retry-after от Telegram.
type Sender struct {
	bot     botAPI
	limiter *rate.Limiter
	log     zerolog.Logger

	sleep func(ctx context.Context, d time.Duration)
}

// NewSender создаёт отправителя.
func NewSender(bot botAPI, limiter *rate.Limiter, log zerolog.Logger) *Sender {
	return &Sender{
		bot:     bot,
		limiter: limiter,
		log:     log,
		sleep:   sleepCtx,
	}
}

var _ domain.PostSender = (*Sender)(nil)

// SendText отправляет HTML-сообщение, при необходимости разбивая его
// на куски в пределах лимита Telegram.
func (s *Sender) SendText(ctx context.Context, channelID int64, html string) error {
	for _, part := range telegram.SplitMessage(html) {
		msg := tgbotapi.NewMessage(channelID, part)
		msg.ParseMode = tgbotapi.ModeHTML
		if err := s.sendWithRetry(ctx, channelID, msg); err != nil {
			return fmt.Errorf("отправка текста: %w", err)
		}
	}
	return nil
}

// SendPhoto отправляет фото с подписью, обрезанной до лимита Telegram.
func (s *Sender) SendPhoto(ctx context.Context, channelID int64, image []byte, caption string) error {
	name := "post_image.jpg"
	if generator.IsPNG(image) {
		name = "post_image.png"
	}
	photo := tgbotapi.NewPhoto(channelID, tgbotapi.FileBytes{Name: name, Bytes: image})
	photo.Caption = telegram.TruncateCaption(caption)
	photo.ParseMode = tgbotapi.ModeHTML
	if err := s.sendWithRetry(ctx, channelID, photo); err != nil {
		return fmt.Errorf("отправка фото: %w", err)
	}
	return nil
}

func (s *Sender) sendWithRetry(ctx context.Context, channelID int64, c tgbotapi.Chattable) error {
	var lastErr error
	for attempt := 0; attempt <= sendMaxRetries; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}

		start := time.Now()
		_, err := s.bot.Send(c)
		metrics.ObserveNetworkRequest("telegram", "send", "bot_api", start, err)
		if err == nil {
			return nil
		}
		lastErr = err

		if wait := retryAfterOf(err); wait > 0 {
			s.log.Warn().
				Int64("channel", channelID).
				Dur("retry_after", wait).
				Int("attempt", attempt+1).
				Msg("telegram: rate limit, ждём")
			s.sleep(ctx, wait+retryAfterBuffer)
			continue
		}

		s.log.Error().Err(err).Int64("channel", channelID).Msg("telegram: ошибка отправки")
		if attempt < sendMaxRetries {
			s.sleep(ctx, time.Second)
		}
	}
	metrics.BotSendErrors.Inc()
	return lastErr
}

// retryAfterOf извлекает паузу из ошибки Bot API (Too Many Requests).
func retryAfterOf(err error) time.Duration {
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) && tgErr.RetryAfter > 0 {
		return time.Duration(tgErr.RetryAfter) * time.Second
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

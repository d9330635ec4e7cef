package generator

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"tg-autopost-bot/internal/domain"
	"tg-autopost-bot/internal/infra/grok"
	"tg-autopost-bot/internal/infra/metrics"
)

type imageClient interface {
	CreateImage(ctx context.Context, req grok.ImageRequest) (grok.ImageResponse, error)
	HasKey() bool
}

const (
	imageMaxAttempts  = 3
	imageBaseDelay    = 2 * time.Second
	imageFetchTimeout = 30 * time.Second
	minImageSize      = 100
)

// Image реализует domain.ImageGenerator.
// Картинка — best-effort улучшение поста: исчерпание попыток возвращает
// ошибку, которую вызывающий обязан превратить в текстовую доставку.
type Image struct {
	client  imageClient
	limiter *rate.Limiter
	fetcher *http.Client
	model   string
	prompt  string
	log     zerolog.Logger

	sleep func(ctx context.Context, d time.Duration)
}

// NewImage создаёт генератор картинок.
func NewImage(client imageClient, limiter *rate.Limiter, model, promptTemplate string, log zerolog.Logger) *Image {
	return &Image{
		client:  client,
		limiter: limiter,
		fetcher: &http.Client{Timeout: imageFetchTimeout},
		model:   model,
		prompt:  promptTemplate,
		log:     log,
		sleep:   sleepCtx,
	}
}

var _ domain.ImageGenerator = (*Image)(nil)

// GenerateImage строит картинку по готовому тексту поста.
// Возврат (nil, nil) означает «генерация не настроена».
func (g *Image) GenerateImage(ctx context.Context, postText string) ([]byte, error) {
	if !g.client.HasKey() {
		g.log.Warn().Msg("GROK_API_KEY не задан, генерация картинки пропущена")
		return nil, nil
	}

	prompt := strings.ReplaceAll(g.prompt, "{post_content}", postText)
	g.log.Info().Str("model", g.model).Msg("генерация картинки")

	var lastErr error
	for attempt := 1; attempt <= imageMaxAttempts; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		img, err := g.attempt(ctx, prompt)
		if err == nil {
			g.log.Info().Int("bytes", len(img)).Msg("картинка получена")
			return img, nil
		}

		lastErr = err
		g.log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", imageMaxAttempts).
			Msg("ошибка генерации картинки")

		if attempt < imageMaxAttempts {
			g.sleep(ctx, backoffDelay(imageBaseDelay, attempt))
		}
	}

	return nil, fmt.Errorf("генерация картинки: %w", lastErr)
}

func (g *Image) attempt(ctx context.Context, prompt string) ([]byte, error) {
	resp, err := g.client.CreateImage(ctx, grok.ImageRequest{Model: g.model, Prompt: prompt})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("ответ без данных картинки")
	}

	data := resp.Data[0]
	switch {
	case data.B64JSON != "":
		img, err := base64.StdEncoding.DecodeString(data.B64JSON)
		if err != nil {
			return nil, fmt.Errorf("декодирование base64: %w", err)
		}
		if !validImageBytes(img) {
			return nil, fmt.Errorf("декодированные данные не похожи на картинку (%d байт)", len(img))
		}
		return img, nil
	case data.URL != "":
		return g.fetch(ctx, data.URL)
	default:
		return nil, fmt.Errorf("в ответе нет ни b64_json, ни url")
	}
}

func (g *Image) fetch(ctx context.Context, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("запрос картинки: %w", err)
	}
	start := time.Now()
	resp, err := g.fetcher.Do(req)
	metrics.ObserveNetworkRequest("grok", "image_download", g.model, start, err)
	if err != nil {
		return nil, fmt.Errorf("скачивание картинки: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("скачивание картинки: статус %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return nil, fmt.Errorf("ожидали image/*, получили %q", contentType)
	}

	img, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("чтение тела картинки: %w", err)
	}
	if !validImageBytes(img) {
		return nil, fmt.Errorf("скачанные данные не похожи на картинку (%d байт)", len(img))
	}
	return img, nil
}

// validImageBytes проверяет magic bytes JPEG, PNG и WebP.
func validImageBytes(img []byte) bool {
	if len(img) < minImageSize {
		return false
	}
	if bytes.HasPrefix(img, []byte{0xff, 0xd8}) { // JPEG
		return true
	}
	if bytes.HasPrefix(img, []byte("\x89PNG\r\n\x1a\n")) { // PNG
		return true
	}
	if bytes.HasPrefix(img, []byte("RIFF")) && len(img) >= 12 && bytes.Equal(img[8:12], []byte("WEBP")) { // WebP
		return true
	}
	return false
}

// IsPNG сообщает, является ли буфер PNG — влияет на имя файла при отправке.
func IsPNG(img []byte) bool {
	return bytes.HasPrefix(img, []byte("\x89PNG\r\n\x1a\n"))
}

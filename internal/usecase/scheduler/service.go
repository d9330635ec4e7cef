// Package scheduler реализует доставку постов по расписанию: минутный тик,
// приоритетную очередь и эластичный пул воркеров.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tg-autopost-bot/internal/domain"
	"tg-autopost-bot/internal/infra/metrics"
)

// dedupTTL ограничивает жизнь ключа защиты от повторной доставки.
const dedupTTL = 2 * time.Minute

// Options настраивают петлю планировщика.
type Options struct {
	MinWorkers     int
	MaxWorkers     int
	ScaleThreshold int
	PopTimeout     time.Duration
	PacingDelay    time.Duration
	IdleCycleLimit int
}

func (o *Options) normalize() {
	if o.MinWorkers <= 0 {
		o.MinWorkers = 3
	}
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = 10
	}
	if o.MaxWorkers < o.MinWorkers {
		o.MaxWorkers = o.MinWorkers
	}
	if o.ScaleThreshold <= 0 {
		o.ScaleThreshold = 5
	}
	if o.PopTimeout <= 0 {
		o.PopTimeout = time.Second
	}
	if o.PacingDelay < 0 {
		o.PacingDelay = 0
	} else if o.PacingDelay == 0 {
		o.PacingDelay = 500 * time.Millisecond
	}
	if o.IdleCycleLimit <= 0 {
		o.IdleCycleLimit = 30
	}
}

// Service — оркестратор доставки. Жизненный цикл: STOPPED -> RUNNING ->
// STOPPED; паузы нет, остановка через отмену контекста финальна для
// экземпляра. Воркеры, финдер и тик-петля общаются только через очередь
// и разделяемые limiter/breaker — дополнительных блокировок приложение
// не вводит.
type Service struct {
	finder *Finder
	queue  *PostQueue
	posts  domain.PostGenerator
	images domain.ImageGenerator
	sender domain.PostSender
	cache  domain.Cache
	opts   Options
	tz     *time.Location
	log    zerolog.Logger

	// mu делает атомарной пару «прочитать активных — добавить воркера».
	mu        sync.Mutex
	active    int
	workerSeq int

	// now подменяется в тестах.
	now func() time.Time
}

// NewService создаёт планировщик. cache может быть nil — тогда защита от
// повторной доставки внутри минуты отключена.
func NewService(finder *Finder, posts domain.PostGenerator, images domain.ImageGenerator, sender domain.PostSender, cache domain.Cache, opts Options, tz *time.Location, log zerolog.Logger) *Service {
	opts.normalize()
	if tz == nil {
		tz = time.UTC
	}
	return &Service{
		finder: finder,
		queue:  NewPostQueue(),
		posts:  posts,
		images: images,
		sender: sender,
		cache:  cache,
		opts:   opts,
		tz:     tz,
		log:    log,
		now:    time.Now,
	}
}

// Run блокируется до отмены ctx. Запускает минимальный пул воркеров,
// выравнивается на границу минуты и дальше раз в секунду проверяет смену
// минуты: секундный опрос держит петлю отзывчивой к остановке, не
// пропуская минутные границы.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info().
		Int("min_workers", s.opts.MinWorkers).
		Int("max_workers", s.opts.MaxWorkers).
		Msg("планировщик запущен")

	s.mu.Lock()
	for i := 0; i < s.opts.MinWorkers; i++ {
		s.spawnWorkerLocked(ctx)
	}
	s.mu.Unlock()

	now := s.now().In(s.tz)
	align := time.Duration(60-now.Second()) * time.Second
	if !sleepCtx(ctx, align) {
		s.log.Info().Msg("планировщик остановлен")
		return nil
	}

	lastMinute := ""
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("планировщик остановлен")
			return nil
		case <-ticker.C:
			minute := s.now().In(s.tz).Format("15:04")
			if minute != lastMinute {
				lastMinute = minute
				// fire-and-forget: долгий тик не задерживает следующий.
				go s.safeProcessTick(ctx, minute)
			}
		}
	}
}

// ActiveWorkers возвращает число живых воркеров.
func (s *Service) ActiveWorkers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// QueueLen возвращает текущую глубину очереди.
func (s *Service) QueueLen() int {
	return s.queue.Len()
}

// safeProcessTick не даёт сбою одного тика уронить петлю: одна плохая
// минута не должна мешать следующей.
func (s *Service) safeProcessTick(ctx context.Context, minute string) {
	defer func() {
		if r := recover(); r != nil {
			metrics.SchedulerTickErrors.Inc()
			s.log.Error().Interface("panic", r).Str("minute", minute).Msg("паника в обработке тика")
		}
	}()
	if err := s.processTick(ctx, minute); err != nil {
		metrics.SchedulerTickErrors.Inc()
		s.log.Error().Err(err).Str("minute", minute).Msg("ошибка обработки тика")
	}
}

func (s *Service) processTick(ctx context.Context, minute string) error {
	due, err := s.finder.FindDue(ctx, s.now())
	if err != nil {
		return fmt.Errorf("тик %s: %w", minute, err)
	}
	for _, post := range due {
		s.queue.Push(post)
	}
	metrics.SchedulerQueueDepth.Set(float64(s.queue.Len()))
	s.scaleUp(ctx)
	return nil
}

// scaleUp доращивает пул до min(max, max(min, qlen/threshold+1)).
// Принудительного сжатия нет: лишние воркеры уходят сами по простою.
func (s *Service) scaleUp(ctx context.Context) {
	desired := s.queue.Len()/s.opts.ScaleThreshold + 1
	if desired < s.opts.MinWorkers {
		desired = s.opts.MinWorkers
	}
	if desired > s.opts.MaxWorkers {
		desired = s.opts.MaxWorkers
	}

	s.mu.Lock()
	spawned := 0
	for s.active < desired {
		s.spawnWorkerLocked(ctx)
		spawned++
	}
	s.mu.Unlock()

	if spawned > 0 {
		s.log.Info().Int("spawned", spawned).Int("desired", desired).Msg("пул воркеров расширен")
	}
}

func (s *Service) spawnWorkerLocked(ctx context.Context) {
	s.workerSeq++
	id := s.workerSeq
	s.active++
	metrics.SchedulerActiveWorkers.Set(float64(s.active))
	// Первые MinWorkers воркеров — несгораемый минимум пула.
	keepAlive := id <= s.opts.MinWorkers
	go s.worker(ctx, id, keepAlive)
}

// worker крутит цикл «достать из очереди — доставить» до остановки.
// Воркер сверх минимума, простоявший IdleCycleLimit таймаутов подряд,
// завершается сам.
func (s *Service) worker(ctx context.Context, id int, keepAlive bool) {
	defer func() {
		s.mu.Lock()
		s.active--
		metrics.SchedulerActiveWorkers.Set(float64(s.active))
		s.mu.Unlock()
		s.log.Debug().Int("worker", id).Msg("воркер завершён")
	}()

	idle := 0
	for {
		if ctx.Err() != nil {
			return
		}
		post, ok := s.queue.Pop(ctx, s.opts.PopTimeout)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			idle++
			if !keepAlive && idle >= s.opts.IdleCycleLimit {
				s.log.Debug().Int("worker", id).Msg("воркер простаивает, самозавершение")
				return
			}
			continue
		}
		idle = 0
		s.processPost(ctx, post)
		// небольшая пауза, чтобы один воркер не бомбил Bot API очередями
		sleepCtx(ctx, s.opts.PacingDelay)
	}
}

// processPost выполняет конвейер доставки одного поста. Любая ошибка и
// даже паника гасятся здесь: плохой канал не должен убить воркера.
func (s *Service) processPost(ctx context.Context, post domain.ScheduledPost) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Interface("panic", r).
				Int64("channel", post.ChannelID).
				Str("job_id", post.JobID).
				Msg("паника при доставке поста")
		}
	}()

	deliver := func() error { return s.deliver(ctx, post) }

	var err error
	if s.cache != nil {
		key := fmt.Sprintf("sent:%d:%d:%s", post.ChannelID, post.Slot, post.DueMinute)
		err = s.cache.Once(key, dedupTTL, deliver)
	} else {
		err = deliver()
	}

	metrics.ObserveDelivery(string(post.Tier), err)
	event := s.log.Info()
	if err != nil {
		event = s.log.Error().Err(err)
	}
	event.
		Int64("channel", post.ChannelID).
		Str("tier", string(post.Tier)).
		Int("slot", post.Slot).
		Str("job_id", post.JobID).
		Msg("итог доставки поста")
}

func (s *Service) deliver(ctx context.Context, post domain.ScheduledPost) error {
	text, err := s.posts.GeneratePost(ctx, post.Topic, post.Tier)
	if err != nil {
		return fmt.Errorf("генерация текста: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("генератор вернул пустой текст")
	}

	if post.Tier == domain.TierPremium && post.WithImage {
		img, imgErr := s.images.GenerateImage(ctx, text)
		switch {
		case imgErr != nil:
			// картинка — best-effort, пост уходит текстом
			s.log.Warn().Err(imgErr).Int64("channel", post.ChannelID).Msg("картинка не получилась, отправляем текст")
		case len(img) > 0:
			if sendErr := s.sender.SendPhoto(ctx, post.ChannelID, img, text); sendErr == nil {
				return nil
			} else {
				s.log.Warn().Err(sendErr).Int64("channel", post.ChannelID).Msg("фото не отправилось, отправляем текст")
			}
		}
	}

	return s.sender.SendText(ctx, post.ChannelID, text)
}

// sleepCtx спит d или до отмены ctx; false — если контекст отменён.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

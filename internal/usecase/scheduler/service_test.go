package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-autopost-bot/internal/domain"
)

type stubGenerator struct {
	mu     sync.Mutex
	byTier map[domain.Tier]int
}

func (g *stubGenerator) GeneratePost(_ context.Context, topic string, tier domain.Tier) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.byTier == nil {
		g.byTier = map[domain.Tier]int{}
	}
	g.byTier[tier]++
	return "пост: " + topic, nil
}

func (g *stubGenerator) calls(tier domain.Tier) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.byTier[tier]
}

type stubImageGen struct {
	mu    sync.Mutex
	img   []byte
	err   error
	count int
}

func (g *stubImageGen) GenerateImage(context.Context, string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.count++
	return g.img, g.err
}

func (g *stubImageGen) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

type sentItem struct {
	channel int64
	photo   bool
}

type stubSender struct {
	mu      sync.Mutex
	failFor map[int64]bool
	sent    []sentItem
}

func (s *stubSender) record(channel int64, photo bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFor[channel] {
		return fmt.Errorf("канал %d недоступен", channel)
	}
	s.sent = append(s.sent, sentItem{channel: channel, photo: photo})
	return nil
}

func (s *stubSender) SendText(_ context.Context, channel int64, _ string) error {
	return s.record(channel, false)
}

func (s *stubSender) SendPhoto(_ context.Context, channel int64, _ []byte, _ string) error {
	return s.record(channel, true)
}

func (s *stubSender) delivered() []sentItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentItem, len(s.sent))
	copy(out, s.sent)
	return out
}

type stubCache struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (c *stubCache) Once(key string, _ time.Duration, fn func() error) error {
	c.mu.Lock()
	if c.seen == nil {
		c.seen = map[string]bool{}
	}
	if c.seen[key] {
		c.mu.Unlock()
		return nil
	}
	c.seen[key] = true
	c.mu.Unlock()
	return fn()
}

func (c *stubCache) Set(string, []byte, time.Duration) error { return nil }
func (c *stubCache) Get(string) ([]byte, error)              { return nil, errors.New("нет значения") }

func standardChannelsDue(n int, hhmm string) []domain.StandardChannel {
	channels := make([]domain.StandardChannel, 0, n)
	for i := 0; i < n; i++ {
		channels = append(channels, domain.StandardChannel{
			OwnerUserID: int64(i),
			ChannelID:   int64(-1000 - i),
			Slots: [domain.MaxStandardSlots]domain.PostSlot{
				{Time: str(hhmm), Topic: str("тема")},
			},
		})
	}
	return channels
}

func newTestService(repo *stubSchedRepo, gen *stubGenerator, img *stubImageGen, sender *stubSender, cache domain.Cache, opts Options) *Service {
	finder := NewFinder(repo, time.UTC, zerolog.Nop())
	if opts.PopTimeout == 0 {
		opts.PopTimeout = 10 * time.Millisecond
	}
	if opts.PacingDelay == 0 {
		opts.PacingDelay = time.Millisecond
	}
	s := NewService(finder, gen, img, sender, cache, opts, time.UTC, zerolog.Nop())
	s.now = func() time.Time { return time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC) }
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("не дождались условия: %s", msg)
}

func TestWorkerSurvivesFailedDelivery(t *testing.T) {
	repo := &stubSchedRepo{standard: standardChannelsDue(2, "10:00")}
	gen := &stubGenerator{}
	sender := &stubSender{failFor: map[int64]bool{-1000: true}}
	s := newTestService(repo, gen, &stubImageGen{}, sender, nil, Options{
		MinWorkers: 1, MaxWorkers: 1, ScaleThreshold: 100, IdleCycleLimit: 1000,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.processTick(ctx, "10:00"); err != nil {
		t.Fatalf("не ожидали ошибку тика: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		for _, item := range sender.delivered() {
			if item.channel == -1001 {
				return true
			}
		}
		return false
	}, "второй пост должен быть доставлен несмотря на сбой первого")

	if gen.calls(domain.TierStandard) != 2 {
		t.Fatalf("генерация должна была выполниться для обоих постов, вызовов %d", gen.calls(domain.TierStandard))
	}
}

func TestElasticScaleUpAndShrink(t *testing.T) {
	repo := &stubSchedRepo{standard: standardChannelsDue(25, "10:00")}
	gen := &stubGenerator{}
	sender := &stubSender{}
	s := newTestService(repo, gen, &stubImageGen{}, sender, nil, Options{
		MinWorkers: 2, MaxWorkers: 10, ScaleThreshold: 5, IdleCycleLimit: 3,
		PopTimeout: 5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.processTick(ctx, "10:00"); err != nil {
		t.Fatalf("не ожидали ошибку тика: %v", err)
	}

	// 25 постов / порог 5 + 1 = 6 воркеров
	if got := s.ActiveWorkers(); got != 6 {
		t.Fatalf("ожидали 6 воркеров после расширения, получили %d", got)
	}

	waitFor(t, 3*time.Second, func() bool { return len(sender.delivered()) == 25 },
		"все 25 постов должны быть доставлены")

	// лишние воркеры уходят сами, минимум остаётся
	waitFor(t, 3*time.Second, func() bool { return s.ActiveWorkers() == 2 },
		"пул должен сжаться до минимума")
}

func TestElasticScaleUpCappedAtMax(t *testing.T) {
	repo := &stubSchedRepo{standard: standardChannelsDue(100, "10:00")}
	s := newTestService(repo, &stubGenerator{}, &stubImageGen{}, &stubSender{}, nil, Options{
		MinWorkers: 2, MaxWorkers: 10, ScaleThreshold: 5, IdleCycleLimit: 1000,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.processTick(ctx, "10:00"); err != nil {
		t.Fatalf("не ожидали ошибку тика: %v", err)
	}
	if got := s.ActiveWorkers(); got != 10 {
		t.Fatalf("пул не должен превышать максимум: получили %d", got)
	}
}

func TestDeliveryScenarioPremiumWithImage(t *testing.T) {
	png := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{1}, 200)...)
	repo := &stubSchedRepo{
		standard: []domain.StandardChannel{{
			ChannelID: -100,
			Slots: [domain.MaxStandardSlots]domain.PostSlot{
				{Time: str("10:00"), Topic: str("food")},
			},
		}},
		premium: []domain.PremiumChannel{{
			ChannelID: -200,
			Slots: func() [domain.MaxPremiumSlots]domain.PremiumSlot {
				var slots [domain.MaxPremiumSlots]domain.PremiumSlot
				slots[2] = domain.PremiumSlot{
					PostSlot:  domain.PostSlot{Time: str("10:00"), Topic: str("sports")},
					WithImage: true,
				}
				return slots
			}(),
		}},
	}
	gen := &stubGenerator{}
	img := &stubImageGen{img: png}
	sender := &stubSender{}
	s := newTestService(repo, gen, img, sender, nil, Options{
		MinWorkers: 1, MaxWorkers: 1, ScaleThreshold: 100, IdleCycleLimit: 1000,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.processTick(ctx, "10:00"); err != nil {
		t.Fatalf("не ожидали ошибку тика: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(sender.delivered()) == 2 },
		"оба поста должны быть доставлены")

	sent := sender.delivered()
	if sent[0].channel != -200 || !sent[0].photo {
		t.Fatalf("первым должен уйти премиум-пост с фото: %+v", sent[0])
	}
	if sent[1].channel != -100 || sent[1].photo {
		t.Fatalf("вторым должен уйти бесплатный пост текстом: %+v", sent[1])
	}
	if gen.calls(domain.TierPremium) != 1 || gen.calls(domain.TierStandard) != 1 {
		t.Fatalf("генератор должен вызываться по разу на тариф")
	}
	if img.calls() != 1 {
		t.Fatalf("картинка генерируется только для премиум-поста, вызовов %d", img.calls())
	}
}

func TestImageFailureFallsBackToText(t *testing.T) {
	repo := &stubSchedRepo{premium: []domain.PremiumChannel{{
		ChannelID: -200,
		Slots: func() [domain.MaxPremiumSlots]domain.PremiumSlot {
			var slots [domain.MaxPremiumSlots]domain.PremiumSlot
			slots[0] = domain.PremiumSlot{
				PostSlot:  domain.PostSlot{Time: str("10:00"), Topic: str("спорт")},
				WithImage: true,
			}
			return slots
		}(),
	}}}
	sender := &stubSender{}
	s := newTestService(repo, &stubGenerator{}, &stubImageGen{err: errors.New("image api down")}, sender, nil, Options{
		MinWorkers: 1, MaxWorkers: 1, ScaleThreshold: 100, IdleCycleLimit: 1000,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.processTick(ctx, "10:00"); err != nil {
		t.Fatalf("не ожидали ошибку тика: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(sender.delivered()) == 1 },
		"пост должен уйти текстом при сбое картинки")
	if sender.delivered()[0].photo {
		t.Fatalf("ожидали текстовую доставку")
	}
}

func TestTickErrorDoesNotStopNextTick(t *testing.T) {
	repo := &stubSchedRepo{err: errors.New("db down")}
	sender := &stubSender{}
	s := newTestService(repo, &stubGenerator{}, &stubImageGen{}, sender, nil, Options{
		MinWorkers: 1, MaxWorkers: 1, ScaleThreshold: 100, IdleCycleLimit: 1000,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// сбойный тик гасится внутри safeProcessTick
	s.safeProcessTick(ctx, "09:59")

	repo.err = nil
	repo.standard = standardChannelsDue(1, "10:00")
	if err := s.processTick(ctx, "10:00"); err != nil {
		t.Fatalf("следующий тик должен работать: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(sender.delivered()) == 1 },
		"пост следующего тика должен быть доставлен")
}

func TestDedupGuardSkipsRepeatDelivery(t *testing.T) {
	sender := &stubSender{}
	s := newTestService(&stubSchedRepo{}, &stubGenerator{}, &stubImageGen{}, sender, &stubCache{}, Options{
		MinWorkers: 1, MaxWorkers: 1, ScaleThreshold: 100, IdleCycleLimit: 1000,
	})

	post := domain.ScheduledPost{
		JobID: "j1", ChannelID: -300, Topic: "тема", Slot: 1,
		Tier: domain.TierStandard, DueMinute: "10:00",
	}

	ctx := context.Background()
	s.processPost(ctx, post)
	s.processPost(ctx, post)

	if got := len(sender.delivered()); got != 1 {
		t.Fatalf("повторная доставка той же минуты должна гаситься, доставок %d", got)
	}
}

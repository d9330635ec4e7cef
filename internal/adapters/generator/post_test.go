package generator

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"tg-autopost-bot/internal/domain"
	"tg-autopost-bot/internal/infra/breaker"
	"tg-autopost-bot/internal/infra/grok"
)

type stubChat struct {
	hasKey bool
	err    error
	text   string
	calls  int
}

func (s *stubChat) CreateChatCompletion(_ context.Context, _ grok.ChatCompletionRequest) (grok.ChatCompletionResponse, error) {
	s.calls++
	if s.err != nil {
		return grok.ChatCompletionResponse{}, s.err
	}
	return grok.ChatCompletionResponse{
		Choices: []grok.ChatCompletionChoice{{Message: grok.ChatMessage{Role: "assistant", Content: s.text}}},
	}, nil
}

func (s *stubChat) HasKey() bool { return s.hasKey }

func newTestPost(client *stubChat, circuit *breaker.Breaker) *Post {
	standard := domain.TierConfig{Model: "grok-3-mini", PromptTemplate: "Тема: {user_words}. Сегодня {today}.", MaxTokens: 250}
	premium := domain.TierConfig{Model: "grok-4-1-fast-reasoning", PromptTemplate: "Тема: {user_words}. Сегодня {today}.", MaxTokens: 400}
	g := NewPost(client, circuit, rate.NewLimiter(rate.Inf, 0), standard, premium, time.UTC, zerolog.Nop())
	g.sleep = func(context.Context, time.Duration) {}
	return g
}

func TestGeneratePostFallbackAfterAllAttempts(t *testing.T) {
	client := &stubChat{hasKey: true, err: fmt.Errorf("api down")}
	circuit := breaker.New("grok_api", 10, time.Minute, zerolog.Nop())
	g := newTestPost(client, circuit)

	text, err := g.GeneratePost(context.Background(), "my topic", domain.TierStandard)
	if err != nil {
		t.Fatalf("генерация не должна возвращать ошибку: %v", err)
	}
	if !strings.Contains(text, "my topic") {
		t.Fatalf("заглушка должна содержать тему, получили %q", text)
	}
	if client.calls != 4 {
		t.Fatalf("ожидали ровно 4 попытки, получили %d", client.calls)
	}
}

func TestGeneratePostWithoutKey(t *testing.T) {
	client := &stubChat{hasKey: false, text: "не должно вернуться"}
	circuit := breaker.New("grok_api", 5, time.Minute, zerolog.Nop())
	g := newTestPost(client, circuit)

	text, err := g.GeneratePost(context.Background(), "еда", domain.TierStandard)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if client.calls != 0 {
		t.Fatalf("без ключа сетевых вызовов быть не должно, получили %d", client.calls)
	}
	if !strings.Contains(text, "еда") {
		t.Fatalf("заглушка должна содержать тему, получили %q", text)
	}
}

func TestGeneratePostSkipsCallWhenCircuitOpen(t *testing.T) {
	client := &stubChat{hasKey: true, text: "не должно вернуться"}
	circuit := breaker.New("grok_api", 3, time.Minute, zerolog.Nop())
	for i := 0; i < 3; i++ {
		circuit.RecordFailure()
	}
	g := newTestPost(client, circuit)

	text, err := g.GeneratePost(context.Background(), "спорт", domain.TierPremium)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if client.calls != 0 {
		t.Fatalf("при открытом circuit сетевых вызовов быть не должно, получили %d", client.calls)
	}
	if !strings.Contains(text, "спорт") {
		t.Fatalf("заглушка должна содержать тему, получили %q", text)
	}
}

func TestGeneratePostTrimsAndRecordsSuccess(t *testing.T) {
	client := &stubChat{hasKey: true, text: "  Готовый пост про футбол.\n"}
	circuit := breaker.New("grok_api", 5, time.Minute, zerolog.Nop())
	circuit.RecordFailure()
	g := newTestPost(client, circuit)

	text, err := g.GeneratePost(context.Background(), "футбол", domain.TierPremium)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if text != "Готовый пост про футбол." {
		t.Fatalf("ожидали обрезанный текст, получили %q", text)
	}
	if client.calls != 1 {
		t.Fatalf("ожидали один вызов, получили %d", client.calls)
	}
	if circuit.Failures() != 0 {
		t.Fatalf("успех должен сбросить счётчик ошибок circuit")
	}
}

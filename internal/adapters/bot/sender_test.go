package bot

import (
	"context"
	"errors"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type stubBot struct {
	errs  []error
	calls int
	sent  []tgbotapi.Chattable
}

func (s *stubBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	s.calls++
	s.sent = append(s.sent, c)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return tgbotapi.Message{}, err
	}
	return tgbotapi.Message{}, nil
}

func newTestSender(b *stubBot) (*Sender, *[]time.Duration) {
	s := NewSender(b, rate.NewLimiter(rate.Inf, 0), zerolog.Nop())
	var slept []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) { slept = append(slept, d) }
	return s, &slept
}

func TestSendTextHonorsRetryAfter(t *testing.T) {
	b := &stubBot{errs: []error{&tgbotapi.Error{
		Code:               429,
		Message:            "Too Many Requests",
		ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: 3},
	}}}
	s, slept := newTestSender(b)

	if err := s.SendText(context.Background(), -100123, "<b>пост</b>"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if b.calls != 2 {
		t.Fatalf("ожидали повтор после rate limit, вызовов %d", b.calls)
	}
	if len(*slept) != 1 || (*slept)[0] != 3*time.Second+retryAfterBuffer {
		t.Fatalf("ожидали паузу retry_after+буфер, получили %v", *slept)
	}
}

func TestSendTextGivesUpAfterRetryCap(t *testing.T) {
	b := &stubBot{errs: []error{
		errors.New("network"),
		errors.New("network"),
		errors.New("network"),
	}}
	s, _ := newTestSender(b)

	if err := s.SendText(context.Background(), -100123, "пост"); err == nil {
		t.Fatalf("после исчерпания повторов ожидали ошибку")
	}
	if b.calls != 3 {
		t.Fatalf("ожидали 3 попытки (1 + 2 повтора), получили %d", b.calls)
	}
}

func TestSendPhotoTruncatesCaption(t *testing.T) {
	b := &stubBot{}
	s, _ := newTestSender(b)

	longCaption := ""
	for i := 0; i < 1100; i++ {
		longCaption += "б"
	}
	img := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 200)...)

	if err := s.SendPhoto(context.Background(), -100123, img, longCaption); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	photo, ok := b.sent[0].(tgbotapi.PhotoConfig)
	if !ok {
		t.Fatalf("ожидали PhotoConfig, получили %T", b.sent[0])
	}
	if got := len([]rune(photo.Caption)); got != 1024 {
		t.Fatalf("подпись должна быть обрезана до 1024 рун, получили %d", got)
	}
	file, ok := photo.File.(tgbotapi.FileBytes)
	if !ok {
		t.Fatalf("ожидали FileBytes, получили %T", photo.File)
	}
	if file.Name != "post_image.png" {
		t.Fatalf("PNG должен отправляться как post_image.png, получили %s", file.Name)
	}
}

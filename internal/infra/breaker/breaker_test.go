package breaker

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestBreaker(threshold int, timeout time.Duration) (*Breaker, *time.Time) {
	b := New("test_api", threshold, timeout, zerolog.Nop())
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return current }
	return b, &current
}

func TestOpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(5, time.Minute)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if b.State() != StateClosed {
		t.Fatalf("после 4 ошибок ожидали CLOSED, получили %v", b.State())
	}
	if !b.CanExecute() {
		t.Fatalf("в CLOSED вызовы должны быть разрешены")
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("после 5 ошибок ожидали OPEN, получили %v", b.State())
	}
	if b.CanExecute() {
		t.Fatalf("в OPEN вызовы должны отклоняться")
	}
}

func TestRecoveryCycle(t *testing.T) {
	b, clock := newTestBreaker(5, time.Minute)

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	if b.CanExecute() {
		t.Fatalf("сразу после открытия вызовы запрещены")
	}

	*clock = clock.Add(61 * time.Second)
	if !b.CanExecute() {
		t.Fatalf("после recovery timeout проба должна быть разрешена")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("ожидали HALF_OPEN, получили %v", b.State())
	}
	if b.CanExecute() {
		t.Fatalf("вторая проба в HALF_OPEN запрещена")
	}

	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("после успешной пробы ожидали CLOSED, получили %v", b.State())
	}
	if b.Failures() != 0 {
		t.Fatalf("счётчик ошибок должен обнулиться, получили %d", b.Failures())
	}
}

func TestProbeFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(3, 30*time.Second)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	*clock = clock.Add(31 * time.Second)
	if !b.CanExecute() {
		t.Fatalf("проба должна быть разрешена")
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("неудачная проба должна вернуть OPEN, получили %v", b.State())
	}

	// Таймер восстановления отсчитывается от последней ошибки заново.
	*clock = clock.Add(29 * time.Second)
	if b.CanExecute() {
		t.Fatalf("до истечения таймаута вызовы запрещены")
	}
	*clock = clock.Add(2 * time.Second)
	if !b.CanExecute() {
		t.Fatalf("после повторного таймаута проба снова разрешена")
	}
}

func TestSuccessResetsFailuresInClosed(t *testing.T) {
	b, _ := newTestBreaker(5, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	if b.Failures() != 0 {
		t.Fatalf("успех в CLOSED должен сбрасывать счётчик, получили %d", b.Failures())
	}

	// После сброса до порога снова нужно 5 подряд.
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if b.State() != StateClosed {
		t.Fatalf("порог не достигнут, ожидали CLOSED")
	}
}

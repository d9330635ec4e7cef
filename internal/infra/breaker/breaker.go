// Package breaker реализует circuit breaker для изоляции нездоровых
// внешних зависимостей. Чистый конечный автомат без I/O: переходы зависят
// только от исходов вызовов и прошедшего времени.
package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tg-autopost-bot/internal/infra/metrics"
)

// State — состояние автомата.
type State int

const (
	// StateClosed — нормальная работа, вызовы разрешены.
	StateClosed State = iota
	// StateOpen — ресурс признан нездоровым, вызовы отклоняются.
	StateOpen
	// StateHalfOpen — режим пробы: разрешён ровно один вызов.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker — один экземпляр на защищаемый ресурс.
// Порог и таймаут восстановления настраиваются на экземпляр, чтобы
// текстовую и картиночную генерацию можно было тюнить независимо.
type Breaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	log              zerolog.Logger

	// now подменяется в тестах.
	now func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	halfOpenCalls int
}

// New создаёт breaker в состоянии CLOSED.
func New(name string, failureThreshold int, recoveryTimeout time.Duration, log zerolog.Logger) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 60 * time.Second
	}
	return &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		log:              log,
		now:              time.Now,
	}
}

// State возвращает текущее состояние. Переход OPEN -> HALF_OPEN ленивый:
// выполняется на любом чтении состояния после истечения recoveryTimeout,
// фонового таймера нет.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() State {
	if b.state == StateOpen && !b.lastFailure.IsZero() &&
		b.now().Sub(b.lastFailure) >= b.recoveryTimeout {
		b.state = StateHalfOpen
		b.halfOpenCalls = 0
		b.publishLocked()
		b.log.Info().Str("circuit", b.name).Msg("circuit: переход в HALF_OPEN")
	}
	return b.state
}

// CanExecute сообщает, разрешён ли вызов ресурса прямо сейчас.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.stateLocked() {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.halfOpenCalls < 1 {
			b.halfOpenCalls++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess фиксирует успешный вызов.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateHalfOpen:
		b.state = StateClosed
		b.failures = 0
		b.publishLocked()
		b.log.Info().Str("circuit", b.name).Msg("circuit: восстановлен, переход в CLOSED")
	case StateClosed:
		b.failures = 0
	}
}

// RecordFailure фиксирует неудачный вызов.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = b.now()

	switch {
	case b.state == StateHalfOpen:
		b.state = StateOpen
		b.publishLocked()
		b.log.Warn().Str("circuit", b.name).Msg("circuit: проба не удалась, возврат в OPEN")
	case b.state == StateClosed && b.failures >= b.failureThreshold:
		b.state = StateOpen
		b.publishLocked()
		b.log.Warn().
			Str("circuit", b.name).
			Int("failures", b.failures).
			Dur("retry_in", b.recoveryTimeout).
			Msg("circuit: порог ошибок достигнут, переход в OPEN")
	}
}

// Failures возвращает текущий счётчик ошибок.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) publishLocked() {
	metrics.SetBreakerState(b.name, int(b.state))
}

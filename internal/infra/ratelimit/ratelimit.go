// Package ratelimit содержит конструкторы token-bucket лимитеров
// для внешних API.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// PerMinute ограничивает вызовы до n за 60-секундное окно.
func PerMinute(n int) *rate.Limiter {
	if n <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), n)
}

// PerSecond ограничивает вызовы до n в секунду.
func PerSecond(n int) *rate.Limiter {
	if n <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(n), n)
}

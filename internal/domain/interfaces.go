package domain

import (
	"context"
	"time"
)

// ScheduleRepo читает конфигурацию каналов из БД.
// Планировщик обращается к хранилищу только на чтение.
type ScheduleRepo interface {
	// ListStandardDue возвращает бесплатные каналы, у которых хотя бы
	// один слот равен минуте hhmm ("HH:MM").
	ListStandardDue(ctx context.Context, hhmm string) ([]StandardChannel, error)
	// ListPremiumDue — то же для премиум-каналов, с флагами картинок.
	ListPremiumDue(ctx context.Context, hhmm string) ([]PremiumChannel, error)
}

// ChannelAdminRepo — операции записи, доступные гейтвею настройки.
type ChannelAdminRepo interface {
	EnsureChannel(ctx context.Context, ownerUserID, channelID int64, tier Tier) error
	ListOwnerChannels(ctx context.Context, ownerUserID int64) ([]OwnedChannel, error)
	UpdateStandardSlot(ctx context.Context, channelID int64, slot int, hhmm, topic string) error
	UpdatePremiumSlot(ctx context.Context, channelID int64, slot int, hhmm, topic string, withImage bool) error
	ClearSlot(ctx context.Context, channelID int64, tier Tier, slot int) error
}

// OwnedChannel — канал в списке владельца.
type OwnedChannel struct {
	ChannelID int64
	Tier      Tier
}

// PostGenerator превращает тему в готовый текст поста.
// Реализация никогда не роняет конвейер: при любых сбоях внешнего API
// возвращается заглушка с темой и nil-ошибка.
type PostGenerator interface {
	GeneratePost(ctx context.Context, topic string, tier Tier) (string, error)
}

// ImageGenerator превращает текст поста в картинку.
// Ошибка или пустой результат означают «картинки не будет» — вызывающий
// обязан отправить пост текстом.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, postText string) ([]byte, error)
}

// PostSender доставляет посты в Telegram-канал.
type PostSender interface {
	SendText(ctx context.Context, channelID int64, html string) error
	SendPhoto(ctx context.Context, channelID int64, image []byte, caption string) error
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Once(key string, ttl time.Duration, fn func() error) error
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
}

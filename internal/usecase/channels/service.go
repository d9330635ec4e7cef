// Package channels управляет настройкой расписания каналов владельцами.
package channels

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"tg-autopost-bot/internal/domain"
)

var (
	ErrSlotOutOfRange = errors.New("номер слота вне диапазона тарифа")
	ErrBadTime        = errors.New("время должно быть в формате HH:MM")
	ErrEmptyTopic     = errors.New("тема поста не может быть пустой")
)

// timeRegex принимает только строгий формат с ведущим нулём: планировщик
// сравнивает времена строкой, "9:30" никогда не совпадёт с "09:30".
var timeRegex = regexp.MustCompile(`^(?:[01][0-9]|2[0-3]):[0-5][0-9]$`)

// Service управляет слотами расписания каналов.
type Service struct {
	repo domain.ChannelAdminRepo
}

// NewService создаёт сервис настройки каналов.
func NewService(repo domain.ChannelAdminRepo) *Service {
	return &Service{repo: repo}
}

// ValidateTime проверяет строку времени "HH:MM".
func ValidateTime(hhmm string) error {
	if !timeRegex.MatchString(hhmm) {
		return fmt.Errorf("%w: %q", ErrBadTime, hhmm)
	}
	return nil
}

func validateSlot(tier domain.Tier, slot int) error {
	max := domain.MaxStandardSlots
	if tier == domain.TierPremium {
		max = domain.MaxPremiumSlots
	}
	if slot < 1 || slot > max {
		return fmt.Errorf("%w: слот %d, допустимо 1..%d", ErrSlotOutOfRange, slot, max)
	}
	return nil
}

// RegisterChannel регистрирует канал за владельцем.
func (s *Service) RegisterChannel(ctx context.Context, ownerUserID, channelID int64, tier domain.Tier) error {
	return s.repo.EnsureChannel(ctx, ownerUserID, channelID, tier)
}

// ListChannels возвращает каналы владельца.
func (s *Service) ListChannels(ctx context.Context, ownerUserID int64) ([]domain.OwnedChannel, error) {
	return s.repo.ListOwnerChannels(ctx, ownerUserID)
}

// SetSlot настраивает слот: время и тему, для премиума — флаг картинки.
func (s *Service) SetSlot(ctx context.Context, channelID int64, tier domain.Tier, slot int, hhmm, topic string, withImage bool) error {
	if err := validateSlot(tier, slot); err != nil {
		return err
	}
	if err := ValidateTime(hhmm); err != nil {
		return err
	}
	if topic == "" {
		return ErrEmptyTopic
	}
	if tier == domain.TierPremium {
		return s.repo.UpdatePremiumSlot(ctx, channelID, slot, hhmm, topic, withImage)
	}
	return s.repo.UpdateStandardSlot(ctx, channelID, slot, hhmm, topic)
}

// ClearSlot освобождает слот расписания.
func (s *Service) ClearSlot(ctx context.Context, channelID int64, tier domain.Tier, slot int) error {
	if err := validateSlot(tier, slot); err != nil {
		return err
	}
	return s.repo.ClearSlot(ctx, channelID, tier, slot)
}

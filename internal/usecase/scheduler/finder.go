package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tg-autopost-bot/internal/domain"
	"tg-autopost-bot/internal/infra/metrics"
)

// Finder отбирает посты, чьё время совпадает с текущей минутой.
// Чтение без побочных эффектов: вызов безопасен, даже если работа
// предыдущего тика ещё не разобрана.
type Finder struct {
	repo domain.ScheduleRepo
	tz   *time.Location
	log  zerolog.Logger
}

// NewFinder создаёт финдер.
func NewFinder(repo domain.ScheduleRepo, tz *time.Location, log zerolog.Logger) *Finder {
	if tz == nil {
		tz = time.UTC
	}
	return &Finder{repo: repo, tz: tz, log: log}
}

// FindDue возвращает дескрипторы постов на минуту, соответствующую now.
// Сравнение времени — строгое строковое равенство "HH:MM". Слот с пустым
// временем или темой никогда не попадает в выборку. Премиум-посты идут
// раньше бесплатных, порядок внутри тарифа сохраняется.
func (f *Finder) FindDue(ctx context.Context, now time.Time) ([]domain.ScheduledPost, error) {
	minute := now.In(f.tz).Format("15:04")

	var due []domain.ScheduledPost

	standard, err := f.repo.ListStandardDue(ctx, minute)
	if err != nil {
		return nil, fmt.Errorf("выборка бесплатных каналов: %w", err)
	}
	for _, ch := range standard {
		for i, slot := range ch.Slots {
			if !slotDue(slot, minute) {
				continue
			}
			due = append(due, domain.ScheduledPost{
				JobID:       uuid.NewString(),
				ChannelID:   ch.ChannelID,
				OwnerUserID: ch.OwnerUserID,
				Topic:       *slot.Topic,
				Slot:        i + 1,
				Tier:        domain.TierStandard,
				DueMinute:   minute,
			})
		}
	}

	premium, err := f.repo.ListPremiumDue(ctx, minute)
	if err != nil {
		return nil, fmt.Errorf("выборка премиум-каналов: %w", err)
	}
	for _, ch := range premium {
		for i, slot := range ch.Slots {
			if !slotDue(slot.PostSlot, minute) {
				continue
			}
			due = append(due, domain.ScheduledPost{
				JobID:       uuid.NewString(),
				ChannelID:   ch.ChannelID,
				OwnerUserID: ch.OwnerUserID,
				Topic:       *slot.Topic,
				Slot:        i + 1,
				Tier:        domain.TierPremium,
				WithImage:   slot.WithImage,
				DueMinute:   minute,
			})
		}
	}

	sort.SliceStable(due, func(i, j int) bool {
		return due[i].Priority() < due[j].Priority()
	})

	if len(due) > 0 {
		premiumCount := 0
		for _, p := range due {
			metrics.PostsDueTotal.WithLabelValues(string(p.Tier)).Inc()
			if p.Tier == domain.TierPremium {
				premiumCount++
			}
		}
		f.log.Info().
			Str("minute", minute).
			Int("total", len(due)).
			Int("premium", premiumCount).
			Int("standard", len(due)-premiumCount).
			Msg("найдены посты по расписанию")
	}

	return due, nil
}

func slotDue(slot domain.PostSlot, minute string) bool {
	return slot.Time != nil && slot.Topic != nil && *slot.Time == minute
}

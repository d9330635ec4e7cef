package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"tg-autopost-bot/internal/domain"
	"tg-autopost-bot/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.ScheduleRepo     = (*Postgres)(nil)
	_ domain.ChannelAdminRepo = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return p.connCtx()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// standardSlotColumns — пары колонок бесплатного тарифа: post1..post3 и theme1..theme3.
func standardSlotColumns() []string {
	cols := make([]string, 0, domain.MaxStandardSlots*2)
	for i := 1; i <= domain.MaxStandardSlots; i++ {
		cols = append(cols, fmt.Sprintf("post%d", i), fmt.Sprintf("theme%d", i))
	}
	return cols
}

func premiumSlotColumns() []string {
	cols := make([]string, 0, domain.MaxPremiumSlots*3)
	for i := 1; i <= domain.MaxPremiumSlots; i++ {
		cols = append(cols, fmt.Sprintf("post%d", i), fmt.Sprintf("theme%d", i), fmt.Sprintf("image%d", i))
	}
	return cols
}

func dueCondition(maxSlots int) string {
	parts := make([]string, 0, maxSlots)
	for i := 1; i <= maxSlots; i++ {
		parts = append(parts, fmt.Sprintf("post%d = $1", i))
	}
	return strings.Join(parts, " OR ")
}

// ListStandardDue возвращает бесплатные каналы, у которых хотя бы один
// слот совпадает с минутой hhmm. Времена хранятся строками "HH:MM",
// сравнение строгое.
func (p *Postgres) ListStandardDue(ctx context.Context, hhmm string) ([]domain.StandardChannel, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	query := fmt.Sprintf(`
SELECT user_id, channel_id, %s
FROM channel
WHERE %s
`, strings.Join(standardSlotColumns(), ", "), dueCondition(domain.MaxStandardSlots))

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, hhmm)
	metrics.ObserveNetworkRequest("postgres", "channel_list_due", "channel", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []domain.StandardChannel
	for rows.Next() {
		var (
			ch    domain.StandardChannel
			times [domain.MaxStandardSlots]sql.NullString
			topic [domain.MaxStandardSlots]sql.NullString
		)
		dest := []any{&ch.OwnerUserID, &ch.ChannelID}
		for i := 0; i < domain.MaxStandardSlots; i++ {
			dest = append(dest, &times[i], &topic[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		for i := 0; i < domain.MaxStandardSlots; i++ {
			ch.Slots[i] = domain.PostSlot{
				Time:  nullableString(times[i]),
				Topic: nullableString(topic[i]),
			}
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// ListPremiumDue — то же для премиум-каналов, с флагами картинок.
func (p *Postgres) ListPremiumDue(ctx context.Context, hhmm string) ([]domain.PremiumChannel, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	query := fmt.Sprintf(`
SELECT user_id, channel_id, %s
FROM premium_channel
WHERE %s
`, strings.Join(premiumSlotColumns(), ", "), dueCondition(domain.MaxPremiumSlots))

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, hhmm)
	metrics.ObserveNetworkRequest("postgres", "premium_channel_list_due", "premium_channel", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []domain.PremiumChannel
	for rows.Next() {
		var (
			ch    domain.PremiumChannel
			times [domain.MaxPremiumSlots]sql.NullString
			topic [domain.MaxPremiumSlots]sql.NullString
			image [domain.MaxPremiumSlots]sql.NullBool
		)
		dest := []any{&ch.OwnerUserID, &ch.ChannelID}
		for i := 0; i < domain.MaxPremiumSlots; i++ {
			dest = append(dest, &times[i], &topic[i], &image[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		for i := 0; i < domain.MaxPremiumSlots; i++ {
			ch.Slots[i] = domain.PremiumSlot{
				PostSlot: domain.PostSlot{
					Time:  nullableString(times[i]),
					Topic: nullableString(topic[i]),
				},
				WithImage: image[i].Valid && image[i].Bool,
			}
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

func nullableString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := strings.TrimSpace(v.String)
	if s == "" {
		return nil
	}
	return &s
}

func tableForTier(tier domain.Tier) (string, int, error) {
	switch tier {
	case domain.TierStandard:
		return "channel", domain.MaxStandardSlots, nil
	case domain.TierPremium:
		return "premium_channel", domain.MaxPremiumSlots, nil
	default:
		return "", 0, fmt.Errorf("неизвестный тариф %q", tier)
	}
}

// EnsureChannel создаёт запись канала, если её ещё нет.
func (p *Postgres) EnsureChannel(ctx context.Context, ownerUserID, channelID int64, tier domain.Tier) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	table, _, err := tableForTier(tier)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
INSERT INTO %s (user_id, channel_id)
VALUES ($1, $2)
ON CONFLICT (channel_id) DO NOTHING
`, table)

	start := time.Now()
	_, err = p.pool.Exec(ctx, query, ownerUserID, channelID)
	metrics.ObserveNetworkRequest("postgres", table+"_ensure", table, start, err)
	return err
}

// ListOwnerChannels возвращает каналы владельца из обоих тарифов.
func (p *Postgres) ListOwnerChannels(ctx context.Context, ownerUserID int64) ([]domain.OwnedChannel, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT channel_id, 'standard' AS tier FROM channel WHERE user_id = $1
UNION ALL
SELECT channel_id, 'premium' AS tier FROM premium_channel WHERE user_id = $1
ORDER BY channel_id
`, ownerUserID)
	metrics.ObserveNetworkRequest("postgres", "channels_list_owner", "channel", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []domain.OwnedChannel
	for rows.Next() {
		var (
			ch   domain.OwnedChannel
			tier string
		)
		if err := rows.Scan(&ch.ChannelID, &tier); err != nil {
			return nil, err
		}
		ch.Tier = domain.Tier(tier)
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// UpdateStandardSlot записывает время и тему слота бесплатного канала.
func (p *Postgres) UpdateStandardSlot(ctx context.Context, channelID int64, slot int, hhmm, topic string) error {
	if slot < 1 || slot > domain.MaxStandardSlots {
		return fmt.Errorf("слот %d вне диапазона 1..%d", slot, domain.MaxStandardSlots)
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	// номер слота провалидирован выше, подстановка в имена колонок безопасна
	query := fmt.Sprintf(`UPDATE channel SET post%d = $2, theme%d = $3 WHERE channel_id = $1`, slot, slot)

	start := time.Now()
	_, err := p.pool.Exec(ctx, query, channelID, hhmm, topic)
	metrics.ObserveNetworkRequest("postgres", "channel_update_slot", "channel", start, err)
	return err
}

// UpdatePremiumSlot записывает время, тему и флаг картинки слота премиум-канала.
func (p *Postgres) UpdatePremiumSlot(ctx context.Context, channelID int64, slot int, hhmm, topic string, withImage bool) error {
	if slot < 1 || slot > domain.MaxPremiumSlots {
		return fmt.Errorf("слот %d вне диапазона 1..%d", slot, domain.MaxPremiumSlots)
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	query := fmt.Sprintf(`UPDATE premium_channel SET post%d = $2, theme%d = $3, image%d = $4 WHERE channel_id = $1`, slot, slot, slot)

	start := time.Now()
	_, err := p.pool.Exec(ctx, query, channelID, hhmm, topic, withImage)
	metrics.ObserveNetworkRequest("postgres", "premium_channel_update_slot", "premium_channel", start, err)
	return err
}

// ClearSlot сбрасывает слот: время и тема становятся NULL, флаг картинки — false.
func (p *Postgres) ClearSlot(ctx context.Context, channelID int64, tier domain.Tier, slot int) error {
	table, maxSlots, err := tableForTier(tier)
	if err != nil {
		return err
	}
	if slot < 1 || slot > maxSlots {
		return fmt.Errorf("слот %d вне диапазона 1..%d", slot, maxSlots)
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var query string
	if tier == domain.TierPremium {
		query = fmt.Sprintf(`UPDATE premium_channel SET post%d = NULL, theme%d = NULL, image%d = false WHERE channel_id = $1`, slot, slot, slot)
	} else {
		query = fmt.Sprintf(`UPDATE channel SET post%d = NULL, theme%d = NULL WHERE channel_id = $1`, slot, slot)
	}

	start := time.Now()
	_, err = p.pool.Exec(ctx, query, channelID)
	metrics.ObserveNetworkRequest("postgres", table+"_clear_slot", table, start, err)
	return err
}

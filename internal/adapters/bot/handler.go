package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-autopost-bot/internal/domain"
	"tg-autopost-bot/internal/usecase/channels"
)

// Handler обслуживает вебхук бота: регистрация каналов и настройка
// слотов расписания.
type Handler struct {
	bot       *tgbotapi.BotAPI
	log       zerolog.Logger
	channelUC *channels.Service
}

// NewHandler создаёт обработчик.
func NewHandler(bot *tgbotapi.BotAPI, log zerolog.Logger, channelUC *channels.Service) *Handler {
	return &Handler{bot: bot, log: log, channelUC: channelUC}
}

// HandleUpdate обрабатывает входящий апдейт.
func (h *Handler) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	if upd.Message != nil {
		h.handleMessage(ctx, upd.Message)
	}
}

func (h *Handler) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	switch {
	case strings.HasPrefix(text, "/start"):
		h.reply(msg.Chat.ID, h.buildStartMessage())
	case strings.HasPrefix(text, "/help"):
		h.reply(msg.Chat.ID, h.buildHelpMessage())
	case strings.HasPrefix(text, "/register"):
		payload := strings.TrimSpace(strings.TrimPrefix(text, "/register"))
		h.handleRegister(ctx, msg, payload)
	case strings.HasPrefix(text, "/channels"):
		h.handleList(ctx, msg)
	case strings.HasPrefix(text, "/set_slot"):
		payload := strings.TrimSpace(strings.TrimPrefix(text, "/set_slot"))
		h.handleSetSlot(ctx, msg, payload)
	case strings.HasPrefix(text, "/clear_slot"):
		payload := strings.TrimSpace(strings.TrimPrefix(text, "/clear_slot"))
		h.handleClearSlot(ctx, msg, payload)
	default:
		h.reply(msg.Chat.ID, "Неизвестная команда. Используйте /help")
	}
}

func (h *Handler) buildStartMessage() string {
	return "Привет! Я публикую посты в ваши каналы по расписанию.\n\n" +
		"Зарегистрируйте канал командой /register и настройте слоты командой /set_slot.\n" +
		"Полный список команд — /help"
}

func (h *Handler) buildHelpMessage() string {
	return strings.Join([]string{
		"/register <id канала> <standard|premium> — зарегистрировать канал",
		"/channels — список ваших каналов",
		"/set_slot <id канала> <слот> <HH:MM> <тема> [+image] — настроить слот",
		"/clear_slot <id канала> <слот> — освободить слот",
		"",
		fmt.Sprintf("Бесплатный тариф: %d слота в день. Премиум: %d слотов, посты с картинками.",
			domain.MaxStandardSlots, domain.MaxPremiumSlots),
		"Время указывается строго в формате HH:MM, например 09:30.",
	}, "\n")
}

func (h *Handler) handleRegister(ctx context.Context, msg *tgbotapi.Message, payload string) {
	if msg.From == nil {
		h.reply(msg.Chat.ID, "Не удалось определить пользователя")
		return
	}
	fields := strings.Fields(payload)
	if len(fields) != 2 {
		h.reply(msg.Chat.ID, "Формат: /register <id канала> <standard|premium>")
		return
	}
	channelID, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		h.reply(msg.Chat.ID, "Некорректный id канала")
		return
	}
	tier := domain.Tier(strings.ToLower(fields[1]))
	if tier != domain.TierStandard && tier != domain.TierPremium {
		h.reply(msg.Chat.ID, "Тариф должен быть standard или premium")
		return
	}
	if err := h.channelUC.RegisterChannel(ctx, msg.From.ID, channelID, tier); err != nil {
		h.log.Error().Err(err).Int64("channel", channelID).Msg("регистрация канала не удалась")
		h.reply(msg.Chat.ID, "Не удалось зарегистрировать канал, попробуйте позже")
		return
	}
	h.reply(msg.Chat.ID, fmt.Sprintf("Канал %d зарегистрирован (%s)", channelID, tier))
}

func (h *Handler) handleList(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		h.reply(msg.Chat.ID, "Не удалось определить пользователя")
		return
	}
	owned, err := h.channelUC.ListChannels(ctx, msg.From.ID)
	if err != nil {
		h.log.Error().Err(err).Int64("user", msg.From.ID).Msg("не удалось получить каналы пользователя")
		h.reply(msg.Chat.ID, "Не удалось получить список каналов, попробуйте позже")
		return
	}
	if len(owned) == 0 {
		h.reply(msg.Chat.ID, "У вас пока нет каналов. Добавьте первый командой /register")
		return
	}
	var b strings.Builder
	for i, ch := range owned {
		b.WriteString(fmt.Sprintf("%d. %d — %s\n", i+1, ch.ChannelID, ch.Tier))
	}
	h.reply(msg.Chat.ID, b.String())
}

// handleSetSlot разбирает "/set_slot <id> <слот> <HH:MM> <тема...> [+image]".
func (h *Handler) handleSetSlot(ctx context.Context, msg *tgbotapi.Message, payload string) {
	if msg.From == nil {
		h.reply(msg.Chat.ID, "Не удалось определить пользователя")
		return
	}
	fields := strings.Fields(payload)
	if len(fields) < 4 {
		h.reply(msg.Chat.ID, "Формат: /set_slot <id канала> <слот> <HH:MM> <тема> [+image]")
		return
	}
	channelID, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		h.reply(msg.Chat.ID, "Некорректный id канала")
		return
	}
	slot, err := strconv.Atoi(fields[1])
	if err != nil {
		h.reply(msg.Chat.ID, "Некорректный номер слота")
		return
	}
	hhmm := fields[2]
	topicWords := fields[3:]
	withImage := false
	if last := topicWords[len(topicWords)-1]; last == "+image" {
		withImage = true
		topicWords = topicWords[:len(topicWords)-1]
	}
	topic := strings.Join(topicWords, " ")

	tier, ok := h.ownedTier(ctx, msg.From.ID, channelID)
	if !ok {
		h.reply(msg.Chat.ID, "Канал не найден среди ваших. Сначала /register")
		return
	}
	if withImage && tier != domain.TierPremium {
		h.reply(msg.Chat.ID, "Картинки доступны только на премиум-тарифе")
		return
	}

	if err := h.channelUC.SetSlot(ctx, channelID, tier, slot, hhmm, topic, withImage); err != nil {
		switch {
		case errors.Is(err, channels.ErrSlotOutOfRange):
			h.reply(msg.Chat.ID, fmt.Sprintf("Слот вне диапазона вашего тарифа (%s)", tier))
		case errors.Is(err, channels.ErrBadTime):
			h.reply(msg.Chat.ID, "Время указывается в формате HH:MM, например 09:30")
		case errors.Is(err, channels.ErrEmptyTopic):
			h.reply(msg.Chat.ID, "Укажите тему поста")
		default:
			h.log.Error().Err(err).Int64("channel", channelID).Msg("настройка слота не удалась")
			h.reply(msg.Chat.ID, "Не удалось сохранить слот, попробуйте позже")
		}
		return
	}
	confirm := fmt.Sprintf("Слот %d канала %d: %s, тема «%s»", slot, channelID, hhmm, topic)
	if withImage {
		confirm += ", с картинкой"
	}
	h.reply(msg.Chat.ID, confirm)
}

func (h *Handler) handleClearSlot(ctx context.Context, msg *tgbotapi.Message, payload string) {
	if msg.From == nil {
		h.reply(msg.Chat.ID, "Не удалось определить пользователя")
		return
	}
	fields := strings.Fields(payload)
	if len(fields) != 2 {
		h.reply(msg.Chat.ID, "Формат: /clear_slot <id канала> <слот>")
		return
	}
	channelID, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		h.reply(msg.Chat.ID, "Некорректный id канала")
		return
	}
	slot, err := strconv.Atoi(fields[1])
	if err != nil {
		h.reply(msg.Chat.ID, "Некорректный номер слота")
		return
	}
	tier, ok := h.ownedTier(ctx, msg.From.ID, channelID)
	if !ok {
		h.reply(msg.Chat.ID, "Канал не найден среди ваших. Сначала /register")
		return
	}
	if err := h.channelUC.ClearSlot(ctx, channelID, tier, slot); err != nil {
		if errors.Is(err, channels.ErrSlotOutOfRange) {
			h.reply(msg.Chat.ID, fmt.Sprintf("Слот вне диапазона вашего тарифа (%s)", tier))
			return
		}
		h.log.Error().Err(err).Int64("channel", channelID).Msg("сброс слота не удался")
		h.reply(msg.Chat.ID, "Не удалось освободить слот, попробуйте позже")
		return
	}
	h.reply(msg.Chat.ID, fmt.Sprintf("Слот %d канала %d освобождён", slot, channelID))
}

// ownedTier находит тариф канала в списке владельца.
func (h *Handler) ownedTier(ctx context.Context, userID, channelID int64) (domain.Tier, bool) {
	owned, err := h.channelUC.ListChannels(ctx, userID)
	if err != nil {
		h.log.Error().Err(err).Int64("user", userID).Msg("не удалось получить каналы пользователя")
		return "", false
	}
	for _, ch := range owned {
		if ch.ChannelID == channelID {
			return ch.Tier, true
		}
	}
	return "", false
}

func (h *Handler) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := h.bot.Send(msg); err != nil {
		h.log.Error().Err(err).Int64("chat", chatID).Msg("не удалось отправить ответ")
	}
}

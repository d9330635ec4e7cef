package domain

// Tier определяет уровень обслуживания канала.
type Tier string

const (
	// TierStandard — бесплатный тариф: 3 слота, компактная модель, без картинок.
	TierStandard Tier = "standard"
	// TierPremium — платный тариф: 15 слотов, усиленная модель, картинки по флагу.
	TierPremium Tier = "premium"
)

const (
	// MaxStandardSlots — число слотов на бесплатном тарифе.
	MaxStandardSlots = 3
	// MaxPremiumSlots — число слотов на премиум-тарифе.
	MaxPremiumSlots = 15
)

// Приоритеты очереди: премиум обрабатывается раньше.
const (
	PriorityPremium  = 0
	PriorityStandard = 1
)

// ScheduledPost описывает один пост, подошедший по расписанию.
// Живёт только в памяти: собирается финдером на каждом тике и
// уничтожается воркером после доставки.
type ScheduledPost struct {
	JobID       string
	ChannelID   int64
	OwnerUserID int64
	Topic       string
	Slot        int
	Tier        Tier
	WithImage   bool
	DueMinute   string
}

// Priority возвращает ключ сортировки очереди.
func (p ScheduledPost) Priority() int {
	if p.Tier == TierPremium {
		return PriorityPremium
	}
	return PriorityStandard
}

// PostSlot хранит настройку одного слота канала.
// Время в формате "HH:MM"; nil означает «слот не настроен».
type PostSlot struct {
	Time  *string
	Topic *string
}

// StandardChannel — строка таблицы channel с тремя слотами.
type StandardChannel struct {
	OwnerUserID int64
	ChannelID   int64
	Slots       [MaxStandardSlots]PostSlot
}

// PremiumSlot дополняет слот флагом генерации картинки.
type PremiumSlot struct {
	PostSlot
	WithImage bool
}

// PremiumChannel — строка таблицы premium_channel с пятнадцатью слотами.
type PremiumChannel struct {
	OwnerUserID int64
	ChannelID   int64
	Slots       [MaxPremiumSlots]PremiumSlot
}

// TierConfig объединяет параметры генерации, зависящие от тарифа.
type TierConfig struct {
	Model          string
	PromptTemplate string
	MaxTokens      int
	MaxSlots       int
}

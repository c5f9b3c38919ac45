package domain

import (
	"context"
	"time"
)

// SessionStore: долговременное хранилище сессий покупателей.
type SessionStore interface {
	// Load возвращает сессию или ErrSessionNotFound.
	Load(ctx context.Context, sessionID string) (Session, error)
	// Save перезаписывает сессию целиком (last write wins) и обновляет UpdatedAt.
	Save(ctx context.Context, session Session) error
}

// CachedCart: содержимое клиентского кэша. Любая из частей может отсутствовать.
type CachedCart struct {
	Cart     []CartLine
	Customer *CustomerSnapshot
	SavedAt  time.Time
}

// Empty сообщает, что в кэше нет ни корзины, ни контактов.
func (c CachedCart) Empty() bool {
	return c.Cart == nil && c.Customer == nil
}

// ClientCache: локальная копия корзины и контактов. Источником истины не является.
type ClientCache interface {
	// LoadLocal возвращает сохранённую копию или ErrCacheMiss (в том числе для устаревших записей).
	LoadLocal(ctx context.Context, sessionID string) (CachedCart, error)
	// SaveLocal сохраняет корзину и контакты.
	SaveLocal(ctx context.Context, sessionID string, cart []CartLine, customer CustomerSnapshot) error
}

// InventoryReader отдаёт текущий остаток по ключу варианта (или товара без вариантов).
type InventoryReader interface {
	// Available возвращает доступное количество; неизвестный ключ означает нулевой остаток.
	Available(ctx context.Context, variantID string) (int, error)
}

// VersionStore: append-only хранилище версий заказа с указателем на текущую версию.
type VersionStore interface {
	// Append сохраняет первую версию и делает её текущей. ErrOrderNumberTaken, если базовый номер занят.
	Append(ctx context.Context, order Order) error
	// Get возвращает любую версию по её идентификатору.
	Get(ctx context.Context, versionID string) (Order, error)
	// CurrentFor возвращает текущую версию заказа.
	CurrentFor(ctx context.Context, baseOrderNumber string) (Order, error)
	// HistoryFor возвращает вытесненные версии, начиная с самой свежей. Текущая версия не входит.
	HistoryFor(ctx context.Context, baseOrderNumber string) ([]Order, error)
	// SwapCurrent атомарно сохраняет next и переносит на неё указатель, если текущая версия
	// всё ещё expectedCurrentID. Иначе ErrVersionConflict без частичных изменений.
	SwapCurrent(ctx context.Context, baseOrderNumber, expectedCurrentID string, next Order) error
	// ListCurrent возвращает текущие версии заказов, новые первыми.
	ListCurrent(ctx context.Context, limit int) ([]Order, error)
}

// OutboxPublisher доставляет сообщение outbox во внешний брокер.
type OutboxPublisher interface {
	Publish(ctx context.Context, msg OutboxMessage) error
}

// OutboxRepository: transactional outbox событий заказа. Сообщение проходит путь
// pending -> sent или pending -> dead; между неудачными попытками оно остаётся pending
// с отодвинутым NextAttemptAt.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	// Pending возвращает до limit pending-сообщений в порядке создания, в том числе отложенные.
	Pending(ctx context.Context, limit int) ([]OutboxMessage, error)
	MarkSent(ctx context.Context, id string) error
	// Retry засчитывает неудачную попытку и откладывает сообщение до next.
	Retry(ctx context.Context, id string, next time.Time, cause string) error
	// Bury засчитывает последнюю попытку и переводит сообщение в dead.
	Bury(ctx context.Context, id string, cause string) error
	Stats(ctx context.Context) (OutboxStats, error)
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	// Append сохраняет событие и возвращает его с присвоенным Seq.
	Append(ctx context.Context, event TimelineEvent) (TimelineEvent, error)
	// List возвращает историю по базовому номеру: по Occurred, при равенстве по Seq.
	List(ctx context.Context, orderID string) ([]TimelineEvent, error)
}

// IdempotencyRepository хранит ключи Idempotency-Key для POST /orders.
type IdempotencyRepository interface {
	// Reserve занимает ключ под запрос с данным отпечатком. Если ключ жив, возвращает
	// существующую запись и ErrIdempotencyKeyTaken (тот же запрос) или ErrIdempotencyHashMismatch.
	// Просроченный ключ занимается заново.
	Reserve(ctx context.Context, key, fingerprint string, expiresAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	// Complete сохраняет ответ и переводит ключ в completed.
	Complete(ctx context.Context, key string, response StoredResponse) error
	// Release освобождает ключ, ответ которого сохранять нельзя. Отсутствующий ключ не ошибка.
	Release(ctx context.Context, key string) error
	// PurgeExpired удаляет не более limit записей с ExpiresAt <= before; limit <= 0: все.
	PurgeExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// OutboxMessage: событие, ожидающее публикации.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time

	Attempts      int
	NextAttemptAt time.Time
	LastError     string
}

// Due сообщает, можно ли публиковать сообщение в момент now.
func (m OutboxMessage) Due(now time.Time) bool {
	return !m.NextAttemptAt.After(now)
}

// OutboxStats: размер очереди outbox.
type OutboxStats struct {
	Pending         int
	Dead            int
	OldestPendingAt time.Time
}

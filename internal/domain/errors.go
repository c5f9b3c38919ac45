package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSessionIDRequired: не передан идентификатор сессии.
	ErrSessionIDRequired = errors.New("session_id is required")
	// ErrSessionNotFound: сессии ещё нет; для корзины это сигнал создать новую, а не ошибка.
	ErrSessionNotFound = errors.New("session not found")
	// ErrPersistenceUnavailable: хранилище недоступно.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
	// ErrCacheMiss: в клиентском кэше нет записи или она устарела.
	ErrCacheMiss = errors.New("client cache miss")

	// Ошибка отсутствующего идентификатора товара в строке.
	ErrProductRequired = errors.New("product_id is required")
	// Ошибка при некорректном количестве товара (< 1).
	ErrItemQtyInvalid = errors.New("item quantity must be greater than zero")
	// Ошибка, если цена позиции отрицательная.
	ErrItemPriceInvalid = errors.New("item price must be non-negative")
	// ErrLineNotFound: строки с таким ключом нет в корзине или заказе.
	ErrLineNotFound = errors.New("line not found")
	// ErrNewLineIncomplete: новая строка заказа без названия товара.
	ErrNewLineIncomplete = errors.New("new line requires product_id and product_name")
	// ErrDuplicateLine: в полном списке строк один ключ встречается дважды.
	ErrDuplicateLine = errors.New("duplicate line key")

	// ErrEmptyCart: попытка оформить пустую корзину.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrContactRequired: у покупателя нет ни email, ни телефона.
	ErrContactRequired = errors.New("customer email or phone is required")
	// ErrTotalMismatch: сумма не совпадает с суммой строк.
	ErrTotalMismatch = errors.New("total amount does not match items sum")
	// Ошибка отсутствия хотя бы одного товара в заказе.
	ErrItemsRequired = errors.New("order must contain at least one item")

	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderNumberTaken: базовый номер заказа уже занят.
	ErrOrderNumberTaken = errors.New("order number already taken")
	// ErrVersionConflict: текущая версия сменилась между чтением и записью.
	ErrVersionConflict = errors.New("order version conflict")
	// ErrBaseOrderNumberRequired: у версии нет базового номера.
	ErrBaseOrderNumberRequired = errors.New("base_order_number is required")
	// ErrVersionInvalid: номер версии меньше единицы.
	ErrVersionInvalid = errors.New("version must be at least 1")
	// ErrOrderNumberMismatch: отображаемый номер не соответствует базовому номеру и версии.
	ErrOrderNumberMismatch = errors.New("order_number does not match base number and version")
	// ErrVersionChainBroken: нарушена связь версии с предыдущей.
	ErrVersionChainBroken = errors.New("order version chain is broken")

	// ErrMissingEditReason: правка заказа без причины.
	ErrMissingEditReason = errors.New("edit reason is required")
	// ErrNoChanges: правка не меняет ни строк, ни статуса.
	ErrNoChanges = errors.New("revision does not change the order")
	// ErrOrderFinalized: заказ в финальном статусе, правки запрещены политикой.
	ErrOrderFinalized = errors.New("order is in a terminal status")
	// ErrInvalidStatus: неизвестный статус.
	ErrInvalidStatus = errors.New("invalid order status")
	// ErrInvalidTransition: переход статуса не разрешён.
	ErrInvalidTransition = errors.New("order status transition is not allowed")

	// ErrInsufficientInventory: на складе недостаточно товара.
	ErrInsufficientInventory = errors.New("insufficient inventory")
	// ErrTimelineEventInvalid: событие истории без номера заказа или типа.
	ErrTimelineEventInvalid = errors.New("timeline event requires order_id and type")
	// ErrConcurrentModification: заказ изменили параллельно; правку нужно повторить вручную.
	ErrConcurrentModification = errors.New("order was modified concurrently")

	// ErrUnauthorized: запрос без допустимых учётных данных.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrOutboxPublish: брокер не принял сообщение outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
	// ErrOutboxMessageNotFound: сообщения нет или оно уже не pending.
	ErrOutboxMessageNotFound = errors.New("outbox message not found")

	// ErrIdempotencyKeyRequired: пустой ключ идемпотентности.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyFingerprintRequired: пустой отпечаток запроса.
	ErrIdempotencyFingerprintRequired = errors.New("idempotency request fingerprint is required")
	// ErrIdempotencyKeyTaken: ключ уже занят тем же запросом.
	ErrIdempotencyKeyTaken = errors.New("idempotency key is already taken")
	// ErrIdempotencyHashMismatch: ключ уже использован другим запросом.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request")
	// ErrIdempotencyKeyNotFound: ключ не найден или уже освобождён.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
)

// Shortage описывает одну строку, для которой не хватает остатка.
type Shortage struct {
	VariantID string `json:"variant_id"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

// InsufficientInventoryError перечисляет все строки с нехваткой остатка.
type InsufficientInventoryError struct {
	Shortages []Shortage
}

func (e *InsufficientInventoryError) Error() string {
	parts := make([]string, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		parts = append(parts, fmt.Sprintf("%s (requested %d, available %d)", s.VariantID, s.Requested, s.Available))
	}
	return "insufficient inventory: " + strings.Join(parts, ", ")
}

// Is делает ошибку совместимой с errors.Is(err, ErrInsufficientInventory).
func (e *InsufficientInventoryError) Is(target error) bool {
	return target == ErrInsufficientInventory
}

// ConcurrentModificationError возвращается, когда swapCurrent проиграл гонку.
type ConcurrentModificationError struct {
	BaseOrderNumber string
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("order %s was modified concurrently", e.BaseOrderNumber)
}

// Is делает ошибку совместимой с errors.Is(err, ErrConcurrentModification).
func (e *ConcurrentModificationError) Is(target error) bool {
	return target == ErrConcurrentModification
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrConcurrentModification)
}

// IsValidation сообщает, что ошибка вызвана некорректными входными данными.
func IsValidation(err error) bool {
	for _, target := range []error{
		ErrSessionIDRequired, ErrProductRequired, ErrItemQtyInvalid, ErrItemPriceInvalid,
		ErrNewLineIncomplete, ErrDuplicateLine, ErrEmptyCart, ErrContactRequired, ErrTotalMismatch,
		ErrItemsRequired, ErrMissingEditReason, ErrNoChanges, ErrInvalidStatus, ErrInvalidTransition,
		ErrLineNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

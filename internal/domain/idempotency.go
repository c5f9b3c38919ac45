package domain

import "time"

// IdempotencyStatus: состояние ключа Idempotency-Key.
type IdempotencyStatus string

const (
	// IdempotencyStatusProcessing: заказ по ключу ещё оформляется.
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	// IdempotencyStatusCompleted: ответ сохранён и повторяется для того же запроса.
	IdempotencyStatusCompleted IdempotencyStatus = "completed"
)

// Valid проверяет, что статус известен.
func (s IdempotencyStatus) Valid() bool {
	return s == IdempotencyStatusProcessing || s == IdempotencyStatusCompleted
}

// StoredResponse: ответ, сохранённый под ключом.
type StoredResponse struct {
	StatusCode int
	Body       []byte
}

// IdempotencyRecord связывает Idempotency-Key с отпечатком запроса и его ответом.
type IdempotencyRecord struct {
	Key         string
	Fingerprint string
	Status      IdempotencyStatus
	Response    StoredResponse
	ExpiresAt   time.Time
	CreatedAt   time.Time
	CompletedAt time.Time
}

// Expired сообщает, что ключ можно занять заново.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// Replayable сообщает, что ответ уже сохранён и его можно вернуть повторно.
func (r IdempotencyRecord) Replayable() bool {
	return r.Status == IdempotencyStatusCompleted && r.Response.StatusCode != 0
}

// Clone возвращает копию без общих срезов.
func (r IdempotencyRecord) Clone() IdempotencyRecord {
	r.Response.Body = append([]byte(nil), r.Response.Body...)
	return r
}

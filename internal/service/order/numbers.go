package order

import (
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NumberGenerator выдаёт кандидата в базовые номера заказа.
type NumberGenerator func(now time.Time) string

// ULIDNumbers формирует номер вида ORD-20260316-7ZQK3M1XA9: дата и случайная часть ULID.
func ULIDNumbers(now time.Time) string {
	id := ulid.Make().String()
	return "ORD-" + now.UTC().Format("20060102") + "-" + id[len(id)-10:]
}

// IDGenerator выдаёт идентификаторы версий.
type IDGenerator func() string

func newVersionID() string {
	return uuid.NewString()
}

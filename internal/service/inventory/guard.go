package inventory

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
)

// Availability: результат проверки одного варианта.
type Availability struct {
	OK        bool
	Available int
}

// Request: запрос на проверку одной строки.
type Request struct {
	VariantID string
	Requested int
}

// Guard проверяет остатки только на чтение: ничего не резервирует и не списывает.
type Guard struct {
	reader domain.InventoryReader
	logger *log.Entry
}

// NewGuard создаёт Guard поверх источника остатков.
func NewGuard(reader domain.InventoryReader, logger *log.Entry) *Guard {
	if logger == nil {
		logger = log.WithField("component", "inventory-guard")
	}
	return &Guard{reader: reader, logger: logger}
}

// CheckAvailable сравнивает запрошенное количество с текущим остатком.
func (g *Guard) CheckAvailable(ctx context.Context, variantID string, requested int) (Availability, error) {
	available, err := g.reader.Available(ctx, variantID)
	if err != nil {
		return Availability{}, fmt.Errorf("read inventory for %s: %w", variantID, err)
	}
	return Availability{OK: requested <= available, Available: available}, nil
}

// Require возвращает InsufficientInventoryError, если остатка не хватает.
func (g *Guard) Require(ctx context.Context, variantID string, requested int) (Availability, error) {
	availability, err := g.CheckAvailable(ctx, variantID, requested)
	if err != nil {
		return Availability{}, err
	}
	if !availability.OK {
		return availability, &domain.InsufficientInventoryError{Shortages: []domain.Shortage{{
			VariantID: variantID,
			Requested: requested,
			Available: availability.Available,
		}}}
	}
	return availability, nil
}

// CheckAll проверяет все строки и возвращает остатки по ключам.
// Если не хватает хотя бы по одной строке, ошибка перечисляет все такие строки.
func (g *Guard) CheckAll(ctx context.Context, requests []Request) (map[string]int, error) {
	levels := make(map[string]int, len(requests))
	var shortages []domain.Shortage

	for _, req := range requests {
		availability, err := g.CheckAvailable(ctx, req.VariantID, req.Requested)
		if err != nil {
			return nil, err
		}
		levels[req.VariantID] = availability.Available
		if !availability.OK {
			shortages = append(shortages, domain.Shortage{
				VariantID: req.VariantID,
				Requested: req.Requested,
				Available: availability.Available,
			})
		}
	}

	if len(shortages) > 0 {
		g.logger.WithField("shortages", len(shortages)).Info("inventory check rejected request")
		return levels, &domain.InsufficientInventoryError{Shortages: shortages}
	}
	return levels, nil
}

// RequestsForLines собирает запросы по строкам корзины, суммируя количество по одному ключу.
func RequestsForLines(lines []domain.CartLine) []Request {
	index := make(map[string]int, len(lines))
	requests := make([]Request, 0, len(lines))
	for _, line := range lines {
		key := line.Key()
		if i, ok := index[key]; ok {
			requests[i].Requested += line.Quantity
			continue
		}
		index[key] = len(requests)
		requests = append(requests, Request{VariantID: key, Requested: line.Quantity})
	}
	return requests
}

package cart

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
)

// liveSession: состояние открытой сессии, общее для всех её handle.
type liveSession struct {
	r         *Reconciler
	sessionID string

	mu       sync.Mutex
	session  domain.Session
	source   string
	task     *flushTask
	// clientAt: метка времени последнего применённого снимка клиента.
	clientAt time.Time

	// refs защищён r.mu.
	refs int
}

func (s *liveSession) id() string {
	return s.sessionID
}

func (s *liveSession) snapshot() domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.Clone()
}

// Handle: открытая сессия. Изменения применяются к памяти сразу, а запись в хранилища
// откладывается на окно debounce и переживает Close последнего handle.
type Handle struct {
	live   *liveSession
	closed atomic.Bool
}

// SessionID возвращает идентификатор сессии.
func (h *Handle) SessionID() string {
	return h.live.id()
}

// Source сообщает, откуда была восстановлена сессия: store, client_cache или new.
func (h *Handle) Source() string {
	return h.live.source
}

// Snapshot возвращает копию текущего состояния.
func (h *Handle) Snapshot() domain.Session {
	return h.live.snapshot()
}

// AddLine добавляет строку. Если строка с тем же ключом уже есть, количество суммируется.
// Итоговое количество проверяется по остаткам.
func (h *Handle) AddLine(ctx context.Context, line domain.CartLine) (domain.Session, error) {
	if err := line.Validate(); err != nil {
		return domain.Session{}, err
	}

	return h.mutate(ctx, opAddLine, func(s *domain.Session) error {
		key := line.Key()
		idx := domain.IndexOfLine(s.Cart, key)
		requested := line.Quantity
		if idx >= 0 {
			requested += s.Cart[idx].Quantity
		}
		if err := h.require(ctx, key, requested); err != nil {
			return err
		}
		if idx >= 0 {
			s.Cart[idx].Quantity = requested
			return nil
		}
		s.Cart = append(s.Cart, line.Clone())
		return nil
	})
}

// SetQuantity меняет количество строки. Ноль и меньше удаляют строку.
// Остаток проверяется только при увеличении количества.
func (h *Handle) SetQuantity(ctx context.Context, key string, quantity int) (domain.Session, error) {
	if quantity <= 0 {
		return h.RemoveLine(ctx, key)
	}

	return h.mutate(ctx, opSetQuantity, func(s *domain.Session) error {
		idx := domain.IndexOfLine(s.Cart, key)
		if idx < 0 {
			return domain.ErrLineNotFound
		}
		if quantity > s.Cart[idx].Quantity {
			if err := h.require(ctx, key, quantity); err != nil {
				return err
			}
		}
		s.Cart[idx].Quantity = quantity
		return nil
	})
}

// RemoveLine удаляет строку по ключу.
func (h *Handle) RemoveLine(ctx context.Context, key string) (domain.Session, error) {
	return h.mutate(ctx, opRemoveLine, func(s *domain.Session) error {
		idx := domain.IndexOfLine(s.Cart, key)
		if idx < 0 {
			return domain.ErrLineNotFound
		}
		s.Cart = append(s.Cart[:idx], s.Cart[idx+1:]...)
		return nil
	})
}

// SetCustomer заменяет контактные данные.
func (h *Handle) SetCustomer(ctx context.Context, customer domain.CustomerSnapshot) (domain.Session, error) {
	return h.mutate(ctx, opCustomer, func(s *domain.Session) error {
		s.Customer = customer
		return nil
	})
}

// SetClientIP запоминает адрес клиента. Отдельной записи не планирует.
func (h *Handle) SetClientIP(ip string) {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return
	}
	h.live.mu.Lock()
	h.live.session.LastSeenIP = ip
	h.live.mu.Unlock()
}

// Replace заменяет корзину и контакты целиком (снимок от клиента). Остатки не проверяются:
// проверка повторится при оформлении заказа.
func (h *Handle) Replace(ctx context.Context, cart []domain.CartLine, customer domain.CustomerSnapshot, clientIP string) (domain.Session, error) {
	return h.replace(ctx, time.Time{}, cart, customer, clientIP)
}

// ReplaceIfNewer работает как Replace, но отбрасывает снимок, снятый клиентом раньше уже
// применённого, и возвращает ErrStaleSnapshot. Метки сравниваются только между собой,
// с часами сервера они не сопоставляются.
func (h *Handle) ReplaceIfNewer(ctx context.Context, takenAt time.Time, cart []domain.CartLine, customer domain.CustomerSnapshot, clientIP string) (domain.Session, error) {
	return h.replace(ctx, takenAt, cart, customer, clientIP)
}

func (h *Handle) replace(ctx context.Context, takenAt time.Time, cart []domain.CartLine, customer domain.CustomerSnapshot, clientIP string) (domain.Session, error) {
	for _, line := range cart {
		if err := line.Validate(); err != nil {
			return domain.Session{}, err
		}
	}

	return h.mutate(ctx, opReplace, func(s *domain.Session) error {
		// mutate держит live.mu, clientAt читается под ним.
		if !takenAt.IsZero() {
			if takenAt.Before(h.live.clientAt) {
				return ErrStaleSnapshot
			}
			h.live.clientAt = takenAt
		}
		s.Cart = domain.CloneLines(cart)
		if s.Cart == nil {
			s.Cart = []domain.CartLine{}
		}
		s.Customer = customer
		if ip := strings.TrimSpace(clientIP); ip != "" {
			s.LastSeenIP = ip
		}
		return nil
	})
}

// Clear очищает корзину. Контакты сохраняются.
func (h *Handle) Clear(ctx context.Context) (domain.Session, error) {
	return h.mutate(ctx, opClear, func(s *domain.Session) error {
		s.Cart = []domain.CartLine{}
		return nil
	})
}

// Flush синхронно пишет отложенные изменения.
func (h *Handle) Flush() error {
	return h.live.task.FlushNow()
}

// Close освобождает handle и ничего не пишет: отложенная запись выполнится по таймеру,
// после чего сессия без handle выгружается из памяти. Возвращает ошибку последней
// уже выполненной записи сессии. Повторный Close ничего не делает.
func (h *Handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.live.r.release(h.live)
	return h.live.task.Err()
}

func (h *Handle) mutate(ctx context.Context, op string, apply func(*domain.Session) error) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, err
	}
	if h.closed.Load() {
		return domain.Session{}, ErrHandleClosed
	}

	live := h.live
	live.mu.Lock()
	defer live.mu.Unlock()

	next := live.session.Clone()
	if err := apply(&next); err != nil {
		return domain.Session{}, err
	}
	if !live.task.Schedule(next.Clone()) {
		return domain.Session{}, ErrHandleClosed
	}
	live.session = next

	live.r.metrics.RecordCartMutation(op)
	return next.Clone(), nil
}

func (h *Handle) require(ctx context.Context, key string, requested int) error {
	if h.live.r.guard == nil {
		return nil
	}
	_, err := h.live.r.guard.Require(ctx, key, requested)
	return err
}

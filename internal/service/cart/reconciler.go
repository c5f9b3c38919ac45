package cart

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
	"github.com/vladislavdragonenkov/cartengine/internal/metrics"
	"github.com/vladislavdragonenkov/cartengine/internal/service/inventory"
)

const (
	// DefaultDebounce: окно, в котором последовательные изменения корзины схлопываются в одну запись.
	DefaultDebounce = 500 * time.Millisecond
	// DefaultFlushTimeout ограничивает одну запись в хранилища.
	DefaultFlushTimeout = 5 * time.Second
)

// Операции корзины для метрик.
const (
	opAddLine     = "add_line"
	opSetQuantity = "set_quantity"
	opRemoveLine  = "remove_line"
	opCustomer    = "customer"
	opReplace     = "replace"
	opClear       = "clear"
)

var (
	// ErrHandleClosed: изменение через уже закрытый handle.
	ErrHandleClosed = errors.New("cart handle is closed")
	// ErrStaleSnapshot: клиент прислал снимок старше уже применённого.
	ErrStaleSnapshot = errors.New("cart snapshot is older than the applied one")
)

// Option настраивает Reconciler.
type Option func(*Reconciler)

// WithDebounce задаёт окно отложенной записи.
func WithDebounce(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.debounce = d
		}
	}
}

// WithFlushTimeout задаёт таймаут одной записи.
func WithFlushTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.flushTimeout = d
		}
	}
}

// WithMetrics подключает метрики.
func WithMetrics(m *metrics.EngineMetrics) Option {
	return func(r *Reconciler) {
		r.metrics = m
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Reconciler восстанавливает корзину сессии и сохраняет её изменения.
//
// Порядок восстановления: SessionStore, затем клиентский кэш, затем новая сессия.
// Строки из разных источников не смешиваются.
type Reconciler struct {
	store        domain.SessionStore
	cache        domain.ClientCache
	guard        *inventory.Guard
	debounce     time.Duration
	flushTimeout time.Duration
	logger       *log.Entry
	metrics      *metrics.EngineMetrics

	loads singleflight.Group

	mu      sync.Mutex
	sessions map[string]*liveSession
}

// NewReconciler создаёт Reconciler. cache может быть nil: тогда запасного пути нет.
func NewReconciler(store domain.SessionStore, cache domain.ClientCache, guard *inventory.Guard, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:        store,
		cache:        cache,
		guard:        guard,
		debounce:     DefaultDebounce,
		flushTimeout: DefaultFlushTimeout,
		logger:       log.WithField("component", "cart-reconciler"),
		sessions:     make(map[string]*liveSession),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Load возвращает корзину сессии. Если сессия открыта, отдаётся её текущее состояние,
// включая ещё не записанные изменения.
func (r *Reconciler) Load(ctx context.Context, sessionID string) (domain.Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.Session{}, domain.ErrSessionIDRequired
	}

	r.mu.Lock()
	live, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if ok {
		return live.snapshot(), nil
	}

	session, _, err := r.restore(ctx, sessionID)
	return session, err
}

// Open открывает сессию для изменений. Параллельные Open одной сессии работают с общим
// состоянием, поэтому у сессии всегда один писатель. Каждый handle нужно закрыть через Close.
func (r *Reconciler) Open(ctx context.Context, sessionID string) (*Handle, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, domain.ErrSessionIDRequired
	}

	for {
		r.mu.Lock()
		if live, ok := r.sessions[sessionID]; ok {
			live.refs++
			r.mu.Unlock()
			return &Handle{live: live}, nil
		}
		r.mu.Unlock()

		session, source, err := r.restore(ctx, sessionID)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		if _, raced := r.sessions[sessionID]; raced {
			r.mu.Unlock()
			continue
		}
		live := &liveSession{
			r:         r,
			sessionID: sessionID,
			session:   session,
			source:    source,
			refs:      1,
		}
		live.task = newFlushTask(r.debounce, r.persist)
		live.task.flushed = func() { r.evictIdle(live) }
		r.sessions[sessionID] = live
		r.mu.Unlock()
		return &Handle{live: live}, nil
	}
}

// OpenSessions возвращает число сессий в памяти: открытых и закрытых, но ещё
// ожидающих отложенной записи.
func (r *Reconciler) OpenSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown синхронно дописывает изменения всех сессий в памяти и выгружает те, у которых
// не осталось handle. После Shutdown изменения через открытые handle возвращают ErrHandleClosed.
func (r *Reconciler) Shutdown() error {
	r.mu.Lock()
	live := make([]*liveSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()

	var errs []error
	for _, s := range live {
		if err := s.task.Close(); err != nil {
			errs = append(errs, fmt.Errorf("flush session %s: %w", s.id(), err))
		}
	}

	r.mu.Lock()
	for _, s := range live {
		r.evictLocked(s)
	}
	r.mu.Unlock()
	return errors.Join(errs...)
}

type restored struct {
	session domain.Session
	source  string
}

func (r *Reconciler) restore(ctx context.Context, sessionID string) (domain.Session, string, error) {
	v, err, _ := r.loads.Do(sessionID, func() (any, error) {
		logger := r.logger.WithField("session_id", sessionID)

		session, err := r.store.Load(ctx, sessionID)
		if err == nil {
			return restored{session: session, source: metrics.SessionSourceStore}, nil
		}
		if !errors.Is(err, domain.ErrSessionNotFound) {
			logger.WithError(err).Warn("session store load failed, falling back to client cache")
		}

		if r.cache != nil {
			cached, cacheErr := r.cache.LoadLocal(ctx, sessionID)
			switch {
			case cacheErr == nil:
				fromCache := domain.NewSession(sessionID)
				if cached.Cart != nil {
					fromCache.Cart = cached.Cart
				}
				if cached.Customer != nil {
					fromCache.Customer = *cached.Customer
				}
				return restored{session: fromCache, source: metrics.SessionSourceClientCache}, nil
			case !errors.Is(cacheErr, domain.ErrCacheMiss):
				logger.WithError(cacheErr).Warn("client cache load failed")
			}
		}

		return restored{session: domain.NewSession(sessionID), source: metrics.SessionSourceNew}, nil
	})
	if err != nil {
		return domain.Session{}, "", err
	}

	res := v.(restored)
	r.metrics.RecordSessionLoad(res.source)
	// Результат singleflight общий для всех ожидающих.
	return res.session.Clone(), res.source, nil
}

// persist пишет снимок в SessionStore и всегда обновляет клиентский кэш.
// Ошибка хранилища возвращается, но изменение не теряется: оно остаётся в кэше
// и уйдёт со следующей успешной записью.
func (r *Reconciler) persist(session domain.Session) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.flushTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		r.metrics.RecordOperationDuration("cart_flush", time.Since(start))
	}()

	logger := r.logger.WithField("session_id", session.ID)

	storeErr := r.store.Save(ctx, session)

	if r.cache != nil {
		if err := r.cache.SaveLocal(ctx, session.ID, session.Cart, session.Customer); err != nil {
			logger.WithError(err).Warn("client cache save failed")
		}
	}

	if storeErr != nil {
		logger.WithError(storeErr).Warn("session store save failed, cart kept in client cache only")
		r.metrics.RecordFlush(metrics.FlushDegraded)
		return storeErr
	}

	r.metrics.RecordFlush(metrics.FlushSaved)
	return nil
}

// release отпускает handle. Последний handle не пишет сам: если есть отложенный снимок,
// сессия остаётся в памяти вместе с таймером и выгружается после записи.
func (r *Reconciler) release(live *liveSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	live.refs--
	r.evictLocked(live)
}

func (r *Reconciler) evictIdle(live *liveSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictLocked(live)
}

// evictLocked выгружает сессию без handle, если всё записано. Вызывается под r.mu.
func (r *Reconciler) evictLocked(live *liveSession) {
	if live.refs > 0 || !live.task.Idle() {
		return
	}
	if r.sessions[live.id()] == live {
		delete(r.sessions, live.id())
	}
}

// ClearCart очищает корзину сессии после оформления заказа. Запись выполняется сразу,
// не дожидаясь окна debounce.
func (r *Reconciler) ClearCart(ctx context.Context, sessionID string) error {
	h, err := r.Open(ctx, sessionID)
	if err != nil {
		return err
	}
	defer h.Close()

	if _, err := h.Clear(ctx); err != nil {
		return err
	}
	return h.Flush()
}

package cart

import (
	"sync"
	"time"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
)

// flushTask: отложенная запись сессии.
//
// Schedule заменяет ожидающий снимок и перезапускает таймер, поэтому в хранилище
// уходит только последнее состояние. Close отменяет таймер и синхронно сбрасывает
// ожидающий снимок ровно один раз.
type flushTask struct {
	delay   time.Duration
	flush   func(domain.Session) error
	// flushed вызывается после каждой записи снимка вне блокировок задачи.
	flushed func()

	mu       sync.Mutex
	timer    *time.Timer
	pending  *domain.Session
	inflight int
	lastErr  error
	closed   bool

	// flushMu упорядочивает записи: снимок забирается и пишется под одной блокировкой,
	// поэтому более старый снимок не может перезаписать более новый.
	flushMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newFlushTask(delay time.Duration, flush func(domain.Session) error) *flushTask {
	return &flushTask{delay: delay, flush: flush}
}

// Schedule откладывает запись снимка. Возвращает false, если задача уже закрыта.
func (t *flushTask) Schedule(snapshot domain.Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false
	}

	t.pending = &snapshot
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.delay, t.fire)
	return true
}

// Pending сообщает, ждёт ли снимок записи.
func (t *flushTask) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending != nil
}

// Idle: нет ни ожидающего снимка, ни записи в процессе.
func (t *flushTask) Idle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending == nil && t.inflight == 0
}

// Err возвращает результат последней записи.
func (t *flushTask) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// FlushNow отменяет таймер и пишет ожидающий снимок синхронно. Если писать нечего,
// возвращает ошибку последней записи, в том числе сделанной по таймеру.
func (t *flushTask) FlushNow() error {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
	return t.run()
}

// Close закрывает задачу и сбрасывает ожидающий снимок. Повторные вызовы возвращают
// результат первого.
func (t *flushTask) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		if t.timer != nil {
			t.timer.Stop()
			t.timer = nil
		}
		t.mu.Unlock()

		t.closeErr = t.run()
	})
	return t.closeErr
}

// fire срабатывает по таймеру. Ошибка сохраняется в lastErr.
func (t *flushTask) fire() {
	_ = t.run()
}

func (t *flushTask) run() error {
	wrote, err := t.write()
	if wrote && t.flushed != nil {
		t.flushed()
	}
	return err
}

func (t *flushTask) write() (bool, error) {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	t.mu.Lock()
	snapshot := t.pending
	t.pending = nil
	if snapshot == nil {
		err := t.lastErr
		t.mu.Unlock()
		return false, err
	}
	t.inflight++
	t.mu.Unlock()

	err := t.flush(*snapshot)

	t.mu.Lock()
	t.inflight--
	t.lastErr = err
	t.mu.Unlock()
	return true, err
}

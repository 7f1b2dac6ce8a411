// Package notify доставляет события движка получателям асинхронно:
// Emit никогда не блокирует вызывающего и не теряет события.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/kirillm/trigger-bot/internal/domain"
	"github.com/kirillm/trigger-bot/internal/metrics"
	"github.com/kirillm/trigger-bot/pkg/utils"
)

// Deliverer конечный получатель событий (лог, Telegram)
type Deliverer interface {
	Name() string
	Deliver(ctx context.Context, ev domain.Event) error
}

// Stats счетчики доставки
type Stats struct {
	Emitted   int64 `json:"emitted"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Queued    int   `json:"queued"`
}

// Dispatcher неограниченная очередь событий, которую разбирает Run
type Dispatcher struct {
	mu         sync.Mutex
	queue      []domain.Event
	wake       chan struct{}
	stats      Stats
	deliverers []Deliverer
	logger     *utils.Logger

	maxAttempts  int
	baseDelay    time.Duration
	maxDelay     time.Duration
	flushTimeout time.Duration
}

var _ domain.NotificationSink = (*Dispatcher)(nil)

func NewDispatcher(logger *utils.Logger, deliverers ...Deliverer) *Dispatcher {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Dispatcher{
		wake:         make(chan struct{}, 1),
		deliverers:   deliverers,
		logger:       logger,
		maxAttempts:  5,
		baseDelay:    time.Second,
		maxDelay:     30 * time.Second,
		flushTimeout: 10 * time.Second,
	}
}

// SetRetry параметры повторов доставки
func (d *Dispatcher) SetRetry(maxAttempts int, baseDelay, maxDelay time.Duration) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	d.maxAttempts = maxAttempts
	d.baseDelay = baseDelay
	d.maxDelay = maxDelay
}

// Emit ставит событие в очередь
func (d *Dispatcher) Emit(ev domain.Event) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	d.mu.Lock()
	d.queue = append(d.queue, ev)
	d.stats.Emitted++
	d.mu.Unlock()

	metrics.IncEvent(ev.Type)

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run разбирает очередь до отмены ctx, затем доставляет остаток с таймаутом
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("📨 Notification dispatcher started (%d deliverers)", len(d.deliverers))

	for {
		d.drain(ctx)

		select {
		case <-d.wake:
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.flushTimeout)
			d.drain(flushCtx)
			cancel()
			if n := d.Pending(); n > 0 {
				d.logger.Warn("⚠️ Dispatcher stopped with %d undelivered events", n)
			}
			d.logger.Info("✅ Notification dispatcher stopped")
			return nil
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		batch := d.queue
		d.queue = nil
		d.mu.Unlock()

		for i, ev := range batch {
			if ctx.Err() != nil {
				d.requeue(batch[i:])
				return
			}
			d.deliver(ctx, ev)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev domain.Event) {
	for _, dl := range d.deliverers {
		err := utils.Retry(ctx, d.maxAttempts, d.baseDelay, d.maxDelay, func() error {
			return dl.Deliver(ctx, ev)
		})

		d.mu.Lock()
		if err != nil {
			d.stats.Failed++
		} else {
			d.stats.Delivered++
		}
		d.mu.Unlock()

		if err != nil {
			d.logger.Error("❌ %s: failed to deliver %s for %s: %v", dl.Name(), ev.Type, ev.UserID, err)
		}
	}
}

// requeue возвращает недоставленное в начало очереди
func (d *Dispatcher) requeue(events []domain.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(append([]domain.Event(nil), events...), d.queue...)
}

// Pending длина очереди
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Stats снимок счетчиков
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.Queued = len(d.queue)
	return s
}

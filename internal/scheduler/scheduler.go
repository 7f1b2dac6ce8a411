package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kirillm/trigger-bot/internal/domain"
	"github.com/kirillm/trigger-bot/internal/metrics"
	"github.com/kirillm/trigger-bot/pkg/utils"
)

// Состояния наблюдателя
const (
	StateStopped  = "stopped"
	StateRunning  = "running"
	StateStopping = "stopping"
)

// DefaultResolution шаг базовых часов
const DefaultResolution = time.Second

// Watcher периодическая задача: сетка или пул триггеров пользователя
type Watcher interface {
	ID() string
	Interval() time.Duration
	Tick(ctx context.Context, gen uint64) error
}

// Advancer получает номер нового поколения до раздачи тиков
type Advancer interface {
	Advance(gen uint64)
}

type handle struct {
	watcher  Watcher
	state    string
	nextDue  time.Time
	ctx      context.Context
	cancel   context.CancelFunc
	inflight chan struct{}
	ticks    int64
	lastErr  error
	lastTick time.Time
}

// WatcherInfo снимок наблюдателя для API
type WatcherInfo struct {
	ID        string        `json:"id"`
	State     string        `json:"state"`
	Interval  time.Duration `json:"interval"`
	NextDue   time.Time     `json:"next_due"`
	InFlight  bool          `json:"in_flight"`
	Ticks     int64         `json:"ticks"`
	LastTick  time.Time     `json:"last_tick,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

// Scheduler базовые часы с поколениями: на каждом шаге раздает тики
// наблюдателям, у которых подошел срок и нет тика в полете
type Scheduler struct {
	mu         sync.Mutex
	resolution time.Duration
	cache      Advancer
	watchers   map[string]*handle
	gen        uint64
	now        func() time.Time
	logger     *utils.Logger
}

// New создает планировщик; cache может быть nil
func New(resolution time.Duration, cache Advancer, logger *utils.Logger) *Scheduler {
	if resolution <= 0 {
		resolution = DefaultResolution
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Scheduler{
		resolution: resolution,
		cache:      cache,
		watchers:   make(map[string]*handle),
		now:        time.Now,
		logger:     logger,
	}
}

// SetClock подменяет часы (для тестов)
func (s *Scheduler) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Start запускает наблюдателя; для уже работающего ничего не делает
func (s *Scheduler) Start(w Watcher) error {
	if w.Interval() <= 0 {
		return fmt.Errorf("%w: watcher %s has non-positive interval", domain.ErrConfiguration, w.ID())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.watchers[w.ID()]; ok {
		switch h.state {
		case StateRunning:
			return nil
		case StateStopping:
			return fmt.Errorf("%w: watcher %s is stopping", domain.ErrConflict, w.ID())
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.watchers[w.ID()] = &handle{
		watcher: w,
		state:   StateRunning,
		nextDue: s.now(),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.logger.Info("▶️ Watcher %s started (interval: %v)", w.ID(), w.Interval())
	metrics.SetWatchers(s.runningLocked())
	return nil
}

// Stop останавливает наблюдателя и ждет завершения тика в полете.
// После возврата ни один тик этого наблюдателя не выполняется.
func (s *Scheduler) Stop(id string) bool {
	s.mu.Lock()
	h, ok := s.watchers[id]
	if !ok || h.state == StateStopped {
		s.mu.Unlock()
		return false
	}
	h.state = StateStopping
	h.cancel()
	done := h.inflight
	s.mu.Unlock()

	if done != nil {
		<-done
	}

	s.mu.Lock()
	h.state = StateStopped
	metrics.SetWatchers(s.runningLocked())
	s.mu.Unlock()

	s.logger.Info("⏹️ Watcher %s stopped", id)
	return true
}

// Remove останавливает и забывает наблюдателя
func (s *Scheduler) Remove(id string) bool {
	stopped := s.Stop(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.watchers[id]; ok && h.state == StateStopped {
		delete(s.watchers, id)
		return true
	}
	return stopped
}

// StopAll останавливает всех наблюдателей
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.watchers))
	for id := range s.watchers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Stop(id)
	}
}

// IsRunning true для наблюдателя в состоянии running
func (s *Scheduler) IsRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.watchers[id]
	return ok && h.state == StateRunning
}

// Run основной цикл; блокируется до отмены ctx, затем останавливает всех
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.resolution)
	defer ticker.Stop()

	s.logger.Info("🚀 Scheduler started (resolution: %v)", s.resolution)

	for {
		select {
		case <-ticker.C:
			s.step()

		case <-ctx.Done():
			s.logger.Info("🛑 Stopping scheduler...")
			s.StopAll()
			s.logger.Info("✅ Scheduler stopped")
			return nil
		}
	}
}

// step один шаг базовых часов; возвращает каналы завершения розданных тиков
func (s *Scheduler) step() []chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	gen := s.gen
	if s.cache != nil {
		s.cache.Advance(gen)
	}

	now := s.now()
	var dispatched []chan struct{}
	for _, h := range s.watchers {
		if h.state != StateRunning || h.inflight != nil || now.Before(h.nextDue) {
			continue
		}
		done := make(chan struct{})
		h.inflight = done
		h.nextDue = now.Add(h.watcher.Interval())
		dispatched = append(dispatched, done)
		go s.runTick(h, gen, done)
	}
	return dispatched
}

func (s *Scheduler) runTick(h *handle, gen uint64, done chan struct{}) {
	id := h.watcher.ID()
	kind := kindOf(id)
	start := time.Now()

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("tick panic: %v", r)
			}
		}()
		err = h.watcher.Tick(h.ctx, gen)
	}()

	metrics.IncTick(kind, err)
	metrics.ObserveTick(kind, time.Since(start).Seconds())
	if err != nil {
		s.logger.Warn("⚠️ Watcher %s tick %d: %v", id, gen, err)
	}

	s.mu.Lock()
	h.inflight = nil
	h.ticks++
	h.lastErr = err
	h.lastTick = s.now()
	s.mu.Unlock()
	close(done)
}

// Generation текущий номер поколения
func (s *Scheduler) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Watchers снимок всех наблюдателей, отсортированный по ID
func (s *Scheduler) Watchers() []WatcherInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]WatcherInfo, 0, len(s.watchers))
	for id, h := range s.watchers {
		info := WatcherInfo{
			ID:       id,
			State:    h.state,
			Interval: h.watcher.Interval(),
			NextDue:  h.nextDue,
			InFlight: h.inflight != nil,
			Ticks:    h.ticks,
			LastTick: h.lastTick,
		}
		if h.lastErr != nil {
			info.LastError = h.lastErr.Error()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Scheduler) runningLocked() int {
	n := 0
	for _, h := range s.watchers {
		if h.state == StateRunning {
			n++
		}
	}
	return n
}

// kindOf "grid:u1:g1" -> "grid"
func kindOf(id string) string {
	if i := strings.IndexByte(id, ':'); i > 0 {
		return id[:i]
	}
	return id
}

package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kirillm/trigger-bot/internal/domain"
	"github.com/kirillm/trigger-bot/internal/execution"
	"github.com/kirillm/trigger-bot/internal/scheduler"
	"github.com/kirillm/trigger-bot/internal/storage"
	"github.com/kirillm/trigger-bot/internal/strategy"
	"github.com/kirillm/trigger-bot/pkg/utils"
)

// Options параметры менеджера
type Options struct {
	MaxGridsPerUser     int
	GridPollInterval    time.Duration // если у сетки не задан свой интервал
	TriggerPollInterval time.Duration
	StaleAfter          time.Duration
	PriceTolerance      float64
	CleanupAfter        time.Duration
	CleanupSchedule     string
	ReportSchedule      string
	EvictSchedule       string
}

// DefaultOptions значения по умолчанию
func DefaultOptions() Options {
	return Options{
		MaxGridsPerUser:     domain.MaxGridsPerUser,
		GridPollInterval:    60 * time.Second,
		TriggerPollInterval: 30 * time.Second,
		StaleAfter:          10 * time.Minute,
		PriceTolerance:      strategy.DefaultPriceTolerance,
		CleanupAfter:        30 * 24 * time.Hour,
		CleanupSchedule:     "0 0 3 * * *",
		ReportSchedule:      "0 0 * * * *",
		EvictSchedule:       "0 */5 * * * *",
	}
}

// Manager управляет сетками и триггерами пользователей: CRUD, наблюдатели,
// восстановление после рестарта и фоновые задачи
type Manager struct {
	store     *storage.Store
	gateways  domain.GatewayProvider
	cache     *execution.PriceCache
	executor  *execution.Executor
	scheduler *scheduler.Scheduler
	sink      domain.NotificationSink
	grid      *strategy.GridEngine
	triggers  *strategy.TriggerEngine
	logger    *utils.Logger
	opts      Options
	now       func() time.Time

	// создание сеток сериализуется ради лимита и уникальности символа
	createMu sync.Mutex

	cron *cron.Cron
}

func New(
	store *storage.Store,
	gateways domain.GatewayProvider,
	cache *execution.PriceCache,
	executor *execution.Executor,
	sched *scheduler.Scheduler,
	sink domain.NotificationSink,
	logger *utils.Logger,
	opts Options,
) *Manager {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	def := DefaultOptions()
	if opts.MaxGridsPerUser <= 0 {
		opts.MaxGridsPerUser = def.MaxGridsPerUser
	}
	if opts.GridPollInterval <= 0 {
		opts.GridPollInterval = def.GridPollInterval
	}
	if opts.TriggerPollInterval <= 0 {
		opts.TriggerPollInterval = def.TriggerPollInterval
	}
	if opts.CleanupAfter <= 0 {
		opts.CleanupAfter = def.CleanupAfter
	}
	return &Manager{
		store:     store,
		gateways:  gateways,
		cache:     cache,
		executor:  executor,
		scheduler: sched,
		sink:      sink,
		grid:      strategy.NewGridEngine(opts.StaleAfter),
		triggers:  strategy.NewTriggerEngine(opts.PriceTolerance),
		logger:    logger,
		opts:      opts,
		now:       time.Now,
	}
}

// SetClock подменяет часы (для тестов)
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Bootstrap восстанавливает наблюдателей после рестарта. Ордера с неизвестным
// исходом не отправляются повторно: их разбирает сверка на первом тике.
func (m *Manager) Bootstrap(ctx context.Context) error {
	m.logger.Info("🔄 Restoring state...")

	state, err := m.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	ladders := 0
	for _, l := range state.Ladders {
		if l.Status == domain.LadderRunning {
			if err := m.scheduler.Start(m.newGridWatcher(l)); err != nil {
				m.logger.Error("❌ Failed to start ladder %s: %v", l.ID, err)
				continue
			}
			ladders++
			continue
		}
		// остановленная сетка с ордером в полете: одна сверка сейчас
		if l.HasPending() {
			m.reconcileLadderOnce(ctx, l)
		}
	}

	users := make(map[string]bool)
	for _, o := range state.Triggers {
		if o.IsTerminal() || users[o.UserID] {
			continue
		}
		users[o.UserID] = true
		if err := m.scheduler.Start(m.newTriggerWatcher(o.UserID)); err != nil {
			m.logger.Error("❌ Failed to start trigger pool for %s: %v", o.UserID, err)
		}
	}

	m.logger.Info("✅ Restored %d running ladders, %d trigger pools", ladders, len(users))
	return nil
}

func (m *Manager) reconcileLadderOnce(ctx context.Context, l *domain.GridLadder) {
	gw, err := m.gateways.Get(ctx, l.UserID)
	if err != nil {
		m.logger.Warn("⚠️ No gateway for %s, ladder %s stays unreconciled: %v", l.UserID, l.ID, err)
		return
	}
	if err := m.executor.ReconcileLadder(ctx, gw, l); err != nil {
		m.logger.Warn("⚠️ Reconcile of ladder %s failed: %v", l.ID, err)
	}
}

// Shutdown останавливает фоновые задачи и всех наблюдателей
func (m *Manager) Shutdown() {
	m.StopJobs()
	m.scheduler.StopAll()
}

// currentPrice цена из кэша текущего поколения через шлюз пользователя
func (m *Manager) currentPrice(ctx context.Context, userID, symbol string) (float64, error) {
	gw, err := m.gateways.Get(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("gateway for %s: %w", userID, err)
	}
	q, err := m.cache.Get(ctx, gw, symbol, m.scheduler.Generation())
	if err != nil {
		return 0, err
	}
	return q.Price, nil
}

func (m *Manager) emit(ev domain.Event) {
	if m.sink == nil {
		return
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = m.now()
	}
	m.sink.Emit(ev)
}

func (m *Manager) appendLog(ctx context.Context, ref domain.EntityRef, symbol, side string, qty, price float64, result, msg string) {
	err := m.store.AppendOrderLog(ctx, &domain.OrderLog{
		UserID:     ref.UserID,
		EntityKind: ref.Kind,
		EntityID:   ref.ID,
		Symbol:     symbol,
		Side:       side,
		Quantity:   qty,
		Price:      price,
		Result:     result,
		Message:    msg,
		CreatedAt:  m.now(),
	})
	if err != nil {
		m.logger.Warn("⚠️ Failed to append order log for %s: %v", ref, err)
	}
}

// isBenign ошибки Submit, после которых пакет намерений продолжается
func isBenign(err error) bool {
	return errors.Is(err, domain.ErrRejected) ||
		errors.Is(err, domain.ErrUnknownOutcome) ||
		errors.Is(err, domain.ErrRiskLimitExceeded) ||
		errors.Is(err, domain.ErrConflict)
}

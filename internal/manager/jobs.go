package manager

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/kirillm/trigger-bot/internal/domain"
)

// SessionEvicter пул сессий брокеров с вытеснением просроченных
type SessionEvicter interface {
	Evict() int
}

// StartJobs запускает фоновые задачи: очистка старых триггеров, отчеты по сеткам,
// вытеснение просроченных сессий брокеров
func (m *Manager) StartJobs(ctx context.Context) error {
	c := cron.New(cron.WithSeconds())

	jobs := []struct {
		name string
		spec string
		fn   func(context.Context)
	}{
		{"cleanup", m.opts.CleanupSchedule, func(ctx context.Context) { m.CleanupTriggers(ctx) }},
		{"status report", m.opts.ReportSchedule, func(ctx context.Context) { m.SendStatusReports(ctx) }},
		{"session evict", m.opts.EvictSchedule, func(context.Context) { m.evictSessions() }},
	}
	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		fn := job.fn
		if _, err := c.AddFunc(job.spec, func() { fn(ctx) }); err != nil {
			return fmt.Errorf("%w: bad %s schedule %q: %v", domain.ErrConfiguration, job.name, job.spec, err)
		}
	}

	m.cron = c
	c.Start()
	m.logger.Info("⏰ Background jobs started")
	return nil
}

// StopJobs останавливает cron и ждет выполняющиеся задачи
func (m *Manager) StopJobs() {
	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
	m.cron = nil
	m.logger.Info("⏰ Background jobs stopped")
}

// CleanupTriggers удаляет завершенные триггеры старше CleanupAfter
func (m *Manager) CleanupTriggers(ctx context.Context) int {
	removed, err := m.store.CleanupTriggers(ctx, m.opts.CleanupAfter)
	if err != nil {
		m.logger.Error("❌ Trigger cleanup failed after %d removals: %v", removed, err)
		return removed
	}
	if removed > 0 {
		m.logger.Info("🧹 Removed %d old triggers", removed)
	}
	return removed
}

// SendStatusReports отправляет StatusReport по каждой работающей сетке
func (m *Manager) SendStatusReports(ctx context.Context) int {
	ladders, err := m.store.ListLadders(ctx, "")
	if err != nil {
		m.logger.Error("❌ Status report: %v", err)
		return 0
	}

	sent := 0
	for _, l := range ladders {
		if l.Status != domain.LadderRunning {
			continue
		}
		mt := m.grid.Metrics(l, l.LastPrice)
		m.emit(domain.Event{
			Type:       domain.EventStatusReport,
			UserID:     l.UserID,
			EntityKind: domain.KindLadder,
			EntityID:   l.ID,
			Symbol:     l.Symbol,
			Price:      l.LastPrice,
			Quantity:   mt.NetQuantity,
			LevelIndex: -1,
			Message: fmt.Sprintf("%s: price %s, position %s, unrealized %s, %d buys / %d sells, %d pending",
				l.Symbol, money(mt.CurrentPrice), decimal.NewFromFloat(mt.NetQuantity).Round(4).String(),
				money(mt.UnrealizedPnL), mt.FilledBuys, mt.FilledSells, mt.PendingOrders),
			Data: map[string]interface{}{
				"avg_cost":       mt.AvgCost,
				"unrealized_pnl": mt.UnrealizedPnL,
				"filled_buys":    mt.FilledBuys,
				"filled_sells":   mt.FilledSells,
				"pending_orders": mt.PendingOrders,
			},
		})
		sent++
	}
	return sent
}

func (m *Manager) evictSessions() {
	ev, ok := m.gateways.(SessionEvicter)
	if !ok {
		return
	}
	if n := ev.Evict(); n > 0 {
		m.logger.Info("🧹 Evicted %d idle broker sessions", n)
	}
}

func money(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(2)
}

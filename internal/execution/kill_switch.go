package execution

import (
	"sync"
	"time"

	"github.com/kirillm/trigger-bot/internal/metrics"
	"github.com/kirillm/trigger-bot/pkg/utils"
)

// KillSwitch аварийная остановка отправки ордеров.
// Цены продолжают обновляться, новые ордера не уходят.
type KillSwitch struct {
	mu          sync.RWMutex
	active      bool
	activatedAt time.Time
	reason      string
	logger      *utils.Logger
}

// KillSwitchStatus снимок состояния для API
type KillSwitchStatus struct {
	Active      bool      `json:"active"`
	Reason      string    `json:"reason,omitempty"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`
}

// NewKillSwitch создает новый kill switch
func NewKillSwitch(logger *utils.Logger) *KillSwitch {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &KillSwitch{logger: logger}
}

// Activate активирует kill switch
func (ks *KillSwitch) Activate(reason string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.active {
		return
	}
	ks.active = true
	ks.activatedAt = time.Now()
	ks.reason = reason
	metrics.SetKillSwitch(true)

	ks.logger.Error("🚨 KILL SWITCH ACTIVATED: %s", reason)
}

// Deactivate деактивирует kill switch (требует ручного вмешательства)
func (ks *KillSwitch) Deactivate() {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	ks.active = false
	ks.reason = ""
	metrics.SetKillSwitch(false)

	ks.logger.Info("✅ Kill switch deactivated")
}

// IsActive проверяет активен ли kill switch
func (ks *KillSwitch) IsActive() bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	return ks.active
}

// GetStatus возвращает статус kill switch
func (ks *KillSwitch) GetStatus() KillSwitchStatus {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	return KillSwitchStatus{Active: ks.active, Reason: ks.reason, ActivatedAt: ks.activatedAt}
}

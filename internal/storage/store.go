package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillm/trigger-bot/internal/domain"
)

// Backend долговременный носитель записей состояния.
// Put обязан заменять запись атомарно.
type Backend interface {
	Get(ctx context.Context, userID, kind, id string) (*domain.StateRecord, error)
	Put(ctx context.Context, rec *domain.StateRecord) error
	Delete(ctx context.Context, userID, kind, id string) error
	List(ctx context.Context, userID, kind string) ([]*domain.StateRecord, error)
	AppendLog(ctx context.Context, log *domain.OrderLog) error
	ListLogs(ctx context.Context, userID string, limit int) ([]domain.OrderLog, error)
	Close() error
}

// UserState состояние пользователя после загрузки
type UserState struct {
	Ladders  []*domain.GridLadder
	Triggers []*domain.TriggerOrder
}

// Store StateStore движка: один писатель на сущность, write-ahead до отправки ордера
type Store struct {
	backend Backend
	locks   *keyedMutex
	now     func() time.Time
}

func NewStore(backend Backend) *Store {
	return &Store{
		backend: backend,
		locks:   newKeyedMutex(),
		now:     time.Now,
	}
}

// SetClock подменяет часы (для тестов)
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) Close() error {
	return s.backend.Close()
}

// ==================== WRITE-AHEAD ====================

// NewWriteAhead запись "собираемся отправить" с новым client order id.
// Сохраняется вместе с сущностью через WriteAheadPending или внутри UpdateLadder.
func (s *Store) NewWriteAhead(intent domain.OrderIntent) *domain.WriteAhead {
	wa := &domain.WriteAhead{
		ClientOrderID: uuid.NewString(),
		RecordedAt:    s.now(),
		Request: domain.OrderRequest{
			Symbol:     intent.Symbol,
			Side:       intent.Side,
			OrderType:  intent.OrderType,
			TradeType:  intent.TradeType,
			Quantity:   intent.Quantity,
			LimitPrice: intent.LimitPrice,
		},
	}
	wa.Request.ClientOrderID = wa.ClientOrderID
	return wa
}

// WriteAheadPending записывает "собираемся отправить" до сетевого вызова.
// Для триггера в той же записи выполняется переход pending -> triggered.
func (s *Store) WriteAheadPending(ctx context.Context, ref domain.EntityRef, intent domain.OrderIntent) (*domain.WriteAhead, error) {
	wa := s.NewWriteAhead(intent)

	switch ref.Kind {
	case domain.KindLadder:
		_, err := s.UpdateLadder(ctx, ref.UserID, ref.ID, func(l *domain.GridLadder) error {
			if l.Status != domain.LadderRunning {
				return fmt.Errorf("%w: ladder %s is %s", domain.ErrConflict, l.ID, l.Status)
			}
			return l.BeginOrder(intent.LevelIndex, wa)
		})
		if err != nil {
			return nil, err
		}
	case domain.KindTrigger:
		_, err := s.UpdateTrigger(ctx, ref.UserID, ref.ID, func(o *domain.TriggerOrder) error {
			if o.Status != domain.TriggerPending {
				return fmt.Errorf("%w: trigger %s is %s", domain.ErrConflict, o.ID, o.Status)
			}
			if err := o.Transition(domain.TriggerTriggered, wa.RecordedAt); err != nil {
				return err
			}
			o.TriggeredPrice = intent.Price
			o.WriteAhead = wa
			return nil
		})
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown entity kind %q", ref.Kind)
	}

	copied := *wa
	return &copied, nil
}

// CommitResult фиксирует ответ брокера по ордеру clientOrderID
func (s *Store) CommitResult(ctx context.Context, ref domain.EntityRef, clientOrderID string, outcome domain.Outcome) error {
	if outcome.At.IsZero() {
		outcome.At = s.now()
	}

	switch ref.Kind {
	case domain.KindLadder:
		_, err := s.UpdateLadder(ctx, ref.UserID, ref.ID, func(l *domain.GridLadder) error {
			idx := levelByOrder(l, clientOrderID)
			if idx < 0 {
				return fmt.Errorf("%w: no level with order %s", domain.ErrConflict, clientOrderID)
			}
			return l.ApplyOutcome(idx, clientOrderID, outcome)
		})
		return err
	case domain.KindTrigger:
		_, err := s.UpdateTrigger(ctx, ref.UserID, ref.ID, func(o *domain.TriggerOrder) error {
			return o.ApplyOutcome(clientOrderID, outcome)
		})
		return err
	}
	return fmt.Errorf("unknown entity kind %q", ref.Kind)
}

// MarkReconcileNotified возвращает true только при первом вызове для ордера
func (s *Store) MarkReconcileNotified(ctx context.Context, ref domain.EntityRef, clientOrderID string) (bool, error) {
	first := false
	mark := func(wa *domain.WriteAhead) error {
		if wa == nil || wa.ClientOrderID != clientOrderID {
			return fmt.Errorf("%w: no order %s", domain.ErrConflict, clientOrderID)
		}
		if !wa.ReconcileNotified {
			wa.ReconcileNotified = true
			first = true
		}
		return nil
	}

	var err error
	switch ref.Kind {
	case domain.KindLadder:
		_, err = s.UpdateLadder(ctx, ref.UserID, ref.ID, func(l *domain.GridLadder) error {
			idx := levelByOrder(l, clientOrderID)
			if idx < 0 {
				return mark(nil)
			}
			return mark(l.Levels[idx].Pending)
		})
	case domain.KindTrigger:
		_, err = s.UpdateTrigger(ctx, ref.UserID, ref.ID, func(o *domain.TriggerOrder) error {
			return mark(o.WriteAhead)
		})
	default:
		err = fmt.Errorf("unknown entity kind %q", ref.Kind)
	}
	return first, err
}

func levelByOrder(l *domain.GridLadder, clientOrderID string) int {
	for i := range l.Levels {
		if l.Levels[i].PendingOrderID() == clientOrderID {
			return i
		}
	}
	return -1
}

// ==================== LADDERS ====================

// CreateLadder сохраняет новую сетку с версией 1
func (s *Store) CreateLadder(ctx context.Context, l *domain.GridLadder) error {
	if err := validKeyPart(l.UserID, l.ID); err != nil {
		return err
	}
	unlock := s.locks.Lock(l.Ref().String())
	defer unlock()

	if _, err := s.backend.Get(ctx, l.UserID, domain.KindLadder, l.ID); err == nil {
		return fmt.Errorf("%w: ladder %s already exists", domain.ErrConflict, l.ID)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	now := s.now()
	l.Version = 1
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = now
	return s.putLadder(ctx, l)
}

func (s *Store) GetLadder(ctx context.Context, userID, id string) (*domain.GridLadder, error) {
	rec, err := s.backend.Get(ctx, userID, domain.KindLadder, id)
	if err != nil {
		return nil, err
	}
	return decodeLadder(rec)
}

// UpdateLadder загружает свежую копию, применяет fn и атомарно сохраняет с version+1.
// Если fn возвращает ошибку, запись не меняется.
func (s *Store) UpdateLadder(ctx context.Context, userID, id string, fn func(l *domain.GridLadder) error) (*domain.GridLadder, error) {
	unlock := s.locks.Lock(domain.EntityRef{UserID: userID, Kind: domain.KindLadder, ID: id}.String())
	defer unlock()

	l, err := s.GetLadder(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if err := fn(l); err != nil {
		return nil, err
	}
	l.Version++
	l.UpdatedAt = s.now()
	if err := s.putLadder(ctx, l); err != nil {
		return nil, err
	}
	return l.Clone(), nil
}

// DeleteLadder удаляет сетку, если check (под блокировкой) не вернул ошибку
func (s *Store) DeleteLadder(ctx context.Context, userID, id string, check func(l *domain.GridLadder) error) error {
	unlock := s.locks.Lock(domain.EntityRef{UserID: userID, Kind: domain.KindLadder, ID: id}.String())
	defer unlock()

	l, err := s.GetLadder(ctx, userID, id)
	if err != nil {
		return err
	}
	if check != nil {
		if err := check(l); err != nil {
			return err
		}
	}
	return s.backend.Delete(ctx, userID, domain.KindLadder, id)
}

// ListLadders сетки пользователя; пустой userID означает всех
func (s *Store) ListLadders(ctx context.Context, userID string) ([]*domain.GridLadder, error) {
	records, err := s.backend.List(ctx, userID, domain.KindLadder)
	if err != nil {
		return nil, err
	}
	ladders := make([]*domain.GridLadder, 0, len(records))
	for _, rec := range records {
		l, err := decodeLadder(rec)
		if err != nil {
			return nil, err
		}
		ladders = append(ladders, l)
	}
	return ladders, nil
}

func (s *Store) putLadder(ctx context.Context, l *domain.GridLadder) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("failed to marshal ladder: %w", err)
	}
	return s.backend.Put(ctx, &domain.StateRecord{
		UserID:      l.UserID,
		Kind:        domain.KindLadder,
		EntityID:    l.ID,
		Version:     l.Version,
		Status:      l.Status,
		WriteAhead:  l.HasPending(),
		CommittedAt: l.CommittedAt,
		Data:        data,
		UpdatedAt:   l.UpdatedAt,
	})
}

func decodeLadder(rec *domain.StateRecord) (*domain.GridLadder, error) {
	var l domain.GridLadder
	if err := json.Unmarshal(rec.Data, &l); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ladder %s: %w", rec.EntityID, err)
	}
	l.Version = rec.Version
	return &l, nil
}

// ==================== TRIGGERS ====================

// CreateTrigger сохраняет новый триггер с версией 1
func (s *Store) CreateTrigger(ctx context.Context, o *domain.TriggerOrder) error {
	if err := validKeyPart(o.UserID, o.ID); err != nil {
		return err
	}
	unlock := s.locks.Lock(o.Ref().String())
	defer unlock()

	if _, err := s.backend.Get(ctx, o.UserID, domain.KindTrigger, o.ID); err == nil {
		return fmt.Errorf("%w: trigger %s already exists", domain.ErrConflict, o.ID)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	now := s.now()
	o.Version = 1
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	return s.putTrigger(ctx, o)
}

func (s *Store) GetTrigger(ctx context.Context, userID, id string) (*domain.TriggerOrder, error) {
	rec, err := s.backend.Get(ctx, userID, domain.KindTrigger, id)
	if err != nil {
		return nil, err
	}
	return decodeTrigger(rec)
}

// UpdateTrigger загружает свежую копию, применяет fn и атомарно сохраняет с version+1.
// Терминальные триггеры неизменяемы.
func (s *Store) UpdateTrigger(ctx context.Context, userID, id string, fn func(o *domain.TriggerOrder) error) (*domain.TriggerOrder, error) {
	unlock := s.locks.Lock(domain.EntityRef{UserID: userID, Kind: domain.KindTrigger, ID: id}.String())
	defer unlock()

	o, err := s.GetTrigger(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if o.IsTerminal() {
		return nil, fmt.Errorf("%w: trigger %s is %s", domain.ErrConflict, o.ID, o.Status)
	}
	if err := fn(o); err != nil {
		return nil, err
	}
	o.Version++
	o.UpdatedAt = s.now()
	if err := s.putTrigger(ctx, o); err != nil {
		return nil, err
	}
	return o.Clone(), nil
}

// ListTriggers триггеры пользователя; пустой userID означает всех
func (s *Store) ListTriggers(ctx context.Context, userID string) ([]*domain.TriggerOrder, error) {
	records, err := s.backend.List(ctx, userID, domain.KindTrigger)
	if err != nil {
		return nil, err
	}
	triggers := make([]*domain.TriggerOrder, 0, len(records))
	for _, rec := range records {
		o, err := decodeTrigger(rec)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, o)
	}
	return triggers, nil
}

// CleanupTriggers удаляет терминальные триггеры, завершенные раньше olderThan назад
func (s *Store) CleanupTriggers(ctx context.Context, olderThan time.Duration) (int, error) {
	triggers, err := s.ListTriggers(ctx, "")
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-olderThan)

	removed := 0
	for _, o := range triggers {
		if !o.IsTerminal() || o.ResolvedAt == nil || o.ResolvedAt.After(cutoff) {
			continue
		}
		unlock := s.locks.Lock(o.Ref().String())
		err := s.backend.Delete(ctx, o.UserID, domain.KindTrigger, o.ID)
		unlock()
		if err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (s *Store) putTrigger(ctx context.Context, o *domain.TriggerOrder) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger: %w", err)
	}
	return s.backend.Put(ctx, &domain.StateRecord{
		UserID:      o.UserID,
		Kind:        domain.KindTrigger,
		EntityID:    o.ID,
		Version:     o.Version,
		Status:      o.Status,
		WriteAhead:  o.WriteAhead != nil && !o.WriteAhead.Committed,
		CommittedAt: o.CommittedAt,
		Data:        data,
		UpdatedAt:   o.UpdatedAt,
	})
}

func decodeTrigger(rec *domain.StateRecord) (*domain.TriggerOrder, error) {
	var o domain.TriggerOrder
	if err := json.Unmarshal(rec.Data, &o); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger %s: %w", rec.EntityID, err)
	}
	o.Version = rec.Version
	return &o, nil
}

// ==================== LOAD ====================

// LoadUser текущее состояние пользователя
func (s *Store) LoadUser(ctx context.Context, userID string) (*UserState, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrConfiguration)
	}
	return s.load(ctx, userID)
}

// LoadAll состояние всех пользователей (для восстановления после рестарта)
func (s *Store) LoadAll(ctx context.Context) (*UserState, error) {
	return s.load(ctx, "")
}

func (s *Store) load(ctx context.Context, userID string) (*UserState, error) {
	ladders, err := s.ListLadders(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load ladders: %w", err)
	}
	triggers, err := s.ListTriggers(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load triggers: %w", err)
	}
	return &UserState{Ladders: ladders, Triggers: triggers}, nil
}

// ==================== ORDER LOGS ====================

func (s *Store) AppendOrderLog(ctx context.Context, log *domain.OrderLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = s.now()
	}
	return s.backend.AppendLog(ctx, log)
}

func (s *Store) ListOrderLogs(ctx context.Context, userID string, limit int) ([]domain.OrderLog, error) {
	return s.backend.ListLogs(ctx, userID, limit)
}

func validKeyPart(parts ...string) error {
	for _, p := range parts {
		if p == "" || strings.Contains(p, "/") {
			return fmt.Errorf("%w: invalid id %q", domain.ErrConfiguration, p)
		}
	}
	return nil
}

// keyedMutex блокировка на ключ сущности, запись освобождается когда не используется
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refLock)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

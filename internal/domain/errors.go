package domain

import "errors"

var (
	// ErrNotFound возвращается когда запись или ордер не найдены
	ErrNotFound = errors.New("not found")

	// ErrUnavailable временная ошибка сети или API брокера, повтор на следующем тике
	ErrUnavailable = errors.New("broker unavailable")

	// ErrRejected брокер отклонил ордер (валидация, маржа)
	ErrRejected = errors.New("order rejected")

	// ErrUnknownOutcome результат отправки неизвестен, нужна сверка с брокером
	ErrUnknownOutcome = errors.New("unknown order outcome")

	// ErrConfiguration некорректные параметры сетки или триггера
	ErrConfiguration = errors.New("invalid configuration")

	// ErrConflict операция недопустима в текущем состоянии
	ErrConflict = errors.New("state conflict")

	// ErrRiskLimitExceeded возвращается при превышении лимитов риска
	ErrRiskLimitExceeded = errors.New("risk limit exceeded")

	// ErrEmergencyStop возвращается когда активирован emergency stop
	ErrEmergencyStop = errors.New("emergency stop activated")
)

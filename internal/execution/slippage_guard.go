package execution

import (
	"math"
)

// SlippageGuard сравнивает цену исполнения с ценой срабатывания
type SlippageGuard struct {
	thresholdPercent float64
}

// NewSlippageGuard thresholdPercent <= 0 отключает проверку
func NewSlippageGuard(thresholdPercent float64) *SlippageGuard {
	return &SlippageGuard{
		thresholdPercent: thresholdPercent,
	}
}

// Exceeded true, если проскальзывание больше порога
func (sg *SlippageGuard) Exceeded(actualPrice, expectedPrice float64) (float64, bool) {
	slippage := sg.CalculateSlippage(actualPrice, expectedPrice)
	return slippage, sg.thresholdPercent > 0 && slippage > sg.thresholdPercent
}

// CalculateSlippage вычисляет процент проскальзывания
func (sg *SlippageGuard) CalculateSlippage(actualPrice, expectedPrice float64) float64 {
	if expectedPrice <= 0 || actualPrice <= 0 {
		return 0.0
	}

	return math.Abs((actualPrice - expectedPrice) / expectedPrice * 100.0)
}

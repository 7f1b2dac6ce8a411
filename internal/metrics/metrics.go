// Package metrics метрики движка в формате Prometheus.
//
//   - trigger_orders_total{kind,side,result}  ордера по результату (accepted|filled|rejected|unknown|lost)
//   - trigger_price_fetches_total{result}     обращения к брокеру за ценой (ok|error)
//   - trigger_price_cache_hits_total          цены, отданные из кэша поколения
//   - trigger_ticks_total{kind,result}        тики наблюдателей
//   - trigger_tick_duration_seconds{kind}     длительность тика
//   - trigger_events_total{type}              события уведомлений
//   - trigger_slippage_exceeded_total{kind}   исполнения с проскальзыванием выше порога
//   - trigger_watchers                        активные наблюдатели
//   - trigger_kill_switch                     1, если торговля остановлена
//
// Регистрируются в init() и отдаются через Handler() на /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mtxOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trigger_orders_total",
			Help: "Orders submitted, split by result",
		},
		[]string{"kind", "side", "result"},
	)

	mtxPriceFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trigger_price_fetches_total",
			Help: "Broker price fetches",
		},
		[]string{"result"},
	)

	mtxPriceCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trigger_price_cache_hits_total",
			Help: "Prices served from the per-generation cache",
		},
	)

	mtxTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trigger_ticks_total",
			Help: "Watcher ticks, split by kind and result",
		},
		[]string{"kind", "result"},
	)

	mtxTickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trigger_tick_duration_seconds",
			Help:    "Watcher tick duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	mtxEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trigger_events_total",
			Help: "Notification events emitted",
		},
		[]string{"type"},
	)

	mtxSlippage = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trigger_slippage_exceeded_total",
			Help: "Fills whose price moved past the slippage threshold",
		},
		[]string{"kind"},
	)

	mtxWatchers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trigger_watchers",
			Help: "Running watchers",
		},
	)

	mtxKillSwitch = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trigger_kill_switch",
			Help: "1 when the emergency stop is active",
		},
	)
)

func init() {
	prometheus.MustRegister(mtxOrders, mtxPriceFetches, mtxPriceCacheHits)
	prometheus.MustRegister(mtxTicks, mtxTickDuration)
	prometheus.MustRegister(mtxEvents, mtxSlippage, mtxWatchers, mtxKillSwitch)
}

// Handler отдает метрики из реестра по умолчанию
func Handler() http.Handler { return promhttp.Handler() }

func IncOrder(kind, side, result string)   { mtxOrders.WithLabelValues(kind, side, result).Inc() }
func IncPriceCacheHit()                    { mtxPriceCacheHits.Inc() }
func IncEvent(typ string)                  { mtxEvents.WithLabelValues(typ).Inc() }
func IncSlippage(kind string)              { mtxSlippage.WithLabelValues(kind).Inc() }
func SetWatchers(n int)                    { mtxWatchers.Set(float64(n)) }
func ObserveTick(kind string, sec float64) { mtxTickDuration.WithLabelValues(kind).Observe(sec) }

func IncPriceFetch(err error) {
	if err != nil {
		mtxPriceFetches.WithLabelValues("error").Inc()
		return
	}
	mtxPriceFetches.WithLabelValues("ok").Inc()
}

func IncTick(kind string, err error) {
	if err != nil {
		mtxTicks.WithLabelValues(kind, "error").Inc()
		return
	}
	mtxTicks.WithLabelValues(kind, "ok").Inc()
}

func SetKillSwitch(active bool) {
	if active {
		mtxKillSwitch.Set(1)
		return
	}
	mtxKillSwitch.Set(0)
}

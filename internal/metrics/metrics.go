package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics: счётчики и датчики процесса. Регистрируются один раз на старте.
type Metrics struct {
	TicksTotal      prometheus.Counter
	OrdersPlaced    *prometheus.CounterVec
	OrderErrors     *prometheus.CounterVec
	PositionsOpened prometheus.Counter
	PositionsClosed *prometheus.CounterVec
	PnLRealised     prometheus.Gauge
	EquityTotal     prometheus.Gauge
	Halted          prometheus.Gauge
	CooldownActive  prometheus.Gauge
	APILatency      prometheus.Histogram
	WSReconnects    prometheus.Counter
	SelectorResults *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		TicksTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perpbot_ticks_total",
			Help: "Количество циклов оценки.",
		}),
		OrdersPlaced: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpbot_orders_placed_total",
			Help: "Размещённые ордера по ролям.",
		}, []string{"role"}),
		OrderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpbot_order_errors_total",
			Help: "Ошибки размещения ордеров по ролям.",
		}, []string{"role"}),
		PositionsOpened: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perpbot_positions_opened_total",
			Help: "Открытые позиции.",
		}),
		PositionsClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpbot_positions_closed_total",
			Help: "Закрытые позиции по причинам выхода.",
		}, []string{"reason"}),
		PnLRealised: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perpbot_pnl_realised",
			Help: "Накопленный реализованный PnL с момента запуска.",
		}),
		EquityTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perpbot_equity_total",
			Help: "Последний снимок полного капитала.",
		}),
		Halted: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perpbot_halted",
			Help: "1, если торговля остановлена.",
		}),
		CooldownActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perpbot_cooldown_active",
			Help: "1, если действует пауза после серии убытков.",
		}),
		APILatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "perpbot_api_latency_seconds",
			Help:    "Задержка REST-запросов к бирже.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
		WSReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perpbot_ws_reconnects_total",
			Help: "Переподключения приватного WebSocket.",
		}),
		SelectorResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpbot_selector_results_total",
			Help: "Решения отбора кандидатов по исходам.",
		}, []string{"decision"}),
	}
}

func (m *Metrics) ObserveAPICall(latency time.Duration) {
	m.APILatency.Observe(latency.Seconds())
}

// Serve поднимает HTTP-эндпоинт /metrics. Блокирует, запускать в горутине.
func Serve(listen string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, mux)
}

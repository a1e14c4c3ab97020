// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// バックエンドクライアント、キャッシュ層、オーケストレーター、ワーカーから利用する。
type MetricsCollector interface {
	RecordBackendCall(backend, operation, outcome string, duration time.Duration)
	RecordHTTPStatus(backend string, statusCode int)
	RecordCacheResult(tier string, hit bool)
	RecordOrchestration(operation string, success bool)
	RecordStaleServe(collection string)
	RecordStatusChanges(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	backendCalls   *prometheus.CounterVec
	backendLatency *prometheus.HistogramVec
	httpStatus     *prometheus.CounterVec
	cacheResults   *prometheus.CounterVec
	orchestrations *prometheus.CounterVec
	staleServes    *prometheus.CounterVec
	statusChanges  prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		backendCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shelfstatus_backend_calls_total",
			Help: "バックエンド呼び出しの合計数",
		}, []string{"backend", "operation", "outcome"}),
		backendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shelfstatus_backend_latency_seconds",
			Help:    "バックエンド呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"backend", "operation"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shelfstatus_backend_http_status_total",
			Help: "バックエンドのHTTPステータスコード別のレスポンス数",
		}, []string{"backend", "status_code"}),
		cacheResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shelfstatus_cache_requests_total",
			Help: "キャッシュ層ごとのヒット・ミス数",
		}, []string{"tier", "result"}),
		orchestrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shelfstatus_orchestrations_total",
			Help: "予約・貸出操作の結果別件数",
		}, []string{"operation", "outcome"}),
		staleServes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shelfstatus_stale_serves_total",
			Help: "更新前のキャッシュを返した回数",
		}, []string{"collection"}),
		statusChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shelfstatus_status_changes_recorded_total",
			Help: "記録された資料状態差分の合計数",
		}),
	}

	reg.MustRegister(
		c.backendCalls,
		c.backendLatency,
		c.httpStatus,
		c.cacheResults,
		c.orchestrations,
		c.staleServes,
		c.statusChanges,
	)

	return c
}

// RecordBackendCall はバックエンド呼び出しの結果とレイテンシを記録する。
func (c *Collector) RecordBackendCall(backend, operation, outcome string, duration time.Duration) {
	c.backendCalls.WithLabelValues(backend, operation, outcome).Inc()
	c.backendLatency.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(backend string, statusCode int) {
	c.httpStatus.WithLabelValues(backend, strconv.Itoa(statusCode)).Inc()
}

// RecordCacheResult はキャッシュのヒット・ミスを記録する。
func (c *Collector) RecordCacheResult(tier string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheResults.WithLabelValues(tier, result).Inc()
}

// RecordOrchestration は更新系操作の結果を記録する。
func (c *Collector) RecordOrchestration(operation string, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	c.orchestrations.WithLabelValues(operation, outcome).Inc()
}

// RecordStaleServe は古いキャッシュを返したことを記録する。
func (c *Collector) RecordStaleServe(collection string) {
	c.staleServes.WithLabelValues(collection).Inc()
}

// RecordStatusChanges は記録した差分件数を加算する。
func (c *Collector) RecordStatusChanges(count int) {
	c.statusChanges.Add(float64(count))
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordBackendCall(string, string, string, time.Duration) {}
func (Nop) RecordHTTPStatus(string, int)                              {}
func (Nop) RecordCacheResult(string, bool)                            {}
func (Nop) RecordOrchestration(string, bool)                          {}
func (Nop) RecordStaleServe(string)                                   {}
func (Nop) RecordStatusChanges(int)                                   {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector はPrometheusメトリクスを収集する実装。
// トークン管理・空き状況集約・変更コーディネーター・アウトボックスワーカーの
// 各Recorderインターフェースを満たす。
type Collector struct {
	tokenRefresh     *prometheus.CounterVec
	providerCalls    *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
	availability     *prometheus.CounterVec
	mutationOutcomes *prometheus.CounterVec
	outboxDepth      prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		tokenRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calsync_token_refresh_total",
			Help: "トークンリフレッシュの合計数（プロバイダー・成否別）",
		}, []string{"provider", "success"}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calsync_provider_calls_total",
			Help: "プロバイダーAPI呼び出しの合計数（プロバイダー・操作・成否別）",
		}, []string{"provider", "operation", "success"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "calsync_provider_call_seconds",
			Help:    "プロバイダーAPI呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "operation"}),
		availability: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calsync_availability_queries_total",
			Help: "空き状況照会の合計数（部分結果か否か別）",
		}, []string{"partial"}),
		mutationOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calsync_mutation_outcomes_total",
			Help: "変更操作の接続別結果の合計数（操作・結果別）",
		}, []string{"operation", "outcome"}),
		outboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "calsync_outbox_pending",
			Help: "再試行待ちのアウトボックスエントリ数",
		}),
	}

	reg.MustRegister(
		c.tokenRefresh,
		c.providerCalls,
		c.providerLatency,
		c.availability,
		c.mutationOutcomes,
		c.outboxDepth,
	)

	return c
}

// RecordTokenRefresh はトークンリフレッシュの結果を記録する。
func (c *Collector) RecordTokenRefresh(provider string, success bool) {
	c.tokenRefresh.WithLabelValues(provider, strconv.FormatBool(success)).Inc()
}

// RecordProviderCall はプロバイダーAPI呼び出しの結果とレイテンシを記録する。
func (c *Collector) RecordProviderCall(provider string, operation string, success bool, seconds float64) {
	c.providerCalls.WithLabelValues(provider, operation, strconv.FormatBool(success)).Inc()
	c.providerLatency.WithLabelValues(provider, operation).Observe(seconds)
}

// RecordAvailabilityQuery は空き状況照会を記録する。
func (c *Collector) RecordAvailabilityQuery(partial bool) {
	c.availability.WithLabelValues(strconv.FormatBool(partial)).Inc()
}

// RecordMutationOutcome は変更操作の接続別結果を記録する。
func (c *Collector) RecordMutationOutcome(operation string, outcome string) {
	c.mutationOutcomes.WithLabelValues(operation, outcome).Inc()
}

// SetOutboxDepth は再試行待ちエントリ数を記録する。
func (c *Collector) SetOutboxDepth(n int) {
	c.outboxDepth.Set(float64(n))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

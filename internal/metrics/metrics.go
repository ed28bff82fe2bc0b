// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ギャラリー、セッション監視、HTTP層から利用する。
type MetricsCollector interface {
	RecordSignFailure()
	RecordUpload(success bool, files int)
	RecordDelete(success bool)
	RecordIdleSignOut()
	RecordHTTPStatus(statusCode int)
	SetActiveWorkspaces(n int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	signFail         prometheus.Counter
	uploads          *prometheus.CounterVec
	uploadedFiles    prometheus.Counter
	deletes          *prometheus.CounterVec
	idleSignOuts     prometheus.Counter
	httpStatus       *prometheus.CounterVec
	remoteLatency    *prometheus.HistogramVec
	activeWorkspaces prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		signFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "photodump_image_sign_fail_total",
			Help: "署名付きURL発行失敗の合計数",
		}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "photodump_image_upload_batches_total",
			Help: "結果別の画像アップロード（バッチ単位）の合計数",
		}, []string{"result"}),
		uploadedFiles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "photodump_image_uploaded_files_total",
			Help: "アップロードに成功した画像ファイルの合計数",
		}),
		deletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "photodump_image_delete_total",
			Help: "結果別の画像削除の合計数",
		}, []string{"result"}),
		idleSignOuts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "photodump_idle_signout_total",
			Help: "アイドルタイムアウトによるサインアウト開始の合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "photodump_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		remoteLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "photodump_remote_request_duration_seconds",
			Help:    "BaaSへのリクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "code"}),
		activeWorkspaces: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "photodump_active_workspaces",
			Help: "保持しているワークスペースの数",
		}),
	}

	reg.MustRegister(
		c.signFail,
		c.uploads,
		c.uploadedFiles,
		c.deletes,
		c.idleSignOuts,
		c.httpStatus,
		c.remoteLatency,
		c.activeWorkspaces,
	)

	return c
}

// RecordSignFailure は署名付きURL発行の失敗を記録する。
func (c *Collector) RecordSignFailure() {
	c.signFail.Inc()
}

// RecordUpload はアップロードバッチの結果を記録する。
func (c *Collector) RecordUpload(success bool, files int) {
	c.uploads.WithLabelValues(result(success)).Inc()
	if success {
		c.uploadedFiles.Add(float64(files))
	}
}

// RecordDelete は削除の結果を記録する。
func (c *Collector) RecordDelete(success bool) {
	c.deletes.WithLabelValues(result(success)).Inc()
}

// RecordIdleSignOut はアイドルタイムアウトによるサインアウト開始を記録する。
func (c *Collector) RecordIdleSignOut() {
	c.idleSignOuts.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// SetActiveWorkspaces は保持しているワークスペース数を設定する。
func (c *Collector) SetActiveWorkspaces(n int) {
	c.activeWorkspaces.Set(float64(n))
}

// InstrumentTransport はBaaSへのリクエストのレイテンシを計測するRoundTripperを返す。
func (c *Collector) InstrumentTransport(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return promhttp.InstrumentRoundTripperDuration(c.remoteLatency, next)
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)

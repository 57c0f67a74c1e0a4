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
// ディスパッチャ、検証器、再生エンジン、ホストブリッジから利用する。
type MetricsCollector interface {
	RecordCommand(op, status string, duration time.Duration)
	RecordHeaderOutcome(outcome string)
	RecordSignatureFailure(kind string)
	RecordTamper()
	RecordLoginFailure(reason string)
	RecordSegmentPlayed(rawBytes int)
	RecordHTTPStatus(statusCode int)
}

// 署名失敗の種別ラベル。
const (
	SigKindModule  = "module"
	SigKindOwner   = "owner"
	SigKindSegment = "segment"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	commands       *prometheus.CounterVec
	commandLatency *prometheus.HistogramVec
	headerOutcomes *prometheus.CounterVec
	signatureFail  *prometheus.CounterVec
	tamper         prometheus.Counter
	loginFail      *prometheus.CounterVec
	segmentsPlayed prometheus.Counter
	bytesPlayed    prometheus.Counter
	httpStatus     *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audiodrm_commands_total",
			Help: "処理したコマンド数（操作、最終ステータス別）",
		}, []string{"op", "status"}),
		commandLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audiodrm_command_duration_seconds",
			Help:    "コマンドの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		headerOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audiodrm_header_outcomes_total",
			Help: "ヘッダー検証結果の合計数",
		}, []string{"outcome"}),
		signatureFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audiodrm_signature_failures_total",
			Help: "署名検証失敗の合計数（module, owner, segment）",
		}, []string{"kind"}),
		tamper: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audiodrm_tamper_responses_total",
			Help: "改ざん応答の発動回数",
		}),
		loginFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audiodrm_login_failures_total",
			Help: "ログイン失敗の合計数",
		}, []string{"reason"}),
		segmentsPlayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audiodrm_segments_played_total",
			Help: "出力したセグメントの合計数",
		}),
		bytesPlayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audiodrm_pcm_bytes_total",
			Help: "出力したPCMバイトの合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audiodrm_http_status_total",
			Help: "ホストブリッジのHTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.commands,
		c.commandLatency,
		c.headerOutcomes,
		c.signatureFail,
		c.tamper,
		c.loginFail,
		c.segmentsPlayed,
		c.bytesPlayed,
		c.httpStatus,
	)

	return c
}

// RecordCommand はコマンドの処理結果と処理時間を記録する。
func (c *Collector) RecordCommand(op, status string, duration time.Duration) {
	c.commands.WithLabelValues(op, status).Inc()
	c.commandLatency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordHeaderOutcome はヘッダー検証結果を記録する。
func (c *Collector) RecordHeaderOutcome(outcome string) {
	c.headerOutcomes.WithLabelValues(outcome).Inc()
}

// RecordSignatureFailure は署名検証失敗を記録する。
func (c *Collector) RecordSignatureFailure(kind string) {
	c.signatureFail.WithLabelValues(kind).Inc()
}

// RecordTamper は改ざん応答の発動を記録する。
func (c *Collector) RecordTamper() {
	c.tamper.Inc()
}

// RecordLoginFailure はログイン失敗を記録する。
func (c *Collector) RecordLoginFailure(reason string) {
	c.loginFail.WithLabelValues(reason).Inc()
}

// RecordSegmentPlayed は出力したセグメントを記録する。
func (c *Collector) RecordSegmentPlayed(rawBytes int) {
	c.segmentsPlayed.Inc()
	c.bytesPlayed.Add(float64(rawBytes))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordCommand(string, string, time.Duration) {}
func (Nop) RecordHeaderOutcome(string) {}
func (Nop) RecordSignatureFailure(string) {}
func (Nop) RecordTamper() {}
func (Nop) RecordLoginFailure(string) {}
func (Nop) RecordSegmentPlayed(int) {}
func (Nop) RecordHTTPStatus(int) {}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)

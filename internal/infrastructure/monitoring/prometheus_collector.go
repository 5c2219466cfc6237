package monitoring

import (
	"time"

	"rtcwatch/internal/core/domain"
	"rtcwatch/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// statusValue is the badge gauge value of each quality status.
var statusValue = map[domain.QualityStatus]float64{
	domain.StatusUnknown: 0,
	domain.StatusGood:    1,
	domain.StatusFair:    2,
	domain.StatusPoor:    3,
}

type PrometheusCollector struct {
	samplesTotal       *prometheus.CounterVec
	capturesTotal      *prometheus.CounterVec
	captureDuration    *prometheus.HistogramVec
	notificationsTotal prometheus.Counter
	uploadsTotal       *prometheus.CounterVec

	// tabQuality is the badge: one series per tab.
	tabQuality *prometheus.GaugeVec
}

// NewPrometheusCollector registers the monitor's metrics with reg, or with
// the default registerer when reg is nil.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		samplesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtcwatch_samples_total",
			Help: "Samples classified, by quality status",
		}, []string{"status"}),

		capturesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtcwatch_captures_total",
			Help: "Capture attempts by acquisition strategy and result",
		}, []string{"strategy", "result"}),

		captureDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rtcwatch_capture_duration_seconds",
			Help:    "Duration of captures by acquisition strategy",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"strategy"}),

		notificationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "rtcwatch_notifications_total",
			Help: "Poor quality notifications shown",
		}),

		uploadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtcwatch_uploaded_samples_total",
			Help: "Samples submitted to the collector, by result",
		}, []string{"result"}),

		tabQuality: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rtcwatch_tab_quality_status",
			Help: "Latest quality status per tab (0 unknown, 1 good, 2 fair, 3 poor)",
		}, []string{"tab_id"}),
	}
}

func (p *PrometheusCollector) RecordCapture(strategy domain.Strategy, success bool, duration time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	p.capturesTotal.WithLabelValues(string(strategy), result).Inc()
	p.captureDuration.WithLabelValues(string(strategy)).Observe(duration.Seconds())
}

func (p *PrometheusCollector) RecordSample(status domain.QualityStatus) {
	p.samplesTotal.WithLabelValues(string(status)).Inc()
}

func (p *PrometheusCollector) RecordNotification() {
	p.notificationsTotal.Inc()
}

func (p *PrometheusCollector) RecordUpload(count int, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	p.uploadsTotal.WithLabelValues(result).Add(float64(count))
}

func (p *PrometheusCollector) SetTabQuality(tabID domain.TabID, status domain.QualityStatus) {
	p.tabQuality.WithLabelValues(string(tabID)).Set(statusValue[status])
}

// ForgetTab drops the badge series of a closed tab.
func (p *PrometheusCollector) ForgetTab(tabID domain.TabID) {
	p.tabQuality.DeleteLabelValues(string(tabID))
}

var (
	_ ports.CaptureRecorder = (*PrometheusCollector)(nil)
	_ ports.UploadRecorder  = (*PrometheusCollector)(nil)
)

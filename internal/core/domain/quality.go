package domain

type QualityStatus string

const (
	StatusUnknown QualityStatus = "unknown"
	StatusGood    QualityStatus = "good"
	StatusFair    QualityStatus = "fair"
	StatusPoor    QualityStatus = "poor"
)

// Initial is the single upper-case letter shown on the badge.
func (s QualityStatus) Initial() string {
	if s == "" {
		return "U"
	}
	b := s[0]
	if b >= 'a' && b <= 'z' {
		b -= 'a' - 'A'
	}
	return string(b)
}

type Severity string

const (
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type MetricName string

const (
	MetricRTT        MetricName = "rtt"
	MetricPacketLoss MetricName = "packetLoss"
	MetricJitter     MetricName = "jitter"
)

type Issue struct {
	Severity  Severity   `json:"severity"`
	Metric    MetricName `json:"metric"`
	Value     float64    `json:"value"`
	Threshold float64    `json:"threshold"`
	Message   string     `json:"message"`
}

type QualityResult struct {
	Status  QualityStatus    `json:"status"`
	Message string           `json:"message"`
	Metrics CanonicalMetrics `json:"metrics"`
	Issues  []Issue          `json:"issues"`
}

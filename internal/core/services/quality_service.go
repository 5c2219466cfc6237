package services

import (
	"fmt"
	"math"
	"strings"

	"rtcwatch/internal/core/domain"
)

const goodQualityMessage = "Connection quality is good"

// QualityService classifies canonical metrics against fixed thresholds. It
// holds no mutable state and is safe for concurrent use. Build a new one when
// the thresholds change.
type QualityService struct {
	thresholds domain.QualityThresholds
}

func NewQualityService(thresholds domain.QualityThresholds) *QualityService {
	return &QualityService{thresholds: thresholds.WithDefaults()}
}

// GetThresholds returns the thresholds the classifier was built with
func (qs *QualityService) GetThresholds() domain.QualityThresholds {
	return qs.thresholds
}

// Analyze scores metrics. A nil record is the only way to get an unknown
// status.
func (qs *QualityService) Analyze(metrics *domain.CanonicalMetrics) domain.QualityResult {
	if metrics == nil {
		return domain.QualityResult{
			Status:  domain.StatusUnknown,
			Message: "No stats available",
			Issues:  []domain.Issue{},
		}
	}

	issues := make([]domain.Issue, 0, 3)
	if issue, ok := qs.check(domain.MetricRTT, metrics.RTT, qs.thresholds.RTT); ok {
		issues = append(issues, issue)
	}
	if issue, ok := qs.check(domain.MetricPacketLoss, metrics.PacketLoss, qs.thresholds.PacketLoss); ok {
		issues = append(issues, issue)
	}
	if issue, ok := qs.check(domain.MetricJitter, metrics.Jitter, qs.thresholds.Jitter); ok {
		issues = append(issues, issue)
	}

	status, message := summarize(issues)
	return domain.QualityResult{
		Status:  status,
		Message: message,
		Metrics: *metrics,
		Issues:  issues,
	}
}

// AnalyzeEntries normalizes raw reports and classifies the result. A nil
// slice means no stats were captured at all.
func (qs *QualityService) AnalyzeEntries(entries []domain.RawStatEntry) domain.QualityResult {
	if entries == nil {
		return qs.Analyze(nil)
	}
	metrics := Normalize(entries)
	return qs.Analyze(&metrics)
}

func (qs *QualityService) check(metric domain.MetricName, value *float64, threshold float64) (domain.Issue, bool) {
	if !usable(value) || *value <= threshold {
		return domain.Issue{}, false
	}

	severity := domain.SeverityMedium
	if *value > threshold*2 {
		severity = domain.SeverityHigh
	}

	return domain.Issue{
		Severity:  severity,
		Metric:    metric,
		Value:     *value,
		Threshold: threshold,
		Message:   issueMessage(metric, severity, *value),
	}, true
}

func issueMessage(metric domain.MetricName, severity domain.Severity, value float64) string {
	high := severity == domain.SeverityHigh
	switch metric {
	case domain.MetricRTT:
		if high {
			return fmt.Sprintf("High latency detected (%dms)", int64(math.Round(value)))
		}
		return fmt.Sprintf("Elevated latency (%dms)", int64(math.Round(value)))
	case domain.MetricPacketLoss:
		if high {
			return fmt.Sprintf("Severe packet loss (%.1f%%)", value)
		}
		return fmt.Sprintf("Packet loss detected (%.1f%%)", value)
	case domain.MetricJitter:
		if high {
			return fmt.Sprintf("High jitter detected (%dms)", int64(math.Round(value)))
		}
		return fmt.Sprintf("Elevated jitter (%dms)", int64(math.Round(value)))
	}
	return string(metric)
}

func summarize(issues []domain.Issue) (domain.QualityStatus, string) {
	if len(issues) == 0 {
		return domain.StatusGood, goodQualityMessage
	}

	var high, medium []string
	for _, issue := range issues {
		if issue.Severity == domain.SeverityHigh {
			high = append(high, issue.Message)
		} else {
			medium = append(medium, issue.Message)
		}
	}

	if len(high) > 0 {
		return domain.StatusPoor, strings.Join(high, ", ")
	}
	return domain.StatusFair, strings.Join(medium, ", ")
}

package monitoring

import (
	"context"
	"strings"

	"rtcwatch/internal/core/domain"
	"rtcwatch/internal/core/ports"

	"go.uber.org/zap"
)

// EventPublisher fans presentation events out to other instances.
type EventPublisher interface {
	PublishQualityAlert(ctx context.Context, tabID domain.TabID, result domain.QualityResult) error
	PublishBadge(ctx context.Context, tabID domain.TabID, status domain.QualityStatus) error
}

var badgeColors = map[domain.QualityStatus]string{
	domain.StatusGood:    "#00C853",
	domain.StatusFair:    "#FFB300",
	domain.StatusPoor:    "#D50000",
	domain.StatusUnknown: "#9E9E9E",
}

func BadgeColor(status domain.QualityStatus) string {
	if c, ok := badgeColors[status]; ok {
		return c
	}
	return badgeColors[domain.StatusUnknown]
}

// Presenter shows quality results as log lines, metrics and bus events.
// Publishing is best effort; failures are logged.
type Presenter struct {
	metrics *PrometheusCollector
	events  EventPublisher
	logger  *zap.SugaredLogger
}

func NewPresenter(metrics *PrometheusCollector, events EventPublisher, logger *zap.SugaredLogger) *Presenter {
	return &Presenter{metrics: metrics, events: events, logger: logger}
}

func (p *Presenter) Notify(ctx context.Context, tabID domain.TabID, result domain.QualityResult) {
	issues := make([]string, 0, len(result.Issues))
	for _, issue := range result.Issues {
		issues = append(issues, issue.Message)
	}
	message := result.Message
	if message == "" {
		message = "Connection quality is degraded"
	}
	p.logger.Warnw("WebRTC Connection Quality Warning",
		"tab_id", tabID,
		"message", message,
		"issues", strings.Join(issues, "; "),
	)

	if p.metrics != nil {
		p.metrics.RecordNotification()
	}
	if p.events != nil {
		if err := p.events.PublishQualityAlert(ctx, tabID, result); err != nil {
			p.logger.Debugw("Failed to publish quality alert", "tab_id", tabID, "error", err)
		}
	}
}

func (p *Presenter) SetBadge(ctx context.Context, tabID domain.TabID, status domain.QualityStatus) {
	p.logger.Debugw("Badge updated",
		"tab_id", tabID,
		"text", status.Initial(),
		"color", BadgeColor(status),
	)

	if p.metrics != nil {
		p.metrics.SetTabQuality(tabID, status)
	}
	if p.events != nil {
		if err := p.events.PublishBadge(ctx, tabID, status); err != nil {
			p.logger.Debugw("Failed to publish badge", "tab_id", tabID, "error", err)
		}
	}
}

var _ ports.Presenter = (*Presenter)(nil)

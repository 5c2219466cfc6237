package ports

import (
	"context"
	"encoding/json"
	"time"

	"rtcwatch/internal/core/domain"
)

type Classifier interface {
	Analyze(metrics *domain.CanonicalMetrics) domain.QualityResult
}

// Debugger is the external debugging channel. Targets are identified by the
// id reported in TargetInfo; a tab id is the id of its page target.
type Debugger interface {
	Attach(ctx context.Context, target string) error
	Detach(ctx context.Context, target string) error
	SendCommand(ctx context.Context, target, method string, params any) (json.RawMessage, error)
	Targets(ctx context.Context) ([]domain.TargetInfo, error)
}

// Messenger delivers a request to the relay of a tab. delivered is false when
// nobody is listening, which is not an error.
type Messenger interface {
	Send(ctx context.Context, tabID domain.TabID, msg domain.Message) (reply json.RawMessage, delivered bool, err error)
	Tabs() []domain.TabID
}

// Presenter shows quality results to the user.
type Presenter interface {
	Notify(ctx context.Context, tabID domain.TabID, result domain.QualityResult)
	SetBadge(ctx context.Context, tabID domain.TabID, status domain.QualityStatus)
}

// Collector is the remote collector client.
type Collector interface {
	FetchConfiguration(ctx context.Context) (*domain.SettingsFragment, error)
	UploadData(ctx context.Context, samples []domain.StatSample) (domain.UploadResult, error)
	TestConnection(ctx context.Context) domain.ConnectionCheck
	TestEndpoint(ctx context.Context, url string) domain.EndpointCheck
}

// TabLocker serializes debugger attachment to a tab across monitor instances.
type TabLocker interface {
	LockTab(ctx context.Context, tabID domain.TabID, ttl time.Duration) (unlock func(), err error)
}

// CaptureRecorder receives capture telemetry.
type CaptureRecorder interface {
	RecordCapture(strategy domain.Strategy, success bool, duration time.Duration)
	RecordSample(status domain.QualityStatus)
}

// UploadRecorder receives upload outcomes.
type UploadRecorder interface {
	RecordUpload(count int, success bool)
}

// StatsSink is where every acquisition strategy delivers its captures.
type StatsSink interface {
	HandleStats(ctx context.Context, connections []domain.ConnectionStats, tabID domain.TabID) (*domain.QualityResult, error)
}

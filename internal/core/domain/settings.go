package domain

import "time"

// MonitorSettings is the user facing configuration of the monitor. It is
// persisted under the "config" key and may be extended by a fragment served
// from the collector's /api/config endpoint.
type MonitorSettings struct {
	APIEndpoint         string            `json:"apiEndpoint"`
	UploadInterval      int64             `json:"uploadInterval"` // ms
	QualityThreshold    QualityThresholds `json:"qualityThreshold"`
	EnableNotifications bool              `json:"enableNotifications"`
	EnableDataUpload    bool              `json:"enableDataUpload"`
	AutoUpload          bool              `json:"autoUpload"`
}

const DefaultUploadInterval = 300000

func DefaultMonitorSettings() MonitorSettings {
	return MonitorSettings{
		UploadInterval:      DefaultUploadInterval,
		QualityThreshold:    DefaultQualityThresholds(),
		EnableNotifications: true,
	}
}

func (s MonitorSettings) UploadEvery() time.Duration {
	if s.UploadInterval <= 0 {
		return DefaultUploadInterval * time.Millisecond
	}
	return time.Duration(s.UploadInterval) * time.Millisecond
}

// UploadsEnabled reports whether the periodic uploader should run.
func (s MonitorSettings) UploadsEnabled() bool {
	return s.EnableDataUpload && s.AutoUpload
}

// SettingsFragment is a partial settings document. Only the fields present
// in the fragment override the current settings.
type SettingsFragment struct {
	APIEndpoint         *string            `json:"apiEndpoint,omitempty"`
	UploadInterval      *int64             `json:"uploadInterval,omitempty"`
	QualityThreshold    *QualityThresholds `json:"qualityThreshold,omitempty"`
	EnableNotifications *bool              `json:"enableNotifications,omitempty"`
	EnableDataUpload    *bool              `json:"enableDataUpload,omitempty"`
	AutoUpload          *bool              `json:"autoUpload,omitempty"`
}

// Merge returns s with every field set in f applied on top.
func (s MonitorSettings) Merge(f SettingsFragment) MonitorSettings {
	if f.APIEndpoint != nil {
		s.APIEndpoint = *f.APIEndpoint
	}
	if f.UploadInterval != nil {
		s.UploadInterval = *f.UploadInterval
	}
	if f.QualityThreshold != nil {
		s.QualityThreshold = f.QualityThreshold.WithDefaults()
	}
	if f.EnableNotifications != nil {
		s.EnableNotifications = *f.EnableNotifications
	}
	if f.EnableDataUpload != nil {
		s.EnableDataUpload = *f.EnableDataUpload
	}
	if f.AutoUpload != nil {
		s.AutoUpload = *f.AutoUpload
	}
	return s
}

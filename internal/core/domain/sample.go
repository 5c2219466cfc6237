package domain

// StatSample is one persisted capture together with its classification.
type StatSample struct {
	ID         string            `json:"id"`
	Timestamp  int64             `json:"timestamp"` // unix ms
	TabID      TabID             `json:"tabId"`
	Stats      []ConnectionStats `json:"stats"`
	Quality    QualityResult     `json:"quality"`
	Uploaded   bool              `json:"uploaded"`
	UploadedAt *int64            `json:"uploadedAt,omitempty"`
}

// SampleInput is what the coordinator hands to the store.
type SampleInput struct {
	Timestamp int64
	TabID     TabID
	Stats     []ConnectionStats
	Quality   QualityResult
}

type StoreStatistics struct {
	Total    int    `json:"total"`
	Uploaded int    `json:"uploaded"`
	Pending  int    `json:"pending"`
	Oldest   *int64 `json:"oldest"`
	Newest   *int64 `json:"newest"`
}

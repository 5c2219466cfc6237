package domain

import "encoding/json"

// Strategy names one way of acquiring connection statistics.
type Strategy string

const (
	StrategyInterception Strategy = "interception"
	StrategyScan         Strategy = "scan"
	StrategyDebugger     Strategy = "debugger"
	StrategyWorker       Strategy = "worker"
)

// Target types reported by the debugging channel.
const (
	TargetTypePage          = "page"
	TargetTypeWorker        = "worker"
	TargetTypeServiceWorker = "service_worker"
	TargetTypeSharedWorker  = "shared_worker"
)

type TargetInfo struct {
	TargetID string `json:"targetId"`
	Type     string `json:"type"`
	Title    string `json:"title,omitempty"`
	URL      string `json:"url,omitempty"`
	Attached bool   `json:"attached,omitempty"`
}

// IsWorker reports whether the target runs in a worker global scope.
func (t TargetInfo) IsWorker() bool {
	switch t.Type {
	case TargetTypeWorker, TargetTypeServiceWorker, TargetTypeSharedWorker:
		return true
	}
	return false
}

// CaptureResult is the outcome of a debugger-based capture of one tab.
type CaptureResult struct {
	Success     bool   `json:"success"`
	ResultCount int    `json:"resultCount"`
	Connections int    `json:"connections"`
	Attempts    int    `json:"attempts"`
	Error       string `json:"error,omitempty"`
	Detail      string `json:"detail,omitempty"`

	// Workers is the outcome of the worker pass that follows a tab capture.
	Workers *CaptureResult `json:"workers,omitempty"`
}

// CandidateResult is the outcome of invoking stats retrieval on one object
// found by a scan.
type CandidateResult struct {
	Name    string            `json:"name"`
	Success bool              `json:"success"`
	Entries []json.RawMessage `json:"entries,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// ScanReport lists every candidate a scan tried.
type ScanReport struct {
	Success    bool              `json:"success"`
	Candidates []CandidateResult `json:"candidates"`
	Error      string            `json:"error,omitempty"`
}

// ScanOutcome is the result of asking one tab's relay for an on-demand scan.
// Delivered is false when no relay answered, which is not an error.
type ScanOutcome struct {
	TabID       TabID          `json:"tabId"`
	Delivered   bool           `json:"delivered"`
	Connections int            `json:"connections"`
	Quality     *QualityResult `json:"quality,omitempty"`
	Report      *ScanReport    `json:"report,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Connections converts the successful candidates into connection groups.
// prefix is prepended to every connection id when not empty.
func Connections(candidates []CandidateResult, prefix string) []ConnectionStats {
	out := make([]ConnectionStats, 0, len(candidates))
	for _, c := range candidates {
		if !c.Success || c.Entries == nil {
			continue
		}
		id := c.Name
		if prefix != "" {
			id = prefix + ":" + c.Name
		}
		entries, skipped := DecodeEntries(c.Entries)
		out = append(out, ConnectionStats{ConnectionID: id, Stats: entries, Skipped: skipped})
	}
	return out
}

// UploadResult is returned by the remote collector client.
type UploadResult struct {
	Success  bool            `json:"success"`
	Response json.RawMessage `json:"response,omitempty"`
	Error    string          `json:"error,omitempty"`
}

type ConnectionCheck struct {
	Success   bool            `json:"success"`
	Connected bool            `json:"connected"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type EndpointCheck struct {
	Success    bool   `json:"success"`
	Accessible bool   `json:"accessible"`
	Status     int    `json:"status,omitempty"`
	StatusText string `json:"statusText,omitempty"`
	Error      string `json:"error,omitempty"`
}

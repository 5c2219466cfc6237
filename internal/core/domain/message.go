package domain

import "encoding/json"

// Message types exchanged between page relays and the monitor.
const (
	MessageWebRTCStats   = "webrtc-stats"
	MessageDumpStatsNow  = "dump-stats-now"
	MessageScanResult    = "scan-result"
	MessageAck           = "ack"
	MessageError         = "error"
	MessageHookInstalled = "hook-installed"
)

// Message is the envelope used on the relay channel. Payload is decoded
// according to Type.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	TabID   TabID           `json:"tabId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// StatsPayload carries the captures of one polling round.
type StatsPayload struct {
	Stats []ConnectionStats `json:"stats"`
}

// ErrorPayload is the body of an error reply. A message rejected with
// Retriable false will be rejected again and must not be resent.
type ErrorPayload struct {
	Message   string `json:"message"`
	Retriable bool   `json:"retriable,omitempty"`
}

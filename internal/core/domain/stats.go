package domain

import (
	"encoding/json"
	"fmt"
)

type TabID string

type StatKind string

const (
	StatKindCandidatePair    StatKind = "candidate-pair"
	StatKindInboundRTP       StatKind = "inbound-rtp"
	StatKindOutboundRTP      StatKind = "outbound-rtp"
	StatKindRemoteInboundRTP StatKind = "remote-inbound-rtp"
)

// Known reports whether the normalizer understands this report kind.
func (k StatKind) Known() bool {
	switch k {
	case StatKindCandidatePair, StatKindInboundRTP, StatKindOutboundRTP, StatKindRemoteInboundRTP:
		return true
	}
	return false
}

// RawStatEntry is one statistics report as produced by the observed runtime.
// Numeric fields are nil when the runtime did not report them. Time based
// fields keep the runtime's units (seconds for round-trip time and jitter)
// except RTT, which some runtimes already report in milliseconds.
type RawStatEntry struct {
	ID        string   `json:"id,omitempty"`
	Type      StatKind `json:"type"`
	Timestamp *float64 `json:"timestamp,omitempty"`
	Kind      string   `json:"kind,omitempty"`
	State     string   `json:"state,omitempty"`
	Nominated *bool    `json:"nominated,omitempty"`

	RTT                  *float64 `json:"rtt,omitempty"`
	CurrentRoundTripTime *float64 `json:"currentRoundTripTime,omitempty"`
	TotalRoundTripTime   *float64 `json:"totalRoundTripTime,omitempty"`
	RoundTripTime        *float64 `json:"roundTripTime,omitempty"`

	AvailableOutgoingBitrate *float64 `json:"availableOutgoingBitrate,omitempty"`
	AvailableIncomingBitrate *float64 `json:"availableIncomingBitrate,omitempty"`
	BytesSent                *float64 `json:"bytesSent,omitempty"`
	BytesReceived            *float64 `json:"bytesReceived,omitempty"`

	PacketsSent          *float64 `json:"packetsSent,omitempty"`
	PacketsReceived      *float64 `json:"packetsReceived,omitempty"`
	PacketsLost          *float64 `json:"packetsLost,omitempty"`
	PacketLossPercentage *float64 `json:"packetLossPercentage,omitempty"`
	FractionLost         *float64 `json:"fractionLost,omitempty"`
	Jitter               *float64 `json:"jitter,omitempty"`
	FramesDropped        *float64 `json:"framesDropped,omitempty"`
}

// ConnectionStats groups the reports captured for one connection.
type ConnectionStats struct {
	ConnectionID string         `json:"connectionId"`
	Stats        []RawStatEntry `json:"stats"`

	// Skipped counts entries dropped while decoding.
	Skipped int `json:"-"`
}

// UnmarshalJSON decodes the report list entry by entry so a single malformed
// report only removes itself from the group.
func (c *ConnectionStats) UnmarshalJSON(data []byte) error {
	var wire struct {
		ConnectionID json.RawMessage   `json:"connectionId"`
		Stats        []json.RawMessage `json:"stats"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	c.ConnectionID = decodeConnectionID(wire.ConnectionID)
	c.Stats, c.Skipped = DecodeEntries(wire.Stats)
	return nil
}

// DecodeEntries decodes raw reports, dropping the ones that fail to decode or
// carry no type. It returns the decoded entries and the number skipped.
func DecodeEntries(raw []json.RawMessage) ([]RawStatEntry, int) {
	entries := make([]RawStatEntry, 0, len(raw))
	skipped := 0
	for _, r := range raw {
		var e RawStatEntry
		if err := json.Unmarshal(r, &e); err != nil || e.Type == "" {
			skipped++
			continue
		}
		entries = append(entries, e)
	}
	return entries, skipped
}

// connection ids arrive as strings from pages but some runtimes use numbers
func decodeConnectionID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return fmt.Sprintf("%s", raw)
}

package services

import (
	"math"

	"rtcwatch/internal/core/domain"
	"rtcwatch/pkg/utils"
)

// metricAccumulator collects source fields with first-writer-wins semantics.
type metricAccumulator struct {
	rtt, jitter                  *float64
	remoteRTT, remoteJitter      *float64
	outgoingBitrate              *float64
	incomingBitrate              *float64
	bytesSent, bytesReceived     *float64
	packetsSent, packetsReceived *float64
	packetsLost, lossPercentage  *float64
	framesDropped                *float64
}

// setOnce stores v in dst unless dst is already set or v is unusable.
func setOnce(dst **float64, v *float64, scale float64) {
	if *dst != nil || !usable(v) {
		return
	}
	x := *v * scale
	*dst = &x
}

func usable(v *float64) bool {
	return v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0)
}

// Normalize maps the reports of one capture onto CanonicalMetrics. Only the
// first candidate-pair report is read; later pairs never fill its gaps.
// Entries of unknown kind are ignored and a missing source field leaves the
// matching metric nil.
func Normalize(entries []domain.RawStatEntry) domain.CanonicalMetrics {
	var acc metricAccumulator
	seenPair := false

	for i := range entries {
		e := &entries[i]
		switch e.Type {
		case domain.StatKindCandidatePair:
			if seenPair {
				continue
			}
			seenPair = true
			if usable(e.RTT) {
				setOnce(&acc.rtt, e.RTT, 1)
			} else {
				setOnce(&acc.rtt, e.CurrentRoundTripTime, 1000)
			}
			setOnce(&acc.outgoingBitrate, e.AvailableOutgoingBitrate, 1)
			setOnce(&acc.incomingBitrate, e.AvailableIncomingBitrate, 1)
			setOnce(&acc.bytesSent, e.BytesSent, 1)
			setOnce(&acc.bytesReceived, e.BytesReceived, 1)

		case domain.StatKindInboundRTP:
			setOnce(&acc.packetsReceived, e.PacketsReceived, 1)
			setOnce(&acc.packetsLost, e.PacketsLost, 1)
			setOnce(&acc.jitter, e.Jitter, 1000)
			setOnce(&acc.bytesReceived, e.BytesReceived, 1)
			setOnce(&acc.framesDropped, e.FramesDropped, 1)
			setOnce(&acc.lossPercentage, e.PacketLossPercentage, 1)

		case domain.StatKindOutboundRTP:
			setOnce(&acc.packetsSent, e.PacketsSent, 1)
			setOnce(&acc.bytesSent, e.BytesSent, 1)
			setOnce(&acc.lossPercentage, e.PacketLossPercentage, 1)

		case domain.StatKindRemoteInboundRTP:
			setOnce(&acc.remoteRTT, e.RoundTripTime, 1000)
			setOnce(&acc.remoteJitter, e.Jitter, 1000)
		}
	}

	return acc.metrics()
}

func (acc *metricAccumulator) metrics() domain.CanonicalMetrics {
	m := domain.CanonicalMetrics{
		RTT:           acc.rtt,
		Jitter:        acc.jitter,
		Bandwidth:     acc.outgoingBitrate,
		FramesDropped: acc.framesDropped,
		Timestamp:     utils.Now().UnixMilli(),
	}
	if m.RTT == nil {
		m.RTT = acc.remoteRTT
	}
	if m.Jitter == nil {
		m.Jitter = acc.remoteJitter
	}

	switch {
	case acc.packetsLost != nil && acc.packetsSent != nil:
		total := *acc.packetsSent + *acc.packetsLost
		loss := 0.0
		if total > 0 {
			loss = *acc.packetsLost * 100 / total
		}
		m.PacketLoss = &loss
	case acc.lossPercentage != nil:
		m.PacketLoss = acc.lossPercentage
	}

	return m
}

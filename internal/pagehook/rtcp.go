package pagehook

import (
	"fmt"
	"time"

	"rtcwatch/internal/core/domain"

	"github.com/pion/rtcp"
)

// ntpEpochOffset is the number of seconds between 1900-01-01 and 1970-01-01.
const ntpEpochOffset = 2208988800

// ntpMiddle returns the middle 32 bits of the NTP timestamp of t, the unit
// used by the LSR and DLSR fields of reception reports.
func ntpMiddle(t time.Time) uint32 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return uint32(secs<<16) | uint32(frac>>16)
}

// ReceiverReportEntries converts the receiver reports found in packets into
// remote-inbound-rtp entries. Other packet types are ignored.
func ReceiverReportEntries(packets []rtcp.Packet, kind string, clockRate uint32, now time.Time) []domain.RawStatEntry {
	var entries []domain.RawStatEntry
	for _, packet := range packets {
		rr, ok := packet.(*rtcp.ReceiverReport)
		if !ok {
			continue
		}
		for _, report := range rr.Reports {
			entries = append(entries, ReceptionReportEntry(report, kind, clockRate, now))
		}
	}
	return entries
}

// ReceptionReportEntry describes what the remote end observed about one of
// our outgoing streams. Jitter is left unset when the clock rate is unknown
// and round-trip time when no sender report was acknowledged yet.
func ReceptionReportEntry(report rtcp.ReceptionReport, kind string, clockRate uint32, now time.Time) domain.RawStatEntry {
	ts := float64(now.UnixMilli())
	lost := float64(report.TotalLost)
	fraction := float64(report.FractionLost) / 256

	entry := domain.RawStatEntry{
		ID:           fmt.Sprintf("RTCRemoteInboundRtp%d", report.SSRC),
		Type:         domain.StatKindRemoteInboundRTP,
		Timestamp:    &ts,
		Kind:         kind,
		PacketsLost:  &lost,
		FractionLost: &fraction,
	}

	if clockRate > 0 {
		jitter := float64(report.Jitter) / float64(clockRate)
		entry.Jitter = &jitter
	}

	if report.LastSenderReport != 0 {
		// RTT = arrival - LSR - DLSR, in 1/65536 s
		elapsed := ntpMiddle(now) - report.LastSenderReport
		if elapsed >= report.Delay {
			rtt := float64(elapsed-report.Delay) / 65536
			entry.RoundTripTime = &rtt
		}
	}
	return entry
}

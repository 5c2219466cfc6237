package pagehook

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"rtcwatch/internal/core/domain"
	"rtcwatch/pkg/utils"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type PionConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// PionBinding intercepts pion peer connections.
type PionBinding struct {
	api    *webrtc.API
	config PionConfig
	logger *zap.SugaredLogger
}

func NewPionBinding(config PionConfig, logger *zap.SugaredLogger) (*PionBinding, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if config.PortRange.Min > 0 && config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(config.PortRange.Min, config.PortRange.Max); err != nil {
			return nil, fmt.Errorf("port range: %w", err)
		}
	}

	return &PionBinding{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithSettingEngine(settingEngine)),
		config: config,
		logger: logger,
	}, nil
}

// Construct creates a peer connection. args may be a webrtc.Configuration,
// a pointer to one, or nil for the binding's defaults.
func (b *PionBinding) Construct(args any) (ConnectionHandle, error) {
	config := webrtc.Configuration{ICEServers: b.config.ICEServers}
	switch c := args.(type) {
	case nil:
	case webrtc.Configuration:
		config = c
	case *webrtc.Configuration:
		if c != nil {
			config = *c
		}
	default:
		return nil, fmt.Errorf("unsupported construct arguments %T", args)
	}

	pc, err := b.api.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return b.Adopt(pc), nil
}

// Adopt tracks a peer connection the application created itself. It installs
// the connection state handler and watches the RTCP of existing senders;
// senders added later are watched with WatchSender.
func (b *PionBinding) Adopt(pc *webrtc.PeerConnection) *PionHandle {
	h := &PionHandle{
		id:     fmt.Sprintf("webrtc-%d-%s", utils.UnixMilli(), utils.GenerateTraceID()[:9]),
		pc:     pc,
		remote: make(map[string]domain.RawStatEntry),
		logger: b.logger,
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		b.logger.Debugw("Peer connection state changed", "connection_id", h.id, "state", state.String())
		if state == webrtc.PeerConnectionStateClosed || state == webrtc.PeerConnectionStateFailed {
			h.closed.Store(true)
		}
	})

	for _, sender := range pc.GetSenders() {
		h.WatchSender(sender)
	}

	b.logger.Infow("Connection intercepted", "connection_id", h.id)
	return h
}

func (b *PionBinding) WrapStatsRetrieval(handle ConnectionHandle) (StatsFunc, error) {
	h, ok := handle.(*PionHandle)
	if !ok {
		return nil, ErrForeignHandle
	}
	return h.Stats, nil
}

// PionHandle is an intercepted pion peer connection.
type PionHandle struct {
	id     string
	pc     *webrtc.PeerConnection
	closed atomic.Bool
	logger *zap.SugaredLogger

	mu     sync.Mutex
	remote map[string]domain.RawStatEntry
}

func (h *PionHandle) ID() string {
	return h.id
}

func (h *PionHandle) Closed() bool {
	return h.closed.Load()
}

func (h *PionHandle) PeerConnection() *webrtc.PeerConnection {
	return h.pc
}

// WatchSender reads RTCP for sender until it stops and keeps the latest
// receiver report per stream.
func (h *PionHandle) WatchSender(sender *webrtc.RTPSender) {
	if sender == nil {
		return
	}

	kind := ""
	if track := sender.Track(); track != nil {
		kind = track.Kind().String()
	}
	var clockRate uint32
	if codecs := sender.GetParameters().Codecs; len(codecs) > 0 {
		clockRate = codecs[0].ClockRate
	}

	go func() {
		for {
			packets, _, err := sender.ReadRTCP()
			if err != nil {
				h.logger.Debugw("RTCP read stopped", "connection_id", h.id, "error", err)
				return
			}
			h.recordReports(ReceiverReportEntries(packets, kind, clockRate, time.Now()))
		}
	}()
}

func (h *PionHandle) recordReports(entries []domain.RawStatEntry) {
	if len(entries) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range entries {
		h.remote[e.ID] = e
	}
}

// Stats returns the converted GetStats report followed by the receiver
// reports gathered from RTCP.
func (h *PionHandle) Stats(ctx context.Context) ([]domain.RawStatEntry, error) {
	if h.Closed() {
		return nil, ErrConnectionClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries := ConvertReport(h.pc.GetStats())

	h.mu.Lock()
	ids := make([]string, 0, len(h.remote))
	for id := range h.remote {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		entries = append(entries, h.remote[id])
	}
	h.mu.Unlock()

	return entries, nil
}

// ConvertReport maps a pion stats report to raw entries ordered by id. Only
// nominated candidate pairs are kept; report types the normalizer does not
// read are dropped.
func ConvertReport(report webrtc.StatsReport) []domain.RawStatEntry {
	ids := make([]string, 0, len(report))
	for id := range report {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	entries := make([]domain.RawStatEntry, 0, len(ids))
	for _, id := range ids {
		if entry, ok := convertStats(report[id]); ok {
			entries = append(entries, entry)
		}
	}
	return entries
}

func convertStats(stats webrtc.Stats) (domain.RawStatEntry, bool) {
	switch s := stats.(type) {
	case webrtc.ICECandidatePairStats:
		return candidatePairEntry(s)
	case *webrtc.ICECandidatePairStats:
		return candidatePairEntry(*s)
	case webrtc.InboundRTPStreamStats:
		return inboundEntry(s), true
	case *webrtc.InboundRTPStreamStats:
		return inboundEntry(*s), true
	case webrtc.OutboundRTPStreamStats:
		return outboundEntry(s), true
	case *webrtc.OutboundRTPStreamStats:
		return outboundEntry(*s), true
	case webrtc.RemoteInboundRTPStreamStats:
		return remoteInboundEntry(s), true
	case *webrtc.RemoteInboundRTPStreamStats:
		return remoteInboundEntry(*s), true
	}
	return domain.RawStatEntry{}, false
}

func candidatePairEntry(s webrtc.ICECandidatePairStats) (domain.RawStatEntry, bool) {
	if !s.Nominated {
		return domain.RawStatEntry{}, false
	}
	nominated := true
	entry := domain.RawStatEntry{
		ID:            s.ID,
		Type:          domain.StatKindCandidatePair,
		Timestamp:     domain.Float(float64(s.Timestamp)),
		State:         string(s.State),
		Nominated:     &nominated,
		BytesSent:     domain.Float(float64(s.BytesSent)),
		BytesReceived: domain.Float(float64(s.BytesReceived)),
	}
	// pion reports zero until a measurement exists
	if s.CurrentRoundTripTime > 0 {
		entry.CurrentRoundTripTime = domain.Float(s.CurrentRoundTripTime)
	}
	if s.TotalRoundTripTime > 0 {
		entry.TotalRoundTripTime = domain.Float(s.TotalRoundTripTime)
	}
	if s.AvailableOutgoingBitrate > 0 {
		entry.AvailableOutgoingBitrate = domain.Float(s.AvailableOutgoingBitrate)
	}
	if s.AvailableIncomingBitrate > 0 {
		entry.AvailableIncomingBitrate = domain.Float(s.AvailableIncomingBitrate)
	}
	return entry, true
}

func inboundEntry(s webrtc.InboundRTPStreamStats) domain.RawStatEntry {
	return domain.RawStatEntry{
		ID:              s.ID,
		Type:            domain.StatKindInboundRTP,
		Timestamp:       domain.Float(float64(s.Timestamp)),
		Kind:            s.Kind,
		PacketsReceived: domain.Float(float64(s.PacketsReceived)),
		PacketsLost:     domain.Float(float64(s.PacketsLost)),
		Jitter:          domain.Float(s.Jitter),
		BytesReceived:   domain.Float(float64(s.BytesReceived)),
	}
}

func outboundEntry(s webrtc.OutboundRTPStreamStats) domain.RawStatEntry {
	return domain.RawStatEntry{
		ID:          s.ID,
		Type:        domain.StatKindOutboundRTP,
		Timestamp:   domain.Float(float64(s.Timestamp)),
		Kind:        s.Kind,
		PacketsSent: domain.Float(float64(s.PacketsSent)),
		BytesSent:   domain.Float(float64(s.BytesSent)),
	}
}

func remoteInboundEntry(s webrtc.RemoteInboundRTPStreamStats) domain.RawStatEntry {
	entry := domain.RawStatEntry{
		ID:           s.ID,
		Type:         domain.StatKindRemoteInboundRTP,
		Timestamp:    domain.Float(float64(s.Timestamp)),
		Kind:         s.Kind,
		PacketsLost:  domain.Float(float64(s.PacketsLost)),
		Jitter:       domain.Float(s.Jitter),
		FractionLost: domain.Float(s.FractionLost),
	}
	if s.RoundTripTime > 0 {
		entry.RoundTripTime = domain.Float(s.RoundTripTime)
	}
	return entry
}

var _ Interceptor = (*PionBinding)(nil)

package domain

// CanonicalMetrics is the flat record the classifier scores. Every metric is
// nil when no source report carried it.
type CanonicalMetrics struct {
	RTT           *float64 `json:"rtt"`        // ms
	PacketLoss    *float64 `json:"packetLoss"` // percent 0..100
	Jitter        *float64 `json:"jitter"`     // ms
	Bandwidth     *float64 `json:"bandwidth"`  // bits/s
	FramesDropped *float64 `json:"framesDropped"`
	Timestamp     int64    `json:"timestamp"` // unix ms
}

type QualityThresholds struct {
	RTT        float64 `json:"rtt" yaml:"rtt"`
	PacketLoss float64 `json:"packetLoss" yaml:"packet_loss"`
	Jitter     float64 `json:"jitter" yaml:"jitter"`
}

func DefaultQualityThresholds() QualityThresholds {
	return QualityThresholds{RTT: 200, PacketLoss: 5, Jitter: 30}
}

// WithDefaults replaces non-positive thresholds with the defaults.
func (t QualityThresholds) WithDefaults() QualityThresholds {
	d := DefaultQualityThresholds()
	if t.RTT <= 0 {
		t.RTT = d.RTT
	}
	if t.PacketLoss <= 0 {
		t.PacketLoss = d.PacketLoss
	}
	if t.Jitter <= 0 {
		t.Jitter = d.Jitter
	}
	return t
}

// Float returns a pointer to v. Handy for building reports in code.
func Float(v float64) *float64 {
	return &v
}

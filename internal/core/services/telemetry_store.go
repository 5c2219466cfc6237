package services

import (
	"context"
	"encoding/json"
	"sync"

	"rtcwatch/internal/core/domain"
	"rtcwatch/internal/core/ports"
	apperrors "rtcwatch/pkg/errors"
	"rtcwatch/pkg/tracing"
	"rtcwatch/pkg/utils"

	"go.uber.org/zap"
)

const (
	TablesKey       = "tables"
	DefaultCapacity = 1000
	maxUploadLog    = 100
)

// tables is the single document holding every persisted collection.
type tables struct {
	Stats   []domain.StatSample `json:"stats"`
	Uploads []uploadRecord      `json:"uploads"`
}

type uploadRecord struct {
	Timestamp int64 `json:"timestamp"`
	Count     int   `json:"count"`
}

// TelemetryStore is the bounded sample log kept in one key of a KeyValueStore.
// Samples are stored newest first. Every mutation is a read-modify-write of
// the whole document under mu; reads go straight to the backend.
type TelemetryStore struct {
	kv       ports.KeyValueStore
	capacity int
	logger   *zap.SugaredLogger

	mu sync.Mutex
}

func NewTelemetryStore(kv ports.KeyValueStore, capacity int, logger *zap.SugaredLogger) *TelemetryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &TelemetryStore{
		kv:       kv,
		capacity: capacity,
		logger:   logger,
	}
}

// Initialize creates the tables document when it does not exist yet.
func (s *TelemetryStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, found, err := s.kv.Get(ctx, TablesKey)
	if err != nil {
		return apperrors.NewStorageError("initialize", err)
	}
	if found {
		return nil
	}

	s.logger.Infow("Creating telemetry tables", "key", TablesKey, "capacity", s.capacity)
	return s.save(ctx, &tables{Stats: []domain.StatSample{}, Uploads: []uploadRecord{}})
}

func (s *TelemetryStore) LogStats(ctx context.Context, in domain.SampleInput) (string, error) {
	ctx, span := tracing.TraceStoreOperation(ctx, "log_stats", TablesKey)
	defer span.End()

	timestamp := in.Timestamp
	if timestamp == 0 {
		timestamp = utils.UnixMilli()
	}

	sample := domain.StatSample{
		ID:        utils.GenerateSampleID(utils.FromUnixMilli(timestamp)),
		Timestamp: timestamp,
		TabID:     in.TabID,
		Stats:     in.Stats,
		Quality:   in.Quality,
	}

	var evicted int
	err := s.mutate(ctx, "log_stats", func(t *tables) {
		t.Stats = append([]domain.StatSample{sample}, t.Stats...)
		if len(t.Stats) > s.capacity {
			evicted = len(t.Stats) - s.capacity
			t.Stats = t.Stats[:s.capacity]
		}
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return "", err
	}

	tracing.RecordSample(ctx, sample.ID, evicted)
	if evicted > 0 {
		s.logger.Debugw("Evicted oldest samples", "count", evicted)
	}
	return sample.ID, nil
}

// GetRecentStats returns at most n samples, newest first.
func (s *TelemetryStore) GetRecentStats(ctx context.Context, n int) ([]domain.StatSample, error) {
	t, err := s.load(ctx, "get_recent")
	if err != nil {
		return nil, err
	}
	if n < 0 {
		n = 0
	}
	if n > len(t.Stats) {
		n = len(t.Stats)
	}
	return t.Stats[:n], nil
}

func (s *TelemetryStore) GetPendingData(ctx context.Context) ([]domain.StatSample, error) {
	t, err := s.load(ctx, "get_pending")
	if err != nil {
		return nil, err
	}

	pending := make([]domain.StatSample, 0, len(t.Stats))
	for _, sample := range t.Stats {
		if !sample.Uploaded {
			pending = append(pending, sample)
		}
	}
	return pending, nil
}

func (s *TelemetryStore) GetAll(ctx context.Context) ([]domain.StatSample, error) {
	t, err := s.load(ctx, "get_all")
	if err != nil {
		return nil, err
	}
	return t.Stats, nil
}

// MarkDataUploaded flags the given samples as uploaded. Unknown ids are
// ignored and already uploaded samples keep their first upload time.
func (s *TelemetryStore) MarkDataUploaded(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}

	now := utils.UnixMilli()
	return s.mutate(ctx, "mark_uploaded", func(t *tables) {
		marked := 0
		for i := range t.Stats {
			sample := &t.Stats[i]
			if _, ok := wanted[sample.ID]; !ok || sample.Uploaded {
				continue
			}
			sample.Uploaded = true
			at := now
			sample.UploadedAt = &at
			marked++
		}
		if marked == 0 {
			return
		}
		t.Uploads = append(t.Uploads, uploadRecord{Timestamp: now, Count: marked})
		if len(t.Uploads) > maxUploadLog {
			t.Uploads = t.Uploads[len(t.Uploads)-maxUploadLog:]
		}
	})
}

// ClearOldData removes samples captured at or before cutoff (unix ms).
func (s *TelemetryStore) ClearOldData(ctx context.Context, cutoff int64) (int, error) {
	removed := 0
	err := s.mutate(ctx, "clear_old", func(t *tables) {
		kept := t.Stats[:0]
		for _, sample := range t.Stats {
			if sample.Timestamp <= cutoff {
				removed++
				continue
			}
			kept = append(kept, sample)
		}
		t.Stats = kept
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *TelemetryStore) ClearAll(ctx context.Context) (int, error) {
	removed := 0
	err := s.mutate(ctx, "clear_all", func(t *tables) {
		removed = len(t.Stats)
		t.Stats = []domain.StatSample{}
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *TelemetryStore) GetStatistics(ctx context.Context) (domain.StoreStatistics, error) {
	t, err := s.load(ctx, "statistics")
	if err != nil {
		return domain.StoreStatistics{}, err
	}

	stats := domain.StoreStatistics{Total: len(t.Stats)}
	for i := range t.Stats {
		sample := &t.Stats[i]
		if sample.Uploaded {
			stats.Uploaded++
		}
		ts := sample.Timestamp
		if stats.Oldest == nil || ts < *stats.Oldest {
			stats.Oldest = &ts
		}
		if stats.Newest == nil || ts > *stats.Newest {
			stats.Newest = &ts
		}
	}
	stats.Pending = stats.Total - stats.Uploaded
	return stats, nil
}

func (s *TelemetryStore) mutate(ctx context.Context, op string, fn func(t *tables)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.load(ctx, op)
	if err != nil {
		return err
	}
	fn(t)
	return s.save(ctx, t)
}

func (s *TelemetryStore) load(ctx context.Context, op string) (*tables, error) {
	raw, found, err := s.kv.Get(ctx, TablesKey)
	if err != nil {
		return nil, apperrors.NewStorageError(op, err)
	}

	t := &tables{}
	if !found || len(raw) == 0 {
		return t, nil
	}
	if err := json.Unmarshal(raw, t); err != nil {
		return nil, apperrors.NewStorageError(op, err)
	}
	return t, nil
}

func (s *TelemetryStore) save(ctx context.Context, t *tables) error {
	if t.Stats == nil {
		t.Stats = []domain.StatSample{}
	}
	if t.Uploads == nil {
		t.Uploads = []uploadRecord{}
	}

	raw, err := json.Marshal(t)
	if err != nil {
		return apperrors.NewStorageError("encode", err)
	}
	if err := s.kv.Set(ctx, TablesKey, raw); err != nil {
		return apperrors.NewStorageError("persist", err)
	}
	return nil
}

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"rtcwatch/internal/core/domain"
	"rtcwatch/pkg/utils"
)

const batchSchema = `
CREATE TABLE IF NOT EXISTS batches(
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	received_at INTEGER NOT NULL,
	sample_count INTEGER NOT NULL,
	new_samples INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS samples(
	id TEXT PRIMARY KEY,
	batch_id INTEGER NOT NULL,
	tab_id TEXT NOT NULL,
	ts INTEGER NOT NULL,
	status TEXT NOT NULL,
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_samples_tab ON samples(tab_id, ts);`

// BatchSink stores uploaded sample batches for the reference collector.
// Uploads are at-least-once, so samples are keyed by id and duplicates are
// ignored.
type BatchSink struct {
	db *sql.DB
}

type BatchReceipt struct {
	BatchID  int64 `json:"batchId"`
	Received int   `json:"received"`
	Stored   int   `json:"stored"`
}

type SinkSummary struct {
	Batches int            `json:"batches"`
	Samples int            `json:"samples"`
	ByState map[string]int `json:"byStatus"`
}

func NewBatchSink(path string) (*BatchSink, error) {
	db, err := Open(path, batchSchema)
	if err != nil {
		return nil, err
	}
	return &BatchSink{db: db}, nil
}

func (s *BatchSink) StoreBatch(ctx context.Context, samples []domain.StatSample) (BatchReceipt, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return BatchReceipt{}, fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO batches(received_at, sample_count, new_samples) VALUES(?, ?, 0)`,
		utils.UnixMilli(), len(samples))
	if err != nil {
		return BatchReceipt{}, fmt.Errorf("insert batch: %w", err)
	}
	batchID, err := res.LastInsertId()
	if err != nil {
		return BatchReceipt{}, err
	}

	stored := 0
	for _, sample := range samples {
		payload, err := json.Marshal(sample)
		if err != nil {
			return BatchReceipt{}, fmt.Errorf("encode sample %s: %w", sample.ID, err)
		}
		r, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO samples(id, batch_id, tab_id, ts, status, payload) VALUES(?, ?, ?, ?, ?, ?)`,
			sample.ID, batchID, string(sample.TabID), sample.Timestamp, string(sample.Quality.Status), string(payload))
		if err != nil {
			return BatchReceipt{}, fmt.Errorf("insert sample %s: %w", sample.ID, err)
		}
		if n, _ := r.RowsAffected(); n > 0 {
			stored++
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE batches SET new_samples = ? WHERE id = ?`, stored, batchID); err != nil {
		return BatchReceipt{}, fmt.Errorf("update batch: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return BatchReceipt{}, fmt.Errorf("commit batch: %w", err)
	}

	return BatchReceipt{BatchID: batchID, Received: len(samples), Stored: stored}, nil
}

func (s *BatchSink) Summary(ctx context.Context) (SinkSummary, error) {
	summary := SinkSummary{ByState: map[string]int{}}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM batches`).Scan(&summary.Batches); err != nil {
		return summary, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM samples GROUP BY status`)
	if err != nil {
		return summary, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return summary, err
		}
		summary.ByState[status] = n
		summary.Samples += n
	}
	return summary, rows.Err()
}

func (s *BatchSink) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *BatchSink) Close() error {
	return s.db.Close()
}

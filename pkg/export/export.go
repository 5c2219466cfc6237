// Package export writes JSON dumps of recorded samples to a pluggable
// storage and keeps the set of dumps bounded.
package export

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	FilePrefix = "webrtc-monitor-data-"
	jsonSuffix = ".json"
	gzipSuffix = ".json.gz"
)

var ErrNothingToExport = errors.New("No data to export")

// Storage is where dumps end up.
type Storage interface {
	Save(ctx context.Context, name string, data io.Reader) error
	Load(ctx context.Context, name string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, name string) error
}

type Exporter struct {
	storage  Storage
	compress bool
	now      func() time.Time
}

func NewExporter(storage Storage, compress bool) *Exporter {
	return &Exporter{
		storage:  storage,
		compress: compress,
		now:      time.Now,
	}
}

// Export writes records as an indented JSON array and returns the dump
// name. count is the number of records; zero is rejected.
func (e *Exporter) Export(ctx context.Context, records any, count int) (string, error) {
	if count == 0 {
		return "", ErrNothingToExport
	}

	payload, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal export data: %w", err)
	}

	name := fileName(e.now(), e.compress)
	if e.compress {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return "", fmt.Errorf("failed to compress export data: %w", err)
		}
		if err := zw.Close(); err != nil {
			return "", fmt.Errorf("failed to compress export data: %w", err)
		}
		payload = buf.Bytes()
	}

	if err := e.storage.Save(ctx, name, bytes.NewReader(payload)); err != nil {
		return "", fmt.Errorf("failed to save export: %w", err)
	}
	return name, nil
}

// Load decodes the dump called name into out.
func (e *Exporter) Load(ctx context.Context, name string, out any) error {
	rc, err := e.storage.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load export: %w", err)
	}
	defer rc.Close()

	var r io.Reader = rc
	if strings.HasSuffix(name, gzipSuffix) {
		zr, err := gzip.NewReader(rc)
		if err != nil {
			return fmt.Errorf("failed to open compressed export: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	if err := json.NewDecoder(r).Decode(out); err != nil {
		return fmt.Errorf("failed to decode export: %w", err)
	}
	return nil
}

// List returns dump names, oldest first.
func (e *Exporter) List(ctx context.Context) ([]string, error) {
	names, err := e.storage.List(ctx, FilePrefix)
	if err != nil {
		return nil, err
	}
	sort.Slice(names, func(i, j int) bool {
		ti, _ := Timestamp(names[i])
		tj, _ := Timestamp(names[j])
		return ti.Before(tj)
	})
	return names, nil
}

// Prune deletes dumps created before cutoff and returns how many went.
// Names that do not carry a timestamp are left alone.
func (e *Exporter) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	names, err := e.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list exports: %w", err)
	}

	removed := 0
	for _, name := range names {
		created, ok := Timestamp(name)
		if !ok || !created.Before(cutoff) {
			continue
		}
		if err := e.storage.Delete(ctx, name); err != nil {
			return removed, fmt.Errorf("failed to delete export %s: %w", name, err)
		}
		removed++
	}
	return removed, nil
}

func fileName(at time.Time, compress bool) string {
	suffix := jsonSuffix
	if compress {
		suffix = gzipSuffix
	}
	return FilePrefix + strconv.FormatInt(at.UnixMilli(), 10) + suffix
}

// Timestamp extracts the creation time encoded in a dump name.
func Timestamp(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, FilePrefix) {
		return time.Time{}, false
	}
	rest := strings.TrimPrefix(name, FilePrefix)
	if i := strings.IndexByte(rest, '.'); i >= 0 {
		rest = rest[:i]
	}
	ms, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

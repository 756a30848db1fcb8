// Package scan creates scan records and derives device statistics.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"rfidscan/scan-logger/internal/location"
	"rfidscan/scan-logger/internal/model"
)

// DefaultListLimit matches the history length shown by the scan surface.
const DefaultListLimit = 50

var (
	// ErrPersistenceFailed means the scan could not be stored and is not recorded.
	ErrPersistenceFailed = errors.New("persistence failed")
	// ErrEmptyTag rejects blank tag input.
	ErrEmptyTag = errors.New("empty tag code")
)

// RecordStore is the subset of the record store the recorder needs.
type RecordStore interface {
	Append(ctx context.Context, r model.ScanRecord) (int, error)
	All(ctx context.Context) ([]model.ScanRecord, error)
	Recent(ctx context.Context, limit int) ([]model.ScanRecord, error)
	DeviceID(ctx context.Context) (string, error)
}

// LastSyncSource reports when the scheduler last attempted a pass.
type LastSyncSource interface {
	LastRun() time.Time
}

// Options configures a Recorder.
type Options struct {
	Resolver        location.Resolver
	LocationTimeout time.Duration
	LastSync        LastSyncSource
	Now             func() time.Time
	NewID           func() string
}

// Recorder turns tag codes into persisted scan records.
type Recorder struct {
	store   RecordStore
	logger  *slog.Logger
	opts    Options
	now     func() time.Time
	newID   func() string
	timeout time.Duration
}

// NewRecorder builds a recorder on top of the given store.
func NewRecorder(store RecordStore, logger *slog.Logger, opts Options) *Recorder {
	r := &Recorder{
		store:   store,
		logger:  logger,
		opts:    opts,
		now:     opts.Now,
		newID:   opts.NewID,
		timeout: opts.LocationTimeout,
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	if r.timeout <= 0 {
		r.timeout = location.DefaultTimeout
	}
	if r.opts.Resolver == nil {
		r.opts.Resolver = location.Unavailable{}
	}
	return r
}

// SetLastSync wires the scheduler in after construction.
func (r *Recorder) SetLastSync(src LastSyncSource) {
	r.opts.LastSync = src
}

// RecordScan creates and stores a new record for tagCode. A missing location
// fix never fails the scan; only storage failures do.
func (r *Recorder) RecordScan(ctx context.Context, tagCode string) (model.ScanRecord, error) {
	tagCode = strings.TrimSpace(tagCode)
	if tagCode == "" {
		return model.ScanRecord{}, ErrEmptyTag
	}

	deviceID, err := r.store.DeviceID(ctx)
	if err != nil {
		return model.ScanRecord{}, fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
	}

	fixCtx, cancel := context.WithTimeout(ctx, r.timeout)
	outcome := location.Attempt(fixCtx, r.opts.Resolver)
	cancel()
	if !outcome.OK() {
		r.logger.Warn("location not available", "tag", tagCode, "error", outcome.Err)
	}

	record := model.ScanRecord{
		ID:        r.newID(),
		TagID:     tagCode,
		Timestamp: r.now().UTC(),
		Location:  outcome.Fix,
		DeviceID:  deviceID,
		Synced:    false,
	}

	evicted, err := r.store.Append(ctx, record)
	if err != nil {
		r.logger.Error("failed to persist scan", "tag", tagCode, "error", err)
		return model.ScanRecord{}, fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
	}
	if evicted > 0 {
		r.logger.Warn("retention evicted unsynced scans", "count", evicted)
	}

	r.logger.Info("scan recorded", "id", record.ID, "tag", record.TagID, "located", outcome.OK())
	return record, nil
}

// ComputeStats derives DeviceStats from the stored records. A read failure
// is logged and reported as empty counts.
func (r *Recorder) ComputeStats(ctx context.Context) model.DeviceStats {
	var stats model.DeviceStats
	if r.opts.LastSync != nil {
		stats.LastSync = r.opts.LastSync.LastRun()
	}

	records, err := r.store.All(ctx)
	if err != nil {
		r.logger.Error("failed to load scans for stats", "error", err)
		return stats
	}

	midnight := startOfDay(r.now())
	stats.TotalScans = len(records)
	for _, rec := range records {
		if !rec.Timestamp.Before(midnight) {
			stats.ScansToday++
		}
	}
	return stats
}

// ListRecords returns up to limit records, most recent first.
func (r *Recorder) ListRecords(ctx context.Context, limit int) ([]model.ScanRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	records, err := r.store.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return records, nil
}

// startOfDay returns local midnight of the day containing t.
func startOfDay(t time.Time) time.Time {
	local := t.Local()
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.Local)
}

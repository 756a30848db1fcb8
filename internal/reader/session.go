package reader

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"rfidscan/scan-logger/internal/model"
)

// Status is the user-facing scan status.
type Status string

const (
	StatusIdle     Status = "IDLE"
	StatusScanning Status = "SCANNING"
	StatusSuccess  Status = "SUCCESS"
	StatusError    Status = "ERROR"
)

const (
	DefaultAckDelay    = 300 * time.Millisecond
	DefaultSuccessHold = 1500 * time.Millisecond
	DefaultErrorHold   = 2 * time.Second
)

// Recorder persists a scanned code.
type Recorder interface {
	RecordScan(ctx context.Context, tagCode string) (model.ScanRecord, error)
}

// SessionOptions tunes the status timings. Zero values use the defaults.
type SessionOptions struct {
	AckDelay    time.Duration
	SuccessHold time.Duration
	ErrorHold   time.Duration
}

// Snapshot is the current scan status as served to clients.
type Snapshot struct {
	Status    Status    `json:"status"`
	LastTag   string    `json:"lastTag,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Session drives the scan status around each recorded code.
type Session struct {
	rec    Recorder
	logger *slog.Logger

	ackDelay    time.Duration
	successHold time.Duration
	errorHold   time.Duration

	mu    sync.Mutex
	snap  Snapshot
	gen   uint64
	timer *time.Timer
}

func NewSession(rec Recorder, logger *slog.Logger, opts SessionOptions) *Session {
	s := &Session{
		rec:         rec,
		logger:      logger,
		ackDelay:    opts.AckDelay,
		successHold: opts.SuccessHold,
		errorHold:   opts.ErrorHold,
		snap:        Snapshot{Status: StatusIdle, UpdatedAt: time.Now().UTC()},
	}
	if s.ackDelay <= 0 {
		s.ackDelay = DefaultAckDelay
	}
	if s.successHold <= 0 {
		s.successHold = DefaultSuccessHold
	}
	if s.errorHold <= 0 {
		s.errorHold = DefaultErrorHold
	}
	return s
}

// Snapshot returns the current status.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Handle records one code, moving the status through SCANNING to SUCCESS or
// ERROR and back to IDLE once the hold expires.
func (s *Session) Handle(ctx context.Context, code string) (model.ScanRecord, error) {
	s.set(Snapshot{Status: StatusScanning, LastTag: code}, 0)

	select {
	case <-ctx.Done():
		s.set(Snapshot{Status: StatusError, LastTag: code, Error: ctx.Err().Error()}, s.errorHold)
		return model.ScanRecord{}, ctx.Err()
	case <-time.After(s.ackDelay):
	}

	rec, err := s.rec.RecordScan(ctx, code)
	if err != nil {
		s.logger.Error("scan not recorded", "tag", code, "error", err)
		s.set(Snapshot{Status: StatusError, LastTag: code, Error: err.Error()}, s.errorHold)
		return model.ScanRecord{}, err
	}

	s.set(Snapshot{Status: StatusSuccess, LastTag: rec.TagID}, s.successHold)
	return rec, nil
}

// set replaces the status; a positive hold schedules the revert to IDLE.
// A newer status cancels any pending revert.
func (s *Session) set(snap Snapshot, hold time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap.UpdatedAt = time.Now().UTC()
	s.snap = snap
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if hold <= 0 {
		return
	}

	gen := s.gen
	s.timer = time.AfterFunc(hold, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gen != gen {
			return
		}
		s.snap = Snapshot{Status: StatusIdle, LastTag: s.snap.LastTag, UpdatedAt: time.Now().UTC()}
		s.timer = nil
	})
}

// Close cancels a pending revert.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Package syncer runs the periodic background reconciliation of pending
// scan records with the remote server.
package syncer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"rfidscan/scan-logger/internal/model"
	"rfidscan/scan-logger/internal/syncclient"
)

// DefaultInterval is the period between scheduled passes.
const DefaultInterval = 30 * time.Second

// State is the lifecycle state of a Scheduler.
type State int32

const (
	StateStopped State = iota
	StateIdle
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	default:
		return "stopped"
	}
}

// Outcome classifies how a pass ended.
type Outcome string

const (
	OutcomeInFlight  Outcome = "in-flight"
	OutcomeOffline   Outcome = "offline"
	OutcomeNoPending Outcome = "no-pending"
	OutcomeSynced    Outcome = "synced"
	OutcomeNoAck     Outcome = "no-ack"
	OutcomeFailed    Outcome = "failed"
	OutcomeStopped   Outcome = "stopped"
)

// PassResult describes one pass. Err is informational; passes never fail
// their caller.
type PassResult struct {
	Outcome Outcome `json:"outcome"`
	Pending int     `json:"pending"`
	Acked   int     `json:"acked"`
	Err     error   `json:"-"`
}

// Uploader sends a batch to the remote server.
type Uploader interface {
	UploadBatch(ctx context.Context, records []model.ScanRecord, credential string) (syncclient.Result, error)
}

// RecordStore is the subset of the record store a pass touches.
type RecordStore interface {
	Unsynced(ctx context.Context) ([]model.ScanRecord, error)
	MarkSynced(ctx context.Context, ids []string) (int, error)
}

// Options configures a Scheduler.
type Options struct {
	Interval     time.Duration
	Connectivity Connectivity
	Now          func() time.Time
}

// Scheduler owns the recurring sync pass. Passes never overlap.
type Scheduler struct {
	store    RecordStore
	uploader Uploader
	logger   *slog.Logger
	interval time.Duration
	conn     Connectivity
	now      func() time.Time
	notifier *Notifier

	mu         sync.Mutex
	state      State
	cancel     context.CancelFunc
	credential string

	inFlight atomic.Bool
	lastRun  atomic.Int64
	passes   sync.WaitGroup
}

// New constructs a stopped scheduler.
func New(store RecordStore, uploader Uploader, logger *slog.Logger, opts Options) *Scheduler {
	s := &Scheduler{
		store:    store,
		uploader: uploader,
		logger:   logger,
		interval: opts.Interval,
		conn:     opts.Connectivity,
		now:      opts.Now,
		notifier: NewNotifier(),
		state:    StateStopped,
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.conn == nil {
		s.conn = AlwaysOnline{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Start schedules a pass now and then once per interval until Stop. It
// returns false and does nothing when the scheduler is already running.
func (s *Scheduler) Start(credential string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.credential = credential
	s.state = StateIdle

	s.passes.Add(1)
	go func() {
		defer s.passes.Done()
		s.loop(ctx, credential)
	}()

	s.logger.Info("sync scheduler started", "interval", s.interval)
	return true
}

// Stop cancels future passes. It does not wait for a pass in flight and is
// safe to call repeatedly.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil
	s.state = StateStopped
	s.logger.Info("sync scheduler stopped")
}

// Wait blocks until the scheduling loop and every dispatched pass return.
func (s *Scheduler) Wait() {
	s.passes.Wait()
}

// State reports the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastRun returns when a pass last got past the in-flight guard.
func (s *Scheduler) LastRun() time.Time {
	ns := s.lastRun.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// Subscribe registers a listener for sync-completed notifications.
func (s *Scheduler) Subscribe() (<-chan struct{}, func()) {
	return s.notifier.Subscribe()
}

// TriggerPass runs a pass on demand with the credential given to Start.
func (s *Scheduler) TriggerPass(ctx context.Context) PassResult {
	s.mu.Lock()
	running := s.cancel != nil
	credential := s.credential
	s.mu.Unlock()

	if !running {
		return PassResult{Outcome: OutcomeStopped}
	}
	return s.RunPass(ctx, credential)
}

func (s *Scheduler) loop(ctx context.Context, credential string) {
	s.dispatch(credential)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			s.dispatch(credential)
		}
	}
}

// dispatch runs the pass on its own goroutine so a slow upload never delays
// the timer; overlapping ticks are absorbed by the in-flight guard.
func (s *Scheduler) dispatch(credential string) {
	s.passes.Add(1)
	go func() {
		defer s.passes.Done()
		s.RunPass(context.Background(), credential)
	}()
}

// RunPass performs one reconciliation attempt.
func (s *Scheduler) RunPass(ctx context.Context, credential string) PassResult {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.logger.Debug("sync pass skipped, previous pass in flight")
		return PassResult{Outcome: OutcomeInFlight}
	}
	defer s.inFlight.Store(false)

	s.lastRun.Store(s.now().UnixNano())

	if !s.conn.Online(ctx) {
		s.logger.Info("offline, skipping sync")
		return PassResult{Outcome: OutcomeOffline}
	}

	pending, err := s.store.Unsynced(ctx)
	if err != nil {
		s.logger.Error("sync failed to load pending scans", "error", err)
		return PassResult{Outcome: OutcomeFailed, Err: err}
	}
	if len(pending) == 0 {
		return PassResult{Outcome: OutcomeNoPending}
	}

	s.setState(StateIdle, StateRunning)
	defer s.setState(StateRunning, StateIdle)

	s.logger.Info("syncing scans", "records", len(pending))

	res, err := s.uploader.UploadBatch(ctx, pending, credential)
	if err != nil {
		s.logger.Error("sync failed", "records", len(pending), "error", err)
		return PassResult{Outcome: OutcomeFailed, Pending: len(pending), Err: err}
	}
	if len(res.SyncedIDs) == 0 {
		s.logger.Warn("sync acknowledged no scans", "records", len(pending), "message", res.Message)
		return PassResult{Outcome: OutcomeNoAck, Pending: len(pending)}
	}

	changed, err := s.store.MarkSynced(ctx, res.SyncedIDs)
	if err != nil {
		s.logger.Error("failed to mark scans synced", "records", len(res.SyncedIDs), "error", err)
		return PassResult{Outcome: OutcomeFailed, Pending: len(pending), Err: err}
	}

	s.notifier.Broadcast()
	s.logger.Info("sync completed", "acked", len(res.SyncedIDs), "changed", changed, "pending", len(pending)-changed)
	return PassResult{Outcome: OutcomeSynced, Pending: len(pending), Acked: changed}
}

// setState moves from one state to another only when the scheduler is in
// the expected state, so a pass finishing after Stop leaves it stopped.
func (s *Scheduler) setState(from, to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == from {
		s.state = to
	}
}

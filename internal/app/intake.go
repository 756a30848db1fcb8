package app

import (
	"context"
	"errors"
	"sync"

	"rfidscan/scan-logger/internal/model"
	"rfidscan/scan-logger/internal/reader"
)

var errIntakeClosed = errors.New("scan intake closed")

// intake admits scans from every input until closed. close blocks until
// admitted scans finish, so nothing reaches the store after shutdown.
type intake struct {
	rec reader.Recorder

	mu     sync.RWMutex
	closed bool
}

func (in *intake) RecordScan(ctx context.Context, tagCode string) (model.ScanRecord, error) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if in.closed {
		return model.ScanRecord{}, errIntakeClosed
	}
	return in.rec.RecordScan(ctx, tagCode)
}

func (in *intake) close() {
	in.mu.Lock()
	in.closed = true
	in.mu.Unlock()
}

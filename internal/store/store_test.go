package store

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"rfidscan/scan-logger/internal/model"
)

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "scans.db"), opts)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() error: %v", err)
	}
	return s
}

func testRecord(i int) model.ScanRecord {
	return model.ScanRecord{
		ID:        fmt.Sprintf("rec-%04d", i),
		TagID:     fmt.Sprintf("TAG%04d", i),
		Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Second),
		DeviceID:  "DEV-TEST00001",
	}
}

func ids(records []model.ScanRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}

func TestAppendKeepsMostRecentFirst(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})

	for i := 1; i <= 3; i++ {
		if _, err := s.Append(ctx, testRecord(i)); err != nil {
			t.Fatalf("Append(%d) error: %v", i, err)
		}
	}

	all, err := s.All(ctx)
	if err != nil {
		t.Fatalf("All() error: %v", err)
	}

	want := []string{"rec-0003", "rec-0002", "rec-0001"}
	if got := ids(all); !reflect.DeepEqual(got, want) {
		t.Fatalf("All() ids = %v, want %v", got, want)
	}
	if !all[0].Timestamp.Equal(testRecord(3).Timestamp) {
		t.Fatalf("timestamp not preserved: %v", all[0].Timestamp)
	}
	if all[0].Location != nil {
		t.Fatalf("expected nil location, got %+v", all[0].Location)
	}
}

func TestAppendRejectsDuplicateID(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})

	if _, err := s.Append(ctx, testRecord(1)); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if _, err := s.Append(ctx, testRecord(1)); err == nil {
		t.Fatal("expected duplicate id to fail")
	}

	all, err := s.All(ctx)
	if err != nil {
		t.Fatalf("All() error: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("len(All()) = %d, want 1", len(all))
	}
}

func TestAppendPreservesLocation(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})

	rec := testRecord(1)
	rec.Location = &model.GeoLocation{
		Latitude:  4.6097,
		Longitude: -74.0817,
		Accuracy:  12.5,
		Timestamp: time.Date(2026, 3, 1, 9, 59, 58, 0, time.UTC),
	}
	if _, err := s.Append(ctx, rec); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	all, err := s.All(ctx)
	if err != nil {
		t.Fatalf("All() error: %v", err)
	}
	got := all[0].Location
	if got == nil {
		t.Fatal("location lost")
	}
	if got.Latitude != 4.6097 || got.Longitude != -74.0817 || got.Accuracy != 12.5 {
		t.Fatalf("location = %+v", got)
	}
	if !got.Timestamp.Equal(rec.Location.Timestamp) {
		t.Fatalf("fix timestamp = %v, want %v", got.Timestamp, rec.Location.Timestamp)
	}
}

func TestAppendBoundsCapacity(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{MaxRecords: 5})

	for i := 1; i <= 8; i++ {
		if _, err := s.Append(ctx, testRecord(i)); err != nil {
			t.Fatalf("Append(%d) error: %v", i, err)
		}
	}

	all, err := s.All(ctx)
	if err != nil {
		t.Fatalf("All() error: %v", err)
	}
	want := []string{"rec-0008", "rec-0007", "rec-0006", "rec-0005", "rec-0004"}
	if got := ids(all); !reflect.DeepEqual(got, want) {
		t.Fatalf("All() ids = %v, want %v", got, want)
	}
}

func TestAppendDefaultCapacity(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})

	for i := 1; i <= DefaultMaxRecords+2; i++ {
		if _, err := s.Append(ctx, testRecord(i)); err != nil {
			t.Fatalf("Append(%d) error: %v", i, err)
		}
	}

	all, err := s.All(ctx)
	if err != nil {
		t.Fatalf("All() error: %v", err)
	}
	if len(all) != DefaultMaxRecords {
		t.Fatalf("len(All()) = %d, want %d", len(all), DefaultMaxRecords)
	}
	if all[len(all)-1].ID != "rec-0003" {
		t.Fatalf("oldest kept = %s, want rec-0003", all[len(all)-1].ID)
	}
}

func TestOldestPolicyEvictsRegardlessOfSyncState(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{MaxRecords: 3, Policy: EvictOldest})

	for i := 1; i <= 3; i++ {
		if _, err := s.Append(ctx, testRecord(i)); err != nil {
			t.Fatalf("Append(%d) error: %v", i, err)
		}
	}
	if _, err := s.MarkSynced(ctx, []string{"rec-0003"}); err != nil {
		t.Fatalf("MarkSynced() error: %v", err)
	}

	evicted, err := s.Append(ctx, testRecord(4))
	if err != nil {
		t.Fatalf("Append(4) error: %v", err)
	}
	if evicted != 1 {
		t.Fatalf("evicted pending = %d, want 1", evicted)
	}

	all, err := s.All(ctx)
	if err != nil {
		t.Fatalf("All() error: %v", err)
	}
	want := []string{"rec-0004", "rec-0003", "rec-0002"}
	if got := ids(all); !reflect.DeepEqual(got, want) {
		t.Fatalf("All() ids = %v, want %v", got, want)
	}
}

func TestSyncedFirstPolicyKeepsPendingRecords(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{MaxRecords: 3, Policy: EvictSyncedFirst})

	for i := 1; i <= 3; i++ {
		if _, err := s.Append(ctx, testRecord(i)); err != nil {
			t.Fatalf("Append(%d) error: %v", i, err)
		}
	}
	if _, err := s.MarkSynced(ctx, []string{"rec-0002"}); err != nil {
		t.Fatalf("MarkSynced() error: %v", err)
	}

	evicted, err := s.Append(ctx, testRecord(4))
	if err != nil {
		t.Fatalf("Append(4) error: %v", err)
	}
	if evicted != 0 {
		t.Fatalf("evicted pending = %d, want 0", evicted)
	}

	all, err := s.All(ctx)
	if err != nil {
		t.Fatalf("All() error: %v", err)
	}
	want := []string{"rec-0004", "rec-0003", "rec-0001"}
	if got := ids(all); !reflect.DeepEqual(got, want) {
		t.Fatalf("All() ids = %v, want %v", got, want)
	}

	// With nothing synced left, the oldest pending record goes.
	evicted, err = s.Append(ctx, testRecord(5))
	if err != nil {
		t.Fatalf("Append(5) error: %v", err)
	}
	if evicted != 1 {
		t.Fatalf("evicted pending = %d, want 1", evicted)
	}
	all, _ = s.All(ctx)
	want = []string{"rec-0005", "rec-0004", "rec-0003"}
	if got := ids(all); !reflect.DeepEqual(got, want) {
		t.Fatalf("All() ids = %v, want %v", got, want)
	}
}

func TestUnsyncedPreservesOrder(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})

	for i := 1; i <= 4; i++ {
		if _, err := s.Append(ctx, testRecord(i)); err != nil {
			t.Fatalf("Append(%d) error: %v", i, err)
		}
	}
	if _, err := s.MarkSynced(ctx, []string{"rec-0003"}); err != nil {
		t.Fatalf("MarkSynced() error: %v", err)
	}

	pending, err := s.Unsynced(ctx)
	if err != nil {
		t.Fatalf("Unsynced() error: %v", err)
	}
	want := []string{"rec-0004", "rec-0002", "rec-0001"}
	if got := ids(pending); !reflect.DeepEqual(got, want) {
		t.Fatalf("Unsynced() ids = %v, want %v", got, want)
	}
}

func TestMarkSyncedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})

	for i := 1; i <= 3; i++ {
		if _, err := s.Append(ctx, testRecord(i)); err != nil {
			t.Fatalf("Append(%d) error: %v", i, err)
		}
	}

	marked := []string{"rec-0001", "rec-0003", "does-not-exist"}
	changed, err := s.MarkSynced(ctx, marked)
	if err != nil {
		t.Fatalf("MarkSynced() error: %v", err)
	}
	if changed != 2 {
		t.Fatalf("first MarkSynced changed %d, want 2", changed)
	}
	once, _ := s.All(ctx)

	changed, err = s.MarkSynced(ctx, marked)
	if err != nil {
		t.Fatalf("second MarkSynced() error: %v", err)
	}
	if changed != 0 {
		t.Fatalf("second MarkSynced changed %d, want 0", changed)
	}
	twice, _ := s.All(ctx)

	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("state changed on repeat:\n once=%+v\ntwice=%+v", once, twice)
	}
}

func TestSyncedNeverReverts(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{MaxRecords: 10})

	if _, err := s.Append(ctx, testRecord(1)); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if _, err := s.MarkSynced(ctx, []string{"rec-0001"}); err != nil {
		t.Fatalf("MarkSynced() error: %v", err)
	}

	for i := 2; i <= 6; i++ {
		if _, err := s.Append(ctx, testRecord(i)); err != nil {
			t.Fatalf("Append(%d) error: %v", i, err)
		}
		if _, err := s.MarkSynced(ctx, nil); err != nil {
			t.Fatalf("MarkSynced(nil) error: %v", err)
		}
		if _, err := s.MarkSynced(ctx, []string{fmt.Sprintf("rec-%04d", i-1)}); err != nil {
			t.Fatalf("MarkSynced() error: %v", err)
		}

		all, err := s.All(ctx)
		if err != nil {
			t.Fatalf("All() error: %v", err)
		}
		for _, r := range all {
			if r.ID == "rec-0001" && !r.Synced {
				t.Fatalf("rec-0001 reverted to unsynced after step %d", i)
			}
		}
	}
}

func TestRecentLimits(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})

	for i := 1; i <= 5; i++ {
		if _, err := s.Append(ctx, testRecord(i)); err != nil {
			t.Fatalf("Append(%d) error: %v", i, err)
		}
	}

	recent, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if got := ids(recent); !reflect.DeepEqual(got, []string{"rec-0005", "rec-0004"}) {
		t.Fatalf("Recent(2) ids = %v", got)
	}

	for _, limit := range []int{0, -1} {
		if _, err := s.Recent(ctx, limit); err == nil {
			t.Fatalf("Recent(%d) error = nil, want rejection", limit)
		}
	}
}

func TestDeviceIDPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "scans.db")

	s, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if err := s.InitSchema(ctx); err != nil {
		t.Fatalf("InitSchema() error: %v", err)
	}

	first, err := s.DeviceID(ctx)
	if err != nil {
		t.Fatalf("DeviceID() error: %v", err)
	}
	if !strings.HasPrefix(first, "DEV-") || len(first) != 13 {
		t.Fatalf("unexpected device id format %q", first)
	}
	again, _ := s.DeviceID(ctx)
	if again != first {
		t.Fatalf("DeviceID changed within process: %q != %q", again, first)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	reopened, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer reopened.Close()
	if err := reopened.InitSchema(ctx); err != nil {
		t.Fatalf("InitSchema() error: %v", err)
	}

	persisted, err := reopened.DeviceID(ctx)
	if err != nil {
		t.Fatalf("DeviceID() after reopen error: %v", err)
	}
	if persisted != first {
		t.Fatalf("device id after restart = %q, want %q", persisted, first)
	}
}

func TestAppendFailsOnClosedStore(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})
	_ = s.Close()

	if _, err := s.Append(ctx, testRecord(1)); err == nil {
		t.Fatal("expected append on closed store to fail")
	}
	if _, err := s.MarkSynced(ctx, []string{"rec-0001"}); err == nil {
		t.Fatal("expected mark synced on closed store to fail")
	}
}

func TestOpenRejectsUnknownPolicy(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "scans.db"), Options{Policy: "newest"}); err == nil {
		t.Fatal("expected unknown policy error")
	}
}

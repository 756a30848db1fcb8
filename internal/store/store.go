package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"rfidscan/scan-logger/internal/model"

	_ "modernc.org/sqlite"
)

// Eviction policies applied when the record count exceeds capacity.
const (
	EvictOldest      = "oldest"
	EvictSyncedFirst = "synced-first"
)

// DefaultMaxRecords bounds the local record sequence.
const DefaultMaxRecords = 1000

const deviceIDKey = "device_id"

// Options tunes retention for the record sequence.
type Options struct {
	MaxRecords int
	Policy     string
}

// Store wraps the SQLite database holding scan records and the device identity.
type Store struct {
	db   *sql.DB
	opts Options

	deviceMu sync.Mutex
	deviceID string
}

// Open initializes the database connection, creating directories as needed.
func Open(path string, opts Options) (*Store, error) {
	if opts.MaxRecords <= 0 {
		opts.MaxRecords = DefaultMaxRecords
	}
	switch opts.Policy {
	case "":
		opts.Policy = EvictOldest
	case EvictOldest, EvictSyncedFirst:
	default:
		return nil, fmt.Errorf("unknown eviction policy %q", opts.Policy)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// A single connection turns every transaction into a critical section.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db, opts: opts}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS scan_records (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			tag_id TEXT NOT NULL,
			scanned_at TEXT NOT NULL,
			latitude REAL,
			longitude REAL,
			accuracy REAL,
			fix_at TEXT,
			device_id TEXT NOT NULL,
			synced INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE INDEX IF NOT EXISTS idx_scan_records_synced ON scan_records(synced, seq);`,
		`CREATE TABLE IF NOT EXISTS app_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// Capacity reports the maximum number of records kept locally.
func (s *Store) Capacity() int {
	return s.opts.MaxRecords
}

// Append inserts the record at the head of the sequence and trims the
// sequence back to capacity. It returns how many unsynced records the trim
// discarded.
func (s *Store) Append(ctx context.Context, r model.ScanRecord) (int, error) {
	if s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var lat, lon, acc sql.NullFloat64
	var fixAt sql.NullString
	if r.Location != nil {
		lat = sql.NullFloat64{Float64: r.Location.Latitude, Valid: true}
		lon = sql.NullFloat64{Float64: r.Location.Longitude, Valid: true}
		acc = sql.NullFloat64{Float64: r.Location.Accuracy, Valid: true}
		fixAt = sql.NullString{String: formatTime(r.Location.Timestamp), Valid: true}
	}

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO scan_records (id, tag_id, scanned_at, latitude, longitude, accuracy, fix_at, device_id, synced)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		r.ID,
		r.TagID,
		formatTime(r.Timestamp),
		lat,
		lon,
		acc,
		fixAt,
		r.DeviceID,
		boolToInt(r.Synced),
	)
	if err != nil {
		return 0, fmt.Errorf("insert scan record: %w", err)
	}

	var total int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM scan_records;`).Scan(&total); err != nil {
		return 0, fmt.Errorf("count scan records: %w", err)
	}

	evictedPending := 0
	if excess := total - s.opts.MaxRecords; excess > 0 {
		victims := `SELECT seq, synced FROM scan_records ORDER BY seq ASC LIMIT ?`
		if s.opts.Policy == EvictSyncedFirst {
			victims = `SELECT seq, synced FROM scan_records ORDER BY synced DESC, seq ASC LIMIT ?`
		}

		if err := tx.QueryRowContext(
			ctx,
			`SELECT COUNT(*) FROM (`+victims+`) WHERE synced = 0;`,
			excess,
		).Scan(&evictedPending); err != nil {
			return 0, fmt.Errorf("count evicted records: %w", err)
		}

		if _, err := tx.ExecContext(
			ctx,
			`DELETE FROM scan_records WHERE seq IN (SELECT seq FROM (`+victims+`));`,
			excess,
		); err != nil {
			return 0, fmt.Errorf("evict scan records: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}

	return evictedPending, nil
}

// All returns every stored record, most recent first.
func (s *Store) All(ctx context.Context) ([]model.ScanRecord, error) {
	return s.query(ctx, "query scan records", `ORDER BY seq DESC`)
}

// Recent returns at most limit records, most recent first. The limit must
// be positive.
func (s *Store) Recent(ctx context.Context, limit int) ([]model.ScanRecord, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("query recent scan records: limit %d must be positive", limit)
	}
	return s.query(ctx, "query recent scan records", `ORDER BY seq DESC LIMIT ?`, limit)
}

// Unsynced returns the records not yet acknowledged by the server,
// preserving the most-recent-first order.
func (s *Store) Unsynced(ctx context.Context) ([]model.ScanRecord, error) {
	return s.query(ctx, "query unsynced scan records", `WHERE synced = 0 ORDER BY seq DESC`)
}

// MarkSynced latches synced for every listed id. Unknown ids are ignored and
// already-synced records are left untouched. It returns how many records
// changed state.
func (s *Store) MarkSynced(ctx context.Context, ids []string) (int, error) {
	if s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin mark synced: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `UPDATE scan_records SET synced = 1 WHERE id = ? AND synced = 0;`)
	if err != nil {
		return 0, fmt.Errorf("prepare mark synced: %w", err)
	}
	defer stmt.Close()

	changed := 0
	for _, id := range ids {
		res, err := stmt.ExecContext(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("mark synced %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("mark synced rows affected: %w", err)
		}
		changed += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit mark synced: %w", err)
	}
	return changed, nil
}

// DeviceID returns the persistent identifier of this device, generating and
// storing it on first access.
func (s *Store) DeviceID(ctx context.Context) (string, error) {
	if s.db == nil {
		return "", fmt.Errorf("store not initialized")
	}

	s.deviceMu.Lock()
	defer s.deviceMu.Unlock()

	if s.deviceID != "" {
		return s.deviceID, nil
	}

	if _, err := s.db.ExecContext(
		ctx,
		`INSERT INTO app_config (key, value) VALUES (?, ?) ON CONFLICT(key) DO NOTHING;`,
		deviceIDKey,
		newDeviceID(),
	); err != nil {
		return "", fmt.Errorf("store device id: %w", err)
	}

	var id string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_config WHERE key = ?;`, deviceIDKey).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("device id missing after insert")
	}
	if err != nil {
		return "", fmt.Errorf("load device id: %w", err)
	}

	s.deviceID = id
	return id, nil
}

func (s *Store) query(ctx context.Context, op, clause string, args ...any) ([]model.ScanRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, tag_id, scanned_at, latitude, longitude, accuracy, fix_at, device_id, synced
		 FROM scan_records `+clause+`;`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	records := []model.ScanRecord{}
	for rows.Next() {
		var (
			r             model.ScanRecord
			scannedAtStr  string
			lat, lon, acc sql.NullFloat64
			fixAt         sql.NullString
			synced        int
		)

		if err := rows.Scan(&r.ID, &r.TagID, &scannedAtStr, &lat, &lon, &acc, &fixAt, &r.DeviceID, &synced); err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}

		r.Timestamp = parseTime(scannedAtStr)
		r.Synced = synced != 0
		if lat.Valid && lon.Valid {
			r.Location = &model.GeoLocation{
				Latitude:  lat.Float64,
				Longitude: lon.Float64,
				Accuracy:  acc.Float64,
				Timestamp: parseTime(fixAt.String),
			}
		}

		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scan records: %w", err)
	}

	return records, nil
}

func newDeviceID() string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return "DEV-" + raw[:9]
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, _ = time.Parse("2006-01-02T15:04:05Z07:00", s)
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"rfidscan/scan-logger/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRecorder struct {
	tags []string
	err  error
}

func (f *fakeRecorder) RecordScan(_ context.Context, tag string) (model.ScanRecord, error) {
	if f.err != nil {
		return model.ScanRecord{}, f.err
	}
	f.tags = append(f.tags, tag)
	return model.ScanRecord{ID: "id", TagID: tag}, nil
}

type fakeSink struct{ fixes []model.GeoLocation }

func (f *fakeSink) Publish(fix model.GeoLocation) { f.fixes = append(f.fixes, fix) }

func TestParseTag(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload string
		want    TagMessage
	}{
		{"plain text", "rfid/readers/dock-1/tags", "  E200341201  \n", TagMessage{ReaderID: "dock-1", TagID: "E200341201"}},
		{"json", "rfid/readers/dock-2/tags", `{"tag_id":"A1B2"}`, TagMessage{ReaderID: "dock-2", TagID: "A1B2"}},
		{"json with reader", "rfid/readers/dock-2/tags", `{"reader_id":"gate","tag_id":"A1B2"}`, TagMessage{ReaderID: "gate", TagID: "A1B2"}},
		{"no reader segment", "tags", "A1", TagMessage{TagID: "A1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTag(tt.topic, []byte(tt.payload))
			if err != nil {
				t.Fatalf("ParseTag() error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("ParseTag() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseTagRejects(t *testing.T) {
	for _, payload := range []string{"", "   ", `{"tag_id":"  "}`, `{"tag_id":`} {
		if _, err := ParseTag("rfid/readers/x/tags", []byte(payload)); err == nil {
			t.Fatalf("ParseTag(%q) error = nil", payload)
		}
	}
	if _, err := ParseTag("t", nil); !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("err = %v, want ErrEmptyPayload", err)
	}
}

func TestParseFix(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	got, err := ParseFix([]byte(`{"latitude":52.52,"longitude":13.405,"accuracy":8}`), now)
	if err != nil {
		t.Fatalf("ParseFix() error: %v", err)
	}
	if got.Latitude != 52.52 || got.Longitude != 13.405 || got.Accuracy != 8 || !got.Timestamp.Equal(now) {
		t.Fatalf("ParseFix() = %+v", got)
	}

	stamped, err := ParseFix([]byte(`{"latitude":0,"longitude":0,"timestamp":"2024-05-01T11:59:00Z"}`), now)
	if err != nil {
		t.Fatalf("ParseFix() error: %v", err)
	}
	if !stamped.Timestamp.Equal(now.Add(-time.Minute)) {
		t.Fatalf("Timestamp = %v, want payload timestamp", stamped.Timestamp)
	}
}

func TestParseFixRejects(t *testing.T) {
	now := time.Now()
	for _, payload := range []string{
		``,
		`not json`,
		`{"longitude":1}`,
		`{"latitude":91,"longitude":0}`,
		`{"latitude":0,"longitude":-181}`,
		`{"latitude":0,"longitude":0,"accuracy":-1}`,
	} {
		if _, err := ParseFix([]byte(payload), now); err == nil {
			t.Fatalf("ParseFix(%q) error = nil", payload)
		}
	}
}

func TestEncodeSyncedEvent(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	data, err := EncodeSyncedEvent("DEV-ABC123XYZ", at)
	if err != nil {
		t.Fatalf("EncodeSyncedEvent() error: %v", err)
	}

	var got map[string]string
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if got["event"] != SyncedEvent || got["device_id"] != "DEV-ABC123XYZ" || got["at"] != "2024-05-01T12:00:00Z" {
		t.Fatalf("event = %v", got)
	}
}

func TestHandleTagRecordsScan(t *testing.T) {
	rec := &fakeRecorder{}
	b := New(Options{}, rec, nil, discardLogger())

	b.handleTag("rfid/readers/dock-1/tags", []byte("TAG-1"))
	b.handleTag("rfid/readers/dock-1/tags", []byte(""))
	b.handleTag("rfid/readers/dock-1/tags", []byte(`{"tag_id":"TAG-2"}`))

	if len(rec.tags) != 2 || rec.tags[0] != "TAG-1" || rec.tags[1] != "TAG-2" {
		t.Fatalf("recorded = %v, want [TAG-1 TAG-2]", rec.tags)
	}
}

func TestHandleTagRecorderFailureIsContained(t *testing.T) {
	rec := &fakeRecorder{err: errors.New("disk full")}
	b := New(Options{}, rec, nil, discardLogger())
	b.handleTag("rfid/readers/dock-1/tags", []byte("TAG-1"))
}

func TestHandleFixPublishesToSink(t *testing.T) {
	sink := &fakeSink{}
	b := New(Options{}, &fakeRecorder{}, sink, discardLogger())
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	b.ingest.now = func() time.Time { return now }

	b.handleFix("rfid/location", []byte(`{"latitude":1,"longitude":2,"accuracy":3}`))
	b.handleFix("rfid/location", []byte(`{"latitude":100,"longitude":2}`))

	if len(sink.fixes) != 1 {
		t.Fatalf("published %d fixes, want 1", len(sink.fixes))
	}
	if f := sink.fixes[0]; f.Latitude != 1 || f.Longitude != 2 || f.Accuracy != 3 || !f.Timestamp.Equal(now) {
		t.Fatalf("fix = %+v", f)
	}
}

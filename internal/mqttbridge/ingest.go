package mqttbridge

import (
	"context"
	"log/slog"
	"time"
)

// Ingest turns MQTT publishes into scans and location fixes. It is shared
// by the paho bridge and the embedded broker.
type Ingest struct {
	recorder ScanRecorder
	fixes    FixSink
	logger   *slog.Logger
	now      func() time.Time
}

// NewIngest builds an Ingest. A nil fixes sink drops location payloads.
func NewIngest(recorder ScanRecorder, fixes FixSink, logger *slog.Logger) *Ingest {
	return &Ingest{recorder: recorder, fixes: fixes, logger: logger, now: time.Now}
}

// HandleTag records the tag carried by payload.
func (in *Ingest) HandleTag(ctx context.Context, topic string, payload []byte) {
	msg, err := ParseTag(topic, payload)
	if err != nil {
		in.logger.Warn("mqtt tag payload rejected", "topic", topic, "error", err)
		return
	}

	rec, err := in.recorder.RecordScan(ctx, msg.TagID)
	if err != nil {
		in.logger.Error("failed to record mqtt scan", "reader", msg.ReaderID, "tag", msg.TagID, "error", err)
		return
	}
	in.logger.Info("recorded mqtt scan", "reader", msg.ReaderID, "tag", rec.TagID, "id", rec.ID)
}

// HandleFix forwards the location fix carried by payload.
func (in *Ingest) HandleFix(topic string, payload []byte) {
	if in.fixes == nil {
		return
	}
	fix, err := ParseFix(payload, in.now())
	if err != nil {
		in.logger.Warn("mqtt location payload rejected", "topic", topic, "error", err)
		return
	}
	in.fixes.Publish(fix)
	in.logger.Debug("location fix received", "lat", fix.Latitude, "lon", fix.Longitude, "accuracy", fix.Accuracy)
}

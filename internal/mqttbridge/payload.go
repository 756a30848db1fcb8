package mqttbridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"rfidscan/scan-logger/internal/model"
)

// SyncedEvent is the event name published after a sync pass.
const SyncedEvent = "scan-data-synced"

var ErrEmptyPayload = errors.New("empty payload")

// TagMessage is one tag read published by a networked reader.
type TagMessage struct {
	ReaderID string `json:"reader_id"`
	TagID    string `json:"tag_id"`
}

// ParseTag accepts either the bare tag code or a JSON object with a tag_id.
// The reader id falls back to the topic segment after "readers".
func ParseTag(topic string, payload []byte) (TagMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return TagMessage{}, ErrEmptyPayload
	}

	var msg TagMessage
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			return TagMessage{}, fmt.Errorf("decode tag payload: %w", err)
		}
	} else {
		msg.TagID = string(trimmed)
	}

	msg.TagID = strings.TrimSpace(msg.TagID)
	if msg.TagID == "" {
		return TagMessage{}, errors.New("missing tag_id")
	}
	if msg.ReaderID == "" {
		msg.ReaderID = readerFromTopic(topic)
	}
	return msg, nil
}

func readerFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	for i, p := range parts {
		if p == "readers" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}

type fixPayload struct {
	Latitude  *float64  `json:"latitude"`
	Longitude *float64  `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

// ParseFix decodes a location fix. A missing timestamp is stamped with now.
func ParseFix(payload []byte, now time.Time) (model.GeoLocation, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return model.GeoLocation{}, ErrEmptyPayload
	}

	var p fixPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return model.GeoLocation{}, fmt.Errorf("decode location payload: %w", err)
	}
	if p.Latitude == nil || p.Longitude == nil {
		return model.GeoLocation{}, errors.New("latitude and longitude are required")
	}
	if *p.Latitude < -90 || *p.Latitude > 90 {
		return model.GeoLocation{}, fmt.Errorf("latitude %v out of range", *p.Latitude)
	}
	if *p.Longitude < -180 || *p.Longitude > 180 {
		return model.GeoLocation{}, fmt.Errorf("longitude %v out of range", *p.Longitude)
	}
	if p.Accuracy < 0 {
		return model.GeoLocation{}, fmt.Errorf("accuracy %v is negative", p.Accuracy)
	}

	ts := p.Timestamp
	if ts.IsZero() {
		ts = now
	}
	return model.GeoLocation{
		Latitude:  *p.Latitude,
		Longitude: *p.Longitude,
		Accuracy:  p.Accuracy,
		Timestamp: ts.UTC(),
	}, nil
}

type syncedEvent struct {
	Event    string `json:"event"`
	DeviceID string `json:"device_id"`
	At       string `json:"at"`
}

// EncodeSyncedEvent builds the payload announcing a completed sync.
func EncodeSyncedEvent(deviceID string, at time.Time) ([]byte, error) {
	data, err := json.Marshal(syncedEvent{
		Event:    SyncedEvent,
		DeviceID: deviceID,
		At:       at.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("encode sync event: %w", err)
	}
	return data, nil
}

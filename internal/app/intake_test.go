package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"rfidscan/scan-logger/internal/config"
	"rfidscan/scan-logger/internal/model"
	"rfidscan/scan-logger/internal/syncer"
)

type blockingRecorder struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingRecorder) RecordScan(_ context.Context, tagCode string) (model.ScanRecord, error) {
	b.entered <- struct{}{}
	<-b.release
	return model.ScanRecord{TagID: tagCode}, nil
}

func TestClosedIntakeRefusesScans(t *testing.T) {
	h := newHarness(t)
	h.app.intake.close()

	if _, err := h.app.intake.RecordScan(context.Background(), "A1"); !errors.Is(err, errIntakeClosed) {
		t.Fatalf("RecordScan() error = %v, want errIntakeClosed", err)
	}
	if resp := h.do(t, http.MethodPost, "/api/scans", `{"tagId":"A2"}`); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("create status = %d, want 503 after close", resp.StatusCode)
	}

	records, err := h.app.recorder.ListRecords(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListRecords() error: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("records = %+v, want none", records)
	}
}

func TestIntakeCloseWaitsForAdmittedScans(t *testing.T) {
	rec := &blockingRecorder{entered: make(chan struct{}, 1), release: make(chan struct{})}
	in := &intake{rec: rec}

	go func() { _, _ = in.RecordScan(context.Background(), "A1") }()
	<-rec.entered

	closed := make(chan struct{})
	go func() {
		in.close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("close returned while a scan was being recorded")
	case <-time.After(50 * time.Millisecond):
	}

	close(rec.release)
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("close never returned")
	}
}

func TestEmbeddedBrokerRecordsTagReadsAndAnnouncesSync(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.MQTTBind = "127.0.0.1:0" })
	h.start(t)

	ctx, cancel := context.WithCancel(context.Background())
	var announcers sync.WaitGroup
	broker, _, err := h.app.startBroker(ctx, &announcers)
	if err != nil {
		t.Fatalf("startBroker() error: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		broker.Stop()
		announcers.Wait()
	})

	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + broker.Addr().String()).
		SetClientID("dock-1").
		SetProtocolVersion(4).
		SetAutoReconnect(false)
	client := mqtt.NewClient(opts)
	if tok := client.Connect(); !tok.WaitTimeout(5*time.Second) || tok.Error() != nil {
		t.Fatalf("connect: %v", tok.Error())
	}
	t.Cleanup(func() { client.Disconnect(50) })

	events := make(chan string, 1)
	tok := client.Subscribe(h.app.cfg.MQTTEventTopic, 0, func(_ mqtt.Client, m mqtt.Message) { events <- string(m.Payload()) })
	if !tok.WaitTimeout(5*time.Second) || tok.Error() != nil {
		t.Fatalf("subscribe: %v", tok.Error())
	}

	tok = client.Publish("rfid/readers/dock-1/tags", 1, false, []byte(`{"tag_id":"E2003412"}`))
	if !tok.WaitTimeout(5*time.Second) || tok.Error() != nil {
		t.Fatalf("publish: %v", tok.Error())
	}
	// Unrelated topics are not recorded.
	tok = client.Publish("rfid/other", 1, false, []byte("IGNORED"))
	if !tok.WaitTimeout(5*time.Second) || tok.Error() != nil {
		t.Fatalf("publish: %v", tok.Error())
	}

	records, err := h.app.recorder.ListRecords(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListRecords() error: %v", err)
	}
	if len(records) != 1 || records[0].TagID != "E2003412" || records[0].DeviceID != h.app.deviceID {
		t.Fatalf("records = %+v, want the published tag only", records)
	}

	res := h.syncNow(t)
	if res.Outcome != syncer.OutcomeSynced || res.Acked != 1 {
		t.Fatalf("sync = %+v, want synced with 1 acked", res)
	}

	select {
	case payload := <-events:
		if !strings.Contains(payload, "scan-data-synced") || !strings.Contains(payload, h.app.deviceID) {
			t.Fatalf("event payload = %s", payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("sync event never published by the broker")
	}
}

// Package mqttbridge connects the scan logger to an external MQTT broker:
// networked readers publish tag codes, a location source publishes fixes,
// and sync completions are announced back on an event topic.
package mqttbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"rfidscan/scan-logger/internal/model"
)

const (
	qos            = 1
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	disconnectMs   = 250
)

// ScanRecorder persists a tag code.
type ScanRecorder interface {
	RecordScan(ctx context.Context, tagCode string) (model.ScanRecord, error)
}

// FixSink accepts location fixes.
type FixSink interface {
	Publish(fix model.GeoLocation)
}

// SyncEvents yields one value per completed sync.
type SyncEvents interface {
	Subscribe() (<-chan struct{}, func())
}

// Options configures the bridge. An empty topic disables that direction.
type Options struct {
	Broker        string
	ClientID      string
	DeviceID      string
	TagTopic      string
	LocationTopic string
	EventTopic    string
}

// Bridge owns one paho client.
type Bridge struct {
	opts   Options
	ingest *Ingest
	fixes  FixSink
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	ctx    context.Context
	client mqtt.Client
}

func New(opts Options, recorder ScanRecorder, fixes FixSink, logger *slog.Logger) *Bridge {
	if opts.ClientID == "" {
		opts.ClientID = fmt.Sprintf("scanlogger-%d", time.Now().UnixNano())
	}
	return &Bridge{
		opts:   opts,
		ingest: NewIngest(recorder, fixes, logger),
		fixes:  fixes,
		logger: logger,
		now:    time.Now,
		ctx:    context.Background(),
	}
}

// Run connects, subscribes and forwards sync notifications until ctx is
// done. Subscriptions are renewed on every reconnect.
func (b *Bridge) Run(ctx context.Context, events SyncEvents) error {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()

	opts := mqtt.NewClientOptions().
		AddBroker(b.opts.Broker).
		SetClientID(b.opts.ClientID).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(func(c mqtt.Client) {
			if err := b.subscribe(c); err != nil {
				b.logger.Error("mqtt subscribe failed", "error", err)
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.logger.Warn("mqtt connection lost", "error", err)
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("connect to mqtt broker %s: timed out", b.opts.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to mqtt broker %s: %w", b.opts.Broker, err)
	}
	b.mu.Lock()
	b.client = client
	b.mu.Unlock()
	b.logger.Info("connected to mqtt broker", "broker", b.opts.Broker, "client_id", b.opts.ClientID)

	defer func() {
		client.Disconnect(disconnectMs)
		b.logger.Info("mqtt bridge stopped")
	}()

	var synced <-chan struct{}
	if events != nil && b.opts.EventTopic != "" {
		ch, cancel := events.Subscribe()
		defer cancel()
		synced = ch
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-synced:
			if !ok {
				synced = nil
				continue
			}
			if err := b.publishSynced(client); err != nil {
				b.logger.Warn("failed to publish sync event", "topic", b.opts.EventTopic, "error", err)
			}
		}
	}
}

func (b *Bridge) subscribe(c mqtt.Client) error {
	var errs []error
	if b.opts.TagTopic != "" {
		errs = append(errs, waitToken(c.Subscribe(b.opts.TagTopic, qos, func(_ mqtt.Client, m mqtt.Message) {
			b.handleTag(m.Topic(), m.Payload())
		})))
	}
	if b.opts.LocationTopic != "" && b.fixes != nil {
		errs = append(errs, waitToken(c.Subscribe(b.opts.LocationTopic, qos, func(_ mqtt.Client, m mqtt.Message) {
			b.handleFix(m.Topic(), m.Payload())
		})))
	}
	return errors.Join(errs...)
}

func (b *Bridge) handleTag(topic string, payload []byte) {
	b.mu.Lock()
	ctx := b.ctx
	b.mu.Unlock()
	b.ingest.HandleTag(ctx, topic, payload)
}

func (b *Bridge) handleFix(topic string, payload []byte) {
	b.ingest.HandleFix(topic, payload)
}

func (b *Bridge) publishSynced(c mqtt.Client) error {
	data, err := EncodeSyncedEvent(b.opts.DeviceID, b.now())
	if err != nil {
		return err
	}
	return waitToken(c.Publish(b.opts.EventTopic, qos, false, data))
}

func waitToken(t mqtt.Token) error {
	if !t.WaitTimeout(publishTimeout) {
		return errors.New("mqtt operation timed out")
	}
	return t.Error()
}

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"rfidscan/scan-logger/internal/auth"
	"rfidscan/scan-logger/internal/config"
	"rfidscan/scan-logger/internal/location"
	"rfidscan/scan-logger/internal/mqttbridge"
	"rfidscan/scan-logger/internal/mqttbroker"
	"rfidscan/scan-logger/internal/reader"
	"rfidscan/scan-logger/internal/scan"
	"rfidscan/scan-logger/internal/store"
	"rfidscan/scan-logger/internal/syncclient"
	"rfidscan/scan-logger/internal/syncer"
)

const (
	probeTimeout    = 2 * time.Second
	shutdownTimeout = 5 * time.Second
)

// App wires together the scan logger services and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	store      *store.Store
	feed       *location.Feed
	recorder   *scan.Recorder
	intake     *intake
	session    *reader.Session
	scheduler  *syncer.Scheduler
	deviceID   string
	credential string
	mdns       *zeroconf.Server
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	if err := a.setup(ctx); err != nil {
		a.closeStore()
		return err
	}
	defer a.closeStore()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var broker *mqttbroker.Broker
	var brokerErrCh <-chan error
	var announcers sync.WaitGroup
	if a.cfg.MQTTBind != "" {
		b, errCh, err := a.startBroker(runCtx, &announcers)
		if err != nil {
			return err
		}
		broker, brokerErrCh = b, errCh
	}

	a.scheduler.Start(a.credential)

	httpErrCh := make(chan error, 1)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return runCtx },
	}

	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	bridgeErrCh := make(chan error, 1)
	bridgeDone := make(chan struct{})
	if a.cfg.MQTTBroker != "" {
		bridge := a.newBridge()
		go func() {
			defer close(bridgeDone)
			if err := bridge.Run(runCtx, a.scheduler); err != nil {
				bridgeErrCh <- err
			}
		}()
	} else {
		close(bridgeDone)
	}

	// The stdin goroutine is not joined: it may stay blocked in a read.
	// Codes it delivers after shutdown are refused by the intake.
	if a.cfg.StdinReader {
		go a.readStdin(runCtx)
	}

	if a.cfg.MDNS {
		if err := a.startMDNS(a.cfg.HTTPPort); err != nil {
			a.logger.Warn("mDNS advertisement failed", "error", err)
		}
		defer a.stopMDNS()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-httpErrCh:
	case runErr = <-bridgeErrCh:
	case runErr = <-brokerErrCh:
	}

	a.scheduler.Stop()
	a.scheduler.Wait()
	a.logger.Info("sync scheduler drained")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("http server shutdown: %w", err)
	}
	a.logger.Info("http server stopped")

	cancel()
	<-bridgeDone
	if broker != nil {
		broker.Stop()
	}
	announcers.Wait()
	a.intake.close()
	a.logger.Info("scan intake closed")
	a.session.Close()
	return runErr
}

// setup opens the store and builds every component Run needs.
func (a *App) setup(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath, store.Options{
		MaxRecords: a.cfg.MaxRecords,
		Policy:     a.cfg.EvictionPolicy,
	})
	if err != nil {
		return err
	}
	a.store = db

	if err := a.store.InitSchema(ctx); err != nil {
		return err
	}

	deviceID, err := a.store.DeviceID(ctx)
	if err != nil {
		return err
	}
	a.deviceID = deviceID

	provider := a.credentialProvider()
	credential, err := provider.Credential(ctx)
	if err != nil {
		return fmt.Errorf("resolve credential: %w", err)
	}
	a.credential = credential

	conn, err := a.connectivity()
	if err != nil {
		return err
	}

	a.recorder = scan.NewRecorder(a.store, a.logger, scan.Options{
		Resolver:        a.resolver(),
		LocationTimeout: a.cfg.LocationTimeout,
	})

	client := syncclient.New(a.cfg.APIBaseURL, a.cfg.UploadTimeout)
	a.scheduler = syncer.New(a.store, client, a.logger, syncer.Options{
		Interval:     a.cfg.SyncInterval,
		Connectivity: conn,
	})
	a.recorder.SetLastSync(a.scheduler)
	a.intake = &intake{rec: a.recorder}

	a.session = reader.NewSession(a.intake, a.logger, reader.SessionOptions{AckDelay: a.cfg.AckDelay})

	a.logger.Info("scan logger ready",
		"device_id", a.deviceID,
		"database", a.cfg.DatabasePath,
		"capacity", a.store.Capacity(),
		"api", client.BaseURL(),
		"location", a.cfg.LocationSource,
	)
	return nil
}

func (a *App) resolver() location.Resolver {
	switch a.cfg.LocationSource {
	case config.LocationStatic:
		return location.Static{
			Latitude:  a.cfg.StaticLatitude,
			Longitude: a.cfg.StaticLongitude,
			Accuracy:  a.cfg.StaticAccuracy,
		}
	case config.LocationMQTT:
		a.feed = location.NewFeed(a.cfg.LocationTimeout)
		return a.feed
	default:
		return location.Unavailable{}
	}
}

func (a *App) credentialProvider() auth.Provider {
	if a.cfg.JWTSecret != "" {
		return auth.DeviceToken{Secret: []byte(a.cfg.JWTSecret), DeviceID: a.deviceID}
	}
	return auth.StaticToken(a.cfg.APIToken)
}

func (a *App) connectivity() (syncer.Connectivity, error) {
	if !a.cfg.ConnectivityProbe {
		return syncer.AlwaysOnline{}, nil
	}
	probe, err := syncer.ProbeFor(a.cfg.APIBaseURL, probeTimeout)
	if err != nil {
		return nil, err
	}
	return probe, nil
}

func (a *App) newBridge() *mqttbridge.Bridge {
	opts := mqttbridge.Options{
		Broker:     a.cfg.MQTTBroker,
		ClientID:   "scanlogger-" + a.deviceID,
		DeviceID:   a.deviceID,
		TagTopic:   a.cfg.MQTTTagTopic,
		EventTopic: a.cfg.MQTTEventTopic,
	}
	if a.feed != nil {
		opts.LocationTopic = a.cfg.MQTTLocationTopic
	}
	return mqttbridge.New(opts, a.intake, a.fixSink(), a.logger)
}

// fixSink returns the location feed, or a nil interface when fixes are not
// taken from MQTT.
func (a *App) fixSink() mqttbridge.FixSink {
	if a.feed == nil {
		return nil
	}
	return a.feed
}

// startBroker runs the embedded broker on MQTT_BIND. Tag reads and location
// fixes published to it go through the same intake as every other input,
// and each completed sync pass is announced on the event topic.
func (a *App) startBroker(ctx context.Context, announcers *sync.WaitGroup) (*mqttbroker.Broker, <-chan error, error) {
	broker := mqttbroker.New(a.logger)
	broker.OnPublish(a.routePublish(mqttbridge.NewIngest(a.intake, a.fixSink(), a.logger)))

	errCh, err := broker.Start(ctx, a.cfg.MQTTBind)
	if err != nil {
		return nil, nil, err
	}

	synced, unsubscribe := a.scheduler.Subscribe()
	announcers.Add(1)
	go func() {
		defer announcers.Done()
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-synced:
				if !ok {
					return
				}
				a.announceSync(broker)
			}
		}
	}()
	return broker, errCh, nil
}

func (a *App) routePublish(ingest *mqttbridge.Ingest) mqttbroker.Handler {
	return func(ctx context.Context, msg mqttbroker.Message) {
		switch {
		case mqttbroker.Match(a.cfg.MQTTTagTopic, msg.Topic):
			ingest.HandleTag(ctx, msg.Topic, msg.Payload)
		case a.feed != nil && mqttbroker.Match(a.cfg.MQTTLocationTopic, msg.Topic):
			ingest.HandleFix(msg.Topic, msg.Payload)
		}
	}
}

func (a *App) announceSync(broker *mqttbroker.Broker) {
	payload, err := mqttbridge.EncodeSyncedEvent(a.deviceID, time.Now())
	if err != nil {
		a.logger.Error("encode sync event", "error", err)
		return
	}
	if err := broker.Publish(a.cfg.MQTTEventTopic, payload); err != nil {
		a.logger.Warn("announce sync failed", "topic", a.cfg.MQTTEventTopic, "error", err)
	}
}

func (a *App) readStdin(ctx context.Context) {
	r := reader.New(reader.SessionHandler(a.session), a.logger)
	a.logger.Info("reading tag codes from stdin")
	if err := r.Run(ctx, os.Stdin); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("stdin reader stopped", "error", err)
		return
	}
	a.logger.Info("stdin reader finished")
}

func (a *App) closeStore() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("close store", "error", err)
	}
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Eviction policies understood by the record store.
const (
	EvictOldest      = "oldest"
	EvictSyncedFirst = "synced-first"
)

// Location sources understood by the application.
const (
	LocationNone   = "none"
	LocationStatic = "static"
	LocationMQTT   = "mqtt"
)

// Config lists the tunable parameters for the scan logger.
type Config struct {
	HTTPPort     int
	DatabasePath string
	LogLevel     string

	APIBaseURL    string
	APIToken      string
	JWTSecret     string
	SyncInterval  time.Duration
	UploadTimeout time.Duration

	MaxRecords     int
	EvictionPolicy string

	LocationSource  string
	LocationTimeout time.Duration
	StaticLatitude  float64
	StaticLongitude float64
	StaticAccuracy  float64

	MQTTBroker        string
	MQTTBind          string
	MQTTTagTopic      string
	MQTTLocationTopic string
	MQTTEventTopic    string

	ConnectivityProbe bool
	StdinReader       bool
	AckDelay          time.Duration
	MDNS              bool
}

const (
	envPrefix = "SCANLOGGER_"

	defaultHTTPPort          = 8080
	defaultDatabasePath      = "data/scanlogger.db"
	defaultLogLevel          = "info"
	defaultAPIBaseURL        = "http://localhost:9000/v1"
	defaultSyncInterval      = 30 * time.Second
	defaultUploadTimeout     = 10 * time.Second
	defaultMaxRecords        = 1000
	defaultLocationTimeout   = 5 * time.Second
	defaultMQTTTagTopic      = "rfid/readers/+/tags"
	defaultMQTTLocationTopic = "rfid/location"
	defaultMQTTEventTopic    = "rfid/events/synced"
	defaultAckDelay          = 300 * time.Millisecond
)

// Default returns the configuration used when no overrides are present.
func Default() Config {
	return Config{
		HTTPPort:          defaultHTTPPort,
		DatabasePath:      defaultDatabasePath,
		LogLevel:          defaultLogLevel,
		APIBaseURL:        defaultAPIBaseURL,
		SyncInterval:      defaultSyncInterval,
		UploadTimeout:     defaultUploadTimeout,
		MaxRecords:        defaultMaxRecords,
		EvictionPolicy:    EvictOldest,
		LocationSource:    LocationNone,
		LocationTimeout:   defaultLocationTimeout,
		MQTTTagTopic:      defaultMQTTTagTopic,
		MQTTLocationTopic: defaultMQTTLocationTopic,
		MQTTEventTopic:    defaultMQTTEventTopic,
		ConnectivityProbe: true,
		AckDelay:          defaultAckDelay,
	}
}

// Load reads an optional .env file and derives configuration values from
// environment variables, falling back to defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if err := envInt("HTTP_PORT", &cfg.HTTPPort); err != nil {
		return Config{}, err
	}
	if cfg.HTTPPort < 1 || cfg.HTTPPort > 65535 {
		return Config{}, fmt.Errorf("invalid %sHTTP_PORT: %d out of range", envPrefix, cfg.HTTPPort)
	}

	envString("DATABASE_PATH", &cfg.DatabasePath)
	envString("LOG_LEVEL", &cfg.LogLevel)
	envString("API_BASE_URL", &cfg.APIBaseURL)
	envString("API_TOKEN", &cfg.APIToken)
	envString("JWT_SECRET", &cfg.JWTSecret)

	if err := envDuration("SYNC_INTERVAL", &cfg.SyncInterval); err != nil {
		return Config{}, err
	}
	if err := envDuration("UPLOAD_TIMEOUT", &cfg.UploadTimeout); err != nil {
		return Config{}, err
	}

	if err := envInt("MAX_RECORDS", &cfg.MaxRecords); err != nil {
		return Config{}, err
	}
	if cfg.MaxRecords <= 0 {
		return Config{}, fmt.Errorf("invalid %sMAX_RECORDS: must be positive", envPrefix)
	}

	envString("EVICTION_POLICY", &cfg.EvictionPolicy)
	cfg.EvictionPolicy = strings.ToLower(cfg.EvictionPolicy)
	if cfg.EvictionPolicy != EvictOldest && cfg.EvictionPolicy != EvictSyncedFirst {
		return Config{}, fmt.Errorf("invalid %sEVICTION_POLICY: %q", envPrefix, cfg.EvictionPolicy)
	}

	envString("LOCATION_SOURCE", &cfg.LocationSource)
	cfg.LocationSource = strings.ToLower(cfg.LocationSource)
	switch cfg.LocationSource {
	case LocationNone, LocationStatic, LocationMQTT:
	default:
		return Config{}, fmt.Errorf("invalid %sLOCATION_SOURCE: %q", envPrefix, cfg.LocationSource)
	}
	if err := envDuration("LOCATION_TIMEOUT", &cfg.LocationTimeout); err != nil {
		return Config{}, err
	}
	if err := envFloat("STATIC_LAT", &cfg.StaticLatitude); err != nil {
		return Config{}, err
	}
	if err := envFloat("STATIC_LON", &cfg.StaticLongitude); err != nil {
		return Config{}, err
	}
	if err := envFloat("STATIC_ACCURACY", &cfg.StaticAccuracy); err != nil {
		return Config{}, err
	}

	envString("MQTT_BROKER", &cfg.MQTTBroker)
	envString("MQTT_BIND", &cfg.MQTTBind)
	envString("MQTT_TAG_TOPIC", &cfg.MQTTTagTopic)
	envString("MQTT_LOCATION_TOPIC", &cfg.MQTTLocationTopic)
	envString("MQTT_EVENT_TOPIC", &cfg.MQTTEventTopic)
	if cfg.LocationSource == LocationMQTT && cfg.MQTTBroker == "" && cfg.MQTTBind == "" {
		return Config{}, fmt.Errorf("%sLOCATION_SOURCE=mqtt requires %sMQTT_BROKER or %sMQTT_BIND", envPrefix, envPrefix, envPrefix)
	}

	if err := envBool("CONNECTIVITY_PROBE", &cfg.ConnectivityProbe); err != nil {
		return Config{}, err
	}
	if err := envBool("STDIN_READER", &cfg.StdinReader); err != nil {
		return Config{}, err
	}
	if err := envDuration("ACK_DELAY", &cfg.AckDelay); err != nil {
		return Config{}, err
	}
	if err := envBool("MDNS", &cfg.MDNS); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func envString(name string, dst *string) {
	if v := os.Getenv(envPrefix + name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) error {
	v := os.Getenv(envPrefix + name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", envPrefix, name, err)
	}
	*dst = n
	return nil
}

func envFloat(name string, dst *float64) error {
	v := os.Getenv(envPrefix + name)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", envPrefix, name, err)
	}
	*dst = f
	return nil
}

func envBool(name string, dst *bool) error {
	v := os.Getenv(envPrefix + name)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", envPrefix, name, err)
	}
	*dst = b
	return nil
}

func envDuration(name string, dst *time.Duration) error {
	v := os.Getenv(envPrefix + name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", envPrefix, name, err)
	}
	if d <= 0 {
		return fmt.Errorf("invalid %s%s: must be positive", envPrefix, name)
	}
	*dst = d
	return nil
}

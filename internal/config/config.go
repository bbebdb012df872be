package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all terminal configuration
type Config struct {
	ServiceName string
	Device      DeviceConfig
	Storage     StorageConfig
	Serial      SerialConfig
	Counter     CounterConfig
	Import      ImportConfig
	Anomaly     AnomalyConfig
}

// DeviceConfig holds the identity reported to the host
type DeviceConfig struct {
	ID              string
	BarangayID      int64
	UID             string
	Name            string
	Type            string
	FirmwareVersion string
	TimeZone        string
}

// StorageConfig holds the removable medium layout
type StorageConfig struct {
	Root       string
	DBFile     string
	LedgerFile string
	OffsetFile string
}

// SerialConfig holds serial link settings
type SerialConfig struct {
	Port         string
	BaudRate     int
	MaxLineBytes int
}

// CounterConfig holds the counter link used for readings and payments.
// An empty port disables it.
type CounterConfig struct {
	Port     string
	BaudRate int
}

// ImportConfig bounds bulk imports
type ImportConfig struct {
	MaxChunkBytes int
	WatchdogEvery int
}

// AnomalyConfig holds usage spike detection settings
type AnomalyConfig struct {
	SpikeThreshold            float64
	MinDataPointsForDetection int
	HistoryLimit              int
}

// HostConfig holds host-side sync agent configuration
type HostConfig struct {
	ServiceName    string
	Serial         SerialConfig
	CommandTimeout time.Duration
	ClockTolerance time.Duration
	Import         ImportConfig
	Database       DatabaseConfig
	RabbitMQ       RabbitMQConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL string
}

// RabbitMQConfig holds RabbitMQ connection and queue settings
type RabbitMQConfig struct {
	URL               string
	EventsExchange    string
	SyncedRoutingKey  string
	CommandExchange   string
	CommandQueue      string
	CommandRoutingKey string
	CommandDLQQueue   string
	PrefetchCount     int
}

// Load loads terminal configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "watersystem-terminal"),
		Device: DeviceConfig{
			ID:              getEnv("DEVICE_ID", "2"),
			BarangayID:      int64(getEnvAsInt("DEVICE_BRGY_ID", 2)),
			UID:             getEnv("DEVICE_UID", hardwareUID()),
			Name:            getEnv("DEVICE_NAME", "Water Billing Terminal"),
			Type:            getEnv("DEVICE_TYPE", "Go Water System"),
			FirmwareVersion: getEnv("FIRMWARE_VERSION", "v1.0.0"),
			TimeZone:        getEnv("DEVICE_TZ", "Asia/Manila"),
		},
		Storage: StorageConfig{
			Root:       getEnv("STORAGE_ROOT", "/sd"),
			DBFile:     getEnv("STORAGE_DB_FILE", "watersystem.db"),
			LedgerFile: getEnv("STORAGE_LEDGER_FILE", filepath.Join("WATER_DB", "READINGS", "readings.psv")),
			OffsetFile: getEnv("STORAGE_OFFSET_FILE", filepath.Join("WATER_DB", "SETTINGS", "time_offset.txt")),
		},
		Serial: SerialConfig{
			Port:         getEnv("SERIAL_PORT", "stdio"),
			BaudRate:     getEnvAsInt("SERIAL_BAUD", 115200),
			MaxLineBytes: getEnvAsInt("SERIAL_MAX_LINE_BYTES", 65536),
		},
		Counter: CounterConfig{
			Port:     getEnv("COUNTER_PORT", ""),
			BaudRate: getEnvAsInt("COUNTER_BAUD", 9600),
		},
		Import: ImportConfig{
			MaxChunkBytes: getEnvAsInt("IMPORT_MAX_CHUNK_BYTES", 16384),
			WatchdogEvery: getEnvAsInt("IMPORT_WATCHDOG_EVERY", 25),
		},
		Anomaly: AnomalyConfig{
			SpikeThreshold:            getEnvAsFloat("ANOMALY_SPIKE_THRESHOLD", 3.0),
			MinDataPointsForDetection: getEnvAsInt("ANOMALY_MIN_DATA_POINTS", 3),
			HistoryLimit:              getEnvAsInt("ANOMALY_HISTORY_LIMIT", 6),
		},
	}

	if cfg.Storage.Root == "" {
		return nil, fmt.Errorf("STORAGE_ROOT must not be empty")
	}
	if cfg.Import.MaxChunkBytes <= 0 {
		return nil, fmt.Errorf("IMPORT_MAX_CHUNK_BYTES must be positive, got %d", cfg.Import.MaxChunkBytes)
	}
	if cfg.Counter.Port != "" && cfg.Counter.Port == cfg.Serial.Port {
		return nil, fmt.Errorf("COUNTER_PORT must differ from SERIAL_PORT %s", cfg.Serial.Port)
	}

	return cfg, nil
}

// LoadHost loads host sync agent configuration from environment variables
func LoadHost() (*HostConfig, error) {
	cfg := &HostConfig{
		ServiceName: getEnv("SERVICE_NAME", "watersystem-hostsync"),
		Serial: SerialConfig{
			Port:         getEnv("SERIAL_PORT", "/dev/ttyUSB0"),
			BaudRate:     getEnvAsInt("SERIAL_BAUD", 115200),
			MaxLineBytes: getEnvAsInt("SERIAL_MAX_LINE_BYTES", 1024*1024),
		},
		CommandTimeout: time.Duration(getEnvAsInt("COMMAND_TIMEOUT_SECONDS", 30)) * time.Second,
		ClockTolerance: time.Duration(getEnvAsInt("CLOCK_TOLERANCE_SECONDS", 60)) * time.Second,
		Import: ImportConfig{
			MaxChunkBytes: getEnvAsInt("IMPORT_MAX_CHUNK_BYTES", 16384),
		},
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		RabbitMQ: RabbitMQConfig{
			URL:               getEnv("RABBITMQ_URL", ""),
			EventsExchange:    getEnv("RABBITMQ_EVENTS_EXCHANGE", "watersystem.events.exchange"),
			SyncedRoutingKey:  getEnv("RABBITMQ_SYNCED_ROUTING_KEY", "reading.synced"),
			CommandExchange:   getEnv("RABBITMQ_COMMAND_EXCHANGE", "watersystem.commands.exchange"),
			CommandQueue:      getEnv("RABBITMQ_COMMAND_QUEUE", "watersystem.device.commands"),
			CommandRoutingKey: getEnv("RABBITMQ_COMMAND_ROUTING_KEY", "device.command"),
			CommandDLQQueue:   getEnv("RABBITMQ_COMMAND_DLQ_QUEUE", "watersystem.device.commands.dlq"),
			PrefetchCount:     getEnvAsInt("RABBITMQ_PREFETCH", 1),
		},
	}

	if cfg.CommandTimeout <= 0 {
		return nil, fmt.Errorf("COMMAND_TIMEOUT_SECONDS must be positive")
	}
	if cfg.Import.MaxChunkBytes <= 0 {
		return nil, fmt.Errorf("IMPORT_MAX_CHUNK_BYTES must be positive, got %d", cfg.Import.MaxChunkBytes)
	}

	return cfg, nil
}

// RequireBackends checks the settings needed by commands that store and
// publish readings
func (c *HostConfig) RequireBackends() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}
	if c.RabbitMQ.URL == "" {
		return fmt.Errorf("RABBITMQ_URL is required but not set in environment variables")
	}
	return nil
}

// Location resolves the device time zone, falling back to UTC
func (d DeviceConfig) Location() *time.Location {
	loc, err := time.LoadLocation(d.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// hardwareUID derives a device uid from the first non-loopback hardware address
func hardwareUID() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "UNKNOWN"
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return strings.ToUpper(strings.ReplaceAll(iface.HardwareAddr.String(), ":", ""))
	}
	return "UNKNOWN"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

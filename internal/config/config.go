// Package config loads the control-plane configuration from file and
// environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// DaemonConfig holds process-level settings.
type DaemonConfig struct {
	HTTPAddr  string `json:"http_addr" yaml:"http_addr"`
	LogLevel  string `json:"log_level" yaml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format"`
	ServiceID string `json:"service_id" yaml:"service_id"`
}

// RedisConfig holds session store connection settings.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// FailoverConfig controls the liveness detector and inactivity sweep.
type FailoverConfig struct {
	Enabled          bool `json:"enabled" yaml:"enabled"`
	HeartbeatPeriodS int  `json:"heartbeat_period_s" yaml:"heartbeat_period_s"`
	ChunkPeriodS     int  `json:"chunk_period_s" yaml:"chunk_period_s"`
	MaxMissed        int  `json:"max_missed" yaml:"max_missed"`
	CheckIntervalS   int  `json:"check_interval_s" yaml:"check_interval_s"`
	CleanupIntervalS int  `json:"cleanup_interval_s" yaml:"cleanup_interval_s"`
	MaxInactiveS     int  `json:"max_inactive_s" yaml:"max_inactive_s"`
}

// BackupConfig holds the container runtime parameters for backup workers.
type BackupConfig struct {
	Image              string `json:"image" yaml:"image"`
	Tag                string `json:"tag" yaml:"tag"`
	Network            string `json:"network" yaml:"network"`
	NamePrefix         string `json:"name_prefix" yaml:"name_prefix"`
	SocketPath         string `json:"socket_path" yaml:"socket_path"`
	ControllerHost     string `json:"controller_host" yaml:"controller_host"`
	ControllerPort     int    `json:"controller_port" yaml:"controller_port"`
	Username           string `json:"username" yaml:"username"`
	Password           string `json:"password" yaml:"password"`
	RecordingBaseURL   string `json:"recording_base_url" yaml:"recording_base_url"`
	HeartbeatIntervalS int    `json:"heartbeat_interval_s" yaml:"heartbeat_interval_s"`
}

// StorageConfig holds the S3-compatible object store settings.
type StorageConfig struct {
	Bucket      string `json:"bucket" yaml:"bucket"`
	AccessKey   string `json:"access_key" yaml:"access_key"`
	SecretKey   string `json:"secret_key" yaml:"secret_key"`
	Region      string `json:"region" yaml:"region"`
	Endpoint    string `json:"endpoint" yaml:"endpoint"`
	ChunkFolder string `json:"chunk_folder" yaml:"chunk_folder"`
}

// CleanupConfig controls the chunk garbage collector.
type CleanupConfig struct {
	Enabled   bool `json:"enabled" yaml:"enabled"`
	Async     bool `json:"async" yaml:"async"`
	BatchSize int  `json:"batch_size" yaml:"batch_size"`
}

// RelayPoolConfig sizes the notification relay worker pool.
type RelayPoolConfig struct {
	Core  int `json:"core" yaml:"core"`
	Max   int `json:"max" yaml:"max"`
	Queue int `json:"queue" yaml:"queue"`
}

// RelayConfig controls notification forwarding.
type RelayConfig struct {
	Enabled      bool            `json:"enabled" yaml:"enabled"`
	URL          string          `json:"url" yaml:"url"`
	Headers      string          `json:"headers" yaml:"headers"`
	TimeoutMS    int             `json:"timeout_ms" yaml:"timeout_ms"`
	Retries      int             `json:"retries" yaml:"retries"`
	RetryDelayMS int             `json:"retry_delay_ms" yaml:"retry_delay_ms"`
	Pool         RelayPoolConfig `json:"pool" yaml:"pool"`
}

// Config is the central configuration embedding all component configs.
type Config struct {
	Daemon   DaemonConfig   `json:"daemon" yaml:"daemon"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	Failover FailoverConfig `json:"failover" yaml:"failover"`
	Backup   BackupConfig   `json:"backup" yaml:"backup"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Cleanup  CleanupConfig  `json:"cleanup" yaml:"cleanup"`
	Relay    RelayConfig    `json:"relay" yaml:"relay"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			HTTPAddr:  ":4443",
			LogLevel:  "info",
			LogFormat: "text",
			ServiceID: "sentinel",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Failover: FailoverConfig{
			Enabled:          true,
			HeartbeatPeriodS: 10,
			ChunkPeriodS:     20,
			MaxMissed:        3,
			CheckIntervalS:   15,
			CleanupIntervalS: 60,
			MaxInactiveS:     3600,
		},
		Backup: BackupConfig{
			Image:              "vidmesh/recorder",
			Tag:                "latest",
			Network:            "bridge",
			NamePrefix:         "backup-recorder",
			SocketPath:         "/var/run/docker.sock",
			ControllerHost:     "localhost",
			ControllerPort:     4443,
			HeartbeatIntervalS: 10,
		},
		Storage: StorageConfig{
			Region:      "us-east-1",
			ChunkFolder: "chunks",
		},
		Cleanup: CleanupConfig{
			Enabled:   true,
			Async:     true,
			BatchSize: 1000,
		},
		Relay: RelayConfig{
			Enabled:      true,
			TimeoutMS:    5000,
			Retries:      3,
			RetryDelayMS: 500,
			Pool: RelayPoolConfig{
				Core:  2,
				Max:   8,
				Queue: 64,
			},
		},
	}
}

// LoadFromFile loads configuration from a JSON or YAML file, selected by
// extension, on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	setString(&cfg.Daemon.HTTPAddr, "SENTINEL_HTTP_ADDR")
	setString(&cfg.Daemon.LogLevel, "SENTINEL_LOG_LEVEL")
	setString(&cfg.Daemon.LogFormat, "SENTINEL_LOG_FORMAT")
	setString(&cfg.Daemon.ServiceID, "SENTINEL_SERVICE_ID")

	setString(&cfg.Redis.Addr, "SENTINEL_REDIS_ADDR")
	setString(&cfg.Redis.Password, "SENTINEL_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SENTINEL_REDIS_DB")

	setBool(&cfg.Failover.Enabled, "SENTINEL_FAILOVER_ENABLED")
	setInt(&cfg.Failover.HeartbeatPeriodS, "SENTINEL_HEARTBEAT_PERIOD")
	setInt(&cfg.Failover.ChunkPeriodS, "SENTINEL_CHUNK_PERIOD")
	setInt(&cfg.Failover.MaxMissed, "SENTINEL_MAX_MISSED")
	setInt(&cfg.Failover.CheckIntervalS, "SENTINEL_CHECK_INTERVAL")
	setInt(&cfg.Failover.CleanupIntervalS, "SENTINEL_CLEANUP_INTERVAL")
	setInt(&cfg.Failover.MaxInactiveS, "SENTINEL_MAX_INACTIVE")

	setString(&cfg.Backup.Image, "SENTINEL_BACKUP_IMAGE")
	setString(&cfg.Backup.Tag, "SENTINEL_BACKUP_TAG")
	setString(&cfg.Backup.Network, "SENTINEL_BACKUP_NETWORK")
	setString(&cfg.Backup.NamePrefix, "SENTINEL_BACKUP_PREFIX")
	setString(&cfg.Backup.SocketPath, "SENTINEL_DOCKER_SOCKET")
	setString(&cfg.Backup.ControllerHost, "SENTINEL_CONTROLLER_HOST")
	setInt(&cfg.Backup.ControllerPort, "SENTINEL_CONTROLLER_PORT")
	setString(&cfg.Backup.Username, "SENTINEL_USERNAME")
	setString(&cfg.Backup.Password, "SENTINEL_PASSWORD")
	setString(&cfg.Backup.RecordingBaseURL, "SENTINEL_RECORDING_BASE_URL")
	setInt(&cfg.Backup.HeartbeatIntervalS, "SENTINEL_BACKUP_HEARTBEAT_INTERVAL")

	setString(&cfg.Storage.Bucket, "SENTINEL_S3_BUCKET")
	setString(&cfg.Storage.AccessKey, "SENTINEL_S3_ACCESS_KEY")
	setString(&cfg.Storage.SecretKey, "SENTINEL_S3_SECRET_KEY")
	setString(&cfg.Storage.Region, "SENTINEL_S3_REGION")
	setString(&cfg.Storage.Endpoint, "SENTINEL_S3_ENDPOINT")
	setString(&cfg.Storage.ChunkFolder, "SENTINEL_CHUNK_FOLDER")

	setBool(&cfg.Cleanup.Enabled, "SENTINEL_CLEANUP_ENABLED")
	setBool(&cfg.Cleanup.Async, "SENTINEL_CLEANUP_ASYNC")
	setInt(&cfg.Cleanup.BatchSize, "SENTINEL_CLEANUP_BATCH_SIZE")

	setBool(&cfg.Relay.Enabled, "SENTINEL_RELAY_ENABLED")
	setString(&cfg.Relay.URL, "SENTINEL_RELAY_URL")
	setString(&cfg.Relay.Headers, "SENTINEL_RELAY_HEADERS")
	setInt(&cfg.Relay.TimeoutMS, "SENTINEL_RELAY_TIMEOUT_MS")
	setInt(&cfg.Relay.Retries, "SENTINEL_RELAY_RETRIES")
	setInt(&cfg.Relay.RetryDelayMS, "SENTINEL_RELAY_RETRY_DELAY_MS")
	setInt(&cfg.Relay.Pool.Core, "SENTINEL_RELAY_POOL_CORE")
	setInt(&cfg.Relay.Pool.Max, "SENTINEL_RELAY_POOL_MAX")
	setInt(&cfg.Relay.Pool.Queue, "SENTINEL_RELAY_POOL_QUEUE")
}

// Redacted returns a loggable copy with credentials masked.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Redis.Password != "" {
		out.Redis.Password = "****"
	}
	if out.Backup.Password != "" {
		out.Backup.Password = "****"
	}
	if out.Storage.SecretKey != "" {
		out.Storage.SecretKey = "****"
	}
	return &out
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dmitrijs2005/filedrop/internal/flagx"
	"github.com/dmitrijs2005/filedrop/internal/server/settings"
	"github.com/dmitrijs2005/filedrop/internal/timex"
)

// JsonConfig is the on-disk shape of the config file. Durations use
// timex.Duration so both "5m" and integer nanoseconds are accepted. Keys
// missing from the file keep their current values.
type JsonConfig struct {
	HTTPAddr           string         `json:"http_addr"`
	GRPCAddr           string         `json:"grpc_addr"`
	StorageDriver      string         `json:"storage_driver"`
	DatabaseDSN        string         `json:"database_dsn"`
	SecretKey          string         `json:"secret_key"`
	AdminTokenValidity timex.Duration `json:"admin_token_validity"`

	BlobBackend    string `json:"blob_backend"`
	BlobDir        string `json:"blob_dir"`
	S3RootUser     string `json:"s3_root_user"`
	S3RootPassword string `json:"s3_root_password"`
	S3Bucket       string `json:"s3_bucket"`
	S3Region       string `json:"s3_region"`
	S3BaseEndpoint string `json:"s3_base_endpoint"`

	CacheBackend  string         `json:"cache_backend"`
	CacheTTL      timex.Duration `json:"cache_ttl"`
	RedisAddr     string         `json:"redis_addr"`
	RedisPassword string         `json:"redis_password"`
	RedisDB       int            `json:"redis_db"`

	LogBackend      string `json:"log_backend"`
	LogLevel        string `json:"log_level"`
	TracingExporter string `json:"tracing_exporter"`
	OTLPEndpoint    string `json:"otlp_endpoint"`

	TokenLength        int            `json:"token_length"`
	AllowPublicIDOnly  bool           `json:"allow_public_id_only"`
	NotifyPollInterval timex.Duration `json:"notify_poll_interval"`

	Settings settings.Snapshot `json:"settings"`
}

func toJson(c *Config) *JsonConfig {
	return &JsonConfig{
		HTTPAddr:           c.HTTPAddr,
		GRPCAddr:           c.GRPCAddr,
		StorageDriver:      c.StorageDriver,
		DatabaseDSN:        c.DatabaseDSN,
		SecretKey:          c.SecretKey,
		AdminTokenValidity: timex.Duration{Duration: c.AdminTokenValidity},
		BlobBackend:        c.BlobBackend,
		BlobDir:            c.BlobDir,
		S3RootUser:         c.S3RootUser,
		S3RootPassword:     c.S3RootPassword,
		S3Bucket:           c.S3Bucket,
		S3Region:           c.S3Region,
		S3BaseEndpoint:     c.S3BaseEndpoint,
		CacheBackend:       c.CacheBackend,
		CacheTTL:           timex.Duration{Duration: c.CacheTTL},
		RedisAddr:          c.RedisAddr,
		RedisPassword:      c.RedisPassword,
		RedisDB:            c.RedisDB,
		LogBackend:         c.LogBackend,
		LogLevel:           c.LogLevel,
		TracingExporter:    c.TracingExporter,
		OTLPEndpoint:       c.OTLPEndpoint,
		TokenLength:        c.TokenLength,
		AllowPublicIDOnly:  c.AllowPublicIDOnly,
		NotifyPollInterval: timex.Duration{Duration: c.NotifyPollInterval},
		Settings:           c.Settings,
	}
}

func (j *JsonConfig) apply(c *Config) {
	c.HTTPAddr = j.HTTPAddr
	c.GRPCAddr = j.GRPCAddr
	c.StorageDriver = j.StorageDriver
	c.DatabaseDSN = j.DatabaseDSN
	c.SecretKey = j.SecretKey
	c.AdminTokenValidity = j.AdminTokenValidity.Duration
	c.BlobBackend = j.BlobBackend
	c.BlobDir = j.BlobDir
	c.S3RootUser = j.S3RootUser
	c.S3RootPassword = j.S3RootPassword
	c.S3Bucket = j.S3Bucket
	c.S3Region = j.S3Region
	c.S3BaseEndpoint = j.S3BaseEndpoint
	c.CacheBackend = j.CacheBackend
	c.CacheTTL = j.CacheTTL.Duration
	c.RedisAddr = j.RedisAddr
	c.RedisPassword = j.RedisPassword
	c.RedisDB = j.RedisDB
	c.LogBackend = j.LogBackend
	c.LogLevel = j.LogLevel
	c.TracingExporter = j.TracingExporter
	c.OTLPEndpoint = j.OTLPEndpoint
	c.TokenLength = j.TokenLength
	c.AllowPublicIDOnly = j.AllowPublicIDOnly
	c.NotifyPollInterval = j.NotifyPollInterval.Duration
	c.Settings = j.Settings
}

// parseJson overlays the JSON file named by -c/-config (or $FILEDROP_CONFIG)
// onto config. No file means no change. An unreadable or invalid file panics:
// the process must not start on a config it cannot read.
func parseJson(config *Config) {
	path := flagx.JsonConfigFlags()
	if path == "" {
		return
	}

	file, err := os.ReadFile(path)
	if err != nil {
		panic(err)
	}

	c := toJson(config)
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}
	c.apply(config)
	config.ConfigFile = path
}

// ReloadSettings re-reads the "settings" object of the JSON file at path and
// overlays it on base. Used on SIGHUP; errors are returned, not panicked.
func ReloadSettings(path string, base settings.Snapshot) (settings.Snapshot, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read config: %w", err)
	}

	wrapper := struct {
		Settings *settings.Snapshot `json:"settings"`
	}{Settings: &base}

	if err := json.Unmarshal(file, &wrapper); err != nil {
		return base, fmt.Errorf("parse config: %w", err)
	}
	return base, nil
}

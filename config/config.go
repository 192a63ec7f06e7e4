// Package config contains code to set the default values and read
// config files to be used throughout the whole application
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/pflag"
	v "github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	RunRetention = pflag.Bool("run-retention", false, "Runs a single retention sweep and exits")
	configPath   = pflag.String("config", ".", "Directory containing config.toml")

	validLogLevels    = []string{"debug", "info", "warn", "error", "fatal"}
	validStorageTypes = []string{"s3", "r2"}
	validDrivers      = []string{"sqlite", "postgres"}
	validScanEngines  = []string{"clamd", "clamscan", "disabled"}
)

func genSecret() string {
	b := make([]byte, 64)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Setup parses the command line and loads the configuration. It returns an
// error if something is critically wrong and the application can't run
// because of that.
func Setup() error {
	pflag.Parse()
	v.BindPFlags(pflag.CommandLine)

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(*configPath)

	return Load()
}

func bindEnvs() {
	for _, key := range []string{
		"app.log_level",
		"app.json_logs",

		"host.port",
		"host.cors",

		"database.driver",
		"database.dsn",
		"database.debug",

		"storage.type",
		"storage.bucket",
		"storage.region",
		"storage.endpoint",
		"storage.access_key_id",
		"storage.secret_access_key",
		"storage.public_base_url",
		"storage.cdn_url",
		"storage.presign_ttl",
		"storage.path_style",

		"cloudflare.account_id",

		"upload.max_size_mb",
		"upload.max_video_size_mb",
		"upload.allowed_types",

		"quota.org_limit_gb",

		"scan.engine",
		"scan.address",
		"scan.clamscan_path",
		"scan.timeout",
		"scan.timeout_fatal",
		"scan.stream_files",

		"security.block_unverified_downloads",
		"security.rate_limit",

		"jwt.secret",

		"imaging.quality",
		"imaging.thumbnail_sizes",
		"imaging.ffmpeg_path",
		"imaging.timeout",
		"imaging.max_dimension",

		"processing.workers",
		"processing.queue_size",
		"processing.temp_dir",
		"processing.stale_after",

		"retention.schedule",
		"retention.batch_size",
		"retention.archived_days",
		"retention.failed_days",
		"retention.delete_infected",
		"retention.delete_failed",
		"retention.orphan_min_age",
		"retention.archive_after_days",

		"redis.addr",
		"redis.password",
		"redis.db",
		"redis.events_channel",
	} {
		// app.log_level -> APP_LOG_LEVEL
		v.BindEnv(key, strings.ToUpper(strings.ReplaceAll(key, ".", "_")))
	}
}

func setDefaults() {
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.json_logs", false)

	v.SetDefault("host.port", 8080)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "content.db")

	v.SetDefault("storage.type", "s3")
	v.SetDefault("storage.region", "auto")
	v.SetDefault("storage.presign_ttl", "15m")
	v.SetDefault("storage.path_style", false)

	v.SetDefault("upload.max_size_mb", 100)
	v.SetDefault("upload.max_video_size_mb", 500)
	v.SetDefault("upload.allowed_types", []string{})

	v.SetDefault("quota.org_limit_gb", 10)

	v.SetDefault("scan.engine", "clamd")
	v.SetDefault("scan.address", "tcp://127.0.0.1:3310")
	v.SetDefault("scan.clamscan_path", "clamscan")
	v.SetDefault("scan.timeout", "30s")
	v.SetDefault("scan.timeout_fatal", false)
	v.SetDefault("scan.stream_files", true)

	v.SetDefault("security.block_unverified_downloads", false)
	v.SetDefault("security.rate_limit", 20)

	v.SetDefault("imaging.quality", 85)
	v.SetDefault("imaging.thumbnail_sizes", []int{150, 300, 600, 1200})
	v.SetDefault("imaging.ffmpeg_path", "ffmpeg")
	v.SetDefault("imaging.timeout", "2m")
	v.SetDefault("imaging.max_dimension", 4096)

	v.SetDefault("processing.workers", 4)
	v.SetDefault("processing.queue_size", 64)
	v.SetDefault("processing.stale_after", "1h")

	v.SetDefault("retention.schedule", "@daily")
	v.SetDefault("retention.batch_size", 100)
	v.SetDefault("retention.archived_days", 365)
	v.SetDefault("retention.failed_days", 7)
	v.SetDefault("retention.delete_infected", true)
	v.SetDefault("retention.delete_failed", true)
	v.SetDefault("retention.orphan_min_age", "24h")
	v.SetDefault("retention.archive_after_days", 180)

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.events_channel", "content-events")
}

// Load binds the environment, applies defaults, reads config.toml when
// there is one and validates the result
func Load() error {
	bindEnvs()
	setDefaults()

	if err := v.ReadInConfig(); err != nil {
		var notFound v.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config file, %w", err)
		}

		zap.L().Debug("No config.toml found, using environment and defaults")
	}

	return validate()
}

func validate() error {
	if !slices.Contains(validLogLevels, v.GetString("app.log_level")) {
		return errors.New("invalid log level provided")
	}

	if v.GetInt("host.port") <= 0 {
		return errors.New("invalid port provided")
	}

	if !slices.Contains(validDrivers, v.GetString("database.driver")) {
		return errors.New("invalid database driver provided")
	}

	if v.GetString("database.dsn") == "" {
		return errors.New("database.dsn can't be empty")
	}

	if v.GetString("jwt.secret") == "" {
		return fmt.Errorf("jwt.secret is not set. Set JWT_SECRET or add it to config.toml, for example:\n\n%s", genSecret())
	}

	switch v.GetString("storage.type") {
	case "r2":
		if v.GetString("cloudflare.account_id") == "" {
			return errors.New("account id can't be empty")
		}
	case "s3":
	default:
		return errors.New("invalid storage type provided")
	}

	if !slices.Contains(validStorageTypes, v.GetString("storage.type")) {
		return errors.New("invalid storage type provided")
	}

	if v.GetString("storage.bucket") == "" {
		return errors.New("bucket can't be empty")
	}

	if v.GetDuration("storage.presign_ttl") <= 0 {
		return errors.New("storage.presign_ttl must be a positive duration")
	}

	if v.GetInt64("upload.max_size_mb") <= 0 || v.GetInt64("upload.max_video_size_mb") <= 0 {
		return errors.New("upload size limits must be bigger than 0")
	}

	if len(v.GetStringSlice("upload.allowed_types")) == 0 {
		zap.L().Warn("No upload.allowed_types specified, any file type will be accepted")
	}

	if v.GetInt64("quota.org_limit_gb") < 0 {
		return errors.New("quota.org_limit_gb can't be negative")
	}

	if !slices.Contains(validScanEngines, v.GetString("scan.engine")) {
		return errors.New("invalid scan engine provided")
	}

	if v.GetString("scan.engine") == "disabled" {
		zap.L().Warn("Malware scanning is disabled, files will be stored with an unverified scan status")
	}

	if v.GetDuration("scan.timeout") <= 0 {
		return errors.New("scan.timeout must be a positive duration")
	}

	if q := v.GetInt("imaging.quality"); q < 1 || q > 100 {
		return errors.New("imaging.quality must be between 1 and 100")
	}

	if v.GetInt("processing.workers") <= 0 {
		return errors.New("processing.workers must be bigger than 0")
	}

	if v.GetInt("processing.queue_size") < 0 {
		return errors.New("processing.queue_size can't be negative")
	}

	if v.GetInt("retention.batch_size") <= 0 {
		return errors.New("retention.batch_size must be bigger than 0")
	}

	if v.GetInt("retention.failed_days") <= 0 || v.GetInt("retention.archived_days") <= 0 {
		return errors.New("retention windows must be bigger than 0")
	}

	if v.GetInt("security.rate_limit") <= 0 {
		return errors.New("security.rate_limit must be bigger than 0")
	}

	return nil
}

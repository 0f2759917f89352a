// Package config loads server settings from an optional YAML file overlaid
// with KOBOCAT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"kobocat/internal/blob"
	"kobocat/internal/core"
	"kobocat/internal/mirror"
	"kobocat/internal/openrosa"
)

// Mirror drivers.
const (
	MirrorMongo  = "mongo"
	MirrorMemory = "memory"
	MirrorNone   = "none"
)

// Config is the complete server configuration.
type Config struct {
	Listen               string              `yaml:"listen"`
	LogLevel             string              `yaml:"log_level"`
	MaxContentLength     int64               `yaml:"max_content_length"`
	SubmissionsSuspended bool                `yaml:"submissions_suspended"`
	Storage              core.StorageOptions `yaml:"storage"`
	Blob                 blob.Options        `yaml:"blob"`
	Mirror               MirrorConfig        `yaml:"mirror"`
}

// MirrorConfig selects the mirror backend and tunes its retrier.
type MirrorConfig struct {
	Driver string             `yaml:"driver"`
	Mongo  mirror.MongoConfig `yaml:"mongo"`
	Retry  RetryConfig        `yaml:"retry"`
}

// RetryConfig mirrors mirror.RetryOptions for YAML.
type RetryConfig struct {
	QueueSize   int           `yaml:"queue_size"`
	MaxAttempts int           `yaml:"max_attempts"`
	SlotTime    time.Duration `yaml:"slot_time"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// Options converts the YAML form into retrier options.
func (r RetryConfig) Options() mirror.RetryOptions {
	return mirror.RetryOptions{
		QueueSize:   r.QueueSize,
		MaxAttempts: r.MaxAttempts,
		SlotTime:    r.SlotTime,
		MaxBackoff:  r.MaxBackoff,
	}
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Listen:           ":8000",
		LogLevel:         "info",
		MaxContentLength: openrosa.DefaultMaxContentLength,
		Storage:          core.StorageOptions{Driver: core.StorageSQLite, SQLitePath: "./kobocat.db"},
		Blob:             blob.Options{Driver: blob.DriverFilesystem, FSRoot: "./media"},
		Mirror:           MirrorConfig{Driver: MirrorMongo},
	}
}

// Load reads path, when it names an existing file, over the defaults and
// then applies the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overlays every KOBOCAT_* variable that is set.
//
//	KOBOCAT_LISTEN, KOBOCAT_LOG_LEVEL, KOBOCAT_MAX_CONTENT_LENGTH,
//	KOBOCAT_SUBMISSIONS_SUSPENDED, KOBOCAT_MIRROR_DRIVER
//
// plus the storage, blob and mongo variables documented by their packages.
func (c *Config) ApplyEnv() error {
	setString(&c.Listen, os.Getenv("KOBOCAT_LISTEN"))
	setString(&c.LogLevel, os.Getenv("KOBOCAT_LOG_LEVEL"))
	setString(&c.Mirror.Driver, os.Getenv("KOBOCAT_MIRROR_DRIVER"))
	if v := os.Getenv("KOBOCAT_MAX_CONTENT_LENGTH"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("KOBOCAT_MAX_CONTENT_LENGTH: %w", err)
		}
		c.MaxContentLength = n
	}
	if v := os.Getenv("KOBOCAT_SUBMISSIONS_SUSPENDED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("KOBOCAT_SUBMISSIONS_SUSPENDED: %w", err)
		}
		c.SubmissionsSuspended = b
	}

	st := core.StorageOptionsFromEnv()
	if st.Driver != "" {
		c.Storage.Driver = st.Driver
	}
	setString(&c.Storage.SQLitePath, st.SQLitePath)
	setString(&c.Storage.PostgresDSN, st.PostgresDSN)

	bl := blob.OptionsFromEnv()
	if bl.Driver != "" {
		c.Blob.Driver = bl.Driver
	}
	setString(&c.Blob.FSRoot, bl.FSRoot)
	setString(&c.Blob.BaseURL, bl.BaseURL)
	setString(&c.Blob.S3.Bucket, bl.S3.Bucket)
	setString(&c.Blob.S3.Region, bl.S3.Region)
	setString(&c.Blob.S3.Prefix, bl.S3.Prefix)
	setString(&c.Blob.S3.Endpoint, bl.S3.Endpoint)
	if os.Getenv("KOBOCAT_BLOB_S3_PATH_STYLE") != "" {
		c.Blob.S3.PathStyle = bl.S3.PathStyle
	}

	mg := mirror.MongoConfigFromEnv()
	setString(&c.Mirror.Mongo.URI, mg.URI)
	setString(&c.Mirror.Mongo.Database, mg.Database)
	setString(&c.Mirror.Mongo.Collection, mg.Collection)
	return nil
}

// Validate reports settings that cannot work.
func (c Config) Validate() error {
	switch c.Mirror.Driver {
	case MirrorMongo, MirrorMemory, MirrorNone:
	default:
		return fmt.Errorf("unknown mirror driver %q", c.Mirror.Driver)
	}
	if c.MaxContentLength <= 0 {
		return fmt.Errorf("max_content_length must be positive")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel accepts the zap level names.
func ParseLevel(level string) (zapcore.Level, error) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return l, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return l, nil
}

// NewLogger builds the production JSON logger at the given level.
func NewLogger(level string) (*zap.Logger, error) {
	l, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(l)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

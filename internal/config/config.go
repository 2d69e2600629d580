// Package config loads the pulsewatchd configuration. Defaults are overlaid
// by an optional YAML file and then by PULSEWATCH_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PULSEWATCH_"

type Config struct {
	HTTP     HTTP     `yaml:"http"`
	Storage  Storage  `yaml:"storage"`
	Ingest   Ingest   `yaml:"ingest"`
	Manifest Manifest `yaml:"manifest"`
	Catalog  Catalog  `yaml:"catalog"`
	Events   Events   `yaml:"events"`
	Log      Log      `yaml:"log"`
	Metrics  Metrics  `yaml:"metrics"`
	Tracing  Tracing  `yaml:"tracing"`
}

type HTTP struct {
	Addr            string        `yaml:"addr"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type Storage struct {
	Driver    string        `yaml:"driver"`
	FSRoot    string        `yaml:"fs_root"`
	S3        S3            `yaml:"s3"`
	GCS       GCS           `yaml:"gcs"`
	OpTimeout time.Duration `yaml:"op_timeout"`
}

type S3 struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type GCS struct {
	Bucket          string `yaml:"bucket"`
	EmulatorHost    string `yaml:"emulator_host"`
	CredentialsFile string `yaml:"credentials_file"`
}

type Ingest struct {
	MinPayloadBytes int `yaml:"min_payload_bytes"`
	MaxWarnings     int `yaml:"max_warnings"`
}

type Manifest struct {
	LockTimeout time.Duration `yaml:"lock_timeout"`
	LockBackend string        `yaml:"lock_backend"`
	LockLease   time.Duration `yaml:"lock_lease"`
	RedisAddr   string        `yaml:"redis_addr"`
}

type Catalog struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type Events struct {
	Driver    string   `yaml:"driver"`
	Brokers   []string `yaml:"brokers"`
	Topic     string   `yaml:"topic"`
	RedisAddr string   `yaml:"redis_addr"`
	Channel   string   `yaml:"channel"`
}

type Log struct {
	Mode   string `yaml:"mode"`
	Level  string `yaml:"level"`
	Redact *bool  `yaml:"redact"`
	Salt   string `yaml:"salt"`
}

// RedactEnabled reports whether patient identifiers are hashed in logs (default true).
func (l Log) RedactEnabled() bool { return l.Redact == nil || *l.Redact }

type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Backend string `yaml:"backend"`
}

type Tracing struct {
	Exporter string `yaml:"exporter"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTP: HTTP{
			Addr:            ":5000",
			MaxBodyBytes:    32 << 20,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Storage:  Storage{Driver: "fs", FSRoot: "./patient_data", OpTimeout: 30 * time.Second},
		Ingest:   Ingest{MinPayloadBytes: 50, MaxWarnings: 100},
		Manifest: Manifest{LockTimeout: 5 * time.Second, LockBackend: "memory", LockLease: 2 * time.Minute},
		Catalog:  Catalog{Driver: "memory"},
		Events:   Events{Driver: "none"},
		Log:      Log{Mode: "production", Level: "info"},
		Metrics:  Metrics{Enabled: true, Backend: "prometheus"},
		Tracing:  Tracing{Exporter: "none"},
	}
}

// Load reads path (optional), applies environment overrides from getenv
// (os.Getenv when nil) and validates the result.
func Load(path string, getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type env struct {
	get  func(string) string
	errs []error
}

func (e *env) lookup(name string) (string, bool) {
	v := strings.TrimSpace(e.get(EnvPrefix + name))
	return v, v != ""
}

func (e *env) str(name string, dst *string) {
	if v, ok := e.lookup(name); ok {
		*dst = v
	}
}

func (e *env) integer(name string, dst *int) {
	if v, ok := e.lookup(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = n
	}
}

func (e *env) int64(name string, dst *int64) {
	if v, ok := e.lookup(name); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = n
	}
}

func (e *env) boolean(name string, dst *bool) {
	if v, ok := e.lookup(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = b
	}
}

func (e *env) duration(name string, dst *time.Duration) {
	if v, ok := e.lookup(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = d
	}
}

func (e *env) list(name string, dst *[]string) {
	if v, ok := e.lookup(name); ok {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	e := &env{get: getenv}
	e.str("HTTP_ADDR", &cfg.HTTP.Addr)
	e.int64("HTTP_MAX_BODY_BYTES", &cfg.HTTP.MaxBodyBytes)
	e.duration("HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout)
	e.duration("HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout)
	e.duration("HTTP_SHUTDOWN_TIMEOUT", &cfg.HTTP.ShutdownTimeout)

	e.str("STORAGE_DRIVER", &cfg.Storage.Driver)
	e.str("FS_ROOT", &cfg.Storage.FSRoot)
	e.duration("STORAGE_OP_TIMEOUT", &cfg.Storage.OpTimeout)
	e.str("S3_BUCKET", &cfg.Storage.S3.Bucket)
	e.str("S3_REGION", &cfg.Storage.S3.Region)
	e.str("S3_ENDPOINT", &cfg.Storage.S3.Endpoint)
	e.boolean("S3_PATH_STYLE", &cfg.Storage.S3.PathStyle)
	e.str("S3_ACCESS_KEY_ID", &cfg.Storage.S3.AccessKeyID)
	e.str("S3_SECRET_ACCESS_KEY", &cfg.Storage.S3.SecretAccessKey)
	e.str("GCS_BUCKET", &cfg.Storage.GCS.Bucket)
	e.str("GCS_EMULATOR_HOST", &cfg.Storage.GCS.EmulatorHost)
	e.str("GCS_CREDENTIALS_FILE", &cfg.Storage.GCS.CredentialsFile)

	e.integer("MIN_PAYLOAD_BYTES", &cfg.Ingest.MinPayloadBytes)
	e.integer("MAX_WARNINGS", &cfg.Ingest.MaxWarnings)

	e.duration("LOCK_TIMEOUT", &cfg.Manifest.LockTimeout)
	e.str("LOCK_BACKEND", &cfg.Manifest.LockBackend)
	e.duration("LOCK_LEASE", &cfg.Manifest.LockLease)
	e.str("LOCK_REDIS_ADDR", &cfg.Manifest.RedisAddr)

	e.str("CATALOG_DRIVER", &cfg.Catalog.Driver)
	e.str("CATALOG_DSN", &cfg.Catalog.DSN)

	e.str("EVENTS_DRIVER", &cfg.Events.Driver)
	e.list("EVENTS_BROKERS", &cfg.Events.Brokers)
	e.str("EVENTS_TOPIC", &cfg.Events.Topic)
	e.str("EVENTS_REDIS_ADDR", &cfg.Events.RedisAddr)
	e.str("EVENTS_CHANNEL", &cfg.Events.Channel)

	e.str("LOG_MODE", &cfg.Log.Mode)
	e.str("LOG_LEVEL", &cfg.Log.Level)
	if v, ok := e.lookup("LOG_REDACT"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%sLOG_REDACT: %w", EnvPrefix, err))
		} else {
			cfg.Log.Redact = &b
		}
	}
	e.str("LOG_SALT", &cfg.Log.Salt)

	e.boolean("METRICS_ENABLED", &cfg.Metrics.Enabled)
	e.str("METRICS_BACKEND", &cfg.Metrics.Backend)
	e.str("TRACING_EXPORTER", &cfg.Tracing.Exporter)
	return errors.Join(e.errs...)
}

func oneOf(field, v string, allowed ...string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("%s: %q is not one of %s", field, v, strings.Join(allowed, ", "))
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var problems []error
	add := func(err error) {
		if err != nil {
			problems = append(problems, err)
		}
	}
	if c.HTTP.Addr == "" {
		add(errors.New("http.addr: required"))
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		add(errors.New("http.max_body_bytes: must be positive"))
	}
	add(oneOf("storage.driver", c.Storage.Driver, "fs", "s3", "gcs", "memory"))
	switch c.Storage.Driver {
	case "s3":
		if c.Storage.S3.Bucket == "" {
			add(errors.New("storage.s3.bucket: required for the s3 driver"))
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			add(errors.New("storage.gcs.bucket: required for the gcs driver"))
		}
	}
	if c.Storage.OpTimeout <= 0 {
		add(errors.New("storage.op_timeout: must be positive"))
	}
	if c.Ingest.MinPayloadBytes < 0 {
		add(errors.New("ingest.min_payload_bytes: must not be negative"))
	}
	if c.Manifest.LockTimeout <= 0 {
		add(errors.New("manifest.lock_timeout: must be positive"))
	}
	add(oneOf("manifest.lock_backend", c.Manifest.LockBackend, "memory", "redis"))
	if c.Manifest.LockBackend == "redis" {
		if c.Manifest.RedisAddr == "" {
			add(errors.New("manifest.redis_addr: required for the redis lock backend"))
		}
		// A lease that can expire inside an ingest lets a second writer in.
		if c.Manifest.LockLease <= c.Storage.OpTimeout {
			add(fmt.Errorf("manifest.lock_lease: %s must exceed storage.op_timeout %s", c.Manifest.LockLease, c.Storage.OpTimeout))
		}
	}
	add(oneOf("catalog.driver", c.Catalog.Driver, "memory", "sqlite", "postgres"))
	add(oneOf("events.driver", c.Events.Driver, "none", "memory", "kafka", "redis"))
	if c.Events.Driver == "kafka" && len(c.Events.Brokers) == 0 {
		add(errors.New("events.brokers: required for the kafka driver"))
	}
	if c.Events.Driver == "redis" && c.Events.RedisAddr == "" {
		add(errors.New("events.redis_addr: required for the redis driver"))
	}
	add(oneOf("log.mode", c.Log.Mode, "production", "prod", "development", "dev"))
	add(oneOf("metrics.backend", c.Metrics.Backend, "prometheus", "expvar"))
	add(oneOf("tracing.exporter", c.Tracing.Exporter, "none", "stdout"))
	return errors.Join(problems...)
}

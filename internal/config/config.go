// Package config resolves the gateway runtime configuration from an optional
// YAML file and CLAMAV_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/DevHatRo/clamav-gateway-go/gateway"
)

const envPrefix = "CLAMAV_"

// Defaults for the surrounding service.
const (
	DefaultHTTPAddr = ":8080"
	DefaultLogLevel = "info"
)

// Config is the resolved runtime configuration.
type Config struct {
	Gateway gateway.Config

	HTTPAddr     string
	LogLevel     string
	OTLPEndpoint string

	// RedisURL selects the shared Redis result cache instead of the in-memory LRU.
	RedisURL string
	// NATSURL enables JetStream infection notifications.
	NATSURL     string
	NATSSubject string
	// S3Bucket enables mirroring quarantine pairs to S3.
	S3Bucket string
	S3Prefix string
}

// configFile mirrors the YAML schema. Durations are strings ("30s", "1h")
// and omitted keys keep their defaults.
type configFile struct {
	ClamAV struct {
		Enabled           *bool  `yaml:"enabled"`
		Mode              string `yaml:"mode"`
		Host              string `yaml:"host"`
		Port              int    `yaml:"port"`
		SocketPath        string `yaml:"socket_path"`
		Timeout           string `yaml:"timeout"`
		MaxFileSize       int64  `yaml:"max_file_size"`
		QuarantinePath    string `yaml:"quarantine_path"`
		ScanOnUpload      *bool  `yaml:"scan_on_upload"`
		RemoveInfected    *bool  `yaml:"remove_infected"`
		NotifyOnInfection *bool  `yaml:"notify_on_infection"`
		FallbackBehavior  string `yaml:"fallback_behavior"`
		ConnectionRetries *int   `yaml:"connection_retries"`
		FileTransfer      string `yaml:"file_transfer"`
		StrictResponses   *bool  `yaml:"strict_responses"`
		CacheTTL          string `yaml:"cache_ttl"`
		CacheCapacity     int    `yaml:"cache_capacity"`
	} `yaml:"clamav"`
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	Dependencies struct {
		RedisURL     string `yaml:"redis_url"`
		NATSURL      string `yaml:"nats_url"`
		NATSSubject  string `yaml:"nats_subject"`
		S3Bucket     string `yaml:"s3_bucket"`
		S3Prefix     string `yaml:"s3_prefix"`
		OTLPEndpoint string `yaml:"otlp_endpoint"`
	} `yaml:"dependencies"`
}

// Load resolves configuration in priority order: defaults, file, environment.
// An empty path or a missing file skips the file layer.
func Load(path string) (Config, error) {
	gw := gateway.DefaultConfig()
	// Host depends on the final mode; resolved after all layers are applied.
	gw.Host = ""

	cfg := Config{
		Gateway:  gw,
		HTTPAddr: DefaultHTTPAddr,
		LogLevel: DefaultLogLevel,
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config file: %w", err)
		default:
			if err := applyFile(&cfg, raw); err != nil {
				return Config{}, err
			}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = defaultHost(cfg.Gateway.Mode)
	}

	if err := cfg.Gateway.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, raw []byte) error {
	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	c := &cfg.Gateway
	setBool(&c.Enabled, f.ClamAV.Enabled)
	setString((*string)(&c.Mode), strings.ToLower(f.ClamAV.Mode))
	setString(&c.Host, f.ClamAV.Host)
	if f.ClamAV.Port > 0 {
		c.Port = f.ClamAV.Port
	}
	setString(&c.SocketPath, f.ClamAV.SocketPath)
	if f.ClamAV.Timeout != "" {
		d, err := time.ParseDuration(f.ClamAV.Timeout)
		if err != nil {
			return fmt.Errorf("parse clamav.timeout: %w", err)
		}
		c.Timeout = d
	}
	if f.ClamAV.MaxFileSize > 0 {
		c.MaxFileSize = f.ClamAV.MaxFileSize
	}
	setString(&c.QuarantinePath, f.ClamAV.QuarantinePath)
	setBool(&c.ScanOnUpload, f.ClamAV.ScanOnUpload)
	setBool(&c.RemoveInfected, f.ClamAV.RemoveInfected)
	setBool(&c.NotifyOnInfection, f.ClamAV.NotifyOnInfection)
	setString((*string)(&c.FallbackBehavior), strings.ToLower(f.ClamAV.FallbackBehavior))
	if f.ClamAV.ConnectionRetries != nil {
		c.ConnectionRetries = *f.ClamAV.ConnectionRetries
	}
	setString((*string)(&c.FileTransfer), strings.ToLower(f.ClamAV.FileTransfer))
	setBool(&c.StrictResponses, f.ClamAV.StrictResponses)
	if f.ClamAV.CacheTTL != "" {
		d, err := time.ParseDuration(f.ClamAV.CacheTTL)
		if err != nil {
			return fmt.Errorf("parse clamav.cache_ttl: %w", err)
		}
		c.CacheTTL = d
	}
	if f.ClamAV.CacheCapacity > 0 {
		c.CacheCapacity = f.ClamAV.CacheCapacity
	}

	setString(&cfg.HTTPAddr, f.HTTP.Addr)
	setString(&cfg.LogLevel, f.Log.Level)
	setString(&cfg.RedisURL, f.Dependencies.RedisURL)
	setString(&cfg.NATSURL, f.Dependencies.NATSURL)
	setString(&cfg.NATSSubject, f.Dependencies.NATSSubject)
	setString(&cfg.S3Bucket, f.Dependencies.S3Bucket)
	setString(&cfg.S3Prefix, f.Dependencies.S3Prefix)
	setString(&cfg.OTLPEndpoint, f.Dependencies.OTLPEndpoint)
	return nil
}

func applyEnv(cfg *Config) error {
	var env envReader
	c := &cfg.Gateway
	c.Enabled = env.bool("ENABLED", c.Enabled)
	c.Mode = gateway.Mode(strings.ToLower(getEnv(envPrefix+"MODE", string(c.Mode))))
	c.Host = getEnv(envPrefix+"HOST", c.Host)
	c.Port = env.int("PORT", c.Port)
	c.SocketPath = getEnv(envPrefix+"SOCKET_PATH", c.SocketPath)
	c.Timeout = time.Duration(env.int("TIMEOUT_MS", int(c.Timeout.Milliseconds()))) * time.Millisecond
	c.MaxFileSize = env.int64("MAX_FILE_SIZE", c.MaxFileSize)
	c.QuarantinePath = getEnv(envPrefix+"QUARANTINE_PATH", c.QuarantinePath)
	c.ScanOnUpload = env.bool("SCAN_ON_UPLOAD", c.ScanOnUpload)
	c.RemoveInfected = env.bool("REMOVE_INFECTED", c.RemoveInfected)
	c.NotifyOnInfection = env.bool("NOTIFY_ON_INFECTION", c.NotifyOnInfection)
	c.FallbackBehavior = gateway.Fallback(strings.ToLower(getEnv(envPrefix+"FALLBACK_BEHAVIOR", string(c.FallbackBehavior))))
	c.ConnectionRetries = env.int("CONNECTION_RETRIES", c.ConnectionRetries)
	c.FileTransfer = gateway.Transfer(strings.ToLower(getEnv(envPrefix+"FILE_TRANSFER", string(c.FileTransfer))))
	c.StrictResponses = env.bool("STRICT_RESPONSES", c.StrictResponses)
	c.CacheTTL = env.duration("CACHE_TTL", c.CacheTTL)
	c.CacheCapacity = env.int("CACHE_CAPACITY", c.CacheCapacity)
	if env.err != nil {
		return env.err
	}

	cfg.HTTPAddr = getEnv(envPrefix+"HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = getEnv(envPrefix+"LOG_LEVEL", cfg.LogLevel)
	cfg.RedisURL = getEnv(envPrefix+"REDIS_URL", cfg.RedisURL)
	cfg.NATSURL = getEnv(envPrefix+"NATS_URL", cfg.NATSURL)
	cfg.NATSSubject = getEnv(envPrefix+"NATS_SUBJECT", cfg.NATSSubject)
	cfg.S3Bucket = getEnv(envPrefix+"S3_BUCKET", cfg.S3Bucket)
	cfg.S3Prefix = getEnv(envPrefix+"S3_PREFIX", cfg.S3Prefix)
	cfg.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)
	return nil
}

// envReader reads prefixed typed variables and keeps the first parse error.
type envReader struct {
	err error
}

func (r *envReader) keep(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *envReader) bool(key string, def bool) bool {
	v, err := getEnvBool(envPrefix+key, def)
	r.keep(err)
	return v
}

func (r *envReader) int(key string, def int) int {
	v, err := getEnvInt(envPrefix+key, def)
	r.keep(err)
	return v
}

func (r *envReader) int64(key string, def int64) int64 {
	v, err := getEnvInt64(envPrefix+key, def)
	r.keep(err)
	return v
}

func (r *envReader) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.keep(fmt.Errorf("invalid %s: %q", envPrefix+key, v))
		return def
	}
	return d
}

func defaultHost(mode gateway.Mode) string {
	if mode == gateway.ModeDocker {
		return gateway.DefaultHost
	}
	return "127.0.0.1"
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s: %q", key, v)
	}
	return b, nil
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s: %q", key, v)
	}
	return i, nil
}

func getEnvInt64(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def, fmt.Errorf("invalid %s: %q", key, v)
	}
	return i, nil
}

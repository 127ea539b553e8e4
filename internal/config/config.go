package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Upstream      UpstreamConfig      `yaml:"upstream"`
	Capture       CaptureConfig       `yaml:"capture"`
	Consumer      ConsumerConfig      `yaml:"consumer"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// UpstreamConfig describes the messages API being fronted. The credential is
// resolved per request, not at load time, so a missing key fails only the
// request that needs it.
type UpstreamConfig struct {
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	APIVersion string `yaml:"api_version"`
}

// EnvAPIKey is the environment-level credential fallback.
const EnvAPIKey = "ANTHROPIC_API_KEY"

// ResolveAPIKey returns the upstream credential: explicit configuration wins,
// else the environment default. Evaluated at call time.
func (c UpstreamConfig) ResolveAPIKey() (string, error) {
	if key := strings.TrimSpace(c.APIKey); key != "" {
		return key, nil
	}
	if key := strings.TrimSpace(os.Getenv(EnvAPIKey)); key != "" {
		return key, nil
	}
	return "", fmt.Errorf("no upstream credential: set upstream.api_key or %s", EnvAPIKey)
}

type CaptureConfig struct {
	Enabled bool `yaml:"enabled"`
	// UserIDHeader names an inbound header consulted for the caller's user
	// identifier when the request metadata carries none.
	UserIDHeader string      `yaml:"user_id_header"`
	Queue        QueueConfig `yaml:"queue"`
	Store        StoreConfig `yaml:"store"`
}

type QueueConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

func (c QueueConfig) Configured() bool {
	return strings.TrimSpace(c.Addr) != ""
}

const (
	StoreDriverNone     = ""
	StoreDriverREST     = "rest"
	StoreDriverPostgres = "postgres"
	StoreDriverSQLite   = "sqlite"
)

type StoreConfig struct {
	Driver string          `yaml:"driver"`
	REST   RESTStoreConfig `yaml:"rest"`
	DSN    string          `yaml:"dsn"`
	Path   string          `yaml:"path"`
}

func (c StoreConfig) Configured() bool {
	return strings.TrimSpace(c.Driver) != StoreDriverNone
}

type RESTStoreConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

type ConsumerConfig struct {
	BatchSize int `yaml:"batch_size"`
}

type ObservabilityConfig struct {
	OTel OTelConfig `yaml:"otel"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
}

const (
	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "convolog-relay"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8787,
		},
		Upstream: UpstreamConfig{
			BaseURL:    "https://api.anthropic.com",
			APIVersion: "2023-06-01",
		},
		Capture: CaptureConfig{
			Enabled:      true,
			UserIDHeader: "X-Convolog-User-ID",
			Queue: QueueConfig{
				Key: "convolog:capture",
			},
		},
		Consumer: ConsumerConfig{
			BatchSize: 25,
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			decoder := yaml.NewDecoder(bytes.NewReader(data))
			decoder.KnownFields(true)
			decodeErr := decoder.Decode(&cfg)
			if errors.Is(decodeErr, io.EOF) {
				decodeErr = nil
			}
			if decodeErr != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, decodeErr)
			}
			// Reject multi-document configs to keep runtime configuration
			// unambiguous and avoid hidden trailing documents.
			var trailing any
			trailingErr := decoder.Decode(&trailing)
			if trailingErr != nil && !errors.Is(trailingErr, io.EOF) {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, trailingErr)
			}
			if trailing != nil {
				return Config{}, fmt.Errorf("parse yaml %q: multiple yaml documents are not supported", path)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got %d)", cfg.Server.Port)
	}

	upstream := strings.TrimSpace(cfg.Upstream.BaseURL)
	if upstream == "" {
		return errors.New("upstream.base_url is required")
	}
	parsed, err := url.Parse(upstream)
	if err != nil {
		return fmt.Errorf("parse upstream.base_url: %w", err)
	}
	if strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
		return fmt.Errorf("upstream.base_url must include scheme and host (got %q)", cfg.Upstream.BaseURL)
	}

	if cfg.Capture.Queue.Configured() && strings.TrimSpace(cfg.Capture.Queue.Key) == "" {
		return errors.New("capture.queue.key is required when capture.queue.addr is set")
	}

	switch driver := strings.TrimSpace(cfg.Capture.Store.Driver); driver {
	case StoreDriverNone:
	case StoreDriverREST:
		if strings.TrimSpace(cfg.Capture.Store.REST.URL) == "" {
			return errors.New("capture.store.rest.url is required when capture.store.driver=rest")
		}
	case StoreDriverPostgres:
		if strings.TrimSpace(cfg.Capture.Store.DSN) == "" {
			return errors.New("capture.store.dsn is required when capture.store.driver=postgres")
		}
	case StoreDriverSQLite:
		if strings.TrimSpace(cfg.Capture.Store.Path) == "" {
			return errors.New("capture.store.path is required when capture.store.driver=sqlite")
		}
	default:
		return fmt.Errorf("capture.store.driver must be one of rest, postgres, sqlite (got %q)", cfg.Capture.Store.Driver)
	}

	if cfg.Consumer.BatchSize <= 0 {
		return fmt.Errorf("consumer.batch_size must be > 0 (got %d)", cfg.Consumer.BatchSize)
	}

	if err := validateOTelConfig(cfg.Observability.OTel); err != nil {
		return err
	}

	return nil
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.otel.endpoint is required when observability.otel.enabled=true")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name is required when observability.otel.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability.otel requires traces_enabled and/or metrics_enabled when enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if host := os.Getenv("CONVOLOG_HOST"); host != "" {
		cfg.Server.Host = host
	}

	if port := os.Getenv("CONVOLOG_PORT"); port != "" {
		v, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid CONVOLOG_PORT: %w", err)
		}
		cfg.Server.Port = v
	}

	if baseURL := os.Getenv("CONVOLOG_UPSTREAM_BASE_URL"); baseURL != "" {
		cfg.Upstream.BaseURL = baseURL
	}
	if apiVersion := os.Getenv("CONVOLOG_UPSTREAM_API_VERSION"); apiVersion != "" {
		cfg.Upstream.APIVersion = apiVersion
	}

	if enabled := os.Getenv("CONVOLOG_CAPTURE_ENABLED"); enabled != "" {
		v, err := strconv.ParseBool(enabled)
		if err != nil {
			return fmt.Errorf("invalid CONVOLOG_CAPTURE_ENABLED: %w", err)
		}
		cfg.Capture.Enabled = v
	}
	if userIDHeader := os.Getenv("CONVOLOG_USER_ID_HEADER"); userIDHeader != "" {
		cfg.Capture.UserIDHeader = userIDHeader
	}

	if addr := os.Getenv("CONVOLOG_QUEUE_ADDR"); addr != "" {
		cfg.Capture.Queue.Addr = addr
	}
	if password := os.Getenv("CONVOLOG_QUEUE_PASSWORD"); password != "" {
		cfg.Capture.Queue.Password = password
	}
	if db := os.Getenv("CONVOLOG_QUEUE_DB"); db != "" {
		v, err := strconv.Atoi(db)
		if err != nil {
			return fmt.Errorf("invalid CONVOLOG_QUEUE_DB: %w", err)
		}
		cfg.Capture.Queue.DB = v
	}
	if key := os.Getenv("CONVOLOG_QUEUE_KEY"); key != "" {
		cfg.Capture.Queue.Key = key
	}

	if driver := os.Getenv("CONVOLOG_STORE_DRIVER"); driver != "" {
		cfg.Capture.Store.Driver = driver
	}
	if restURL := os.Getenv("CONVOLOG_STORE_URL"); restURL != "" {
		cfg.Capture.Store.REST.URL = restURL
	}
	if restKey := os.Getenv("CONVOLOG_STORE_API_KEY"); restKey != "" {
		cfg.Capture.Store.REST.APIKey = restKey
	}
	if dsn := os.Getenv("CONVOLOG_STORE_DSN"); dsn != "" {
		cfg.Capture.Store.DSN = dsn
	}
	if path := os.Getenv("CONVOLOG_STORE_PATH"); path != "" {
		cfg.Capture.Store.Path = path
	}

	if batchSize := os.Getenv("CONVOLOG_CONSUMER_BATCH_SIZE"); batchSize != "" {
		v, err := strconv.Atoi(batchSize)
		if err != nil {
			return fmt.Errorf("invalid CONVOLOG_CONSUMER_BATCH_SIZE: %w", err)
		}
		cfg.Consumer.BatchSize = v
	}

	return applyOTelEnv(cfg)
}

func applyOTelEnv(cfg *Config) error {
	otelConfigured := false
	otelSDKDisabledSet := false
	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		cfg.Observability.OTel.Enabled = !v
		otelSDKDisabledSet = true
		otelConfigured = true
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Observability.OTel.Endpoint = endpoint
		otelConfigured = true
	}
	if insecure := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); insecure != "" {
		v, err := strconv.ParseBool(insecure)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Observability.OTel.Insecure = v
		otelConfigured = true
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.Observability.OTel.ServiceName = serviceName
		otelConfigured = true
	}
	if samplingRatio := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); samplingRatio != "" {
		v, err := strconv.ParseFloat(samplingRatio, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		cfg.Observability.OTel.SamplingRatio = v
		otelConfigured = true
	}
	if otelConfigured && !otelSDKDisabledSet {
		cfg.Observability.OTel.Enabled = true
	}
	return nil
}

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"vehiclecheck/internal/domain"
)

// FileName is the config file looked up in the workspace.
const FileName = "vehiclecheck.yml"

// Duration reads and writes Go duration strings such as "400ms".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(node.Value))
	if err != nil {
		return eris.Errorf("line %d: invalid duration %q", node.Line, node.Value)
	}
	*d = Duration(parsed)
	return nil
}

// Config models vehiclecheck.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
		// ClientRateLimit throttles each caller IP; rps 0 disables it.
		ClientRateLimit struct {
			RPS   float64 `yaml:"rps"`
			Burst int     `yaml:"burst"`
		} `yaml:"client_rate_limit"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Telemetry struct {
		ServiceName    string   `yaml:"service_name"`
		OTLPEndpoint   string   `yaml:"otlp_endpoint"`
		Insecure       bool     `yaml:"insecure"`
		SampleRate     float64  `yaml:"sample_rate"`
		ExportInterval Duration `yaml:"export_interval"`
	} `yaml:"telemetry"`
	Dataset struct {
		Path string `yaml:"path"`
	} `yaml:"dataset"`
	// Resolver is "dataset" or "prefix".
	Resolver    string                        `yaml:"resolver"`
	PoolSize    int                           `yaml:"pool_size"`
	Costs       map[domain.SupplierName]int64 `yaml:"costs"`
	Suppliers   Suppliers                     `yaml:"suppliers"`
	Idempotency struct {
		Store string   `yaml:"store"`
		TTL   Duration `yaml:"ttl"`
		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"idempotency"`
	Audit struct {
		Sinks        []string `yaml:"sinks"`
		QueueSize    int      `yaml:"queue_size"`
		Workers      int      `yaml:"workers"`
		WriteTimeout Duration `yaml:"write_timeout"`
		Webhook      struct {
			URL     string            `yaml:"url"`
			Secret  string            `yaml:"secret"`
			Timeout Duration          `yaml:"timeout"`
			Headers map[string]string `yaml:"headers"`
		} `yaml:"webhook"`
	} `yaml:"audit"`
}

// Suppliers is a struct rather than a map so a file can override single keys
// of one supplier and keep the defaults for the rest.
type Suppliers struct {
	F1 Supplier `yaml:"F1"`
	F2 Supplier `yaml:"F2"`
	F3 Supplier `yaml:"F3"`
}

// Get returns the settings for name.
func (s Suppliers) Get(name domain.SupplierName) (Supplier, bool) {
	switch name {
	case domain.SupplierF1:
		return s.F1, true
	case domain.SupplierF2:
		return s.F2, true
	case domain.SupplierF3:
		return s.F3, true
	}
	return Supplier{}, false
}

type Supplier struct {
	// Transport is "stub" (dataset-backed) or "http".
	Transport string   `yaml:"transport"`
	Endpoint  string   `yaml:"endpoint"`
	Timeout   Duration `yaml:"timeout"`
	Bulkhead  int      `yaml:"bulkhead"`
	Retry     struct {
		MaxAttempts int      `yaml:"max_attempts"`
		Wait        Duration `yaml:"wait"`
		Jitter      float64  `yaml:"jitter"`
	} `yaml:"retry"`
	Breaker struct {
		FailureRateThreshold float64  `yaml:"failure_rate_threshold"`
		WindowSize           int      `yaml:"window_size"`
		MinimumCalls         int      `yaml:"minimum_calls"`
		OpenDuration         Duration `yaml:"open_duration"`
		HalfOpenProbes       int      `yaml:"half_open_probes"`
	} `yaml:"breaker"`
	RateLimit *RateLimit `yaml:"rate_limit,omitempty"`
	Stub      struct {
		Latency      Duration `yaml:"latency"`
		FailureRatio float64  `yaml:"failure_ratio"`
	} `yaml:"stub"`
}

type RateLimit struct {
	Limit   int      `yaml:"limit"`
	Period  Duration `yaml:"period"`
	MaxWait Duration `yaml:"max_wait"`
}

// Overrides carries flag and environment values layered over the file.
// Empty fields leave the file value untouched.
type Overrides struct {
	ServerAddr   string
	LogLevel     string
	LogFormat    string
	IdemStore    string
	RedisAddr    string
	OTLPEndpoint string
	DatasetPath  string
}

// ApplyOverrides layers non-empty overrides onto c and revalidates.
func (c *Config) ApplyOverrides(o Overrides) error {
	set := func(dst *string, v string) {
		if strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(&c.Server.Addr, o.ServerAddr)
	set(&c.Log.Level, o.LogLevel)
	set(&c.Log.Format, o.LogFormat)
	set(&c.Idempotency.Store, o.IdemStore)
	set(&c.Idempotency.Redis.Addr, o.RedisAddr)
	set(&c.Telemetry.OTLPEndpoint, o.OTLPEndpoint)
	set(&c.Dataset.Path, o.DatasetPath)
	return c.Validate()
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Log.Format {
	case "json", "console":
	default:
		return eris.Errorf("config.log.format must be json or console, got %q", c.Log.Format)
	}
	switch c.Resolver {
	case "dataset", "prefix":
	default:
		return eris.Errorf("config.resolver must be dataset or prefix, got %q", c.Resolver)
	}
	if c.Server.ClientRateLimit.RPS < 0 || c.Server.ClientRateLimit.Burst < 0 {
		return eris.Errorf("config.server.client_rate_limit must not be negative")
	}
	if c.PoolSize <= 0 {
		return eris.Errorf("config.pool_size must be positive")
	}
	for _, name := range domain.Suppliers {
		cost, ok := c.Costs[name]
		if !ok {
			return eris.Errorf("config.costs.%s is required", name)
		}
		if cost < 0 {
			return eris.Errorf("config.costs.%s must not be negative", name)
		}
		s, _ := c.Suppliers.Get(name)
		if err := s.validate(name); err != nil {
			return err
		}
	}
	switch c.Idempotency.Store {
	case "memory", "sqlite":
	case "redis":
		if strings.TrimSpace(c.Idempotency.Redis.Addr) == "" {
			return eris.Errorf("config.idempotency.redis.addr is required for the redis store")
		}
	default:
		return eris.Errorf("config.idempotency.store must be memory, sqlite or redis, got %q", c.Idempotency.Store)
	}
	if c.Idempotency.TTL.Std() <= 0 {
		return eris.Errorf("config.idempotency.ttl must be positive")
	}
	for _, sink := range c.Audit.Sinks {
		switch sink {
		case "sqlite", "log":
		case "webhook":
			if strings.TrimSpace(c.Audit.Webhook.URL) == "" {
				return eris.Errorf("config.audit.webhook.url is required for the webhook sink")
			}
		default:
			return eris.Errorf("config.audit.sinks has unknown sink %q", sink)
		}
	}
	if c.Audit.QueueSize <= 0 || c.Audit.Workers <= 0 {
		return eris.Errorf("config.audit.queue_size and config.audit.workers must be positive")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return eris.Errorf("config.telemetry.sample_rate must be within [0,1]")
	}
	return nil
}

func (s Supplier) validate(name domain.SupplierName) error {
	switch s.Transport {
	case "stub":
	case "http":
		if strings.TrimSpace(s.Endpoint) == "" {
			return eris.Errorf("config.suppliers.%s.endpoint is required for the http transport", name)
		}
	default:
		return eris.Errorf("config.suppliers.%s.transport must be stub or http, got %q", name, s.Transport)
	}
	if s.Timeout.Std() <= 0 {
		return eris.Errorf("config.suppliers.%s.timeout must be positive", name)
	}
	if s.Bulkhead <= 0 {
		return eris.Errorf("config.suppliers.%s.bulkhead must be positive", name)
	}
	if s.Retry.MaxAttempts <= 0 {
		return eris.Errorf("config.suppliers.%s.retry.max_attempts must be positive", name)
	}
	if s.Retry.Jitter < 0 || s.Retry.Jitter > 1 {
		return eris.Errorf("config.suppliers.%s.retry.jitter must be within [0,1]", name)
	}
	b := s.Breaker
	if b.FailureRateThreshold <= 0 || b.FailureRateThreshold > 1 {
		return eris.Errorf("config.suppliers.%s.breaker.failure_rate_threshold must be within (0,1]", name)
	}
	if b.WindowSize <= 0 || b.HalfOpenProbes <= 0 || b.OpenDuration.Std() <= 0 {
		return eris.Errorf("config.suppliers.%s.breaker window_size, half_open_probes and open_duration must be positive", name)
	}
	if b.MinimumCalls > b.WindowSize {
		return eris.Errorf("config.suppliers.%s.breaker.minimum_calls exceeds window_size", name)
	}
	if rl := s.RateLimit; rl != nil {
		if rl.Limit <= 0 || rl.Period.Std() <= 0 || rl.MaxWait.Std() < 0 {
			return eris.Errorf("config.suppliers.%s.rate_limit needs a positive limit and period", name)
		}
	}
	if s.Stub.FailureRatio < 0 || s.Stub.FailureRatio > 1 {
		return eris.Errorf("config.suppliers.%s.stub.failure_ratio must be within [0,1]", name)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, eris.Errorf("config %s not found; create one with vc config init", path)
		}
		return nil, eris.Wrapf(err, "read config %s", path)
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults when the workspace has no config file.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, eris.Wrapf(err, "read config %s", Path(workspace))
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config over the defaults and validates it.
// Keys absent from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, eris.Wrap(err, "invalid config yaml")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read config %s", path)
	}
	return FromYAML(data)
}

// YAML renders c as it would be written to vehiclecheck.yml.
func (c *Config) YAML() (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return "", eris.Wrap(err, "encode config")
	}
	return buf.String(), nil
}

const defaultTemplate = `server:
  addr: ":8080"
  base_path: ""
  client_rate_limit:
    rps: 0
    burst: 20

log:
  level: info
  format: console

telemetry:
  service_name: vehiclecheck
  otlp_endpoint: ""
  insecure: true
  sample_rate: 1.0
  export_interval: 15s

dataset:
  path: ""

resolver: dataset
pool_size: 10

costs:
  F1: 10
  F2: 25
  F3: 15

suppliers:
  F1:
    transport: stub
    endpoint: http://localhost:9090/f1/soap
    timeout: 400ms
    bulkhead: 10
    retry:
      max_attempts: 3
      wait: 100ms
      jitter: 0.5
    breaker:
      failure_rate_threshold: 0.5
      window_size: 100
      minimum_calls: 100
      open_duration: 30s
      half_open_probes: 10
    rate_limit:
      limit: 2
      period: 1s
      max_wait: 50ms
    stub:
      latency: 20ms
      failure_ratio: 0
  F2:
    transport: stub
    endpoint: http://localhost:9090/f2
    timeout: 400ms
    bulkhead: 10
    retry:
      max_attempts: 3
      wait: 100ms
      jitter: 0.5
    breaker:
      failure_rate_threshold: 0.5
      window_size: 100
      minimum_calls: 100
      open_duration: 30s
      half_open_probes: 10
    stub:
      latency: 20ms
      failure_ratio: 0
  F3:
    transport: stub
    endpoint: http://localhost:9090/f3
    timeout: 350ms
    bulkhead: 10
    retry:
      max_attempts: 3
      wait: 100ms
      jitter: 0.5
    breaker:
      failure_rate_threshold: 0.5
      window_size: 100
      minimum_calls: 100
      open_duration: 30s
      half_open_probes: 10
    stub:
      latency: 20ms
      failure_ratio: 0

idempotency:
  store: sqlite
  ttl: 24h
  redis:
    addr: ""
    password: ""
    db: 0
    prefix: "vehiclecheck:idem:"

audit:
  sinks: [sqlite, log]
  queue_size: 1024
  workers: 2
  write_timeout: 5s
  webhook:
    url: ""
    secret: ""
    timeout: 5s
`

// Package config manages Escrowd configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment where Escrowd operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// EventbusConfig sets in-memory event bus sizing characteristics.
type EventbusConfig struct {
	BufferSize    int                 `yaml:"bufferSize"`
	FanoutWorkers FanoutWorkerSetting `yaml:"fanoutWorkers"`
}

type fanoutWorkerKind int

const (
	fanoutWorkerUnset fanoutWorkerKind = iota
	fanoutWorkerExplicit
	fanoutWorkerAuto
	fanoutWorkerDefault
)

// FanoutWorkerSetting encapsulates the fanout worker configuration allowing both numeric and symbolic values.
type FanoutWorkerSetting struct {
	kind  fanoutWorkerKind
	value int
}

// UnmarshalYAML supports integer, "auto", and "default" values for fanout workers.
func (s *FanoutWorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = FanoutWorkerSetting{kind: fanoutWorkerUnset, value: 0}
		return nil
	}

	text := strings.TrimSpace(node.Value)
	if text == "" {
		s.kind = fanoutWorkerUnset
		s.value = 0
		return nil
	}

	lower := strings.ToLower(text)
	switch lower {
	case "auto":
		s.kind = fanoutWorkerAuto
		s.value = 0
		return nil
	case "default":
		s.kind = fanoutWorkerDefault
		s.value = 0
		return nil
	}

	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("fanoutWorkers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("fanoutWorkers: numeric value must be > 0")
	}
	s.kind = fanoutWorkerExplicit
	s.value = val
	return nil
}

func (s FanoutWorkerSetting) resolve() int {
	switch s.kind {
	case fanoutWorkerExplicit:
		return s.value
	case fanoutWorkerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
		return 4
	case fanoutWorkerDefault, fanoutWorkerUnset:
		return 4
	default:
		return 4
	}
}

// FanoutWorkerCount returns the resolved worker count for use by runtime components.
func (c EventbusConfig) FanoutWorkerCount() int {
	return c.FanoutWorkers.resolve()
}

// ServerConfig configures the HTTP API surface.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

func (c *ServerConfig) applyDefaults() {
	c.Addr = strings.TrimSpace(c.Addr)
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
}

// GuardConfig defines admission limits for order creation.
type GuardConfig struct {
	MaxOrderAmount string  `yaml:"maxOrderAmount"`
	CreateThrottle float64 `yaml:"createThrottle"`
	CreateBurst    int     `yaml:"createBurst"`
}

func (c *GuardConfig) applyDefaults() {
	c.MaxOrderAmount = strings.TrimSpace(c.MaxOrderAmount)
	if c.MaxOrderAmount == "" {
		c.MaxOrderAmount = "1000000"
	}
	if c.CreateThrottle <= 0 {
		c.CreateThrottle = 20
	}
	if c.CreateBurst <= 0 {
		c.CreateBurst = 5
	}
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// EscrowConfig controls the escrow ledger runtime.
type EscrowConfig struct {
	CustodianAccount string `yaml:"custodianAccount"`
	ArchiveWorkers   int    `yaml:"archiveWorkers"`
}

func (c *EscrowConfig) applyDefaults() {
	c.CustodianAccount = strings.TrimSpace(c.CustodianAccount)
	if c.CustodianAccount == "" {
		c.CustodianAccount = "escrow-custody"
	}
	if c.ArchiveWorkers <= 0 {
		c.ArchiveWorkers = 2
	}
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
	Enabled           bool          `yaml:"enabled"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/escrowd"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	if c.MaxConnLifetime <= 0 {
		return fmt.Errorf("maxConnLifetime must be >0")
	}
	if c.MaxConnIdleTime <= 0 {
		return fmt.Errorf("maxConnIdleTime must be >0")
	}
	if c.HealthCheckPeriod <= 0 {
		return fmt.Errorf("healthCheckPeriod must be >0")
	}
	return nil
}

// Settings is the unified Escrowd application configuration sourced from YAML.
type Settings struct {
	Environment Environment     `yaml:"environment"`
	Escrow      EscrowConfig    `yaml:"escrow"`
	Eventbus    EventbusConfig  `yaml:"eventbus"`
	Guard       GuardConfig     `yaml:"guard"`
	Server      ServerConfig    `yaml:"server"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Database    DatabaseConfig  `yaml:"database"`
}

// Load reads and validates Settings from the provided YAML file.
func Load(configPath string) (Settings, error) {
	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return Settings{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return Settings{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Settings
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return Settings{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalise()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to the built-in defaults
// when the config file does not exist. The boolean reports whether the file
// was actually read.
func LoadOrDefault(configPath string) (Settings, bool, error) {
	cfg, err := Load(configPath)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return Settings{}, false, err
	}

	var defaults Settings
	defaults.normalise()
	defaults.applyEnvOverrides()
	if verr := defaults.Validate(); verr != nil {
		return Settings{}, false, verr
	}
	return defaults, false, nil
}

func (c *Settings) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "escrowd"
	}
	if c.Eventbus.BufferSize <= 0 {
		c.Eventbus.BufferSize = 64
	}

	c.Escrow.applyDefaults()
	c.Guard.applyDefaults()
	c.Server.applyDefaults()
	c.Database.applyDefaults()
}

// applyEnvOverrides lets deployment environments override file settings
// without editing the YAML.
func (c *Settings) applyEnvOverrides() {
	if v := strings.TrimSpace(os.Getenv("ESCROWD_ENV")); v != "" {
		c.Environment = Environment(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_SERVER_ADDR")); v != "" {
		c.Server.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_DATABASE_DSN")); v != "" {
		c.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_CUSTODIAN_ACCOUNT")); v != "" {
		c.Escrow.CustodianAccount = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_OTLP_ENDPOINT")); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
}

// Validate performs semantic validation on the configuration.
func (c Settings) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if c.Eventbus.BufferSize <= 0 {
		return fmt.Errorf("eventbus bufferSize must be >0")
	}
	if c.Eventbus.FanoutWorkerCount() <= 0 {
		return fmt.Errorf("eventbus fanoutWorkers must be >0")
	}

	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("server addr required")
	}

	if strings.TrimSpace(c.Escrow.CustodianAccount) == "" {
		return fmt.Errorf("escrow custodianAccount required")
	}
	if c.Escrow.ArchiveWorkers <= 0 {
		return fmt.Errorf("escrow archiveWorkers must be >0")
	}

	if strings.TrimSpace(c.Guard.MaxOrderAmount) == "" {
		return fmt.Errorf("guard maxOrderAmount required")
	}
	if c.Guard.CreateThrottle <= 0 {
		return fmt.Errorf("guard createThrottle must be > 0")
	}
	if c.Guard.CreateBurst <= 0 {
		return fmt.Errorf("guard createBurst must be > 0")
	}

	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}

	if c.Database.Enabled {
		if err := c.Database.validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}

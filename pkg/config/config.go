package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blelog/internal/device"
	"github.com/srg/blelog/internal/record"
	"github.com/srg/blelog/internal/sink"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel string        `yaml:"log_level" default:"info"`
	Device   DeviceConfig  `yaml:"device"`
	Record   RecordConfig  `yaml:"record"`
	Sink     SinkConfig    `yaml:"sink"`
	Stop     StopConfig    `yaml:"stop"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// DeviceConfig selects the peripheral and the characteristic to record
type DeviceConfig struct {
	Name           string        `yaml:"name" default:"ESP32-C3 Sensor Server"`
	Address        string        `yaml:"address"` // bypasses the name filter when set
	Service        string        `yaml:"service" default:"12345678-1234-1234-1234-123456789012"`
	Characteristic string        `yaml:"characteristic" default:"87654321-4321-4321-4321-210987654321"`
	ScanTimeout    time.Duration `yaml:"scan_timeout" default:"10s"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`
}

// RecordConfig describes the payload lines and how records are timestamped
type RecordConfig struct {
	Interval   time.Duration `yaml:"interval" default:"10s"`
	Delimiter  string        `yaml:"delimiter" default:","`
	Fields     []FieldConfig `yaml:"fields"`
	TimeLayout string        `yaml:"time_layout" default:"2006-01-02 15:04:05"`
	QueueSize  int           `yaml:"queue_size" default:"64"`
}

// FieldConfig is one column of a payload line
type FieldConfig struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type" default:"float"`
	Optional bool   `yaml:"optional"`
}

type SinkConfig struct {
	Format string `yaml:"format" default:"csv"` // csv, sqlite
	Path   string `yaml:"path" default:"received_data.csv"`
}

// StopConfig enables the stop triggers besides SIGINT/SIGTERM
type StopConfig struct {
	Duration     time.Duration `yaml:"duration"` // 0 runs until stopped
	Key          bool          `yaml:"key" default:"true"`
	MaxRecords   int           `yaml:"max_records"` // 0 is unlimited
	File         string        `yaml:"file"`        // stop once this path exists
	PollInterval time.Duration `yaml:"poll_interval" default:"100ms"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the endpoint
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills what the struct tags cannot express
func (c *Config) applyDefaults() {
	if len(c.Record.Fields) == 0 {
		c.Record.Fields = []FieldConfig{{Name: "value1"}, {Name: "value2"}}
	}
	for i := range c.Record.Fields {
		defaults.SetDefaults(&c.Record.Fields[i])
	}
}

// Load reads a YAML file on top of the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of the defaults and validates the result
func Parse(raw []byte) (*Config, error) {
	cfg := &Config{}
	defaults.SetDefaults(cfg)

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the recorder cannot run with
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.Device.Name == "" && c.Device.Address == "" {
		return errors.New("device: name or address is required")
	}
	if c.Device.Service == "" || c.Device.Characteristic == "" {
		return errors.New("device: service and characteristic are required")
	}
	if _, err := device.ValidateUUID(c.Device.Service, c.Device.Characteristic); err != nil {
		return fmt.Errorf("device: %w", err)
	}
	if c.Record.Interval <= 0 {
		return fmt.Errorf("record.interval must be positive, got %s", c.Record.Interval)
	}
	if c.Record.Delimiter == "" || strings.ContainsAny(c.Record.Delimiter, "\r\n\"") {
		return fmt.Errorf("record.delimiter %q is not usable", c.Record.Delimiter)
	}
	if _, err := c.Schema(); err != nil {
		return fmt.Errorf("record.fields: %w", err)
	}
	if _, err := sink.ParseFormat(c.Sink.Format); err != nil {
		return fmt.Errorf("sink.format: %w", err)
	}
	if c.Sink.Path == "" {
		return errors.New("sink.path is required")
	}
	if c.Stop.Duration < 0 {
		return fmt.Errorf("stop.duration must not be negative, got %s", c.Stop.Duration)
	}
	if c.Stop.MaxRecords < 0 {
		return fmt.Errorf("stop.max_records must not be negative, got %d", c.Stop.MaxRecords)
	}
	if c.Stop.PollInterval <= 0 {
		return fmt.Errorf("stop.poll_interval must be positive, got %s", c.Stop.PollInterval)
	}
	return nil
}

// Schema converts the configured fields into a record schema
func (c *Config) Schema() (record.Schema, error) {
	schema := make(record.Schema, 0, len(c.Record.Fields))
	for _, f := range c.Record.Fields {
		kind, err := record.ParseKind(f.Type)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		schema = append(schema, record.Field{Name: f.Name, Kind: kind, Optional: f.Optional})
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	return schema, nil
}

// Level returns the parsed log level, falling back to info
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

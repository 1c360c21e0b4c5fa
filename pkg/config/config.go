package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// MatchingPolicy controls how strictly the discovered device must conform
// to the declared schema before discovery is considered successful.
type MatchingPolicy string

const (
	// MatchStrict fails discovery when a required schema node cannot be
	// resolved against the physical device.
	MatchStrict MatchingPolicy = "strict"
	// MatchMinimal tolerates missing required nodes; the graph simply
	// omits them.
	MatchMinimal MatchingPolicy = "minimal"
	// MatchOff is an alias of MatchMinimal.
	MatchOff MatchingPolicy = "off"
)

// SubscribePolicy controls which notify-capable characteristics are
// auto-subscribed at the end of interface discovery.
type SubscribePolicy string

const (
	SubscribeAll  SubscribePolicy = "all"
	SubscribeNone SubscribePolicy = "none"
	// SubscribeList restricts auto-subscription to characteristics whose
	// schema identifier appears in AutoSubscribeIDs.
	SubscribeList SubscribePolicy = "list"
)

// Config holds the engine configuration.
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	InterfaceMatching MatchingPolicy  `yaml:"interface_matching" default:"strict"`
	AutoSubscribe     SubscribePolicy `yaml:"auto_subscribe" default:"all"`
	AutoSubscribeIDs  []string        `yaml:"auto_subscribe_ids"`

	// ConnectTimeout bounds the whole connect sequence (dial + discovery).
	// Zero disables the overall deadline.
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`

	// OperationTimeout bounds each queued hardware operation.
	OperationTimeout time.Duration `yaml:"operation_timeout" default:"5s"`

	// RequestTimeout bounds the wait for a matching notification after a
	// request write.
	RequestTimeout time.Duration `yaml:"request_timeout" default:"5s"`

	DiscoveryAttempts   int           `yaml:"discovery_attempts" default:"3"`
	DiscoveryRetryDelay time.Duration `yaml:"discovery_retry_delay" default:"500ms"`

	// DescriptorReadTimeout bounds best-effort descriptor value reads
	// during discovery. Zero skips the reads entirely.
	DescriptorReadTimeout time.Duration `yaml:"descriptor_read_timeout" default:"2s"`

	// ExtensiveDiscovery enables a supplementary full enumeration of the
	// device after the declared schema has been resolved.
	ExtensiveDiscovery bool `yaml:"extensive_discovery"`

	// LogNotifications enables debug logging of every incoming
	// notification payload.
	LogNotifications bool `yaml:"log_notifications"`
}

// DefaultConfig returns a Config populated from the struct default tags.
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// duration wraps time.Duration so YAML values like "500ms" parse.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = duration(v)
	return nil
}

// fileConfig mirrors Config for YAML decoding. Pointer fields distinguish
// "not present" from zero values so file settings only override what they
// actually set.
type fileConfig struct {
	LogLevel              *string          `yaml:"log_level"`
	InterfaceMatching     *MatchingPolicy  `yaml:"interface_matching"`
	AutoSubscribe         *SubscribePolicy `yaml:"auto_subscribe"`
	AutoSubscribeIDs      []string         `yaml:"auto_subscribe_ids"`
	ConnectTimeout        *duration        `yaml:"connect_timeout"`
	OperationTimeout      *duration        `yaml:"operation_timeout"`
	RequestTimeout        *duration        `yaml:"request_timeout"`
	DiscoveryAttempts     *int             `yaml:"discovery_attempts"`
	DiscoveryRetryDelay   *duration        `yaml:"discovery_retry_delay"`
	DescriptorReadTimeout *duration        `yaml:"descriptor_read_timeout"`
	ExtensiveDiscovery    *bool            `yaml:"extensive_discovery"`
	LogNotifications      *bool            `yaml:"log_notifications"`
}

// Load reads a YAML configuration file over the defaults and validates it.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}

	if fc.LogLevel != nil {
		cfg.LogLevel = *fc.LogLevel
	}
	if fc.InterfaceMatching != nil {
		cfg.InterfaceMatching = *fc.InterfaceMatching
	}
	if fc.AutoSubscribe != nil {
		cfg.AutoSubscribe = *fc.AutoSubscribe
	}
	if fc.AutoSubscribeIDs != nil {
		cfg.AutoSubscribeIDs = fc.AutoSubscribeIDs
	}
	if fc.ConnectTimeout != nil {
		cfg.ConnectTimeout = time.Duration(*fc.ConnectTimeout)
	}
	if fc.OperationTimeout != nil {
		cfg.OperationTimeout = time.Duration(*fc.OperationTimeout)
	}
	if fc.RequestTimeout != nil {
		cfg.RequestTimeout = time.Duration(*fc.RequestTimeout)
	}
	if fc.DiscoveryAttempts != nil {
		cfg.DiscoveryAttempts = *fc.DiscoveryAttempts
	}
	if fc.DiscoveryRetryDelay != nil {
		cfg.DiscoveryRetryDelay = time.Duration(*fc.DiscoveryRetryDelay)
	}
	if fc.DescriptorReadTimeout != nil {
		cfg.DescriptorReadTimeout = time.Duration(*fc.DescriptorReadTimeout)
	}
	if fc.ExtensiveDiscovery != nil {
		cfg.ExtensiveDiscovery = *fc.ExtensiveDiscovery
	}
	if fc.LogNotifications != nil {
		cfg.LogNotifications = *fc.LogNotifications
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks policy values and bounds.
func (c *Config) Validate() error {
	switch c.InterfaceMatching {
	case MatchStrict, MatchMinimal, MatchOff:
	default:
		return fmt.Errorf("invalid interface_matching policy %q (must be strict, minimal, or off)", c.InterfaceMatching)
	}

	switch c.AutoSubscribe {
	case SubscribeAll, SubscribeNone, SubscribeList:
	default:
		return fmt.Errorf("invalid auto_subscribe policy %q (must be all, none, or list)", c.AutoSubscribe)
	}

	if c.DiscoveryAttempts < 1 {
		return fmt.Errorf("discovery_attempts must be >= 1, got %d", c.DiscoveryAttempts)
	}
	if c.DiscoveryRetryDelay < 0 {
		return fmt.Errorf("discovery_retry_delay must not be negative")
	}

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}

	return nil
}

// Strict reports whether the matching policy requires a complete schema
// resolution.
func (c *Config) Strict() bool {
	return c.InterfaceMatching == MatchStrict
}

// NewLogger creates a configured logger instance.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

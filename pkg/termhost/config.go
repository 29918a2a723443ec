package termhost

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-terminal/pkg/backend/localpty"
	"github.com/core-tools/hsu-terminal/pkg/backend/remote"
	"github.com/core-tools/hsu-terminal/pkg/envcollection"
	"github.com/core-tools/hsu-terminal/pkg/errors"
	"github.com/core-tools/hsu-terminal/pkg/monitoring"
	"github.com/core-tools/hsu-terminal/pkg/seamless"
	"github.com/core-tools/hsu-terminal/pkg/statefile"
	"github.com/core-tools/hsu-terminal/pkg/terminal"
	"github.com/core-tools/hsu-terminal/pkg/terminals/processmanager"
)

const (
	DefaultLayoutName           = "terminals"
	DefaultForceShutdownTimeout = 30 * time.Second
)

// HostConfig represents the top-level configuration file structure
type HostConfig struct {
	Host        HostConfigOptions   `yaml:"host"`
	Terminals   TerminalsConfig     `yaml:"terminals"`
	Local       localpty.Options    `yaml:"local,omitempty"`
	Backends    []BackendConfig     `yaml:"backends,omitempty"`
	Environment []ContributorConfig `yaml:"environment,omitempty"`
}

// HostConfigOptions represents host-level configuration
type HostConfigOptions struct {
	LogLevel             string                    `yaml:"log_level,omitempty"`
	State                statefile.StateFileConfig `yaml:"state,omitempty"`
	MetricsAddress       string                    `yaml:"metrics_address,omitempty"`
	ForceShutdownTimeout time.Duration             `yaml:"force_shutdown_timeout,omitempty"`
	// LayoutName names the layout file written on shutdown and read by revive
	LayoutName string `yaml:"layout_name,omitempty"`
	// SaveLayoutOnShutdown persists attachable terminals before the host stops
	SaveLayoutOnShutdown bool `yaml:"save_layout_on_shutdown,omitempty"`
}

// TerminalsConfig holds the defaults every terminal controller is created with
type TerminalsConfig struct {
	LaunchingTimeout time.Duration `yaml:"launching_timeout,omitempty"`
	SwapTimeout      time.Duration `yaml:"swap_timeout,omitempty"`
	RecordDuration   time.Duration `yaml:"record_duration,omitempty"`
	AckChunkSize     int           `yaml:"ack_chunk_size,omitempty"`
	FlowControl      *bool         `yaml:"flow_control,omitempty"` // Pointer to distinguish unset from false

	PersistentSessions bool   `yaml:"persistent_sessions,omitempty"`
	TaskReconnection   bool   `yaml:"task_reconnection,omitempty"`
	UnicodeVersion     string `yaml:"unicode_version,omitempty"`

	DefaultCwd string            `yaml:"default_cwd,omitempty"`
	Env        map[string]string `yaml:"env,omitempty"`

	// DefaultProfile fills in launch configs that name no executable
	DefaultProfile terminal.LaunchConfig `yaml:"default_profile,omitempty"`

	// NotifyDelay debounces environment change notifications; 0 notifies immediately
	NotifyDelay time.Duration `yaml:"notify_delay,omitempty"`
}

// BackendConfig describes one remote pty host
type BackendConfig struct {
	Authority   string                     `yaml:"authority"`
	Address     string                     `yaml:"address"`
	Enabled     *bool                      `yaml:"enabled,omitempty"`
	Heartbeat   monitoring.HeartbeatConfig `yaml:"heartbeat,omitempty"`
	Retry       remote.RetryConfig         `yaml:"retry,omitempty"`
	CallTimeout time.Duration              `yaml:"call_timeout,omitempty"`
}

// ContributorConfig is a static environment contribution registered at startup
type ContributorConfig struct {
	ID          string                  `yaml:"id"`
	Description string                  `yaml:"description,omitempty"`
	Mutators    []envcollection.Mutator `yaml:"mutators"`
}

func (c ContributorConfig) collection() envcollection.Collection {
	return envcollection.Collection{
		Description: c.Description,
		Persistent:  true,
		Mutators:    c.Mutators,
	}
}

func (b BackendConfig) enabled() bool {
	return b.Enabled == nil || *b.Enabled
}

func (b BackendConfig) clientOptions() remote.ClientOptions {
	return remote.ClientOptions{
		Authority:        b.Authority,
		Heartbeat:        b.Heartbeat,
		EnvironmentRetry: b.Retry,
		CallTimeout:      b.CallTimeout,
	}
}

// LoadConfigFromFile loads host configuration from a YAML file
func LoadConfigFromFile(filename string) (*HostConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	config, err := ParseConfig(data)
	if err != nil {
		return nil, errors.NewValidationError("failed to load configuration", err).WithContext("filename", filename)
	}
	return config, nil
}

// ParseConfig parses YAML and applies defaults
func ParseConfig(data []byte) (*HostConfig, error) {
	var config HostConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err)
	}

	if err := setConfigDefaults(&config); err != nil {
		return nil, errors.NewValidationError("failed to apply configuration defaults", err)
	}

	return &config, nil
}

// DefaultConfig is the configuration used when no file is given
func DefaultConfig() *HostConfig {
	config := &HostConfig{}
	_ = setConfigDefaults(config)
	return config
}

// setConfigDefaults applies default values to configuration
func setConfigDefaults(config *HostConfig) error {
	if config.Host.LogLevel == "" {
		config.Host.LogLevel = "info"
	}
	if config.Host.ForceShutdownTimeout == 0 {
		config.Host.ForceShutdownTimeout = DefaultForceShutdownTimeout
	}
	if config.Host.LayoutName == "" {
		config.Host.LayoutName = DefaultLayoutName
	}
	if config.Host.State.AppName == "" {
		config.Host.State.AppName = statefile.DefaultAppName
	}

	setTerminalsDefaults(&config.Terminals)

	for i := range config.Backends {
		b := &config.Backends[i]

		// Default enabled to true if not specified
		if b.Enabled == nil {
			enabled := true
			b.Enabled = &enabled
		}
		if b.Heartbeat.Interval == 0 {
			b.Heartbeat = monitoring.DefaultHeartbeatConfig()
		}
		retryDefaults := remote.DefaultRetryConfig()
		if b.Retry.InitialInterval == 0 {
			b.Retry.InitialInterval = retryDefaults.InitialInterval
		}
		if b.Retry.MaxInterval == 0 {
			b.Retry.MaxInterval = retryDefaults.MaxInterval
		}
		if b.Retry.MaxRetries == 0 {
			b.Retry.MaxRetries = retryDefaults.MaxRetries
		}
		if b.CallTimeout == 0 {
			b.CallTimeout = remote.DefaultCallTimeout
		}
	}

	return nil
}

func setTerminalsDefaults(config *TerminalsConfig) {
	if config.LaunchingTimeout == 0 {
		config.LaunchingTimeout = processmanager.DefaultLaunchingTimeout
	}
	if config.SwapTimeout == 0 {
		config.SwapTimeout = seamless.DefaultSwapTimeout
	}
	if config.RecordDuration == 0 {
		config.RecordDuration = seamless.DefaultRecordDuration
	}
	if config.AckChunkSize == 0 {
		config.AckChunkSize = terminal.CharCountAckSize
	}
	if config.FlowControl == nil {
		enabled := true
		config.FlowControl = &enabled
	}
	if config.UnicodeVersion == "" {
		config.UnicodeVersion = "11"
	}
}

// ValidateConfig validates the entire configuration structure
func ValidateConfig(config *HostConfig) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if err := validateHostConfig(&config.Host); err != nil {
		return errors.NewValidationError("invalid host configuration", err)
	}

	if err := validateTerminalsConfig(&config.Terminals); err != nil {
		return errors.NewValidationError("invalid terminals configuration", err)
	}

	if err := validateBackendsConfig(config.Backends); err != nil {
		return errors.NewValidationError("invalid backends configuration", err)
	}

	if err := validateEnvironmentConfig(config.Environment); err != nil {
		return errors.NewValidationError("invalid environment configuration", err)
	}

	return nil
}

// Validation functions

func validateHostConfig(config *HostConfigOptions) error {
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if config.LogLevel != "" {
		valid := false
		for _, level := range validLogLevels {
			if config.LogLevel == level {
				valid = true
				break
			}
		}
		if !valid {
			return errors.NewValidationError(
				fmt.Sprintf("invalid log level: %s", config.LogLevel),
				nil,
			).WithContext("valid_levels", "debug, info, warn, error")
		}
	}

	if config.MetricsAddress != "" {
		if err := ValidateNetworkAddress(config.MetricsAddress); err != nil {
			return errors.NewValidationError("invalid metrics address", err)
		}
	}

	if err := ValidateTimeout(config.ForceShutdownTimeout, "force shutdown"); err != nil {
		return err
	}

	if err := ValidateName(config.LayoutName, "layout name"); err != nil {
		return err
	}

	switch config.State.ServiceContext {
	case "", statefile.SystemService, statefile.UserService, statefile.SessionService:
	default:
		return errors.NewValidationError(
			fmt.Sprintf("unsupported service context: %s", config.State.ServiceContext),
			nil,
		).WithContext("supported_contexts", "system, user, session")
	}

	return nil
}

func validateTerminalsConfig(config *TerminalsConfig) error {
	if err := ValidateTimeout(config.LaunchingTimeout, "launching"); err != nil {
		return err
	}
	if err := ValidateTimeout(config.SwapTimeout, "swap"); err != nil {
		return err
	}
	if config.RecordDuration < 0 {
		return errors.NewValidationError("record duration cannot be negative", nil)
	}
	if config.NotifyDelay < 0 {
		return errors.NewValidationError("notify delay cannot be negative", nil)
	}
	if config.AckChunkSize <= 0 {
		return errors.NewValidationError(
			fmt.Sprintf("invalid ack chunk size: %d", config.AckChunkSize),
			nil,
		).WithContext("minimum", 1)
	}
	if config.AckChunkSize >= terminal.HighWatermarkChars {
		return errors.NewValidationError(
			fmt.Sprintf("ack chunk size %d would stall flow control", config.AckChunkSize),
			nil,
		).WithContext("high_watermark", terminal.HighWatermarkChars)
	}
	if config.DefaultProfile.AttachPersistentProcess != nil {
		return errors.NewValidationError("default profile cannot attach to a process", nil)
	}
	return nil
}

func validateBackendsConfig(backends []BackendConfig) error {
	if len(backends) == 0 {
		return nil // Local only
	}

	seenAuthorities := make(map[string]int)
	for i, b := range backends {
		if b.Authority == "" {
			return errors.NewValidationError(
				fmt.Sprintf("backend at index %d has no authority", i),
				nil,
			).WithContext("suggested_action", "local shells need no backend entry")
		}

		if prevIndex, exists := seenAuthorities[b.Authority]; exists {
			return errors.NewValidationError(
				fmt.Sprintf("duplicate backend authority '%s' found at indices %d and %d", b.Authority, prevIndex, i),
				nil,
			)
		}
		seenAuthorities[b.Authority] = i

		if err := ValidateNetworkAddress(b.Address); err != nil {
			return errors.NewValidationError(
				fmt.Sprintf("invalid address for backend at index %d", i),
				err,
			).WithContext("authority", b.Authority)
		}

		if err := monitoring.ValidateHeartbeatConfig(b.Heartbeat); err != nil {
			return errors.NewValidationError(
				fmt.Sprintf("invalid heartbeat for backend at index %d", i),
				err,
			).WithContext("authority", b.Authority)
		}

		if b.Retry.MaxRetries < 0 {
			return errors.NewValidationError("retry count cannot be negative", nil).WithContext("authority", b.Authority)
		}

		if err := ValidateTimeout(b.CallTimeout, "call"); err != nil {
			return errors.NewValidationError(
				fmt.Sprintf("invalid call timeout for backend at index %d", i),
				err,
			).WithContext("authority", b.Authority)
		}
	}

	return nil
}

func validateEnvironmentConfig(contributors []ContributorConfig) error {
	seenIDs := make(map[string]int)
	for i, c := range contributors {
		if err := ValidateName(c.ID, "contributor ID"); err != nil {
			return errors.NewValidationError(
				fmt.Sprintf("invalid contributor ID at index %d", i),
				err,
			).WithContext("contributor_id", c.ID)
		}

		if prevIndex, exists := seenIDs[c.ID]; exists {
			return errors.NewValidationError(
				fmt.Sprintf("duplicate contributor ID '%s' found at indices %d and %d", c.ID, prevIndex, i),
				nil,
			)
		}
		seenIDs[c.ID] = i

		if err := envcollection.ValidateCollection(c.collection()); err != nil {
			return errors.NewValidationError(
				fmt.Sprintf("invalid mutators for contributor at index %d", i),
				err,
			).WithContext("contributor_id", c.ID)
		}
	}
	return nil
}

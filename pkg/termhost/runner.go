package termhost

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/core-tools/hsu-terminal/pkg/backend"
	"github.com/core-tools/hsu-terminal/pkg/errors"
	"github.com/core-tools/hsu-terminal/pkg/logging"
)

// Session works with a started host until it returns or ctx is cancelled
type Session func(ctx context.Context, host *Host) error

type RunOptions struct {
	// ConfigFile is optional; the defaults serve local shells
	ConfigFile string
	// RunDuration stops the runner after this long; 0 runs until interrupted
	RunDuration time.Duration
	// Revive recreates the saved layout before the session starts
	Revive bool
}

// Run starts a host, runs session against it and shuts the host down on
// return, on a signal or when the run duration ends.
func Run(options RunOptions, session Session, logger logging.Logger) error {
	logger.Infof("Terminal host runner starting...")

	ctx := context.Background()
	if options.RunDuration > 0 {
		logger.Infof("Using RUN DURATION of %v", options.RunDuration)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, options.RunDuration)
		defer cancel()
	}

	config, err := loadOrDefault(options.ConfigFile, logger)
	if err != nil {
		return err
	}

	logger.Infof("Backends: %d, environment contributors: %d, persistent sessions: %t",
		len(config.Backends), len(config.Environment), config.Terminals.PersistentSessions)

	host, err := NewHost(config, logger)
	if err != nil {
		return errors.NewInternalError("failed to create terminal host", err)
	}
	if err := host.Start(); err != nil {
		host.Shutdown(context.Background())
		return err
	}

	metricsServer := startMetricsServer(config.Host.MetricsAddress, host, logger)

	if options.Revive {
		revived, err := host.ReviveLayout(ctx)
		if err != nil {
			logger.Warnf("Layout revived with errors, error: %v", err)
		}
		logger.Infof("Revived %d terminals", len(revived))
	}

	logger.Infof("Enabling signal handling...")

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig, os.Interrupt)
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	}
	defer signal.Stop(sig)

	sessionCtx, cancelSession := context.WithCancel(ctx)
	defer cancelSession()

	sessionDone := make(chan error, 1)
	go func() {
		sessionDone <- session(sessionCtx, host)
	}()

	var sessionErr error
	select {
	case receivedSignal := <-sig:
		logger.Infof("Terminal host runner received signal: %v", receivedSignal)
		cancelSession()
		sessionErr = <-sessionDone
	case <-ctx.Done():
		logger.Infof("Terminal host runner timed out")
		sessionErr = <-sessionDone
	case sessionErr = <-sessionDone:
		logger.Infof("Session finished")
	}

	if sessionErr != nil && !errors.IsCancelledError(sessionErr) && sessionErr != context.Canceled && sessionErr != context.DeadlineExceeded {
		logger.Errorf("Session failed, error: %v", sessionErr)
	} else {
		sessionErr = nil
	}

	logger.Infof("Ready to stop terminal host...")

	// Reset context to background to enable graceful shutdown
	if err := host.Shutdown(context.Background()); err != nil {
		logger.Warnf("Terminal host shutdown reported errors: %v", err)
	}
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	logger.Infof("Terminal host runner stopped")
	return sessionErr
}

func loadOrDefault(configFile string, logger logging.Logger) (*HostConfig, error) {
	if configFile == "" {
		logger.Infof("No configuration file, using defaults")
		return DefaultConfig(), nil
	}

	logger.Infof("Using CONFIGURATION FILE: %s", configFile)
	config, err := LoadConfigFromFile(configFile)
	if err != nil {
		return nil, errors.NewIOError("failed to load configuration", err).WithContext("config_file", configFile)
	}
	if err := ValidateConfig(config); err != nil {
		return nil, errors.NewValidationError("configuration validation failed", err).WithContext("config_file", configFile)
	}
	return config, nil
}

func startMetricsServer(address string, host *Host, logger logging.Logger) *http.Server {
	if address == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", host.MetricsHandler())
	server := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Infof("Serving metrics, address: %s", address)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("Metrics server failed, address: %s, error: %v", address, err)
		}
	}()
	return server
}

// ValidateConfigFile validates a configuration file without loading/running
// This is useful for configuration testing and CI/CD validation
func ValidateConfigFile(configFile string) error {
	config, err := LoadConfigFromFile(configFile)
	if err != nil {
		return errors.NewIOError("failed to load configuration", err).WithContext("config_file", configFile)
	}

	if err := ValidateConfig(config); err != nil {
		return errors.NewValidationError("configuration validation failed", err).WithContext("config_file", configFile)
	}

	return nil
}

// GetConfigSummary returns a human-readable summary of the configuration
func GetConfigSummary(config *HostConfig) ConfigSummary {
	if config == nil {
		return ConfigSummary{Error: "configuration is nil"}
	}

	summary := ConfigSummary{
		LogLevel:           config.Host.LogLevel,
		MetricsAddress:     config.Host.MetricsAddress,
		PersistentSessions: config.Terminals.PersistentSessions,
		DefaultExecutable:  config.Terminals.DefaultProfile.Executable,
		Backends:           make([]BackendSummary, 0, len(config.Backends)+1),
	}

	summary.Backends = append(summary.Backends, BackendSummary{
		Authority: backend.DisplayAuthority(backend.LocalAuthority),
		Enabled:   true,
	})
	for _, b := range config.Backends {
		summary.Backends = append(summary.Backends, BackendSummary{
			Authority: b.Authority,
			Address:   b.Address,
			Enabled:   b.enabled(),
		})
	}

	for _, c := range config.Environment {
		summary.Contributors = append(summary.Contributors, c.ID)
	}

	return summary
}

// ConfigSummary provides a high-level overview of configuration
type ConfigSummary struct {
	LogLevel           string           `json:"log_level"`
	MetricsAddress     string           `json:"metrics_address,omitempty"`
	PersistentSessions bool             `json:"persistent_sessions"`
	DefaultExecutable  string           `json:"default_executable,omitempty"`
	Backends           []BackendSummary `json:"backends"`
	Contributors       []string         `json:"contributors,omitempty"`
	Error              string           `json:"error,omitempty"`
}

// BackendSummary provides a summary of backend configuration
type BackendSummary struct {
	Authority string `json:"authority"`
	Address   string `json:"address,omitempty"`
	Enabled   bool   `json:"enabled"`
}

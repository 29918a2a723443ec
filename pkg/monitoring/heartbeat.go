package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/core-tools/hsu-terminal/pkg/errors"
	"github.com/core-tools/hsu-terminal/pkg/logging"
)

type HeartbeatStatus string

const (
	HeartbeatStatusUnknown   HeartbeatStatus = "unknown"
	HeartbeatStatusHealthy   HeartbeatStatus = "healthy"
	HeartbeatStatusDegraded  HeartbeatStatus = "degraded"
	HeartbeatStatusUnhealthy HeartbeatStatus = "unhealthy"
)

// HeartbeatConfig controls how often a pty host is probed and when it counts as unresponsive.
type HeartbeatConfig struct {
	Interval     time.Duration `yaml:"interval,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`
	InitialDelay time.Duration `yaml:"initial_delay,omitempty"`
	// UnresponsiveAfter is the number of consecutive failed probes that make the host unresponsive
	UnresponsiveAfter int `yaml:"unresponsive_after,omitempty"`
}

// DefaultHeartbeatConfig probes every 5s and gives up on a host after two misses.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval:          5 * time.Second,
		Timeout:           2 * time.Second,
		UnresponsiveAfter: 2,
	}
}

type HeartbeatState struct {
	Status               HeartbeatStatus
	LastCheck            time.Time
	Message              string
	InstanceID           string
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	Restarts             int
}

// HeartbeatProbe pings the host and returns its instance id. A changed id means the host restarted.
type HeartbeatProbe func(ctx context.Context) (instanceID string, err error)

type HeartbeatMonitor interface {
	Start(ctx context.Context) error
	Stop()
	State() *HeartbeatState
	// Check runs one probe synchronously
	Check(ctx context.Context)
	SetUnresponsiveCallback(callback func())
	SetResponsiveCallback(callback func())
	SetRestartCallback(callback func(previousID, currentID string))
}

type heartbeatMonitor struct {
	config   HeartbeatConfig
	probe    HeartbeatProbe
	state    *HeartbeatState
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	mutex    sync.Mutex
	checkMu  sync.Mutex
	logger   logging.Logger
	id       string

	unresponsiveCallback func()
	responsiveCallback   func()
	restartCallback      func(previousID, currentID string)
}

func NewHeartbeatMonitor(config HeartbeatConfig, probe HeartbeatProbe, id string, logger logging.Logger) HeartbeatMonitor {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if config.UnresponsiveAfter <= 0 {
		config.UnresponsiveAfter = DefaultHeartbeatConfig().UnresponsiveAfter
	}
	return &heartbeatMonitor{
		config:   config,
		probe:    probe,
		state:    &HeartbeatState{Status: HeartbeatStatusUnknown},
		stopChan: make(chan struct{}),
		logger:   logger,
		id:       id,
	}
}

func (h *heartbeatMonitor) Start(ctx context.Context) error {
	h.logger.Infof("Starting heartbeat monitor, id: %s, interval: %v", h.id, h.config.Interval)

	if err := ValidateHeartbeatConfig(h.config); err != nil {
		h.logger.Errorf("Heartbeat configuration validation failed, id: %s, error: %v", h.id, err)
		return errors.NewValidationError("invalid heartbeat configuration", err).WithContext("id", h.id)
	}
	if h.probe == nil {
		return errors.NewValidationError("heartbeat probe cannot be nil", nil).WithContext("id", h.id)
	}

	h.wg.Add(1)
	go h.loop(ctx)
	return nil
}

func (h *heartbeatMonitor) Stop() {
	h.stopOnce.Do(func() {
		h.logger.Infof("Stopping heartbeat monitor, id: %s", h.id)
		close(h.stopChan)
	})
	h.wg.Wait()
}

func (h *heartbeatMonitor) State() *HeartbeatState {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	stateCopy := *h.state
	return &stateCopy
}

func (h *heartbeatMonitor) loop(ctx context.Context) {
	defer h.wg.Done()

	if h.config.InitialDelay > 0 {
		select {
		case <-time.After(h.config.InitialDelay):
		case <-h.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}

	ticker := time.NewTicker(h.config.Interval)
	defer ticker.Stop()

	h.Check(ctx)

	for {
		select {
		case <-ticker.C:
			h.Check(ctx)
		case <-h.stopChan:
			h.logger.Debugf("Heartbeat monitor loop stopping, id: %s", h.id)
			return
		case <-ctx.Done():
			h.logger.Debugf("Heartbeat monitor context done, id: %s", h.id)
			return
		}
	}
}

func (h *heartbeatMonitor) Check(ctx context.Context) {
	// Serializes probes so callbacks fire in the order the host changed state
	h.checkMu.Lock()
	defer h.checkMu.Unlock()

	probeCtx := ctx
	if h.config.Timeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, h.config.Timeout)
		defer cancel()
	}

	instanceID, err := h.probe(probeCtx)
	for _, callback := range h.updateState(instanceID, err) {
		callback()
	}
}

// updateState records a probe result and returns the callbacks to run, in order.
func (h *heartbeatMonitor) updateState(instanceID string, probeErr error) []func() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	var callbacks []func()
	previousStatus := h.state.Status
	h.state.LastCheck = time.Now()

	if probeErr == nil {
		h.state.ConsecutiveSuccesses++
		h.state.ConsecutiveFailures = 0
		h.state.Message = "ok"

		if previousStatus != HeartbeatStatusHealthy {
			h.state.Status = HeartbeatStatusHealthy
			if previousStatus == HeartbeatStatusUnhealthy {
				h.logger.Infof("Pty host responsive again, id: %s", h.id)
				if h.responsiveCallback != nil {
					callbacks = append(callbacks, h.responsiveCallback)
				}
			}
		}

		previousID := h.state.InstanceID
		if instanceID != "" {
			h.state.InstanceID = instanceID
		}
		if previousID != "" && instanceID != "" && previousID != instanceID {
			h.state.Restarts++
			h.logger.Warnf("Pty host restarted, id: %s, previous: %s, current: %s", h.id, previousID, instanceID)
			if h.restartCallback != nil {
				restart := h.restartCallback
				callbacks = append(callbacks, func() { restart(previousID, instanceID) })
			}
		}
		return callbacks
	}

	h.state.ConsecutiveFailures++
	h.state.ConsecutiveSuccesses = 0
	h.state.Message = probeErr.Error()

	newStatus := HeartbeatStatusDegraded
	if h.state.ConsecutiveFailures >= h.config.UnresponsiveAfter {
		newStatus = HeartbeatStatusUnhealthy
	}

	if h.state.Status != newStatus {
		h.state.Status = newStatus
		h.logger.Warnf("Heartbeat status changed, id: %s, status: %s->%s, consecutive_failures: %d, message: %s",
			h.id, previousStatus, newStatus, h.state.ConsecutiveFailures, h.state.Message)

		if newStatus == HeartbeatStatusUnhealthy && h.unresponsiveCallback != nil {
			callbacks = append(callbacks, h.unresponsiveCallback)
		}
	} else {
		h.logger.Debugf("Heartbeat failed, id: %s, consecutive_failures: %d, message: %s",
			h.id, h.state.ConsecutiveFailures, h.state.Message)
	}
	return callbacks
}

func (h *heartbeatMonitor) SetUnresponsiveCallback(callback func()) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.unresponsiveCallback = callback
}

func (h *heartbeatMonitor) SetResponsiveCallback(callback func()) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.responsiveCallback = callback
}

func (h *heartbeatMonitor) SetRestartCallback(callback func(previousID, currentID string)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.restartCallback = callback
}

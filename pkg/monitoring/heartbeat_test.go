package monitoring

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-terminal/pkg/errors"
)

type scriptedProbe struct {
	mutex   sync.Mutex
	results []probeResult
}

type probeResult struct {
	id  string
	err error
}

func (p *scriptedProbe) probe(context.Context) (string, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if len(p.results) == 0 {
		return "", fmt.Errorf("no scripted result")
	}
	r := p.results[0]
	p.results = p.results[1:]
	return r.id, r.err
}

func TestHeartbeat_UnresponsiveThenResponsive(t *testing.T) {
	down := fmt.Errorf("connection refused")
	probe := &scriptedProbe{results: []probeResult{
		{id: "a"}, {err: down}, {err: down}, {err: down}, {id: "a"},
	}}
	monitor := NewHeartbeatMonitor(DefaultHeartbeatConfig(), probe.probe, "devbox", nil)

	var events []string
	monitor.SetUnresponsiveCallback(func() { events = append(events, "unresponsive") })
	monitor.SetResponsiveCallback(func() { events = append(events, "responsive") })
	monitor.SetRestartCallback(func(string, string) { events = append(events, "restart") })

	ctx := context.Background()
	monitor.Check(ctx)
	assert.Equal(t, HeartbeatStatusHealthy, monitor.State().Status)

	monitor.Check(ctx)
	assert.Equal(t, HeartbeatStatusDegraded, monitor.State().Status)
	assert.Empty(t, events, "one missed heartbeat is not unresponsive")

	monitor.Check(ctx)
	monitor.Check(ctx)
	assert.Equal(t, HeartbeatStatusUnhealthy, monitor.State().Status)

	monitor.Check(ctx)
	assert.Equal(t, []string{"unresponsive", "responsive"}, events)
}

func TestHeartbeat_RecoveryFromDegradedIsNotResponsive(t *testing.T) {
	probe := &scriptedProbe{results: []probeResult{{id: "a"}, {err: fmt.Errorf("slow")}, {id: "a"}}}
	monitor := NewHeartbeatMonitor(DefaultHeartbeatConfig(), probe.probe, "devbox", nil)

	responsive := 0
	monitor.SetResponsiveCallback(func() { responsive++ })

	for i := 0; i < 3; i++ {
		monitor.Check(context.Background())
	}
	assert.Equal(t, 0, responsive)
}

func TestHeartbeat_InstanceChangeIsRestart(t *testing.T) {
	probe := &scriptedProbe{results: []probeResult{{id: "a"}, {err: fmt.Errorf("down")}, {err: fmt.Errorf("down")}, {id: "b"}}}
	monitor := NewHeartbeatMonitor(DefaultHeartbeatConfig(), probe.probe, "devbox", nil)

	var events []string
	monitor.SetUnresponsiveCallback(func() { events = append(events, "unresponsive") })
	monitor.SetResponsiveCallback(func() { events = append(events, "responsive") })
	monitor.SetRestartCallback(func(prev, cur string) { events = append(events, "restart:"+prev+"->"+cur) })

	for i := 0; i < 4; i++ {
		monitor.Check(context.Background())
	}

	assert.Equal(t, []string{"unresponsive", "responsive", "restart:a->b"}, events)
	assert.Equal(t, 1, monitor.State().Restarts)
	assert.Equal(t, "b", monitor.State().InstanceID)
}

func TestHeartbeat_StartRejectsInvalidConfig(t *testing.T) {
	monitor := NewHeartbeatMonitor(HeartbeatConfig{Interval: time.Second, Timeout: 2 * time.Second}, func(context.Context) (string, error) {
		return "", nil
	}, "x", nil)

	err := monitor.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
}

func TestHeartbeat_LoopProbesUntilStopped(t *testing.T) {
	var mutex sync.Mutex
	calls := 0
	monitor := NewHeartbeatMonitor(HeartbeatConfig{Interval: 10 * time.Millisecond, Timeout: 5 * time.Millisecond}, func(context.Context) (string, error) {
		mutex.Lock()
		defer mutex.Unlock()
		calls++
		return "a", nil
	}, "x", nil)

	require.NoError(t, monitor.Start(context.Background()))
	assert.Eventually(t, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return calls >= 3
	}, time.Second, 5*time.Millisecond)

	monitor.Stop()
	monitor.Stop()
}

func TestValidateHeartbeatConfig(t *testing.T) {
	tests := []struct {
		name      string
		config    HeartbeatConfig
		shouldErr bool
	}{
		{"valid_config", DefaultHeartbeatConfig(), false},
		{"zero_interval", HeartbeatConfig{Timeout: time.Second}, true},
		{"zero_timeout", HeartbeatConfig{Interval: time.Second}, true},
		{"timeout_not_less_than_interval", HeartbeatConfig{Interval: time.Second, Timeout: time.Second}, true},
		{"negative_initial_delay", HeartbeatConfig{Interval: time.Second, Timeout: 10 * time.Millisecond, InitialDelay: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateHeartbeatConfig(tt.config)
			if tt.shouldErr {
				assert.Error(t, err)
				assert.True(t, errors.IsValidationError(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

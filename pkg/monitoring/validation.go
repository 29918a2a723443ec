package monitoring

import "github.com/core-tools/hsu-terminal/pkg/errors"

// ValidateHeartbeatConfig validates heartbeat configuration
func ValidateHeartbeatConfig(config HeartbeatConfig) error {
	if config.Interval <= 0 {
		return errors.NewValidationError("heartbeat interval must be positive", nil)
	}

	if config.Timeout <= 0 {
		return errors.NewValidationError("heartbeat timeout must be positive", nil)
	}

	if config.Timeout >= config.Interval {
		return errors.NewValidationError("heartbeat timeout must be less than interval", nil)
	}

	if config.InitialDelay < 0 {
		return errors.NewValidationError("heartbeat initial delay cannot be negative", nil)
	}

	if config.UnresponsiveAfter < 0 {
		return errors.NewValidationError("unresponsive threshold cannot be negative", nil)
	}

	return nil
}

package termhost

import (
	"net"
	"strconv"
	"time"

	"github.com/core-tools/hsu-terminal/pkg/errors"
)

const maxIDLength = 64

// ValidateTerminalID validates terminal ID format and constraints
func ValidateTerminalID(id string) error {
	return ValidateName(id, "terminal ID")
}

// ValidateName validates an identifier used in ids and file names
func ValidateName(name string, what string) error {
	if name == "" {
		return errors.NewValidationError(what+" cannot be empty", nil)
	}

	if len(name) > maxIDLength {
		return errors.NewValidationError(what+" cannot exceed 64 characters", nil)
	}

	for _, char := range name {
		if !isValidIDChar(char) {
			return errors.NewValidationError(what+" contains invalid characters: only letters, numbers, dots, hyphens, and underscores are allowed", nil).
				WithContext("value", name)
		}
	}

	return nil
}

// ValidatePort validates port number
func ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return errors.NewValidationError("port must be between 1 and 65535", nil)
	}
	return nil
}

// ValidateNetworkAddress validates a host:port address. An empty host listens on all interfaces.
func ValidateNetworkAddress(address string) error {
	if address == "" {
		return errors.NewValidationError("network address cannot be empty", nil)
	}

	_, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return errors.NewValidationError("invalid network address format: "+address, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return errors.NewValidationError("invalid port in address: "+address, err)
	}

	if err := ValidatePort(port); err != nil {
		return errors.NewValidationError("invalid port in address: "+address, err)
	}

	return nil
}

// ValidateTimeout validates timeout duration
func ValidateTimeout(timeout time.Duration, name string) error {
	if timeout < 0 {
		return errors.NewValidationError(name+" timeout cannot be negative", nil)
	}

	if timeout == 0 {
		return errors.NewValidationError(name+" timeout cannot be zero", nil)
	}

	return nil
}

func isValidIDChar(char rune) bool {
	return (char >= 'a' && char <= 'z') ||
		(char >= 'A' && char <= 'Z') ||
		(char >= '0' && char <= '9') ||
		char == '-' || char == '_' || char == '.'
}

package statefile

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/gofrs/flock"

	"github.com/core-tools/hsu-terminal/pkg/errors"
	"github.com/core-tools/hsu-terminal/pkg/logging"
	"github.com/core-tools/hsu-terminal/pkg/process"
)

// Default application name for HSU Terminal
const DefaultAppName = "hsu-terminal"

// StateFileConfig holds configuration for state file generation (PID files, lock files, layouts)
type StateFileConfig struct {
	// Base directory for state files. If empty, uses OS-appropriate default
	BaseDirectory string `yaml:"base_directory,omitempty"`

	// Service context - affects directory selection
	ServiceContext ServiceContext `yaml:"service_context,omitempty"`

	// Application name for subdirectory creation
	AppName string `yaml:"app_name,omitempty"`

	// Create subdirectory for the app (recommended for system services)
	UseSubdirectory bool `yaml:"use_subdirectory,omitempty"`
}

// ServiceContext defines the context in which the service runs
type ServiceContext string

const (
	// SystemService runs as a system service (daemon)
	SystemService ServiceContext = "system"

	// UserService runs as a user service
	UserService ServiceContext = "user"

	// SessionService runs as a session service (cleaned up on logout)
	SessionService ServiceContext = "session"
)

// StateFileManager generates state file paths and reads and writes the files.
type StateFileManager struct {
	config StateFileConfig
	logger logging.Logger
}

func NewStateFileManager(config StateFileConfig, logger logging.Logger) *StateFileManager {
	if config.AppName == "" {
		config.AppName = DefaultAppName
	}

	if config.ServiceContext == "" {
		config.ServiceContext = UserService
	}

	return &StateFileManager{
		config: config,
		logger: logger,
	}
}

// StateDirectory returns the directory holding every state file.
func (m *StateFileManager) StateDirectory() string {
	baseDir := m.getBaseDirectory()
	if m.config.UseSubdirectory {
		baseDir = filepath.Join(baseDir, m.config.AppName)
	}
	return baseDir
}

func (m *StateFileManager) GeneratePIDFilePath(name string) string {
	return filepath.Join(m.StateDirectory(), name+".pid")
}

func (m *StateFileManager) GenerateLockFilePath(name string) string {
	return filepath.Join(m.StateDirectory(), name+".lock")
}

func (m *StateFileManager) GenerateLayoutFilePath(name string) string {
	return filepath.Join(m.StateDirectory(), name+".layout.json")
}

// WritePIDFile writes the PID atomically to the file for the given name
func (m *StateFileManager) WritePIDFile(name string, pid int) error {
	pidFilePath := m.GeneratePIDFilePath(name)
	m.logger.Debugf("Writing PID file, name: %s, pid: %d, path: %s", name, pid, pidFilePath)

	if err := ValidateStateDirectory(pidFilePath); err != nil {
		m.logger.Errorf("PID file directory validation failed, name: %s, path: %s, error: %v", name, pidFilePath, err)
		return errors.NewIOError("PID file directory validation failed", err).WithContext("pid_file", pidFilePath)
	}

	if err := writeFileAtomic(pidFilePath, []byte(fmt.Sprintf("%d\n", pid)), 0644); err != nil {
		m.logger.Errorf("Failed to write PID file, name: %s, pid: %d, path: %s, error: %v", name, pid, pidFilePath, err)
		return errors.NewIOError("failed to write PID file", err).WithContext("pid_file", pidFilePath).WithContext("pid", pid)
	}

	m.logger.Infof("PID file written successfully, name: %s, pid: %d, path: %s", name, pid, pidFilePath)
	return nil
}

// ReadPIDFile reads the PID stored for the given name
func (m *StateFileManager) ReadPIDFile(name string) (int, error) {
	pidFilePath := m.GeneratePIDFilePath(name)

	content, err := os.ReadFile(pidFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.NewNotFoundError("PID file does not exist", err).WithContext("pid_file", pidFilePath)
		}
		return 0, errors.NewIOError("failed to read PID file", err).WithContext("pid_file", pidFilePath)
	}

	pid, err := process.ValidatePID(string(content))
	if err != nil {
		m.logger.Errorf("Invalid PID content, name: %s, path: %s, error: %v", name, pidFilePath, err)
		return 0, err
	}
	return pid, nil
}

func (m *StateFileManager) RemovePIDFile(name string) error {
	pidFilePath := m.GeneratePIDFilePath(name)
	if err := os.Remove(pidFilePath); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to remove PID file", err).WithContext("pid_file", pidFilePath)
	}
	return nil
}

// AcquireInstanceLock takes a non-blocking exclusive lock for the given name.
// A lock held by another process is reported as a conflict error.
func (m *StateFileManager) AcquireInstanceLock(name string) (*flock.Flock, error) {
	lockPath := m.GenerateLockFilePath(name)

	if err := ValidateStateDirectory(lockPath); err != nil {
		return nil, errors.NewIOError("lock file directory validation failed", err).WithContext("lock_file", lockPath)
	}

	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.NewIOError("failed to acquire instance lock", err).WithContext("lock_file", lockPath)
	}
	if !locked {
		return nil, errors.NewConflictError("another instance is already running", nil).WithContext("lock_file", lockPath)
	}

	m.logger.Infof("Instance lock acquired, name: %s, path: %s", name, lockPath)
	return lock, nil
}

// SaveLayout atomically replaces the layout file for the given name
func (m *StateFileManager) SaveLayout(name string, data []byte) error {
	layoutPath := m.GenerateLayoutFilePath(name)

	if err := ValidateStateDirectory(layoutPath); err != nil {
		return errors.NewIOError("layout directory validation failed", err).WithContext("layout_file", layoutPath)
	}

	if err := writeFileAtomic(layoutPath, data, 0600); err != nil {
		m.logger.Errorf("Failed to write layout, name: %s, path: %s, error: %v", name, layoutPath, err)
		return errors.NewIOError("failed to write layout", err).WithContext("layout_file", layoutPath)
	}

	m.logger.Debugf("Layout saved, name: %s, path: %s, bytes: %d", name, layoutPath, len(data))
	return nil
}

func (m *StateFileManager) LoadLayout(name string) ([]byte, error) {
	layoutPath := m.GenerateLayoutFilePath(name)

	data, err := os.ReadFile(layoutPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError("no saved layout", err).WithContext("layout_file", layoutPath)
		}
		return nil, errors.NewIOError("failed to read layout", err).WithContext("layout_file", layoutPath)
	}
	return data, nil
}

// GenerateLogDirectoryPath generates the appropriate log directory path for the application
func (m *StateFileManager) GenerateLogDirectoryPath() string {
	baseDir := m.getLogBaseDirectory()

	if m.config.UseSubdirectory {
		return filepath.Join(baseDir, m.config.AppName, "logs")
	}

	return filepath.Join(baseDir, "logs")
}

// getBaseDirectory returns the appropriate base directory for state files
func (m *StateFileManager) getBaseDirectory() string {
	if m.config.BaseDirectory != "" {
		return m.config.BaseDirectory
	}

	switch m.config.ServiceContext {
	case SystemService:
		return m.getSystemServiceDirectory()
	case SessionService:
		return m.getSessionServiceDirectory()
	default:
		return m.getUserServiceDirectory()
	}
}

func (m *StateFileManager) getSystemServiceDirectory() string {
	switch runtime.GOOS {
	case "windows":
		programData := os.Getenv("PROGRAMDATA")
		if programData == "" {
			programData = "C:\\ProgramData"
		}
		return programData

	case "darwin":
		return "/var/run"

	default:
		// Modern standard is /run, with fallback to /var/run
		if _, err := os.Stat("/run"); err == nil {
			return "/run"
		}
		return "/var/run"
	}
}

func (m *StateFileManager) getUserServiceDirectory() string {
	switch runtime.GOOS {
	case "windows":
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			userProfile := os.Getenv("USERPROFILE")
			if userProfile != "" {
				localAppData = filepath.Join(userProfile, "AppData", "Local")
			} else {
				localAppData = "C:\\Users\\Default\\AppData\\Local"
			}
		}
		return localAppData

	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return os.TempDir()
		}
		return filepath.Join(homeDir, "Library", "Application Support")

	default:
		// Layouts must survive logout, so prefer XDG_STATE_HOME over the runtime dir
		if stateHome := os.Getenv("XDG_STATE_HOME"); stateHome != "" {
			return stateHome
		}
		if homeDir, err := os.UserHomeDir(); err == nil {
			return filepath.Join(homeDir, ".local", "state")
		}
		return os.TempDir()
	}
}

func (m *StateFileManager) getSessionServiceDirectory() string {
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		return os.TempDir()
	}

	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return runtimeDir
	}
	sessionDir := fmt.Sprintf("/run/user/%d", os.Getuid())
	if _, err := os.Stat(sessionDir); err == nil {
		return sessionDir
	}
	return os.TempDir()
}

func (m *StateFileManager) getLogBaseDirectory() string {
	if m.config.BaseDirectory != "" {
		return m.config.BaseDirectory
	}

	switch m.config.ServiceContext {
	case SystemService:
		if runtime.GOOS == "windows" {
			return m.getSystemServiceDirectory()
		}
		return "/var/log"
	default:
		return m.getBaseDirectory()
	}
}

// ValidateStateDirectory validates that the directory of the given file exists
// and is writable, creating it when missing
func ValidateStateDirectory(filePath string) error {
	dir := filepath.Dir(filePath)

	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return errors.NewIOError("failed to create state directory", err).WithContext("directory", dir)
			}
		} else {
			return errors.NewIOError("failed to access state directory", err).WithContext("directory", dir)
		}
	} else if !info.IsDir() {
		return errors.NewValidationError("state path is not a directory", nil).WithContext("path", dir)
	}

	testFile := filepath.Join(dir, ".write_test")
	if file, err := os.Create(testFile); err != nil {
		return errors.NewPermissionError("state directory is not writable", err).WithContext("directory", dir)
	} else {
		file.Close()
		os.Remove(testFile)
	}

	return nil
}

// GetRecommendedStateFileConfig returns recommended state file configuration for different deployment scenarios
func GetRecommendedStateFileConfig(scenario string, appName string) StateFileConfig {
	if appName == "" {
		appName = DefaultAppName
	}

	switch strings.ToLower(scenario) {
	case "system", "daemon", "service":
		return StateFileConfig{
			ServiceContext:  SystemService,
			AppName:         appName,
			UseSubdirectory: true,
		}

	case "session", "desktop":
		return StateFileConfig{
			ServiceContext:  SessionService,
			AppName:         appName,
			UseSubdirectory: true,
		}

	case "development", "dev", "test":
		return StateFileConfig{
			BaseDirectory:   filepath.Join(os.TempDir(), appName+"-dev"),
			ServiceContext:  UserService,
			AppName:         appName,
			UseSubdirectory: false,
		}

	default:
		return StateFileConfig{
			ServiceContext:  UserService,
			AppName:         appName,
			UseSubdirectory: true,
		}
	}
}

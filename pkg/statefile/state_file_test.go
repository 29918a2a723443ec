package statefile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/core-tools/hsu-terminal/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StateFileMockLogger is a simple mock implementation of Logger for testing
type StateFileMockLogger struct{}

func (m *StateFileMockLogger) LogLevelf(level int, format string, args ...interface{}) {}
func (m *StateFileMockLogger) Debugf(format string, args ...interface{})               {}
func (m *StateFileMockLogger) Infof(format string, args ...interface{})                {}
func (m *StateFileMockLogger) Warnf(format string, args ...interface{})                {}
func (m *StateFileMockLogger) Errorf(format string, args ...interface{})               {}

func newTestManager(t *testing.T, useSubdirectory bool) (*StateFileManager, string) {
	dir := t.TempDir()
	manager := NewStateFileManager(StateFileConfig{
		BaseDirectory:   dir,
		AppName:         "test-app",
		UseSubdirectory: useSubdirectory,
	}, &StateFileMockLogger{})
	return manager, dir
}

func TestNewStateFileManager_WithDefaults(t *testing.T) {
	manager := NewStateFileManager(StateFileConfig{}, &StateFileMockLogger{})

	assert.NotNil(t, manager)
	assert.Equal(t, DefaultAppName, manager.config.AppName)
	assert.Equal(t, UserService, manager.config.ServiceContext)
}

func TestGeneratePaths(t *testing.T) {
	tests := []struct {
		name            string
		useSubdirectory bool
		description     string
	}{
		{"flat", false, "files directly under the base directory"},
		{"subdirectory", true, "files under <base>/<app>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager, dir := newTestManager(t, tt.useSubdirectory)

			expectedDir := dir
			if tt.useSubdirectory {
				expectedDir = filepath.Join(dir, "test-app")
			}

			assert.Equal(t, expectedDir, manager.StateDirectory(), tt.description)
			assert.Equal(t, filepath.Join(expectedDir, "ptyhost.pid"), manager.GeneratePIDFilePath("ptyhost"))
			assert.Equal(t, filepath.Join(expectedDir, "ptyhost.lock"), manager.GenerateLockFilePath("ptyhost"))
			assert.Equal(t, filepath.Join(expectedDir, "main.layout.json"), manager.GenerateLayoutFilePath("main"))
		})
	}
}

func TestStateFileManager_PIDFileRoundTrip(t *testing.T) {
	manager, _ := newTestManager(t, true)

	_, err := manager.ReadPIDFile("ptyhost")
	assert.True(t, errors.IsNotFoundError(err))

	require.NoError(t, manager.WritePIDFile("ptyhost", 4242))

	content, err := os.ReadFile(manager.GeneratePIDFilePath("ptyhost"))
	require.NoError(t, err)
	assert.Equal(t, "4242\n", string(content))

	pid, err := manager.ReadPIDFile("ptyhost")
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)

	require.NoError(t, manager.RemovePIDFile("ptyhost"))
	require.NoError(t, manager.RemovePIDFile("ptyhost"), "removing a missing PID file is not an error")
}

func TestStateFileManager_ReadPIDFile_InvalidContent(t *testing.T) {
	manager, dir := newTestManager(t, false)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.pid"), []byte("not-a-pid"), 0644))

	_, err := manager.ReadPIDFile("bad")
	assert.True(t, errors.IsValidationError(err))
}

func TestStateFileManager_InstanceLockIsExclusive(t *testing.T) {
	manager, _ := newTestManager(t, false)

	lock, err := manager.AcquireInstanceLock("ptyhost")
	require.NoError(t, err)
	defer func() { _ = lock.Unlock() }()

	_, err = manager.AcquireInstanceLock("ptyhost")
	assert.True(t, errors.IsConflictError(err))

	require.NoError(t, lock.Unlock())

	again, err := manager.AcquireInstanceLock("ptyhost")
	require.NoError(t, err)
	_ = again.Unlock()
}

func TestStateFileManager_LayoutRoundTrip(t *testing.T) {
	manager, _ := newTestManager(t, true)

	_, err := manager.LoadLayout("main")
	assert.True(t, errors.IsNotFoundError(err))

	require.NoError(t, manager.SaveLayout("main", []byte(`{"v":1}`)))
	require.NoError(t, manager.SaveLayout("main", []byte(`{"v":2}`)))

	data, err := manager.LoadLayout("main")
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, string(data))
}

func TestValidateStateDirectory(t *testing.T) {
	dir := t.TempDir()

	t.Run("creates_missing_directory", func(t *testing.T) {
		path := filepath.Join(dir, "a", "b", "file.pid")
		require.NoError(t, ValidateStateDirectory(path))
		info, err := os.Stat(filepath.Dir(path))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("parent_is_file", func(t *testing.T) {
		file := filepath.Join(dir, "plain")
		require.NoError(t, os.WriteFile(file, nil, 0644))
		err := ValidateStateDirectory(filepath.Join(file, "x.pid"))
		assert.Error(t, err)
	})
}

func TestGetRecommendedStateFileConfig(t *testing.T) {
	tests := []struct {
		name            string
		scenario        string
		expectedContext ServiceContext
		expectedSubdir  bool
		expectBaseDir   bool
	}{
		{"system", "system", SystemService, true, false},
		{"daemon_alias", "Daemon", SystemService, true, false},
		{"session", "session", SessionService, true, false},
		{"development", "dev", UserService, false, true},
		{"unknown_defaults_to_user", "whatever", UserService, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := GetRecommendedStateFileConfig(tt.scenario, "")

			assert.Equal(t, DefaultAppName, config.AppName)
			assert.Equal(t, tt.expectedContext, config.ServiceContext)
			assert.Equal(t, tt.expectedSubdir, config.UseSubdirectory)
			assert.Equal(t, tt.expectBaseDir, config.BaseDirectory != "")
		})
	}
}

package process

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/core-tools/hsu-terminal/pkg/errors"
	"github.com/core-tools/hsu-terminal/pkg/logging"
)

// ShellCommand describes a shell to be started behind a pseudo terminal.
type ShellCommand struct {
	Executable string
	Args       []string
	Cwd        string
	Env        map[string]string
}

// NewShellCmd validates the command and builds the exec.Cmd for it. The
// returned command is not started.
func NewShellCmd(shell ShellCommand, id string, logger logging.Logger) (*exec.Cmd, error) {
	if err := ValidateShellCommand(shell); err != nil {
		logger.Errorf("Shell command validation failed, id: %s, error: %v", id, err)
		return nil, errors.NewValidationError("invalid shell command", err).WithContext("id", id)
	}

	path, err := resolveExecutable(shell.Executable)
	if err != nil {
		return nil, err.WithContext("id", id)
	}

	logger.Debugf("Preparing shell: id: %s, executable: '%s', args: %v, cwd: '%s'",
		id, path, shell.Args, shell.Cwd)

	cmd := exec.Command(path, shell.Args...)
	cmd.Dir = shell.Cwd
	cmd.Env = EnvList(shell.Env)

	setupProcessAttributes(cmd)

	return cmd, nil
}

// EnvList flattens an environment map into KEY=VALUE pairs sorted by key.
func EnvList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	list := make([]string, 0, len(keys))
	for _, k := range keys {
		list = append(list, k+"="+env[k])
	}
	return list
}

// EnvMap parses KEY=VALUE pairs. Entries without '=' are skipped.
func EnvMap(list []string) map[string]string {
	env := make(map[string]string, len(list))
	for _, kv := range list {
		for i := 1; i < len(kv); i++ {
			if kv[i] == '=' {
				env[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return env
}

func resolveExecutable(executable string) (string, *errors.DomainError) {
	path := executable
	if !filepath.IsAbs(executable) && filepath.Base(executable) == executable {
		found, err := exec.LookPath(executable)
		if err != nil {
			return "", errors.NewNotFoundError("executable not found in PATH", err).WithContext("executable", executable)
		}
		path = found
	}

	if err := ensureExecutable(path); err != nil {
		return "", err
	}
	return path, nil
}

// ensureExecutable checks that the file exists and carries an execute bit.
func ensureExecutable(path string) *errors.DomainError {
	info, err := os.Stat(path)
	if err != nil {
		return errors.NewNotFoundError("executable does not exist", err).WithContext("path", path)
	}
	if info.IsDir() {
		return errors.NewValidationError("executable is a directory", nil).WithContext("path", path)
	}

	// Windows has no execute bits
	if runtime.GOOS == "windows" {
		return nil
	}

	if info.Mode()&0111 == 0 {
		return errors.NewPermissionError("file is not executable", nil).WithContext("path", path)
	}
	return nil
}

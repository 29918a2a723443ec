package localpty

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/core-tools/hsu-terminal/pkg/errors"
	"github.com/core-tools/hsu-terminal/pkg/process"
)

const shellEnvironmentProbeTimeout = 10 * time.Second

func inheritedEnvironment() map[string]string {
	return process.EnvMap(os.Environ())
}

// probeShellEnvironment runs the login shell once and reads its exported
// environment, NUL separated so values may contain newlines.
func probeShellEnvironment(ctx context.Context, shell string) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, shellEnvironmentProbeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, shell, "-l", "-c", "env -0")
	cmd.Env = os.Environ()
	out, err := cmd.Output()
	if err != nil {
		return nil, errors.NewProcessError("shell environment probe failed", err).WithContext("shell", shell)
	}

	var pairs []string
	for _, kv := range bytes.Split(out, []byte{0}) {
		if len(kv) > 0 {
			pairs = append(pairs, string(kv))
		}
	}
	if len(pairs) == 0 {
		return nil, errors.NewProcessError("shell environment probe returned nothing", nil).WithContext("shell", shell)
	}
	return process.EnvMap(pairs), nil
}

package resolver

import (
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/core-tools/hsu-terminal/pkg/envcollection"
	"github.com/core-tools/hsu-terminal/pkg/logging"
	"github.com/core-tools/hsu-terminal/pkg/process"
	"github.com/core-tools/hsu-terminal/pkg/terminal"
)

// TermProgram is exported to shells as TERM_PROGRAM.
const TermProgram = "hsu-terminal"

// Options configure resolution on the host that runs the shell.
type Options struct {
	// DefaultCwd is used when the launch config has no cwd, or a relative one
	DefaultCwd string
	// Env is overlaid on the base environment before the launch config's own env
	Env map[string]string
	// Home overrides the user's home directory
	Home string
	// BaseEnv overrides the inherited process environment
	BaseEnv map[string]string
}

// Resolver turns a launch config into the cwd and environment a shell starts with.
type Resolver struct {
	options Options
	logger  logging.Logger
}

func New(options Options, logger logging.Logger) *Resolver {
	if options.Home == "" {
		if home, err := os.UserHomeDir(); err == nil {
			options.Home = home
		}
	}
	return &Resolver{
		options: options,
		logger:  logger,
	}
}

var variablePattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Expander returns a function expanding ${env:NAME}, ${userHome}, ${workspaceFolder}
// and ${pathSeparator} in a value. Unknown variables are left as they are.
func (r *Resolver) Expander(config terminal.LaunchConfig, env map[string]string) func(string) string {
	return func(value string) string {
		if !strings.Contains(value, "${") {
			return value
		}
		return variablePattern.ReplaceAllStringFunc(value, func(match string) string {
			name := match[2 : len(match)-1]
			switch {
			case strings.HasPrefix(name, "env:"):
				key := strings.TrimPrefix(name, "env:")
				if v, ok := lookup(env, key); ok {
					return v
				}
				return ""
			case name == "userHome":
				return r.options.Home
			case name == "workspaceFolder":
				return config.WorkspaceFolder
			case name == "pathSeparator":
				return string(os.PathSeparator)
			}
			return match
		})
	}
}

// ResolveCwd picks the directory the shell starts in. A missing directory
// falls back to the default cwd and then the home directory.
func (r *Resolver) ResolveCwd(config terminal.LaunchConfig) string {
	expand := r.Expander(config, r.baseEnvironment())
	base := r.options.DefaultCwd
	if base == "" {
		base = config.WorkspaceFolder
	}
	if base == "" {
		base = r.options.Home
	}

	cwd := expand(config.Cwd)
	if cwd == "" {
		cwd = base
	}
	cwd = r.expandTilde(cwd)
	if cwd != "" && !filepath.IsAbs(cwd) && base != "" {
		cwd = filepath.Join(base, cwd)
	}
	cwd = filepath.Clean(cwd)

	if isDir(cwd) {
		return cwd
	}

	r.logger.Warnf("Terminal cwd does not exist, falling back, name: %s, cwd: %s", config.Name, cwd)
	for _, candidate := range []string{r.options.DefaultCwd, r.options.Home} {
		if candidate != "" && isDir(candidate) {
			return candidate
		}
	}
	return os.TempDir()
}

// ResolveEnvironment builds the environment of a shell from base, which is
// the inherited or shell environment of the backend. The merged collection is
// applied last, scoped to the config's workspace folder. A strict config gets
// its own env only.
func (r *Resolver) ResolveEnvironment(config terminal.LaunchConfig, base map[string]string, merged *envcollection.Merged) map[string]string {
	if config.StrictEnv {
		env := make(map[string]string, len(config.Env))
		expand := r.Expander(config, config.Env)
		for k, v := range config.Env {
			env[k] = expand(v)
		}
		return env
	}

	if base == nil {
		base = r.baseEnvironment()
	}
	env := make(map[string]string, len(base)+len(r.options.Env)+len(config.Env)+4)
	for k, v := range base {
		env[k] = v
	}

	expand := r.Expander(config, base)
	for k, v := range r.options.Env {
		env[k] = expand(v)
	}
	for k, v := range config.Env {
		env[k] = expand(v)
	}

	if term, _ := lookup(env, "TERM"); term == "" {
		env["TERM"] = "xterm-256color"
	}
	env["COLORTERM"] = "truecolor"
	env["TERM_PROGRAM"] = TermProgram

	if merged != nil {
		merged.ApplyToProcessEnvironment(env, Scope(config), r.Expander(config, env))
	}
	return env
}

// Scope is the environment collection scope of a launch config.
func Scope(config terminal.LaunchConfig) *envcollection.Scope {
	if config.WorkspaceFolder == "" {
		return nil
	}
	return &envcollection.Scope{WorkspaceFolder: config.WorkspaceFolder}
}

func (r *Resolver) baseEnvironment() map[string]string {
	if r.options.BaseEnv != nil {
		return r.options.BaseEnv
	}
	return process.EnvMap(os.Environ())
}

func (r *Resolver) expandTilde(path string) string {
	if r.options.Home == "" {
		return path
	}
	if path == "~" {
		return r.options.Home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(os.PathSeparator)) {
		return filepath.Join(r.options.Home, path[2:])
	}
	return path
}

func lookup(env map[string]string, key string) (string, bool) {
	if v, ok := env[key]; ok {
		return v, true
	}
	if runtime.GOOS == "windows" {
		for k, v := range env {
			if strings.EqualFold(k, key) {
				return v, true
			}
		}
	}
	return "", false
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

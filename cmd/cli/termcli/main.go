package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
	"unicode/utf8"

	flags "github.com/jessevdk/go-flags"
	"golang.org/x/term"

	"github.com/core-tools/hsu-terminal/pkg/errors"
	"github.com/core-tools/hsu-terminal/pkg/logging"
	"github.com/core-tools/hsu-terminal/pkg/terminal"
	"github.com/core-tools/hsu-terminal/pkg/terminals/processmanager"
	"github.com/core-tools/hsu-terminal/pkg/termhost"
)

type flagOptions struct {
	Config      string        `long:"config" description:"path to the host configuration file"`
	Authority   string        `long:"authority" description:"remote authority to run the shell on; empty runs it locally"`
	Shell       string        `long:"shell" description:"shell executable; defaults to the configured profile"`
	Revive      bool          `long:"revive" description:"reattach the terminals saved by the last session"`
	SaveLayout  bool          `long:"save-layout" description:"save attachable terminals when the session ends"`
	RunDuration time.Duration `long:"duration" description:"stop after this long"`
	LogLevel    string        `long:"log-level" description:"debug, info, warn or error" default:"warn"`
	Validate    bool          `long:"validate" description:"validate the configuration file and exit"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s-client , ", module)
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v", err)
		os.Exit(1)
	}

	if opts.Validate {
		if opts.Config == "" {
			fmt.Println("Configuration file is required")
			os.Exit(1)
		}
		if err := termhost.ValidateConfigFile(opts.Config); err != nil {
			fmt.Printf("Configuration is invalid: %v\n", err)
			os.Exit(1)
		}
		config, _ := termhost.LoadConfigFromFile(opts.Config)
		fmt.Printf("Configuration is valid: %+v\n", termhost.GetConfigSummary(config))
		return
	}

	sugar, err := logging.NewZapSugar(logging.ParseLevel(opts.LogLevel), false)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer sugar.Sync()

	logger := logging.NewLogger(logPrefix("hsu-terminal"), logging.NewZapLogFuncs(sugar))

	runOptions := termhost.RunOptions{
		ConfigFile:  opts.Config,
		RunDuration: opts.RunDuration,
		Revive:      opts.Revive,
	}
	if err := termhost.Run(runOptions, newSession(opts, logger), logger); err != nil {
		logger.Errorf("Terminal session failed: %v", err)
		os.Exit(1)
	}
}

// newSession connects the controlling terminal to one shell
func newSession(opts flagOptions, logger logging.Logger) termhost.Session {
	return func(ctx context.Context, host *termhost.Host) error {
		fd := int(os.Stdin.Fd())
		cols, rows := termhost.DefaultCols, termhost.DefaultRows
		if term.IsTerminal(fd) {
			if w, h, err := term.GetSize(fd); err == nil {
				cols, rows = w, h
			}
		}

		t, err := openTerminal(ctx, host, opts, cols, rows)
		if err != nil {
			return err
		}
		logger.Infof("Attached, terminal: %s, authority: %s", t.ID, t.Authority)

		if term.IsTerminal(fd) {
			state, err := term.MakeRaw(fd)
			if err != nil {
				return errors.NewIOError("failed to enter raw mode", err)
			}
			defer term.Restore(fd, state)
		}

		exited := make(chan struct{})
		var exitOnce sync.Once
		dataListener := t.Manager.OnProcessData(func(data string) {
			os.Stdout.WriteString(data)
			t.Manager.AcknowledgeDataEvent(utf8.RuneCountInString(data))
		})
		defer dataListener.Dispose()
		exitListener := t.Manager.OnProcessExit(func(code *int) {
			exitOnce.Do(func() { close(exited) })
		})
		defer exitListener.Dispose()

		stopResize := watchResize(fd, func(cols, rows int) {
			if err := t.Manager.ResizeWhenReady(ctx, cols, rows); err != nil {
				logger.Debugf("Resize failed, error: %v", err)
			}
		})
		defer stopResize()

		go pumpInput(t)

		select {
		case <-exited:
			return nil
		case <-ctx.Done():
			if opts.SaveLayout {
				layout, err := host.SaveLayout()
				if err != nil {
					return err
				}
				logger.Infof("Saved layout, terminals: %d", len(layout.Terminals))
			}
			return ctx.Err()
		}
	}
}

// openTerminal reattaches the first revived terminal, or creates a new one
func openTerminal(ctx context.Context, host *termhost.Host, opts flagOptions, cols, rows int) (*termhost.Terminal, error) {
	if opts.Revive {
		for _, info := range host.Terminals() {
			if info.Authority == opts.Authority {
				return host.Terminal(info.ID)
			}
		}
	}

	t, status, err := host.CreateTerminal(ctx, termhost.CreateTerminalRequest{
		Authority: opts.Authority,
		Config:    terminal.LaunchConfig{Executable: opts.Shell},
		Cols:      cols,
		Rows:      rows,
	})
	if err != nil {
		return nil, err
	}
	if status != processmanager.LaunchStatusStarted {
		host.DisposeTerminal(t.ID, true)
		return nil, errors.NewProcessError(fmt.Sprintf("terminal did not start, status: %s", status), nil)
	}
	return t, nil
}

func pumpInput(t *termhost.Terminal) {
	buffer := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buffer)
		if n > 0 {
			t.Manager.Write(string(buffer[:n]))
		}
		if err != nil {
			return
		}
	}
}

package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"

	"github.com/core-tools/hsu-terminal/pkg/backend/localpty"
	"github.com/core-tools/hsu-terminal/pkg/backend/remote"
	"github.com/core-tools/hsu-terminal/pkg/logging"
	"github.com/core-tools/hsu-terminal/pkg/metrics"
	"github.com/core-tools/hsu-terminal/pkg/process"
	"github.com/core-tools/hsu-terminal/pkg/resolver"
	"github.com/core-tools/hsu-terminal/pkg/statefile"
	"github.com/core-tools/hsu-terminal/pkg/termhost"
)

const instanceName = "ptyhost"

type flagOptions struct {
	Config         string `long:"config" description:"path to the host configuration file"`
	Address        string `long:"address" description:"address to serve the pty host on" default:":50061"`
	LogLevel       string `long:"log-level" description:"debug, info, warn or error; overrides the configuration"`
	MetricsAddress string `long:"metrics" description:"address to serve /metrics on; overrides the configuration"`
	Development    bool   `long:"dev" description:"human readable development logging"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s-server , ", module)
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

	config := termhost.DefaultConfig()
	if opts.Config != "" {
		config, err = termhost.LoadConfigFromFile(opts.Config)
		if err == nil {
			err = termhost.ValidateConfig(config)
		}
		if err != nil {
			fmt.Printf("Configuration is invalid: %v\n", err)
			os.Exit(1)
		}
	}
	if opts.LogLevel != "" {
		config.Host.LogLevel = opts.LogLevel
	}
	if opts.MetricsAddress != "" {
		config.Host.MetricsAddress = opts.MetricsAddress
	}

	if err := termhost.ValidateNetworkAddress(opts.Address); err != nil {
		fmt.Printf("Address is invalid: %v\n", err)
		os.Exit(1)
	}

	sugar, err := logging.NewZapSugar(logging.ParseLevel(config.Host.LogLevel), opts.Development)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer sugar.Sync()

	logFuncs := logging.NewZapLogFuncs(sugar)
	logger := logging.NewLogger(logPrefix("hsu-ptyhost"), logFuncs)

	logger.Infof("opts: %+v", opts)

	if err := run(opts, config, logFuncs, logger); err != nil {
		logger.Errorf("Pty host failed: %v", err)
		os.Exit(1)
	}
}

func run(opts flagOptions, config *termhost.HostConfig, logFuncs logging.LogFuncs, logger logging.Logger) error {
	stateFiles := statefile.NewStateFileManager(config.Host.State, logging.NewLogger(logPrefix("statefile"), logFuncs))

	lock, err := stateFiles.AcquireInstanceLock(instanceName)
	if err != nil {
		if pid, readErr := stateFiles.ReadPIDFile(instanceName); readErr == nil {
			if running, _ := process.IsRunning(pid); running {
				logger.Errorf("Pty host already running, pid: %d", pid)
			}
		}
		return err
	}
	defer lock.Unlock()

	if err := stateFiles.WritePIDFile(instanceName, os.Getpid()); err != nil {
		return err
	}
	defer stateFiles.RemovePIDFile(instanceName)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	localOptions := config.Local
	localOptions.Metrics = metrics.New(reg)
	hostBackend := localpty.NewBackend(localOptions, logging.NewLogger(logPrefix("localpty"), logFuncs))
	defer hostBackend.Dispose()

	res := resolver.New(resolver.Options{
		DefaultCwd: config.Terminals.DefaultCwd,
		Env:        config.Terminals.Env,
	}, logging.NewLogger(logPrefix("resolver"), logFuncs))

	handler := remote.NewServerHandler(hostBackend, res, logging.NewLogger(logPrefix("remote"), logFuncs))

	listener, err := net.Listen("tcp", opts.Address)
	if err != nil {
		return err
	}

	grpcServer := grpc.NewServer()
	remote.RegisterGRPCServerHandler(grpcServer, handler)

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("Serving pty host, address: %s, instance: %s", listener.Addr(), hostBackend.InstanceID())
		serveErr <- grpcServer.Serve(listener)
	}()

	var metricsServer *http.Server
	if config.Host.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: config.Host.MetricsAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Infof("Serving metrics, address: %s", config.Host.MetricsAddress)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorf("Metrics server failed, error: %v", err)
			}
		}()
		defer metricsServer.Close()
	}

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig, os.Interrupt)
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}
	defer signal.Stop(sig)

	select {
	case receivedSignal := <-sig:
		logger.Infof("Received signal: %v", receivedSignal)
	case err := <-serveErr:
		return err
	}

	logger.Infof("Stopping pty host, handles: %d, processes: %d", handler.HandleCount(), hostBackend.ProcessCount())

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(config.Host.ForceShutdownTimeout):
		logger.Warnf("Graceful stop timed out, forcing")
		grpcServer.Stop()
	}

	logger.Infof("Pty host stopped")
	return nil
}

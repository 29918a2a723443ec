package remote

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/core-tools/hsu-terminal/pkg/backend"
	"github.com/core-tools/hsu-terminal/pkg/errors"
	"github.com/core-tools/hsu-terminal/pkg/event"
	"github.com/core-tools/hsu-terminal/pkg/logging"
	"github.com/core-tools/hsu-terminal/pkg/monitoring"
	"github.com/core-tools/hsu-terminal/pkg/terminal"
)

const (
	DefaultCallTimeout = 10 * time.Second

	// LatencyLabel names the round trip reported by GetLatency
	LatencyLabel = "ptyHost"
)

// RetryConfig bounds the retries of idempotent calls such as the shell environment fetch.
type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval,omitempty"`
	MaxInterval     time.Duration `yaml:"max_interval,omitempty"`
	MaxRetries      int           `yaml:"max_retries,omitempty"`
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxRetries:      3,
	}
}

// ClientOptions configure a backend that talks to a remote pty host.
type ClientOptions struct {
	// Authority is the registry key of the backend, e.g. "ssh-remote+box"
	Authority        string
	Heartbeat        monitoring.HeartbeatConfig
	EnvironmentRetry RetryConfig
	CallTimeout      time.Duration
}

func (o *ClientOptions) setDefaults() {
	defaults := DefaultRetryConfig()
	if o.EnvironmentRetry.InitialInterval <= 0 {
		o.EnvironmentRetry.InitialInterval = defaults.InitialInterval
	}
	if o.EnvironmentRetry.MaxInterval <= 0 {
		o.EnvironmentRetry.MaxInterval = defaults.MaxInterval
	}
	if o.EnvironmentRetry.MaxRetries < 0 {
		o.EnvironmentRetry.MaxRetries = 0
	}
	if o.Heartbeat.Interval <= 0 {
		o.Heartbeat = monitoring.DefaultHeartbeatConfig()
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
}

// Backend is a ProcessBackend served by a pty host over gRPC. Host
// responsiveness and restarts are derived from a heartbeat on the host's
// instance id.
type Backend struct {
	options ClientOptions
	conn    grpc.ClientConnInterface
	closer  io.Closer
	logger  logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	heartbeat    monitoring.HeartbeatMonitor
	unresponsive *event.Emitter[struct{}]
	responsive   *event.Emitter[struct{}]
	restart      *event.Emitter[struct{}]
}

var _ backend.ProcessBackend = (*Backend)(nil)

// Dial connects to a pty host at address. The connection is owned by the backend.
func Dial(address string, options ClientOptions, logger logging.Logger, dialOptions ...grpc.DialOption) (*Backend, error) {
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, dialOptions...)
	conn, err := grpc.Dial(address, opts...)
	if err != nil {
		return nil, errors.NewNetworkError("failed to dial pty host", err).
			WithContext("address", address).
			WithContext("authority", options.Authority)
	}

	b := NewBackend(conn, options, logger)
	b.closer = conn
	return b, nil
}

// NewBackend wraps an existing connection, which stays owned by the caller.
func NewBackend(conn grpc.ClientConnInterface, options ClientOptions, logger logging.Logger) *Backend {
	options.setDefaults()
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Backend{
		options:      options,
		conn:         conn,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		unresponsive: event.NewEmitter[struct{}](),
		responsive:   event.NewEmitter[struct{}](),
		restart:      event.NewEmitter[struct{}](),
	}

	b.heartbeat = monitoring.NewHeartbeatMonitor(options.Heartbeat, b.probe, backend.DisplayAuthority(options.Authority), logger)
	b.heartbeat.SetUnresponsiveCallback(func() { b.unresponsive.Fire(struct{}{}) })
	b.heartbeat.SetResponsiveCallback(func() { b.responsive.Fire(struct{}{}) })
	b.heartbeat.SetRestartCallback(func(previousID, currentID string) { b.restart.Fire(struct{}{}) })
	return b
}

// Start begins heartbeating the host.
func (b *Backend) Start() error {
	return b.heartbeat.Start(b.ctx)
}

// Heartbeat exposes the monitor, e.g. for a synchronous Check.
func (b *Backend) Heartbeat() monitoring.HeartbeatMonitor {
	return b.heartbeat
}

// Close stops the heartbeat, ends all event streams and releases an owned connection.
func (b *Backend) Close() error {
	b.cancel()
	b.heartbeat.Stop()
	b.unresponsive.Dispose()
	b.responsive.Dispose()
	b.restart.Dispose()
	if b.closer != nil {
		return b.closer.Close()
	}
	return nil
}

func (b *Backend) RemoteAuthority() string {
	return b.options.Authority
}

func (b *Backend) CreateProcess(ctx context.Context, req backend.CreateRequest) (backend.ProcessHandle, error) {
	var result handleResult
	if err := b.invoke(ctx, methodCreateProcess, req, &result); err != nil {
		return nil, err
	}
	return newRemoteHandle(b, result), nil
}

func (b *Backend) AttachToProcess(ctx context.Context, id int) (backend.ProcessHandle, error) {
	var result handleResult
	if err := b.invoke(ctx, methodAttachToProcess, attachArgs{ID: id}, &result); err != nil {
		return nil, err
	}
	if !result.Found {
		return nil, nil
	}
	return newRemoteHandle(b, result), nil
}

// Processes lists the host's persistent processes.
func (b *Backend) Processes(ctx context.Context) ([]terminal.PersistentProcessInfo, error) {
	var result processesResult
	if err := b.invoke(ctx, methodListProcesses, nil, &result); err != nil {
		return nil, err
	}
	return result.Processes, nil
}

// GetShellEnvironment retries transport failures with exponential backoff.
func (b *Backend) GetShellEnvironment(ctx context.Context) (map[string]string, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.options.EnvironmentRetry.InitialInterval
	policy.MaxInterval = b.options.EnvironmentRetry.MaxInterval

	var result shellEnvironmentResult
	attempts := 0
	operation := func() error {
		attempts++
		err := b.invoke(ctx, methodShellEnvironment, nil, &result)
		if err != nil && !errors.IsNetworkError(err) && !errors.IsTimeoutError(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(b.options.EnvironmentRetry.MaxRetries)), ctx)
	if err := backoff.Retry(operation, retry); err != nil {
		b.logger.Warnf("Shell environment fetch failed, authority: %s, attempts: %d, error: %v",
			b.options.Authority, attempts, err)
		return nil, errors.NewEnvironmentUnreachableError("remote shell environment unreachable", err).
			WithContext("authority", b.options.Authority)
	}
	return result.Env, nil
}

// GetLatency measures one heartbeat round trip.
func (b *Backend) GetLatency(ctx context.Context) ([]terminal.LatencyInfo, error) {
	started := time.Now()
	if _, err := b.probe(ctx); err != nil {
		return nil, err
	}
	return []terminal.LatencyInfo{{Label: LatencyLabel, Latency: time.Since(started)}}, nil
}

func (b *Backend) OnPtyHostUnresponsive(listener func()) event.Disposable {
	return b.unresponsive.Subscribe(func(struct{}) { listener() })
}

func (b *Backend) OnPtyHostResponsive(listener func()) event.Disposable {
	return b.responsive.Subscribe(func(struct{}) { listener() })
}

func (b *Backend) OnPtyHostRestart(listener func()) event.Disposable {
	return b.restart.Subscribe(func(struct{}) { listener() })
}

func (b *Backend) probe(ctx context.Context) (string, error) {
	var result heartbeatResult
	if err := b.invoke(ctx, methodHeartbeat, nil, &result); err != nil {
		return "", err
	}
	return result.InstanceID, nil
}

// invoke runs one unary call. A nil args sends no arguments, a nil result ignores the reply.
func (b *Backend) invoke(ctx context.Context, method string, args interface{}, result interface{}) error {
	req := invokeRequest{Method: method}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return errors.NewInternalError("failed to encode arguments", err).WithContext("method", method)
		}
		req.Args = raw
	}

	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := b.conn.Invoke(ctx, invokeMethod, in, out); err != nil {
		return b.transportError(method, err)
	}

	var resp invokeResponse
	if err := fromStruct(out, &resp); err != nil {
		return err
	}
	if err := resp.errorOf(method); err != nil {
		return err
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return errors.NewValidationError("malformed pty host result", err).WithContext("method", method)
		}
	}
	return nil
}

// call is invoke for handle methods, which carry no context of their own.
func (b *Backend) call(method string, args interface{}, result interface{}) error {
	ctx, cancel := context.WithTimeout(b.ctx, b.options.CallTimeout)
	defer cancel()
	return b.invoke(ctx, method, args, result)
}

func (b *Backend) transportError(method string, err error) error {
	var domainErr *errors.DomainError
	switch status.Code(err) {
	case codes.Canceled:
		domainErr = errors.NewCancelledError("pty host call cancelled", err)
	case codes.DeadlineExceeded:
		domainErr = errors.NewTimeoutError("pty host call timed out", err)
	case codes.NotFound:
		domainErr = errors.NewNotFoundError("pty host resource not found", err)
	case codes.InvalidArgument:
		domainErr = errors.NewValidationError("pty host rejected the call", err)
	default:
		domainErr = errors.NewNetworkError("pty host call failed", err)
	}
	return domainErr.WithContext("method", method).WithContext("authority", backend.DisplayAuthority(b.options.Authority))
}

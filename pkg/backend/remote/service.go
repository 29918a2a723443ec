package remote

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/core-tools/hsu-terminal/pkg/errors"
	"github.com/core-tools/hsu-terminal/pkg/terminal"
)

// The pty host service carries JSON documents inside structpb.Struct messages,
// so no generated code is needed on either side.
const (
	ServiceName = "hsu.terminal.PtyHost"

	invokeMethod = "/" + ServiceName + "/Invoke"
	eventsMethod = "/" + ServiceName + "/Events"
)

// Invoke method names.
const (
	methodHeartbeat         = "heartbeat"
	methodCreateProcess     = "createProcess"
	methodAttachToProcess   = "attachToProcess"
	methodListProcesses     = "listProcesses"
	methodShellEnvironment  = "getShellEnvironment"
	methodStart             = "start"
	methodInput             = "input"
	methodProcessBinary     = "processBinary"
	methodResize            = "resize"
	methodShutdown          = "shutdown"
	methodDetach            = "detach"
	methodSendSignal        = "sendSignal"
	methodClearBuffer       = "clearBuffer"
	methodSetUnicodeVersion = "setUnicodeVersion"
	methodAcknowledgeData   = "acknowledgeDataEvent"
	methodRefreshProperty   = "refreshProperty"
	methodUpdateProperty    = "updateProperty"
)

// Event types sent on the Events stream.
const (
	eventSubscribed = "subscribed"
	eventReady      = "ready"
	eventExit       = "exit"
	eventData       = "data"
	eventProperty   = "property"
)

type ptyHostService interface {
	Invoke(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Events(req *structpb.Struct, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ptyHostService)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Invoke",
			Handler:    invokeHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Events",
			Handler:       eventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "hsu/terminal/ptyhost",
}

func invokeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ptyHostService).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: invokeMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ptyHostService).Invoke(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func eventsHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ptyHostService).Events(in, stream)
}

// ===== WIRE MESSAGES =====

type invokeRequest struct {
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
}

type invokeResponse struct {
	Result      json.RawMessage       `json:"result,omitempty"`
	Error       *wireError            `json:"error,omitempty"`
	LaunchError *terminal.LaunchError `json:"launchError,omitempty"`
}

type wireError struct {
	Type    errors.ErrorType `json:"type"`
	Message string           `json:"message"`
}

type handleArgs struct {
	Handle uint64 `json:"handle"`
}

type handleResult struct {
	Handle        uint64 `json:"handle"`
	ID            int    `json:"id"`
	ShouldPersist bool   `json:"shouldPersist"`
	Found         bool   `json:"found"`
}

type attachArgs struct {
	ID int `json:"id"`
}

type inputArgs struct {
	Handle uint64 `json:"handle"`
	Data   string `json:"data,omitempty"`
	// Binary carries ProcessBinary payloads, base64 encoded on the wire
	Binary []byte `json:"binary,omitempty"`
}

type resizeArgs struct {
	Handle uint64 `json:"handle"`
	Cols   int    `json:"cols"`
	Rows   int    `json:"rows"`
}

type shutdownArgs struct {
	Handle    uint64 `json:"handle"`
	Immediate bool   `json:"immediate,omitempty"`
}

type detachArgs struct {
	Handle       uint64 `json:"handle"`
	ForcePersist bool   `json:"forcePersist,omitempty"`
}

type signalArgs struct {
	Handle uint64 `json:"handle"`
	Signal string `json:"signal"`
}

type unicodeArgs struct {
	Handle  uint64 `json:"handle"`
	Version string `json:"version"`
}

type ackArgs struct {
	Handle    uint64 `json:"handle"`
	CharCount int    `json:"charCount"`
}

type refreshArgs struct {
	Handle uint64                `json:"handle"`
	Kind   terminal.PropertyKind `json:"kind"`
}

type propertyArgs struct {
	Handle   uint64          `json:"handle"`
	Property json.RawMessage `json:"property"`
}

type propertyResult struct {
	Property json.RawMessage `json:"property"`
}

type heartbeatResult struct {
	InstanceID string `json:"instanceId"`
}

type shellEnvironmentResult struct {
	Env map[string]string `json:"env"`
}

type processesResult struct {
	Processes []terminal.PersistentProcessInfo `json:"processes"`
}

type eventMessage struct {
	Type     string               `json:"type"`
	Ready    *terminal.ReadyEvent `json:"ready,omitempty"`
	Code     *int                 `json:"code,omitempty"`
	Data     string               `json:"data,omitempty"`
	Property json.RawMessage      `json:"property,omitempty"`
}

// ===== CODEC =====

func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.NewInternalError("failed to encode pty host message", err)
	}
	s := new(structpb.Struct)
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, errors.NewInternalError("failed to encode pty host message", err)
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, v interface{}) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return errors.NewValidationError("malformed pty host message", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.NewValidationError("malformed pty host message", err)
	}
	return nil
}

func decodeArgs(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return errors.NewValidationError("missing arguments", nil)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.NewValidationError("malformed arguments", err)
	}
	return nil
}

// responseFor folds err into the response body. Launch errors and domain
// errors keep their identity across the wire.
func responseFor(result interface{}, err error) (invokeResponse, error) {
	if err != nil {
		var launchErr *terminal.LaunchError
		if stderrors.As(err, &launchErr) {
			return invokeResponse{LaunchError: launchErr}, nil
		}
		errType := errors.TypeOf(err)
		if errType == "" {
			errType = errors.ErrorTypeInternal
		}
		return invokeResponse{Error: &wireError{Type: errType, Message: err.Error()}}, nil
	}
	if result == nil {
		return invokeResponse{}, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return invokeResponse{}, errors.NewInternalError("failed to encode result", err)
	}
	return invokeResponse{Result: data}, nil
}

// errorOf is the inverse of responseFor on the client side.
func (r invokeResponse) errorOf(method string) error {
	if r.LaunchError != nil {
		return r.LaunchError
	}
	if r.Error != nil {
		return errors.NewDomainError(r.Error.Type, r.Error.Message, nil).WithContext("method", method)
	}
	return nil
}

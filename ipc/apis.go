package ipc

import (
	"context"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"github.com/nbos-project/kernelcore/kmodule"
)

// SymbolRegistrar is the subset of kmodule.Manager the IPC service needs,
// kept as an interface so tests can substitute a fake without a real
// elfloader.Loader.
type SymbolRegistrar interface {
	RegisterSymbols(map[string]uint64)
}

// DeviceEventSink receives hotplug notifications forwarded from outside
// the process. A host-side tool plugging in a simulated device posts
// here instead of calling devmgr.Manager directly, the same indirection
// devfs's OnDeviceRegistered hook gives in-process callers.
type DeviceEventSink func(DeviceData)

var _ SymbolRegistrar = (*kmodule.Manager)(nil)

// Service is the ipc control-plane service: it owns the grpc.Server and
// the CallbacksMap dispatch table, matching the teacher's ipcService +
// grpc.CallbacksMap pairing from ipc/apis.go.
type Service struct {
	grpcServer *grpc.Server
	listener   net.Listener
	callbacks  CallbacksMap

	symbols SymbolRegistrar
	onEvent DeviceEventSink

	log *logrus.Entry
}

// NewService constructs an unconfigured Service; Setup must be called
// before Init, matching the teacher's two-phase construction.
func NewService() *Service {
	return &Service{log: logrus.WithField("component", "ipc")}
}

// Setup wires the service against the kernel resources it dispatches
// into, mirroring ipcService.Setup's dependency injection.
func (s *Service) Setup(symbols SymbolRegistrar, onEvent DeviceEventSink) {
	s.symbols = symbols
	s.onEvent = onEvent
	s.callbacks = CallbacksMap{
		SymbolRegisterMessage: s.handleSymbolRegister,
		DeviceEventMessage:    s.handleDeviceEvent,
	}
}

// Init starts listening on addr and registers the gob-coded gRPC service,
// matching ipcService.Init's grpcServer.Init() call.
func (s *Service) Init(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("ipc: listen: %w", err)
	}
	s.listener = lis
	s.grpcServer = grpc.NewServer()
	registerKernelControlServer(s.grpcServer, s)

	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			s.log.WithError(err).Warn("grpc server stopped")
		}
	}()
	s.log.WithField("addr", lis.Addr().String()).Info("ipc service listening")
	return nil
}

// Stop gracefully shuts the grpc server down.
func (s *Service) Stop() {
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
}

// Call implements kernelControlServer: look up the envelope's message
// type in the CallbacksMap and dispatch, matching the teacher's
// CallbacksMap-keyed lookup in grpcServer's request path.
func (s *Service) Call(ctx context.Context, env *Envelope) (*Envelope, error) {
	cb, ok := s.callbacks[env.Type]
	if !ok {
		return &Envelope{Type: "error", Payload: []byte(fmt.Sprintf("unknown message type %q", env.Type))}, nil
	}
	out, err := cb(s, env.Payload)
	if err != nil {
		s.log.WithError(err).WithField("type", env.Type).Warn("ipc call failed")
		return &Envelope{Type: "error", Payload: []byte(err.Error())}, nil
	}
	return &Envelope{Type: env.Type, Payload: out}, nil
}

// handleSymbolRegister is the Callback for SymbolRegisterMessage,
// matching the teacher's ContainerRegister free-function handler shape
// (ctx interface{}, typed payload) -> error.
func (s *Service) handleSymbolRegister(ctxIface interface{}, payload []byte) ([]byte, error) {
	svc := ctxIface.(*Service)
	var data SymbolData
	if err := (gobCodec{}).Unmarshal(payload, &data); err != nil {
		return nil, err
	}
	if data.Name == "" {
		return nil, fmt.Errorf("ipc: symbol name is required")
	}
	svc.symbols.RegisterSymbols(map[string]uint64{data.Name: data.Addr})
	s.log.WithField("symbol", data.Name).Debug("symbol registered via ipc")
	return nil, nil
}

// handleDeviceEvent is the Callback for DeviceEventMessage, matching the
// teacher's ContainerUnregister handler shape.
func (s *Service) handleDeviceEvent(ctxIface interface{}, payload []byte) ([]byte, error) {
	svc := ctxIface.(*Service)
	var data DeviceData
	if err := (gobCodec{}).Unmarshal(payload, &data); err != nil {
		return nil, err
	}
	if svc.onEvent != nil {
		svc.onEvent(data)
	}
	s.log.WithField("device", data.Name).Debug("device event received via ipc")
	return nil, nil
}

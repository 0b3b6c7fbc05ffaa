// Package ipc is the out-of-process control plane: a gRPC service letting
// an external process (the host-side tooling driving the simulated
// kernel) register kernel symbols and push device hotplug events into a
// running kernel.Kernel, without linking against it directly. Grounded on
// the teacher's ipc/apis.go + grpcServer.go: a CallbacksMap keyed by
// message type, dispatched from a single RPC entry point, with a
// Setup(...)-style dependency-injection constructor.
package ipc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
)

// Message type tags, the gob-era analogue of the teacher's
// grpc.ContainerPreRegisterMessage/... enum.
const (
	SymbolRegisterMessage = "symbol.register"
	DeviceEventMessage    = "device.event"
)

// Envelope is the single wire message every RPC call carries: a type tag
// plus a gob-encoded payload, letting one grpc method serve many logical
// operations the way the teacher's single grpcServer.Server serves four
// container-lifecycle messages through one CallbacksMap.
type Envelope struct {
	Type    string
	Payload []byte
}

// SymbolData is the payload for SymbolRegisterMessage: a kernel symbol
// name/address pair for kmodule.Manager.RegisterSymbols.
type SymbolData struct {
	Name string
	Addr uint64
}

// DeviceData is the payload for DeviceEventMessage: a device hotplug
// notification mirroring devmgr.Device's identity fields.
type DeviceData struct {
	Name       string
	Type       uint32
	Major      uint32
	Minor      uint32
	Registered bool
}

// Callback handles one message type. ctx is the ipcService instance
// (passed the way the teacher's CallbacksMap handlers receive their
// *ipcService as an interface{} first argument) so handlers can reach the
// kernel resources Setup wired in.
type Callback func(ctx interface{}, payload []byte) ([]byte, error)

// CallbacksMap mirrors grpc.CallbacksMap: message type -> handler.
type CallbacksMap map[string]Callback

// kernelControlServer is the grpc.ServiceDesc's handler target: one RPC,
// Call, through which every message type is dispatched.
type kernelControlServer interface {
	Call(context.Context, *Envelope) (*Envelope, error)
}

// serviceDesc is the hand-authored equivalent of what protoc-gen-go-grpc
// would generate from a .proto file, since the teacher's real transport
// (sysbox-ipc/sysboxFsGrpc) ships pre-generated stubs this pack cannot
// regenerate.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: "ipc.KernelControl",
	HandlerType: (*kernelControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Call",
			Handler:    callHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ipc/service.go",
}

func callHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(kernelControlServer).Call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/ipc.KernelControl/Call"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(kernelControlServer).Call(ctx, req.(*Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

// registerKernelControlServer installs the hand-written ServiceDesc on s.
func registerKernelControlServer(s *grpc.Server, srv kernelControlServer) {
	s.RegisterService(&serviceDesc, srv)
}

// Client wraps a grpc.ClientConn with a typed Call method, the consumer
// side of the hand-written RPC.
type Client struct {
	cc *grpc.ClientConn
}

// NewClient wraps an established connection (callers dial with
// grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)) so the
// gob codec registered in codec.go is used on the wire).
func NewClient(cc *grpc.ClientConn) *Client {
	return &Client{cc: cc}
}

func (c *Client) Call(ctx context.Context, env *Envelope) (*Envelope, error) {
	out := new(Envelope)
	if err := c.cc.Invoke(ctx, "/ipc.KernelControl/Call", env, out); err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterSymbol is a typed convenience wrapper over Call for
// SymbolRegisterMessage.
func (c *Client) RegisterSymbol(ctx context.Context, name string, addr uint64) error {
	payload, err := gobCodec{}.Marshal(SymbolData{Name: name, Addr: addr})
	if err != nil {
		return err
	}
	resp, err := c.Call(ctx, &Envelope{Type: SymbolRegisterMessage, Payload: payload})
	if err != nil {
		return err
	}
	if resp.Type == "error" {
		return fmt.Errorf("ipc: %s", string(resp.Payload))
	}
	return nil
}

// NotifyDeviceEvent is a typed convenience wrapper over Call for
// DeviceEventMessage.
func (c *Client) NotifyDeviceEvent(ctx context.Context, d DeviceData) error {
	payload, err := gobCodec{}.Marshal(d)
	if err != nil {
		return err
	}
	resp, err := c.Call(ctx, &Envelope{Type: DeviceEventMessage, Payload: payload})
	if err != nil {
		return err
	}
	if resp.Type == "error" {
		return fmt.Errorf("ipc: %s", string(resp.Payload))
	}
	return nil
}

package ipc

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// gobCodec registers gob as grpc's wire encoding. The upstream sysbox-fs
// transport (github.com/nestybox/sysbox-ipc/sysboxFsGrpc) is a protoc-
// generated module that isn't fetchable from this pack; rather than drop
// grpc entirely, this package hand-writes the message types and a
// grpc.ServiceDesc (service.go) and carries them over gob instead of
// protobuf, the same technique hand-maintained non-protobuf gRPC services
// use to keep the real transport, framing, and status/codes machinery.
type gobCodec struct{}

const codecName = "gob"

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("ipc: gob marshal: %w", err)
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("ipc: gob unmarshal: %w", err)
	}
	return nil
}

func (gobCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(gobCodec{})
}

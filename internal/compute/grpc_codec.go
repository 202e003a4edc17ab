package compute

import (
	"encoding/json"
	"sync"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype of the job service. Messages are
// the JSON structs in wire.go; no protobuf schema is involved.
const CodecName = "json"

var registerCodecOnce sync.Once

type jsonCodec struct{}

func (jsonCodec) Name() string { return CodecName }

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// RegisterCodec registers the JSON codec with gRPC. Both the client and the
// agent call it before opening connections.
func RegisterCodec() {
	registerCodecOnce.Do(func() {
		encoding.RegisterCodec(jsonCodec{})
	})
}

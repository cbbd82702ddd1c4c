package control

import "encoding/json"

// jsonCodec lets connect carry the plain wire structs in this package
// instead of protobuf-generated message types. Its name matches
// connect's built-in JSON codec, so content-type negotiation picks it
// up for application/json traffic on both ends.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(msg any) ([]byte, error) { return json.Marshal(msg) }

func (jsonCodec) Unmarshal(data []byte, msg any) error { return json.Unmarshal(data, msg) }

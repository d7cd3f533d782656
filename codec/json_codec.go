package codec

import "encoding/json"

// JSONCodec encodes values with encoding/json. It accepts any value, and is
// used both for envelopes and for request and result payloads.
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error)    { return json.Marshal(v) }
func (JSONCodec) Decode(data []byte, v any) error { return json.Unmarshal(data, v) }
func (JSONCodec) Type() CodecType                 { return CodecTypeJSON }

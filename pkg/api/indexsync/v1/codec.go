package indexsyncv1

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Payload is the wire form of every message: its JSON encoding inside a
// google.protobuf.BytesValue. Integers keep their full int64 range.
type Payload = wrapperspb.BytesValue

// Encode converts a message into its wire form.
func Encode(v any) (*Payload, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %T: %w", v, err)
	}
	return wrapperspb.Bytes(data), nil
}

// Decode fills v from its wire form. An empty payload leaves v unchanged.
func Decode(p *Payload, v any) error {
	if len(p.GetValue()) == 0 {
		return nil
	}
	if err := json.Unmarshal(p.GetValue(), v); err != nil {
		return fmt.Errorf("decoding %T: %w", v, err)
	}
	return nil
}

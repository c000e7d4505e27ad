// Package codec implements the value codec shared by producers and
// readers: scalars survive verbatim, non-trivially-JSON-representable
// values are wrapped so writer and reader agree symmetrically.
package codec

import (
	"encoding/json"
	"fmt"
	"time"
)

const wrapperType = "__type"
const wrapperValue = "value"

// Encode serializes v into the wire representation stored in the backend.
// time.Time is wrapped; every other value round-trips through plain JSON.
func Encode(v interface{}) (string, error) {
	switch t := v.(type) {
	case time.Time:
		b, err := json.Marshal(struct {
			Type  string `json:"__type"`
			Value string `json:"value"`
		}{Type: "time.Time", Value: t.UTC().Format(time.RFC3339Nano)})
		if err != nil {
			return "", fmt.Errorf("codec: encode time: %w", err)
		}
		return string(b), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("codec: encode: %w", err)
		}
		return string(b), nil
	}
}

// Decode deserializes raw into a generic JSON value, unwrapping any
// wrapper object produced by Encode back into its concrete Go type.
func Decode(raw string) (interface{}, error) {
	var generic interface{}
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return nil, fmt.Errorf("codec: decode: %w", err)
	}
	return unwrap(generic), nil
}

// DecodeInto deserializes raw directly into v, bypassing the generic
// unwrap step. Used when the caller already knows the target shape.
func DecodeInto(raw string, v interface{}) error {
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("codec: decode into: %w", err)
	}
	return nil
}

func unwrap(v interface{}) interface{} {
	obj, ok := v.(map[string]interface{})
	if !ok {
		return v
	}
	typ, ok := obj[wrapperType].(string)
	if !ok {
		return v
	}
	val, ok := obj[wrapperValue]
	if !ok {
		return v
	}
	switch typ {
	case "time.Time":
		s, ok := val.(string)
		if !ok {
			return v
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return v
		}
		return t
	default:
		return v
	}
}

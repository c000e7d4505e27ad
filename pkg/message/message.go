// Package message defines the wire shape of mutation intents enqueued by
// producers, and the tagged variants the storage processor dispatches on.
// The five mutation kinds form a closed tagged variant, with an open
// Unknown case so any type this version doesn't recognize is logged and
// confirmed rather than failing the processing cycle.
package message

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies which mutation a Message carries.
type Type string

const (
	TypeWriteSimpleValue     Type = "WRITE_SIMPLE_VALUE"
	TypeWriteStateObject     Type = "WRITE_STATE_OBJECT"
	TypeWriteHashmapValue    Type = "WRITE_HASHMAP_VALUE"
	TypeAddStringsToSet      Type = "ADD_STRINGS_TO_SET"
	TypeRemoveStringsFromSet Type = "REMOVE_STRINGS_FROM_SET"
)

// Message is the envelope producers push onto the incoming queue.
type Message struct {
	Type       Type            `json:"type"`
	Meta       json.RawMessage `json:"meta"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// New builds a Message by marshaling meta into the envelope's Meta field.
func New(typ Type, meta interface{}, occurredAt time.Time) (Message, error) {
	raw, err := json.Marshal(meta)
	if err != nil {
		return Message{}, fmt.Errorf("message: marshal meta: %w", err)
	}
	return Message{Type: typ, Meta: raw, OccurredAt: occurredAt.UTC()}, nil
}

// MessageWithHandle pairs a decoded message with the exact serialized bytes
// it occupies in the processing list, which is the handle Confirm matches on.
type MessageWithHandle struct {
	Message Message
	Handle  string
}

// WriteSimpleValueMeta is the meta shape for TypeWriteSimpleValue.
// Value is already serialized by the producer via pkg/codec.
type WriteSimpleValueMeta struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// WriteStateObjectMeta is the meta shape for TypeWriteStateObject.
type WriteStateObjectMeta struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// WriteHashmapValueMeta is the meta shape for TypeWriteHashmapValue.
// A nil Value maps to HDEL rather than storing a tombstone.
type WriteHashmapValueMeta struct {
	Key   string  `json:"key"`
	Field string  `json:"field"`
	Value *string `json:"value"`
}

// AddStringsToSetMeta is the meta shape for TypeAddStringsToSet.
type AddStringsToSetMeta struct {
	Key    string   `json:"key"`
	Values []string `json:"values"`
}

// RemoveStringsFromSetMeta is the meta shape for TypeRemoveStringsFromSet.
type RemoveStringsFromSetMeta struct {
	Key    string   `json:"key"`
	Values []string `json:"values"`
}

// Unknown wraps a message of an unrecognized type, preserved so the
// processor can log and confirm it rather than fail the cycle.
type Unknown struct {
	Type Type
}

// Decode dispatches m.Type into its typed meta, or Unknown if unrecognized.
func Decode(m Message) (interface{}, error) {
	switch m.Type {
	case TypeWriteSimpleValue:
		var meta WriteSimpleValueMeta
		if err := json.Unmarshal(m.Meta, &meta); err != nil {
			return nil, fmt.Errorf("message: decode %s meta: %w", m.Type, err)
		}
		return meta, nil
	case TypeWriteStateObject:
		var meta WriteStateObjectMeta
		if err := json.Unmarshal(m.Meta, &meta); err != nil {
			return nil, fmt.Errorf("message: decode %s meta: %w", m.Type, err)
		}
		return meta, nil
	case TypeWriteHashmapValue:
		var meta WriteHashmapValueMeta
		if err := json.Unmarshal(m.Meta, &meta); err != nil {
			return nil, fmt.Errorf("message: decode %s meta: %w", m.Type, err)
		}
		return meta, nil
	case TypeAddStringsToSet:
		var meta AddStringsToSetMeta
		if err := json.Unmarshal(m.Meta, &meta); err != nil {
			return nil, fmt.Errorf("message: decode %s meta: %w", m.Type, err)
		}
		return meta, nil
	case TypeRemoveStringsFromSet:
		var meta RemoveStringsFromSetMeta
		if err := json.Unmarshal(m.Meta, &meta); err != nil {
			return nil, fmt.Errorf("message: decode %s meta: %w", m.Type, err)
		}
		return meta, nil
	default:
		return Unknown{Type: m.Type}, nil
	}
}

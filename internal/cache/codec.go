package cache

import (
	"encoding/json"
	"fmt"
)

// ValueCodec serializes caller value types into the opaque blobs the engine
// stores. Fields declared transient are stripped before persistence and
// read back as their zero value; callers use them for process-local state
// like live executor handles.
type ValueCodec struct {
	transient map[string]bool
}

// NewValueCodec creates a codec. transientFields are JSON field names that
// must not be persisted.
func NewValueCodec(transientFields ...string) *ValueCodec {
	transient := make(map[string]bool, len(transientFields))
	for _, f := range transientFields {
		transient[f] = true
	}
	return &ValueCodec{transient: transient}
}

// Encode serializes v, dropping transient fields.
func (c *ValueCodec) Encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cache value encode: %w", err)
	}

	if len(c.transient) == 0 {
		return data, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		// Non-object values cannot carry transient fields.
		return data, nil
	}
	for name := range c.transient {
		delete(fields, name)
	}
	return json.Marshal(fields)
}

// Decode deserializes a stored blob into out.
func (c *ValueCodec) Decode(data []byte, out interface{}) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("cache value decode: %w", err)
	}
	return nil
}

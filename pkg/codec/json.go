package codec

import (
	"bytes"

	json "github.com/goccy/go-json"
)

// JSONCodec encodes and decodes JSON documents.
type JSONCodec struct {
	// UseNumber decodes untyped numbers as json.Number instead of float64.
	UseNumber bool
}

// NewJSONCodec creates a JSON codec.
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{}
}

// ContentType implements Codec.
func (c *JSONCodec) ContentType() string { return MIMEJSON }

// Parse decodes a JSON document into maps, slices and scalars.
func (c *JSONCodec) Parse(data []byte) (any, error) {
	var v any
	if err := c.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Unmarshal implements Codec.
func (c *JSONCodec) Unmarshal(data []byte, v any) error {
	if !c.UseNumber {
		return json.Unmarshal(data, v)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// Marshal implements Codec.
func (c *JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

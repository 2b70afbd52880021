package codec

import "gopkg.in/yaml.v3"

// YAMLCodec encodes and decodes YAML documents.
type YAMLCodec struct{}

// NewYAMLCodec creates a YAML codec.
func NewYAMLCodec() *YAMLCodec {
	return &YAMLCodec{}
}

// ContentType implements Codec.
func (YAMLCodec) ContentType() string { return MIMEYAML }

// Parse implements Codec.
func (YAMLCodec) Parse(data []byte) (any, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Unmarshal implements Codec.
func (YAMLCodec) Unmarshal(data []byte, v any) error {
	return yaml.Unmarshal(data, v)
}

// Marshal implements Codec.
func (YAMLCodec) Marshal(v any) ([]byte, error) {
	return yaml.Marshal(v)
}

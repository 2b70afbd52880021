package codec

import (
	"fmt"
	"net/url"
)

// FormCodec handles application/x-www-form-urlencoded bodies. Its generic
// representation is url.Values.
type FormCodec struct{}

// NewFormCodec creates a form codec.
func NewFormCodec() *FormCodec {
	return &FormCodec{}
}

// ContentType implements Codec.
func (FormCodec) ContentType() string { return MIMEForm }

// Parse implements Codec.
func (FormCodec) Parse(data []byte) (any, error) {
	return url.ParseQuery(string(data))
}

// Unmarshal supports *url.Values, *map[string][]string and *map[string]string targets.
// The last value wins for single-valued maps.
func (FormCodec) Unmarshal(data []byte, v any) error {
	values, err := url.ParseQuery(string(data))
	if err != nil {
		return err
	}
	switch target := v.(type) {
	case *url.Values:
		*target = values
	case *map[string][]string:
		*target = values
	case *map[string]string:
		m := make(map[string]string, len(values))
		for k, vs := range values {
			if len(vs) > 0 {
				m[k] = vs[len(vs)-1]
			}
		}
		*target = m
	default:
		return fmt.Errorf("%w: form cannot decode into %T", ErrUnsupportedTarget, v)
	}
	return nil
}

// Marshal implements Codec.
func (FormCodec) Marshal(v any) ([]byte, error) {
	switch src := v.(type) {
	case url.Values:
		return []byte(src.Encode()), nil
	case map[string][]string:
		return []byte(url.Values(src).Encode()), nil
	case map[string]string:
		values := make(url.Values, len(src))
		for k, s := range src {
			values.Set(k, s)
		}
		return []byte(values.Encode()), nil
	}
	return nil, fmt.Errorf("%w: form cannot encode %T", ErrUnsupportedTarget, v)
}

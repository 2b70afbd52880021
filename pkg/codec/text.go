package codec

import (
	"fmt"
	"unicode/utf8"
)

// TextCodec handles text/plain bodies. Its generic representation is a string.
type TextCodec struct{}

// NewTextCodec creates a text codec.
func NewTextCodec() *TextCodec {
	return &TextCodec{}
}

// ContentType implements Codec.
func (TextCodec) ContentType() string { return MIMEText }

// Parse rejects bodies that are not valid UTF-8.
func (TextCodec) Parse(data []byte) (any, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("text body is not valid utf-8")
	}
	return string(data), nil
}

// Unmarshal supports *string and *[]byte targets.
func (c TextCodec) Unmarshal(data []byte, v any) error {
	switch target := v.(type) {
	case *string:
		s, err := c.Parse(data)
		if err != nil {
			return err
		}
		*target = s.(string)
	case *[]byte:
		*target = append((*target)[:0], data...)
	default:
		return fmt.Errorf("%w: text cannot decode into %T", ErrUnsupportedTarget, v)
	}
	return nil
}

// Marshal supports strings, byte slices, fmt.Stringer and errors.
func (TextCodec) Marshal(v any) ([]byte, error) {
	switch src := v.(type) {
	case string:
		return []byte(src), nil
	case []byte:
		return src, nil
	case fmt.Stringer:
		return []byte(src.String()), nil
	case error:
		return []byte(src.Error()), nil
	}
	return nil, fmt.Errorf("%w: text cannot encode %T", ErrUnsupportedTarget, v)
}

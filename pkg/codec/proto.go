package codec

import (
	"fmt"
	"reflect"

	"google.golang.org/protobuf/proto"
)

// For testing purposes, we expose these variables so they can be overridden in tests
var protoUnmarshal = proto.Unmarshal
var protoMarshal = proto.Marshal

var protoMessageType = reflect.TypeOf((*proto.Message)(nil)).Elem()

// ProtoCodec encodes and decodes Protocol Buffers messages. Protobuf has no
// self-describing representation, so Parse always fails with ErrSchemaRequired and
// bodies must be decoded into a concrete message type.
type ProtoCodec struct{}

// NewProtoCodec creates a protobuf codec.
func NewProtoCodec() *ProtoCodec {
	return &ProtoCodec{}
}

// ContentType implements Codec.
func (ProtoCodec) ContentType() string { return MIMEProtobuf }

// Parse implements Codec.
func (ProtoCodec) Parse([]byte) (any, error) {
	return nil, ErrSchemaRequired
}

// Unmarshal accepts a proto.Message, or a pointer to a nil message pointer (as produced by
// decoding into a generic T where T is *pb.Message), which is allocated first.
func (ProtoCodec) Unmarshal(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return protoUnmarshal(data, m)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer && !rv.IsNil() {
		elem := rv.Elem()
		if elem.Kind() == reflect.Pointer && elem.Type().Implements(protoMessageType) {
			if elem.IsNil() {
				elem.Set(reflect.New(elem.Type().Elem()))
			}
			return protoUnmarshal(data, elem.Interface().(proto.Message))
		}
	}
	return fmt.Errorf("%w: protobuf cannot decode into %T", ErrUnsupportedTarget, v)
}

// Marshal implements Codec.
func (ProtoCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%w: protobuf cannot encode %T", ErrUnsupportedTarget, v)
	}
	return protoMarshal(m)
}

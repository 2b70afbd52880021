package codec

import "github.com/vmihailenco/msgpack/v5"

// MsgPackCodec encodes and decodes MessagePack.
type MsgPackCodec struct{}

// NewMsgPackCodec creates a MessagePack codec.
func NewMsgPackCodec() *MsgPackCodec {
	return &MsgPackCodec{}
}

// ContentType implements Codec.
func (MsgPackCodec) ContentType() string { return MIMEMsgPack }

// Parse decodes into maps, slices and scalars. Maps use string keys.
func (MsgPackCodec) Parse(data []byte) (any, error) {
	var v any
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Unmarshal implements Codec.
func (MsgPackCodec) Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

// Marshal implements Codec.
func (MsgPackCodec) Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

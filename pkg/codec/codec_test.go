package codec

import (
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type book struct {
	Title  string `json:"title" msgpack:"title" yaml:"title" validate:"required"`
	Author string `json:"author,omitempty" msgpack:"author" yaml:"author"`
	Pages  int    `json:"pages" msgpack:"pages" yaml:"pages" validate:"gte=0"`
}

func TestRegistryLookup(t *testing.T) {
	r := NewDefaultRegistry()

	tests := []struct {
		contentType string
		want        string
	}{
		{"", MIMEJSON},
		{"application/json; charset=utf-8", MIMEJSON},
		{"APPLICATION/JSON", MIMEJSON},
		{"application/vnd.api+json", MIMEJSON},
		{"application/x-www-form-urlencoded", MIMEForm},
		{"text/plain; charset=utf-8", MIMEText},
		{"application/x-msgpack", MIMEMsgPack},
		{"text/yaml", MIMEYAML},
		{"application/protobuf", MIMEProtobuf},
	}
	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			c, err := r.Lookup(tt.contentType)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.ContentType())
		})
	}

	_, err := r.Lookup("image/png")
	assert.ErrorIs(t, err, ErrUnsupportedMediaType)
}

func TestRegistrySetDefault(t *testing.T) {
	r := NewDefaultRegistry()
	require.NoError(t, r.SetDefault(MIMEMsgPack))
	assert.Equal(t, MIMEMsgPack, r.Default().ContentType())
	assert.ErrorIs(t, r.SetDefault("application/unknown"), ErrUnsupportedMediaType)

	empty := NewRegistry()
	_, err := empty.Lookup("")
	assert.ErrorIs(t, err, ErrUnsupportedMediaType)
}

func TestParseRepresentations(t *testing.T) {
	r := NewDefaultRegistry()

	v, err := r.Parse([]byte(`{"title":"Dune","pages":412}`), MIMEJSON)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"title": "Dune", "pages": float64(412)}, v)

	v, err = r.Parse([]byte("title=Dune+Messiah&tag=a&tag=b"), MIMEForm)
	require.NoError(t, err)
	assert.Equal(t, url.Values{"title": {"Dune Messiah"}, "tag": {"a", "b"}}, v)

	v, err = r.Parse([]byte("hello"), MIMEText)
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	_, err = r.Parse([]byte{0xff, 0xfe}, MIMEText)
	assert.Error(t, err)

	v, err = r.Parse([]byte("title: Dune\npages: 412\n"), MIMEYAML)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"title": "Dune", "pages": 412}, v)

	_, err = r.Parse([]byte{0x01}, MIMEProtobuf)
	assert.ErrorIs(t, err, ErrSchemaRequired)

	_, err = r.Parse([]byte("{"), MIMEJSON)
	assert.Error(t, err)
}

func TestJSONUseNumber(t *testing.T) {
	c := &JSONCodec{UseNumber: true}
	v, err := c.Parse([]byte(`{"n":12345678901234567890}`))
	require.NoError(t, err)
	m := v.(map[string]any)
	assert.Equal(t, "12345678901234567890", m["n"].(interface{ String() string }).String())
}

func TestSerializeRoundTrip(t *testing.T) {
	r := NewDefaultRegistry()
	in := book{Title: "Dune", Author: "Herbert", Pages: 412}

	for _, ct := range []string{MIMEJSON, MIMEMsgPack, MIMEYAML} {
		t.Run(ct, func(t *testing.T) {
			data, sent, err := r.Serialize(in, ct)
			require.NoError(t, err)
			assert.Contains(t, sent, ct)

			var out book
			require.NoError(t, r.Unmarshal(data, ct, &out))
			assert.Equal(t, in, out)
		})
	}

	data, sent, err := r.Serialize(in, "")
	require.NoError(t, err)
	assert.Equal(t, "application/json; charset=utf-8", sent)
	assert.JSONEq(t, `{"title":"Dune","author":"Herbert","pages":412}`, string(data))
}

func TestFormCodecTargets(t *testing.T) {
	c := NewFormCodec()
	data := []byte("a=1&a=2&b=3")

	var values url.Values
	require.NoError(t, c.Unmarshal(data, &values))
	assert.Equal(t, []string{"1", "2"}, values["a"])

	var single map[string]string
	require.NoError(t, c.Unmarshal(data, &single))
	assert.Equal(t, map[string]string{"a": "2", "b": "3"}, single)

	var wrong int
	assert.ErrorIs(t, c.Unmarshal(data, &wrong), ErrUnsupportedTarget)

	out, err := c.Marshal(map[string]string{"q": "go lang"})
	require.NoError(t, err)
	assert.Equal(t, "q=go+lang", string(out))

	_, err = c.Marshal(42)
	assert.ErrorIs(t, err, ErrUnsupportedTarget)
}

func TestTextCodecTargets(t *testing.T) {
	c := NewTextCodec()

	var s string
	require.NoError(t, c.Unmarshal([]byte("hi"), &s))
	assert.Equal(t, "hi", s)

	var b []byte
	require.NoError(t, c.Unmarshal([]byte("raw"), &b))
	assert.Equal(t, []byte("raw"), b)

	out, err := c.Marshal(errors.New("boom"))
	require.NoError(t, err)
	assert.Equal(t, "boom", string(out))

	_, err = c.Marshal(3.14)
	assert.ErrorIs(t, err, ErrUnsupportedTarget)
}

func TestProtoCodec(t *testing.T) {
	c := NewProtoCodec()
	data, err := c.Marshal(wrapperspb.String("dune"))
	require.NoError(t, err)

	msg := &wrapperspb.StringValue{}
	require.NoError(t, c.Unmarshal(data, msg))
	assert.Equal(t, "dune", msg.GetValue())

	// Decoding into a nil message pointer allocates it.
	var typed *wrapperspb.StringValue
	require.NoError(t, c.Unmarshal(data, &typed))
	require.NotNil(t, typed)
	assert.True(t, proto.Equal(msg, typed))

	var wrong string
	assert.ErrorIs(t, c.Unmarshal(data, &wrong), ErrUnsupportedTarget)
	_, err = c.Marshal("not a message")
	assert.ErrorIs(t, err, ErrUnsupportedTarget)
}

func TestProtoCodecUsesInjectedFunctions(t *testing.T) {
	originalUnmarshal := protoUnmarshal
	defer func() { protoUnmarshal = originalUnmarshal }()

	called := false
	protoUnmarshal = func(b []byte, m proto.Message) error {
		called = true
		return errors.New("unmarshal failed")
	}
	err := NewProtoCodec().Unmarshal([]byte("x"), &wrapperspb.StringValue{})
	assert.True(t, called)
	assert.EqualError(t, err, "unmarshal failed")
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(book{Title: "Dune"}))
	assert.NoError(t, Validate("not a struct"))
	assert.NoError(t, Validate((*book)(nil)))

	err := Validate(&book{Pages: -1})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Fields, 2)
	assert.Equal(t, FieldError{Field: "title", Rule: "required"}, verr.Fields[0])
	assert.Equal(t, FieldError{Field: "pages", Rule: "gte", Param: "0"}, verr.Fields[1])
	assert.Contains(t, err.Error(), `title failed "required"`)
}

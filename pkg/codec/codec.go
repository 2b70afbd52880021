// Package codec provides the pluggable serialization subsystem: a registry of codecs keyed by
// media type that parses request bodies and serializes handler results.
package codec

import (
	"errors"
	"fmt"
	"mime"
	"strings"
	"sync"
)

// Media types understood by the built-in codecs.
const (
	MIMEJSON     = "application/json"
	MIMEForm     = "application/x-www-form-urlencoded"
	MIMEText     = "text/plain"
	MIMEMsgPack  = "application/msgpack"
	MIMEYAML     = "application/yaml"
	MIMEProtobuf = "application/x-protobuf"
)

var (
	// ErrUnsupportedMediaType is returned when no codec is registered for a content type.
	ErrUnsupportedMediaType = errors.New("unsupported media type")

	// ErrUnsupportedTarget is returned when a codec cannot decode into or encode from a Go type.
	ErrUnsupportedTarget = errors.New("unsupported target type")

	// ErrSchemaRequired is returned by codecs that cannot produce an untyped representation.
	ErrSchemaRequired = errors.New("codec requires a typed target")
)

// Codec serializes and parses a single media type.
type Codec interface {
	// ContentType returns the media type written in Content-Type headers.
	ContentType() string

	// Parse converts raw bytes into the codec's generic representation
	// (for example map[string]any for JSON, url.Values for forms).
	Parse(data []byte) (any, error)

	// Unmarshal decodes raw bytes into v, which must be a pointer.
	Unmarshal(data []byte, v any) error

	// Marshal encodes v.
	Marshal(v any) ([]byte, error)
}

// Registry maps media types to codecs. It is safe for concurrent use; registration
// normally happens once at startup and lookups dominate afterwards.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
	def    Codec
}

// NewRegistry creates a registry holding the given codecs. The first codec becomes the default.
func NewRegistry(codecs ...Codec) *Registry {
	r := &Registry{codecs: make(map[string]Codec)}
	for _, c := range codecs {
		r.Register(c)
	}
	return r
}

// NewDefaultRegistry returns a registry with every built-in codec and JSON as the default.
func NewDefaultRegistry() *Registry {
	r := NewRegistry(NewJSONCodec(), NewFormCodec(), NewTextCodec(), NewMsgPackCodec(), NewYAMLCodec(), NewProtoCodec())
	r.Alias("application/x-msgpack", MIMEMsgPack)
	r.Alias("application/vnd.msgpack", MIMEMsgPack)
	r.Alias("application/x-yaml", MIMEYAML)
	r.Alias("text/yaml", MIMEYAML)
	r.Alias("application/protobuf", MIMEProtobuf)
	r.Alias("application/problem+json", MIMEJSON)
	return r
}

// Register adds a codec under its content type. The first registered codec is the default.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[normalizeMediaType(c.ContentType())] = c
	if r.def == nil {
		r.def = c
	}
}

// Alias maps an extra media type onto an already registered one.
func (r *Registry) Alias(alias, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.codecs[normalizeMediaType(target)]; ok {
		r.codecs[normalizeMediaType(alias)] = c
	}
}

// SetDefault selects the codec used for empty content types and untyped results.
func (r *Registry) SetDefault(contentType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.codecs[normalizeMediaType(contentType)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedMediaType, contentType)
	}
	r.def = c
	return nil
}

// Default returns the default codec.
func (r *Registry) Default() Codec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.def
}

// Lookup finds the codec for a Content-Type header value. Media type parameters
// such as charset are ignored; an empty value selects the default codec.
func (r *Registry) Lookup(contentType string) (Codec, error) {
	mt := normalizeMediaType(contentType)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if mt == "" {
		if r.def == nil {
			return nil, ErrUnsupportedMediaType
		}
		return r.def, nil
	}
	if c, ok := r.codecs[mt]; ok {
		return c, nil
	}
	// Structured syntax suffixes, e.g. application/vnd.api+json.
	if i := strings.LastIndexByte(mt, '+'); i >= 0 {
		if c, ok := r.codecs["application/"+mt[i+1:]]; ok {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedMediaType, mt)
}

// Parse converts data using the codec registered for contentType.
func (r *Registry) Parse(data []byte, contentType string) (any, error) {
	c, err := r.Lookup(contentType)
	if err != nil {
		return nil, err
	}
	return c.Parse(data)
}

// Unmarshal decodes data into v using the codec registered for contentType.
func (r *Registry) Unmarshal(data []byte, contentType string, v any) error {
	c, err := r.Lookup(contentType)
	if err != nil {
		return err
	}
	return c.Unmarshal(data, v)
}

// Serialize encodes v with the codec registered for contentType (the default when empty)
// and returns the bytes together with the Content-Type to send.
func (r *Registry) Serialize(v any, contentType string) ([]byte, string, error) {
	c, err := r.Lookup(contentType)
	if err != nil {
		return nil, "", err
	}
	b, err := c.Marshal(v)
	if err != nil {
		return nil, "", err
	}
	return b, withCharset(c.ContentType()), nil
}

func normalizeMediaType(contentType string) string {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		if i := strings.IndexByte(contentType, ';'); i >= 0 {
			contentType = contentType[:i]
		}
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}

func withCharset(ct string) string {
	if strings.HasPrefix(ct, "text/") || ct == MIMEJSON {
		return ct + "; charset=utf-8"
	}
	return ct
}

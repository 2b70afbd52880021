package envelope

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"

	"github.com/Suhaibinator/SEngine/pkg/codec"
)

// ErrBodyTooLarge is returned when the request body exceeds the configured limit.
var ErrBodyTooLarge = errors.New("request body too large")

// ParseError is returned when the body cannot be read or parsed into the requested
// representation.
type ParseError struct {
	Representation string // media type that was requested
	Err            error
}

func (e *ParseError) Error() string {
	if e.Representation == "" {
		return fmt.Sprintf("read body: %v", e.Err)
	}
	return fmt.Sprintf("parse body as %s: %v", e.Representation, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ErrRepresentationLocked is wrapped in a ParseError when a body that was already parsed
// successfully is asked for a different representation.
var ErrRepresentationLocked = errors.New("body already parsed as another representation")

// body is the lazily read, memoized request body.
//
// The first successful parse fixes the representation: asking for it again returns the
// cached value, asking for another one fails. A failed parse leaves nothing cached.
type body struct {
	mu          sync.Mutex
	src         io.ReadCloser
	limit       int64
	contentType string
	codecs      *codec.Registry

	read    bool
	raw     []byte
	readErr error

	parsedAs string
	value    any
}

func newBody(src io.ReadCloser, limit int64, contentType string, codecs *codec.Registry) *body {
	return &body{src: src, limit: limit, contentType: contentType, codecs: codecs}
}

// bytesLocked reads the source once. Callers hold b.mu.
func (b *body) bytesLocked() ([]byte, error) {
	if b.read {
		return b.raw, b.readErr
	}
	b.read = true
	if b.src == nil {
		return nil, nil
	}
	defer b.src.Close()

	var reader io.Reader = b.src
	if b.limit > 0 {
		reader = io.LimitReader(b.src, b.limit+1)
	}
	raw, err := io.ReadAll(reader)
	switch {
	case err != nil:
		b.readErr = &ParseError{Err: err}
	case b.limit > 0 && int64(len(raw)) > b.limit:
		b.readErr = &ParseError{Err: ErrBodyTooLarge}
	default:
		b.raw = raw
	}
	return b.raw, b.readErr
}

func (b *body) parse(mediaType string) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.parsedAs != "" {
		if b.parsedAs == mediaType {
			return b.value, nil
		}
		return nil, &ParseError{Representation: mediaType, Err: fmt.Errorf("%w (%s)", ErrRepresentationLocked, b.parsedAs)}
	}

	raw, err := b.bytesLocked()
	if err != nil {
		return nil, err
	}
	c, err := b.codecs.Lookup(mediaType)
	if err != nil {
		return nil, &ParseError{Representation: mediaType, Err: err}
	}
	v, err := c.Parse(raw)
	if err != nil {
		return nil, &ParseError{Representation: mediaType, Err: err}
	}
	b.parsedAs = mediaType
	b.value = v
	return v, nil
}

func (b *body) detach() (*body, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	raw, err := b.bytesLocked()
	if err != nil {
		return nil, err
	}
	return &body{
		limit:       b.limit,
		contentType: b.contentType,
		codecs:      b.codecs,
		read:        true,
		raw:         bytes.Clone(raw),
		parsedAs:    b.parsedAs,
		value:       b.value,
	}, nil
}

// Body returns the raw body bytes, reading them on first call.
func (r *Request) Body() ([]byte, error) {
	r.body.mu.Lock()
	defer r.body.mu.Unlock()
	return r.body.bytesLocked()
}

// JSON parses the body as JSON. The result is cached.
func (r *Request) JSON() (any, error) {
	return r.body.parse(codec.MIMEJSON)
}

// Form parses the body as an urlencoded form. The result is cached.
func (r *Request) Form() (url.Values, error) {
	v, err := r.body.parse(codec.MIMEForm)
	if err != nil {
		return nil, err
	}
	return v.(url.Values), nil
}

// Text returns the body as UTF-8 text. The result is cached.
func (r *Request) Text() (string, error) {
	v, err := r.body.parse(codec.MIMEText)
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Parsed parses the body with the codec selected by the declared Content-Type.
func (r *Request) Parsed() (any, error) {
	c, err := r.codecs.Lookup(r.ContentType())
	if err != nil {
		return nil, &ParseError{Representation: r.ContentType(), Err: err}
	}
	return r.body.parse(c.ContentType())
}

// Decode unmarshals the body into a new T using the codec selected by the declared
// Content-Type, then validates it against its `validate` struct tags. Typed decoding does
// not affect the memoized representation.
func Decode[T any](r *Request) (T, error) {
	var out T
	raw, err := r.Body()
	if err != nil {
		return out, err
	}
	if err := r.codecs.Unmarshal(raw, r.ContentType(), &out); err != nil {
		var zero T
		return zero, &ParseError{Representation: r.ContentType(), Err: err}
	}
	if err := codec.Validate(out); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

package envelope

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/Suhaibinator/SEngine/pkg/codec"
)

// Kind identifies how a Response is written.
type Kind uint8

const (
	KindBytes    Kind = iota // Body holds the complete payload
	KindValue                // a structured value awaiting serialization
	KindNoContent            // empty body
	KindRedirect             // Location header, empty body
	KindFile                 // a file served from disk
	KindStream               // an incrementally written body
)

// Response is the result of handling a request. Post-middleware may inspect and rewrite it
// before it is written. Buffered responses (KindBytes, KindNoContent, KindRedirect and
// finalized KindValue) expose their payload in Body.
type Response struct {
	Status int
	Header http.Header
	Body   []byte

	kind        Kind
	value       any
	contentType string
	path        string
	stream      func(w io.Writer) error
	replayed    bool
}

func newResponse(status int, kind Kind) *Response {
	return &Response{Status: status, Header: make(http.Header), kind: kind}
}

// JSON returns a response that serializes v as JSON.
func JSON(status int, v any) *Response {
	resp := newResponse(status, KindValue)
	resp.value = v
	resp.contentType = codec.MIMEJSON
	return resp
}

// Encoded returns a response that serializes v with the given media type, or the registry
// default when contentType is empty.
func Encoded(status int, contentType string, v any) *Response {
	resp := newResponse(status, KindValue)
	resp.value = v
	resp.contentType = contentType
	return resp
}

// Text returns a text/plain response.
func Text(status int, s string) *Response {
	return Bytes(status, "text/plain; charset=utf-8", []byte(s))
}

// HTML returns a text/html response.
func HTML(status int, s string) *Response {
	return Bytes(status, "text/html; charset=utf-8", []byte(s))
}

// Bytes returns a response with a raw payload.
func Bytes(status int, contentType string, b []byte) *Response {
	resp := newResponse(status, KindBytes)
	if contentType != "" {
		resp.Header.Set("Content-Type", contentType)
	}
	resp.Body = b
	return resp
}

// NoContent returns an empty 204 response.
func NoContent() *Response {
	return newResponse(http.StatusNoContent, KindNoContent)
}

// Redirect returns a redirect to location. Status defaults to 302 when not a 3xx code.
func Redirect(status int, location string) *Response {
	if status < 300 || status > 399 {
		status = http.StatusFound
	}
	resp := newResponse(status, KindRedirect)
	resp.Header.Set("Location", location)
	return resp
}

// File returns a response that serves the file at path. Range and conditional
// requests are honoured.
func File(path string) *Response {
	resp := newResponse(http.StatusOK, KindFile)
	resp.path = path
	return resp
}

// Stream returns a response whose body is produced by fn. Streams bypass buffering
// middleware such as compression and caching.
func Stream(status int, contentType string, fn func(w io.Writer) error) *Response {
	resp := newResponse(status, KindStream)
	if contentType != "" {
		resp.Header.Set("Content-Type", contentType)
	}
	resp.stream = fn
	return resp
}

// Kind returns how the response will be written.
func (r *Response) Kind() Kind {
	return r.kind
}

// Value returns the pending structured value of a KindValue response.
func (r *Response) Value() any {
	return r.value
}

// Buffered reports whether the full payload is available in Body.
func (r *Response) Buffered() bool {
	switch r.kind {
	case KindBytes, KindNoContent, KindRedirect:
		return true
	}
	return false
}

// MarkReplayed flags r as a stored copy of an earlier response. The router still
// evaluates the route's guards before a replayed response is released.
func (r *Response) MarkReplayed() {
	r.replayed = true
}

// Replayed reports whether r was marked with MarkReplayed.
func (r *Response) Replayed() bool {
	return r.replayed
}

// SetBody replaces the payload of a buffered response.
func (r *Response) SetBody(b []byte) {
	r.Body = b
	if r.kind == KindNoContent && len(b) > 0 {
		r.kind = KindBytes
	}
}

// Finalize serializes a pending structured value, turning the response into KindBytes.
// It is a no-op for every other kind.
func (r *Response) Finalize(codecs *codec.Registry) error {
	if r.kind != KindValue {
		return nil
	}
	if codecs == nil {
		codecs = DefaultCodecs()
	}
	b, ct, err := codecs.Serialize(r.value, r.contentType)
	if err != nil {
		return fmt.Errorf("serialize response: %w", err)
	}
	if r.Header == nil {
		r.Header = make(http.Header)
	}
	r.Header.Set("Content-Type", ct)
	r.Body = b
	r.kind = KindBytes
	r.value = nil
	return nil
}

// Size returns the payload size of a buffered response, or -1 when unknown.
func (r *Response) Size() int {
	if r.Buffered() {
		return len(r.Body)
	}
	return -1
}

// Clone returns a copy that can be modified independently of r.
func (r *Response) Clone() *Response {
	c := *r
	c.Header = r.Header.Clone()
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return &c
}

// Write sends the response and returns the number of body bytes written.
// Unfinalized values are serialized with the default registry.
func (r *Response) Write(w http.ResponseWriter, req *http.Request) (int64, error) {
	if r.kind == KindValue {
		if err := r.Finalize(nil); err != nil {
			return 0, err
		}
	}
	dst := w.Header()
	for k, vs := range r.Header {
		dst[k] = append([]string(nil), vs...)
	}

	cw := &countingWriter{ResponseWriter: w}
	switch r.kind {
	case KindFile:
		http.ServeFile(cw, req, r.path)
		return cw.n, nil
	case KindStream:
		w.WriteHeader(r.Status)
		if r.stream == nil {
			return 0, nil
		}
		err := r.stream(cw)
		return cw.n, err
	}

	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}
	if bodyAllowed(status) {
		dst.Set("Content-Length", strconv.Itoa(len(r.Body)))
	} else {
		dst.Del("Content-Length")
	}
	w.WriteHeader(status)
	if !bodyAllowed(status) || (req != nil && req.Method == http.MethodHead) || len(r.Body) == 0 {
		return 0, nil
	}
	_, err := cw.Write(r.Body)
	return cw.n, err
}

func bodyAllowed(status int) bool {
	return !(status >= 100 && status < 200) && status != http.StatusNoContent && status != http.StatusNotModified
}

// countingWriter counts body bytes and forwards flushes.
type countingWriter struct {
	http.ResponseWriter
	n int64
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.ResponseWriter.Write(b)
	c.n += int64(n)
	return n, err
}

func (c *countingWriter) Flush() {
	if f, ok := c.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

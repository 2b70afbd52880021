package bridge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/Suhaibinator/SEngine/pkg/codec"
	"github.com/Suhaibinator/SEngine/pkg/envelope"
)

// Kind tells the bridge where a handler runs.
type Kind int

const (
	// Blocking handlers run on the worker pool and are never interrupted.
	Blocking Kind = iota
	// Cooperative handlers run as scheduled goroutines and observe cancellation through
	// their context.
	Cooperative
)

func (k Kind) String() string {
	if k == Cooperative {
		return "cooperative"
	}
	return "blocking"
}

// BlockingFunc is the signature of a blocking handler.
type BlockingFunc func(req *envelope.Request) (any, error)

// CooperativeFunc is the signature of a cooperative handler.
type CooperativeFunc func(ctx context.Context, req *envelope.Request) (any, error)

// Handler is a classified handler.
type Handler struct {
	kind        Kind
	blocking    BlockingFunc
	cooperative CooperativeFunc
}

// Kind returns the classification.
func (h Handler) Kind() Kind {
	return h.kind
}

// IsZero reports whether h wraps no function.
func (h Handler) IsZero() bool {
	return h.blocking == nil && h.cooperative == nil
}

// NewBlocking wraps fn as a blocking handler.
func NewBlocking(fn BlockingFunc) Handler {
	return Handler{kind: Blocking, blocking: fn}
}

// NewCooperative wraps fn as a cooperative handler.
func NewCooperative(fn CooperativeFunc) Handler {
	return Handler{kind: Cooperative, cooperative: fn}
}

// Classify converts a supported handler value into a Handler. It is called once per route
// at registration. Supported values are Handler, BlockingFunc, CooperativeFunc and their
// plain function equivalents, handlers returning *envelope.Response, and http.Handler.
func Classify(h any) (Handler, error) {
	switch fn := h.(type) {
	case nil:
		return Handler{}, fmt.Errorf("bridge: nil handler")
	case Handler:
		if fn.IsZero() {
			return Handler{}, fmt.Errorf("bridge: empty handler")
		}
		return fn, nil
	case BlockingFunc:
		return NewBlocking(fn), nil
	case func(*envelope.Request) (any, error):
		return NewBlocking(fn), nil
	case func(*envelope.Request) (*envelope.Response, error):
		return NewBlocking(func(req *envelope.Request) (any, error) { return fn(req) }), nil
	case CooperativeFunc:
		return NewCooperative(fn), nil
	case func(context.Context, *envelope.Request) (any, error):
		return NewCooperative(fn), nil
	case func(context.Context, *envelope.Request) (*envelope.Response, error):
		return NewCooperative(func(ctx context.Context, req *envelope.Request) (any, error) { return fn(ctx, req) }), nil
	case func(http.ResponseWriter, *http.Request):
		return FromHTTP(http.HandlerFunc(fn)), nil
	case http.Handler:
		return FromHTTP(fn), nil
	default:
		return Handler{}, fmt.Errorf("bridge: unsupported handler type %T", h)
	}
}

// FromHTTP adapts a standard library handler. Its output is buffered so post-middleware
// can still see and rewrite the response.
func FromHTTP(h http.Handler) Handler {
	return NewBlocking(func(req *envelope.Request) (any, error) {
		std, err := stdRequest(req)
		if err != nil {
			return nil, err
		}
		rec := envelope.NewRecorder()
		h.ServeHTTP(rec, std)
		return rec.Result(), nil
	})
}

func stdRequest(req *envelope.Request) (*http.Request, error) {
	raw, err := req.Body()
	if err != nil {
		return nil, err
	}
	var std *http.Request
	if orig := req.Std(); orig != nil {
		std = orig.Clone(req.Context())
	} else {
		std, err = http.NewRequestWithContext(req.Context(), req.Method, req.Path, nil)
		if err != nil {
			return nil, err
		}
	}
	std.Header = req.Headers().Clone()
	std.Body = io.NopCloser(bytes.NewReader(raw))
	std.ContentLength = int64(len(raw))
	for _, p := range req.Params() {
		std.SetPathValue(p.Key, p.Value)
	}
	return std, nil
}

// decodeInput decodes the body into a T. An empty body yields the zero value, which is
// still validated.
func decodeInput[T any](req *envelope.Request) (T, error) {
	raw, err := req.Body()
	if err != nil {
		var zero T
		return zero, err
	}
	if len(raw) == 0 {
		var zero T
		return zero, codec.Validate(zero)
	}
	return envelope.Decode[T](req)
}

// Typed adapts a blocking handler taking a decoded and validated request body of type T.
func Typed[T, U any](fn func(req *envelope.Request, in T) (U, error)) Handler {
	return NewBlocking(func(req *envelope.Request) (any, error) {
		in, err := decodeInput[T](req)
		if err != nil {
			return nil, err
		}
		return fn(req, in)
	})
}

// TypedContext adapts a cooperative handler taking a decoded and validated body of type T.
func TypedContext[T, U any](fn func(ctx context.Context, req *envelope.Request, in T) (U, error)) Handler {
	return NewCooperative(func(ctx context.Context, req *envelope.Request) (any, error) {
		in, err := decodeInput[T](req)
		if err != nil {
			return nil, err
		}
		return fn(ctx, req, in)
	})
}

// ToResponse converts a handler result into a Response. A *envelope.Response is used as
// is, nil becomes 204 No Content and any other value is serialized by the default codec
// with status 200.
func ToResponse(v any) *envelope.Response {
	switch r := v.(type) {
	case nil:
		return envelope.NoContent()
	case *envelope.Response:
		if r == nil {
			return envelope.NoContent()
		}
		return r
	default:
		return envelope.Encoded(http.StatusOK, "", v)
	}
}

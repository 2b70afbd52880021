package router

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Suhaibinator/SEngine/pkg/codec"
	"github.com/Suhaibinator/SEngine/pkg/common"
	"github.com/Suhaibinator/SEngine/pkg/envelope"
	"github.com/Suhaibinator/SEngine/pkg/scontext"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

var (
	// ErrFrozen is returned when routes are registered after the route table was built.
	ErrFrozen = errors.New("router: route table is frozen")

	// ErrShuttingDown is returned by Start or HandleConnection once Shutdown was called.
	ErrShuttingDown = errors.New("router: shutting down")
)

// StatusClientClosedRequest is recorded for requests whose client went away before the
// response was ready. Nothing is written for them.
const StatusClientClosedRequest = 499

// errorBody is the JSON error payload: {"error":{"message":...,"trace_id":...}}.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string             `json:"message"`
	TraceID string             `json:"trace_id,omitempty"`
	Fields  []codec.FieldError `json:"fields,omitempty"`
	Detail  string             `json:"detail,omitempty"`
	Stack   string             `json:"stack,omitempty"`
}

// classify maps an error to the status and client message it is answered with.
func classify(err error) (int, string) {
	var (
		httpErr  *common.HTTPError
		parseErr *envelope.ParseError
		validErr *codec.ValidationError
	)
	switch {
	case errors.As(err, &httpErr):
		return httpErr.StatusCode, httpErr.Message
	case errors.As(err, &validErr):
		return http.StatusUnprocessableEntity, "Validation failed"
	case errors.Is(err, envelope.ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge, "Request Entity Too Large"
	case errors.Is(err, codec.ErrUnsupportedMediaType):
		return http.StatusUnsupportedMediaType, "Unsupported Media Type"
	case errors.As(err, &parseErr):
		return http.StatusBadRequest, "Bad Request"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "Gateway Timeout"
	default:
		return http.StatusInternalServerError, "Internal Server Error"
	}
}

// errorResponse converts an error from any pipeline stage into the response sent to the
// client, logging it at a level matching its status.
func (r *Router) errorResponse(req *envelope.Request, err error) *envelope.Response {
	status, message := classify(err)
	traceID := scontext.GetTraceID(req.Context())

	fields := []zap.Field{
		zap.Error(err),
		zap.Int("status", status),
		zap.String("method", req.Method),
		zap.String("path", req.Path),
	}
	if req.Route != "" {
		fields = append(fields, zap.String("route", req.Route))
	}
	if traceID != "" {
		fields = append([]zap.Field{zap.String("trace_id", traceID)}, fields...)
	}

	detail := errorDetail{Message: message, TraceID: traceID}

	var panicErr *common.PanicError
	switch {
	case errors.As(err, &panicErr):
		r.logger.Error("Panic recovered", append(fields, zap.ByteString("stack", panicErr.Stack))...)
		if r.config.Environment == Development {
			detail.Detail = fmt.Sprint(panicErr.Value)
			detail.Stack = string(panicErr.Stack)
		}
	case status == http.StatusGatewayTimeout:
		r.logger.Error("Request timed out", fields...)
	case status >= http.StatusInternalServerError:
		r.logger.Error(message, fields...)
		if r.config.Environment == Development {
			detail.Detail = err.Error()
		}
	default:
		r.logger.Debug(message, fields...)
	}

	var validErr *codec.ValidationError
	if errors.As(err, &validErr) {
		detail.Fields = validErr.Fields
	}

	resp := jsonError(status, detail)
	var httpErr *common.HTTPError
	if errors.As(err, &httpErr) {
		for k, vs := range httpErr.Header {
			resp.Header[k] = append([]string(nil), vs...)
		}
	}
	return resp
}

// jsonError builds the JSON error response for status and detail.
func jsonError(status int, detail errorDetail) *envelope.Response {
	body, err := json.Marshal(errorBody{Error: detail})
	if err != nil {
		body = []byte(`{"error":{"message":"Internal Server Error"}}`)
		status = http.StatusInternalServerError
	}
	return envelope.Bytes(status, "application/json; charset=utf-8", body)
}

// statusResponse is a plain JSON error for the router's own answers (404, 405, 503).
func (r *Router) statusResponse(req *envelope.Request, status int) *envelope.Response {
	return jsonError(status, errorDetail{
		Message: http.StatusText(status),
		TraceID: scontext.GetTraceID(req.Context()),
	})
}

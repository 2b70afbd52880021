package envelope

import (
	"bytes"
	"net/http"
)

// Recorder is an http.ResponseWriter that buffers what a plain http.Handler writes so
// the result can flow through post-middleware as a Response.
type Recorder struct {
	header      http.Header
	body        bytes.Buffer
	status      int
	wroteHeader bool
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{header: make(http.Header)}
}

// Header implements http.ResponseWriter.
func (rec *Recorder) Header() http.Header {
	return rec.header
}

// WriteHeader implements http.ResponseWriter. Only the first call has an effect.
func (rec *Recorder) WriteHeader(status int) {
	if rec.wroteHeader {
		return
	}
	rec.status = status
	rec.wroteHeader = true
}

// Write implements http.ResponseWriter.
func (rec *Recorder) Write(b []byte) (int, error) {
	if !rec.wroteHeader {
		rec.WriteHeader(http.StatusOK)
	}
	return rec.body.Write(b)
}

// Flush is a no-op; the recorder keeps everything until Result is called.
func (rec *Recorder) Flush() {}

// Result converts the recorded output into a buffered Response.
func (rec *Recorder) Result() *Response {
	status := rec.status
	if status == 0 {
		status = http.StatusOK
	}
	kind := KindBytes
	if rec.body.Len() == 0 && status == http.StatusNoContent {
		kind = KindNoContent
	}
	resp := newResponse(status, kind)
	resp.Header = rec.header.Clone()
	if ct := resp.Header.Get("Content-Type"); ct == "" && rec.body.Len() > 0 {
		resp.Header.Set("Content-Type", http.DetectContentType(rec.body.Bytes()))
	}
	resp.Body = bytes.Clone(rec.body.Bytes())
	return resp
}

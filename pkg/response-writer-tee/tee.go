// Package tee records what a handler writes so it can be used as a network response.
package tee

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
)

// ResponseSaver records status, headers and body written by a handler.
type ResponseSaver struct {
	body      bytes.Buffer
	header    http.Header
	status    int
	committed bool
}

func (t *ResponseSaver) Header() http.Header {
	return t.header
}

// WriteHeader records the status. Only the first call has an effect, like on a real connection.
func (t *ResponseSaver) WriteHeader(statusCode int) {
	if t.committed {
		return
	}
	t.committed = true
	t.status = statusCode
}

func (t *ResponseSaver) Write(b []byte) (int, error) {
	if !t.committed {
		t.WriteHeader(http.StatusOK)
	}
	return t.body.Write(b)
}

// Body returns the recorded body.
func (t *ResponseSaver) Body() []byte {
	return t.body.Bytes()
}

// StatusCode returns the recorded status, 200 if the handler never set one.
func (t *ResponseSaver) StatusCode() int {
	if !t.committed {
		return http.StatusOK
	}
	return t.status
}

// Response builds an *http.Response for req from what was recorded.
// The body is copied, so the saver may be discarded afterwards.
func (t *ResponseSaver) Response(req *http.Request) *http.Response {
	status := t.StatusCode()
	body := bytes.Clone(t.body.Bytes())
	header := t.header.Clone()
	if header.Get("Content-Length") == "" {
		header.Set("Content-Length", strconv.Itoa(len(body)))
	}
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// NewResponseSaver returns an empty recorder.
func NewResponseSaver() *ResponseSaver {
	return &ResponseSaver{header: http.Header{}}
}

package serializer

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/always-cache/advanced-cache/cache"
	"github.com/always-cache/advanced-cache/pkg/freshness"
)

// Entry converts a response into a cache entry.
// The body is read fully and set back on the response so that it can still be sent to the client.
// The storage time is recorded both on the entry and in the StoredAtHeader.
func Entry(res *http.Response, storedAt time.Time) (cache.Entry, error) {
	body, err := ReadBody(res)
	if err != nil {
		return cache.Entry{}, err
	}
	headers := make(map[string]string, len(res.Header)+1)
	for name, values := range res.Header {
		headers[name] = strings.Join(values, ", ")
	}
	headers[freshness.StoredAtHeader] = strconv.FormatInt(storedAt.Unix(), 10)
	return cache.Entry{
		StoredAt:   storedAt,
		StatusCode: res.StatusCode,
		Headers:    headers,
		Body:       body,
	}, nil
}

// Response converts a stored entry back into a response for the given request.
// Every call returns a new response with its own body reader.
func Response(entry cache.Entry, req *http.Request) *http.Response {
	status := entry.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	header := make(http.Header, len(entry.Headers))
	for name, value := range entry.Headers {
		header.Set(name, value)
	}
	// internal bookkeeping, not for clients
	header.Del(freshness.StoredAtHeader)
	header.Set("Content-Length", strconv.Itoa(len(entry.Body)))
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(entry.Body)),
		ContentLength: int64(len(entry.Body)),
		Request:       req,
	}
}

// ReadBody reads and closes the response body, replacing it with an in-memory copy.
func ReadBody(res *http.Response) ([]byte, error) {
	if res.Body == nil || res.Body == http.NoBody {
		res.Body = http.NoBody
		return nil, nil
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return nil, err
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// Clone returns a copy of a buffered response that can be consumed independently.
func Clone(res *http.Response, body []byte) *http.Response {
	c := *res
	c.Header = res.Header.Clone()
	c.Body = io.NopCloser(bytes.NewReader(body))
	return &c
}

// Successful reports whether the status code may be stored.
func Successful(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

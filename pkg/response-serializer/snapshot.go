package serializer

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	hopheader "github.com/always-cache/offline-cache/pkg/hop-header"

	"github.com/vmihailenco/msgpack/v5"
)

// Snapshot is an immutable copy of a response, as captured when it was stored.
type Snapshot struct {
	StatusCode int         `msgpack:"status"`
	Status     string      `msgpack:"status_text"`
	Header     http.Header `msgpack:"header"`
	Body       []byte      `msgpack:"body"`
	// The value of the clock when the snapshot was taken.
	StoredAt time.Time `msgpack:"stored_at"`
}

// FromResponse captures the response into a snapshot.
// The body is read completely and closed; res.Body is replaced with a reader
// over the captured bytes, so the response can still be sent on.
func FromResponse(res *http.Response) (Snapshot, error) {
	s := Snapshot{
		StatusCode: res.StatusCode,
		Status:     statusText(res),
		Header:     hopheader.Strip(res.Header),
		StoredAt:   time.Now(),
	}
	if res.Body != nil {
		body, err := io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return s, fmt.Errorf("read response body: %w", err)
		}
		s.Body = body
		res.Body = io.NopCloser(bytes.NewReader(body))
	}
	if s.Body == nil {
		s.Body = []byte{}
	}
	return s, nil
}

// Synthetic creates a minimal response generated locally rather than by the network.
// A non-empty body is sent as plain text.
func Synthetic(statusCode int, body string) Snapshot {
	s := Snapshot{
		StatusCode: statusCode,
		Status:     http.StatusText(statusCode),
		Header:     http.Header{},
		Body:       []byte(body),
		StoredAt:   time.Now(),
	}
	if body != "" {
		s.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	}
	return s
}

// Encode serializes the snapshot for storage.
func Encode(s Snapshot) ([]byte, error) {
	return msgpack.Marshal(s)
}

// Decode deserializes a stored snapshot.
func Decode(b []byte) (Snapshot, error) {
	var s Snapshot
	if err := msgpack.Unmarshal(b, &s); err != nil {
		return s, err
	}
	if s.StatusCode < 100 || s.StatusCode > 999 {
		return s, fmt.Errorf("invalid stored status code %d", s.StatusCode)
	}
	if s.Header == nil {
		s.Header = http.Header{}
	}
	return s, nil
}

// WriteTo writes the exact stored status, headers and body to w.
func (s Snapshot) WriteTo(w http.ResponseWriter) (int64, error) {
	header := w.Header()
	for name, values := range s.Header {
		header[name] = append([]string(nil), values...)
	}
	if header.Get("Content-Length") == "" {
		header.Set("Content-Length", strconv.Itoa(len(s.Body)))
	}
	w.WriteHeader(s.StatusCode)
	n, err := w.Write(s.Body)
	return int64(n), err
}

// Response creates a response to req from the snapshot.
func (s Snapshot) Response(req *http.Request) *http.Response {
	return &http.Response{
		Status:        strconv.Itoa(s.StatusCode) + " " + s.Status,
		StatusCode:    s.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        s.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

// statusText gets the reason phrase, i.e. "OK" from "200 OK".
func statusText(res *http.Response) string {
	if _, text, found := strings.Cut(res.Status, " "); found && text != "" {
		return text
	}
	return http.StatusText(res.StatusCode)
}

package metrics

import (
	"bufio"
	"net"
	"net/http"
	"time"
)

// ResponseRecorder captures the status code written by a downstream handler.
type ResponseRecorder struct {
	http.ResponseWriter
	status int
}

// NewResponseRecorder wraps w, defaulting the recorded status to 200.
func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{ResponseWriter: w, status: http.StatusOK}
}

// WriteHeader records the status before delegating.
func (rr *ResponseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

// Status returns the recorded status code.
func (rr *ResponseRecorder) Status() int {
	return rr.status
}

// Flush forwards to the underlying writer when it supports flushing, so
// streamed transform responses keep their time-to-first-byte behaviour.
func (rr *ResponseRecorder) Flush() {
	if flusher, ok := rr.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack forwards to the underlying writer so WebSocket upgrades keep
// working behind the middleware chain.
func (rr *ResponseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rr.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// Middleware observes every request on the recorder.
func Middleware(recorder *Recorder, next http.Handler) http.Handler {
	if recorder == nil {
		recorder = Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rr := NewResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(rr, r)
		recorder.ObserveRequest(r.Method, r.URL.Path, rr.Status(), time.Since(start))
	})
}

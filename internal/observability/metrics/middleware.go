package metrics

import (
	"io"
	"net/http"
	"time"
)

// StatusWriter wraps an http.ResponseWriter so the final status code can be
// read after the handler returns. Flush is forwarded because the control API
// serves server-sent event streams, and Unwrap lets http.ResponseController
// reach any other optional interfaces on the underlying writer.
type StatusWriter struct {
	http.ResponseWriter
	status int
}

// NewStatusWriter wraps w, defaulting the status to 200 OK for handlers that
// never call WriteHeader.
func NewStatusWriter(w http.ResponseWriter) *StatusWriter {
	return &StatusWriter{ResponseWriter: w, status: http.StatusOK}
}

// Status reports the last status code written to the response.
func (sw *StatusWriter) Status() int {
	return sw.status
}

func (sw *StatusWriter) WriteHeader(status int) {
	sw.status = status
	sw.ResponseWriter.WriteHeader(status)
}

// Flush pushes buffered data to the client when the underlying writer
// supports it. Event stream endpoints rely on this after every event.
func (sw *StatusWriter) Flush() {
	if flusher, ok := sw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (sw *StatusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// ReadFrom keeps the sendfile fast path when the underlying writer has one.
func (sw *StatusWriter) ReadFrom(r io.Reader) (int64, error) {
	if readerFrom, ok := sw.ResponseWriter.(io.ReaderFrom); ok {
		return readerFrom.ReadFrom(r)
	}
	return io.Copy(sw.ResponseWriter, r)
}

// HTTPMiddleware observes every request on the given recorder, falling back
// to the process default when recorder is nil. Paths are normalized by the
// recorder so tenant and resource ids do not fan out the label set.
func HTTPMiddleware(recorder *Recorder, next http.Handler) http.Handler {
	rec := recorder
	if rec == nil {
		rec = Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := NewStatusWriter(w)
		start := time.Now()
		next.ServeHTTP(sw, r)
		rec.ObserveRequest(r.Method, r.URL.Path, sw.Status(), time.Since(start))
	})
}

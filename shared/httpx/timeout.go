package httpx

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"
)

// WithTimeout gives next a context that ends after timeout. The response is streamed to the
// client as it is written. If the deadline passes before next has written anything the client
// gets a 504 TIMEOUT envelope; otherwise the partial response stands. Either way writes made
// after the deadline fail with http.ErrHandlerTimeout. A panic in next is re-raised on the
// calling goroutine so outer recovery still sees it.
func WithTimeout(timeout time.Duration, next http.Handler) http.Handler {
	if timeout <= 0 {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		tw := &deadlineWriter{w: w, ctx: ctx, header: make(http.Header)}
		done := make(chan struct{})
		var panicked any
		go func() {
			defer close(done)
			defer func() { panicked = recover() }()
			next.ServeHTTP(tw, r.WithContext(ctx))
		}()

		finished := false
		select {
		case <-done:
			finished = true
			if panicked != nil {
				panic(panicked)
			}
		case <-ctx.Done():
		}

		tw.mu.Lock()
		defer tw.mu.Unlock()
		tw.expired = true
		switch {
		case tw.wroteHeader:
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			WriteError(w, r, http.StatusGatewayTimeout, "TIMEOUT", "request timeout", nil)
		case finished:
			// next returned without writing; send its staged headers with an implicit 200.
			tw.writeHeaderLocked(http.StatusOK)
		}
	})
}

// deadlineWriter forwards to w until the deadline. Headers set by the handler are staged in
// header and copied onto w when the status line is written.
type deadlineWriter struct {
	w      http.ResponseWriter
	ctx    context.Context
	header http.Header

	mu          sync.Mutex
	wroteHeader bool
	expired     bool
}

func (tw *deadlineWriter) Header() http.Header { return tw.header }

func (tw *deadlineWriter) WriteHeader(statusCode int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.closedLocked() || tw.wroteHeader {
		return
	}
	tw.writeHeaderLocked(statusCode)
}

func (tw *deadlineWriter) Write(p []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.closedLocked() {
		return 0, http.ErrHandlerTimeout
	}
	if !tw.wroteHeader {
		tw.writeHeaderLocked(http.StatusOK)
	}
	return tw.w.Write(p)
}

func (tw *deadlineWriter) Flush() {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.closedLocked() {
		return
	}
	if f, ok := tw.w.(http.Flusher); ok {
		f.Flush()
	}
}

func (tw *deadlineWriter) closedLocked() bool {
	return tw.expired || tw.ctx.Err() != nil
}

func (tw *deadlineWriter) writeHeaderLocked(statusCode int) {
	dst := tw.w.Header()
	for k, vv := range tw.header {
		dst[k] = append([]string(nil), vv...)
	}
	tw.wroteHeader = true
	tw.w.WriteHeader(statusCode)
}

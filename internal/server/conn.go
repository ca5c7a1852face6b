package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/Kush-Singh-26/kosh-serve/internal/static"
)

const (
	bufferSize = 32 * 1024
	// Request line plus headers may not exceed this
	maxHeaderBytes = 1 << 20
	// Unread request bodies up to this size are drained to keep the
	// connection alive; anything larger closes it.
	maxDrain = 256 * 1024
)

// serveConn handles every request on c, in order, then closes it.
func (s *Server) serveConn(c net.Conn) {
	s.metrics.IncrementConnections()
	s.setActive(c)
	defer s.setActive(nil)
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lr := &io.LimitedReader{R: c, N: math.MaxInt64}
	br := bufio.NewReaderSize(lr, bufferSize)
	bw := bufio.NewWriterSize(c, bufferSize)

	first := true
	for {
		if !s.armRead(c, first) {
			return
		}

		lr.N = maxHeaderBytes + bufferSize
		req, err := http.ReadRequest(br)
		exhausted := lr.N == 0
		lr.N = math.MaxInt64
		if err != nil {
			if !exhausted && !isMalformed(err) {
				return
			}
			s.metrics.IncrementMalformed()
			s.logger.Warn("Malformed request", "remote", c.RemoteAddr().String(), "error", err)
			s.writeBadRequest(bw)
			return
		}
		first = false

		if !s.serveRequest(ctx, c, bw, req) {
			return
		}
	}
}

// isMalformed separates protocol errors from a client that went away or
// timed out; only the former get a 400.
func isMalformed(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return false
	}
	var oe *net.OpError
	return !errors.As(err, &oe)
}

// serveRequest runs the handler for one request and reports whether the
// connection may carry another one.
func (s *Server) serveRequest(ctx context.Context, c net.Conn, bw *bufio.Writer, req *http.Request) bool {
	req.RemoteAddr = c.RemoteAddr().String()
	req = req.WithContext(ctx)
	s.armWrite(c)

	w := newResponse(bw, req, req.Close)
	if !s.runHandler(w, req) {
		s.metrics.RecordResponse(req.Method, w.status, w.written)
		return false
	}
	if err := w.finish(); err != nil {
		s.logger.Warn("Failed to write response", "remote", req.RemoteAddr, "error", err)
		return false
	}
	s.metrics.RecordResponse(req.Method, w.status, w.written)

	if req.Body != nil {
		n, err := io.CopyN(io.Discard, req.Body, maxDrain+1)
		_ = req.Body.Close()
		if n > maxDrain || (err != nil && !errors.Is(err, io.EOF)) {
			return false
		}
	}
	return !w.closeAfter
}

// runHandler calls the handler, turning a panic into a 500 when nothing
// has been sent yet. It returns false when the connection must be dropped.
func (s *Server) runHandler(w *response, req *http.Request) (ok bool) {
	defer func() {
		v := recover()
		if v == nil {
			return
		}
		if v != http.ErrAbortHandler {
			s.logger.Error("Handler panic", "path", req.URL.Path, "panic", v, "stack", string(debug.Stack()))
		}
		if w.wroteHeader || v == http.ErrAbortHandler {
			ok = false
			return
		}
		w.header = make(http.Header)
		w.closeAfter = true
		static.WriteError(w, req, http.StatusInternalServerError, static.MsgInternalError)
		ok = true
	}()

	s.handler.ServeHTTP(w, req)
	return true
}

// writeBadRequest answers a request that could not be parsed, then the
// connection is closed.
func (s *Server) writeBadRequest(bw *bufio.Writer) {
	req := &http.Request{
		Method:     http.MethodGet,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
	}
	w := newResponse(bw, req, true)
	static.WriteError(w, req, http.StatusBadRequest, static.MsgBadRequest)
	if err := w.finish(); err == nil {
		s.metrics.RecordResponse("", w.status, w.written)
	}
}

func (s *Server) setActive(c net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = c
}

// armRead sets the read deadline before waiting for the next request.
// It returns false once shutdown has begun.
func (s *Server) armRead(c net.Conn, first bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown {
		return false
	}

	timeout := s.cfg.ReadTimeout
	if !first {
		timeout = s.cfg.IdleTimeout
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	_ = c.SetReadDeadline(deadline)
	return true
}

// armWrite sets the write deadline for one response. During shutdown the
// deadline set by beginShutdown is kept.
func (s *Server) armWrite(c net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown {
		return
	}
	var deadline time.Time
	if s.cfg.WriteTimeout > 0 {
		deadline = time.Now().Add(s.cfg.WriteTimeout)
	}
	_ = c.SetWriteDeadline(deadline)
}

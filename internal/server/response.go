package server

import (
	"bufio"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// serverName is sent in the Server header of every response
const serverName = "kosh-serve"

// response is the HTTP/1.x response writer for one request. The CORS
// header is added right before the header block goes out, so it is part of
// every response whatever the handler did.
type response struct {
	bw  *bufio.Writer
	req *http.Request

	header        http.Header
	status        int
	wroteHeader   bool
	contentLength int64 // -1 when the body is delimited by closing the connection
	written       int64
	closeAfter    bool
	err           error
}

func newResponse(bw *bufio.Writer, req *http.Request, closeAfter bool) *response {
	return &response{
		bw:            bw,
		req:           req,
		header:        make(http.Header),
		contentLength: -1,
		closeAfter:    closeAfter,
	}
}

func (w *response) Header() http.Header {
	return w.header
}

// bodyAllowed reports whether a status may carry a body (RFC 9110 6.4.1)
func bodyAllowed(status int) bool {
	if status >= 100 && status <= 199 {
		return false
	}
	return status != http.StatusNoContent && status != http.StatusNotModified
}

func (w *response) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	if code < 200 || code > 999 {
		// Informational responses are not supported
		code = http.StatusInternalServerError
	}
	w.wroteHeader = true
	w.status = code

	h := w.header
	h.Set("Access-Control-Allow-Origin", "*")

	if cl := h.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || n < 0 {
			h.Del("Content-Length")
		} else {
			w.contentLength = n
		}
	}
	if !bodyAllowed(code) {
		h.Del("Content-Length")
		w.contentLength = 0
	}
	if w.contentLength < 0 && w.req.Method != http.MethodHead {
		// No length known: the end of the body is the end of the connection
		w.closeAfter = true
	}

	if h.Get("Date") == "" {
		h.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	if h.Get("Server") == "" {
		h.Set("Server", serverName)
	}
	if w.closeAfter {
		h.Set("Connection", "close")
	} else if w.req.ProtoMajor == 1 && w.req.ProtoMinor == 0 {
		h.Set("Connection", "keep-alive")
	} else {
		h.Del("Connection")
	}

	if _, err := fmt.Fprintf(w.bw, "HTTP/1.1 %03d %s\r\n", code, http.StatusText(code)); err != nil {
		w.err = err
		return
	}
	if err := h.Write(w.bw); err != nil {
		w.err = err
		return
	}
	if _, err := w.bw.WriteString("\r\n"); err != nil {
		w.err = err
	}
}

func (w *response) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if w.err != nil {
		return 0, w.err
	}
	if w.req.Method == http.MethodHead || !bodyAllowed(w.status) {
		return len(p), nil
	}
	if w.contentLength >= 0 && w.written+int64(len(p)) > w.contentLength {
		return 0, http.ErrContentLength
	}
	n, err := w.bw.Write(p)
	w.written += int64(n)
	if err != nil {
		w.err = err
	}
	return n, err
}

// Flush pushes buffered bytes to the connection
func (w *response) Flush() {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if w.err == nil {
		w.err = w.bw.Flush()
	}
}

// finish completes the response after the handler returned
func (w *response) finish() error {
	if !w.wroteHeader {
		w.header.Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
	}
	if w.err != nil {
		return w.err
	}
	if w.req.Method != http.MethodHead && w.contentLength >= 0 && w.written < w.contentLength {
		// The client is still waiting for bytes that will never come
		w.closeAfter = true
	}
	return w.bw.Flush()
}

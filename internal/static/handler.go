// Package static serves a document root over HTTP: regular files, generated
// directory listings and HTML error pages.
package static

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"github.com/tdewolff/minify/v2"

	"github.com/Kush-Singh-26/kosh-serve/internal/utils"
)

// indexFiles are served in place of a listing when present
var indexFiles = []string{"index.html", "index.htm"}

// Options tunes a Handler
type Options struct {
	// Out receives one line per GET request. Nil discards.
	Out io.Writer
	// Root is the OS directory behind the filesystem. When set, symlinks
	// are only followed if their target stays inside Root.
	Root string

	Compress        bool
	CompressMinSize int
	CompressMaxSize int

	Minify bool
	// Cache holds rendered listings; nil renders every time.
	Cache *ListingCache

	Logger *slog.Logger
}

// Handler serves files and directory listings from a read-only filesystem
type Handler struct {
	fs       afero.Fs
	opts     Options
	out      io.Writer
	logger   *slog.Logger
	minifier *minify.M
	encoder  *encoder
}

// NewHandler creates a handler over fsys, which acts as the document root
func NewHandler(fsys afero.Fs, opts Options) (*Handler, error) {
	h := &Handler{
		fs:     fsys,
		opts:   opts,
		out:    opts.Out,
		logger: opts.Logger,
	}
	if h.out == nil {
		h.out = io.Discard
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if opts.Minify {
		h.minifier = newMinifier()
	}
	if opts.Compress {
		enc, err := newEncoder()
		if err != nil {
			return nil, err
		}
		h.encoder = enc
	}
	return h, nil
}

// Close releases the compression encoder
func (h *Handler) Close() error {
	if h.encoder != nil {
		return h.encoder.Close()
	}
	return nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		_, _ = fmt.Fprintf(h.out, "Handling GET request for: %s\n", requestTarget(r))
	}

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		WriteError(w, r, http.StatusNotImplemented, fmt.Sprintf("Unsupported method (%q)", r.Method))
		return
	}

	name := cleanRequestPath(r.URL.Path)
	if strings.IndexByte(name, 0) >= 0 {
		// No filesystem entry can have a NUL in its name
		WriteError(w, r, http.StatusNotFound, MsgNotFound)
		return
	}
	trailingSlash := strings.HasSuffix(r.URL.Path, "/")

	if h.opts.Root != "" {
		if _, err := validatePath(h.opts.Root, name); err != nil {
			h.fail(w, r, name, err)
			return
		}
	}

	info, err := h.fs.Stat(name)
	if err != nil {
		h.fail(w, r, name, err)
		return
	}

	if info.IsDir() {
		if !trailingSlash {
			redirectToDir(w, r)
			return
		}
		h.serveDir(w, r, name)
		return
	}

	if trailingSlash || !info.Mode().IsRegular() {
		WriteError(w, r, http.StatusNotFound, MsgNotFound)
		return
	}
	h.serveFile(w, r, name, info)
}

// requestTarget is the literal target from the request line
func requestTarget(r *http.Request) string {
	if r.RequestURI != "" {
		return r.RequestURI
	}
	return r.URL.RequestURI()
}

// fail answers a lookup error: 404 for anything that is simply not
// there, 500 for the rest.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, name string, err error) {
	if isNotFound(err) {
		WriteError(w, r, http.StatusNotFound, MsgNotFound)
		return
	}
	h.logger.Warn("Failed to access path", "path", name, "error", err)
	WriteError(w, r, http.StatusInternalServerError, MsgReadFailed)
}

// redirectToDir sends "/dir" to "/dir/" so relative links in the listing
// resolve against the directory.
func redirectToDir(w http.ResponseWriter, r *http.Request) {
	target := url.URL{Path: r.URL.Path + "/", RawQuery: r.URL.RawQuery}
	h := w.Header()
	h.Set("Location", target.EscapedPath()+querySuffix(target.RawQuery))
	h.Set("Content-Length", "0")
	w.WriteHeader(http.StatusMovedPermanently)
}

func querySuffix(q string) string {
	if q == "" {
		return ""
	}
	return "?" + q
}

func (h *Handler) serveDir(w http.ResponseWriter, r *http.Request, dir string) {
	for _, index := range indexFiles {
		name := path.Join(dir, index)
		info, err := h.fs.Stat(name)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if h.opts.Root != "" {
			if _, err := validatePath(h.opts.Root, name); err != nil {
				continue
			}
		}
		h.serveFile(w, r, name, info)
		return
	}

	var gen uint64
	if h.opts.Cache != nil {
		body, g, ok := h.opts.Cache.Get(dir)
		if ok {
			h.writeBody(w, r, http.StatusOK, htmlContentType, body)
			return
		}
		gen = g
	}

	// Cached under dir, so the title must not depend on how it was spelled
	displayPath := dir
	if displayPath != "/" {
		displayPath += "/"
	}
	body, err := renderListing(h.fs, dir, displayPath, h.minifier)
	if err != nil {
		h.fail(w, r, dir, err)
		return
	}
	if h.opts.Cache != nil {
		h.opts.Cache.Put(dir, gen, body)
	}
	h.writeBody(w, r, http.StatusOK, htmlContentType, body)
}

func (h *Handler) serveFile(w http.ResponseWriter, r *http.Request, name string, info fs.FileInfo) {
	f, err := h.fs.Open(name)
	if err != nil {
		h.fail(w, r, name, err)
		return
	}
	defer func() { _ = f.Close() }()

	ctype := contentType(name)
	size := info.Size()
	w.Header().Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))

	if h.shouldCompress(ctype, size) && negotiateEncoding(r.Header.Get("Accept-Encoding")) != "" {
		buf := utils.SharedBufferPool.Get()
		defer utils.SharedBufferPool.Put(buf)
		if _, err := io.Copy(buf, io.LimitReader(f, size)); err != nil {
			h.logger.Warn("Failed to read file", "path", name, "error", err)
			WriteError(w, r, http.StatusInternalServerError, MsgReadFailed)
			return
		}
		h.writeBody(w, r, http.StatusOK, ctype, buf.Bytes())
		return
	}

	hdr := w.Header()
	if h.encoder != nil && compressible(ctype) {
		hdr.Set("Vary", "Accept-Encoding")
	}
	hdr.Set("Content-Type", ctype)
	hdr.Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}

	// Headers are gone; a failure now can only cut the connection
	if _, err := io.CopyN(w, f, size); err != nil {
		if !errors.Is(err, io.EOF) {
			h.logger.Warn("Transfer aborted", "path", name, "error", err)
		} else {
			h.logger.Warn("File shrank during transfer", "path", name)
		}
		panic(http.ErrAbortHandler)
	}
}

func (h *Handler) shouldCompress(ctype string, size int64) bool {
	if h.encoder == nil || !compressible(ctype) {
		return false
	}
	return size >= int64(h.opts.CompressMinSize) && size <= int64(h.opts.CompressMaxSize)
}

// writeBody sends an in-memory body, compressed when the client and the
// content allow it.
func (h *Handler) writeBody(w http.ResponseWriter, r *http.Request, status int, ctype string, body []byte) {
	hdr := w.Header()
	hdr.Set("Content-Type", ctype)

	if h.shouldCompress(ctype, int64(len(body))) {
		hdr.Set("Vary", "Accept-Encoding")
		if enc := negotiateEncoding(r.Header.Get("Accept-Encoding")); enc != "" {
			buf := utils.SharedBufferPool.Get()
			defer utils.SharedBufferPool.Put(buf)
			if err := h.encoder.encode(buf, enc, body); err == nil {
				hdr.Set("Content-Encoding", enc)
				body = buf.Bytes()
			} else {
				h.logger.Warn("Compression failed, sending identity", "encoding", enc, "error", err)
			}
		}
	}

	hdr.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(body)
	}
}

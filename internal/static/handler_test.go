package static

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"

	"github.com/Kush-Singh-26/kosh-serve/internal/testutil"
)

func newTestHandler(t *testing.T, fs afero.Fs, opts Options) (*Handler, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	if opts.Out == nil {
		opts.Out = out
	}
	h, err := NewHandler(fs, opts)
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h, out
}

func serve(h http.Handler, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServeFile(t *testing.T) {
	fs := testutil.CreateTestFilesystem(t, map[string]string{
		"/index.html": "<h1>hi</h1>\n",
	})
	h, _ := newTestHandler(t, fs, Options{})

	rec := serve(h, http.MethodGet, "/index.html", nil)

	testutil.AssertStatus(t, rec.Code, http.StatusOK)
	testutil.AssertHeader(t, rec.Header(), "Content-Length", "12")
	testutil.AssertHeader(t, rec.Header(), "Content-Type", "text/html; charset=utf-8")
	if rec.Body.String() != "<h1>hi</h1>\n" {
		t.Errorf("Body = %q, want %q", rec.Body.String(), "<h1>hi</h1>\n")
	}
	if rec.Header().Get("Last-Modified") == "" {
		t.Error("Last-Modified should be set")
	}
}

func TestServeFile_Idempotent(t *testing.T) {
	fs := testutil.CreateTestFilesystem(t, map[string]string{
		"/data/report.csv": "a,b,c\n1,2,3\n",
	})
	h, _ := newTestHandler(t, fs, Options{})

	first := serve(h, http.MethodGet, "/data/report.csv", nil)
	second := serve(h, http.MethodGet, "/data/report.csv", nil)

	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Error("Repeated GETs should return identical bodies")
	}
	if first.Header().Get("Content-Length") != second.Header().Get("Content-Length") {
		t.Error("Repeated GETs should return identical Content-Length")
	}
}

func TestServeFile_ContentTypes(t *testing.T) {
	fs := testutil.CreateTestFilesystem(t, map[string]string{
		"/app.wasm":     "\x00asm",
		"/blob.zzq":     "???",
		"/noextension":  "plain",
		"/style.CSS":    "body{}",
		"/script.mjs":   "export {}",
		"/notes/readme": "hello",
	})
	h, _ := newTestHandler(t, fs, Options{})

	tests := []struct {
		path string
		want string
	}{
		{"/app.wasm", "application/wasm"},
		{"/blob.zzq", "application/octet-stream"},
		{"/noextension", "application/octet-stream"},
		{"/style.CSS", "text/css; charset=utf-8"},
		{"/script.mjs", "text/javascript; charset=utf-8"},
		{"/notes/readme", "application/octet-stream"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := serve(h, http.MethodGet, tt.path, nil)
			testutil.AssertStatus(t, rec.Code, http.StatusOK)
			testutil.AssertHeader(t, rec.Header(), "Content-Type", tt.want)
		})
	}
}

func TestNotFound(t *testing.T) {
	fs := testutil.CreateTestFilesystem(t, map[string]string{
		"/index.html": "home",
		"/file.txt":   "text",
	})
	h, _ := newTestHandler(t, fs, Options{})

	for _, target := range []string{"/missing.txt", "/nested/missing/", "/file.txt/", "/file.txt/child", "/a%00.txt"} {
		t.Run(target, func(t *testing.T) {
			rec := serve(h, http.MethodGet, target, nil)
			testutil.AssertStatus(t, rec.Code, http.StatusNotFound)
			testutil.AssertHeader(t, rec.Header(), "Content-Type", htmlContentType)
			if !strings.Contains(rec.Body.String(), "File not found") {
				t.Errorf("Body should say the file was not found, got %q", rec.Body.String())
			}
			if got := rec.Header().Get("Content-Length"); got != strconv.Itoa(rec.Body.Len()) {
				t.Errorf("Content-Length = %s, body is %d bytes", got, rec.Body.Len())
			}
		})
	}
}

func TestNotFound_NulByte(t *testing.T) {
	root := testutil.CreateTempTree(t, map[string]string{"a.txt": "a"})
	fs := afero.NewReadOnlyFs(afero.NewBasePathFs(afero.NewOsFs(), root))
	var logs bytes.Buffer
	h, _ := newTestHandler(t, fs, Options{
		Root:   root,
		Logger: slog.New(slog.NewTextHandler(&logs, nil)),
	})

	for _, target := range []string{"/a%00.txt", "/a.txt%00", "/%00/"} {
		t.Run(target, func(t *testing.T) {
			rec := serve(h, http.MethodGet, target, nil)
			testutil.AssertStatus(t, rec.Code, http.StatusNotFound)
		})
	}
	if logs.Len() != 0 {
		t.Errorf("Not-found paths should not be logged as failures, got %q", logs.String())
	}
}

func TestHead(t *testing.T) {
	fs := testutil.CreateTestFilesystem(t, map[string]string{
		"/index.html": "<h1>hi</h1>\n",
	})
	h, out := newTestHandler(t, fs, Options{})

	rec := serve(h, http.MethodHead, "/index.html", nil)

	testutil.AssertStatus(t, rec.Code, http.StatusOK)
	testutil.AssertHeader(t, rec.Header(), "Content-Length", "12")
	if rec.Body.Len() != 0 {
		t.Errorf("HEAD body should be empty, got %d bytes", rec.Body.Len())
	}
	if out.Len() != 0 {
		t.Errorf("HEAD should not be logged, got %q", out.String())
	}

	rec = serve(h, http.MethodHead, "/missing", nil)
	testutil.AssertStatus(t, rec.Code, http.StatusNotFound)
	if rec.Body.Len() != 0 {
		t.Error("HEAD error body should be empty")
	}
	if rec.Header().Get("Content-Length") == "0" {
		t.Error("HEAD error should carry the length of the GET body")
	}
}

func TestUnsupportedMethod(t *testing.T) {
	fs := testutil.CreateTestFilesystem(t, map[string]string{"/index.html": "home"})
	h, out := newTestHandler(t, fs, Options{})

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions} {
		t.Run(method, func(t *testing.T) {
			rec := serve(h, method, "/index.html", nil)
			testutil.AssertStatus(t, rec.Code, http.StatusNotImplemented)
			testutil.AssertHeader(t, rec.Header(), "Allow", "GET, HEAD")
		})
	}
	if out.Len() != 0 {
		t.Errorf("Only GET requests are logged, got %q", out.String())
	}
}

func TestRequestLog(t *testing.T) {
	fs := testutil.CreateTestFilesystem(t, map[string]string{"/a.txt": "a"})
	h, out := newTestHandler(t, fs, Options{})

	targets := []string{"/a.txt", "/missing?x=1", "/a.txt"}
	for _, target := range targets {
		serve(h, http.MethodGet, target, nil)
	}

	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	if len(lines) != len(targets) {
		t.Fatalf("Got %d log lines, want %d: %q", len(lines), len(targets), out.String())
	}
	for i, target := range targets {
		want := "Handling GET request for: " + target
		if lines[i] != want {
			t.Errorf("Line %d = %q, want %q", i, lines[i], want)
		}
	}
}

// orderRecorder notes when the response header goes out
type orderRecorder struct {
	*httptest.ResponseRecorder
	order *[]string
}

func (r orderRecorder) WriteHeader(code int) {
	*r.order = append(*r.order, "header")
	r.ResponseRecorder.WriteHeader(code)
}

type logWriter struct{ order *[]string }

func (w logWriter) Write(p []byte) (int, error) {
	*w.order = append(*w.order, "log")
	return len(p), nil
}

func TestRequestLog_BeforeResponse(t *testing.T) {
	fs := testutil.CreateTestFilesystem(t, map[string]string{"/a.txt": "a"})
	var order []string
	h, _ := newTestHandler(t, fs, Options{Out: logWriter{order: &order}})

	rec := orderRecorder{ResponseRecorder: httptest.NewRecorder(), order: &order}
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/a.txt", nil))

	if len(order) != 2 || order[0] != "log" || order[1] != "header" {
		t.Errorf("Event order = %v, want [log header]", order)
	}
}

func TestDirectoryRedirect(t *testing.T) {
	fs := testutil.CreateTestFilesystem(t, map[string]string{
		"/docs/guide.md": "# Guide",
		"/my dir/x.txt":  "x",
	})
	h, _ := newTestHandler(t, fs, Options{})

	tests := []struct {
		target   string
		location string
	}{
		{"/docs", "/docs/"},
		{"/docs?page=2", "/docs/?page=2"},
		{"/my%20dir", "/my%20dir/"},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec := serve(h, http.MethodGet, tt.target, nil)
			testutil.AssertStatus(t, rec.Code, http.StatusMovedPermanently)
			testutil.AssertHeader(t, rec.Header(), "Location", tt.location)
			testutil.AssertHeader(t, rec.Header(), "Content-Length", "0")
		})
	}
}

func TestDirectoryIndex(t *testing.T) {
	fs := testutil.CreateTestFilesystem(t, map[string]string{
		"/index.html":       "root index",
		"/legacy/index.htm": "old index",
	})
	h, _ := newTestHandler(t, fs, Options{})

	rec := serve(h, http.MethodGet, "/", nil)
	testutil.AssertStatus(t, rec.Code, http.StatusOK)
	if rec.Body.String() != "root index" {
		t.Errorf("Body = %q, want root index", rec.Body.String())
	}

	rec = serve(h, http.MethodGet, "/legacy/", nil)
	testutil.AssertStatus(t, rec.Code, http.StatusOK)
	if rec.Body.String() != "old index" {
		t.Errorf("Body = %q, want old index", rec.Body.String())
	}
}

func TestDirectoryListing(t *testing.T) {
	fs := testutil.CreateTestFilesystem(t, map[string]string{
		"/files/b.txt":       "b",
		"/files/A.txt":       "a",
		"/files/a b.txt":     "space",
		"/files/<x>.txt":     "angle",
		"/files/a:b.txt":     "colon",
		"/files/sub/c.txt":   "c",
		"/files/.hidden":     "dot",
		"/other/ignored.txt": "no",
	})
	h, _ := newTestHandler(t, fs, Options{})

	rec := serve(h, http.MethodGet, "/files/", nil)

	testutil.AssertStatus(t, rec.Code, http.StatusOK)
	testutil.AssertHeader(t, rec.Header(), "Content-Type", htmlContentType)
	if got := rec.Header().Get("Content-Length"); got != strconv.Itoa(rec.Body.Len()) {
		t.Errorf("Content-Length = %s, body is %d bytes", got, rec.Body.Len())
	}

	body := rec.Body.String()
	for _, want := range []string{
		"<title>Directory listing for /files/</title>",
		`<a href=".hidden">.hidden</a>`,
		`<a href="A.txt">A.txt</a>`,
		`<a href="a%20b.txt">a b.txt</a>`,
		`<a href="%3Cx%3E.txt">&lt;x&gt;.txt</a>`,
		`<a href="a%3Ab.txt">a:b.txt</a>`,
		`<a href="sub/">sub/</a>`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Listing missing %q\n%s", want, body)
		}
	}
	if strings.Contains(body, "ignored.txt") {
		t.Error("Listing should only contain immediate entries of the directory")
	}
	if strings.Contains(body, "c.txt") {
		t.Error("Listing should not descend into subdirectories")
	}

	// Case-insensitive order: A.txt before b.txt
	if strings.Index(body, "A.txt") > strings.Index(body, `"b.txt"`) {
		t.Error("Entries should be sorted case-insensitively")
	}
}

func TestDirectoryListing_Minified(t *testing.T) {
	fs := testutil.CreateTestFilesystem(t, map[string]string{
		"/pics/cat.png": "png",
		"/pics/dog.png": "png",
	})
	h, _ := newTestHandler(t, fs, Options{Minify: true})

	rec := serve(h, http.MethodGet, "/pics/", nil)
	testutil.AssertStatus(t, rec.Code, http.StatusOK)

	body := rec.Body.String()
	for _, want := range []string{"Directory listing for /pics/", "cat.png", "dog.png"} {
		if !strings.Contains(body, want) {
			t.Errorf("Minified listing missing %q\n%s", want, body)
		}
	}
	if strings.Contains(body, "\n<li>") {
		t.Error("Minified listing should not keep whitespace between elements")
	}
	if got := rec.Header().Get("Content-Length"); got != strconv.Itoa(rec.Body.Len()) {
		t.Errorf("Content-Length = %s, body is %d bytes", got, rec.Body.Len())
	}
}

func TestListingCache(t *testing.T) {
	fs := testutil.CreateTestFilesystem(t, map[string]string{
		"/dir/one.txt": "1",
	})
	cache := NewListingCache(func(string) bool { return true })
	h, _ := newTestHandler(t, fs, Options{Cache: cache})

	rec := serve(h, http.MethodGet, "/dir/", nil)
	testutil.AssertStatus(t, rec.Code, http.StatusOK)
	if cache.Len() != 1 {
		t.Fatalf("cache.Len() = %d, want 1", cache.Len())
	}

	if err := afero.WriteFile(fs, "/dir/two.txt", []byte("2"), 0644); err != nil {
		t.Fatal(err)
	}

	// Still served from the cache until the watcher reports the change
	rec = serve(h, http.MethodGet, "/dir/", nil)
	if strings.Contains(rec.Body.String(), "two.txt") {
		t.Error("Listing should come from the cache")
	}

	cache.Invalidate("/dir/two.txt")
	rec = serve(h, http.MethodGet, "/dir/", nil)
	if !strings.Contains(rec.Body.String(), "two.txt") {
		t.Error("Listing should be re-rendered after invalidation")
	}
}

func TestListingCache_NormalizedTitle(t *testing.T) {
	fs := testutil.CreateTestFilesystem(t, map[string]string{
		"/sub/one.txt": "1",
		"/x/two.txt":   "2",
	})
	cache := NewListingCache(func(string) bool { return true })
	h, _ := newTestHandler(t, fs, Options{Cache: cache})

	for _, target := range []string{"/x/../sub/", "/sub/", "/./sub//"} {
		t.Run(target, func(t *testing.T) {
			rec := serve(h, http.MethodGet, target, nil)
			testutil.AssertStatus(t, rec.Code, http.StatusOK)
			body := rec.Body.String()
			if !strings.Contains(body, "<title>Directory listing for /sub/</title>") {
				t.Errorf("Listing title should use the cleaned path\n%s", body)
			}
			if strings.Contains(body, "..") {
				t.Errorf("Listing should not echo the raw request path\n%s", body)
			}
		})
	}
	if cache.Len() != 1 {
		t.Errorf("cache.Len() = %d, want 1", cache.Len())
	}
}

func TestPathTraversal(t *testing.T) {
	parent := testutil.CreateTempTree(t, map[string]string{
		"secret.txt":      "top secret",
		"root/public.txt": "public",
	})
	root := filepath.Join(parent, "root")
	fs := afero.NewReadOnlyFs(afero.NewBasePathFs(afero.NewOsFs(), root))
	h, _ := newTestHandler(t, fs, Options{Root: root})

	rec := serve(h, http.MethodGet, "/public.txt", nil)
	testutil.AssertStatus(t, rec.Code, http.StatusOK)

	for _, target := range []string{
		"/../secret.txt",
		"/%2e%2e/secret.txt",
		"/sub/../../secret.txt",
		"/..%2fsecret.txt",
		"/..%5csecret.txt",
	} {
		t.Run(target, func(t *testing.T) {
			rec := serve(h, http.MethodGet, target, nil)
			if strings.Contains(rec.Body.String(), "top secret") {
				t.Fatalf("Traversal %s leaked a file outside the root", target)
			}
			testutil.AssertStatus(t, rec.Code, http.StatusNotFound)
		})
	}
}

func TestSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on Windows")
	}
	parent := testutil.CreateTempTree(t, map[string]string{
		"outside.txt":    "outside",
		"root/real.txt":  "inside",
		"root/dir/x.txt": "x",
	})
	root := filepath.Join(parent, "root")
	if err := os.Symlink(filepath.Join(root, "real.txt"), filepath.Join(root, "inner-link")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(parent, "outside.txt"), filepath.Join(root, "outer-link")); err != nil {
		t.Fatal(err)
	}
	fs := afero.NewReadOnlyFs(afero.NewBasePathFs(afero.NewOsFs(), root))
	h, _ := newTestHandler(t, fs, Options{Root: root})

	rec := serve(h, http.MethodGet, "/inner-link", nil)
	testutil.AssertStatus(t, rec.Code, http.StatusOK)
	if rec.Body.String() != "inside" {
		t.Errorf("Body = %q, want inside", rec.Body.String())
	}

	rec = serve(h, http.MethodGet, "/outer-link", nil)
	testutil.AssertStatus(t, rec.Code, http.StatusNotFound)
	if strings.Contains(rec.Body.String(), "outside") {
		t.Error("Symlink leaving the root must not be followed")
	}

	rec = serve(h, http.MethodGet, "/", nil)
	body := rec.Body.String()
	if !strings.Contains(body, `<a href="inner-link">inner-link@</a>`) {
		t.Errorf("Listing should mark symlinks with @\n%s", body)
	}
	if !strings.Contains(body, `<a href="dir/">dir/</a>`) {
		t.Errorf("Listing should mark directories with /\n%s", body)
	}
}

func TestCompression(t *testing.T) {
	text := strings.Repeat("compress me please ", 200)
	fs := testutil.CreateTestFilesystem(t, map[string]string{
		"/big.txt":   text,
		"/small.txt": "tiny",
		"/image.png": text,
	})
	h, _ := newTestHandler(t, fs, Options{
		Compress:        true,
		CompressMinSize: 1024,
		CompressMaxSize: 1 << 20,
	})

	t.Run("gzip", func(t *testing.T) {
		rec := serve(h, http.MethodGet, "/big.txt", map[string]string{"Accept-Encoding": "gzip"})
		testutil.AssertStatus(t, rec.Code, http.StatusOK)
		testutil.AssertHeader(t, rec.Header(), "Content-Encoding", "gzip")
		testutil.AssertHeader(t, rec.Header(), "Vary", "Accept-Encoding")
		testutil.AssertHeader(t, rec.Header(), "Content-Length", strconv.Itoa(rec.Body.Len()))

		zr, err := gzip.NewReader(rec.Body)
		if err != nil {
			t.Fatalf("gzip.NewReader() error = %v", err)
		}
		got, err := io.ReadAll(zr)
		if err != nil {
			t.Fatalf("reading gzip body: %v", err)
		}
		if string(got) != text {
			t.Error("Decompressed body does not match the file")
		}
	})

	t.Run("zstd preferred", func(t *testing.T) {
		rec := serve(h, http.MethodGet, "/big.txt", map[string]string{"Accept-Encoding": "gzip, deflate, br, zstd"})
		testutil.AssertHeader(t, rec.Header(), "Content-Encoding", "zstd")

		dec, err := zstd.NewReader(nil)
		if err != nil {
			t.Fatal(err)
		}
		defer dec.Close()
		got, err := dec.DecodeAll(rec.Body.Bytes(), nil)
		if err != nil {
			t.Fatalf("DecodeAll() error = %v", err)
		}
		if string(got) != text {
			t.Error("Decompressed body does not match the file")
		}
	})

	t.Run("identity when refused", func(t *testing.T) {
		rec := serve(h, http.MethodGet, "/big.txt", map[string]string{"Accept-Encoding": "gzip;q=0, zstd;q=0"})
		testutil.AssertHeader(t, rec.Header(), "Content-Encoding", "")
		if rec.Body.String() != text {
			t.Error("Body should be sent as-is")
		}
	})

	t.Run("small files are not compressed", func(t *testing.T) {
		rec := serve(h, http.MethodGet, "/small.txt", map[string]string{"Accept-Encoding": "gzip"})
		testutil.AssertHeader(t, rec.Header(), "Content-Encoding", "")
		testutil.AssertHeader(t, rec.Header(), "Content-Length", "4")
	})

	t.Run("binary types are not compressed", func(t *testing.T) {
		rec := serve(h, http.MethodGet, "/image.png", map[string]string{"Accept-Encoding": "gzip"})
		testutil.AssertHeader(t, rec.Header(), "Content-Encoding", "")
		if rec.Body.String() != text {
			t.Error("Body should be sent as-is")
		}
	})

	t.Run("HEAD matches GET headers", func(t *testing.T) {
		get := serve(h, http.MethodGet, "/big.txt", map[string]string{"Accept-Encoding": "gzip"})
		head := serve(h, http.MethodHead, "/big.txt", map[string]string{"Accept-Encoding": "gzip"})
		testutil.AssertHeader(t, head.Header(), "Content-Length", get.Header().Get("Content-Length"))
		if head.Body.Len() != 0 {
			t.Error("HEAD body should be empty")
		}
	})
}

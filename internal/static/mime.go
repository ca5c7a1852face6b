package static

import (
	"mime"
	"path"
	"strings"
)

const (
	defaultContentType = "application/octet-stream"
	htmlContentType    = "text/html; charset=utf-8"
)

func init() {
	// Force register types some platforms lack
	// (Fixes "Incorrect response MIME type" errors in browser)
	_ = mime.AddExtensionType(".wasm", "application/wasm")
	_ = mime.AddExtensionType(".mjs", "text/javascript; charset=utf-8")
	_ = mime.AddExtensionType(".md", "text/markdown; charset=utf-8")
	_ = mime.AddExtensionType(".webmanifest", "application/manifest+json")
}

// contentType infers the Content-Type from the file extension
func contentType(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ext == "" {
		return defaultContentType
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return defaultContentType
}

// compressible reports whether a body of this type is worth encoding.
// Images, archives and media are already compressed.
func compressible(ctype string) bool {
	base, _, _ := strings.Cut(ctype, ";")
	base = strings.TrimSpace(base)
	switch {
	case strings.HasPrefix(base, "text/"):
		return true
	case strings.HasSuffix(base, "+json"), strings.HasSuffix(base, "+xml"):
		return true
	}
	switch base {
	case "application/json", "application/javascript", "application/xml",
		"application/wasm", "image/svg+xml", "application/manifest+json":
		return true
	}
	return false
}

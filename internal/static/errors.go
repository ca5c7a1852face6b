package static

import (
	"html/template"
	"net/http"
	"strconv"

	"github.com/Kush-Singh-26/kosh-serve/internal/utils"
)

var errorTemplate = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Code}} {{.Reason}}</title>
</head>
<body>
<h1>{{.Code}} {{.Reason}}</h1>
<p>{{.Message}}</p>
</body>
</html>
`))

type errorPage struct {
	Code    int
	Reason  string
	Message string
}

// Standard messages for the error pages the server produces
const (
	MsgNotFound      = "File not found"
	MsgBadRequest    = "Bad request syntax"
	MsgReadFailed    = "The file could not be read"
	MsgInternalError = "Internal server error"
)

// ErrorBody renders the HTML body used for every error response.
func ErrorBody(code int, message string) []byte {
	buf := utils.SharedBufferPool.Get()
	defer utils.SharedBufferPool.Put(buf)

	page := errorPage{Code: code, Reason: http.StatusText(code), Message: message}
	if err := errorTemplate.Execute(buf, page); err != nil {
		return []byte(strconv.Itoa(code) + " " + page.Reason + "\n")
	}
	return cloneBytes(buf.Bytes())
}

// WriteError sends an HTML error page with an exact Content-Length.
// HEAD requests get the headers only.
func WriteError(w http.ResponseWriter, r *http.Request, code int, message string) {
	body := ErrorBody(code, message)
	h := w.Header()
	h.Del("Content-Encoding")
	h.Del("Last-Modified")
	h.Set("Content-Type", htmlContentType)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	if r.Method != http.MethodHead {
		_, _ = w.Write(body)
	}
}

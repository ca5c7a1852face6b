package static

import (
	"html/template"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/html"

	"github.com/Kush-Singh-26/kosh-serve/internal/utils"
)

var listingTemplate = template.Must(template.New("listing").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Directory listing for {{.Path}}</title>
</head>
<body>
<h1>Directory listing for {{.Path}}</h1>
<hr>
<ul>
{{- range .Entries}}
<li><a href="{{.Href}}">{{.Name}}</a></li>
{{- end}}
</ul>
<hr>
</body>
</html>
`))

type listingEntry struct {
	Name string // Display name
	Href string // Already percent-encoded
}

type listingPage struct {
	Path    string
	Entries []listingEntry
}

func newMinifier() *minify.M {
	m := minify.New()
	m.AddFunc("text/html", html.Minify)
	return m
}

// renderListing produces the HTML index of dir. displayPath is the decoded
// request path shown in the title.
func renderListing(fsys afero.Fs, dir, displayPath string, m *minify.M) ([]byte, error) {
	infos, err := afero.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(infos, func(i, j int) bool {
		a, b := strings.ToLower(infos[i].Name()), strings.ToLower(infos[j].Name())
		if a == b {
			return infos[i].Name() < infos[j].Name()
		}
		return a < b
	})

	page := listingPage{
		Path:    displayPath,
		Entries: make([]listingEntry, 0, len(infos)),
	}
	for _, info := range infos {
		name := info.Name()
		display, link := name, name
		switch {
		case info.IsDir():
			display += "/"
			link += "/"
		case info.Mode()&os.ModeSymlink != 0:
			// Link to the symlink itself, mark it in the display name
			display += "@"
		}
		page.Entries = append(page.Entries, listingEntry{
			Name: display,
			Href: escapeHref(link),
		})
	}

	buf := utils.SharedBufferPool.Get()
	defer utils.SharedBufferPool.Put(buf)

	if err := listingTemplate.Execute(buf, page); err != nil {
		return nil, err
	}

	if m != nil {
		if minified, err := m.Bytes("text/html", buf.Bytes()); err == nil {
			return minified, nil
		}
		// Fall through with the unminified page
	}
	return cloneBytes(buf.Bytes()), nil
}

// escapeHref percent-encodes an entry name for use as a relative link.
// ':' is encoded too so a name like "a:b" is never read as a URL scheme.
func escapeHref(name string) string {
	dir := strings.HasSuffix(name, "/")
	escaped := url.PathEscape(strings.TrimSuffix(name, "/"))
	escaped = strings.ReplaceAll(escaped, ":", "%3A")
	if dir {
		escaped += "/"
	}
	return escaped
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

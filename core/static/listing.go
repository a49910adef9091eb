package static

import (
	"context"
	"html"
	"net/url"
	"runtime"
	"slices"
	"strings"

	"github.com/searchktools/rawserve/core/http"
)

// listingYield is how many entries are rendered between yields.
const listingYield = 256

// Listing renders the entries of dir as an HTML page. urlPath is the
// request path of the directory (escaped, no leading slash); links are
// built under it.
func Listing(ctx context.Context, source http.FileSource, dir, urlPath string) (http.Response, error) {
	entries, err := source.ReadDir(ctx, dir)
	if err != nil {
		return nil, http.NotFound(err, "read directory "+dir)
	}
	slices.SortFunc(entries, func(a, b http.FileInfo) int {
		if a.IsDir != b.IsDir {
			if a.IsDir {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Name, b.Name)
	})

	base := "/" + strings.Trim(urlPath, "/")
	title := html.EscapeString(unescapePath(base))

	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n<title>Index of ")
	b.WriteString(title)
	b.WriteString("</title>\n</head>\n<body>\n<h1>Index of ")
	b.WriteString(title)
	b.WriteString("</h1>\n<ul>\n")

	if base != "/" {
		parent := base[:strings.LastIndex(base, "/")]
		if parent == "" {
			parent = "/"
		}
		writeLink(&b, parent, "..")
	}

	for i, e := range entries {
		if i > 0 && i%listingYield == 0 {
			runtime.Gosched()
			if err := ctx.Err(); err != nil {
				return nil, http.Transport(err, "render directory listing")
			}
		}
		name := e.Name
		if e.IsDir {
			name += "/"
		}
		writeLink(&b, strings.TrimSuffix(base, "/")+"/"+url.PathEscape(e.Name), name)
	}

	b.WriteString("</ul>\n</body>\n</html>\n")
	return http.NewHTMLResponse(b.String(), 200), nil
}

func writeLink(b *strings.Builder, href, text string) {
	b.WriteString(`<li><a href="`)
	b.WriteString(html.EscapeString(href))
	b.WriteString(`">`)
	b.WriteString(html.EscapeString(text))
	b.WriteString("</a></li>\n")
}

func unescapePath(p string) string {
	if u, err := url.PathUnescape(p); err == nil {
		return u
	}
	return p
}

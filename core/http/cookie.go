package http

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultCookieMaxAge is five years in seconds.
const DefaultCookieMaxAge = 60 * 60 * 24 * 365 * 5

const expiresLayout = "Mon, 02 Jan 2006 15:04:05 GMT"

// Cookie holds the attributes of one Set-Cookie header. The zero value is
// a session-less cookie with an empty value; MaxAge and Path fall back to
// DefaultCookieMaxAge and "/".
type Cookie struct {
	Value       string
	Domain      string
	Expires     time.Time
	HTTPOnly    bool
	MaxAge      *int
	Partitioned bool
	Path        string
	SameSite    string
	Secure      bool
}

// MaxAge returns a pointer for Cookie.MaxAge.
func MaxAge(seconds int) *int {
	return &seconds
}

// render formats the cookie for name. A nil cookie clears it on the client.
func (c *Cookie) render(name string) string {
	if c == nil {
		c = &Cookie{MaxAge: MaxAge(0)}
	}

	maxAge := DefaultCookieMaxAge
	if c.MaxAge != nil {
		maxAge = *c.MaxAge
	}
	path := c.Path
	if path == "" {
		path = "/"
	}

	var b strings.Builder
	b.WriteString(encodeComponent(name))
	b.WriteByte('=')
	b.WriteString(encodeComponent(c.Value))

	b.WriteString("; Max-Age=")
	b.WriteString(strconv.Itoa(maxAge))
	b.WriteString("; Path=")
	b.WriteString(path)

	if c.Domain != "" {
		b.WriteString("; Domain=")
		b.WriteString(encodeComponent(c.Domain))
	}
	if !c.Expires.IsZero() {
		b.WriteString("; Expires=")
		b.WriteString(c.Expires.UTC().Format(expiresLayout))
	}
	if c.HTTPOnly {
		b.WriteString("; HttpOnly")
	}
	if c.Partitioned {
		b.WriteString("; Partitioned")
	}
	if c.SameSite != "" {
		b.WriteString("; SameSite=")
		b.WriteString(encodeComponent(c.SameSite))
	}
	if c.Secure {
		b.WriteString("; Secure")
	}

	return b.String()
}

// encodeComponent escapes s the way cookie names and values are written:
// spaces become %20 rather than '+'.
func encodeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

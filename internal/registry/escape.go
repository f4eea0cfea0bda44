package registry

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultProtocols are the URL schemes EscURL lets through.
var DefaultProtocols = []string{
	"http", "https", "ftp", "ftps", "mailto", "news", "irc", "irc6", "ircs",
	"gopher", "nntp", "feed", "telnet", "mms", "rtsp", "sms", "svn", "tel",
	"fax", "xmpp", "webcal", "urn",
}

var (
	urlDisallowed  = regexp.MustCompile(`(?i)[^a-z0-9\-~+_.?#=!&;,/:%@$|*'()\[\]\x{80}-\x{10FFFF}]`)
	phpFile        = regexp.MustCompile(`(?i)^[a-z0-9-]+?\.php`)
	schemeSplit    = regexp.MustCompile(`(?i):|&#0*58;|&#x0*3a;`)
	urlScheme      = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.\-]*$`)
	numericEntity  = regexp.MustCompile(`^#[0-9]{1,8};`)
	hexEntity      = regexp.MustCompile(`^#[xX][0-9a-fA-F]{1,6};`)
	namedEntity    = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]{1,31};`)
	newlineEscapes = []string{"%0d", "%0a", "%0D", "%0A"}
)

// Escaper sanitizes URLs and attribute text for embedding in HTML.
// The zero value is not usable; use NewEscaper.
type Escaper struct {
	protocols map[string]bool
}

// NewEscaper returns an escaper accepting the given URL schemes.
// With no schemes it accepts DefaultProtocols.
func NewEscaper(protocols ...string) *Escaper {
	if len(protocols) == 0 {
		protocols = DefaultProtocols
	}
	e := &Escaper{protocols: make(map[string]bool, len(protocols))}
	for _, p := range protocols {
		e.protocols[strings.ToLower(strings.TrimSpace(p))] = true
	}
	return e
}

var defaultEscaper = NewEscaper()

// EscURL sanitizes a URL with the default protocol list.
func EscURL(url string) string {
	return defaultEscaper.URL(url)
}

// EscAttr sanitizes text for use inside a quoted HTML attribute.
func EscAttr(text string) string {
	return defaultEscaper.Attr(text)
}

// Protocols returns the accepted schemes.
func (e *Escaper) Protocols() []string {
	result := make([]string, 0, len(e.protocols))
	for p := range e.protocols {
		result = append(result, p)
	}
	return result
}

// URL cleans a URL for display in HTML. Characters outside the URL
// alphabet are dropped and CR/LF escapes are removed. Ampersands and single
// quotes become entities, and square brackets after the host are
// percent-encoded. A URL whose scheme is not accepted comes back empty.
// Relative URLs starting with "/", "#" or "?" are left relative.
func (e *Escaper) URL(url string) string {
	if url == "" {
		return ""
	}
	url = strings.ReplaceAll(strings.TrimLeft(url, " \t\n\r\x00\x0B"), " ", "%20")
	url = urlDisallowed.ReplaceAllString(url, "")
	if url == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(url), "mailto:") {
		url = deepReplace(newlineEscapes, url)
	}
	url = strings.ReplaceAll(url, ";//", "://")
	if url == "" {
		return ""
	}

	if !strings.Contains(url, ":") && !strings.ContainsRune("/#?", rune(url[0])) && !phpFile.MatchString(url) {
		url = "http://" + url
	}

	url = normalizeEntities(url)
	url = strings.ReplaceAll(url, "&amp;", "&#038;")
	url = strings.ReplaceAll(url, "'", "&#039;")
	url = encodeBrackets(url)

	if url[0] == '/' {
		return url
	}
	if !e.goodProtocol(url) {
		return ""
	}
	return url
}

// goodProtocol reports whether url has no scheme or an accepted one.
// Everything before the first colon is taken as the scheme unless it
// contains "/?".
func (e *Escaper) goodProtocol(url string) bool {
	parts := schemeSplit.Split(url, 2)
	if len(parts) < 2 {
		return true
	}
	if strings.Contains(parts[0], "/?") {
		return true
	}
	return e.protocols[strings.ToLower(parts[0])]
}

// encodeBrackets percent-encodes "[" and "]" outside the scheme and
// authority, so an IPv6 host literal keeps its brackets.
func encodeBrackets(url string) string {
	if !strings.ContainsAny(url, "[]") {
		return url
	}
	front := urlFront(url)
	rest := strings.ReplaceAll(url[len(front):], "[", "%5B")
	return front + strings.ReplaceAll(rest, "]", "%5D")
}

// urlFront returns the leading scheme:// and authority of url, or "" when
// url has no authority.
func urlFront(url string) string {
	var start int
	switch i := strings.Index(url, "://"); {
	case i > 0 && urlScheme.MatchString(url[:i]):
		start = i + len("://")
	case strings.HasPrefix(url, "//"):
		start = len("//")
	default:
		return ""
	}
	end := strings.IndexAny(url[start:], "/?#")
	if end < 0 {
		return url
	}
	return url[:start+end]
}

// Attr escapes text for a single- or double-quoted attribute value.
// Existing valid entities are not double encoded. Invalid UTF-8 yields "".
func (e *Escaper) Attr(text string) string {
	if !utf8.ValidString(text) {
		return ""
	}
	if !strings.ContainsAny(text, "&<>\"'") {
		return text
	}
	text = normalizeEntities(text)

	var b strings.Builder
	b.Grow(len(text) + 16)
	for _, r := range text {
		switch r {
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '"':
			b.WriteString("&quot;")
		case '\'':
			b.WriteString("&#039;")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// normalizeEntities turns every "&" that does not open a valid character
// reference into "&amp;".
func normalizeEntities(s string) string {
	if !strings.Contains(s, "&") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		if s[i] != '&' {
			b.WriteByte(s[i])
			continue
		}
		if isEntity(s[i+1:]) {
			b.WriteByte('&')
		} else {
			b.WriteString("&amp;")
		}
	}
	return b.String()
}

// isEntity reports whether rest (the text after an "&") starts a
// character reference.
func isEntity(rest string) bool {
	if m := hexEntity.FindString(rest); m != "" {
		return validCodePoint(html.UnescapeString("&" + m))
	}
	if m := numericEntity.FindString(rest); m != "" {
		return validCodePoint(html.UnescapeString("&" + m))
	}
	if m := namedEntity.FindString(rest); m != "" {
		ref := "&" + m
		return html.UnescapeString(ref) != ref
	}
	return false
}

func validCodePoint(decoded string) bool {
	r, _ := utf8.DecodeRuneInString(decoded)
	return r != utf8.RuneError
}

// deepReplace removes every search string until none remain, so that
// "%0%0dd" cannot reassemble into "%0d".
func deepReplace(search []string, subject string) string {
	for {
		found := false
		for _, s := range search {
			if strings.Contains(subject, s) {
				found = true
				subject = strings.ReplaceAll(subject, s, "")
			}
		}
		if !found {
			return subject
		}
	}
}

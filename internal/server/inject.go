package server

import (
	"bytes"

	"golang.org/x/net/html"
)

// InjectFooter inserts markup immediately before the last </body> end tag
// of page. Without a </body>, it goes before the last </html>, and
// failing that at the end. Tags inside comments, scripts and other raw
// text are not mistaken for the real ones.
func InjectFooter(page []byte, markup string) []byte {
	if markup == "" {
		return page
	}

	at := footerOffset(page)
	result := make([]byte, 0, len(page)+len(markup))
	result = append(result, page[:at]...)
	result = append(result, markup...)
	result = append(result, page[at:]...)
	return result
}

// footerOffset returns the byte offset the footer belongs at.
func footerOffset(page []byte) int {
	z := html.NewTokenizer(bytes.NewReader(page))
	offset := 0
	bodyEnd, htmlEnd := -1, -1
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		size := len(z.Raw())
		if tt == html.EndTagToken {
			name, _ := z.TagName()
			switch string(name) {
			case "body":
				bodyEnd = offset
			case "html":
				htmlEnd = offset
			}
		}
		offset += size
	}

	switch {
	case bodyEnd >= 0:
		return bodyEnd
	case htmlEnd >= 0:
		return htmlEnd
	default:
		return len(page)
	}
}

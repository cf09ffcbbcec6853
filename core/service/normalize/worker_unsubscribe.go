package normalize

import (
	"strings"

	"github.com/owdub1/cleaninbox-sub002/core/domain"
)

// oneClickToken is the List-Unsubscribe-Post value defined by RFC 8058.
const oneClickToken = "list-unsubscribe=one-click"

// ParseUnsubscribe extracts the unsubscribe directive from the
// List-Unsubscribe and List-Unsubscribe-Post header values.
//
// The first http(s) URI becomes the link and the first mailto URI is kept
// separately. One-click requires the RFC 8058 token in the Post header and
// a usable URI.
func ParseUnsubscribe(listUnsubscribe, listUnsubscribePost string) domain.UnsubscribeDirective {
	var d domain.UnsubscribeDirective
	for _, uri := range unsubscribeURIs(listUnsubscribe) {
		lower := strings.ToLower(uri)
		switch {
		case strings.HasPrefix(lower, "https://"), strings.HasPrefix(lower, "http://"):
			if d.Link == "" {
				d.Link = uri
			}
		case strings.HasPrefix(lower, "mailto:"):
			if d.Mailto == "" {
				d.Mailto = uri
			}
		}
	}

	if !d.IsEmpty() {
		post := strings.ToLower(strings.Join(strings.Fields(listUnsubscribePost), ""))
		d.OneClick = strings.Contains(post, oneClickToken)
	}
	return d
}

// unsubscribeURIs returns the bracketed URIs of a List-Unsubscribe value.
// Values without brackets are split on commas.
func unsubscribeURIs(header string) []string {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil
	}

	var uris []string
	if !strings.Contains(header, "<") {
		for _, part := range strings.Split(header, ",") {
			if part = strings.TrimSpace(part); part != "" {
				uris = append(uris, part)
			}
		}
		return uris
	}

	rest := header
	for {
		start := strings.IndexByte(rest, '<')
		if start < 0 {
			break
		}
		end := strings.IndexByte(rest[start:], '>')
		if end < 0 {
			break
		}
		uri := strings.Join(strings.Fields(rest[start+1:start+end]), "")
		if uri != "" {
			uris = append(uris, uri)
		}
		rest = rest[start+end+1:]
	}
	return uris
}

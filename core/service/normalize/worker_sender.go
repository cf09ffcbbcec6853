// Package normalize turns raw provider messages into mirror rows.
package normalize

import (
	"mime"
	"net/mail"
	"regexp"
	"strings"

	"github.com/emersion/go-message/charset"

	"github.com/owdub1/cleaninbox-sub002/core/domain"
)

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

var addressParser = &mail.AddressParser{WordDecoder: wordDecoder}

var (
	quotedNameAddr = regexp.MustCompile(`^"((?:[^"\\]|\\.)*)"\s*<([^<>]*)>$`)
	plainNameAddr  = regexp.MustCompile(`^(.*?)\s*<([^<>]*)>$`)
	bareAddr       = regexp.MustCompile(`^[^\s<>"@]+@[^\s<>"@]+$`)
)

// ParseSender extracts the sender identity from a From header value.
//
// Accepted shapes, most specific first:
//
//	"Display Name" <addr>
//	Display Name <addr>
//	<addr>
//	addr
//
// Anything else yields the empty identity. ParseSender never fails.
func ParseSender(from string) domain.SenderKey {
	from = strings.TrimSpace(from)
	if from == "" {
		return domain.SenderKey{}
	}

	if addr, err := addressParser.Parse(from); err == nil {
		return senderKey(addr.Name, addr.Address)
	}

	if m := quotedNameAddr.FindStringSubmatch(from); m != nil {
		return senderKey(unescapeQuoted(m[1]), m[2])
	}
	if m := plainNameAddr.FindStringSubmatch(from); m != nil {
		return senderKey(m[1], m[2])
	}
	if bareAddr.MatchString(from) {
		return senderKey("", from)
	}
	return domain.SenderKey{}
}

func senderKey(name, addr string) domain.SenderKey {
	name = strings.TrimSpace(DecodeHeader(name))
	name = strings.Trim(name, `"'`)
	name = strings.TrimSpace(name)
	return domain.SenderKey{
		Email: strings.ToLower(strings.TrimSpace(addr)),
		Name:  name,
	}
}

func unescapeQuoted(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	escaped := false
	for _, r := range s {
		if !escaped && r == '\\' {
			escaped = true
			continue
		}
		escaped = false
		b.WriteRune(r)
	}
	return b.String()
}

// DecodeHeader decodes RFC 2047 encoded words. Undecodable input is returned
// unchanged.
func DecodeHeader(s string) string {
	if !strings.Contains(s, "=?") {
		return s
	}
	decoded, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

package normalize

import (
	"html"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/owdub1/cleaninbox-sub002/core/domain"
	"github.com/owdub1/cleaninbox-sub002/core/port/out"
)

// Header names read by the normalizer.
const (
	HeaderFrom                = "From"
	HeaderSubject             = "Subject"
	HeaderDate                = "Date"
	HeaderListUnsubscribe     = "List-Unsubscribe"
	HeaderListUnsubscribePost = "List-Unsubscribe-Post"
	HeaderListID              = "List-Id"
	HeaderPrecedence          = "Precedence"
)

// Normalizer converts raw provider messages. The zero value is usable.
type Normalizer struct {
	now func() time.Time
}

// New creates a Normalizer.
func New() *Normalizer {
	return &Normalizer{now: time.Now}
}

// NewWithClock creates a Normalizer whose fallback receive time comes from
// now.
func NewWithClock(now func() time.Time) *Normalizer {
	return &Normalizer{now: now}
}

// Normalize maps a raw message to a mirror row. It never fails; missing or
// malformed headers degrade to empty fields.
func (n *Normalizer) Normalize(accountID uuid.UUID, raw *out.RawMessage) *domain.Message {
	sender := ParseSender(raw.Header(HeaderFrom))

	msg := &domain.Message{
		AccountID:         accountID,
		ProviderMessageID: raw.ID,
		ThreadID:          raw.ThreadID,
		SenderEmail:       sender.Email,
		SenderName:        sender.Name,
		Subject:           strings.TrimSpace(DecodeHeader(raw.Header(HeaderSubject))),
		Snippet:           strings.TrimSpace(html.UnescapeString(raw.Snippet)),
		ReceivedAt:        n.receivedAt(raw),
		Unread:            raw.Unread,
		Labels:            append([]string(nil), raw.Labels...),
		Unsubscribe: ParseUnsubscribe(
			raw.Header(HeaderListUnsubscribe),
			raw.Header(HeaderListUnsubscribePost),
		),
	}

	msg.IsNewsletter = raw.Header(HeaderListUnsubscribe) != "" || raw.Header(HeaderListID) != ""
	msg.IsPromotional = msg.HasLabel(domain.LabelPromotions) || isBulk(raw.Header(HeaderPrecedence))
	return msg
}

// NormalizeAll maps a batch, skipping nil entries and repeated ids.
func (n *Normalizer) NormalizeAll(accountID uuid.UUID, raws []*out.RawMessage) []*domain.Message {
	msgs := make([]*domain.Message, 0, len(raws))
	seen := make(map[string]bool, len(raws))
	for _, raw := range raws {
		if raw == nil || raw.ID == "" || seen[raw.ID] {
			continue
		}
		seen[raw.ID] = true
		msgs = append(msgs, n.Normalize(accountID, raw))
	}
	return msgs
}

func (n *Normalizer) receivedAt(raw *out.RawMessage) time.Time {
	if !raw.InternalDate.IsZero() {
		return raw.InternalDate.UTC()
	}
	if date := strings.TrimSpace(raw.Header(HeaderDate)); date != "" {
		if t, err := mail.ParseDate(date); err == nil {
			return t.UTC()
		}
	}
	now := n.now
	if now == nil {
		now = time.Now
	}
	return now().UTC()
}

func isBulk(precedence string) bool {
	switch strings.ToLower(strings.TrimSpace(precedence)) {
	case "bulk", "junk":
		return true
	}
	return false
}

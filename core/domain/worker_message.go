package domain

import (
	"time"

	"github.com/google/uuid"
)

// Well-known labels used by mirror updates.
const (
	LabelInbox = "INBOX"
	LabelTrash = "TRASH"
	LabelSpam  = "SPAM"
	LabelSent  = "SENT"
	LabelDraft = "DRAFT"

	LabelPromotions = "CATEGORY_PROMOTIONS"
)

// ExcludedLabels are never mirrored.
var ExcludedLabels = []string{LabelSent, LabelDraft, LabelTrash, LabelSpam}

// IsExcluded reports whether labels mark a message the mirror skips.
func IsExcluded(labels []string) bool {
	for _, l := range labels {
		for _, ex := range ExcludedLabels {
			if l == ex {
				return true
			}
		}
	}
	return false
}

// UnsubscribeDirective is what a List-Unsubscribe header offers.
type UnsubscribeDirective struct {
	Link     string `json:"link,omitempty"`   // http(s) URI, preferred
	Mailto   string `json:"mailto,omitempty"` // kept even when Link is set
	OneClick bool   `json:"one_click"`        // RFC 8058
}

// IsEmpty reports whether no unsubscribe mechanism is known.
func (u UnsubscribeDirective) IsEmpty() bool {
	return u.Link == "" && u.Mailto == ""
}

// Message is one mirrored provider message.
type Message struct {
	AccountID         uuid.UUID `json:"account_id"`
	ProviderMessageID string    `json:"provider_message_id"`
	ThreadID          string    `json:"thread_id"`

	SenderEmail string `json:"sender_email"` // lowercased
	SenderName  string `json:"sender_name"`

	Subject    string    `json:"subject"`
	Snippet    string    `json:"snippet"`
	ReceivedAt time.Time `json:"received_at"`
	Unread     bool      `json:"unread"`
	Labels     []string  `json:"labels"`

	Unsubscribe   UnsubscribeDirective `json:"unsubscribe"`
	IsNewsletter  bool                 `json:"is_newsletter"`
	IsPromotional bool                 `json:"is_promotional"`
}

// SenderKey returns the aggregate identity of the message sender.
func (m *Message) SenderKey() SenderKey {
	return SenderKey{Email: m.SenderEmail, Name: m.SenderName}
}

// HasLabel reports whether the message carries label.
func (m *Message) HasLabel(label string) bool {
	for _, l := range m.Labels {
		if l == label {
			return true
		}
	}
	return false
}

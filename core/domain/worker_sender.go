package domain

import (
	"time"

	"github.com/google/uuid"
)

// SenderKey groups messages into one aggregate. Two display names sharing an
// address are distinct senders.
type SenderKey struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// SenderAggregate is the rollup of all mirrored messages for one sender key.
type SenderAggregate struct {
	AccountID uuid.UUID `json:"account_id"`
	SenderKey

	MessageCount int       `json:"message_count"`
	UnreadCount  int       `json:"unread_count"`
	FirstSeenAt  time.Time `json:"first_seen_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`

	UnsubscribeLink   string `json:"unsubscribe_link,omitempty"`
	UnsubscribeMailto string `json:"unsubscribe_mailto,omitempty"`
	OneClick          bool   `json:"one_click"`
	// UnsubscribeSeenAt is the received time of the message the unsubscribe
	// fields were taken from.
	UnsubscribeSeenAt *time.Time `json:"unsubscribe_seen_at,omitempty"`

	IsNewsletter  bool `json:"is_newsletter"`
	IsPromotional bool `json:"is_promotional"`

	UpdatedAt time.Time `json:"updated_at"`
}

// NewSenderAggregate starts an empty aggregate for key.
func NewSenderAggregate(accountID uuid.UUID, key SenderKey) *SenderAggregate {
	return &SenderAggregate{AccountID: accountID, SenderKey: key}
}

// Add folds one message into the aggregate.
func (a *SenderAggregate) Add(m *Message) {
	a.MessageCount++
	if m.Unread {
		a.UnreadCount++
	}
	if a.FirstSeenAt.IsZero() || m.ReceivedAt.Before(a.FirstSeenAt) {
		a.FirstSeenAt = m.ReceivedAt
	}
	if m.ReceivedAt.After(a.LastSeenAt) {
		a.LastSeenAt = m.ReceivedAt
	}
	if m.IsNewsletter {
		a.IsNewsletter = true
	}
	if m.IsPromotional {
		a.IsPromotional = true
	}
	a.ApplyUnsubscribe(m)
}

// ApplyUnsubscribe overwrites the unsubscribe fields when m carries a link
// and is more recent than the message they were last taken from.
func (a *SenderAggregate) ApplyUnsubscribe(m *Message) bool {
	if m.Unsubscribe.IsEmpty() {
		return false
	}
	if a.UnsubscribeSeenAt != nil && !m.ReceivedAt.After(*a.UnsubscribeSeenAt) {
		return false
	}
	seen := m.ReceivedAt
	a.UnsubscribeLink = m.Unsubscribe.Link
	a.UnsubscribeMailto = m.Unsubscribe.Mailto
	a.OneClick = m.Unsubscribe.OneClick
	a.UnsubscribeSeenAt = &seen
	return true
}

// CanUnsubscribe reports whether any unsubscribe mechanism is known.
func (a *SenderAggregate) CanUnsubscribe() bool {
	return a.UnsubscribeLink != "" || a.UnsubscribeMailto != ""
}

// internal/model/message.go
package model

import "time"

// MessageStatus is the terminal delivery state of a single message.
// A nil *MessageStatus means the message has not been processed yet.
type MessageStatus int

const (
	MessageNotSent MessageStatus = 0
	MessageSent    MessageStatus = 1
)

func (s MessageStatus) String() string {
	switch s {
	case MessageNotSent:
		return "Not sent"
	case MessageSent:
		return "Sent"
	}
	return "unknown"
}

type Message struct {
	ID         int64          `db:"id" json:"id"`
	CampaignID int64          `db:"mailing_id" json:"mailing_id"`
	ClientID   *int64         `db:"client_id" json:"client_id"`
	SendDate   *time.Time     `db:"send_date" json:"send_date"`
	Status     *MessageStatus `db:"status" json:"status"`
}

// Pending reports whether the message still awaits a delivery outcome.
func (m Message) Pending() bool { return m.Status == nil }

// PendingMessage is an unset message joined with its recipient address.
type PendingMessage struct {
	MessageID int64
	ClientID  int64
	Phone     string
}

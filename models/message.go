package models

import "time"

// Direction of a logged message
type Direction string

const DirectionOutgoing Direction = "outgoing"

// SentMessageRecord is the append-only log entry written after a
// transport accepted a message
type SentMessageRecord struct {
	ID                string    `json:"id"`
	MailboxAccountID  string    `json:"mailbox_account_id"`
	UserID            string    `json:"user_id"`
	Direction         Direction `json:"direction"`
	FromAddress       string    `json:"from_address"`
	ToAddress         string    `json:"to_address"`
	Subject           string    `json:"subject"`
	TextBody          string    `json:"text_body,omitempty"`
	HTMLBody          string    `json:"html_body,omitempty"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	SentAt            time.Time `json:"sent_at"`
	ReceivedAt        time.Time `json:"received_at"`
	IsRead            bool      `json:"is_read"`
}

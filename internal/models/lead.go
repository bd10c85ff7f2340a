package models

import "time"

// Lead is a sales lead created or matched from an inbound sender
type Lead struct {
	ID               string    `json:"id"`
	FirstName        string    `json:"first_name"`
	Phone            string    `json:"whatsapp_no,omitempty"`
	Mobile           string    `json:"mobile_no,omitempty"`
	ExternalSenderID string    `json:"external_sender_id,omitempty"`
	Source           string    `json:"source"`
	Status           string    `json:"status"`
	Owner            string    `json:"owner,omitempty"`
	Company          string    `json:"company,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

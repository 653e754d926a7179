// Package store holds the audit records persisted by the Postgres store.
package store

import "time"

// Notification states.
const (
	NotificationSent   = "sent"
	NotificationFailed = "failed"
)

type WebhookEvent struct {
	ID             string
	TenantSlug     string
	AgentID        string
	ConversationID string
	EventType      string
	Status         string
	Payload        []byte
	ReceivedAt     time.Time
}

type Batch struct {
	TenantSlug string
	AgentID    string
	CreatedAt  time.Time
}

type Booking struct {
	ID             string
	TenantSlug     string
	ConversationID string
	Status         string
	Reason         string
	Name           string
	Phone          string
	Email          string
	Date           string
	Time           string
	CreatedAt      time.Time
}

type Notification struct {
	ID         string
	TenantSlug string
	Channel    string
	Recipient  string
	Provider   string
	ProviderID string
	State      string
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type NotificationStatusUpdate struct {
	Provider   string
	ProviderID string
	State      string
	LastError  string
	Now        time.Time
}

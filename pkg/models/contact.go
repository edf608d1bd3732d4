package models

import "time"

// ContactStatus is the subscription state of a contact as seen by the engine.
type ContactStatus string

const (
	ContactStatusSubscribed   ContactStatus = "subscribed"
	ContactStatusUnsubscribed ContactStatus = "unsubscribed"
	ContactStatusBounced      ContactStatus = "bounced"
	ContactStatusComplained   ContactStatus = "complained"
)

// ContactSnapshot is a read-only view of a contact at evaluation time,
// provided by the surrounding application's contact store.
type ContactSnapshot struct {
	ID              string        `json:"id"`
	Email           string        `json:"email"`
	Status          ContactStatus `json:"status"`
	Tags            []string      `json:"tags"`
	EngagementScore float64       `json:"engagement_score"`
	CreatedAt       time.Time     `json:"created_at"`
	LastOpenedAt    *time.Time    `json:"last_opened_at,omitempty"`
	LastActivityAt  *time.Time    `json:"last_activity_at,omitempty"`
}

// HasTag reports whether the contact carries the given tag.
func (c *ContactSnapshot) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}

	return false
}

// CanReceiveEmails reports whether email steps may target this contact.
func (c *ContactSnapshot) CanReceiveEmails() bool {
	return c.Status == ContactStatusSubscribed && c.Email != ""
}

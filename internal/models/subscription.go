package models

import (
	"fmt"

	"gorm.io/gorm"
)

// SubscriptionStatus tracks whether a channel subscription has been
// resolved to a concrete channel identity yet.
type SubscriptionStatus string

const (
	// SubscriptionPending means the channel URL was accepted but not
	// yet resolved against the platform.
	SubscriptionPending SubscriptionStatus = "pending"
	// SubscriptionResolved means the channel identity is known and the
	// poller includes this subscription in its sweeps.
	SubscriptionResolved SubscriptionStatus = "resolved"
)

// Valid reports whether the status is one of the defined values.
func (s SubscriptionStatus) Valid() bool {
	return s == SubscriptionPending || s == SubscriptionResolved
}

// Subscription is a user's standing request to ingest new uploads from
// a channel. It is created pending and resolved asynchronously; once
// resolved, ChannelID is never empty again.
type Subscription struct {
	BaseModel

	UserID     ULID   `gorm:"not null;size:26;index" json:"user_id"`
	ChannelURL string `gorm:"not null;size:2048" json:"channel_url"`

	// ChannelID is the platform's canonical channel identifier. Empty
	// while the subscription is pending.
	ChannelID string `gorm:"size:64;index" json:"channel_id,omitempty"`
	Title     string `gorm:"size:512" json:"title,omitempty"`

	Status SubscriptionStatus `gorm:"not null;size:20;default:'pending';index" json:"status"`

	// AutoPlaylistID points at the playlist that collects this
	// channel's items. Optional; assigned through the API.
	AutoPlaylistID *ULID `gorm:"size:26" json:"auto_playlist_id,omitempty"`

	// LastCheckedAt records the most recent poller sweep that covered
	// this subscription.
	LastCheckedAt *Time `json:"last_checked_at,omitempty"`
}

// TableName returns the database table name.
func (Subscription) TableName() string {
	return "subscriptions"
}

// IsResolved reports whether the channel identity is known.
func (s *Subscription) IsResolved() bool {
	return s.Status == SubscriptionResolved
}

// MarkResolved records the resolved channel identity.
func (s *Subscription) MarkResolved(channelID, title string) {
	s.Status = SubscriptionResolved
	s.ChannelID = channelID
	if title != "" {
		s.Title = title
	}
}

// Validate checks model invariants before persistence.
func (s *Subscription) Validate() error {
	if s.ChannelURL == "" {
		return fmt.Errorf("subscription channel URL is required")
	}
	if s.UserID.IsZero() {
		return fmt.Errorf("subscription user ID is required")
	}
	if !s.Status.Valid() {
		return fmt.Errorf("invalid subscription status: %s", s.Status)
	}
	if s.Status == SubscriptionResolved && s.ChannelID == "" {
		return fmt.Errorf("resolved subscription must carry a channel ID")
	}
	return nil
}

// BeforeCreate validates the subscription and assigns defaults.
func (s *Subscription) BeforeCreate(tx *gorm.DB) error {
	if err := s.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	if s.Status == "" {
		s.Status = SubscriptionPending
	}
	return s.Validate()
}

// BeforeUpdate validates the subscription before saving changes.
func (s *Subscription) BeforeUpdate(tx *gorm.DB) error {
	return s.Validate()
}

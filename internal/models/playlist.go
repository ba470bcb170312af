package models

import (
	"fmt"

	"gorm.io/gorm"
)

// Playlist is a user-owned ordered collection of items. A subscription
// may designate one as its auto playlist, in which case the poller
// appends every upload it queues for that channel.
type Playlist struct {
	BaseModel

	UserID ULID   `gorm:"not null;size:26;index" json:"user_id"`
	Name   string `gorm:"not null;size:512" json:"name"`

	// Auto marks playlists maintained by the subscription poller.
	Auto bool `gorm:"not null;default:false" json:"auto"`
}

// TableName returns the database table name.
func (Playlist) TableName() string {
	return "playlists"
}

// Validate checks model invariants before persistence.
func (p *Playlist) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("playlist name is required")
	}
	if p.UserID.IsZero() {
		return fmt.Errorf("playlist user ID is required")
	}
	return nil
}

// BeforeCreate validates the playlist and assigns defaults.
func (p *Playlist) BeforeCreate(tx *gorm.DB) error {
	if err := p.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return p.Validate()
}

// PlaylistItem is the membership row linking an item into a playlist at
// a position. Positions within a playlist are unique and grow upward;
// appending uses max(position)+1.
type PlaylistItem struct {
	BaseModel

	PlaylistID ULID `gorm:"not null;size:26;uniqueIndex:idx_playlist_member" json:"playlist_id"`
	ItemID     ULID `gorm:"not null;size:26;uniqueIndex:idx_playlist_member;index" json:"item_id"`
	Position   int  `gorm:"not null;default:0" json:"position"`
}

// TableName returns the database table name.
func (PlaylistItem) TableName() string {
	return "playlist_items"
}

// Validate checks model invariants before persistence.
func (pi *PlaylistItem) Validate() error {
	if pi.PlaylistID.IsZero() {
		return fmt.Errorf("playlist item playlist ID is required")
	}
	if pi.ItemID.IsZero() {
		return fmt.Errorf("playlist item item ID is required")
	}
	return nil
}

// BeforeCreate validates the membership row and assigns defaults.
func (pi *PlaylistItem) BeforeCreate(tx *gorm.DB) error {
	if err := pi.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return pi.Validate()
}

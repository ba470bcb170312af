package models

import (
	"fmt"

	"gorm.io/gorm"
)

// DefaultSummaryLanguage is the summary language applied to users who
// never chose one.
const DefaultSummaryLanguage = "中文"

// User owns items, subscriptions and playlists. There is no
// authentication layer here; callers identify users by ID.
type User struct {
	BaseModel

	Username string `gorm:"not null;size:255;uniqueIndex" json:"username"`

	// SummaryLanguage is the language summaries and keywords are
	// written in for this user's items.
	SummaryLanguage string `gorm:"not null;size:64;default:'中文'" json:"summary_language"`
}

// TableName returns the database table name.
func (User) TableName() string {
	return "users"
}

// EffectiveSummaryLanguage returns the user's summary language,
// falling back to the default for blank values.
func (u *User) EffectiveSummaryLanguage() string {
	if u.SummaryLanguage == "" {
		return DefaultSummaryLanguage
	}
	return u.SummaryLanguage
}

// Validate checks model invariants before persistence.
func (u *User) Validate() error {
	if u.Username == "" {
		return fmt.Errorf("username is required")
	}
	return nil
}

// BeforeCreate validates the user and assigns defaults.
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if err := u.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	if u.SummaryLanguage == "" {
		u.SummaryLanguage = DefaultSummaryLanguage
	}
	return u.Validate()
}

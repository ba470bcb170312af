// Package models defines the persistent domain types shared by the
// repositories, the pipeline and the HTTP layer.
package models

import (
	"crypto/rand"
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
)

// ULID is a lexicographically sortable unique identifier used as the
// primary key type for all models. Its string form sorts by creation
// time, which keeps "ORDER BY id" stable as a tie-breaker on equal
// timestamps.
type ULID string

// NewULID generates a new ULID based on the current time.
func NewULID() ULID {
	return ULID(ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String())
}

// ParseULID validates and converts a string into a ULID.
func ParseULID(s string) (ULID, error) {
	id, err := ulid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid ULID %q: %w", s, err)
	}
	return ULID(id.String()), nil
}

// String returns the canonical 26-character string form.
func (u ULID) String() string {
	return string(u)
}

// IsZero reports whether the ULID is unset.
func (u ULID) IsZero() bool {
	return u == ""
}

// Value implements driver.Valuer for database storage.
func (u ULID) Value() (driver.Value, error) {
	if u == "" {
		return nil, nil
	}
	return string(u), nil
}

// Scan implements sql.Scanner for database retrieval.
func (u *ULID) Scan(value interface{}) error {
	if value == nil {
		*u = ""
		return nil
	}
	switch v := value.(type) {
	case string:
		*u = ULID(v)
	case []byte:
		*u = ULID(v)
	default:
		return fmt.Errorf("cannot scan %T into ULID", value)
	}
	return nil
}

// GormDataType tells GORM how to store ULIDs.
func (ULID) GormDataType() string {
	return "varchar(26)"
}

// Time is the timestamp type used across models.
type Time = time.Time

// Now returns the current time in UTC.
func Now() Time {
	return time.Now().UTC()
}

// BaseModel provides the common identity and bookkeeping columns.
// All domain models embed it.
type BaseModel struct {
	ID        ULID           `gorm:"primaryKey;size:26" json:"id"`
	CreatedAt Time           `gorm:"not null;index" json:"created_at"`
	UpdatedAt Time           `gorm:"not null" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate assigns a ULID when none was provided.
func (b *BaseModel) BeforeCreate(tx *gorm.DB) error {
	if b.ID.IsZero() {
		b.ID = NewULID()
	}
	return nil
}

package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string    `gorm:"primaryKey"`
	Email        string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

type QuotaModel struct {
	UserID       string    `gorm:"primaryKey"`
	TotalBytes   int64     `gorm:"not null"`
	UsedBytes    int64     `gorm:"not null"`
	MaxItems     int       `gorm:"not null"`
	CurrentItems int       `gorm:"not null"`
	MaxFileBytes int64     `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

// AssetModel keeps an explicit DeletedAt pointer instead of gorm.DeletedAt:
// the soft-delete mark participates in guarded updates and quota reversal,
// so queries must control the deleted_at predicate themselves.
type AssetModel struct {
	ID            string         `gorm:"primaryKey"`
	PublicID      string         `gorm:"uniqueIndex;size:20;not null"`
	OwnerID       string         `gorm:"not null;index:idx_assets_owner_created"`
	Prompt        string         `gorm:"type:text;not null"`
	ModelName     string         `gorm:"size:100;not null"`
	Source        datatypes.JSON `gorm:"type:jsonb"`
	BlobKey       string         `gorm:"size:512"`
	URL           string         `gorm:"size:512;not null"`
	ByteSize      int64          `gorm:"not null"`
	Width         int
	Height        int
	ElapsedTime   string     `gorm:"size:16"`
	ModelResponse string     `gorm:"type:text"`
	CreatedAt     time.Time  `gorm:"not null;index:idx_assets_owner_created"`
	UpdatedAt     time.Time  `gorm:"not null"`
	DeletedAt     *time.Time `gorm:"index"`
}

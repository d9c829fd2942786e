package media

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no metadata row matches.
	ErrNotFound = errors.New("media not found")
	// ErrUnauthorized is returned when the caller may not access the room.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidQuery is returned for lookups on unknown or empty fields.
	ErrInvalidQuery = errors.New("invalid media query")
)

// Metadata describes one uploaded media object.
type Metadata struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	RoomID      string    `gorm:"index;not null" json:"room_id"`
	UserID      string    `gorm:"index;not null" json:"user_id"`
	MimeType    string    `gorm:"not null" json:"mime_type"`
	Description string    `json:"description"`
	BucketName  string    `gorm:"not null" json:"bucket_name"`
	ObjectKey   string    `gorm:"not null" json:"object_key"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableName pins the table name regardless of naming strategy.
func (Metadata) TableName() string {
	return "media_metadata"
}

// UploadInfo is returned to a client before it uploads encrypted media.
type UploadInfo struct {
	MediaID               string `json:"media_id"`
	PresignedURL          string `json:"presigned_url"`
	Base64ServerPublicKey string `json:"base64_server_public_key"`
}

// DownloadInfo is returned to a client fetching encrypted media.
type DownloadInfo struct {
	PresignedURL       string `json:"presigned_url"`
	MimeType           string `json:"mime_type"`
	Base64SymmetricKey string `json:"base64_symmetric_key"`
}

// ObjectKey is the blob key of a media object.
func ObjectKey(roomID, mediaID string) string {
	return roomID + "/" + mediaID
}

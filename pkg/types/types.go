package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JSONMap is a custom type that can handle JSON serialization for both PostgreSQL and SQLite
type JSONMap map[string]interface{}

// Value implements the driver.Valuer interface for GORM
func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface for GORM
func (j *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", value)
	}

	return json.Unmarshal(bytes, j)
}

// OperationKind identifies what a logged operation did
type OperationKind string

const (
	OpUpload       OperationKind = "upload"
	OpDownload     OperationKind = "download"
	OpUpdate       OperationKind = "update"
	OpUpdateEXIF   OperationKind = "update_exif"
	OpDelete       OperationKind = "delete"
	OpReplace      OperationKind = "replace"
	OpConflict     OperationKind = "conflict"
	OpBatchUpload  OperationKind = "batch_upload"
	OpBatchDelete  OperationKind = "batch_delete"
	OpBatchUpdate  OperationKind = "batch_update"
	OpBatchReplace OperationKind = "batch_replace"
)

// BatchKind returns the batch_* kind wrapping single-item operations of this kind
func (k OperationKind) BatchKind() OperationKind {
	switch k {
	case OpUpload:
		return OpBatchUpload
	case OpDelete:
		return OpBatchDelete
	case OpUpdate:
		return OpBatchUpdate
	case OpReplace:
		return OpBatchReplace
	default:
		return k
	}
}

// OperationStatus tracks operation lifecycle
type OperationStatus string

const (
	StatusPending    OperationStatus = "pending"
	StatusInProgress OperationStatus = "in_progress"
	StatusCompleted  OperationStatus = "completed"
	StatusFailed     OperationStatus = "failed"
)

// Terminal reports whether the status admits no further transition
func (s OperationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Operation is one immutable, sequenced entry in the operation log.
// Records are never deleted: when the subject image is hard-deleted the
// SubjectID is nulled but the row stays, it is the audit trail delta
// sync depends on.
type Operation struct {
	Sequence     int64           `json:"sequence" gorm:"primaryKey;autoIncrement:false"`
	ID           uuid.UUID       `json:"id" gorm:"type:uuid;uniqueIndex;not null"`
	Kind         OperationKind   `json:"kind" gorm:"not null;index"`
	SubjectID    *uuid.UUID      `json:"subject_id,omitempty" gorm:"type:uuid;index"`
	ClientID     string          `json:"client_id,omitempty"`
	GroupID      *uuid.UUID      `json:"group_id,omitempty" gorm:"type:uuid;index"`
	Status       OperationStatus `json:"status" gorm:"not null"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Metadata     JSONMap         `json:"metadata,omitempty" gorm:"serializer:json"`
	CreatedAt    time.Time       `json:"created_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// BeforeCreate generates the external UUID for the operation
func (o *Operation) BeforeCreate(tx *gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}

// SequenceCounter backs atomic sequence allocation. One well-known row
// per counter name, advanced with UPDATE ... RETURNING inside the same
// transaction as the log insert.
type SequenceCounter struct {
	Name  string `gorm:"primaryKey"`
	Value int64  `gorm:"not null"`
}

// OperationCounter is the counter row name for the operation log
const OperationCounter = "operations"

// Image represents a stored image asset
type Image struct {
	ID            uuid.UUID `json:"id" gorm:"primaryKey"`
	Filename      string    `json:"filename" gorm:"not null"`
	OriginalName  string    `json:"original_name"`
	ContentType   string    `json:"content_type"`
	Size          int64     `json:"size"`
	SHA256        string    `json:"sha256" gorm:"index"`
	Width         int       `json:"width"`
	Height        int       `json:"height"`
	StoragePath   string    `json:"-" gorm:"not null"`
	ThumbnailPath string    `json:"-"`
	EXIF          JSONMap   `json:"exif,omitempty" gorm:"serializer:json"`
	ClientID      string    `json:"client_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// BeforeCreate generates a UUID for the image ID
func (i *Image) BeforeCreate(tx *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}

// Device represents an enrolled client device
type Device struct {
	ID         uuid.UUID  `json:"id" gorm:"primaryKey"`
	Name       string     `json:"name" gorm:"not null"`
	IsActive   bool       `json:"is_active" gorm:"default:true"`
	LastSeenAt *time.Time `json:"last_seen_at"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// BeforeCreate generates a UUID for the device ID
func (d *Device) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

// AuthToken represents an issued device JWT
type AuthToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	DeviceID  uuid.UUID `json:"device_id"`
}

// EnrollRequest asks for a device token in exchange for the enrollment key
type EnrollRequest struct {
	DeviceName    string `json:"device_name" binding:"required,min=1,max=100"`
	EnrollmentKey string `json:"enrollment_key" binding:"required"`
}

// LockAcquireResponse is the wire shape of a lock acquisition attempt
type LockAcquireResponse struct {
	Granted bool   `json:"granted"`
	Token   string `json:"token,omitempty"`
	Message string `json:"message,omitempty"`
}

// LockReleaseRequest carries the token proving lock ownership
type LockReleaseRequest struct {
	Token string `json:"token" binding:"required"`
}

// LockReleaseResponse reports whether the lock was released
type LockReleaseResponse struct {
	Released bool   `json:"released"`
	Message  string `json:"message,omitempty"`
}

// InitUploadRequest starts a chunked upload session
type InitUploadRequest struct {
	Filename        string `json:"filename" binding:"required"`
	TotalSize       int64  `json:"total_size" binding:"required"`
	ChunkSize       int64  `json:"chunk_size" binding:"required"`
	TotalChunks     int    `json:"total_chunks" binding:"required"`
	MimeType        string `json:"mime_type"`
	ReplaceTargetID string `json:"replace_target_id,omitempty"`
}

// UploadStatusResponse reports chunked upload progress
type UploadStatusResponse struct {
	SessionID      string  `json:"session_id"`
	Status         string  `json:"status"`
	TotalChunks    int     `json:"total_chunks"`
	UploadedChunks int     `json:"uploaded_chunks"`
	UploadedList   []int   `json:"uploaded_list"`
	Percent        float64 `json:"percent"`
	ExpiresIn      int64   `json:"expires_in_seconds"`
}

// UpdateImageRequest patches image metadata
type UpdateImageRequest struct {
	OriginalName string  `json:"original_name,omitempty"`
	EXIF         JSONMap `json:"exif,omitempty"`
}

// BatchDeleteRequest deletes several images in one call
type BatchDeleteRequest struct {
	IDs []string `json:"ids" binding:"required,min=1"`
}

// BatchUpdateItem is one item of a batch metadata update
type BatchUpdateItem struct {
	ID           string  `json:"id" binding:"required"`
	OriginalName string  `json:"original_name,omitempty"`
	EXIF         JSONMap `json:"exif,omitempty"`
}

// BatchUpdateRequest updates several images in one call
type BatchUpdateRequest struct {
	Items []BatchUpdateItem `json:"items" binding:"required,min=1"`
}

// BatchItemError describes one failed item inside a batch
type BatchItemError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// BatchResult is the caller-facing summary of a batch operation.
// Batches are never all-or-nothing: item failures are isolated and
// reported here, they do not roll back siblings.
type BatchResult struct {
	Requested  int              `json:"requested"`
	Successful int              `json:"successful"`
	Failed     int              `json:"failed"`
	Errors     []BatchItemError `json:"errors,omitempty"`
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

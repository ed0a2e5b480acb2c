package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Role is a user's relationship to a document.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
	RoleNone   Role = "none"
)

// CanRead reports whether the role permits reading document content.
func (r Role) CanRead() bool {
	return r == RoleOwner || r == RoleEditor || r == RoleViewer
}

// CanEdit reports whether the role permits submitting updates.
func (r Role) CanEdit() bool {
	return r == RoleOwner || r == RoleEditor
}

// ShareStatus controls what an anonymous-but-tokened caller may do.
type ShareStatus string

const (
	SharePrivate    ShareStatus = "private"
	ShareRestricted ShareStatus = "restricted"
	SharePublicView ShareStatus = "public_view"
	SharePublicEdit ShareStatus = "public_edit"
)

// User is created on first successful token verification and refreshed
// on re-auth. Subject is the identity provider's stable external id.
type User struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Subject   string    `gorm:"uniqueIndex;not null"`
	Email     string
	Name      string
	AvatarURL string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

// Document is the durable record; content lives in the update log and
// snapshot store. Only the hash of the active share-link token is
// stored, never the token itself.
type Document struct {
	ID            uuid.UUID   `gorm:"type:uuid;primaryKey"`
	Title         string      `gorm:"not null"`
	OwnerID       uuid.UUID   `gorm:"type:uuid;index;not null"`
	ShareStatus   ShareStatus `gorm:"default:private;not null"`
	ShareLinkHash []byte      `gorm:"type:bytea"`
	ArchivedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (d *Document) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

// DocumentMember maps (document, user) to a role.
type DocumentMember struct {
	DocumentID uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID     uuid.UUID `gorm:"type:uuid;primaryKey;index"`
	Role       Role      `gorm:"not null"`
	CreatedAt  time.Time
}

// DocumentState is the per-document control record. The update log
// increments LatestUpdateSeq under a row lock; the snapshot path
// advances the snapshot pointer under a transactional guard.
type DocumentState struct {
	DocumentID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	LatestSnapshotSeq int64     `gorm:"default:0;not null"`
	LatestSnapshotKey *string
	LatestUpdateSeq   int64 `gorm:"default:0;not null"`
	UpdatedAt         time.Time
}

// Folder groups documents for the owner's sidebar.
type Folder struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	OwnerID   uuid.UUID `gorm:"type:uuid;index;not null"`
	Name      string    `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (f *Folder) BeforeCreate(tx *gorm.DB) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	return nil
}

// DocumentFolder assigns a document to a folder. A document may appear
// in at most one folder per owner; enforced at the store level.
type DocumentFolder struct {
	FolderID   uuid.UUID `gorm:"type:uuid;primaryKey"`
	DocumentID uuid.UUID `gorm:"type:uuid;primaryKey;index"`
	CreatedAt  time.Time
}

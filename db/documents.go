package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/D-Astudillo-ASC/collaborative-editor/common"
	"github.com/D-Astudillo-ASC/collaborative-editor/security"
)

// Documents persists documents, memberships, and share links.
type Documents struct {
	db *DB
}

func NewDocuments(db *DB) *Documents {
	return &Documents{db: db}
}

// Create atomically writes the document row, its control record, and
// the owner membership. When initial update bytes are supplied they
// become sequence 1, so a joining peer sees content immediately.
func (s *Documents) Create(ctx context.Context, ownerID uuid.UUID, title string, initial []byte) (*Document, error) {
	if title == "" {
		return nil, common.E(common.KindValidation, "title must not be empty")
	}
	doc := Document{
		Title:       title,
		OwnerID:     ownerID,
		ShareStatus: SharePrivate,
	}
	err := s.db.Gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&doc).Error; err != nil {
			return err
		}
		state := DocumentState{DocumentID: doc.ID}
		if len(initial) > 0 {
			state.LatestUpdateSeq = 1
		}
		if err := tx.Create(&state).Error; err != nil {
			return err
		}
		member := DocumentMember{DocumentID: doc.ID, UserID: ownerID, Role: RoleOwner}
		if err := tx.Create(&member).Error; err != nil {
			return err
		}
		if len(initial) > 0 {
			return tx.Exec(
				`INSERT INTO document_updates (document_id, seq, actor_id, update) VALUES (?, 1, ?, ?)`,
				doc.ID, ownerID, initial,
			).Error
		}
		return nil
	})
	if err != nil {
		return nil, common.Wrap(common.KindTransient, "creating document", err)
	}
	return &doc, nil
}

// Get returns a document by id, archived or not. Callers decide
// whether archived documents are visible for their operation.
func (s *Documents) Get(ctx context.Context, id uuid.UUID) (*Document, error) {
	var doc Document
	err := s.db.Gorm.WithContext(ctx).First(&doc, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, common.E(common.KindNotFound, "document not found")
	}
	if err != nil {
		return nil, common.Wrap(common.KindTransient, "loading document", err)
	}
	return &doc, nil
}

// ListFor returns documents the user owns or is a member of, excluding
// archived ones, newest-first.
func (s *Documents) ListFor(ctx context.Context, userID uuid.UUID) ([]Document, error) {
	var docs []Document
	err := s.db.Gorm.WithContext(ctx).
		Where("archived_at IS NULL").
		Where("owner_id = ? OR id IN (SELECT document_id FROM document_members WHERE user_id = ?)", userID, userID).
		Order("updated_at DESC").
		Find(&docs).Error
	if err != nil {
		return nil, common.Wrap(common.KindTransient, "listing documents", err)
	}
	return docs, nil
}

// RoleOf resolves the user's membership role. Owners are owners even
// without a membership row.
func (s *Documents) RoleOf(ctx context.Context, userID, documentID uuid.UUID) (Role, error) {
	doc, err := s.Get(ctx, documentID)
	if err != nil {
		return RoleNone, err
	}
	if doc.OwnerID == userID {
		return RoleOwner, nil
	}
	var member DocumentMember
	err = s.db.Gorm.WithContext(ctx).
		First(&member, "document_id = ? AND user_id = ?", documentID, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RoleNone, nil
	}
	if err != nil {
		return RoleNone, common.Wrap(common.KindTransient, "loading membership", err)
	}
	return member.Role, nil
}

// MemberRoles resolves the user's membership role for each given
// document in one query. Documents without a membership row are absent
// from the result.
func (s *Documents) MemberRoles(ctx context.Context, userID uuid.UUID, documentIDs []uuid.UUID) (map[uuid.UUID]Role, error) {
	roles := make(map[uuid.UUID]Role, len(documentIDs))
	if len(documentIDs) == 0 {
		return roles, nil
	}
	var members []DocumentMember
	err := s.db.Gorm.WithContext(ctx).
		Where("user_id = ? AND document_id IN ?", userID, documentIDs).
		Find(&members).Error
	if err != nil {
		return nil, common.Wrap(common.KindTransient, "loading membership roles", err)
	}
	for _, m := range members {
		roles[m.DocumentID] = m.Role
	}
	return roles, nil
}

// AddMember grants a role on a document. Existing memberships are
// replaced so invites can upgrade viewer to editor.
func (s *Documents) AddMember(ctx context.Context, documentID, userID uuid.UUID, role Role) error {
	if role != RoleEditor && role != RoleViewer {
		return common.E(common.KindValidation, "role must be editor or viewer")
	}
	member := DocumentMember{DocumentID: documentID, UserID: userID, Role: role}
	err := s.db.Gorm.WithContext(ctx).Save(&member).Error
	if err != nil {
		return common.Wrap(common.KindTransient, "saving membership", err)
	}
	return nil
}

// RotateShareLink generates a fresh share token, persists its hash and
// the new share status, and returns the plaintext token exactly once.
// Owner-only. Any previous token stops authorizing immediately; under
// two concurrent rotations the later UPDATE wins and exactly one token
// survives.
func (s *Documents) RotateShareLink(ctx context.Context, callerID, documentID uuid.UUID, mode string) (string, error) {
	var status ShareStatus
	switch mode {
	case "view":
		status = SharePublicView
	case "edit":
		status = SharePublicEdit
	default:
		return "", common.E(common.KindValidation, "share mode must be view or edit")
	}

	doc, err := s.Get(ctx, documentID)
	if err != nil {
		return "", err
	}
	if doc.OwnerID != callerID {
		return "", common.E(common.KindForbidden, "only the owner can rotate share links")
	}

	token, hash, err := security.NewShareToken()
	if err != nil {
		return "", common.Wrap(common.KindInternal, "generating share token", err)
	}
	res := s.db.Gorm.WithContext(ctx).Model(&Document{}).
		Where("id = ? AND owner_id = ?", documentID, callerID).
		Updates(map[string]interface{}{
			"share_status":    status,
			"share_link_hash": hash,
		})
	if res.Error != nil {
		return "", common.Wrap(common.KindTransient, "storing share link", res.Error)
	}
	if res.RowsAffected == 0 {
		return "", common.E(common.KindNotFound, "document not found")
	}
	return token, nil
}

// RevokeShareLink clears the active token and returns the document to
// restricted sharing.
func (s *Documents) RevokeShareLink(ctx context.Context, callerID, documentID uuid.UUID) error {
	doc, err := s.Get(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.OwnerID != callerID {
		return common.E(common.KindForbidden, "only the owner can revoke share links")
	}
	err = s.db.Gorm.WithContext(ctx).Model(&Document{}).
		Where("id = ?", documentID).
		Updates(map[string]interface{}{
			"share_status":    ShareRestricted,
			"share_link_hash": nil,
		}).Error
	if err != nil {
		return common.Wrap(common.KindTransient, "revoking share link", err)
	}
	return nil
}

// ResolveShareLink maps a presented token to the role it grants, or
// RoleNone. Comparison is constant-time against the stored hash.
func (s *Documents) ResolveShareLink(ctx context.Context, documentID uuid.UUID, token string) (Role, error) {
	doc, err := s.Get(ctx, documentID)
	if err != nil {
		return RoleNone, err
	}
	if token == "" || !security.VerifyShareToken(token, doc.ShareLinkHash) {
		return RoleNone, nil
	}
	switch doc.ShareStatus {
	case SharePublicView:
		return RoleViewer, nil
	case SharePublicEdit:
		return RoleEditor, nil
	default:
		return RoleNone, nil
	}
}

// Rename updates the title. Owner-only.
func (s *Documents) Rename(ctx context.Context, callerID, documentID uuid.UUID, title string) error {
	if title == "" {
		return common.E(common.KindValidation, "title must not be empty")
	}
	doc, err := s.Get(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.OwnerID != callerID {
		return common.E(common.KindForbidden, "only the owner can rename")
	}
	err = s.db.Gorm.WithContext(ctx).Model(&Document{}).
		Where("id = ?", documentID).
		Update("title", title).Error
	if err != nil {
		return common.Wrap(common.KindTransient, "renaming document", err)
	}
	return nil
}

// Archive soft-deletes the document. The update log and snapshots are
// retained; the document disappears from listings and hubs refuse it.
func (s *Documents) Archive(ctx context.Context, callerID, documentID uuid.UUID) error {
	doc, err := s.Get(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.OwnerID != callerID {
		return common.E(common.KindForbidden, "only the owner can archive")
	}
	now := time.Now()
	err = s.db.Gorm.WithContext(ctx).Model(&Document{}).
		Where("id = ?", documentID).
		Update("archived_at", &now).Error
	if err != nil {
		return common.Wrap(common.KindTransient, "archiving document", err)
	}
	return nil
}

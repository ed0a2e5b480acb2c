package db

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/D-Astudillo-ASC/collaborative-editor/common"
)

// Folders organizes a user's documents. Folders never affect
// authorization; they are a view over documents the user already has.
type Folders struct {
	db *DB
}

func NewFolders(db *DB) *Folders {
	return &Folders{db: db}
}

func (s *Folders) Create(ctx context.Context, ownerID uuid.UUID, name string) (*Folder, error) {
	if name == "" {
		return nil, common.E(common.KindValidation, "folder name must not be empty")
	}
	folder := Folder{OwnerID: ownerID, Name: name}
	if err := s.db.Gorm.WithContext(ctx).Create(&folder).Error; err != nil {
		return nil, common.Wrap(common.KindTransient, "creating folder", err)
	}
	return &folder, nil
}

func (s *Folders) ListFor(ctx context.Context, ownerID uuid.UUID) ([]Folder, error) {
	var folders []Folder
	err := s.db.Gorm.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("name ASC").
		Find(&folders).Error
	if err != nil {
		return nil, common.Wrap(common.KindTransient, "listing folders", err)
	}
	return folders, nil
}

// Assign places a document in a folder, moving it out of any other
// folder owned by the same user.
func (s *Folders) Assign(ctx context.Context, callerID, folderID, documentID uuid.UUID) error {
	folder, err := s.get(ctx, folderID)
	if err != nil {
		return err
	}
	if folder.OwnerID != callerID {
		return common.E(common.KindForbidden, "not your folder")
	}
	return s.db.Gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Exec(
			`DELETE FROM document_folders WHERE document_id = ? AND folder_id IN (SELECT id FROM folders WHERE owner_id = ?)`,
			documentID, callerID,
		).Error
		if err != nil {
			return common.Wrap(common.KindTransient, "clearing folder assignment", err)
		}
		link := DocumentFolder{FolderID: folderID, DocumentID: documentID}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error; err != nil {
			return common.Wrap(common.KindTransient, "assigning document to folder", err)
		}
		return nil
	})
}

// Remove takes a document out of a folder.
func (s *Folders) Remove(ctx context.Context, callerID, folderID, documentID uuid.UUID) error {
	folder, err := s.get(ctx, folderID)
	if err != nil {
		return err
	}
	if folder.OwnerID != callerID {
		return common.E(common.KindForbidden, "not your folder")
	}
	err = s.db.Gorm.WithContext(ctx).
		Delete(&DocumentFolder{}, "folder_id = ? AND document_id = ?", folderID, documentID).Error
	if err != nil {
		return common.Wrap(common.KindTransient, "removing document from folder", err)
	}
	return nil
}

// Delete removes the folder and its assignments. Documents themselves
// are untouched.
func (s *Folders) Delete(ctx context.Context, callerID, folderID uuid.UUID) error {
	folder, err := s.get(ctx, folderID)
	if err != nil {
		return err
	}
	if folder.OwnerID != callerID {
		return common.E(common.KindForbidden, "not your folder")
	}
	return s.db.Gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&DocumentFolder{}, "folder_id = ?", folderID).Error; err != nil {
			return common.Wrap(common.KindTransient, "clearing folder contents", err)
		}
		if err := tx.Delete(&Folder{}, "id = ?", folderID).Error; err != nil {
			return common.Wrap(common.KindTransient, "deleting folder", err)
		}
		return nil
	})
}

// Contents lists document ids assigned to a folder.
func (s *Folders) Contents(ctx context.Context, callerID, folderID uuid.UUID) ([]uuid.UUID, error) {
	folder, err := s.get(ctx, folderID)
	if err != nil {
		return nil, err
	}
	if folder.OwnerID != callerID {
		return nil, common.E(common.KindForbidden, "not your folder")
	}
	var ids []uuid.UUID
	err = s.db.Gorm.WithContext(ctx).Model(&DocumentFolder{}).
		Where("folder_id = ?", folderID).
		Pluck("document_id", &ids).Error
	if err != nil {
		return nil, common.Wrap(common.KindTransient, "listing folder contents", err)
	}
	return ids, nil
}

func (s *Folders) get(ctx context.Context, id uuid.UUID) (*Folder, error) {
	var folder Folder
	err := s.db.Gorm.WithContext(ctx).First(&folder, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, common.E(common.KindNotFound, "folder not found")
	}
	if err != nil {
		return nil, common.Wrap(common.KindTransient, "loading folder", err)
	}
	return &folder, nil
}

// Package images is the metadata store for image entities plus the
// domain operations (delete, update, download, and their batch forms)
// that write through the operation log.
package images

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/pixelvault/pixelvault/internal/common"
	"github.com/pixelvault/pixelvault/internal/oplog"
	"github.com/pixelvault/pixelvault/internal/storage"
	"github.com/pixelvault/pixelvault/pkg/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Service handles image metadata operations
type Service struct {
	db         *common.Database
	storage    storage.BlobStorage
	oplog      *oplog.Service
	presignTTL time.Duration
}

// NewService creates a new image metadata service
func NewService(db *common.Database, blobStorage storage.BlobStorage, logService *oplog.Service, presignTTL time.Duration) *Service {
	return &Service{
		db:         db,
		storage:    blobStorage,
		oplog:      logService,
		presignTTL: presignTTL,
	}
}

// Get loads one image by id
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*types.Image, error) {
	var img types.Image
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&img).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, &types.NotFoundError{Resource: "image", ID: id.String()}
		}
		return nil, &types.TransientError{Op: "load image", Err: err}
	}
	return &img, nil
}

// FindByHash returns the image with the given content hash, or nil.
// Used for duplicate-content detection at upload completion.
func (s *Service) FindByHash(ctx context.Context, sha256 string) (*types.Image, error) {
	var img types.Image
	err := s.db.WithContext(ctx).Where("sha256 = ?", sha256).First(&img).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, &types.TransientError{Op: "lookup image by hash", Err: err}
	}
	return &img, nil
}

// Create commits a new image row
func (s *Service) Create(ctx context.Context, img *types.Image) error {
	if err := s.db.WithContext(ctx).Create(img).Error; err != nil {
		return &types.TransientError{Op: "create image", Err: err}
	}
	return nil
}

// SwapContent replaces an image's content and thumbnail pointers in one
// transaction and returns the previous paths so the caller can clean up
// the old blobs.
func (s *Service) SwapContent(ctx context.Context, id uuid.UUID, updated *types.Image) (oldPaths []string, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current types.Image
		if err := tx.Where("id = ?", id).First(&current).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return &types.NotFoundError{Resource: "image", ID: id.String()}
			}
			return &types.TransientError{Op: "load image", Err: err}
		}

		oldPaths = []string{current.StoragePath}
		if current.ThumbnailPath != "" {
			oldPaths = append(oldPaths, current.ThumbnailPath)
		}

		updates := map[string]interface{}{
			"filename":       updated.Filename,
			"original_name":  updated.OriginalName,
			"content_type":   updated.ContentType,
			"size":           updated.Size,
			"sha256":         updated.SHA256,
			"width":          updated.Width,
			"height":         updated.Height,
			"storage_path":   updated.StoragePath,
			"thumbnail_path": updated.ThumbnailPath,
		}
		if err := tx.Model(&types.Image{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return &types.TransientError{Op: "swap image content", Err: err}
		}
		return nil
	})
	return oldPaths, err
}

// deleteOne removes the image row and detaches it from prior log
// records. Blob deletion is best-effort: a stale blob is preferable to
// a failed delete.
func (s *Service) deleteOne(ctx context.Context, id uuid.UUID, clientID string) error {
	img, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := s.db.WithContext(ctx).Delete(&types.Image{}, "id = ?", id).Error; err != nil {
		return &types.TransientError{Op: "delete image", Err: err}
	}

	// Log records survive the entity: only the subject pointer is nulled
	if err := s.oplog.DetachSubject(ctx, id); err != nil {
		log.Error().Err(err).Str("image_id", id.String()).Msg("failed to detach log subject")
	}

	for _, path := range []string{img.StoragePath, img.ThumbnailPath} {
		if path == "" {
			continue
		}
		if err := s.storage.Delete(ctx, path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("failed to delete image blob")
		}
	}

	return nil
}

// Delete removes one image and logs the deletion. The log is advanced
// only after the metadata delete has committed.
func (s *Service) Delete(ctx context.Context, id uuid.UUID, clientID string) (*types.Operation, error) {
	if err := s.deleteOne(ctx, id, clientID); err != nil {
		return nil, err
	}

	// The row is gone, so the record carries the id in metadata rather
	// than a dangling subject reference
	return s.oplog.Append(ctx, oplog.Entry{
		Kind:     types.OpDelete,
		ClientID: clientID,
		Status:   types.StatusCompleted,
		Metadata: types.JSONMap{"image_id": id.String()},
	})
}

// updateOne applies a metadata patch and reports which kind of change it was
func (s *Service) updateOne(ctx context.Context, id uuid.UUID, req *types.UpdateImageRequest) (types.OperationKind, error) {
	if req.OriginalName == "" && req.EXIF == nil {
		return "", types.NewValidationError("empty update")
	}

	if _, err := s.Get(ctx, id); err != nil {
		return "", err
	}

	updates := map[string]interface{}{}
	kind := types.OpUpdate
	if req.OriginalName != "" {
		updates["original_name"] = req.OriginalName
	}
	if req.EXIF != nil {
		updates["exif"] = req.EXIF
		if req.OriginalName == "" {
			kind = types.OpUpdateEXIF
		}
	}

	if err := s.db.WithContext(ctx).Model(&types.Image{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return "", &types.TransientError{Op: "update image", Err: err}
	}
	return kind, nil
}

// Update patches image metadata and logs the change
func (s *Service) Update(ctx context.Context, id uuid.UUID, clientID string, req *types.UpdateImageRequest) (*types.Operation, error) {
	kind, err := s.updateOne(ctx, id, req)
	if err != nil {
		return nil, err
	}

	return s.oplog.Append(ctx, oplog.Entry{
		Kind:      kind,
		SubjectID: &id,
		ClientID:  clientID,
		Status:    types.StatusCompleted,
	})
}

// DownloadURL issues a presigned GET URL for the image content and logs
// the download. Backends without presign support surface
// storage.ErrPresignNotSupported so the route can stream instead.
func (s *Service) DownloadURL(ctx context.Context, id uuid.UUID, clientID string) (string, *types.Image, error) {
	img, err := s.Get(ctx, id)
	if err != nil {
		return "", nil, err
	}

	url, err := s.storage.PresignURL(ctx, img.StoragePath, storage.PresignGet, s.presignTTL)
	if err != nil {
		return "", img, err
	}

	if _, err := s.oplog.Append(ctx, oplog.Entry{
		Kind:      types.OpDownload,
		SubjectID: &id,
		ClientID:  clientID,
		Status:    types.StatusCompleted,
	}); err != nil {
		return "", img, err
	}

	return url, img, nil
}

// Stream opens the image content for inline delivery
func (s *Service) Stream(ctx context.Context, img *types.Image) (io.ReadCloser, error) {
	return s.storage.Retrieve(ctx, img.StoragePath)
}

// BatchDelete removes several images with per-item isolation. A single
// id logs directly with no group wrapper; larger requests are grouped
// through the log's batch convention.
func (s *Service) BatchDelete(ctx context.Context, clientID string, ids []string) (*types.BatchResult, error) {
	if len(ids) == 1 {
		return s.singleItemBatch(ctx, ids[0], func(id uuid.UUID) error {
			_, err := s.Delete(ctx, id, clientID)
			return err
		})
	}

	group, err := s.oplog.CreateGroup(ctx, types.OpBatchDelete, clientID, len(ids), nil)
	if err != nil {
		return nil, err
	}

	result := &types.BatchResult{Requested: len(ids)}
	for _, raw := range ids {
		itemErr := s.runBatchItem(ctx, raw, func(id uuid.UUID) error {
			return s.deleteOne(ctx, id, clientID)
		})
		s.recordBatchItem(ctx, group.ID, types.OpDelete, clientID, raw, itemErr, result)
	}

	if err := s.oplog.FinalizeGroup(ctx, group.ID, result.Successful, result.Failed); err != nil {
		return nil, err
	}
	return result, nil
}

// BatchUpdate patches several images with per-item isolation
func (s *Service) BatchUpdate(ctx context.Context, clientID string, items []types.BatchUpdateItem) (*types.BatchResult, error) {
	if len(items) == 1 {
		item := items[0]
		return s.singleItemBatch(ctx, item.ID, func(id uuid.UUID) error {
			_, err := s.Update(ctx, id, clientID, &types.UpdateImageRequest{
				OriginalName: item.OriginalName,
				EXIF:         item.EXIF,
			})
			return err
		})
	}

	group, err := s.oplog.CreateGroup(ctx, types.OpBatchUpdate, clientID, len(items), nil)
	if err != nil {
		return nil, err
	}

	result := &types.BatchResult{Requested: len(items)}
	for _, item := range items {
		req := &types.UpdateImageRequest{OriginalName: item.OriginalName, EXIF: item.EXIF}
		itemErr := s.runBatchItem(ctx, item.ID, func(id uuid.UUID) error {
			_, err := s.updateOne(ctx, id, req)
			return err
		})
		s.recordBatchItem(ctx, group.ID, types.OpUpdate, clientID, item.ID, itemErr, result)
	}

	if err := s.oplog.FinalizeGroup(ctx, group.ID, result.Successful, result.Failed); err != nil {
		return nil, err
	}
	return result, nil
}

// singleItemBatch runs a one-item request without a group wrapper
func (s *Service) singleItemBatch(ctx context.Context, raw string, op func(uuid.UUID) error) (*types.BatchResult, error) {
	result := &types.BatchResult{Requested: 1}
	if err := s.runBatchItem(ctx, raw, op); err != nil {
		result.Failed = 1
		result.Errors = append(result.Errors, types.BatchItemError{ID: raw, Error: err.Error()})
	} else {
		result.Successful = 1
	}
	return result, nil
}

// runBatchItem parses the id and applies op, isolating the item's failure
func (s *Service) runBatchItem(ctx context.Context, raw string, op func(uuid.UUID) error) error {
	id, err := uuid.Parse(raw)
	if err != nil {
		return types.NewValidationError("invalid image id: %s", raw)
	}
	return op(id)
}

// recordBatchItem logs one child record and folds the outcome into the summary
func (s *Service) recordBatchItem(ctx context.Context, groupID uuid.UUID, kind types.OperationKind, clientID, raw string, itemErr error, result *types.BatchResult) {
	entry := oplog.Entry{
		Kind:     kind,
		ClientID: clientID,
		Status:   types.StatusCompleted,
		Metadata: types.JSONMap{"image_id": raw},
	}
	// Deleted rows no longer exist, so only surviving subjects keep a reference
	if id, err := uuid.Parse(raw); err == nil && itemErr == nil && kind != types.OpDelete {
		entry.SubjectID = &id
	}
	if itemErr != nil {
		entry.Status = types.StatusFailed
		entry.ErrorMessage = itemErr.Error()
		result.Failed++
		result.Errors = append(result.Errors, types.BatchItemError{ID: raw, Error: itemErr.Error()})
	} else {
		result.Successful++
	}

	if _, err := s.oplog.AppendGroupItem(ctx, groupID, entry); err != nil {
		log.Error().Err(err).Str("group_id", groupID.String()).Msg("failed to log batch item")
	}
}

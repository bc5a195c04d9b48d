package oplog

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pixelvault/pixelvault/pkg/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Batch grouping is a convention over the log, not a separate table: one
// parent record (kind batch_*, nil group id) aggregates N children that
// carry the parent's external id as their group id. Callers with a
// single item log it directly and skip the wrapper.

// CreateGroup appends the in_progress parent record for a multi-item
// request. expected is the number of children the caller intends to log.
func (s *Service) CreateGroup(ctx context.Context, kind types.OperationKind, clientID string, expected int, metadata types.JSONMap) (*types.Operation, error) {
	if expected < 2 {
		return nil, types.NewValidationError("batch group requires at least 2 items, got %d", expected)
	}

	if metadata == nil {
		metadata = types.JSONMap{}
	}
	metadata[MetaExpectedCount] = expected

	parent, err := s.Append(ctx, Entry{
		Kind:     kind,
		ClientID: clientID,
		Status:   types.StatusInProgress,
		Metadata: metadata,
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("group_id", parent.ID.String()).
		Str("kind", string(kind)).
		Int("expected", expected).
		Msg("batch group created")

	return parent, nil
}

// AppendGroupItem logs one child outcome under the group. Children are
// always terminal: completed, or failed with the item's error message.
func (s *Service) AppendGroupItem(ctx context.Context, groupID uuid.UUID, entry Entry) (*types.Operation, error) {
	if !entry.Status.Terminal() {
		return nil, types.NewValidationError("batch item requires a terminal status, got %q", entry.Status)
	}
	entry.GroupID = &groupID
	return s.Append(ctx, entry)
}

// FinalizeGroup marks the parent completed and stamps the outcome counts
// into its metadata. A batch with partial failures is still a completed
// batch; per-item errors live on the children.
func (s *Service) FinalizeGroup(ctx context.Context, groupID uuid.UUID, successCount, failedCount int) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var parent types.Operation
		if err := tx.Where("id = ? AND group_id IS NULL", groupID).First(&parent).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return &types.NotFoundError{Resource: "batch group", ID: groupID.String()}
			}
			return &types.TransientError{Op: "load batch group", Err: err}
		}
		if parent.Status.Terminal() {
			return &types.ConflictError{Msg: "batch group already finalized"}
		}

		metadata := parent.Metadata
		if metadata == nil {
			metadata = types.JSONMap{}
		}
		metadata[MetaSuccessCount] = successCount
		metadata[MetaFailedCount] = failedCount
		metadata[MetaTotalCount] = successCount + failedCount

		now := time.Now().UTC()
		updates := map[string]interface{}{
			"status":       types.StatusCompleted,
			"metadata":     metadata,
			"completed_at": &now,
		}
		if err := tx.Model(&types.Operation{}).Where("id = ?", groupID).Updates(updates).Error; err != nil {
			return &types.TransientError{Op: "finalize batch group", Err: err}
		}

		log.Info().
			Str("group_id", groupID.String()).
			Int("success", successCount).
			Int("failed", failedCount).
			Msg("batch group finalized")

		return nil
	})
}

// Package oplog maintains the append-only, totally ordered operation log
// that powers incremental delta sync. Every mutation in the system flows
// through Append; sequence numbers are allocated atomically at the
// database so ordering holds across multiple server processes.
package oplog

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pixelvault/pixelvault/internal/common"
	"github.com/pixelvault/pixelvault/pkg/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const (
	// MaxPageSize bounds how many records a single delta fetch returns
	MaxPageSize = 1000
)

// Known metadata keys written by the log and the batch grouper
const (
	MetaTotalCount    = "total_count"
	MetaSuccessCount  = "success_count"
	MetaFailedCount   = "failed_count"
	MetaExpectedCount = "expected_count"
)

// Service provides append and delta-read access to the operation log
type Service struct {
	db *common.Database
}

// NewService creates a new operation log service
func NewService(db *common.Database) *Service {
	return &Service{db: db}
}

// Entry describes one operation to append
type Entry struct {
	Kind         types.OperationKind
	SubjectID    *uuid.UUID
	ClientID     string
	GroupID      *uuid.UUID
	Status       types.OperationStatus
	ErrorMessage string
	Metadata     types.JSONMap
}

// Append records an operation and assigns it the next sequence number.
// The counter increment and the insert share one transaction, so a
// rolled-back append never leaks a gap and concurrent appenders never
// collide. Allocation order, not request-arrival order, is the order
// clients observe.
func (s *Service) Append(ctx context.Context, entry Entry) (*types.Operation, error) {
	op := &types.Operation{
		Kind:         entry.Kind,
		SubjectID:    entry.SubjectID,
		ClientID:     entry.ClientID,
		GroupID:      entry.GroupID,
		Status:       entry.Status,
		ErrorMessage: entry.ErrorMessage,
		Metadata:     entry.Metadata,
	}
	if op.Status == "" {
		op.Status = types.StatusCompleted
	}
	if op.Status.Terminal() {
		now := time.Now().UTC()
		op.CompletedAt = &now
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var seq int64
		res := tx.Raw(
			"UPDATE sequence_counters SET value = value + 1 WHERE name = ? RETURNING value",
			types.OperationCounter,
		).Scan(&seq)
		if res.Error != nil {
			return res.Error
		}
		if seq == 0 {
			return gorm.ErrRecordNotFound
		}
		op.Sequence = seq
		return tx.Create(op).Error
	})
	if err != nil {
		log.Error().Err(err).Str("kind", string(entry.Kind)).Msg("operation append failed")
		return nil, &types.TransientError{Op: "append operation", Err: err}
	}

	log.Debug().
		Int64("sequence", op.Sequence).
		Str("kind", string(op.Kind)).
		Str("operation_id", op.ID.String()).
		Msg("operation appended")

	return op, nil
}

// CurrentSequence returns the highest allocated sequence, 0 when the log
// is empty. A store failure surfaces as a TransientError, it is never
// silently treated as zero.
func (s *Service) CurrentSequence(ctx context.Context) (int64, error) {
	var counter types.SequenceCounter
	err := s.db.WithContext(ctx).
		Where("name = ?", types.OperationCounter).
		First(&counter).Error
	if err == gorm.ErrRecordNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, &types.TransientError{Op: "read current sequence", Err: err}
	}
	return counter.Value, nil
}

// Since returns records with sequence > cursor in ascending order.
// The limit is clamped to [1, MaxPageSize].
func (s *Service) Since(ctx context.Context, cursor int64, limit int) ([]types.Operation, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	var ops []types.Operation
	err := s.db.WithContext(ctx).
		Where("sequence > ?", cursor).
		Order("sequence ASC").
		Limit(limit).
		Find(&ops).Error
	if err != nil {
		return nil, &types.TransientError{Op: "read operations", Err: err}
	}
	return ops, nil
}

// Finalize transitions a non-terminal record to completed or failed.
// Terminal records are immutable; finalizing one is an error.
func (s *Service) Finalize(ctx context.Context, id uuid.UUID, status types.OperationStatus, errMsg string) error {
	if !status.Terminal() {
		return types.NewValidationError("finalize requires a terminal status, got %q", status)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var op types.Operation
		if err := tx.Where("id = ?", id).First(&op).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return &types.NotFoundError{Resource: "operation", ID: id.String()}
			}
			return &types.TransientError{Op: "load operation", Err: err}
		}
		if op.Status.Terminal() {
			return &types.ConflictError{Msg: "operation already finalized"}
		}

		now := time.Now().UTC()
		updates := map[string]interface{}{
			"status":        status,
			"error_message": errMsg,
			"completed_at":  &now,
		}
		if err := tx.Model(&types.Operation{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return &types.TransientError{Op: "finalize operation", Err: err}
		}
		return nil
	})
}

// DetachSubject nulls the subject reference on all records pointing at a
// hard-deleted image. The records themselves stay: they are the delta
// history other clients still need to fetch.
func (s *Service) DetachSubject(ctx context.Context, subjectID uuid.UUID) error {
	err := s.db.WithContext(ctx).
		Model(&types.Operation{}).
		Where("subject_id = ?", subjectID).
		Update("subject_id", nil).Error
	if err != nil {
		return &types.TransientError{Op: "detach subject", Err: err}
	}
	return nil
}

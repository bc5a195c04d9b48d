package oplog

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/pixelvault/pixelvault/internal/common"
	"github.com/pixelvault/pixelvault/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *common.Database {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// In-memory SQLite gives every pooled connection its own database
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	wrapped := &common.Database{DB: db}
	require.NoError(t, wrapped.Migrate())
	return wrapped
}

func setupTestService(t *testing.T) *Service {
	return NewService(setupTestDB(t))
}

func TestAppend_AssignsSequences(t *testing.T) {
	service := setupTestService(t)
	ctx := context.Background()

	subjectID := uuid.New()
	first, err := service.Append(ctx, Entry{
		Kind:      types.OpUpload,
		SubjectID: &subjectID,
		ClientID:  "device-a",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Sequence)
	assert.NotEqual(t, uuid.Nil, first.ID)
	assert.Equal(t, types.StatusCompleted, first.Status)
	assert.NotNil(t, first.CompletedAt)

	second, err := service.Append(ctx, Entry{
		Kind:     types.OpDelete,
		ClientID: "device-b",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Sequence)
}

func TestAppend_SequencesAreContiguous(t *testing.T) {
	service := setupTestService(t)
	ctx := context.Background()

	seen := make(map[int64]bool)
	for i := 0; i < 50; i++ {
		op, err := service.Append(ctx, Entry{Kind: types.OpUpdate, ClientID: "device-a"})
		require.NoError(t, err)
		assert.False(t, seen[op.Sequence], "sequence %d assigned twice", op.Sequence)
		seen[op.Sequence] = true
	}

	for seq := int64(1); seq <= 50; seq++ {
		assert.True(t, seen[seq], "sequence %d missing", seq)
	}

	current, err := service.CurrentSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(50), current)
}

func TestAppend_NonTerminalStatusHasNoCompletedAt(t *testing.T) {
	service := setupTestService(t)

	op, err := service.Append(context.Background(), Entry{
		Kind:     types.OpBatchDelete,
		ClientID: "device-a",
		Status:   types.StatusInProgress,
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusInProgress, op.Status)
	assert.Nil(t, op.CompletedAt)
}

func TestCurrentSequence_EmptyLog(t *testing.T) {
	service := setupTestService(t)

	current, err := service.CurrentSequence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), current)
}

func TestSince_ReturnsWindowAfterCursor(t *testing.T) {
	service := setupTestService(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := service.Append(ctx, Entry{Kind: types.OpUpload, ClientID: "device-a"})
		require.NoError(t, err)
	}

	ops, err := service.Since(ctx, 4, 100)
	require.NoError(t, err)
	require.Len(t, ops, 6)
	assert.Equal(t, int64(5), ops[0].Sequence)
	assert.Equal(t, int64(10), ops[5].Sequence)

	// Ascending order throughout
	for i := 1; i < len(ops); i++ {
		assert.Greater(t, ops[i].Sequence, ops[i-1].Sequence)
	}
}

func TestSince_LimitClamped(t *testing.T) {
	service := setupTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := service.Append(ctx, Entry{Kind: types.OpUpload, ClientID: "device-a"})
		require.NoError(t, err)
	}

	ops, err := service.Since(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, ops, 1)

	ops, err = service.Since(ctx, 0, 3)
	require.NoError(t, err)
	assert.Len(t, ops, 3)
}

func TestSince_CursorAtHead(t *testing.T) {
	service := setupTestService(t)
	ctx := context.Background()

	_, err := service.Append(ctx, Entry{Kind: types.OpUpload, ClientID: "device-a"})
	require.NoError(t, err)

	ops, err := service.Since(ctx, 1, 100)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestFinalize_TransitionsToTerminal(t *testing.T) {
	service := setupTestService(t)
	ctx := context.Background()

	op, err := service.Append(ctx, Entry{
		Kind:     types.OpBatchUpdate,
		ClientID: "device-a",
		Status:   types.StatusInProgress,
	})
	require.NoError(t, err)

	err = service.Finalize(ctx, op.ID, types.StatusFailed, "backend unavailable")
	require.NoError(t, err)

	ops, err := service.Since(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, types.StatusFailed, ops[0].Status)
	assert.Equal(t, "backend unavailable", ops[0].ErrorMessage)
	assert.NotNil(t, ops[0].CompletedAt)
}

func TestFinalize_TerminalRecordIsImmutable(t *testing.T) {
	service := setupTestService(t)
	ctx := context.Background()

	op, err := service.Append(ctx, Entry{Kind: types.OpUpload, ClientID: "device-a"})
	require.NoError(t, err)

	err = service.Finalize(ctx, op.ID, types.StatusFailed, "late failure")
	require.Error(t, err)

	var conflict *types.ConflictError
	assert.True(t, errors.As(err, &conflict))
}

func TestFinalize_RejectsNonTerminalStatus(t *testing.T) {
	service := setupTestService(t)

	err := service.Finalize(context.Background(), uuid.New(), types.StatusInProgress, "")
	require.Error(t, err)

	var validation *types.ValidationError
	assert.True(t, errors.As(err, &validation))
}

func TestFinalize_UnknownOperation(t *testing.T) {
	service := setupTestService(t)

	err := service.Finalize(context.Background(), uuid.New(), types.StatusCompleted, "")
	require.Error(t, err)

	var notFound *types.NotFoundError
	assert.True(t, errors.As(err, &notFound))
}

func TestDetachSubject_NullsReferenceKeepsRecord(t *testing.T) {
	service := setupTestService(t)
	ctx := context.Background()

	subjectID := uuid.New()
	_, err := service.Append(ctx, Entry{Kind: types.OpUpload, SubjectID: &subjectID, ClientID: "device-a"})
	require.NoError(t, err)
	_, err = service.Append(ctx, Entry{Kind: types.OpUpdate, SubjectID: &subjectID, ClientID: "device-a"})
	require.NoError(t, err)

	require.NoError(t, service.DetachSubject(ctx, subjectID))

	ops, err := service.Since(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	for _, op := range ops {
		assert.Nil(t, op.SubjectID)
	}
}

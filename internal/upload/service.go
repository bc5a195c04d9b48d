package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pixelvault/pixelvault/internal/images"
	"github.com/pixelvault/pixelvault/internal/oplog"
	"github.com/pixelvault/pixelvault/internal/processing"
	"github.com/pixelvault/pixelvault/internal/storage"
	"github.com/pixelvault/pixelvault/pkg/config"
	"github.com/pixelvault/pixelvault/pkg/types"
	"github.com/rs/zerolog/log"
)

// Service orchestrates the chunked upload lifecycle: init, per-chunk
// persistence, ordered assembly with verification, and the final commit
// through the metadata store and the operation log.
type Service struct {
	sessions  *SessionStore
	storage   storage.BlobStorage
	images    *images.Service
	processor processing.Processor
	oplog     *oplog.Service
	cfg       *config.UploadConfig
}

// NewService creates a new upload service
func NewService(sessions *SessionStore, blobStorage storage.BlobStorage, imageService *images.Service, processor processing.Processor, logService *oplog.Service, cfg *config.UploadConfig) *Service {
	return &Service{
		sessions:  sessions,
		storage:   blobStorage,
		images:    imageService,
		processor: processor,
		oplog:     logService,
		cfg:       cfg,
	}
}

// Init validates the upload request and creates a pending session.
// Validation happens before any side effect.
func (s *Service) Init(ctx context.Context, req *types.InitUploadRequest, clientID string) (*Session, error) {
	ext := strings.ToLower(filepath.Ext(req.Filename))
	if !s.extensionAllowed(ext) {
		return nil, types.NewValidationError("file extension not allowed: %s", ext)
	}
	if req.TotalSize <= 0 {
		return nil, types.NewValidationError("total size must be positive")
	}
	if req.TotalSize > s.cfg.MaxFileSize {
		return nil, types.NewValidationError("file exceeds maximum size of %d bytes", s.cfg.MaxFileSize)
	}
	if req.ChunkSize <= 0 {
		return nil, types.NewValidationError("chunk size must be positive")
	}

	expectedChunks := int((req.TotalSize + req.ChunkSize - 1) / req.ChunkSize)
	if req.TotalChunks != expectedChunks {
		return nil, types.NewValidationError(
			"total_chunks mismatch: declared %d, expected %d for %d bytes in %d-byte chunks",
			req.TotalChunks, expectedChunks, req.TotalSize, req.ChunkSize)
	}

	if req.ReplaceTargetID != "" {
		targetID, err := uuid.Parse(req.ReplaceTargetID)
		if err != nil {
			return nil, types.NewValidationError("invalid replace target id: %s", req.ReplaceTargetID)
		}
		if _, err := s.images.Get(ctx, targetID); err != nil {
			return nil, err
		}
	}

	sess := &Session{
		ID:              uuid.New().String(),
		OriginalName:    req.Filename,
		AssignedName:    uuid.New().String() + ext,
		TotalSize:       req.TotalSize,
		ChunkSize:       req.ChunkSize,
		TotalChunks:     req.TotalChunks,
		MimeType:        req.MimeType,
		Status:          SessionPending,
		CreatedAt:       time.Now().UTC(),
		ReplaceTargetID: req.ReplaceTargetID,
	}

	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}

	log.Info().
		Str("session_id", sess.ID).
		Str("filename", req.Filename).
		Int64("total_size", req.TotalSize).
		Int("total_chunks", req.TotalChunks).
		Bool("replace", req.ReplaceTargetID != "").
		Str("client_id", clientID).
		Msg("upload session started")

	return sess, nil
}

// UploadChunk persists one chunk. Retrying an already-recorded index is
// a no-op success: the staged bytes are not rewritten, retried bytes
// are assumed identical.
func (s *Service) UploadChunk(ctx context.Context, sessionID string, index int, data []byte) (*Session, bool, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}

	if sess.Status.Terminal() {
		return nil, false, types.NewValidationError("session already %s", sess.Status)
	}
	if index < 0 || index >= sess.TotalChunks {
		return nil, false, types.NewValidationError("chunk index %d out of range [0, %d)", index, sess.TotalChunks)
	}

	if sess.HasChunk(index) {
		log.Debug().Str("session_id", sessionID).Int("chunk", index).Msg("chunk already uploaded")
		return sess, true, nil
	}

	if err := s.storage.Store(ctx, sess.ChunkPath(index), bytes.NewReader(data), "application/octet-stream"); err != nil {
		return nil, false, &types.TransientError{Op: "store chunk", Err: err}
	}

	sess.RecordChunk(index)
	if sess.Status == SessionPending {
		sess.Status = SessionInProgress
	}
	if err := s.sessions.Update(ctx, sess); err != nil {
		return nil, false, err
	}

	log.Debug().
		Str("session_id", sessionID).
		Int("chunk", index).
		Int("uploaded", len(sess.Uploaded)).
		Int("total", sess.TotalChunks).
		Msg("chunk stored")

	return sess, false, nil
}

// Complete assembles the chunks strictly in index order, verifies the
// result, runs the processing collaborators, commits metadata, and only
// then appends to the operation log. Any failure after partial work
// leaves the session failed with staging retained for inspection; the
// log is never advanced for a failed completion.
func (s *Service) Complete(ctx context.Context, sessionID, clientID string) (*types.Image, *types.Operation, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	if sess.Status.Terminal() {
		return nil, nil, types.NewValidationError("session already %s", sess.Status)
	}
	if !sess.AllChunksUploaded() {
		return nil, nil, types.NewValidationError(
			"upload incomplete: %d of %d chunks", len(sess.Uploaded), sess.TotalChunks)
	}

	content, err := s.assemble(ctx, sess)
	if err != nil {
		s.markFailed(ctx, sess, err.Error())
		return nil, nil, err
	}

	if int64(len(content)) != sess.TotalSize {
		s.markFailed(ctx, sess, "assembled size mismatch")
		return nil, nil, &types.IntegrityError{
			Msg: fmt.Sprintf("assembled %d bytes, expected %d", len(content), sess.TotalSize),
		}
	}

	info, err := s.processor.ExtractMetadata(content)
	if err != nil {
		s.markFailed(ctx, sess, err.Error())
		return nil, nil, &types.TransientError{Op: "extract metadata", Err: err}
	}
	if info.Corrupted {
		s.markFailed(ctx, sess, "corrupted image content")
		return nil, nil, types.NewValidationError("corrupted image content")
	}

	if dup, err := s.images.FindByHash(ctx, info.SHA256); err != nil {
		s.markFailed(ctx, sess, err.Error())
		return nil, nil, err
	} else if dup != nil && dup.ID.String() != sess.ReplaceTargetID {
		s.markFailed(ctx, sess, "duplicate content")
		return nil, nil, &types.ConflictError{
			Msg: fmt.Sprintf("content already exists as image %s", dup.ID),
		}
	}

	thumbnail, err := s.processor.DeriveThumbnail(content)
	if err != nil {
		s.markFailed(ctx, sess, err.Error())
		return nil, nil, &types.TransientError{Op: "derive thumbnail", Err: err}
	}

	contentPath := "images/" + sess.AssignedName
	thumbnailPath := "thumbnails/" + sess.AssignedName + ".jpg"

	if err := s.storage.Store(ctx, contentPath, bytes.NewReader(content), sess.MimeType); err != nil {
		s.markFailed(ctx, sess, err.Error())
		return nil, nil, &types.TransientError{Op: "store image content", Err: err}
	}
	if err := s.storage.Store(ctx, thumbnailPath, bytes.NewReader(thumbnail), "image/jpeg"); err != nil {
		s.cleanupArtifact(ctx, contentPath)
		s.markFailed(ctx, sess, err.Error())
		return nil, nil, &types.TransientError{Op: "store thumbnail", Err: err}
	}

	img := &types.Image{
		Filename:      sess.AssignedName,
		OriginalName:  sess.OriginalName,
		ContentType:   sess.MimeType,
		Size:          sess.TotalSize,
		SHA256:        info.SHA256,
		Width:         info.Width,
		Height:        info.Height,
		StoragePath:   contentPath,
		ThumbnailPath: thumbnailPath,
		ClientID:      clientID,
	}

	var op *types.Operation
	if sess.ReplaceTargetID != "" {
		op, err = s.commitReplace(ctx, sess, img, clientID)
	} else {
		op, err = s.commitNew(ctx, sess, img, clientID)
	}
	if err != nil {
		s.cleanupArtifact(ctx, contentPath)
		s.cleanupArtifact(ctx, thumbnailPath)
		s.markFailed(ctx, sess, err.Error())
		return nil, nil, err
	}

	// Committed: staging and the session record can go
	if err := s.storage.DeletePrefix(ctx, sess.StagingPrefix()); err != nil {
		log.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to delete staging chunks")
	}
	if err := s.sessions.Delete(ctx, sess.ID); err != nil {
		log.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to delete session record")
	}

	log.Info().
		Str("session_id", sess.ID).
		Str("image_id", img.ID.String()).
		Int64("sequence", op.Sequence).
		Msg("upload completed")

	return img, op, nil
}

// commitNew writes the metadata row, then the log entry
func (s *Service) commitNew(ctx context.Context, sess *Session, img *types.Image, clientID string) (*types.Operation, error) {
	if err := s.images.Create(ctx, img); err != nil {
		return nil, err
	}
	return s.oplog.Append(ctx, oplog.Entry{
		Kind:      types.OpUpload,
		SubjectID: &img.ID,
		ClientID:  clientID,
		Status:    types.StatusCompleted,
		Metadata: types.JSONMap{
			"filename": img.Filename,
			"size":     img.Size,
			"sha256":   img.SHA256,
		},
	})
}

// commitReplace swaps the target's content pointers transactionally and
// best-effort deletes the old blobs afterwards
func (s *Service) commitReplace(ctx context.Context, sess *Session, img *types.Image, clientID string) (*types.Operation, error) {
	targetID, err := uuid.Parse(sess.ReplaceTargetID)
	if err != nil {
		return nil, types.NewValidationError("invalid replace target id: %s", sess.ReplaceTargetID)
	}

	oldPaths, err := s.images.SwapContent(ctx, targetID, img)
	if err != nil {
		return nil, err
	}
	img.ID = targetID

	op, err := s.oplog.Append(ctx, oplog.Entry{
		Kind:      types.OpReplace,
		SubjectID: &targetID,
		ClientID:  clientID,
		Status:    types.StatusCompleted,
		Metadata: types.JSONMap{
			"filename": img.Filename,
			"size":     img.Size,
			"sha256":   img.SHA256,
		},
	})
	if err != nil {
		return nil, err
	}

	// Old blobs are dead weight, not correctness: log and move on
	for _, path := range oldPaths {
		if err := s.storage.Delete(ctx, path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("failed to delete replaced blob")
		}
	}

	return op, nil
}

// Cancel tears down a session in any state. Idempotent: cancelling an
// unknown or already-cancelled session succeeds.
func (s *Service) Cancel(ctx context.Context, sessionID string) error {
	prefix := fmt.Sprintf("staging/%s", sessionID)
	if err := s.storage.DeletePrefix(ctx, prefix); err != nil {
		return &types.TransientError{Op: "delete staging chunks", Err: err}
	}
	if err := s.sessions.Delete(ctx, sessionID); err != nil {
		return err
	}

	log.Info().Str("session_id", sessionID).Msg("upload session cancelled")
	return nil
}

// Status reports upload progress and remaining session lifetime
func (s *Service) Status(ctx context.Context, sessionID string) (*types.UploadStatusResponse, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	remaining, err := s.sessions.RemainingTTL(ctx, sessionID)
	if err != nil {
		remaining = 0
	}

	uploaded := sess.Uploaded
	if uploaded == nil {
		uploaded = []int{}
	}

	return &types.UploadStatusResponse{
		SessionID:      sess.ID,
		Status:         string(sess.Status),
		TotalChunks:    sess.TotalChunks,
		UploadedChunks: len(sess.Uploaded),
		UploadedList:   uploaded,
		Percent:        float64(len(sess.Uploaded)) / float64(sess.TotalChunks) * 100,
		ExpiresIn:      int64(remaining.Seconds()),
	}, nil
}

// assemble concatenates staged chunks strictly in index order
func (s *Service) assemble(ctx context.Context, sess *Session) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(int(sess.TotalSize))

	for i := 0; i < sess.TotalChunks; i++ {
		reader, err := s.storage.Retrieve(ctx, sess.ChunkPath(i))
		if err != nil {
			return nil, &types.TransientError{Op: fmt.Sprintf("read chunk %d", i), Err: err}
		}
		_, err = io.Copy(&buf, reader)
		reader.Close()
		if err != nil {
			return nil, &types.TransientError{Op: fmt.Sprintf("read chunk %d", i), Err: err}
		}
	}

	return buf.Bytes(), nil
}

// markFailed parks the session in its terminal failed state. Staging
// data is retained for inspection and retry.
func (s *Service) markFailed(ctx context.Context, sess *Session, reason string) {
	sess.Status = SessionFailed
	if err := s.sessions.Update(ctx, sess); err != nil {
		log.Error().Err(err).Str("session_id", sess.ID).Msg("failed to mark session failed")
	}
	log.Warn().Str("session_id", sess.ID).Str("reason", reason).Msg("upload session failed")
}

func (s *Service) cleanupArtifact(ctx context.Context, path string) {
	if err := s.storage.Delete(ctx, path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to delete partial artifact")
	}
}

func (s *Service) extensionAllowed(ext string) bool {
	for _, allowed := range s.cfg.AllowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

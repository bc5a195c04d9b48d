package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pixelvault/pixelvault/internal/common"
	"github.com/pixelvault/pixelvault/internal/images"
	"github.com/pixelvault/pixelvault/internal/oplog"
	"github.com/pixelvault/pixelvault/internal/processing"
	"github.com/pixelvault/pixelvault/internal/storage"
	"github.com/pixelvault/pixelvault/pkg/config"
	"github.com/pixelvault/pixelvault/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// fakeKV is an in-memory stand-in for the redis-backed cache with real
// TTL accounting
type fakeKV struct {
	mu     sync.Mutex
	values map[string][]byte
	expiry map[string]time.Time
	sets   map[string]map[string]bool
}

func newFakeKV() *fakeKV {
	return &fakeKV{
		values: make(map[string][]byte),
		expiry: make(map[string]time.Time),
		sets:   make(map[string]map[string]bool),
	}
}

func (f *fakeKV) expired(key string) bool {
	exp, ok := f.expiry[key]
	return ok && time.Now().After(exp)
}

func (f *fakeKV) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = data
	if expiration > 0 {
		f.expiry[key] = time.Now().Add(expiration)
	} else {
		delete(f.expiry, key)
	}
	return nil
}

func (f *fakeKV) Get(ctx context.Context, key string, dest interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.values[key]
	if !ok || f.expired(key) {
		return common.ErrKeyNotFound
	}
	return json.Unmarshal(data, dest)
}

func (f *fakeKV) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.values, key)
	delete(f.expiry, key)
	return nil
}

func (f *fakeKV) Exists(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.values[key]
	return ok && !f.expired(key), nil
}

func (f *fakeKV) TTL(ctx context.Context, key string) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	exp, ok := f.expiry[key]
	if !ok {
		return 0, nil
	}
	return time.Until(exp), nil
}

func (f *fakeKV) SetAdd(ctx context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sets[key] == nil {
		f.sets[key] = make(map[string]bool)
	}
	for _, m := range members {
		f.sets[key][m] = true
	}
	return nil
}

func (f *fakeKV) SetRemove(ctx context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range members {
		delete(f.sets[key], m)
	}
	return nil
}

func (f *fakeKV) SetMembers(ctx context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var members []string
	for m := range f.sets[key] {
		members = append(members, m)
	}
	return members, nil
}

// forceExpire simulates redis evicting a TTL'd record
func (f *fakeKV) forceExpire(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.values, key)
	delete(f.expiry, key)
}

type uploadFixture struct {
	service *Service
	store   *SessionStore
	kv      *fakeKV
	blobs   storage.BlobStorage
	oplog   *oplog.Service
	images  *images.Service
}

func setupTestDB(t *testing.T) *common.Database {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	wrapped := &common.Database{DB: db}
	require.NoError(t, wrapped.Migrate())
	return wrapped
}

func setupUploadFixture(t *testing.T) *uploadFixture {
	db := setupTestDB(t)
	blobs, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	logService := oplog.NewService(db)
	imageService := images.NewService(db, blobs, logService, 15*time.Minute)

	kv := newFakeKV()
	store := NewSessionStore(kv, time.Hour)

	cfg := &config.UploadConfig{
		SessionTTL:        time.Hour,
		MaxFileSize:       10 << 20,
		AllowedExtensions: []string{".jpg", ".jpeg", ".png", ".gif"},
	}

	return &uploadFixture{
		service: NewService(store, blobs, imageService, processing.NewProcessor(), logService, cfg),
		store:   store,
		kv:      kv,
		blobs:   blobs,
		oplog:   logService,
		images:  imageService,
	}
}

// testPNG renders a deterministic image for the given seed
func testPNG(t *testing.T, seed int64) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	rng := rand.New(rand.NewSource(seed))
	for i := range img.Pix {
		img.Pix[i] = uint8(rng.Intn(256))
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func chunkBytes(data []byte, size int64) [][]byte {
	var chunks [][]byte
	for off := int64(0); off < int64(len(data)); off += size {
		end := off + size
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		chunks = append(chunks, data[off:end])
	}
	return chunks
}

func initSession(t *testing.T, fx *uploadFixture, content []byte, chunkSize int64, replaceID string) (*Session, [][]byte) {
	t.Helper()
	chunks := chunkBytes(content, chunkSize)
	sess, err := fx.service.Init(context.Background(), &types.InitUploadRequest{
		Filename:        "photo.png",
		TotalSize:       int64(len(content)),
		ChunkSize:       chunkSize,
		TotalChunks:     len(chunks),
		MimeType:        "image/png",
		ReplaceTargetID: replaceID,
	}, "device-a")
	require.NoError(t, err)
	return sess, chunks
}

func uploadAll(t *testing.T, fx *uploadFixture, sess *Session, chunks [][]byte) {
	t.Helper()
	for i, chunk := range chunks {
		_, _, err := fx.service.UploadChunk(context.Background(), sess.ID, i, chunk)
		require.NoError(t, err)
	}
}

func TestInit_Validation(t *testing.T) {
	fx := setupUploadFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  types.InitUploadRequest
	}{
		{"disallowed extension", types.InitUploadRequest{
			Filename: "malware.exe", TotalSize: 100, ChunkSize: 100, TotalChunks: 1}},
		{"zero size", types.InitUploadRequest{
			Filename: "photo.png", TotalSize: 0, ChunkSize: 100, TotalChunks: 0}},
		{"oversize", types.InitUploadRequest{
			Filename: "photo.png", TotalSize: 11 << 20, ChunkSize: 1 << 20, TotalChunks: 11}},
		{"zero chunk size", types.InitUploadRequest{
			Filename: "photo.png", TotalSize: 100, ChunkSize: 0, TotalChunks: 1}},
		{"chunk count mismatch", types.InitUploadRequest{
			Filename: "photo.png", TotalSize: 1_000_000, ChunkSize: 500_000, TotalChunks: 3}},
		{"malformed replace target", types.InitUploadRequest{
			Filename: "photo.png", TotalSize: 100, ChunkSize: 100, TotalChunks: 1,
			ReplaceTargetID: "not-a-uuid"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fx.service.Init(ctx, &tc.req, "device-a")
			require.Error(t, err)

			var validation *types.ValidationError
			assert.True(t, errors.As(err, &validation), "got %v", err)
		})
	}
}

func TestInit_ChunkMathAccepted(t *testing.T) {
	fx := setupUploadFixture(t)

	sess, err := fx.service.Init(context.Background(), &types.InitUploadRequest{
		Filename:    "photo.png",
		TotalSize:   1_000_000,
		ChunkSize:   500_000,
		TotalChunks: 2,
		MimeType:    "image/png",
	}, "device-a")
	require.NoError(t, err)

	assert.Equal(t, SessionPending, sess.Status)
	assert.Equal(t, 2, sess.TotalChunks)
	assert.Equal(t, "photo.png", sess.OriginalName)
	assert.NotEqual(t, sess.OriginalName, sess.AssignedName)
	assert.Contains(t, sess.AssignedName, ".png")
}

func TestInit_UnknownReplaceTarget(t *testing.T) {
	fx := setupUploadFixture(t)

	_, err := fx.service.Init(context.Background(), &types.InitUploadRequest{
		Filename:        "photo.png",
		TotalSize:       100,
		ChunkSize:       100,
		TotalChunks:     1,
		ReplaceTargetID: uuid.New().String(),
	}, "device-a")
	require.Error(t, err)

	var notFound *types.NotFoundError
	assert.True(t, errors.As(err, &notFound))
}

func TestUploadChunk_UnknownSession(t *testing.T) {
	fx := setupUploadFixture(t)

	_, _, err := fx.service.UploadChunk(context.Background(), uuid.New().String(), 0, []byte("data"))
	require.Error(t, err)

	var notFound *types.NotFoundError
	assert.True(t, errors.As(err, &notFound))
}

func TestUploadChunk_IndexOutOfRange(t *testing.T) {
	fx := setupUploadFixture(t)
	content := testPNG(t, 1)
	sess, _ := initSession(t, fx, content, int64(len(content)), "")

	for _, index := range []int{-1, 1, 99} {
		_, _, err := fx.service.UploadChunk(context.Background(), sess.ID, index, []byte("data"))
		require.Error(t, err, "index %d", index)

		var validation *types.ValidationError
		assert.True(t, errors.As(err, &validation))
	}
}

func TestUploadChunk_ProgressAndIdempotentRetry(t *testing.T) {
	fx := setupUploadFixture(t)
	ctx := context.Background()
	content := testPNG(t, 2)
	sess, chunks := initSession(t, fx, content, int64(len(content)/3+1), "")
	require.GreaterOrEqual(t, len(chunks), 2)

	updated, already, err := fx.service.UploadChunk(ctx, sess.ID, 0, chunks[0])
	require.NoError(t, err)
	assert.False(t, already)
	assert.Equal(t, SessionInProgress, updated.Status)
	assert.Equal(t, []int{0}, updated.Uploaded)

	// Retrying the same index is a no-op success
	retried, already, err := fx.service.UploadChunk(ctx, sess.ID, 0, chunks[0])
	require.NoError(t, err)
	assert.True(t, already)
	assert.Equal(t, []int{0}, retried.Uploaded)

	// Out-of-order delivery is fine
	updated, _, err = fx.service.UploadChunk(ctx, sess.ID, len(chunks)-1, chunks[len(chunks)-1])
	require.NoError(t, err)
	assert.Equal(t, []int{0, len(chunks) - 1}, updated.Uploaded)
}

func TestComplete_Incomplete(t *testing.T) {
	fx := setupUploadFixture(t)
	ctx := context.Background()
	content := testPNG(t, 3)
	sess, chunks := initSession(t, fx, content, int64(len(content)/2+1), "")
	require.Len(t, chunks, 2)

	_, _, err := fx.service.UploadChunk(ctx, sess.ID, 0, chunks[0])
	require.NoError(t, err)

	_, _, err = fx.service.Complete(ctx, sess.ID, "device-a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload incomplete: 1 of 2 chunks")

	// The failure was rejected up front, the session is still live
	loaded, err := fx.store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionInProgress, loaded.Status)
}

func TestComplete_HappyPath(t *testing.T) {
	fx := setupUploadFixture(t)
	ctx := context.Background()
	content := testPNG(t, 4)
	sess, chunks := initSession(t, fx, content, int64(len(content)/3+1), "")
	uploadAll(t, fx, sess, chunks)

	img, op, err := fx.service.Complete(ctx, sess.ID, "device-a")
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, img.ID)
	assert.Equal(t, "photo.png", img.OriginalName)
	assert.Equal(t, int64(len(content)), img.Size)
	assert.Equal(t, 64, img.Width)
	assert.Equal(t, 48, img.Height)
	assert.NotEmpty(t, img.SHA256)

	assert.Equal(t, types.OpUpload, op.Kind)
	assert.Equal(t, int64(1), op.Sequence)
	require.NotNil(t, op.SubjectID)
	assert.Equal(t, img.ID, *op.SubjectID)

	// Assembled content and thumbnail landed in blob storage
	stored, err := fx.blobs.Exists(ctx, img.StoragePath)
	require.NoError(t, err)
	assert.True(t, stored)
	thumb, err := fx.blobs.Exists(ctx, img.ThumbnailPath)
	require.NoError(t, err)
	assert.True(t, thumb)

	// Byte-exact reassembly
	reader, err := fx.blobs.Retrieve(ctx, img.StoragePath)
	require.NoError(t, err)
	defer reader.Close()
	var assembled bytes.Buffer
	_, err = assembled.ReadFrom(reader)
	require.NoError(t, err)
	assert.Equal(t, content, assembled.Bytes())

	// Staging and the session record are gone
	staged, err := fx.blobs.Exists(ctx, sess.ChunkPath(0))
	require.NoError(t, err)
	assert.False(t, staged)
	_, err = fx.store.Get(ctx, sess.ID)
	require.Error(t, err)
}

func TestComplete_SizeMismatch(t *testing.T) {
	fx := setupUploadFixture(t)
	ctx := context.Background()

	// Declared 100 bytes in two 50-byte chunks, delivered 80
	sess, err := fx.service.Init(ctx, &types.InitUploadRequest{
		Filename:    "photo.png",
		TotalSize:   100,
		ChunkSize:   50,
		TotalChunks: 2,
		MimeType:    "image/png",
	}, "device-a")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, _, err := fx.service.UploadChunk(ctx, sess.ID, i, bytes.Repeat([]byte{0xAB}, 40))
		require.NoError(t, err)
	}

	_, _, err = fx.service.Complete(ctx, sess.ID, "device-a")
	require.Error(t, err)

	var integrity *types.IntegrityError
	assert.True(t, errors.As(err, &integrity))

	// Session parked failed, staging retained for inspection
	loaded, err := fx.store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionFailed, loaded.Status)
	staged, err := fx.blobs.Exists(ctx, sess.ChunkPath(0))
	require.NoError(t, err)
	assert.True(t, staged)

	// The log never advanced
	current, err := fx.oplog.CurrentSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), current)
}

func TestComplete_CorruptedContent(t *testing.T) {
	fx := setupUploadFixture(t)
	ctx := context.Background()

	garbage := bytes.Repeat([]byte{0x5C}, 512)
	sess, chunks := initSession(t, fx, garbage, 512, "")
	uploadAll(t, fx, sess, chunks)

	_, _, err := fx.service.Complete(ctx, sess.ID, "device-a")
	require.Error(t, err)

	var validation *types.ValidationError
	assert.True(t, errors.As(err, &validation))
	assert.Contains(t, err.Error(), "corrupted")

	loaded, err := fx.store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionFailed, loaded.Status)
}

func TestComplete_TerminalSessionRejected(t *testing.T) {
	fx := setupUploadFixture(t)
	ctx := context.Background()

	garbage := bytes.Repeat([]byte{0x5C}, 64)
	sess, chunks := initSession(t, fx, garbage, 64, "")
	uploadAll(t, fx, sess, chunks)

	_, _, err := fx.service.Complete(ctx, sess.ID, "device-a")
	require.Error(t, err)

	// Second attempt hits the terminal guard
	_, _, err = fx.service.Complete(ctx, sess.ID, "device-a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already failed")

	_, _, err = fx.service.UploadChunk(ctx, sess.ID, 0, chunks[0])
	require.Error(t, err)
}

func TestComplete_DuplicateContent(t *testing.T) {
	fx := setupUploadFixture(t)
	ctx := context.Background()
	content := testPNG(t, 5)

	first, firstChunks := initSession(t, fx, content, int64(len(content)), "")
	uploadAll(t, fx, first, firstChunks)
	existing, _, err := fx.service.Complete(ctx, first.ID, "device-a")
	require.NoError(t, err)

	second, secondChunks := initSession(t, fx, content, int64(len(content)), "")
	uploadAll(t, fx, second, secondChunks)
	_, _, err = fx.service.Complete(ctx, second.ID, "device-b")
	require.Error(t, err)

	var conflict *types.ConflictError
	assert.True(t, errors.As(err, &conflict))
	assert.Contains(t, err.Error(), existing.ID.String())
}

func TestComplete_Replace(t *testing.T) {
	fx := setupUploadFixture(t)
	ctx := context.Background()

	original := testPNG(t, 6)
	sess, chunks := initSession(t, fx, original, int64(len(original)), "")
	uploadAll(t, fx, sess, chunks)
	existing, _, err := fx.service.Complete(ctx, sess.ID, "device-a")
	require.NoError(t, err)
	oldPath := existing.StoragePath

	replacement := testPNG(t, 7)
	replSess, replChunks := initSession(t, fx, replacement, int64(len(replacement)/2+1), existing.ID.String())
	uploadAll(t, fx, replSess, replChunks)

	img, op, err := fx.service.Complete(ctx, replSess.ID, "device-a")
	require.NoError(t, err)

	// Same identity, new content
	assert.Equal(t, existing.ID, img.ID)
	assert.NotEqual(t, existing.SHA256, img.SHA256)
	assert.Equal(t, types.OpReplace, op.Kind)
	require.NotNil(t, op.SubjectID)
	assert.Equal(t, existing.ID, *op.SubjectID)

	// The row points at the new blob and the old one is gone
	row, err := fx.images.Get(ctx, existing.ID)
	require.NoError(t, err)
	assert.Equal(t, img.SHA256, row.SHA256)
	assert.NotEqual(t, oldPath, row.StoragePath)
	oldExists, err := fx.blobs.Exists(ctx, oldPath)
	require.NoError(t, err)
	assert.False(t, oldExists)
}

func TestComplete_ReplaceWithSameContentAllowed(t *testing.T) {
	fx := setupUploadFixture(t)
	ctx := context.Background()
	content := testPNG(t, 8)

	sess, chunks := initSession(t, fx, content, int64(len(content)), "")
	uploadAll(t, fx, sess, chunks)
	existing, _, err := fx.service.Complete(ctx, sess.ID, "device-a")
	require.NoError(t, err)

	// Re-uploading identical bytes over the same image is not a duplicate
	replSess, replChunks := initSession(t, fx, content, int64(len(content)), existing.ID.String())
	uploadAll(t, fx, replSess, replChunks)
	img, op, err := fx.service.Complete(ctx, replSess.ID, "device-a")
	require.NoError(t, err)
	assert.Equal(t, existing.ID, img.ID)
	assert.Equal(t, types.OpReplace, op.Kind)
}

func TestCancel_Idempotent(t *testing.T) {
	fx := setupUploadFixture(t)
	ctx := context.Background()
	content := testPNG(t, 9)
	sess, chunks := initSession(t, fx, content, int64(len(content)), "")
	uploadAll(t, fx, sess, chunks)

	require.NoError(t, fx.service.Cancel(ctx, sess.ID))

	staged, err := fx.blobs.Exists(ctx, sess.ChunkPath(0))
	require.NoError(t, err)
	assert.False(t, staged)
	_, err = fx.store.Get(ctx, sess.ID)
	require.Error(t, err)

	// Cancelling again, or cancelling an unknown session, still succeeds
	require.NoError(t, fx.service.Cancel(ctx, sess.ID))
	require.NoError(t, fx.service.Cancel(ctx, uuid.New().String()))
}

func TestStatus_ReportsProgress(t *testing.T) {
	fx := setupUploadFixture(t)
	ctx := context.Background()

	sess, err := fx.service.Init(ctx, &types.InitUploadRequest{
		Filename:    "photo.png",
		TotalSize:   400,
		ChunkSize:   100,
		TotalChunks: 4,
		MimeType:    "image/png",
	}, "device-a")
	require.NoError(t, err)

	status, err := fx.service.Status(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, string(SessionPending), status.Status)
	assert.Equal(t, 0, status.UploadedChunks)
	assert.NotNil(t, status.UploadedList)
	assert.Zero(t, status.Percent)
	assert.Greater(t, status.ExpiresIn, int64(0))

	for _, i := range []int{0, 2} {
		_, _, err := fx.service.UploadChunk(ctx, sess.ID, i, bytes.Repeat([]byte{1}, 100))
		require.NoError(t, err)
	}

	status, err = fx.service.Status(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, string(SessionInProgress), status.Status)
	assert.Equal(t, 2, status.UploadedChunks)
	assert.Equal(t, []int{0, 2}, status.UploadedList)
	assert.InDelta(t, 50.0, status.Percent, 0.01)
}

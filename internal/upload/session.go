// Package upload implements the resumable chunked upload state machine:
// TTL-bounded session records in redis, chunk staging in blob storage,
// ordered assembly with size verification, and the background reaper
// that bounds staging space.
package upload

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/pixelvault/pixelvault/internal/common"
	"github.com/pixelvault/pixelvault/pkg/types"
)

// SessionStatus tracks the upload state machine. Transitions are
// monotonic: pending -> in_progress -> {completed | failed}.
type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
)

// Terminal reports whether the status admits no further transition
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// Session is the server-side record of one resumable upload
type Session struct {
	ID              string        `json:"id"`
	OriginalName    string        `json:"original_name"`
	AssignedName    string        `json:"assigned_name"`
	TotalSize       int64         `json:"total_size"`
	ChunkSize       int64         `json:"chunk_size"`
	TotalChunks     int           `json:"total_chunks"`
	MimeType        string        `json:"mime_type"`
	Status          SessionStatus `json:"status"`
	Uploaded        []int         `json:"uploaded"`
	CreatedAt       time.Time     `json:"created_at"`
	ReplaceTargetID string        `json:"replace_target_id,omitempty"`
}

// HasChunk reports whether the index has already been uploaded
func (s *Session) HasChunk(index int) bool {
	for _, i := range s.Uploaded {
		if i == index {
			return true
		}
	}
	return false
}

// RecordChunk adds the index to the uploaded set, keeping it sorted
func (s *Session) RecordChunk(index int) {
	s.Uploaded = append(s.Uploaded, index)
	sort.Ints(s.Uploaded)
}

// AllChunksUploaded reports whether the uploaded set covers [0, TotalChunks)
func (s *Session) AllChunksUploaded() bool {
	return len(s.Uploaded) == s.TotalChunks
}

// StagingPrefix is where this session's chunks are staged in blob storage
func (s *Session) StagingPrefix() string {
	return fmt.Sprintf("staging/%s", s.ID)
}

// ChunkPath is the staging location of one chunk
func (s *Session) ChunkPath(index int) string {
	return fmt.Sprintf("staging/%s/%06d", s.ID, index)
}

// KV is the TTL key-value surface the session store needs. Implemented
// by common.Cache.
type KV interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	SetAdd(ctx context.Context, key string, members ...string) error
	SetRemove(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
}

const (
	sessionKeyPrefix = "pixelvault:upload:session:"

	// registryKey tracks live session ids so the reaper can find
	// staging data whose session record has already expired
	registryKey = "pixelvault:upload:sessions"
)

// SessionStore persists sessions with a fixed TTL from creation.
// Mutations preserve the remaining TTL: progress never extends a
// session's life.
type SessionStore struct {
	kv  KV
	ttl time.Duration
}

// NewSessionStore creates a session store with the configured TTL
func NewSessionStore(kv KV, ttl time.Duration) *SessionStore {
	return &SessionStore{kv: kv, ttl: ttl}
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

// Create stores a new session with the full TTL and registers it for
// the reaper
func (st *SessionStore) Create(ctx context.Context, sess *Session) error {
	if err := st.kv.Set(ctx, sessionKey(sess.ID), sess, st.ttl); err != nil {
		return &types.TransientError{Op: "store upload session", Err: err}
	}
	if err := st.kv.SetAdd(ctx, registryKey, sess.ID); err != nil {
		return &types.TransientError{Op: "register upload session", Err: err}
	}
	return nil
}

// Get loads a session, translating expiry into not-found
func (st *SessionStore) Get(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := st.kv.Get(ctx, sessionKey(id), &sess)
	if err != nil {
		if errors.Is(err, common.ErrKeyNotFound) {
			return nil, &types.NotFoundError{Resource: "upload session", ID: id}
		}
		return nil, &types.TransientError{Op: "load upload session", Err: err}
	}
	return &sess, nil
}

// Update rewrites the session without extending its original TTL
func (st *SessionStore) Update(ctx context.Context, sess *Session) error {
	remaining, err := st.kv.TTL(ctx, sessionKey(sess.ID))
	if err != nil || remaining <= 0 {
		remaining = st.ttl
	}
	if err := st.kv.Set(ctx, sessionKey(sess.ID), sess, remaining); err != nil {
		return &types.TransientError{Op: "update upload session", Err: err}
	}
	return nil
}

// Delete removes the session record and its reaper registration
func (st *SessionStore) Delete(ctx context.Context, id string) error {
	if err := st.kv.Delete(ctx, sessionKey(id)); err != nil {
		return &types.TransientError{Op: "delete upload session", Err: err}
	}
	if err := st.kv.SetRemove(ctx, registryKey, id); err != nil {
		return &types.TransientError{Op: "unregister upload session", Err: err}
	}
	return nil
}

// RemainingTTL reports how long the session has left to live
func (st *SessionStore) RemainingTTL(ctx context.Context, id string) (time.Duration, error) {
	return st.kv.TTL(ctx, sessionKey(id))
}

// Registered lists session ids known to the reaper
func (st *SessionStore) Registered(ctx context.Context) ([]string, error) {
	return st.kv.SetMembers(ctx, registryKey)
}

// Alive reports whether the session record still exists
func (st *SessionStore) Alive(ctx context.Context, id string) (bool, error) {
	return st.kv.Exists(ctx, sessionKey(id))
}

// Unregister drops a session id from the reaper set
func (st *SessionStore) Unregister(ctx context.Context, id string) error {
	return st.kv.SetRemove(ctx, registryKey, id)
}

// Package synclock implements the single advisory write lock that
// serializes the stage-metadata-then-upload flow across clients. The
// lock is one well-known redis key: acquisition is SET NX EX, release
// is a server-side compare-and-delete against the holder's token, and
// expiry is enforced by redis itself so a crashed holder can block
// others for at most one TTL.
package synclock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/pixelvault/pixelvault/internal/common"
	"github.com/pixelvault/pixelvault/pkg/types"
	"github.com/rs/zerolog/log"
)

// LockKey is the well-known key the write lock lives under
const LockKey = "pixelvault:sync:write-lock"

// DefaultTTL bounds how long a crashed holder can block other clients
const DefaultTTL = 60 * time.Second

// Store is the atomic key-value surface the lock needs. Implemented by
// common.Cache; the primitives must be atomic at the store, never a
// read-then-write pair in this process.
type Store interface {
	SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error)
	GetString(ctx context.Context, key string) (string, error)
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
}

// Manager owns the advisory write lock
type Manager struct {
	store Store
	ttl   time.Duration
}

// NewManager creates a lock manager. A non-positive ttl falls back to
// DefaultTTL.
func NewManager(store Store, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{store: store, ttl: ttl}
}

// Acquire attempts to take the lock. At most one caller holds it at any
// instant; the loser gets granted=false and no token.
func (m *Manager) Acquire(ctx context.Context) (*types.LockAcquireResponse, error) {
	token := uuid.New().String()

	won, err := m.store.SetNX(ctx, LockKey, token, m.ttl)
	if err != nil {
		return nil, &types.TransientError{Op: "acquire write lock", Err: err}
	}
	if !won {
		log.Debug().Msg("write lock acquisition lost")
		return &types.LockAcquireResponse{Granted: false, Message: "already acquired"}, nil
	}

	log.Info().Str("token", token).Dur("ttl", m.ttl).Msg("write lock acquired")
	return &types.LockAcquireResponse{Granted: true, Token: token}, nil
}

// Release deletes the lock only when the presented token matches the
// stored one. A mismatch leaves the lock held and returns released=false.
func (m *Manager) Release(ctx context.Context, token string) (*types.LockReleaseResponse, error) {
	if token == "" {
		return &types.LockReleaseResponse{Released: false, Message: "token required"}, nil
	}

	released, err := m.store.CompareAndDelete(ctx, LockKey, token)
	if err != nil {
		return nil, &types.TransientError{Op: "release write lock", Err: err}
	}
	if !released {
		log.Warn().Msg("write lock release refused: token mismatch or lock expired")
		return &types.LockReleaseResponse{Released: false, Message: "token mismatch"}, nil
	}

	log.Info().Msg("write lock released")
	return &types.LockReleaseResponse{Released: true}, nil
}

// HolderToken returns the token of the current holder, or empty when no
// lock is held.
func (m *Manager) HolderToken(ctx context.Context) (string, error) {
	token, err := m.store.GetString(ctx, LockKey)
	if err != nil {
		if errors.Is(err, common.ErrKeyNotFound) {
			return "", nil
		}
		return "", &types.TransientError{Op: "read write lock", Err: err}
	}
	return token, nil
}

package upload

import (
	"context"
	"time"

	"github.com/pixelvault/pixelvault/internal/storage"
	"github.com/rs/zerolog/log"
)

// Reaper sweeps staging data for sessions whose redis record has
// expired. The record's TTL is enforced by the store; the reaper's job
// is only the orphaned chunks, which would otherwise accumulate when a
// client walks away mid-upload without cancelling.
type Reaper struct {
	sessions *SessionStore
	storage  storage.BlobStorage
	interval time.Duration
}

// NewReaper creates a staging reaper
func NewReaper(sessions *SessionStore, blobStorage storage.BlobStorage, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Reaper{
		sessions: sessions,
		storage:  blobStorage,
		interval: interval,
	}
}

// Start runs the sweep loop until the context is cancelled
func (r *Reaper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep(ctx)
			}
		}
	}()
}

// Sweep deletes staging prefixes for registered sessions whose record
// has expired
func (r *Reaper) Sweep(ctx context.Context) {
	ids, err := r.sessions.Registered(ctx)
	if err != nil {
		log.Error().Err(err).Msg("reaper failed to list sessions")
		return
	}

	swept := 0
	for _, id := range ids {
		alive, err := r.sessions.Alive(ctx, id)
		if err != nil {
			log.Error().Err(err).Str("session_id", id).Msg("reaper failed to check session")
			continue
		}
		if alive {
			continue
		}

		if err := r.storage.DeletePrefix(ctx, "staging/"+id); err != nil {
			log.Error().Err(err).Str("session_id", id).Msg("reaper failed to delete staging data")
			continue
		}
		if err := r.sessions.Unregister(ctx, id); err != nil {
			log.Error().Err(err).Str("session_id", id).Msg("reaper failed to unregister session")
			continue
		}
		swept++
	}

	if swept > 0 {
		log.Info().Int("swept", swept).Msg("expired upload sessions reaped")
	}
}

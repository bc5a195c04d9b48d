// Package middleware contains the gin middleware that coordinates
// loosely synchronized clients: cursor validation against the operation
// log, write-lock token checks, device auth, and the minimum app
// version gate.
package middleware

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Sync protocol headers
const (
	HeaderClientID         = "X-Client-ID"
	HeaderLastSyncSequence = "X-Last-Sync-Sequence"
	HeaderLockToken        = "X-Lock-UUID"
	HeaderCurrentSequence  = "X-Current-Sequence"
	HeaderClientSequence   = "X-Client-Sequence"
	HeaderOperationsBehind = "X-Operations-Behind"
	HeaderAppVersion       = "X-App-Version"
)

// SequenceSource exposes the log's current sequence to the coordinator
type SequenceSource interface {
	CurrentSequence(ctx context.Context) (int64, error)
}

// Policy decides pass or reject for write requests given the client's
// cursor and the server's current sequence. Both observed behaviors
// (lenient and strict) implement this one interface.
type Policy interface {
	Name() string

	// Enforce returns true to allow the write. On rejection it has
	// already written the 409 response.
	Enforce(c *gin.Context, cursor *int64, current int64) bool
}

// PolicyFromName resolves a configured policy name, defaulting to lenient
func PolicyFromName(name string) Policy {
	if name == "strict" {
		return StrictPolicy{}
	}
	return LenientPolicy{}
}

// LenientPolicy lets every write through: a missing cursor is logged, a
// stale one is reported back via the lag headers so the client knows to
// catch up.
type LenientPolicy struct{}

func (LenientPolicy) Name() string { return "lenient" }

func (LenientPolicy) Enforce(c *gin.Context, cursor *int64, current int64) bool {
	if cursor == nil {
		log.Warn().
			Str("client_id", c.GetHeader(HeaderClientID)).
			Str("path", c.Request.URL.Path).
			Msg("write without sync cursor")
		return true
	}
	if *cursor < current {
		setLagHeaders(c, *cursor, current)
	}
	return true
}

// StrictPolicy admits a write only when the client's cursor exactly
// matches the server sequence.
type StrictPolicy struct{}

func (StrictPolicy) Name() string { return "strict" }

func (StrictPolicy) Enforce(c *gin.Context, cursor *int64, current int64) bool {
	switch {
	case cursor == nil:
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{
			"error": "sync sequence required",
		})
		return false
	case *cursor < current:
		setLagHeaders(c, *cursor, current)
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{
			"error":             "client is behind server",
			"operations_behind": current - *cursor,
		})
		return false
	case *cursor > current:
		// A cursor past the server sequence means corrupted client state
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{
			"error": "client sequence ahead of server, resync required",
		})
		return false
	default:
		return true
	}
}

func setLagHeaders(c *gin.Context, cursor, current int64) {
	c.Header(HeaderClientSequence, strconv.FormatInt(cursor, 10))
	c.Header(HeaderOperationsBehind, strconv.FormatInt(current-cursor, 10))
}

// SyncGuard validates client cursors on writes and stamps every
// response with the current sequence. Read methods always pass. The
// sequence header is attached when the response starts, after the
// domain operation has run, via a wrapping writer rather than by
// patching the response afterwards.
func SyncGuard(source SequenceSource, policy Policy) gin.HandlerFunc {
	return func(c *gin.Context) {
		method := c.Request.Method
		isRead := method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions

		if !isRead {
			cursor, ok := parseCursorHeader(c)
			if !ok {
				return
			}

			current, err := source.CurrentSequence(c.Request.Context())
			if err != nil {
				log.Error().Err(err).Msg("sequence lookup failed")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "sync state unavailable",
				})
				return
			}

			if !policy.Enforce(c, cursor, current) {
				return
			}
		}

		c.Writer = &sequenceWriter{ResponseWriter: c.Writer, ctx: c.Request.Context(), source: source}
		c.Next()
	}
}

// parseCursorHeader reads X-Last-Sync-Sequence. A malformed value is an
// unconditional 400 regardless of policy; absence yields a nil cursor.
func parseCursorHeader(c *gin.Context) (*int64, bool) {
	raw := c.GetHeader(HeaderLastSyncSequence)
	if raw == "" {
		return nil, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error": "invalid sync sequence header",
		})
		return nil, false
	}
	return &v, true
}

// sequenceWriter injects X-Current-Sequence just before the first byte
// of the response is written, so the stamped value reflects any append
// the handler performed.
type sequenceWriter struct {
	gin.ResponseWriter
	ctx     context.Context
	source  SequenceSource
	stamped bool
}

func (w *sequenceWriter) stamp() {
	if w.stamped {
		return
	}
	w.stamped = true
	current, err := w.source.CurrentSequence(w.ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to stamp current sequence")
		return
	}
	w.Header().Set(HeaderCurrentSequence, strconv.FormatInt(current, 10))
}

func (w *sequenceWriter) WriteHeader(code int) {
	w.stamp()
	w.ResponseWriter.WriteHeader(code)
}

func (w *sequenceWriter) Write(data []byte) (int, error) {
	w.stamp()
	return w.ResponseWriter.Write(data)
}

func (w *sequenceWriter) WriteString(s string) (int, error) {
	w.stamp()
	return w.ResponseWriter.WriteString(s)
}

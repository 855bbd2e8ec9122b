package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"drawbridge/internal/middleware"
	"drawbridge/internal/models"
	"drawbridge/internal/store"

	"github.com/VictoriaMetrics/metrics"
	"go.opentelemetry.io/otel/attribute"
)

/*
MUTATION ENGINE

Every operation below runs entirely under the session lock:

  apply op -> append to log -> bump version -> broadcast

so the broadcast order each subscriber sees is exactly the log order. A
failed log append is logged, never silently dropped from the broadcast: the
in-memory state and the fan-out stay authoritative and the next snapshot
makes the state durable again.

Version accounting: one increment per accepted mutation. When a producer
payload carries both drawable elements and a synthetic camera element, the
increment lands before the elements broadcast and the viewport message
piggybacks on the same version.
*/

// applyLocked runs the reducer against the session state. Caller holds mu.
func (s *Session) applyLocked(op models.Operation) error {
	snap := s.state.Snapshot()
	if err := models.Apply(op, &snap); err != nil {
		return err
	}
	s.state.Restore(snap)
	return nil
}

// appendLogLocked writes the op to the session log, logging failures. The
// mutation has already been applied; durability catches up at next snapshot.
func (e *Engine) appendLogLocked(sess *Session, op models.Operation) {
	if err := e.store.AppendLog(sess.ID, op); err != nil {
		log.Printf("⚠️  Session %s: log append failed: %v", sess.ID, err)
	}
}

// broadcastLocked fans a message out to every subscriber, optionally
// skipping the originator. Subscribers that cannot accept the message are
// dropped on the spot, so the set never holds a dead connection.
func (s *Session) broadcastLocked(msg models.ServerMessage, skip Subscriber) {
	for sub := range s.subscribers {
		if sub == skip {
			continue
		}
		if !sub.Enqueue(msg) {
			log.Printf("⚠️  Session %s: dropping slow subscriber %s", s.ID, sub.ID())
			delete(s.subscribers, sub)
		}
	}
	metrics.GetOrCreateCounter(`drawbridge_broadcasts_total`).Inc()
}

// SetElements replaces the session's scene. Synthetic camera elements in the
// payload are stripped and reinterpreted: the last one becomes a viewport
// operation that piggybacks on the same mutation.
// Returns the resulting element count and the number of connected clients.
func (e *Engine) SetElements(ctx context.Context, id string, elements []models.Element, appState json.RawMessage) (int, int) {
	_, span := middleware.StartSpan(ctx, "Engine.SetElements",
		attribute.String("session.id", id),
		attribute.Int("payload.elements", len(elements)),
	)
	defer span.End()

	draw, viewports := models.StripViewportElements(elements)

	sess := e.GetSession(id)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	op := models.Operation{Op: models.OpSet, Elements: draw, AppState: appState}
	if err := sess.applyLocked(op); err != nil {
		log.Printf("⚠️  Session %s: set failed: %v", id, err)
		return len(sess.state.Elements), len(sess.subscribers)
	}
	e.appendLogLocked(sess, op)

	sess.version++
	metrics.GetOrCreateCounter(`drawbridge_mutations_total`).Inc()

	sess.broadcastLocked(models.ServerMessage{
		Type:     models.MessageElements,
		Elements: sess.state.Elements,
		AppState: sess.state.AppState,
		Version:  sess.version,
	}, nil)

	if len(viewports) > 0 {
		e.applyViewportLocked(sess, viewports[len(viewports)-1])
	}

	return len(sess.state.Elements), len(sess.subscribers)
}

// AppendElements concatenates elements at the end of the scene (top of the
// z-order). Camera elements are stripped the same way as in SetElements.
func (e *Engine) AppendElements(ctx context.Context, id string, elements []models.Element) int {
	_, span := middleware.StartSpan(ctx, "Engine.AppendElements",
		attribute.String("session.id", id),
		attribute.Int("payload.elements", len(elements)),
	)
	defer span.End()

	draw, viewports := models.StripViewportElements(elements)

	sess := e.GetSession(id)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	bumped := false

	if len(draw) > 0 {
		op := models.Operation{Op: models.OpAppend, Elements: draw}
		if err := sess.applyLocked(op); err != nil {
			log.Printf("⚠️  Session %s: append failed: %v", id, err)
			return len(sess.state.Elements)
		}
		e.appendLogLocked(sess, op)

		sess.version++
		bumped = true
		metrics.GetOrCreateCounter(`drawbridge_mutations_total`).Inc()

		sess.broadcastLocked(models.ServerMessage{
			Type:     models.MessageAppend,
			Elements: draw,
			Version:  sess.version,
		}, nil)
	}

	if len(viewports) > 0 {
		if !bumped {
			sess.version++
			metrics.GetOrCreateCounter(`drawbridge_mutations_total`).Inc()
		}
		e.applyViewportLocked(sess, viewports[len(viewports)-1])
	}

	return len(sess.state.Elements)
}

// SetViewport applies a camera change as its own mutation.
func (e *Engine) SetViewport(ctx context.Context, id string, vp models.Viewport) models.Viewport {
	_, span := middleware.StartSpan(ctx, "Engine.SetViewport",
		attribute.String("session.id", id),
	)
	defer span.End()

	sess := e.GetSession(id)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.version++
	metrics.GetOrCreateCounter(`drawbridge_mutations_total`).Inc()
	e.applyViewportLocked(sess, vp)

	return vp
}

// applyViewportLocked applies + logs + broadcasts a viewport op without
// touching the version counter - the caller decides whether this is its own
// mutation or a piggyback.
func (e *Engine) applyViewportLocked(sess *Session, vp models.Viewport) {
	op := models.Operation{Op: models.OpViewport, Viewport: &vp}
	if err := sess.applyLocked(op); err != nil {
		log.Printf("⚠️  Session %s: viewport failed: %v", sess.ID, err)
		return
	}
	e.appendLogLocked(sess, op)

	sess.broadcastLocked(models.ServerMessage{
		Type:     models.MessageViewport,
		Viewport: &vp,
		Version:  sess.version,
	}, nil)
}

// Clear resets the scene. A non-empty scene is snapshotted first so the
// pre-clear state lands in version history - this is the designed recovery
// path after an accidental clear. File metadata is deleted alongside.
func (e *Engine) Clear(ctx context.Context, id string) {
	_, span := middleware.StartSpan(ctx, "Engine.Clear",
		attribute.String("session.id", id),
	)
	defer span.End()

	sess := e.GetSession(id)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if len(sess.state.Elements) > 0 {
		e.writeSnapshotLocked(sess)
	}

	op := models.Operation{Op: models.OpClear}
	if err := sess.applyLocked(op); err != nil {
		log.Printf("⚠️  Session %s: clear failed: %v", id, err)
		return
	}
	e.appendLogLocked(sess, op)

	sess.state.Files = nil
	e.store.DeleteFilesMeta(id)

	sess.version++
	metrics.GetOrCreateCounter(`drawbridge_mutations_total`).Inc()

	sess.broadcastLocked(models.ServerMessage{
		Type:    models.MessageClear,
		Version: sess.version,
	}, nil)
}

// Undo drops the last operation from the log and rebuilds the session from
// the current snapshot plus the remaining log. It cannot cross a snapshot
// boundary: once the log has been compacted away, only version-history
// restore reaches further back.
func (e *Engine) Undo(ctx context.Context, id string) (int, error) {
	_, span := middleware.StartSpan(ctx, "Engine.Undo",
		attribute.String("session.id", id),
	)
	defer span.End()

	sess := e.GetSession(id)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	// A pending debounced update is part of the log's future; flush it so
	// undo operates on what the user actually sees.
	e.flushPendingUpdateLocked(sess)

	dropped, err := e.store.DropLastLogEntry(id)
	if err != nil {
		return 0, err
	}
	if !dropped {
		return 0, ErrEmptyLog
	}

	rebuilt := e.store.LoadSession(id)
	sess.state.Restore(rebuilt)

	sess.version++
	metrics.GetOrCreateCounter(`drawbridge_mutations_total`).Inc()

	sess.broadcastLocked(models.ServerMessage{
		Type:     models.MessageElements,
		Elements: sess.state.Elements,
		AppState: sess.state.AppState,
		Version:  sess.version,
	}, nil)

	return len(sess.state.Elements), nil
}

// Restore rolls the session back to a versioned snapshot. The pre-restore
// state is filed into version history first, so a restore is itself
// reversible. Fails without touching anything when the timestamp is unknown.
func (e *Engine) Restore(ctx context.Context, id string, timestamp int64) (int, error) {
	_, span := middleware.StartSpan(ctx, "Engine.Restore",
		attribute.String("session.id", id),
		attribute.Int64("restore.timestamp", timestamp),
	)
	defer span.End()

	sess := e.GetSession(id)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	snap, err := e.store.ReadVersionedSnapshot(id, timestamp)
	if err != nil {
		return 0, fmt.Errorf("%w: %d", ErrVersionNotFound, timestamp)
	}

	e.flushPendingUpdateLocked(sess)

	if _, err := e.store.WriteVersionedSnapshot(id, sess.state.Snapshot()); err != nil {
		log.Printf("⚠️  Session %s: failed to preserve pre-restore state: %v", id, err)
	}

	if err := e.store.PromoteVersionedSnapshot(id, timestamp); err != nil {
		return 0, err
	}

	sess.state.Restore(snap)
	sess.lastSnapshotAt = time.Now()

	sess.version++
	metrics.GetOrCreateCounter(`drawbridge_mutations_total`).Inc()

	sess.broadcastLocked(models.ServerMessage{
		Type:     models.MessageElements,
		Elements: sess.state.Elements,
		AppState: sess.state.AppState,
		Version:  sess.version,
		Source:   models.SourceRestore,
	}, nil)

	return len(sess.state.Elements), nil
}

// Versions lists the current snapshot and the version history, newest first.
func (e *Engine) Versions(id string) (*store.VersionInfo, []store.VersionInfo) {
	sess := e.GetSession(id)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	return e.store.CurrentSnapshotInfo(id), e.store.ListVersionedSnapshots(id)
}

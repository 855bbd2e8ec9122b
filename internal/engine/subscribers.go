package engine

import (
	"context"
	"log"
	"time"

	"drawbridge/internal/middleware"
	"drawbridge/internal/models"

	"github.com/VictoriaMetrics/metrics"
	"go.opentelemetry.io/otel/attribute"
)

// Subscribe attaches a connection to a session and immediately sends it the
// current state: an elements frame with the session version, a viewport
// frame if a camera is set, and a files-meta frame if any files exist.
// A pending eviction is cancelled - the session is live again.
func (e *Engine) Subscribe(ctx context.Context, id string, sub Subscriber) {
	_, span := middleware.StartSpan(ctx, "Engine.Subscribe",
		attribute.String("session.id", id),
		attribute.String("subscriber.id", sub.ID()),
	)
	defer span.End()

	sess := e.GetSession(id)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.evictTimer != nil {
		sess.evictTimer.Stop()
		sess.evictTimer = nil
	}

	sess.subscribers[sub] = true
	metrics.GetOrCreateCounter(`drawbridge_subscribers_total`).Inc()

	sub.Enqueue(models.ServerMessage{
		Type:     models.MessageElements,
		Elements: sess.state.Elements,
		AppState: sess.state.AppState,
		Version:  sess.version,
	})
	if sess.state.Viewport != nil {
		sub.Enqueue(models.ServerMessage{
			Type:     models.MessageViewport,
			Viewport: sess.state.Viewport,
			Version:  sess.version,
		})
	}
	if len(sess.state.Files) > 0 {
		sub.Enqueue(models.ServerMessage{
			Type:    models.MessageFilesMeta,
			Files:   sess.state.Files,
			Version: sess.version,
		})
	}

	log.Printf("✓ Subscriber %s joined session %s (total: %d)", sub.ID(), id, len(sess.subscribers))
}

// Unsubscribe detaches a connection. Any pending debounced log append is
// flushed synchronously so nothing the subscriber wrote is lost, and idle
// eviction is scheduled when the session empties out.
func (e *Engine) Unsubscribe(id string, sub Subscriber) {
	sess, ok := e.sessions.Load(id)
	if !ok {
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if _, present := sess.subscribers[sub]; present {
		delete(sess.subscribers, sub)
		e.flushPendingUpdateLocked(sess)
		log.Printf("  Subscriber %s left session %s (remaining: %d)", sub.ID(), id, len(sess.subscribers))
	}

	// The set can also have emptied through a slow-subscriber drop during
	// broadcast, so the eviction check runs regardless of who left how.
	if len(sess.subscribers) == 0 {
		e.scheduleEvictionLocked(sess)
	}
}

// SubmitUpdate handles one inbound full-replacement proposal from a
// subscriber. Stale proposals (baseVersion behind the session) are rejected
// with a corrective elements frame to the originator only; nothing is
// logged or broadcast. Accepted proposals replace the scene, bump the
// version, fan out to every other subscriber, and coalesce into the log on
// a 500 ms debounce.
func (e *Engine) SubmitUpdate(ctx context.Context, id string, sub Subscriber, elements []models.Element, baseVersion *int64) {
	_, span := middleware.StartSpan(ctx, "Engine.SubmitUpdate",
		attribute.String("session.id", id),
		attribute.Int("payload.elements", len(elements)),
	)
	defer span.End()

	sess := e.GetSession(id)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if baseVersion != nil && *baseVersion < sess.version {
		metrics.GetOrCreateCounter(`drawbridge_stale_updates_total`).Inc()
		span.SetAttributes(attribute.Bool("update.stale", true))

		sub.Enqueue(models.ServerMessage{
			Type:     models.MessageElements,
			Elements: sess.state.Elements,
			AppState: sess.state.AppState,
			Version:  sess.version,
			Source:   models.SourceVersionCorrection,
		})
		return
	}

	sess.state.Elements = elements
	sess.version++
	metrics.GetOrCreateCounter(`drawbridge_mutations_total`).Inc()

	sess.pendingUpdate = true
	if sess.debounceTimer == nil {
		sess.debounceTimer = time.AfterFunc(UpdateDebounce, func() {
			sess.mu.Lock()
			defer sess.mu.Unlock()
			e.flushPendingUpdateLocked(sess)
		})
	} else {
		sess.debounceTimer.Reset(UpdateDebounce)
	}

	sess.broadcastLocked(models.ServerMessage{
		Type:     models.MessageElements,
		Elements: sess.state.Elements,
		Version:  sess.version,
	}, sub)
}

// flushPendingUpdateLocked appends the coalesced subscriber update to the
// log, if one is pending. A failed append leaves the update pending, so the
// next flush trigger writes it again. Caller holds sess.mu.
func (e *Engine) flushPendingUpdateLocked(sess *Session) {
	if sess.debounceTimer != nil {
		sess.debounceTimer.Stop()
		sess.debounceTimer = nil
	}
	if !sess.pendingUpdate {
		return
	}

	op := models.Operation{
		Op:       models.OpUpdate,
		Elements: sess.state.Elements,
	}
	if err := e.store.AppendLog(sess.ID, op); err != nil {
		log.Printf("⚠️  Session %s: debounced update append failed, keeping it pending: %v", sess.ID, err)
		return
	}
	sess.pendingUpdate = false
}

// scheduleEvictionLocked arms the idle-eviction timer. Caller holds sess.mu.
func (e *Engine) scheduleEvictionLocked(sess *Session) {
	if sess.evictTimer != nil {
		sess.evictTimer.Stop()
	}
	sess.evictTimer = time.AfterFunc(EvictAfter, func() {
		e.evictIfIdle(sess)
	})
}

// evictIfIdle removes the session from memory if it is still empty of
// subscribers when the timer fires. The scene is flushed to disk first;
// disk state outlives memory residency.
func (e *Engine) evictIfIdle(sess *Session) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if len(sess.subscribers) > 0 {
		return
	}

	e.flushPendingUpdateLocked(sess)
	if len(sess.state.Elements) > 0 {
		e.writeSnapshotLocked(sess)
	}

	e.sessions.Delete(sess.ID)
	metrics.GetOrCreateCounter(`drawbridge_sessions_evicted_total`).Inc()
	log.Printf("  Session %s evicted after idle timeout", sess.ID)
}

// RegisterFile records uploaded-file metadata on the session, persists the
// files-meta map, and announces the file to subscribers. File metadata is
// not an operation: it never enters the log and does not bump the version.
func (e *Engine) RegisterFile(ctx context.Context, id string, meta models.FileMeta) error {
	_, span := middleware.StartSpan(ctx, "Engine.RegisterFile",
		attribute.String("session.id", id),
		attribute.String("file.id", meta.ID),
	)
	defer span.End()

	sess := e.GetSession(id)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.state.Files == nil {
		sess.state.Files = make(map[string]models.FileMeta)
	}
	sess.state.Files[meta.ID] = meta

	if err := e.store.WriteFilesMeta(id, sess.state.Files); err != nil {
		return err
	}

	sess.broadcastLocked(models.ServerMessage{
		Type:    models.MessageFileAdded,
		File:    &meta,
		Version: sess.version,
	}, nil)

	return nil
}

// FindFile looks a file ID up across every resident session's metadata.
func (e *Engine) FindFile(fileID string) (models.FileMeta, bool) {
	var meta models.FileMeta
	found := false

	e.sessions.Range(func(_ string, sess *Session) bool {
		sess.mu.Lock()
		if m, ok := sess.state.Files[fileID]; ok {
			meta, found = m, true
		}
		sess.mu.Unlock()
		return !found
	})

	return meta, found
}

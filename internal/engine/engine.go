package engine

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"drawbridge/internal/models"
	"drawbridge/internal/store"

	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"
)

/*
SESSION ENGINE

One Engine per process. It owns the session table, the durable store, and
the fan-out to connected subscribers. Transport adapters (HTTP handlers,
the WebSocket layer) receive the engine at construction and never touch
shared state directly.

Concurrency discipline: one mutex per session. The whole sequence
{apply op -> append log -> version++ -> broadcast} runs under that lock, so
the order subscribers observe messages in always matches the log order.
The session table itself is a concurrent map, so lookups on one session
never contend with mutations on another.
*/

// Timing policy for snapshots, eviction, and subscriber-update coalescing.
const (
	SnapshotInterval = 5 * time.Minute
	EvictAfter       = 5 * time.Minute
	UpdateDebounce   = 500 * time.Millisecond
)

// ErrVersionNotFound is returned by Restore when the requested versioned
// snapshot does not exist on disk.
var ErrVersionNotFound = errors.New("versioned snapshot not found")

// ErrEmptyLog is returned by Undo when there is nothing to undo - the log
// was truncated by the last snapshot, so earlier operations are only
// reachable through version history.
var ErrEmptyLog = errors.New("nothing to undo")

// Subscriber is one persistent connection receiving a session's broadcasts.
// Enqueue must not block; it returns false when the subscriber can no longer
// accept messages (closed or too slow), at which point the engine drops it
// from the session.
type Subscriber interface {
	ID() string
	Enqueue(msg models.ServerMessage) bool
}

// Session is the live in-memory form of one drawing canvas. All fields
// behind mu; nothing here is touched without holding it.
type Session struct {
	ID string

	mu             sync.Mutex
	state          models.SessionState
	version        int64
	lastSnapshotAt time.Time
	subscribers    map[Subscriber]bool

	evictTimer    *time.Timer
	debounceTimer *time.Timer
	pendingUpdate bool // an accepted subscriber update awaits its log append
}

// Engine is the per-process session engine.
type Engine struct {
	store    *store.Store
	sessions *xsync.MapOf[string, *Session]

	done     chan struct{}
	shutdown sync.Once
	wg       sync.WaitGroup
}

// New creates an engine on top of the given store and starts the periodic
// snapshot flusher.
func New(st *store.Store) *Engine {
	e := &Engine{
		store:    st,
		sessions: xsync.NewMapOf[string, *Session](),
		done:     make(chan struct{}),
	}

	e.wg.Add(1)
	go e.snapshotLoop()

	return e
}

// GetSession returns the live session, lazily loading it from disk on first
// access. Loading replays the current snapshot plus the operation log
// through the same reducer live mutations use.
func (e *Engine) GetSession(id string) *Session {
	sess, loaded := e.sessions.LoadOrCompute(id, func() *Session {
		snap := e.store.LoadSession(id)

		s := &Session{
			ID:             id,
			lastSnapshotAt: time.Now(),
			subscribers:    make(map[Subscriber]bool),
		}
		s.state.Restore(snap)
		s.state.Files = e.store.ReadFilesMeta(id)

		return s
	})
	if !loaded {
		metrics.GetOrCreateCounter(`drawbridge_sessions_loaded_total`).Inc()
		log.Printf("✓ Session %s loaded (%d elements)", id, len(sess.stateElements()))
	}
	return sess
}

func (s *Session) stateElements() []models.Element {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Elements
}

// snapshotLoop periodically flushes every non-empty session whose last
// snapshot is older than SnapshotInterval.
func (e *Engine) snapshotLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.flushStaleSessions(time.Now())
		}
	}
}

func (e *Engine) flushStaleSessions(now time.Time) {
	e.sessions.Range(func(id string, sess *Session) bool {
		sess.mu.Lock()
		if len(sess.state.Elements) > 0 && now.Sub(sess.lastSnapshotAt) >= SnapshotInterval {
			e.writeSnapshotLocked(sess)
		}
		sess.mu.Unlock()
		return true
	})
}

// writeSnapshotLocked compacts the session to disk. Caller holds sess.mu.
func (e *Engine) writeSnapshotLocked(sess *Session) {
	if err := e.store.WriteSnapshot(sess.ID, sess.state.Snapshot()); err != nil {
		metrics.GetOrCreateCounter(`drawbridge_snapshot_failures_total`).Inc()
		log.Printf("⚠️  Session %s: snapshot write failed: %v", sess.ID, err)
		return
	}
	metrics.GetOrCreateCounter(`drawbridge_snapshot_writes_total`).Inc()
	sess.lastSnapshotAt = time.Now()
}

// SessionCount reports how many sessions are resident in memory.
func (e *Engine) SessionCount() int {
	return e.sessions.Size()
}

// ClientCount reports connected subscribers across all resident sessions.
func (e *Engine) ClientCount() int {
	total := 0
	e.sessions.Range(func(_ string, sess *Session) bool {
		sess.mu.Lock()
		total += len(sess.subscribers)
		sess.mu.Unlock()
		return true
	})
	return total
}

// SessionSummary is one row of the in-memory session listing.
type SessionSummary struct {
	ID           string `json:"id"`
	ElementCount int    `json:"elementCount"`
	ClientCount  int    `json:"clientCount"`
}

// Sessions lists every resident session.
func (e *Engine) Sessions() []SessionSummary {
	out := make([]SessionSummary, 0, e.sessions.Size())
	e.sessions.Range(func(id string, sess *Session) bool {
		sess.mu.Lock()
		out = append(out, SessionSummary{
			ID:           id,
			ElementCount: len(sess.state.Elements),
			ClientCount:  len(sess.subscribers),
		})
		sess.mu.Unlock()
		return true
	})
	return out
}

// SessionView is the full scene of one session, as served by the HTTP API.
type SessionView struct {
	ID       string           `json:"id"`
	Elements []models.Element `json:"elements"`
	AppState json.RawMessage  `json:"appState,omitempty"`
	Viewport *models.Viewport `json:"viewport,omitempty"`
	Version  int64            `json:"version"`
}

// View returns a copy of the session's scene, lazily loading it first.
func (e *Engine) View(id string) SessionView {
	sess := e.GetSession(id)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	view := SessionView{
		ID:       id,
		Elements: append([]models.Element{}, sess.state.Elements...),
		Viewport: sess.state.Viewport,
		Version:  sess.version,
	}
	if sess.state.AppState != nil {
		view.AppState = sess.state.AppState
	}
	return view
}

// Shutdown stops the background flusher, then flushes every non-empty
// resident session to disk, best effort. Individual snapshot failures are
// logged and never block the other sessions.
func (e *Engine) Shutdown() {
	e.shutdown.Do(func() {
		log.Println("🛑 Shutting down session engine...")
		close(e.done)
		e.wg.Wait()

		e.sessions.Range(func(id string, sess *Session) bool {
			sess.mu.Lock()
			e.flushPendingUpdateLocked(sess)
			if len(sess.state.Elements) > 0 {
				e.writeSnapshotLocked(sess)
			}
			sess.mu.Unlock()
			return true
		})

		log.Println("✓ Session engine shutdown complete")
	})
}

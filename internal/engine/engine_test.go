package engine

import (
	"context"
	"testing"
	"time"

	"drawbridge/internal/models"
	"drawbridge/internal/store"

	"github.com/go-playground/assert/v2"
)

// fakeSub records every message it is handed.
type fakeSub struct {
	id   string
	msgs []models.ServerMessage
	full bool // when true, Enqueue reports the subscriber as dead
}

func (f *fakeSub) ID() string { return f.id }

func (f *fakeSub) Enqueue(msg models.ServerMessage) bool {
	if f.full {
		return false
	}
	f.msgs = append(f.msgs, msg)
	return true
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	e := New(st)
	t.Cleanup(e.Shutdown)
	return e
}

func el(s string) models.Element {
	return models.Element(s)
}

func elements(ids ...string) []models.Element {
	out := make([]models.Element, 0, len(ids))
	for _, id := range ids {
		out = append(out, el(`{"id":"`+id+`","type":"rectangle"}`))
	}
	return out
}

func TestSetElementsStripsCamera(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	count, clients := e.SetElements(ctx, "s1", []models.Element{
		el(`{"type":"cameraUpdate","x":0,"y":0,"width":400,"height":300}`),
		el(`{"id":"r","type":"rectangle","x":0,"y":0,"width":10,"height":10}`),
	}, nil)

	assert.Equal(t, 1, count)
	assert.Equal(t, 0, clients)

	view := e.View("s1")
	assert.Equal(t, 1, len(view.Elements))
	assert.Equal(t, "r", models.ElementID(view.Elements[0]))
	assert.Equal(t, &models.Viewport{X: 0, Y: 0, Width: 400, Height: 300}, view.Viewport)

	// One logical mutation: set + piggybacked viewport.
	assert.Equal(t, int64(1), view.Version)
}

func TestCameraOnlyPayloadBroadcasts(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	sub := &fakeSub{id: "x"}
	e.Subscribe(ctx, "s1", sub)
	initial := len(sub.msgs)

	e.SetElements(ctx, "s1", []models.Element{
		el(`{"type":"cameraUpdate","x":0,"y":0,"width":400,"height":300}`),
	}, nil)

	got := sub.msgs[initial:]
	assert.Equal(t, 2, len(got))
	assert.Equal(t, models.MessageElements, got[0].Type)
	assert.Equal(t, 0, len(got[0].Elements))
	assert.Equal(t, models.MessageViewport, got[1].Type)
	assert.Equal(t, &models.Viewport{Width: 400, Height: 300}, got[1].Viewport)
}

func TestBroadcastOrder(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	x := &fakeSub{id: "x"}
	y := &fakeSub{id: "y"}
	e.Subscribe(ctx, "s3", x)
	e.Subscribe(ctx, "s3", y)
	xStart, yStart := len(x.msgs), len(y.msgs)

	e.AppendElements(ctx, "s3", elements("A"))
	e.AppendElements(ctx, "s3", elements("B"))
	e.SetElements(ctx, "s3", elements("C"), nil)

	for _, sub := range []*fakeSub{x, y} {
		start := xStart
		if sub == y {
			start = yStart
		}
		got := sub.msgs[start:]
		assert.Equal(t, 3, len(got))
		assert.Equal(t, models.MessageAppend, got[0].Type)
		assert.Equal(t, "A", models.ElementID(got[0].Elements[0]))
		assert.Equal(t, models.MessageAppend, got[1].Type)
		assert.Equal(t, "B", models.ElementID(got[1].Elements[0]))
		assert.Equal(t, models.MessageElements, got[2].Type)
		assert.Equal(t, "C", models.ElementID(got[2].Elements[0]))
	}
}

func TestSubscribeSendsInitialState(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	e.SetElements(ctx, "s1", elements("a"), nil)
	e.SetViewport(ctx, "s1", models.Viewport{Width: 800, Height: 600})
	if err := e.RegisterFile(ctx, "s1", models.FileMeta{ID: "f1", MimeType: "image/png"}); err != nil {
		t.Fatal(err)
	}

	sub := &fakeSub{id: "x"}
	e.Subscribe(ctx, "s1", sub)

	assert.Equal(t, 3, len(sub.msgs))
	assert.Equal(t, models.MessageElements, sub.msgs[0].Type)
	assert.Equal(t, int64(2), sub.msgs[0].Version)
	assert.Equal(t, models.MessageViewport, sub.msgs[1].Type)
	assert.Equal(t, models.MessageFilesMeta, sub.msgs[2].Type)
	assert.Equal(t, "f1", sub.msgs[2].Files["f1"].ID)
}

func TestStaleUpdateRejected(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	x := &fakeSub{id: "x"}
	y := &fakeSub{id: "y"}
	e.Subscribe(ctx, "s4", x)
	e.Subscribe(ctx, "s4", y)

	// Producer brings the session to version 1.
	e.SetElements(ctx, "s4", elements("p"), nil)

	xStart, yStart := len(x.msgs), len(y.msgs)

	stale := int64(0)
	e.SubmitUpdate(ctx, "s4", x, elements("mine"), &stale)

	// X gets a corrective frame with the server state; Y hears nothing.
	got := x.msgs[xStart:]
	assert.Equal(t, 1, len(got))
	assert.Equal(t, models.MessageElements, got[0].Type)
	assert.Equal(t, models.SourceVersionCorrection, got[0].Source)
	assert.Equal(t, int64(1), got[0].Version)
	assert.Equal(t, "p", models.ElementID(got[0].Elements[0]))

	assert.Equal(t, yStart, len(y.msgs))

	// State untouched, nothing logged.
	view := e.View("s4")
	assert.Equal(t, "p", models.ElementID(view.Elements[0]))
	assert.Equal(t, int64(1), view.Version)
}

func TestUpdateNoEcho(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	x := &fakeSub{id: "x"}
	y := &fakeSub{id: "y"}
	e.Subscribe(ctx, "s1", x)
	e.Subscribe(ctx, "s1", y)
	xStart, yStart := len(x.msgs), len(y.msgs)

	base := int64(0)
	e.SubmitUpdate(ctx, "s1", x, elements("mine"), &base)

	assert.Equal(t, xStart, len(x.msgs))

	got := y.msgs[yStart:]
	assert.Equal(t, 1, len(got))
	assert.Equal(t, models.MessageElements, got[0].Type)
	assert.Equal(t, int64(1), got[0].Version)
	assert.Equal(t, "mine", models.ElementID(got[0].Elements[0]))
}

func TestUpdateWithoutBaseVersionAccepted(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	x := &fakeSub{id: "x"}
	e.Subscribe(ctx, "s1", x)
	e.SetElements(ctx, "s1", elements("p"), nil)

	e.SubmitUpdate(ctx, "s1", x, elements("mine"), nil)

	view := e.View("s1")
	assert.Equal(t, "mine", models.ElementID(view.Elements[0]))
	assert.Equal(t, int64(2), view.Version)
}

func TestUpdateFlushedOnUnsubscribe(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	x := &fakeSub{id: "x"}
	e.Subscribe(ctx, "s1", x)
	e.SubmitUpdate(ctx, "s1", x, elements("mine"), nil)

	// The debounced append has not fired yet; unsubscribing must flush it.
	e.Unsubscribe("s1", x)

	loaded := e.store.LoadSession("s1")
	assert.Equal(t, 1, len(loaded.Elements))
	assert.Equal(t, "mine", models.ElementID(loaded.Elements[0]))
}

func TestUpdateDebounceFires(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	x := &fakeSub{id: "x"}
	e.Subscribe(ctx, "s1", x)
	e.SubmitUpdate(ctx, "s1", x, elements("one"), nil)
	e.SubmitUpdate(ctx, "s1", x, elements("one", "two"), nil)

	deadline := time.Now().Add(3 * time.Second)
	for {
		if e.store.LogEntryCount("s1") > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	// Burst coalesced into a single update op.
	assert.Equal(t, 1, e.store.LogEntryCount("s1"))

	loaded := e.store.LoadSession("s1")
	assert.Equal(t, 2, len(loaded.Elements))
}

func TestUndo(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	e.SetElements(ctx, "s5", elements("A"), nil)
	e.AppendElements(ctx, "s5", elements("B"))

	count, err := e.Undo(ctx, "s5")
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, 1, count)

	view := e.View("s5")
	assert.Equal(t, 1, len(view.Elements))
	assert.Equal(t, "A", models.ElementID(view.Elements[0]))
	assert.Equal(t, int64(3), view.Version)
}

func TestUndoEmptyLog(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Undo(ctx, "s1")
	assert.Equal(t, true, err != nil)

	view := e.View("s1")
	assert.Equal(t, 0, len(view.Elements))
	assert.Equal(t, int64(0), view.Version)
}

func TestVersionMonotonicAcrossRestore(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	e.SetElements(ctx, "s6", elements("A"), nil)
	e.flushStaleSessions(time.Now().Add(SnapshotInterval))

	e.AppendElements(ctx, "s6", elements("B"))
	e.flushStaleSessions(time.Now().Add(2 * SnapshotInterval))

	current, versions := e.Versions("s6")
	assert.NotEqual(t, current, nil)
	assert.Equal(t, 2, current.ElementCount)
	assert.Equal(t, 1, len(versions))
	assert.Equal(t, 1, versions[0].ElementCount)

	before := e.View("s6").Version

	count, err := e.Restore(ctx, "s6", versions[0].Timestamp)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, 1, count)

	view := e.View("s6")
	assert.Equal(t, "A", models.ElementID(view.Elements[0]))
	assert.Equal(t, before+1, view.Version)

	// The pre-restore state joined version history.
	_, versions = e.Versions("s6")
	assert.Equal(t, 2, len(versions))
	assert.Equal(t, 2, versions[0].ElementCount)
}

func TestRestoreUnknownTimestamp(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	e.SetElements(ctx, "s1", elements("A"), nil)
	before := e.View("s1")

	_, err := e.Restore(ctx, "s1", 42)
	assert.Equal(t, true, err != nil)

	after := e.View("s1")
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, len(before.Elements), len(after.Elements))
}

func TestClearSnapshotsBeforeReset(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	e.SetElements(ctx, "s1", elements("A"), nil)
	e.Clear(ctx, "s1")

	view := e.View("s1")
	assert.Equal(t, 0, len(view.Elements))

	// The pre-clear state is reachable: a current snapshot was written, and
	// clearing again must not add another history entry.
	current, _ := e.Versions("s1")
	assert.NotEqual(t, current, nil)
	assert.Equal(t, 1, current.ElementCount)

	_, versionsBefore := e.Versions("s1")
	e.Clear(ctx, "s1")
	_, versionsAfter := e.Versions("s1")
	assert.Equal(t, len(versionsBefore), len(versionsAfter))
}

func TestEvictionFlushesAndRemoves(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	x := &fakeSub{id: "x"}
	e.Subscribe(ctx, "s1", x)
	e.SetElements(ctx, "s1", elements("A"), nil)
	e.Unsubscribe("s1", x)

	sess, ok := e.sessions.Load("s1")
	assert.Equal(t, true, ok)

	e.evictIfIdle(sess)

	_, ok = e.sessions.Load("s1")
	assert.Equal(t, false, ok)
	assert.Equal(t, 1, e.store.CurrentSnapshotInfo("s1").ElementCount)

	// Disk state survives eviction; the next access reloads it.
	view := e.View("s1")
	assert.Equal(t, 1, len(view.Elements))
}

func TestEvictionSkippedWhileSubscribed(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	x := &fakeSub{id: "x"}
	e.Subscribe(ctx, "s1", x)

	sess, _ := e.sessions.Load("s1")
	e.evictIfIdle(sess)

	_, ok := e.sessions.Load("s1")
	assert.Equal(t, true, ok)
}

func TestSlowSubscriberDropped(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	x := &fakeSub{id: "x"}
	e.Subscribe(ctx, "s1", x)
	x.full = true

	e.SetElements(ctx, "s1", elements("A"), nil)

	_, clients := e.SetElements(ctx, "s1", elements("B"), nil)
	assert.Equal(t, 0, clients)
}

func TestSessionSummaries(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	e.SetElements(ctx, "a", elements("1", "2"), nil)
	x := &fakeSub{id: "x"}
	e.Subscribe(ctx, "b", x)

	assert.Equal(t, 2, e.SessionCount())
	assert.Equal(t, 1, e.ClientCount())

	byID := map[string]SessionSummary{}
	for _, s := range e.Sessions() {
		byID[s.ID] = s
	}
	assert.Equal(t, 2, byID["a"].ElementCount)
	assert.Equal(t, 1, byID["b"].ClientCount)
}

package collaboration_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"drawbridge/internal/api"
	"drawbridge/internal/collaboration"
	"drawbridge/internal/engine"
	"drawbridge/internal/models"
	"drawbridge/internal/store"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

type harness struct {
	srv   *httptest.Server
	store *store.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	eng := engine.New(st)
	t.Cleanup(eng.Shutdown)

	router := api.SetupRoutes(api.NewHandler(eng, nil), collaboration.NewHandler(eng))
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &harness{srv: srv, store: st}
}

func (h *harness) dial(t *testing.T, sessionID string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) models.ServerMessage {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg models.ServerMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read message: %v", err)
	}
	return msg
}

// expectSilence asserts that no frame arrives within the window.
func expectSilence(t *testing.T, conn *websocket.Conn, window time.Duration) {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(window))
	var msg models.ServerMessage
	if err := conn.ReadJSON(&msg); err == nil {
		t.Fatalf("expected no message, got %q", msg.Type)
	}
}

func (h *harness) post(t *testing.T, path, body string) {
	t.Helper()

	resp, err := http.Post(h.srv.URL+path, "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST %s: status %d", path, resp.StatusCode)
	}
}

func elementID(t *testing.T, el models.Element) string {
	t.Helper()
	return models.ElementID(el)
}

func TestInitialStateOnConnect(t *testing.T) {
	h := newHarness(t)

	h.post(t, "/api/session/s1/elements", `{"elements":[{"id":"a","type":"rectangle"},{"type":"cameraUpdate","x":0,"y":0,"width":400,"height":300}]}`)

	conn := h.dial(t, "s1")

	msg := readMessage(t, conn)
	assert.Equal(t, models.MessageElements, msg.Type)
	assert.Equal(t, int64(1), msg.Version)
	assert.Equal(t, 1, len(msg.Elements))
	assert.Equal(t, "a", elementID(t, msg.Elements[0]))

	msg = readMessage(t, conn)
	assert.Equal(t, models.MessageViewport, msg.Type)
	assert.Equal(t, &models.Viewport{Width: 400, Height: 300}, msg.Viewport)
}

func TestFreshSessionStartsAtVersionZero(t *testing.T) {
	h := newHarness(t)

	conn := h.dial(t, "brand-new")

	msg := readMessage(t, conn)
	assert.Equal(t, models.MessageElements, msg.Type)
	assert.Equal(t, int64(0), msg.Version)
	assert.Equal(t, 0, len(msg.Elements))
}

// S3: both subscribers observe mutations in order.
func TestFanOutOrder(t *testing.T) {
	h := newHarness(t)

	connX := h.dial(t, "s3")
	readMessage(t, connX) // initial elements

	connY := h.dial(t, "s3")
	readMessage(t, connY)

	h.post(t, "/api/session/s3/append", `{"elements":[{"id":"A"}]}`)
	h.post(t, "/api/session/s3/append", `{"elements":[{"id":"B"}]}`)
	h.post(t, "/api/session/s3/elements", `{"elements":[{"id":"C"}]}`)

	for _, conn := range []*websocket.Conn{connX, connY} {
		msg := readMessage(t, conn)
		assert.Equal(t, models.MessageAppend, msg.Type)
		assert.Equal(t, "A", elementID(t, msg.Elements[0]))

		msg = readMessage(t, conn)
		assert.Equal(t, models.MessageAppend, msg.Type)
		assert.Equal(t, "B", elementID(t, msg.Elements[0]))

		msg = readMessage(t, conn)
		assert.Equal(t, models.MessageElements, msg.Type)
		assert.Equal(t, "C", elementID(t, msg.Elements[0]))
	}
}

// S4: a stale update draws a private correction and no fan-out.
func TestStaleUpdateCorrected(t *testing.T) {
	h := newHarness(t)

	connX := h.dial(t, "s4")
	msg := readMessage(t, connX)
	assert.Equal(t, int64(0), msg.Version)

	connY := h.dial(t, "s4")
	readMessage(t, connY)

	// Producer brings the session to version 1; both subscribers hear it.
	h.post(t, "/api/session/s4/elements", `{"elements":[{"id":"p"}]}`)
	readMessage(t, connX)
	readMessage(t, connY)

	stale := int64(0)
	update, _ := json.Marshal(models.ClientMessage{
		Type:        models.MessageUpdate,
		Elements:    []models.Element{models.Element(`{"id":"mine"}`)},
		BaseVersion: &stale,
	})
	if err := connX.WriteMessage(websocket.TextMessage, update); err != nil {
		t.Fatal(err)
	}

	correction := readMessage(t, connX)
	assert.Equal(t, models.MessageElements, correction.Type)
	assert.Equal(t, models.SourceVersionCorrection, correction.Source)
	assert.Equal(t, int64(1), correction.Version)
	assert.Equal(t, "p", elementID(t, correction.Elements[0]))

	expectSilence(t, connY, 500*time.Millisecond)
}

func TestUpdateFansOutWithoutEcho(t *testing.T) {
	h := newHarness(t)

	connX := h.dial(t, "s1")
	readMessage(t, connX)

	connY := h.dial(t, "s1")
	readMessage(t, connY)

	base := int64(0)
	update, _ := json.Marshal(models.ClientMessage{
		Type:        models.MessageUpdate,
		Elements:    []models.Element{models.Element(`{"id":"mine"}`)},
		BaseVersion: &base,
	})
	if err := connX.WriteMessage(websocket.TextMessage, update); err != nil {
		t.Fatal(err)
	}

	msg := readMessage(t, connY)
	assert.Equal(t, models.MessageElements, msg.Type)
	assert.Equal(t, int64(1), msg.Version)
	assert.Equal(t, "mine", elementID(t, msg.Elements[0]))

	expectSilence(t, connX, 500*time.Millisecond)
}

func TestUpdateFlushedOnDisconnect(t *testing.T) {
	h := newHarness(t)

	conn := h.dial(t, "s1")
	readMessage(t, conn)

	update, _ := json.Marshal(models.ClientMessage{
		Type:     models.MessageUpdate,
		Elements: []models.Element{models.Element(`{"id":"mine"}`)},
	})
	if err := conn.WriteMessage(websocket.TextMessage, update); err != nil {
		t.Fatal(err)
	}

	// Give the server a beat to process the frame, then drop the connection
	// before the 500ms debounce can fire.
	time.Sleep(100 * time.Millisecond)
	conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for h.store.LogEntryCount("s1") == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	loaded := h.store.LoadSession("s1")
	assert.Equal(t, 1, len(loaded.Elements))
	assert.Equal(t, "mine", elementID(t, loaded.Elements[0]))
}

func TestUnknownMessageIgnored(t *testing.T) {
	h := newHarness(t)

	conn := h.dial(t, "s1")
	readMessage(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"mystery"}`)); err != nil {
		t.Fatal(err)
	}

	// Connection stays healthy: a real mutation still arrives.
	h.post(t, "/api/session/s1/append", `{"elements":[{"id":"A"}]}`)

	msg := readMessage(t, conn)
	assert.Equal(t, models.MessageAppend, msg.Type)
}

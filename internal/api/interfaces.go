package api

import (
	"context"
	"encoding/json"

	"drawbridge/internal/engine"
	"drawbridge/internal/models"
	"drawbridge/internal/store"
)

// SessionEngine is what the HTTP handlers need from the session engine.
// Defined here, consumer-driven; the engine package returns the concrete
// struct.
type SessionEngine interface {
	View(id string) engine.SessionView
	Sessions() []engine.SessionSummary
	SessionCount() int
	ClientCount() int

	SetElements(ctx context.Context, id string, elements []models.Element, appState json.RawMessage) (int, int)
	AppendElements(ctx context.Context, id string, elements []models.Element) int
	SetViewport(ctx context.Context, id string, vp models.Viewport) models.Viewport
	Clear(ctx context.Context, id string)
	Undo(ctx context.Context, id string) (int, error)
	Restore(ctx context.Context, id string, timestamp int64) (int, error)
	Versions(id string) (*store.VersionInfo, []store.VersionInfo)

	RegisterFile(ctx context.Context, id string, meta models.FileMeta) error
	FindFile(fileID string) (models.FileMeta, bool)
}

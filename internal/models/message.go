package models

import "encoding/json"

// Server -> client message types.
const (
	MessageElements  = "elements"
	MessageAppend    = "append"
	MessageViewport  = "viewport"
	MessageClear     = "clear"
	MessageFilesMeta = "files-meta"
	MessageFileAdded = "file-added"

	// Client -> server.
	MessageUpdate = "update"
)

// Broadcast sources carried on corrective / restore elements messages.
const (
	SourceRestore           = "restore"
	SourceVersionCorrection = "version-correction"
)

// ServerMessage is one frame sent to a subscriber. Every frame carries the
// session version current at send time, so clients always know where they
// stand relative to the server.
type ServerMessage struct {
	Type     string              `json:"type"`
	Elements []Element           `json:"elements,omitempty"`
	AppState json.RawMessage     `json:"appState,omitempty"`
	Viewport *Viewport           `json:"viewport,omitempty"`
	Files    map[string]FileMeta `json:"files,omitempty"`
	File     *FileMeta           `json:"file,omitempty"`
	Version  int64               `json:"version"`
	Source   string              `json:"source,omitempty"`
}

// ClientMessage is one frame received from a subscriber. Only "update" is
// recognized; baseVersion is optional - when absent the update is accepted
// unconditionally (a known race the version-history UI mitigates).
type ClientMessage struct {
	Type        string    `json:"type"`
	Elements    []Element `json:"elements"`
	BaseVersion *int64    `json:"baseVersion,omitempty"`
}

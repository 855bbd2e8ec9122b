package store

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"drawbridge/internal/models"
)

// WriteFilesMeta persists the session's file metadata map. Files-meta lives
// outside the operation log and survives snapshot rotation untouched.
func (s *Store) WriteFilesMeta(id string, files map[string]models.FileMeta) error {
	data, err := json.Marshal(files)
	if err != nil {
		return fmt.Errorf("failed to encode files-meta for session %s: %w", id, err)
	}
	if err := writeFileAtomic(s.filesPath(id), data); err != nil {
		return fmt.Errorf("failed to write files-meta for session %s: %w", id, err)
	}
	return nil
}

// DeleteFilesMeta removes the session's file metadata file, if any.
func (s *Store) DeleteFilesMeta(id string) {
	if err := os.Remove(s.filesPath(id)); err != nil && !os.IsNotExist(err) {
		log.Printf("⚠️  Session %s: failed to remove files-meta: %v", id, err)
	}
}

// ReadFilesMeta loads the session's file metadata map. Missing or unreadable
// files yield nil - the session just loads without file metadata.
func (s *Store) ReadFilesMeta(id string) map[string]models.FileMeta {
	data, err := os.ReadFile(s.filesPath(id))
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("⚠️  Session %s: failed to read files-meta: %v", id, err)
		}
		return nil
	}

	var files map[string]models.FileMeta
	if err := json.Unmarshal(data, &files); err != nil {
		log.Printf("⚠️  Session %s: unreadable files-meta, ignoring: %v", id, err)
		return nil
	}

	return files
}

package archive

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

/*
SNAPSHOT ARCHIVE

Every snapshot that rotates into version history is also shipped to Postgres,
fire-and-forget: the store hands the bytes to a bounded worker pool and moves
on. Archival failures log and never block a mutation - the pool is not on
the critical path, and the on-disk history remains the source of truth.
*/

// ArchivedSnapshot is one row of off-box snapshot history.
type ArchivedSnapshot struct {
	ID        uint   `gorm:"primaryKey"`
	SessionID string `gorm:"index"`
	Timestamp int64  `gorm:"index"`
	Payload   []byte
	CreatedAt time.Time
}

type job struct {
	sessionID string
	timestamp int64
	payload   []byte
}

// Archiver ships rotated snapshots to Postgres through a bounded worker
// pool. Implements the store's BackupSink.
type Archiver struct {
	db      *gorm.DB
	jobs    chan job
	workers int
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// New connects to Postgres and migrates the archive table. The pool is
// created but not started.
func New(dsn string, workers, queueSize int) (*Archiver, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to archive database: %w", err)
	}

	if err := db.AutoMigrate(&ArchivedSnapshot{}); err != nil {
		return nil, fmt.Errorf("failed to migrate archive schema: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Archiver{
		db:      db,
		jobs:    make(chan job, queueSize),
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start spawns the worker goroutines.
func (a *Archiver) Start() {
	log.Printf("🔧 Starting snapshot archive pool with %d workers", a.workers)

	for i := 0; i < a.workers; i++ {
		a.wg.Add(1)
		go a.worker(i)
	}
}

func (a *Archiver) worker(id int) {
	defer a.wg.Done()

	for {
		select {
		case <-a.ctx.Done():
			return

		case j, ok := <-a.jobs:
			if !ok {
				return
			}
			if err := a.store(j); err != nil {
				log.Printf("⚠️  Archive worker %d: session %s snapshot %d: %v",
					id, j.sessionID, j.timestamp, err)
			}
		}
	}
}

func (a *Archiver) store(j job) error {
	row := &ArchivedSnapshot{
		SessionID: j.sessionID,
		Timestamp: j.timestamp,
		Payload:   j.payload,
	}
	if err := a.db.WithContext(a.ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to store archived snapshot: %w", err)
	}
	return nil
}

// SubmitSnapshot enqueues one rotated snapshot, never blocking. When the
// queue is full the job is dropped with a log line - history on disk still
// has it.
func (a *Archiver) SubmitSnapshot(sessionID string, timestamp int64, payload []byte) {
	select {
	case a.jobs <- job{sessionID: sessionID, timestamp: timestamp, payload: payload}:
	default:
		log.Printf("⚠️  Archive queue full, dropping snapshot %d for session %s", timestamp, sessionID)
	}
}

// List returns the archived history for a session, newest first.
func (a *Archiver) List(ctx context.Context, sessionID string) ([]ArchivedSnapshot, error) {
	var rows []ArchivedSnapshot
	err := a.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("timestamp DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list archived snapshots: %w", err)
	}
	return rows, nil
}

// Shutdown drains in-flight jobs and stops the workers.
func (a *Archiver) Shutdown() {
	log.Println("🛑 Shutting down snapshot archive pool...")

	close(a.jobs)
	a.wg.Wait()
	a.cancel()

	log.Println("✓ Snapshot archive pool shutdown complete")
}

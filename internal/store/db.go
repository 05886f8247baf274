package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const (
	writeQueueSize = 1024
	writeTimeout   = 5 * time.Second
)

// DB wraps the SQLite database that backs the cache. Until Start is called
// every write is applied synchronously; afterwards writes are queued and
// drained by a single background writer.
type DB struct {
	*sql.DB
	logger *zap.Logger

	mu      sync.RWMutex
	running bool
	writes  chan func(context.Context) error
	done    chan struct{}
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string, logger *zap.Logger) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DB{DB: db, logger: logger.Named("db")}, nil
}

// Start launches the background writer.
func (db *DB) Start() {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.running {
		return
	}
	db.writes = make(chan func(context.Context) error, writeQueueSize)
	db.done = make(chan struct{})
	db.running = true
	go db.drain(db.writes, db.done)
}

// Close flushes queued writes and closes the database.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.running {
		db.running = false
		close(db.writes)
		done := db.done
		db.mu.Unlock()
		<-done
	} else {
		db.mu.Unlock()
	}
	return db.DB.Close()
}

func (db *DB) drain(writes <-chan func(context.Context) error, done chan<- struct{}) {
	defer close(done)
	for write := range writes {
		db.apply(write)
	}
}

func (db *DB) apply(write func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := write(ctx); err != nil {
		db.logger.Warn("cache write failed", zap.Error(err))
	}
}

// enqueue hands a write to the background writer, or applies it in place
// when the writer is not running. A full queue applies backpressure.
func (db *DB) enqueue(write func(context.Context) error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if !db.running {
		db.apply(write)
		return
	}
	select {
	case db.writes <- write:
	default:
		db.logger.Warn("write queue full, waiting")
		db.writes <- write
	}
}

// LoadUser reads a user's persisted chats and messages, oldest message first.
func (db *DB) LoadUser(ctx context.Context, userID string) ([]Chat, []Message, error) {
	chats, err := db.loadChats(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("load chats: %w", err)
	}
	msgs, err := db.loadMessages(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("load messages: %w", err)
	}
	return chats, msgs, nil
}

// Package pendingqueue keeps records that could not be delivered, so
// they survive restarts and are retried with backoff. It also keeps a
// history of every record the agent produced.
package pendingqueue

import (
	"database/sql"
	"embed"
	"fmt"
	"sync"
	"time"

	"github.com/NotCoffee418/dbmigrator"
	"github.com/sirupsen/logrus"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Queue serializes every mutation under one mutex so the store stays
// consistent while workers retry records concurrently.
type Queue struct {
	db  *sql.DB
	log *logrus.Entry
	now func() time.Time

	mu sync.Mutex
}

// Open opens or creates the database at path and applies migrations.
func Open(path string, log *logrus.Entry) (*Queue, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrPersistence, path, err)
	}
	// A single connection keeps SQLite writes serialized.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping %s: %w", ErrPersistence, path, err)
	}

	dbmigrator.SetDatabaseType(dbmigrator.SQLite)
	<-dbmigrator.MigrateUpCh(
		db,
		migrationFS,
		"migrations",
	)

	// Surface a failed migration now rather than on first use.
	if _, err := db.Exec("SELECT COUNT(*) FROM pending_records"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: schema not ready: %w", ErrPersistence, err)
	}

	return &Queue{db: db, log: log.WithField("component", "pendingqueue"), now: time.Now}, nil
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.db.Close()
}

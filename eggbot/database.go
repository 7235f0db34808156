package eggbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	// sqliteMemory opens a private in-memory SQLite database. It only
	// survives as long as its handle is held open.
	sqliteMemory = ":memory:"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second
)

// DBOpener opens a new database connection for the given logical
// database name.
type DBOpener func(ctx context.Context, name string) (*gorm.DB, error)

// ConnectionRegistry shares one database connection per logical database
// name, counting the number of holders. The first Acquire for a name opens
// the connection, and the last Release closes it.
//
// A handle that's never released keeps its connection open until CloseAll.
type ConnectionRegistry struct {
	mu     sync.Mutex
	conns  map[string]*sharedConnection
	open   DBOpener
	logger *slog.Logger
}

type sharedConnection struct {
	name  string
	db    *gorm.DB
	count int
}

// ConnectionHandle is a single holder's claim on a shared connection.
// Call Release when finished with it.
type ConnectionHandle struct {
	registry *ConnectionRegistry
	conn     *sharedConnection
	released atomic.Bool
}

// NewConnectionRegistry returns an empty registry which opens new
// connections with open.
func NewConnectionRegistry(open DBOpener, logger *slog.Logger) *ConnectionRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionRegistry{
		conns:  map[string]*sharedConnection{},
		open:   open,
		logger: logger,
	}
}

// Acquire returns a handle to the connection for name, opening it if
// nobody currently holds it.
func (r *ConnectionRegistry) Acquire(
	ctx context.Context,
	name string,
) (*ConnectionHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.conns[name]; ok {
		conn.count++
		r.logger.DebugContext(ctx, "reusing connection", "database", name, "count", conn.count)
		return &ConnectionHandle{registry: r, conn: conn}, nil
	}

	db, err := r.open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("error opening database %q: %w", name, err)
	}
	conn := &sharedConnection{name: name, db: db, count: 1}
	r.conns[name] = conn
	r.logger.InfoContext(ctx, "opened connection", "database", name)
	return &ConnectionHandle{registry: r, conn: conn}, nil
}

// Active returns the number of holders of the connection for name, and
// whether it's currently open.
func (r *ConnectionRegistry) Active(name string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[name]
	if !ok {
		return 0, false
	}
	return conn.count, true
}

// CloseAll closes every open connection regardless of how many holders
// it has. Outstanding handles become no-ops on Release.
func (r *ConnectionRegistry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for name, conn := range r.conns {
		if conn.count > 0 {
			r.logger.Warn("closing connection with active holders", "database", name, "count", conn.count)
		}
		errs = append(errs, closeDB(conn.db))
		delete(r.conns, name)
	}
	return errors.Join(errs...)
}

func (r *ConnectionRegistry) release(conn *sharedConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.conns[conn.name]
	if !ok || current != conn {
		return
	}
	conn.count--
	if conn.count > 0 {
		return
	}
	delete(r.conns, conn.name)
	if err := closeDB(conn.db); err != nil {
		r.logger.Error("error closing connection", "database", conn.name, tint.Err(err))
		return
	}
	r.logger.Info("closed connection", "database", conn.name)
}

// DB returns the shared *gorm.DB
func (h *ConnectionHandle) DB() *gorm.DB {
	return h.conn.db
}

// Name returns the logical database name the handle was acquired for
func (h *ConnectionHandle) Name() string {
	return h.conn.name
}

// Release gives up this handle's claim on the connection. Releasing the
// same handle more than once does nothing.
func (h *ConnectionHandle) Release() {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return
	}
	h.registry.release(h.conn)
}

func closeDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// newDBOpener returns a DBOpener which treats the logical database name as
// the connection string (or SQLite file path) for databaseType.
func newDBOpener(
	databaseType string,
	gormLogger *gormStructuredLogger,
) DBOpener {
	return func(ctx context.Context, name string) (*gorm.DB, error) {
		db, err := getDB(databaseType, name, gormLogger)
		if err != nil {
			return nil, err
		}
		if databaseType != dbTypeSQLite {
			return db, nil
		}
		if err = configureSQLite(ctx, db, name); err != nil {
			_ = closeDB(db)
			return nil, err
		}
		return db, nil
	}
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
//
// Parameters:
//   - databaseType: Must be 'sqlite' or 'postgres'
//   - database: Database connection string, or SQLite file path.
//   - gormLogger: A pointer to a gormStructuredLogger instance for
//     logging database operations.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	if gormLogger == nil {
		gormConfig.Logger = newGORMLogger(slog.Default().Handler(), 0)
	}

	switch databaseType {
	case dbTypeSQLite:
		if database != sqliteMemory && !strings.HasPrefix(database, "file:") {
			parentDir := filepath.Dir(database)
			if parentDir != "" {
				if err := os.MkdirAll(parentDir, 0755); err != nil {
					if !errors.Is(err, os.ErrExist) {
						return nil, err
					}
				}
			}
		}
		return gorm.Open(sqlite.Open(database), gormConfig)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// configureSQLite limits the pool to a single connection and applies
// sqliteExecPragma. With a single connection, an in-memory database is
// shared by everything using the handle.
func configureSQLite(ctx context.Context, db *gorm.DB, database string) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
	if database != sqliteMemory {
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
	}

	pragmaErrors := make([]error, 0, len(sqliteExecPragma))
	for _, p := range sqliteExecPragma {
		pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
	}
	return errors.Join(pragmaErrors...)
}

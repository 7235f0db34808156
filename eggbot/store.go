package eggbot

import (
	"context"
	"errors"
	"fmt"
	"gorm.io/gorm"
	"log/slog"
	"strings"
	"time"
)

const columnUID = "uid"

var (
	// ErrDuplicateKey is returned when saving a record whose uid
	// already exists.
	ErrDuplicateKey = errors.New("duplicate key")
)

// TableStore is the set of operations every table store implements.
type TableStore[T any] interface {
	// Init creates the backing table, if it doesn't exist
	Init(ctx context.Context) error

	// RowCount returns the total number of rows in the table
	RowCount(ctx context.Context) (int64, error)

	// Get returns all rows, or only those matching filter on the
	// store's indexed filter column, when filter isn't empty.
	Get(ctx context.Context, filter string) ([]T, error)

	// Delete removes the row with the given uid. Deleting a uid that
	// doesn't exist is not an error.
	Delete(ctx context.Context, uid string) error
}

// tableExecutor runs single statements against one table, borrowing a
// connection from the registry for the duration of each statement.
type tableExecutor struct {
	registry *ConnectionRegistry
	database string
	newModel func() any
	logger   *slog.Logger
	now      func() time.Time
}

func newTableExecutor(
	registry *ConnectionRegistry,
	database string,
	newModel func() any,
	logger *slog.Logger,
) tableExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return tableExecutor{
		registry: registry,
		database: database,
		newModel: newModel,
		logger:   logger,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// exec acquires a connection, runs fn with it, and releases the connection.
// If ctx has no deadline, dbOperationTimeout is applied.
func (e tableExecutor) exec(ctx context.Context, fn func(db *gorm.DB) error) error {
	handle, err := e.registry.Acquire(ctx, e.database)
	if err != nil {
		return err
	}
	defer handle.Release()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}

	return translateDBError(fn(handle.DB().WithContext(ctx)))
}

// createTable creates the table (and its indexes) for the executor's model,
// if the table doesn't already exist. Existing tables aren't migrated.
func (e tableExecutor) createTable(ctx context.Context) error {
	return e.exec(
		ctx, func(db *gorm.DB) error {
			model := e.newModel()
			mg := db.Migrator()
			if mg.HasTable(model) {
				return nil
			}
			e.logger.InfoContext(ctx, "creating table")
			return mg.CreateTable(model)
		},
	)
}

func (e tableExecutor) rowCount(ctx context.Context) (int64, error) {
	var count int64
	err := e.exec(
		ctx, func(db *gorm.DB) error {
			return db.Model(e.newModel()).Count(&count).Error
		},
	)
	return count, err
}

// deleteByUID deletes the row with the given uid, if it exists
func (e tableExecutor) deleteByUID(ctx context.Context, uid string) error {
	return e.exec(
		ctx, func(db *gorm.DB) error {
			rv := db.Where(columnUID+" = ?", uid).Delete(e.newModel())
			if rv.Error == nil {
				e.logger.DebugContext(ctx, "deleted", columnUID, uid, "rows", rv.RowsAffected)
			}
			return rv.Error
		},
	)
}

// updateByUID applies values to the row with the given uid, without
// touching any other columns. Unknown uids are ignored.
func (e tableExecutor) updateByUID(
	ctx context.Context,
	uid string,
	values map[string]any,
) error {
	return e.exec(
		ctx, func(db *gorm.DB) error {
			return db.Model(e.newModel()).
				Where(columnUID+" = ?", uid).
				UpdateColumns(values).Error
		},
	)
}

// translateDBError maps driver-specific errors to package errors.
// gorm translates unique constraint violations when TranslateError is
// set, but not every driver implements the translation.
func translateDBError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrDuplicateKey):
		return err
	case errors.Is(err, gorm.ErrDuplicatedKey),
		strings.Contains(err.Error(), "UNIQUE constraint failed"),
		strings.Contains(err.Error(), "duplicate key value"):
		return fmt.Errorf("%w: %w", ErrDuplicateKey, err)
	default:
		return err
	}
}

package eggbot

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"log/slog"
	"time"
)

const (
	tableDeferredTask     = "deferred_task"
	columnEventType       = "event_type"
	DefaultTaskEventType  = "default"
	EventTypeChatResponse = "chat_response"
)

// DeferredTask is an event which couldn't be handled when it happened,
// saved with the time it should be retried at. Nothing currently picks
// these up for retry: they're kept for inspection (ex: via the API).
type DeferredTask struct {
	UID       string         `gorm:"column:uid;primaryKey" json:"uid"`
	CreatedAt time.Time      `gorm:"column:created_at;autoCreateTime:false;not null" json:"created_at"`
	RetryAt   time.Time      `gorm:"column:retry_at;not null" json:"retry_at"`
	EventType string         `gorm:"column:event_type;index;not null" json:"event_type"`
	Event     datatypes.JSON `gorm:"column:event" json:"event"`
	Attempts  int            `gorm:"column:attempts;not null" json:"attempts"`
}

func (DeferredTask) TableName() string {
	return tableDeferredTask
}

func (t DeferredTask) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String(columnUID, t.UID),
		slog.String(columnEventType, t.EventType),
		slog.Time("retry_at", t.RetryAt),
		slog.Int("attempts", t.Attempts),
	)
}

// DeferredTaskOption sets optional fields when saving a DeferredTask
type DeferredTaskOption func(t *DeferredTask, retryAfter *time.Duration)

// WithEventType sets the task's event type (default: DefaultTaskEventType)
func WithEventType(eventType string) DeferredTaskOption {
	return func(t *DeferredTask, _ *time.Duration) {
		t.EventType = eventType
	}
}

// WithRetryAfter sets retry_at to the given duration after the
// task's creation time (default: 0, retry immediately)
func WithRetryAfter(d time.Duration) DeferredTaskOption {
	return func(_ *DeferredTask, retryAfter *time.Duration) {
		*retryAfter = d
	}
}

// WithTaskUID saves the task with the given uid rather than generating one
func WithTaskUID(uid string) DeferredTaskOption {
	return func(t *DeferredTask, _ *time.Duration) {
		t.UID = uid
	}
}

// DeferredTaskStore provides CRUD operations for the deferred_task table.
type DeferredTaskStore struct {
	tableExecutor
}

var _ TableStore[DeferredTask] = (*DeferredTaskStore)(nil)

// NewDeferredTaskStore returns a store for the deferred_task table in
// the given database.
func NewDeferredTaskStore(
	registry *ConnectionRegistry,
	database string,
	logger *slog.Logger,
) *DeferredTaskStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeferredTaskStore{
		tableExecutor: newTableExecutor(
			registry,
			database,
			func() any { return &DeferredTask{} },
			logger.With("table", tableDeferredTask),
		),
	}
}

func (s *DeferredTaskStore) Init(ctx context.Context) error {
	return s.createTable(ctx)
}

func (s *DeferredTaskStore) RowCount(ctx context.Context) (int64, error) {
	return s.rowCount(ctx)
}

// Save serializes event to JSON and inserts it as a new DeferredTask.
// A uid is generated unless one is given with WithTaskUID. If the uid
// already exists, ErrDuplicateKey is returned.
func (s *DeferredTaskStore) Save(
	ctx context.Context,
	event any,
	opts ...DeferredTaskOption,
) (DeferredTask, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return DeferredTask{}, fmt.Errorf("error serializing event: %w", err)
	}

	var retryAfter time.Duration
	task := DeferredTask{EventType: DefaultTaskEventType}
	for _, opt := range opts {
		opt(&task, &retryAfter)
	}
	if task.UID == "" {
		task.UID = uuid.NewString()
	}
	task.CreatedAt = s.now()
	task.RetryAt = task.CreatedAt.Add(retryAfter)
	task.Event = datatypes.JSON(payload)
	task.Attempts = 0

	err = s.exec(
		ctx, func(db *gorm.DB) error {
			return db.Create(&task).Error
		},
	)
	if err != nil {
		return DeferredTask{}, err
	}
	s.logger.DebugContext(ctx, "saved deferred task", "task", task)
	return task, nil
}

// Get returns all deferred tasks, or only those with the given
// event type if eventType isn't empty.
func (s *DeferredTaskStore) Get(
	ctx context.Context,
	eventType string,
) ([]DeferredTask, error) {
	var tasks []DeferredTask
	err := s.exec(
		ctx, func(db *gorm.DB) error {
			if eventType != "" {
				db = db.Where(columnEventType+" = ?", eventType)
			}
			return db.Order("created_at, " + columnUID).Find(&tasks).Error
		},
	)
	return tasks, err
}

// Delete removes the task with the given uid
func (s *DeferredTaskStore) Delete(ctx context.Context, uid string) error {
	return s.deleteByUID(ctx, uid)
}

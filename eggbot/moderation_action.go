package eggbot

import (
	"context"
	"errors"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"log/slog"
	"time"
)

const (
	tableModerationAction = "moderation_action"
	columnMemberID        = "member_id"
	columnAction          = "action"
	columnActive          = "active"
	columnCurrentNote     = "current_note"
	columnUpdatedAt       = "updated_at"

	// DefaultModerationMemberID is the catch-all member ID used for
	// notes that aren't about a specific member
	DefaultModerationMemberID = "egg"
	DefaultModerationAction   = "note"
)

// ModerationAction is a note taken by a moderator about a guild member.
// The original note is kept as-is when the note is amended.
type ModerationAction struct {
	UID          string    `gorm:"column:uid;primaryKey" json:"uid"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime:false;not null" json:"created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime:false;not null" json:"updated_at"`
	MemberID     string    `gorm:"column:member_id;index;not null" json:"member_id"`
	Action       string    `gorm:"column:action;index;not null" json:"action"`
	OriginalNote string    `gorm:"column:original_note" json:"original_note"`
	CurrentNote  string    `gorm:"column:current_note" json:"current_note"`
	Active       bool      `gorm:"column:active;index;not null" json:"active"`
}

func (ModerationAction) TableName() string {
	return tableModerationAction
}

func (m ModerationAction) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String(columnUID, m.UID),
		slog.String(columnMemberID, m.MemberID),
		slog.String(columnAction, m.Action),
		slog.Bool(columnActive, m.Active),
	)
}

// ModerationActionOption sets optional fields when saving a ModerationAction
type ModerationActionOption func(m *ModerationAction)

// WithMemberID sets the member the action is about
// (default: DefaultModerationMemberID)
func WithMemberID(memberID string) ModerationActionOption {
	return func(m *ModerationAction) {
		m.MemberID = memberID
	}
}

// WithAction sets the type of action taken (default: DefaultModerationAction)
func WithAction(action string) ModerationActionOption {
	return func(m *ModerationAction) {
		m.Action = action
	}
}

// WithActionUID saves the action with the given uid rather than generating one
func WithActionUID(uid string) ModerationActionOption {
	return func(m *ModerationAction) {
		m.UID = uid
	}
}

// ModerationActionStore provides CRUD operations for the
// moderation_action table.
type ModerationActionStore struct {
	tableExecutor
}

var _ TableStore[ModerationAction] = (*ModerationActionStore)(nil)

// NewModerationActionStore returns a store for the moderation_action
// table in the given database.
func NewModerationActionStore(
	registry *ConnectionRegistry,
	database string,
	logger *slog.Logger,
) *ModerationActionStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ModerationActionStore{
		tableExecutor: newTableExecutor(
			registry,
			database,
			func() any { return &ModerationAction{} },
			logger.With("table", tableModerationAction),
		),
	}
}

func (s *ModerationActionStore) Init(ctx context.Context) error {
	return s.createTable(ctx)
}

func (s *ModerationActionStore) RowCount(ctx context.Context) (int64, error) {
	return s.rowCount(ctx)
}

// Save inserts a new, active ModerationAction with the given note as both
// its original and current note. If the uid already exists,
// ErrDuplicateKey is returned.
func (s *ModerationActionStore) Save(
	ctx context.Context,
	note string,
	opts ...ModerationActionOption,
) (ModerationAction, error) {
	action := ModerationAction{
		MemberID: DefaultModerationMemberID,
		Action:   DefaultModerationAction,
	}
	for _, opt := range opts {
		opt(&action)
	}
	if action.UID == "" {
		action.UID = uuid.NewString()
	}
	now := s.now()
	action.CreatedAt = now
	action.UpdatedAt = now
	action.OriginalNote = note
	action.CurrentNote = note
	action.Active = true

	err := s.exec(
		ctx, func(db *gorm.DB) error {
			return db.Create(&action).Error
		},
	)
	if err != nil {
		return ModerationAction{}, err
	}
	s.logger.DebugContext(ctx, "saved moderation action", "moderation_action", action)
	return action, nil
}

// Get returns all moderation actions, or only those of the given action
// type if action isn't empty.
func (s *ModerationActionStore) Get(
	ctx context.Context,
	action string,
) ([]ModerationAction, error) {
	var actions []ModerationAction
	err := s.exec(
		ctx, func(db *gorm.DB) error {
			if action != "" {
				db = db.Where(columnAction+" = ?", action)
			}
			return db.Order("created_at, " + columnUID).Find(&actions).Error
		},
	)
	return actions, err
}

// GetByMember returns the moderation actions for the given member. If
// active is non-nil, only actions with that active state are returned.
func (s *ModerationActionStore) GetByMember(
	ctx context.Context,
	memberID string,
	active *bool,
) ([]ModerationAction, error) {
	var actions []ModerationAction
	err := s.exec(
		ctx, func(db *gorm.DB) error {
			db = db.Where(columnMemberID+" = ?", memberID)
			if active != nil {
				db = db.Where(columnActive+" = ?", *active)
			}
			return db.Order("created_at, " + columnUID).Find(&actions).Error
		},
	)
	return actions, err
}

// GetByUID returns the moderation action with the given uid, and false
// if it doesn't exist.
func (s *ModerationActionStore) GetByUID(
	ctx context.Context,
	uid string,
) (ModerationAction, bool, error) {
	var action ModerationAction
	err := s.exec(
		ctx, func(db *gorm.DB) error {
			return db.Where(columnUID+" = ?", uid).Take(&action).Error
		},
	)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ModerationAction{}, false, nil
	}
	if err != nil {
		return ModerationAction{}, false, err
	}
	return action, true, nil
}

// Update replaces the current note of the given action, and sets its
// updated_at time. The original note and created_at are unchanged.
func (s *ModerationActionStore) Update(
	ctx context.Context,
	uid string,
	note string,
) error {
	return s.updateByUID(
		ctx,
		uid,
		map[string]any{
			columnCurrentNote: note,
			columnUpdatedAt:   s.now(),
		},
	)
}

// Deactivate marks the given action as no longer active.
func (s *ModerationActionStore) Deactivate(ctx context.Context, uid string) error {
	return s.updateByUID(ctx, uid, map[string]any{columnActive: false})
}

// Delete removes the action with the given uid
func (s *ModerationActionStore) Delete(ctx context.Context, uid string) error {
	return s.deleteByUID(ctx, uid)
}

package eggbot

import (
	"errors"
	"log/slog"
	"time"
)

// ErrMissingConfigSection is returned by ChatModule.LoadConfig when the
// module's config section isn't present.
var ErrMissingConfigSection = errors.New("config missing expected section")

// ChatMessage is a guild message, reduced to the details chat modules use.
type ChatMessage struct {
	MemberID   string    `json:"member_id"`
	ChannelID  string    `json:"channel_id"`
	GuildID    string    `json:"guild_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	RawMessage string    `json:"raw_message"`
}

func (m ChatMessage) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String(columnMemberID, m.MemberID),
		slog.String("channel_id", m.ChannelID),
		slog.Time("created_at", m.CreatedAt),
	)
}

// ChatResponse is a message a ChatModule wants delivered.
type ChatResponse struct {
	// Message is the content to send
	Message string `json:"message"`

	// TargetID is the member the response is meant for
	TargetID string `json:"target_id"`

	// DeliveryID is the channel to send Message to. If empty, Message
	// is sent as a direct message to TargetID.
	DeliveryID string `json:"delivery_id,omitempty"`
}

func (r ChatResponse) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("target_id", r.TargetID),
		slog.String("delivery_id", r.DeliveryID),
	)
}

// ChatModule is implemented by anything that reacts to guild messages.
type ChatModule interface {
	// Name identifies the module in logs
	Name() string

	// ConfigSection is the key LoadConfig expects its settings under
	ConfigSection() string

	// LoadConfig replaces the module's configuration with the settings
	// under ConfigSection in config. If the section is missing, or its
	// settings are invalid, an error is returned and the existing
	// configuration is kept.
	LoadConfig(config map[string]any) error

	// ProcessMessage returns a response to deliver, or nil
	ProcessMessage(message ChatMessage) *ChatResponse
}

package eggbot

import (
	"fmt"
	"github.com/mitchellh/mapstructure"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"
)

const (
	keywordNotifiName    = "keyword_notifi"
	keywordNotifiSection = "keyword_notifi"

	// keywordNotifiQuoteLength caps how much of the matched message is
	// quoted in the notification
	keywordNotifiQuoteLength = 1500
)

// KeywordConfig is a single member's keyword notification settings
type KeywordConfig struct {
	MemberID  string
	Pattern   *regexp.Regexp
	Enabled   bool
	BlockList []string
}

func (c KeywordConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String(columnMemberID, c.MemberID),
		slog.String("pattern", c.Pattern.String()),
		slog.Bool("enabled", c.Enabled),
		slog.Int("block_list", len(c.BlockList)),
	)
}

// keywordEntry is a KeywordConfig as it appears in the config file
type keywordEntry struct {
	MemberID  string   `mapstructure:"member_id" binding:"required"`
	Pattern   string   `mapstructure:"pattern" binding:"required"`
	Enabled   *bool    `mapstructure:"enabled"`
	BlockList []string `mapstructure:"block_list"`
}

// keywordBoundary matches the start or end of the text, or any character
// which isn't part of a word. RE2's \b only knows ASCII word characters,
// so it can't be used with accented or non-Latin keywords.
const keywordBoundary = `[^\p{L}\p{M}\p{N}_]`

// compileKeywordPattern returns a case-insensitive regex which only
// matches pattern as a whole word
func compileKeywordPattern(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(
		`(?i)(?:^|` + keywordBoundary + `)(?:` + pattern + `)(?:$|` + keywordBoundary + `)`,
	)
}

// KeywordNotifi is a ChatModule which notifies members, via direct message,
// when a message contains their configured keyword or mentions them.
type KeywordNotifi struct {
	mu      sync.RWMutex
	configs []KeywordConfig
	logger  *slog.Logger
}

var _ ChatModule = (*KeywordNotifi)(nil)

func NewKeywordNotifi(logger *slog.Logger) *KeywordNotifi {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeywordNotifi{logger: logger.With("module", keywordNotifiName)}
}

func (*KeywordNotifi) Name() string {
	return keywordNotifiName
}

func (*KeywordNotifi) ConfigSection() string {
	return keywordNotifiSection
}

// Len returns the number of loaded member configs
func (k *KeywordNotifi) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.configs)
}

// Configs returns a copy of the loaded member configs, in load order
func (k *KeywordNotifi) Configs() []KeywordConfig {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return slices.Clone(k.configs)
}

// LoadConfig replaces all member configs with those in the
// 'keyword_notifi' section of config. Each entry needs a member_id and
// pattern. enabled defaults to true, and block_list to empty.
//
// An entry with enabled: false is loaded but never matches.
//
// A later entry for the same member_id replaces an earlier one. If the
// section is missing or any entry is invalid, the current configs are
// left as they are. An empty section clears them.
func (k *KeywordNotifi) LoadConfig(config map[string]any) error {
	raw, ok := config[keywordNotifiSection]
	if !ok {
		return fmt.Errorf("%w: '%s'", ErrMissingConfigSection, keywordNotifiSection)
	}

	var entries []keywordEntry
	decoder, err := mapstructure.NewDecoder(
		&mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &entries,
		},
	)
	if err != nil {
		return err
	}
	if err = decoder.Decode(raw); err != nil {
		return fmt.Errorf("invalid '%s' section: %w", keywordNotifiSection, err)
	}

	configs := make([]KeywordConfig, 0, len(entries))
	positions := make(map[string]int, len(entries))

	for i, entry := range entries {
		if err = structValidator.Struct(entry); err != nil {
			return fmt.Errorf("invalid '%s' entry %d: %w", keywordNotifiSection, i, err)
		}
		pattern, err := compileKeywordPattern(entry.Pattern)
		if err != nil {
			return fmt.Errorf(
				"invalid pattern for member %s: %w",
				entry.MemberID,
				err,
			)
		}
		cfg := KeywordConfig{
			MemberID:  entry.MemberID,
			Pattern:   pattern,
			Enabled:   entry.Enabled == nil || *entry.Enabled,
			BlockList: entry.BlockList,
		}
		if pos, seen := positions[cfg.MemberID]; seen {
			configs[pos] = cfg
			continue
		}
		positions[cfg.MemberID] = len(configs)
		configs = append(configs, cfg)
	}

	k.mu.Lock()
	k.configs = configs
	k.mu.Unlock()

	k.logger.Info("loaded config", "members", len(configs))
	return nil
}

// ProcessMessage returns a direct message notification for the first
// member (in load order) whose keyword appears in the message as a whole
// word, or who's mentioned in it. The message's author is never notified
// of their own message. Disabled configs, and configs which block the
// author, are skipped.
func (k *KeywordNotifi) ProcessMessage(message ChatMessage) *ChatResponse {
	k.mu.RLock()
	configs := k.configs
	k.mu.RUnlock()

	for _, cfg := range configs {
		if !cfg.Enabled || cfg.MemberID == message.MemberID ||
			slices.Contains(cfg.BlockList, message.MemberID) {
			continue
		}
		if !cfg.matches(message.RawMessage) {
			continue
		}
		k.logger.Debug(
			"matched message",
			"config", cfg,
			"message", message,
		)
		return &ChatResponse{
			Message:  keywordNotification(message),
			TargetID: cfg.MemberID,
		}
	}
	return nil
}

func (c KeywordConfig) matches(text string) bool {
	if c.Pattern.MatchString(text) {
		return true
	}
	return strings.Contains(text, memberMention(c.MemberID)) ||
		strings.Contains(text, memberNickMention(c.MemberID))
}

func keywordNotification(message ChatMessage) string {
	return fmt.Sprintf(
		"%s mentioned you in <#%s>:\n> %s",
		memberMention(message.MemberID),
		message.ChannelID,
		strings.ReplaceAll(
			shortenString(message.RawMessage, keywordNotifiQuoteLength),
			"\n",
			"\n> ",
		),
	)
}

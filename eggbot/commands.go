package eggbot

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"slices"
	"strings"
)

const (
	commandHello    = "hello"
	commandShutdown = "shutdown"
	commandNote     = "note"
	commandNotes    = "notes"
	commandAmend    = "amend"
	commandResolve  = "resolve"
	commandReload   = "reload"

	notesListLimit = 10
)

// commandHandler runs a prefixed command. rest is the text following
// the command name.
type commandHandler func(ctx context.Context, m *discordgo.Message, rest string)

type command struct {
	handler       commandHandler
	moderatorOnly bool
}

func (b *EggBot) commands() map[string]command {
	return map[string]command{
		commandHello:    {handler: b.commandHello},
		commandShutdown: {handler: b.commandShutdown, moderatorOnly: true},
		commandNote:     {handler: b.commandNote, moderatorOnly: true},
		commandNotes:    {handler: b.commandNotes, moderatorOnly: true},
		commandAmend:    {handler: b.commandAmend, moderatorOnly: true},
		commandResolve:  {handler: b.commandResolve, moderatorOnly: true},
		commandReload:   {handler: b.commandReload, moderatorOnly: true},
	}
}

// handleCommand runs the command in m, if it's a known command sent in
// the configured guild. Returns false if m wasn't a command, in which
// case it should be handled as a regular message.
func (b *EggBot) handleCommand(ctx context.Context, m *discordgo.Message) bool {
	name, rest, ok := splitCommand(m.Content, b.config.Discord.CommandPrefix)
	if !ok {
		return false
	}
	cmd, ok := b.commands()[name]
	if !ok {
		return false
	}

	logger := b.discord.logger.With(
		"command", name,
		slog.Group("message", messageLogAttrs(m)...),
	)

	if b.config.Discord.GuildID == "" || m.GuildID != b.config.Discord.GuildID {
		logger.WarnContext(ctx, "ignoring command from unexpected guild")
		return true
	}
	if cmd.moderatorOnly && !b.isModerator(m) {
		logger.WarnContext(ctx, "ignoring moderator command from non-moderator")
		b.discord.reply(ctx, m, "You don't have permission to do that.")
		return true
	}

	logger.InfoContext(ctx, "running command")
	cmd.handler(WithLogger(ctx, logger), m, rest)
	return true
}

// isModerator reports whether the message author has the moderator role.
// If no moderator role is configured, anyone in the guild may run
// moderator commands.
func (b *EggBot) isModerator(m *discordgo.Message) bool {
	roleID := b.config.Discord.ModeratorRoleID
	if roleID == "" {
		return true
	}
	if m.Member == nil {
		return false
	}
	return slices.Contains(m.Member.Roles, roleID)
}

func (b *EggBot) commandHello(ctx context.Context, m *discordgo.Message, _ string) {
	b.discord.reply(
		ctx,
		m,
		fmt.Sprintf("Hello to you as well, %s!", memberMention(m.Author.ID)),
	)
}

func (b *EggBot) commandShutdown(ctx context.Context, m *discordgo.Message, _ string) {
	b.discord.reply(
		ctx,
		m,
		fmt.Sprintf("See you next time, %s.", memberMention(m.Author.ID)),
	)
	b.Stop()
}

// commandNote saves a note about a member: !note <@member> text
func (b *EggBot) commandNote(ctx context.Context, m *discordgo.Message, rest string) {
	target, note, _ := strings.Cut(rest, " ")
	memberID, ok := parseMention(target)
	note = strings.TrimSpace(note)
	if !ok || note == "" {
		b.discord.reply(ctx, m, "Usage: note <@member> <note>")
		return
	}

	action, err := b.moderationActions.Save(ctx, note, WithMemberID(memberID))
	if err != nil {
		b.commandError(ctx, m, "error saving note", err)
		return
	}
	b.discord.reply(
		ctx,
		m,
		fmt.Sprintf("Saved note `%s` for %s", action.UID, memberMention(memberID)),
	)
}

// commandNotes lists a member's active notes: !notes <@member>
func (b *EggBot) commandNotes(ctx context.Context, m *discordgo.Message, rest string) {
	memberID, ok := parseMention(rest)
	if !ok {
		b.discord.reply(ctx, m, "Usage: notes <@member>")
		return
	}

	active := true
	actions, err := b.moderationActions.GetByMember(ctx, memberID, &active)
	if err != nil {
		b.commandError(ctx, m, "error getting notes", err)
		return
	}
	if len(actions) == 0 {
		b.discord.reply(ctx, m, fmt.Sprintf("No active notes for %s", memberMention(memberID)))
		return
	}

	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Active notes for %s:", memberMention(memberID))
	for i, a := range actions {
		if i == notesListLimit {
			_, _ = fmt.Fprintf(&sb, "\n...and %d more", len(actions)-notesListLimit)
			break
		}
		_, _ = fmt.Fprintf(
			&sb,
			"\n`%s` (%s) %s",
			a.UID,
			a.CreatedAt.Format("2006-01-02"),
			shortenString(a.CurrentNote, 150),
		)
	}
	b.discord.reply(ctx, m, sb.String())
}

// commandAmend replaces a note's current text: !amend <uid> text
func (b *EggBot) commandAmend(ctx context.Context, m *discordgo.Message, rest string) {
	uid, note, _ := strings.Cut(rest, " ")
	note = strings.TrimSpace(note)
	if uid == "" || note == "" {
		b.discord.reply(ctx, m, "Usage: amend <uid> <note>")
		return
	}
	if _, found := b.lookupNote(ctx, m, uid); !found {
		return
	}
	if err := b.moderationActions.Update(ctx, uid, note); err != nil {
		b.commandError(ctx, m, "error updating note", err)
		return
	}
	b.discord.reply(ctx, m, fmt.Sprintf("Updated note `%s`", uid))
}

// commandResolve deactivates a note: !resolve <uid>
func (b *EggBot) commandResolve(ctx context.Context, m *discordgo.Message, rest string) {
	uid := strings.TrimSpace(rest)
	if uid == "" {
		b.discord.reply(ctx, m, "Usage: resolve <uid>")
		return
	}
	if _, found := b.lookupNote(ctx, m, uid); !found {
		return
	}
	if err := b.moderationActions.Deactivate(ctx, uid); err != nil {
		b.commandError(ctx, m, "error resolving note", err)
		return
	}
	b.discord.reply(ctx, m, fmt.Sprintf("Resolved note `%s`", uid))
}

func (b *EggBot) commandReload(ctx context.Context, m *discordgo.Message, _ string) {
	if err := b.ReloadModules(ctx); err != nil {
		b.commandError(ctx, m, "error reloading modules", err)
		return
	}
	b.discord.reply(ctx, m, "Reloaded modules")
}

// lookupNote replies with an error and returns false if the note
// doesn't exist
func (b *EggBot) lookupNote(
	ctx context.Context,
	m *discordgo.Message,
	uid string,
) (ModerationAction, bool) {
	action, found, err := b.moderationActions.GetByUID(ctx, uid)
	if err != nil {
		b.commandError(ctx, m, "error getting note", err)
		return action, false
	}
	if !found {
		b.discord.reply(ctx, m, fmt.Sprintf("Note `%s` not found", uid))
		return action, false
	}
	return action, true
}

func (b *EggBot) commandError(
	ctx context.Context,
	m *discordgo.Message,
	msg string,
	err error,
) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = b.logger
	}
	logger.ErrorContext(ctx, msg, tint.Err(err))
	b.discord.reply(ctx, m, "Sorry, something went wrong.")
}

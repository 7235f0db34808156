// Package eggbot implements a Discord bot which relays keyword mentions to
// guild members and keeps a small moderation log.
//
// Incoming guild messages are passed through a set of chat modules. The
// keyword notifier matches each message against per-member patterns and
// asks the bot to direct-message the member when their keyword (or their
// mention) shows up. Prefix commands let moderators take and amend notes on
// members, which are persisted alongside any deliveries that could not be
// completed.
//
// Key components of the package include:
//
//   - EggBot: The main struct, which wires everything together and runs the bot.
//   - Discord: Handles the gateway session, event handlers and message delivery.
//   - ConnectionRegistry: Shares one reference-counted database handle per database name.
//   - DeferredTaskStore, ModerationActionStore: Table stores for persisted records.
//   - KeywordNotifi: The keyword notification chat module.
//   - API: An optional admin HTTP API.
//
// The bot answers these prefix commands (default prefix "!"), but only in
// the configured guild:
//
//   - hello, shutdown
//   - note, notes, amend, resolve (moderation log)
//   - reload (reloads the modules config file)
package eggbot

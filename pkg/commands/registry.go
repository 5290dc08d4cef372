// Copyright 2024-2026 Aiku AI

// Package commands routes bot commands written in Telegram to the modules
// that registered them.
package commands

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aiku/watg-bridge/pkg/tg"
)

// maxReplyLength keeps replies under the Bot API message limit.
const maxReplyLength = 4000

const (
	permissionDenied = "❌ You don't have permission to use this command."
	menuHeader       = "ℹ️ <b>Available Commands</b>\n\n"
)

var (
	ErrDuplicateModule  = errors.New("module already registered")
	ErrDuplicateCommand = errors.New("command already registered")
	ErrInvalidCommand   = errors.New("invalid command name")
)

// Metadata describes a module.
type Metadata struct {
	Description string
	Version     string
}

// Handler runs one command. Replies go through req.Reply; a returned error
// is reported to the caller as a command error.
type Handler func(ctx context.Context, req *Request) error

// Command is one bot command.
type Command struct {
	// Name is the command without the leading slash, in lower case.
	Name        string
	Description string
	// Usage is the argument synopsis shown in the menu, e.g. "<number> <msg>".
	Usage   string
	Handler Handler
}

// Module is a named group of commands.
type Module interface {
	Name() string
	Metadata() Metadata
	Commands() []Command
}

// Initializer is implemented by modules that need setup before the first
// dispatch.
type Initializer interface {
	Init(ctx context.Context) error
}

// Destroyer is implemented by modules that hold resources.
type Destroyer interface {
	Destroy(ctx context.Context) error
}

// Replier sends an HTML reply. It matches tg.Client.ReplyText.
type Replier interface {
	ReplyText(ctx context.Context, chatID int64, threadID, replyTo int, text string) (int, error)
}

// Request is one parsed command invocation.
type Request struct {
	ChatID    int64
	ThreadID  int
	MessageID int
	FromID    int64
	Command   string
	Args      []string

	reply func(ctx context.Context, text string) error
}

// Reply answers the command in the chat and thread it was written in.
func (r *Request) Reply(ctx context.Context, text string) error {
	return r.reply(ctx, text)
}

// RawArgs is the argument list joined back with single spaces.
func (r *Request) RawArgs() string {
	return strings.Join(r.Args, " ")
}

type registered struct {
	module Module
	cmd    Command
}

// Registry holds the modules and their commands, keyed by name.
type Registry struct {
	replier   Replier
	authorize func(userID int64) bool
	log       zerolog.Logger

	mu       sync.RWMutex
	modules  []Module
	names    map[string]bool
	commands map[string]registered
	order    []string
	botName  string
}

// NewRegistry creates an empty registry. A nil authorize allows everyone.
func NewRegistry(replier Replier, authorize func(userID int64) bool, log zerolog.Logger) *Registry {
	if authorize == nil {
		authorize = func(int64) bool { return true }
	}
	return &Registry{
		replier:   replier,
		authorize: authorize,
		log:       log.With().Str("component", "commands").Logger(),
		names:     make(map[string]bool),
		commands:  make(map[string]registered),
	}
}

// SetBotUsername makes Dispatch ignore commands addressed to other bots.
func (r *Registry) SetBotUsername(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.botName = strings.ToLower(strings.TrimPrefix(name, "@"))
}

// Register adds a module. Nothing is registered when the module name or any
// of its commands is already taken.
func (r *Registry) Register(m Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := m.Name()
	if r.names[name] {
		return fmt.Errorf("%w: %s", ErrDuplicateModule, name)
	}
	cmds := m.Commands()
	seen := make(map[string]bool, len(cmds))
	for _, cmd := range cmds {
		key := strings.ToLower(cmd.Name)
		if key == "" || strings.ContainsAny(key, " /@") || cmd.Handler == nil {
			return fmt.Errorf("%w: %q in module %s", ErrInvalidCommand, cmd.Name, name)
		}
		if _, ok := r.commands[key]; ok || seen[key] {
			return fmt.Errorf("%w: /%s", ErrDuplicateCommand, key)
		}
		seen[key] = true
	}
	r.names[name] = true
	r.modules = append(r.modules, m)
	for _, cmd := range cmds {
		key := strings.ToLower(cmd.Name)
		r.commands[key] = registered{module: m, cmd: cmd}
		r.order = append(r.order, key)
	}
	r.log.Debug().Str("module", name).Int("commands", len(cmds)).Msg("Registered module")
	return nil
}

// Init runs every Initializer in registration order and stops at the first
// failure.
func (r *Registry) Init(ctx context.Context) error {
	r.mu.RLock()
	modules := append([]Module(nil), r.modules...)
	r.mu.RUnlock()
	for _, m := range modules {
		if in, ok := m.(Initializer); ok {
			if err := in.Init(ctx); err != nil {
				return fmt.Errorf("failed to init module %s: %w", m.Name(), err)
			}
		}
	}
	return nil
}

// Destroy runs every Destroyer in reverse registration order. All modules
// are destroyed even when some fail.
func (r *Registry) Destroy(ctx context.Context) error {
	r.mu.RLock()
	modules := append([]Module(nil), r.modules...)
	r.mu.RUnlock()
	var errs []error
	for i := len(modules) - 1; i >= 0; i-- {
		if d, ok := modules[i].(Destroyer); ok {
			if err := d.Destroy(ctx); err != nil {
				errs = append(errs, fmt.Errorf("failed to destroy module %s: %w", modules[i].Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

// BotCommands lists the commands for the bot menu in registration order.
func (r *Registry) BotCommands() []tg.Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]tg.Command, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, tg.Command{Name: key, Description: r.commands[key].cmd.Description})
	}
	return out
}

// Menu renders the list of available commands.
func (r *Registry) Menu() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var b strings.Builder
	b.WriteString(menuHeader)
	for i, key := range r.order {
		if i > 0 {
			b.WriteByte('\n')
		}
		cmd := r.commands[key].cmd
		b.WriteString("/" + key)
		if cmd.Usage != "" {
			b.WriteString(" " + html.EscapeString(cmd.Usage))
		}
		b.WriteString(" - " + html.EscapeString(cmd.Description))
	}
	return b.String()
}

// Parse splits "/cmd@bot arg1 arg2" into the lower-cased command, the bot
// username it was addressed to and the arguments. ok is false for text that
// is not a command.
func Parse(text string) (cmd, bot string, args []string, ok bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") || len(fields[0]) == 1 {
		return "", "", nil, false
	}
	cmd, bot, _ = strings.Cut(fields[0][1:], "@")
	if cmd == "" {
		return "", "", nil, false
	}
	return strings.ToLower(cmd), strings.ToLower(bot), fields[1:], true
}

// Dispatch runs the command in text. It reports false when text is not a
// command for this bot, in which case the caller should treat it as a
// normal message. Unknown commands are answered with the menu, except inside
// a forum topic where they are left to the caller as ordinary text.
func (r *Registry) Dispatch(ctx context.Context, req Request, text string) bool {
	cmd, bot, args, ok := Parse(text)
	if !ok {
		return false
	}
	r.mu.RLock()
	botName := r.botName
	entry, known := r.commands[cmd]
	r.mu.RUnlock()
	if bot != "" && botName != "" && bot != botName {
		return false
	}
	if !known && req.ThreadID != 0 {
		return false
	}

	req.Command, req.Args = cmd, args
	req.reply = func(ctx context.Context, text string) error {
		for _, chunk := range splitReply(text) {
			if _, err := r.replier.ReplyText(ctx, req.ChatID, req.ThreadID, req.MessageID, chunk); err != nil {
				return err
			}
		}
		return nil
	}
	log := r.log.With().Str("command", cmd).Int64("from_id", req.FromID).Logger()

	if !r.authorize(req.FromID) {
		log.Warn().Msg("Rejected command from unauthorized user")
		r.reply(ctx, log, &req, permissionDenied)
		return true
	}
	if !known {
		r.reply(ctx, log, &req, r.Menu())
		return true
	}
	if err := r.run(ctx, entry.cmd.Handler, &req); err != nil {
		log.Err(err).Str("module", entry.module.Name()).Msg("Command failed")
		r.reply(ctx, log, &req, "❌ Command error: "+html.EscapeString(err.Error()))
		return true
	}
	log.Info().Str("module", entry.module.Name()).Msg("Command executed")
	return true
}

func (r *Registry) run(ctx context.Context, h Handler, req *Request) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return h(ctx, req)
}

func (r *Registry) reply(ctx context.Context, log zerolog.Logger, req *Request, text string) {
	if err := req.Reply(ctx, text); err != nil {
		log.Warn().Err(err).Msg("Failed to reply to command")
	}
}

// splitReply cuts text at line boundaries into chunks that fit one message.
func splitReply(text string) []string {
	if len(text) <= maxReplyLength {
		return []string{text}
	}
	var chunks []string
	var b strings.Builder
	for _, line := range strings.SplitAfter(text, "\n") {
		for len(line) > maxReplyLength {
			if b.Len() > 0 {
				chunks = append(chunks, strings.TrimRight(b.String(), "\n"))
				b.Reset()
			}
			cut := maxReplyLength
			for cut > 0 && !isRuneStart(line[cut]) {
				cut--
			}
			chunks = append(chunks, line[:cut])
			line = line[cut:]
		}
		if b.Len()+len(line) > maxReplyLength {
			chunks = append(chunks, strings.TrimRight(b.String(), "\n"))
			b.Reset()
		}
		b.WriteString(line)
	}
	if b.Len() > 0 {
		chunks = append(chunks, strings.TrimRight(b.String(), "\n"))
	}
	return chunks
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

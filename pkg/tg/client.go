// Copyright 2024-2026 Aiku AI

// Package tg is the Telegram side of the bridge. It wraps the Bot API
// client and speaks in forum threads of one supergroup.
package tg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/rs/zerolog"

	"github.com/aiku/watg-bridge/pkg/bridge"
	"github.com/aiku/watg-bridge/pkg/config"
	"github.com/aiku/watg-bridge/pkg/directory"
)

// ErrThreadNotFound is returned when the forum topic a call targets was
// deleted on Telegram.
var ErrThreadNotFound = bridge.ErrThreadNotFound

// maxDownloadSize matches the Bot API getFile limit.
const maxDownloadSize = 20 << 20

// Client posts into the bridge supergroup and the owner chat.
type Client struct {
	bot        *telego.Bot
	chatID     int64
	ownerID    int64
	logChannel int64
	topics     bool
	http       *http.Client
	log        zerolog.Logger
}

var (
	_ directory.Threads = (*Client)(nil)
	_ bridge.Telegram   = (*Client)(nil)
)

// New creates a client for the configured bot. It does not contact the
// Bot API.
func New(cfg config.TelegramConfig, log zerolog.Logger) (*Client, error) {
	log = log.With().Str("component", "telegram").Logger()
	opts := []telego.BotOption{telego.WithLogger(newBotLogger(log, cfg.BotToken))}
	if cfg.APIServer != "" {
		opts = append(opts, telego.WithAPIServer(strings.TrimRight(cfg.APIServer, "/")))
	}
	bot, err := telego.NewBot(cfg.BotToken, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	return &Client{
		bot:        bot,
		chatID:     cfg.ChatID,
		ownerID:    cfg.OwnerID,
		logChannel: cfg.LogChannel,
		topics:     cfg.Features.Topics,
		http:       &http.Client{Timeout: 2 * time.Minute},
		log:        log,
	}, nil
}

// ChatID is the bridge supergroup.
func (c *Client) ChatID() int64 {
	return c.chatID
}

// Bot exposes the underlying Bot API client.
func (c *Client) Bot() *telego.Bot {
	return c.bot
}

// classify maps Bot API errors that mean the thread is gone onto
// ErrThreadNotFound.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "message thread not found") || strings.Contains(msg, "TOPIC_ID_INVALID") ||
		strings.Contains(msg, "TOPIC_DELETED") {
		return fmt.Errorf("%w: %w", ErrThreadNotFound, err)
	}
	return err
}

func (c *Client) CreateThread(ctx context.Context, name string, iconColor int) (int, error) {
	topic, err := c.bot.CreateForumTopic(ctx, &telego.CreateForumTopicParams{
		ChatID:    tu.ID(c.chatID),
		Name:      name,
		IconColor: iconColor,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create forum topic: %w", err)
	}
	c.log.Info().Int("thread_id", topic.MessageThreadID).Str("name", name).Msg("Created forum topic")
	return topic.MessageThreadID, nil
}

// ThreadExists probes the topic with a chat action, the cheapest call that
// fails for a deleted thread.
func (c *Client) ThreadExists(ctx context.Context, threadID int) (bool, error) {
	err := c.bot.SendChatAction(ctx, &telego.SendChatActionParams{
		ChatID:          tu.ID(c.chatID),
		MessageThreadID: threadID,
		Action:          telego.ChatActionTyping,
	})
	if err == nil {
		return true, nil
	}
	if errors.Is(classify(err), ErrThreadNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("failed to probe forum topic: %w", err)
}

func (c *Client) RenameThread(ctx context.Context, threadID int, name string) error {
	err := c.bot.EditForumTopic(ctx, &telego.EditForumTopicParams{
		ChatID:          tu.ID(c.chatID),
		MessageThreadID: threadID,
		Name:            name,
	})
	if err != nil {
		return fmt.Errorf("failed to rename forum topic: %w", classify(err))
	}
	return nil
}

// thread drops the thread id when topics are disabled.
func (c *Client) thread(threadID int) int {
	if !c.topics {
		return 0
	}
	return threadID
}

func (c *Client) SendText(ctx context.Context, threadID int, text string, html bool) (int, error) {
	params := &telego.SendMessageParams{
		ChatID:          tu.ID(c.chatID),
		MessageThreadID: c.thread(threadID),
		Text:            text,
	}
	if html {
		params.ParseMode = telego.ModeHTML
	}
	msg, err := c.bot.SendMessage(ctx, params)
	if err != nil {
		return 0, fmt.Errorf("failed to send message: %w", classify(err))
	}
	return msg.MessageID, nil
}

// ReplyText answers a message in any chat, including private chats with
// the bot.
func (c *Client) ReplyText(ctx context.Context, chatID int64, threadID, replyTo int, text string) (int, error) {
	params := &telego.SendMessageParams{
		ChatID:          tu.ID(chatID),
		MessageThreadID: threadID,
		Text:            text,
		ParseMode:       telego.ModeHTML,
	}
	if replyTo != 0 {
		params.ReplyParameters = &telego.ReplyParameters{MessageID: replyTo, AllowSendingWithoutReply: true}
	}
	msg, err := c.bot.SendMessage(ctx, params)
	if err != nil {
		return 0, fmt.Errorf("failed to send reply: %w", classify(err))
	}
	return msg.MessageID, nil
}

func (c *Client) SendUpload(ctx context.Context, threadID int, up *bridge.Upload) (int, error) {
	chat := tu.ID(c.chatID)
	thread := c.thread(threadID)
	file := tu.File(tu.NameReader(bytes.NewReader(up.Data), up.FileName))

	var msg *telego.Message
	var err error
	switch up.Kind {
	case bridge.KindImage:
		msg, err = c.bot.SendPhoto(ctx, &telego.SendPhotoParams{
			ChatID: chat, MessageThreadID: thread, Photo: file, Caption: up.Caption,
		})
	case bridge.KindVideo:
		if up.GIF {
			msg, err = c.bot.SendAnimation(ctx, &telego.SendAnimationParams{
				ChatID: chat, MessageThreadID: thread, Animation: file, Caption: up.Caption,
			})
		} else {
			msg, err = c.bot.SendVideo(ctx, &telego.SendVideoParams{
				ChatID: chat, MessageThreadID: thread, Video: file, Caption: up.Caption,
			})
		}
	case bridge.KindVideoNote:
		msg, err = c.bot.SendVideoNote(ctx, &telego.SendVideoNoteParams{
			ChatID: chat, MessageThreadID: thread, VideoNote: file,
		})
	case bridge.KindVoice:
		msg, err = c.bot.SendVoice(ctx, &telego.SendVoiceParams{
			ChatID: chat, MessageThreadID: thread, Voice: file, Caption: up.Caption,
		})
	case bridge.KindAudio:
		title := up.Title
		if title == "" {
			title = "Audio"
		}
		msg, err = c.bot.SendAudio(ctx, &telego.SendAudioParams{
			ChatID: chat, MessageThreadID: thread, Audio: file, Caption: up.Caption, Title: title,
		})
	case bridge.KindSticker:
		msg, err = c.bot.SendSticker(ctx, &telego.SendStickerParams{
			ChatID: chat, MessageThreadID: thread, Sticker: file,
		})
	case bridge.KindDocument:
		msg, err = c.bot.SendDocument(ctx, &telego.SendDocumentParams{
			ChatID: chat, MessageThreadID: thread, Document: file, Caption: up.Caption,
		})
	default:
		return 0, fmt.Errorf("%w: %s", bridge.ErrUnsupportedKind, up.Kind)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to send %s: %w", up.Kind, classify(err))
	}
	return msg.MessageID, nil
}

func (c *Client) SendLocation(ctx context.Context, threadID int, loc *bridge.Location) (int, error) {
	msg, err := c.bot.SendLocation(ctx, &telego.SendLocationParams{
		ChatID:          tu.ID(c.chatID),
		MessageThreadID: c.thread(threadID),
		Latitude:        loc.Latitude,
		Longitude:       loc.Longitude,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to send location: %w", classify(err))
	}
	return msg.MessageID, nil
}

func (c *Client) SendContact(ctx context.Context, threadID int, card *bridge.ContactCard) (int, error) {
	first, last, _ := strings.Cut(card.DisplayName, " ")
	if first == "" {
		first = card.Phone
	}
	msg, err := c.bot.SendContact(ctx, &telego.SendContactParams{
		ChatID:          tu.ID(c.chatID),
		MessageThreadID: c.thread(threadID),
		PhoneNumber:     card.Phone,
		FirstName:       first,
		LastName:        last,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to send contact: %w", classify(err))
	}
	return msg.MessageID, nil
}

func (c *Client) Pin(ctx context.Context, messageID int) error {
	err := c.bot.PinChatMessage(ctx, &telego.PinChatMessageParams{
		ChatID:              tu.ID(c.chatID),
		MessageID:           messageID,
		DisableNotification: true,
	})
	if err != nil {
		return fmt.Errorf("failed to pin message: %w", err)
	}
	return nil
}

func (c *Client) React(ctx context.Context, chatID int64, messageID int, emoji string) error {
	err := c.bot.SetMessageReaction(ctx, &telego.SetMessageReactionParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
		Reaction: []telego.ReactionType{
			&telego.ReactionTypeEmoji{Type: telego.ReactionEmoji, Emoji: emoji},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to set reaction: %w", err)
	}
	return nil
}

// Download fetches a file by id through the file endpoint of the
// configured API server.
func (c *Client) Download(ctx context.Context, fileID string) ([]byte, error) {
	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.bot.FileDownloadURL(file.FilePath), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build download request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download file: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if len(data) > maxDownloadSize {
		return nil, fmt.Errorf("failed to download file: larger than %d bytes", maxDownloadSize)
	}
	return data, nil
}

// Command is one entry of the bot command menu.
type Command struct {
	Name        string
	Description string
}

func (c *Client) SetCommands(ctx context.Context, cmds []Command) error {
	botCmds := make([]telego.BotCommand, 0, len(cmds))
	for _, cmd := range cmds {
		botCmds = append(botCmds, telego.BotCommand{Command: cmd.Name, Description: cmd.Description})
	}
	if err := c.bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{Commands: botCmds}); err != nil {
		return fmt.Errorf("failed to set bot commands: %w", err)
	}
	return nil
}

// Username is the bot's own username, used to recognise commands addressed
// to it in groups.
func (c *Client) Username(ctx context.Context) (string, error) {
	me, err := c.bot.GetMe(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get bot info: %w", err)
	}
	return me.Username, nil
}

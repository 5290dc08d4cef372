// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/aiku/watg-bridge/pkg/bridge/telegramfmt"
)

// Kind is the payload class a message is relayed as.
type Kind int

const (
	KindUnsupported Kind = iota
	KindText
	KindImage
	KindVideo
	KindVideoNote
	KindAudio
	KindVoice
	KindDocument
	KindSticker
	KindLocation
	KindContact
	KindStatus
	KindCall
)

var kindNames = [...]string{
	KindUnsupported: "unsupported",
	KindText:        "text",
	KindImage:       "image",
	KindVideo:       "video",
	KindVideoNote:   "video_note",
	KindAudio:       "audio",
	KindVoice:       "voice",
	KindDocument:    "document",
	KindSticker:     "sticker",
	KindLocation:    "location",
	KindContact:     "contact",
	KindStatus:      "status",
	KindCall:        "call",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unsupported"
	}
	return kindNames[k]
}

// IsMedia reports whether the kind carries a downloadable file.
func (k Kind) IsMedia() bool {
	switch k {
	case KindImage, KindVideo, KindVideoNote, KindAudio, KindVoice, KindDocument, KindSticker:
		return true
	}
	return false
}

var (
	ErrUnsupportedKind = errors.New("unsupported message kind")
	ErrUnknownThread   = errors.New("thread is not mapped to a conversation")
	ErrShuttingDown    = errors.New("pipeline is shutting down")
	ErrThreadNotFound  = errors.New("message thread not found")
)

// MessageKey identifies a WhatsApp message for receipts and replies.
type MessageKey struct {
	Chat        string
	ID          string
	Participant string
	FromMe      bool
}

// Attachment describes downloadable media. Source is the platform handle
// the downloader needs and is opaque to the pipeline.
type Attachment struct {
	MimeType string
	FileName string
	Title    string
	Size     uint64
	GIF      bool
	Animated bool
	Source   any
}

type Location struct {
	Latitude  float64
	Longitude float64
	Name      string
}

type ContactCard struct {
	DisplayName string
	Phone       string
	VCard       string
}

type CallInfo struct {
	ID     string
	From   string
	Status string
	Video  bool
}

// Inbound is one event received from WhatsApp.
type Inbound struct {
	Key       MessageKey
	PushName  string
	Timestamp time.Time

	// Content is the payload class regardless of the conversation it was
	// posted in.
	Content    Kind
	Text       string
	Attachment *Attachment
	Location   *Location
	Contact    *ContactCard
	Call       *CallInfo
}

// Sender is the participant that wrote the message.
func (in *Inbound) Sender() string {
	if in.Key.Participant != "" {
		return in.Key.Participant
	}
	return in.Key.Chat
}

// TelegramFile points at a file on the Bot API.
type TelegramFile struct {
	FileID   string
	FileName string
	MimeType string
	Title    string
	GIF      bool
	Animated bool
}

// TelegramMessage is one message received in the forum chat.
type TelegramMessage struct {
	ChatID    int64
	MessageID int
	ThreadID  int
	FromID    int64
	ReplyToID int

	Kind     Kind
	Text     string
	Entities []telegramfmt.Entity
	Spoiler  bool
	File     *TelegramFile
	Location *Location
	Contact  *ContactCard
}

// Outbound is a message to post on WhatsApp.
type Outbound struct {
	Kind     Kind
	Text     string
	Data     []byte
	MimeType string
	FileName string
	GIF      bool
	ViewOnce bool
	Location *Location
	Contact  *ContactCard
	// ReplyTo quotes an earlier message. Only text honours it.
	ReplyTo *MessageKey
}

// Upload is a file to post into a thread.
type Upload struct {
	Kind     Kind
	Data     []byte
	FileName string
	MimeType string
	Caption  string
	Title    string
	GIF      bool
}

// GroupInfo is what the welcome card shows for a group.
type GroupInfo struct {
	Name         string
	Participants int
	Created      time.Time
}

// WhatsApp is the subset of the WhatsApp client the pipeline uses.
type WhatsApp interface {
	OwnID() string
	Download(ctx context.Context, att *Attachment) ([]byte, error)
	Send(ctx context.Context, to string, out *Outbound) (MessageKey, error)
	MarkRead(ctx context.Context, chat string, keys []MessageKey) error
	SetTyping(ctx context.Context, jid string, typing bool) error
	GroupInfo(ctx context.Context, jid string) (*GroupInfo, error)
	ProfilePicture(ctx context.Context, jid string) ([]byte, error)
}

// Telegram is the subset of the Bot API client the pipeline uses. A
// threadID of zero posts into the main chat.
type Telegram interface {
	SendText(ctx context.Context, threadID int, text string, html bool) (int, error)
	SendUpload(ctx context.Context, threadID int, up *Upload) (int, error)
	SendLocation(ctx context.Context, threadID int, loc *Location) (int, error)
	SendContact(ctx context.Context, threadID int, card *ContactCard) (int, error)
	ReplyText(ctx context.Context, chatID int64, threadID, replyTo int, text string) (int, error)
	Pin(ctx context.Context, messageID int) error
	React(ctx context.Context, chatID int64, messageID int, emoji string) error
	Download(ctx context.Context, fileID string) ([]byte, error)
}

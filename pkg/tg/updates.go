// Copyright 2024-2026 Aiku AI

package tg

import (
	"context"
	"fmt"

	"github.com/mymmrac/telego"

	"github.com/aiku/watg-bridge/pkg/bridge"
	"github.com/aiku/watg-bridge/pkg/bridge/telegramfmt"
)

// MessageHandler receives every converted message. It runs on the polling
// goroutine and must not block for long.
type MessageHandler func(ctx context.Context, msg *bridge.TelegramMessage)

// Listen long-polls for updates until ctx is cancelled.
func (c *Client) Listen(ctx context.Context, handle MessageHandler) error {
	updates, err := c.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		return fmt.Errorf("failed to start long polling: %w", err)
	}
	c.log.Info().Int64("chat_id", c.chatID).Msg("Listening for Telegram updates")
	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("Telegram listener stopped")
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil || update.Message.From == nil || update.Message.From.IsBot {
				continue
			}
			handle(ctx, ConvertMessage(update.Message))
		}
	}
}

// ConvertMessage flattens a Bot API message into the relay form.
func ConvertMessage(msg *telego.Message) *bridge.TelegramMessage {
	out := &bridge.TelegramMessage{
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		Spoiler:   msg.HasMediaSpoiler,
	}
	if msg.IsTopicMessage {
		out.ThreadID = msg.MessageThreadID
	}
	if msg.From != nil {
		out.FromID = msg.From.ID
	}
	// Replies to the topic's creation message are plain posts in the topic.
	if msg.ReplyToMessage != nil && msg.ReplyToMessage.MessageID != msg.MessageThreadID {
		out.ReplyToID = msg.ReplyToMessage.MessageID
	}

	out.Text, out.Entities = msg.Text, convertEntities(msg.Entities)
	if msg.Caption != "" {
		out.Text, out.Entities = msg.Caption, convertEntities(msg.CaptionEntities)
		// A hidden caption hides the media too.
		out.Spoiler = out.Spoiler || telegramfmt.HasSpoiler(out.Entities)
	}

	switch {
	case len(msg.Photo) > 0:
		out.Kind = bridge.KindImage
		largest := msg.Photo[len(msg.Photo)-1]
		out.File = &bridge.TelegramFile{FileID: largest.FileID, FileName: "photo.jpg", MimeType: "image/jpeg"}
	case msg.Animation != nil:
		out.Kind = bridge.KindVideo
		out.File = &bridge.TelegramFile{
			FileID: msg.Animation.FileID, FileName: orDefault(msg.Animation.FileName, "animation.mp4"),
			MimeType: orDefault(msg.Animation.MimeType, "video/mp4"), GIF: true,
		}
	case msg.Video != nil:
		out.Kind = bridge.KindVideo
		out.File = &bridge.TelegramFile{
			FileID: msg.Video.FileID, FileName: orDefault(msg.Video.FileName, "video.mp4"),
			MimeType: orDefault(msg.Video.MimeType, "video/mp4"),
		}
	case msg.VideoNote != nil:
		out.Kind = bridge.KindVideoNote
		out.File = &bridge.TelegramFile{FileID: msg.VideoNote.FileID, FileName: "video_note.mp4", MimeType: "video/mp4"}
	case msg.Voice != nil:
		out.Kind = bridge.KindVoice
		out.File = &bridge.TelegramFile{
			FileID: msg.Voice.FileID, FileName: "voice.ogg",
			MimeType: orDefault(msg.Voice.MimeType, "audio/ogg"),
		}
	case msg.Audio != nil:
		out.Kind = bridge.KindAudio
		out.File = &bridge.TelegramFile{
			FileID: msg.Audio.FileID, FileName: orDefault(msg.Audio.FileName, "audio.mp3"),
			MimeType: orDefault(msg.Audio.MimeType, "audio/mpeg"), Title: msg.Audio.Title,
		}
	case msg.Document != nil:
		out.Kind = bridge.KindDocument
		out.File = &bridge.TelegramFile{
			FileID: msg.Document.FileID, FileName: orDefault(msg.Document.FileName, "document"),
			MimeType: orDefault(msg.Document.MimeType, "application/octet-stream"),
		}
	case msg.Sticker != nil:
		out.Kind = bridge.KindSticker
		mime, name := "image/webp", "sticker.webp"
		if msg.Sticker.IsVideo {
			mime, name = "video/webm", "sticker.webm"
		} else if msg.Sticker.IsAnimated {
			mime, name = "application/x-tgsticker", "sticker.tgs"
		}
		out.File = &bridge.TelegramFile{
			FileID: msg.Sticker.FileID, FileName: name, MimeType: mime,
			Animated: msg.Sticker.IsAnimated || msg.Sticker.IsVideo,
		}
	case msg.Location != nil:
		out.Kind = bridge.KindLocation
		out.Location = &bridge.Location{Latitude: msg.Location.Latitude, Longitude: msg.Location.Longitude}
	case msg.Contact != nil:
		out.Kind = bridge.KindContact
		name := msg.Contact.FirstName
		if msg.Contact.LastName != "" {
			name += " " + msg.Contact.LastName
		}
		out.Contact = &bridge.ContactCard{DisplayName: name, Phone: msg.Contact.PhoneNumber}
	case msg.Text != "":
		out.Kind = bridge.KindText
	default:
		out.Kind = bridge.KindUnsupported
	}
	return out
}

func convertEntities(in []telego.MessageEntity) []telegramfmt.Entity {
	if len(in) == 0 {
		return nil
	}
	out := make([]telegramfmt.Entity, 0, len(in))
	for _, e := range in {
		out = append(out, telegramfmt.Entity{Type: e.Type, Offset: e.Offset, Length: e.Length, URL: e.URL})
	}
	return out
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aiku/watg-bridge/pkg/bridge/telegramfmt"
	"github.com/aiku/watg-bridge/pkg/directory"
	"github.com/aiku/watg-bridge/pkg/media"
	"github.com/aiku/watg-bridge/pkg/metrics"
)

// Reactions set on the Telegram message after a relay attempt.
const (
	ReactionSent        = "👍"
	ReactionFailed      = "❌"
	ReactionStatusReply = "✅"
)

// StatusNotFoundReply answers a status-thread reply whose status is no
// longer indexed.
const StatusNotFoundReply = "❌ Cannot find original status message to reply to"

// HandleTelegram relays a message written in a thread to its WhatsApp
// conversation and reacts with the outcome.
func (p *Pipeline) HandleTelegram(ctx context.Context, msg *TelegramMessage) {
	defer p.recoverPanic("telegram")
	log := p.log.With().
		Int("thread_id", msg.ThreadID).
		Int("tg_message_id", msg.MessageID).
		Str("kind", msg.Kind.String()).
		Logger()

	if !p.opts.Features.BiDirectional {
		p.metrics.MessagesDropped.WithLabelValues(metrics.ToWhatsApp, "bi_directional_disabled").Inc()
		return
	}
	conv, ok := "", false
	if msg.ThreadID != 0 {
		conv, ok = p.dir.FindConversationByThread(msg.ThreadID)
	}
	if !ok {
		p.metrics.MessagesDropped.WithLabelValues(metrics.ToWhatsApp, "unknown_thread").Inc()
		log.Warn().Err(ErrUnknownThread).Msg("Dropping message from unmapped thread")
		return
	}
	log = log.With().Str("conversation_id", conv).Logger()

	switch directory.KindOf(conv) {
	case directory.ConversationCall:
		p.metrics.MessagesDropped.WithLabelValues(metrics.ToWhatsApp, "call_thread").Inc()
		return
	case directory.ConversationStatus:
		p.replyToStatus(ctx, log, msg)
		return
	}

	err := p.relayTelegram(ctx, conv, msg, nil)
	var skip skipError
	switch {
	case err == nil:
		p.metrics.MessagesRelayed.WithLabelValues(metrics.ToWhatsApp, msg.Kind.String()).Inc()
		p.react(ctx, msg, ReactionSent)
		if p.opts.Features.ReadReceipts {
			if err := p.receipts.Flush(ctx, conv); err != nil {
				log.Warn().Err(err).Msg("Failed to flush read receipts")
			}
		}
		if err := p.dir.TouchConversation(ctx, conv); err != nil {
			log.Warn().Err(err).Msg("Failed to update conversation activity")
		}
		log.Debug().Msg("Relayed message to WhatsApp")
	case errors.As(err, &skip):
		p.metrics.MessagesDropped.WithLabelValues(metrics.ToWhatsApp, string(skip)).Inc()
		log.Debug().Str("reason", string(skip)).Msg("Not relaying message")
	default:
		if errors.Is(err, ErrUnsupportedKind) {
			p.metrics.MessagesDropped.WithLabelValues(metrics.ToWhatsApp, "unsupported").Inc()
			log.Info().Msg("Dropping unsupported message")
		} else {
			p.metrics.RelayFailures.WithLabelValues(metrics.ToWhatsApp).Inc()
			log.Err(err).Msg("Failed to relay message to WhatsApp")
		}
		p.react(ctx, msg, ReactionFailed)
	}
}

func (p *Pipeline) react(ctx context.Context, msg *TelegramMessage, emoji string) {
	if err := p.tg.React(ctx, msg.ChatID, msg.MessageID, emoji); err != nil {
		p.log.Debug().Err(err).Int("tg_message_id", msg.MessageID).Msg("Failed to set reaction")
	}
}

func (p *Pipeline) relayTelegram(ctx context.Context, conv string, msg *TelegramMessage, replyTo *MessageKey) error {
	if p.opts.Features.PresenceUpdates {
		p.presence.Typing(ctx, conv)
	}
	out, err := p.toOutbound(ctx, msg)
	if err != nil {
		return err
	}
	out.ReplyTo = replyTo
	if _, err := p.wa.Send(ctx, conv, out); err != nil {
		return fmt.Errorf("failed to send %s: %w", out.Kind, err)
	}
	return nil
}

// replyToStatus sends a reply written in the status thread to the person
// who posted the status.
func (p *Pipeline) replyToStatus(ctx context.Context, log zerolog.Logger, msg *TelegramMessage) {
	key, ok := p.statusKey(msg.ReplyToID)
	if !ok {
		p.metrics.MessagesDropped.WithLabelValues(metrics.ToWhatsApp, "status_not_indexed").Inc()
		if _, err := p.tg.ReplyText(ctx, msg.ChatID, msg.ThreadID, msg.MessageID, StatusNotFoundReply); err != nil {
			log.Warn().Err(err).Msg("Failed to send status lookup failure")
		}
		return
	}
	poster := directory.MakeUserID(directory.PhoneOf(key.Participant))
	if err := p.relayTelegram(ctx, poster, msg, &key); err != nil {
		p.metrics.RelayFailures.WithLabelValues(metrics.ToWhatsApp).Inc()
		log.Err(err).Str("poster", poster).Msg("Failed to reply to status")
		p.react(ctx, msg, ReactionFailed)
		return
	}
	p.metrics.MessagesRelayed.WithLabelValues(metrics.ToWhatsApp, KindStatus.String()).Inc()
	log.Info().Str("poster", poster).Msg("Replied to status")
	p.react(ctx, msg, ReactionStatusReply)
}

func (p *Pipeline) statusKey(telegramMessageID int) (MessageKey, bool) {
	if telegramMessageID == 0 {
		return MessageKey{}, false
	}
	v, ok := p.statuses.Get(strconv.Itoa(telegramMessageID))
	if !ok {
		return MessageKey{}, false
	}
	key, ok := v.(MessageKey)
	return key, ok && key.Participant != ""
}

var defaultMimeTypes = map[Kind]string{
	KindImage:     "image/jpeg",
	KindVideo:     "video/mp4",
	KindVideoNote: "video/mp4",
	KindVoice:     "audio/ogg; codecs=opus",
	KindAudio:     "audio/mpeg",
	KindDocument:  "application/octet-stream",
	KindSticker:   "image/webp",
}

func (p *Pipeline) toOutbound(ctx context.Context, msg *TelegramMessage) (*Outbound, error) {
	switch msg.Kind {
	case KindText:
		text := telegramfmt.Parse(msg.Text, msg.Entities)
		if strings.TrimSpace(text) == "" {
			return nil, ErrUnsupportedKind
		}
		if telegramfmt.HasSpoiler(msg.Entities) {
			text = "🫥 " + text
		}
		return &Outbound{Kind: KindText, Text: text}, nil
	case KindLocation:
		if msg.Location == nil {
			return nil, ErrUnsupportedKind
		}
		return &Outbound{Kind: KindLocation, Location: msg.Location}, nil
	case KindContact:
		if msg.Contact == nil {
			return nil, ErrUnsupportedKind
		}
		card := *msg.Contact
		if card.VCard == "" {
			card.VCard = BuildVCard(card.DisplayName, card.Phone)
		}
		return &Outbound{Kind: KindContact, Contact: &card}, nil
	}

	if !msg.Kind.IsMedia() || msg.File == nil {
		return nil, ErrUnsupportedKind
	}
	if !p.opts.Features.MediaSync {
		return nil, skipError("media_sync_disabled")
	}
	file := msg.File
	data, err := p.downloadTelegram(ctx, file.FileID)
	if err != nil {
		return nil, err
	}
	out := &Outbound{
		Kind:     msg.Kind,
		Data:     data,
		MimeType: file.MimeType,
		FileName: file.FileName,
		Text:     telegramfmt.Parse(msg.Text, msg.Entities),
		GIF:      file.GIF,
		ViewOnce: msg.Spoiler,
	}
	if out.MimeType == "" {
		out.MimeType = defaultMimeTypes[msg.Kind]
	}
	if msg.Kind == KindSticker {
		p.convertSticker(ctx, out, file.Animated)
	}
	return out, nil
}

// convertSticker fits a Telegram sticker into a WhatsApp sticker. When that
// fails the file is sent as an image captioned "Sticker".
func (p *Pipeline) convertSticker(ctx context.Context, out *Outbound, animated bool) {
	webp, err := p.media.StickerToWebP(ctx, out.Data, out.MimeType, animated)
	p.countTranscode("webp", err)
	if err == nil {
		out.Data = webp
		out.MimeType = "image/webp"
		out.GIF = animated
		return
	}
	p.log.Warn().Err(err).Str("mime", out.MimeType).Msg("Sticker conversion failed, sending as image")
	out.Kind = KindImage
	out.Text = "Sticker"
	out.GIF = false
}

func (p *Pipeline) downloadTelegram(ctx context.Context, fileID string) ([]byte, error) {
	var data []byte
	err := media.Retry(ctx, 2, p.opts.MediaTimeout, func(ctx context.Context) error {
		d, err := p.tg.Download(ctx, fileID)
		if err != nil {
			return err
		}
		data = d
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download telegram file: %w", err)
	}
	return data, nil
}

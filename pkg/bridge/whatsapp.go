// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exmime"

	"github.com/aiku/watg-bridge/pkg/bridge/whatsappfmt"
	"github.com/aiku/watg-bridge/pkg/directory"
	"github.com/aiku/watg-bridge/pkg/media"
	"github.com/aiku/watg-bridge/pkg/metrics"
)

// skipError marks a message that was intentionally not relayed. The value
// is the metrics reason label.
type skipError string

func (e skipError) Error() string { return "skipped: " + string(e) }

// HandleWhatsApp relays one WhatsApp event into the thread of its
// conversation. It blocks until the relay is done.
func (p *Pipeline) HandleWhatsApp(ctx context.Context, in *Inbound) {
	defer p.recoverPanic("whatsapp")
	kind := relayKind(in)
	log := p.log.With().
		Str("conversation_id", in.Key.Chat).
		Str("message_id", in.Key.ID).
		Str("kind", kind.String()).
		Logger()

	err := p.relayWhatsApp(ctx, log, in, kind)
	var skip skipError
	switch {
	case err == nil:
		p.metrics.MessagesRelayed.WithLabelValues(metrics.ToTelegram, kind.String()).Inc()
		log.Debug().Msg("Relayed message to Telegram")
	case errors.As(err, &skip):
		p.metrics.MessagesDropped.WithLabelValues(metrics.ToTelegram, string(skip)).Inc()
		log.Debug().Str("reason", string(skip)).Msg("Not relaying message")
	case errors.Is(err, ErrUnsupportedKind):
		p.metrics.MessagesDropped.WithLabelValues(metrics.ToTelegram, "unsupported").Inc()
		log.Info().Msg("Dropping unsupported message")
	default:
		p.metrics.RelayFailures.WithLabelValues(metrics.ToTelegram).Inc()
		log.Err(err).Msg("Failed to relay message to Telegram")
	}
}

// relayKind is the branch a message takes. Anything posted to the status
// pseudo-conversation is a status post regardless of its payload.
func relayKind(in *Inbound) Kind {
	if in.Content == KindUnsupported {
		return KindUnsupported
	}
	switch directory.KindOf(in.Key.Chat) {
	case directory.ConversationStatus:
		if in.Content == KindCall {
			return KindUnsupported
		}
		return KindStatus
	case directory.ConversationCall:
		if in.Content != KindCall {
			return KindUnsupported
		}
	}
	return in.Content
}

func (p *Pipeline) relayWhatsApp(ctx context.Context, log zerolog.Logger, in *Inbound, kind Kind) error {
	f := p.opts.Features
	switch {
	case kind == KindUnsupported:
		return ErrUnsupportedKind
	case kind == KindStatus && !f.StatusSync:
		return skipError("status_sync_disabled")
	case kind == KindCall && !f.CallLogs:
		return skipError("call_logs_disabled")
	case in.Key.FromMe && kind == KindStatus:
		return skipError("own_status")
	case in.Key.FromMe && !f.MirrorOutgoing:
		return skipError("own_message")
	}

	if kind == KindCall {
		if in.Call == nil {
			return ErrUnsupportedKind
		}
		dedupKey := directory.PhoneOf(in.Call.From) + "_" + in.Call.ID
		if err := p.calls.Add(dedupKey, true, cache.DefaultExpiration); err != nil {
			return skipError("duplicate_call")
		}
	} else if !in.Key.FromMe {
		fields := directory.UserFields{DisplayName: in.PushName}
		if _, err := p.dir.RecordMessage(ctx, in.Sender(), fields); err != nil {
			log.Warn().Err(err).Msg("Failed to record participant")
		}
	}

	threadID, err := p.resolveThread(ctx, in)
	if err != nil {
		return err
	}
	header := p.header(in, kind)
	msgID, err := p.deliver(ctx, threadID, in, header)
	if errors.Is(err, ErrThreadNotFound) && threadID != 0 && !in.Key.FromMe {
		log.Warn().Int("thread_id", threadID).Msg("Thread disappeared, recreating")
		p.dir.MarkThreadMissing(threadID)
		if threadID, err = p.resolveThread(ctx, in); err != nil {
			return err
		}
		msgID, err = p.deliver(ctx, threadID, in, header)
	}
	if err != nil {
		return err
	}

	if kind == KindStatus && msgID != 0 {
		p.statuses.SetDefault(strconv.Itoa(msgID), in.Key)
	}
	if threadID != 0 {
		if err := p.dir.TouchConversation(ctx, in.Key.Chat); err != nil && !errors.Is(err, directory.ErrNoMapping) {
			log.Warn().Err(err).Msg("Failed to update conversation activity")
		}
	}
	if f.ReadReceipts && !in.Key.FromMe && kind != KindCall && kind != KindStatus {
		p.receipts.Add(in.Key.Chat, in.Key)
	}
	return nil
}

// resolveThread returns the thread to post into, or zero for the main chat
// when topics are disabled. Mirrored own messages never create threads.
func (p *Pipeline) resolveThread(ctx context.Context, in *Inbound) (int, error) {
	if !p.opts.Features.Topics {
		return 0, nil
	}
	conv := in.Key.Chat
	if in.Key.FromMe {
		mapping, ok := p.dir.ThreadFor(conv)
		if !ok {
			return 0, skipError("no_thread_for_outgoing")
		}
		return mapping.ThreadID, nil
	}
	seed := directory.Seed{PushName: in.PushName, Participant: in.Key.Participant}
	if directory.IsGroup(conv) {
		if _, ok := p.dir.ThreadFor(conv); !ok {
			info, err := p.wa.GroupInfo(ctx, conv)
			if err != nil {
				p.log.Warn().Err(err).Str("conversation_id", conv).Msg("Failed to get group name")
			} else {
				seed.GroupName = info.Name
			}
		}
	}
	threadID, err := p.dir.GetOrCreateThread(ctx, conv, seed)
	if err != nil {
		return 0, fmt.Errorf("failed to get thread: %w", err)
	}
	return threadID, nil
}

func (p *Pipeline) isOwner(participantID string) bool {
	phone := directory.PhoneOf(participantID)
	if owner := strings.TrimPrefix(p.opts.OwnerPhone, "+"); owner != "" && phone == owner {
		return true
	}
	own := p.wa.OwnID()
	return own != "" && directory.PhoneOf(own) == phone
}

func (p *Pipeline) senderName(in *Inbound) string {
	return p.dir.DisplayName(in.Sender(), in.PushName)
}

// header is the HTML placed before the body of a relayed message.
func (p *Pipeline) header(in *Inbound, kind Kind) string {
	switch {
	case in.Key.FromMe:
		return "📤 You: "
	case kind == KindStatus:
		return "📱 Status from " + html.EscapeString(p.senderName(in)) + "\n\n"
	case directory.IsGroup(in.Key.Chat) && !p.isOwner(in.Sender()):
		return "👤 " + html.EscapeString(p.senderName(in)) + ":\n"
	}
	return ""
}

func (p *Pipeline) deliver(ctx context.Context, threadID int, in *Inbound, header string) (int, error) {
	switch {
	case in.Content == KindText:
		return p.tg.SendText(ctx, threadID, header+whatsappfmt.Parse(in.Text), true)
	case in.Content == KindCall:
		return p.tg.SendText(ctx, threadID, p.callCard(in), true)
	case in.Content == KindLocation && in.Location != nil:
		return p.deliverLocation(ctx, threadID, in, header)
	case in.Content == KindContact && in.Contact != nil:
		return p.deliverContact(ctx, threadID, in, header)
	case in.Content.IsMedia() && in.Attachment != nil:
		return p.deliverMedia(ctx, threadID, in, header)
	}
	return 0, ErrUnsupportedKind
}

func (p *Pipeline) callCard(in *Inbound) string {
	title := "📞 <b>Incoming Call</b>"
	if in.Call.Video {
		title = "📹 <b>Incoming Video Call</b>"
	}
	ts := in.Timestamp
	if ts.IsZero() {
		ts = p.now()
	}
	return fmt.Sprintf("%s\n\n👤 <b>From:</b> %s\n📱 <b>Number:</b> +%s\n⏰ <b>Time:</b> %s\n📋 <b>Status:</b> %s",
		title,
		html.EscapeString(p.dir.DisplayName(in.Call.From, in.PushName)),
		directory.PhoneOf(in.Call.From),
		ts.Format("2006-01-02 15:04:05"),
		html.EscapeString(in.Call.Status),
	)
}

func (p *Pipeline) deliverLocation(ctx context.Context, threadID int, in *Inbound, header string) (int, error) {
	id, err := p.tg.SendLocation(ctx, threadID, in.Location)
	if err != nil {
		return 0, err
	}
	var note string
	switch {
	case in.Key.FromMe:
		note = "📤 You shared location"
	case header != "":
		note = "👤 " + html.EscapeString(p.senderName(in)) + " shared location"
	}
	if in.Text != "" {
		note = strings.TrimSpace(note + "\n" + whatsappfmt.Parse(in.Text))
	}
	if note != "" {
		if _, err := p.tg.SendText(ctx, threadID, note, true); err != nil {
			p.log.Warn().Err(err).Msg("Failed to send location caption")
		}
	}
	return id, nil
}

func (p *Pipeline) deliverContact(ctx context.Context, threadID int, in *Inbound, header string) (int, error) {
	card := *in.Contact
	if card.Phone == "" {
		card.Phone = PhoneFromVCard(card.VCard)
	}
	name := html.EscapeString(card.DisplayName)
	note := "📇 Contact: " + name
	if header != "" && !in.Key.FromMe {
		note = "👤 " + html.EscapeString(p.senderName(in)) + " shared contact: " + name
	}
	if card.Phone == "" {
		return p.tg.SendText(ctx, threadID, note, true)
	}
	id, err := p.tg.SendContact(ctx, threadID, &card)
	if err != nil {
		return 0, err
	}
	if _, err := p.tg.SendText(ctx, threadID, note, true); err != nil {
		p.log.Warn().Err(err).Msg("Failed to send contact caption")
	}
	return id, nil
}

func mediaCaption(in *Inbound, header string) string {
	body := whatsappfmt.Parse(in.Text)
	if in.Key.FromMe && body == "" {
		return "📤 You sent media"
	}
	return strings.TrimRight(header+body, "\n")
}

func (p *Pipeline) deliverMedia(ctx context.Context, threadID int, in *Inbound, header string) (int, error) {
	att := in.Attachment
	caption := mediaCaption(in, header)
	if !p.opts.Features.MediaSync {
		if caption == "" {
			return 0, skipError("media_sync_disabled")
		}
		return p.tg.SendText(ctx, threadID, caption, true)
	}

	data, err := p.downloadWhatsApp(ctx, att)
	if err != nil {
		return 0, err
	}
	up := &Upload{
		Kind:     in.Content,
		Data:     data,
		MimeType: att.MimeType,
		FileName: att.FileName,
		Title:    att.Title,
		Caption:  caption,
		GIF:      att.GIF,
	}
	switch in.Content {
	case KindVideoNote:
		return p.sendVideoNote(ctx, threadID, up)
	case KindSticker:
		return p.sendSticker(ctx, threadID, up, att.Animated)
	}
	return p.upload(ctx, threadID, up)
}

func (p *Pipeline) downloadWhatsApp(ctx context.Context, att *Attachment) ([]byte, error) {
	var data []byte
	err := media.Retry(ctx, 2, p.opts.MediaTimeout, func(ctx context.Context) error {
		d, err := p.wa.Download(ctx, att)
		if err != nil {
			return err
		}
		data = d
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download media: %w", err)
	}
	return data, nil
}

// upload posts a file and falls back to sending it as a document when
// Telegram rejects the original kind.
func (p *Pipeline) upload(ctx context.Context, threadID int, up *Upload) (int, error) {
	id, err := p.tg.SendUpload(ctx, threadID, up)
	if err == nil || errors.Is(err, ErrThreadNotFound) || up.Kind == KindDocument {
		return id, err
	}
	p.log.Warn().Err(err).Str("kind", up.Kind.String()).Msg("Upload rejected, retrying as document")
	doc := *up
	doc.Kind = KindDocument
	doc.GIF = false
	if doc.FileName == "" {
		doc.FileName = fallbackFileName(up.Kind, up.MimeType)
	}
	return p.tg.SendUpload(ctx, threadID, &doc)
}

func fallbackFileName(kind Kind, mime string) string {
	ext := exmime.ExtensionFromMimetype(mime)
	if ext == "" {
		ext = ".bin"
	}
	return "whatsapp_" + kind.String() + ext
}

func (p *Pipeline) countTranscode(target string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.metrics.Transcodes.WithLabelValues(target, result).Inc()
}

// sendVideoNote posts a round video. Video notes cannot carry a caption,
// so it follows as its own message.
func (p *Pipeline) sendVideoNote(ctx context.Context, threadID int, up *Upload) (int, error) {
	clip, err := p.media.VideoNote(ctx, up.Data, up.MimeType)
	p.countTranscode("video_note", err)
	if err != nil {
		p.log.Warn().Err(err).Msg("Video note conversion failed, sending original video")
		video := *up
		video.Kind = KindVideo
		return p.upload(ctx, threadID, &video)
	}
	note := &Upload{Kind: KindVideoNote, Data: clip, MimeType: "video/mp4", FileName: "video_note.mp4"}
	id, err := p.upload(ctx, threadID, note)
	if err != nil {
		return 0, err
	}
	if up.Caption != "" {
		if _, err := p.tg.SendText(ctx, threadID, up.Caption, true); err != nil {
			p.log.Warn().Err(err).Msg("Failed to send video note caption")
		}
	}
	return id, nil
}

// sendSticker posts a sticker, as an animation when it is animated, and as
// a PNG photo when Telegram rejects it.
func (p *Pipeline) sendSticker(ctx context.Context, threadID int, up *Upload, animated bool) (int, error) {
	id, err := p.sendStickerOnly(ctx, threadID, up, animated)
	if err != nil {
		return 0, err
	}
	if up.Caption != "" {
		if _, err := p.tg.SendText(ctx, threadID, up.Caption, true); err != nil {
			p.log.Warn().Err(err).Msg("Failed to send sticker caption")
		}
	}
	return id, nil
}

func (p *Pipeline) sendStickerOnly(ctx context.Context, threadID int, up *Upload, animated bool) (int, error) {
	if animated && p.opts.Features.AnimatedStickers {
		clip, err := p.media.StickerToAnimation(ctx, up.Data, up.MimeType)
		p.countTranscode("animation", err)
		if err == nil {
			id, err := p.tg.SendUpload(ctx, threadID, &Upload{
				Kind: KindVideo, GIF: true, Data: clip, MimeType: "video/mp4", FileName: "sticker.mp4",
			})
			if err == nil || errors.Is(err, ErrThreadNotFound) {
				return id, err
			}
			p.log.Warn().Err(err).Msg("Animated sticker upload failed, sending as sticker")
		} else {
			p.log.Warn().Err(err).Msg("Animated sticker conversion failed")
		}
	}

	sticker := *up
	sticker.Caption = ""
	id, err := p.tg.SendUpload(ctx, threadID, &sticker)
	if err == nil || errors.Is(err, ErrThreadNotFound) {
		return id, err
	}
	p.log.Warn().Err(err).Msg("Sticker rejected, sending as photo")
	png, convErr := p.media.ToPNG(ctx, up.Data, up.MimeType)
	p.countTranscode("png", convErr)
	if convErr != nil {
		return 0, fmt.Errorf("failed to send sticker: %w", errors.Join(err, convErr))
	}
	return p.upload(ctx, threadID, &Upload{
		Kind: KindImage, Data: png, MimeType: "image/png", FileName: "sticker.png", Caption: "Sticker",
	})
}

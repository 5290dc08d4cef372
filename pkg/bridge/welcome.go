// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/aiku/watg-bridge/pkg/directory"
)

const dateLayout = "2006-01-02 15:04"

// onThreadCreated posts and pins an information card in a new thread, then
// the profile picture when enabled. Failures are logged and never undo
// the thread.
func (p *Pipeline) onThreadCreated(ctx context.Context, conv string, threadID int, seed directory.Seed) {
	defer p.recoverPanic("welcome")
	p.metrics.ThreadsCreated.Inc()
	log := p.log.With().Str("conversation_id", conv).Int("thread_id", threadID).Logger()

	var card string
	switch directory.KindOf(conv) {
	case directory.ConversationGroup:
		card = p.groupCard(ctx, conv, seed)
	case directory.ConversationDirect:
		card = p.contactCard(conv, seed)
	default:
		return
	}
	msgID, err := p.tg.SendText(ctx, threadID, card, true)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to send welcome message")
		return
	}
	if err := p.tg.Pin(ctx, msgID); err != nil {
		log.Debug().Err(err).Msg("Failed to pin welcome message")
	}

	if p.opts.Features.ProfilePicSync {
		p.sendProfilePicture(ctx, threadID, conv, "📸 Profile Picture")
	}
}

func (p *Pipeline) groupCard(ctx context.Context, conv string, seed directory.Seed) string {
	name := seed.GroupName
	participants := "Unknown"
	created := "Unknown"
	if info, err := p.wa.GroupInfo(ctx, conv); err != nil {
		p.log.Debug().Err(err).Str("conversation_id", conv).Msg("Failed to get group info for welcome message")
	} else {
		if info.Name != "" {
			name = info.Name
		}
		participants = fmt.Sprint(info.Participants)
		if !info.Created.IsZero() {
			created = info.Created.Format(dateLayout)
		}
	}
	if name == "" {
		name = "Unknown Group"
	}
	var b strings.Builder
	b.WriteString("🏷️ <b>Group Information</b>\n\n")
	fmt.Fprintf(&b, "📝 <b>Name:</b> %s\n", html.EscapeString(name))
	fmt.Fprintf(&b, "👥 <b>Participants:</b> %s\n", participants)
	fmt.Fprintf(&b, "🆔 <b>Group ID:</b> <code>%s</code>\n", html.EscapeString(conv))
	fmt.Fprintf(&b, "📅 <b>Created:</b> %s\n\n", created)
	b.WriteString("💬 Messages from this group will appear here")
	return b.String()
}

func (p *Pipeline) contactCard(conv string, seed directory.Seed) string {
	phone := directory.PhoneOf(conv)
	var b strings.Builder
	b.WriteString("🏷️ <b>Contact Information</b>\n\n")
	fmt.Fprintf(&b, "📝 <b>Name:</b> %s\n", html.EscapeString(p.dir.DisplayName(conv, seed.PushName)))
	fmt.Fprintf(&b, "📱 <b>Phone:</b> +%s\n", html.EscapeString(phone))
	fmt.Fprintf(&b, "🆔 <b>WhatsApp ID:</b> <code>%s</code>\n", html.EscapeString(conv))
	fmt.Fprintf(&b, "📅 <b>First Contact:</b> %s\n\n", p.now().Format(dateLayout))
	b.WriteString("💬 Messages with this contact will appear here")
	return b.String()
}

func (p *Pipeline) sendProfilePicture(ctx context.Context, threadID int, conv, caption string) {
	pic, err := p.wa.ProfilePicture(ctx, conv)
	if err != nil {
		p.log.Debug().Err(err).Str("conversation_id", conv).Msg("Failed to get profile picture")
		return
	}
	if len(pic) == 0 {
		return
	}
	_, err = p.tg.SendUpload(ctx, threadID, &Upload{
		Kind:     KindImage,
		Data:     pic,
		MimeType: "image/jpeg",
		FileName: "profile.jpg",
		Caption:  caption,
	})
	if err != nil {
		p.log.Warn().Err(err).Str("conversation_id", conv).Msg("Failed to send profile picture")
	}
}

// RefreshProfilePicture posts the current profile picture into an existing
// thread.
func (p *Pipeline) RefreshProfilePicture(ctx context.Context, conv string) error {
	mapping, ok := p.dir.ThreadFor(conv)
	if !ok {
		return directory.ErrNoMapping
	}
	p.sendProfilePicture(ctx, mapping.ThreadID, conv, "📸 Profile picture updated")
	return nil
}

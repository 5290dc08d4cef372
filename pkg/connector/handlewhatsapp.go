// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"

	"github.com/aiku/watg-bridge/pkg/bridge"
	"github.com/aiku/watg-bridge/pkg/wa"
)

// whatsAppHandlers hands every WhatsApp event to its own pipeline goroutine.
// The callbacks run on the whatsmeow event loop and return immediately.
func (c *Connector) whatsAppHandlers() wa.Handlers {
	return wa.Handlers{
		Message: func(in *bridge.Inbound) {
			c.dispatch("message", func(ctx context.Context) {
				c.pipeline.HandleWhatsApp(ctx, in)
			})
		},
		Contact: func(phone, name string) {
			c.dispatch("contact", func(ctx context.Context) {
				c.pipeline.HandleContactUpdate(ctx, phone, name)
			})
		},
		PushName: func(participantID, name string) {
			c.dispatch("push_name", func(ctx context.Context) {
				c.pipeline.HandlePushName(ctx, participantID, name)
			})
		},
		Picture: func(conversationID string) {
			if !c.Config.Telegram.Features.ProfilePicSync {
				return
			}
			c.dispatch("picture", func(ctx context.Context) {
				if err := c.pipeline.RefreshProfilePicture(ctx, conversationID); err != nil {
					c.Log.Debug().Err(err).Str("conversation_id", conversationID).Msg("Skipping profile picture update")
				}
			})
		},
	}
}

func (c *Connector) dispatch(event string, fn func(ctx context.Context)) {
	if err := c.pipeline.Go(fn); err != nil {
		c.Log.Debug().Err(err).Str("event", event).Msg("Dropping event")
	}
}

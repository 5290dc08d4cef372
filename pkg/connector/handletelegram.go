// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"

	"github.com/aiku/watg-bridge/pkg/bridge"
	"github.com/aiku/watg-bridge/pkg/commands"
)

// handleTelegram is the Telegram update callback. Commands are accepted in
// any chat the bot can read; everything else is relayed only when it was
// written in the bridge supergroup.
func (c *Connector) handleTelegram(_ context.Context, msg *bridge.TelegramMessage) {
	c.dispatch("telegram", func(ctx context.Context) {
		if msg.Kind == bridge.KindText && c.runCommand(ctx, msg) {
			return
		}
		if msg.ChatID != c.Config.Telegram.ChatID {
			c.Log.Trace().Int64("chat_id", msg.ChatID).Msg("Ignoring message outside the bridge chat")
			return
		}
		c.pipeline.HandleTelegram(ctx, msg)
	})
}

func (c *Connector) runCommand(ctx context.Context, msg *bridge.TelegramMessage) bool {
	return c.commands.Dispatch(ctx, commands.Request{
		ChatID:    msg.ChatID,
		ThreadID:  msg.ThreadID,
		MessageID: msg.MessageID,
		FromID:    msg.FromID,
	}, msg.Text)
}

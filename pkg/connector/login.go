// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"html"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/watg-bridge/pkg/config"
	"github.com/aiku/watg-bridge/pkg/session"
	"github.com/aiku/watg-bridge/pkg/store"
	"github.com/aiku/watg-bridge/pkg/wa"
)

// onQR forwards a login code to the owner.
func (c *Connector) onQR(ctx context.Context, payload string) {
	if err := c.tg.SendQR(ctx, payload); err != nil {
		c.Log.Error().Err(err).Msg("Failed to send QR code to Telegram")
	}
}

// onOpen runs every time the WhatsApp connection opens, including after a
// reconnect.
func (c *Connector) onOpen(ctx context.Context) {
	c.Log.Info().Str("account", c.wa.AccountName()).Msg("WhatsApp bot connected")

	if _, err := c.SyncContacts(ctx); err != nil {
		c.Log.Warn().Err(err).Msg("Initial contact sync failed")
	}
	if err := c.tg.SetCommands(ctx, c.commands.BotCommands()); err != nil {
		c.Log.Warn().Err(err).Msg("Failed to register bot commands")
	}

	counts := c.dir.Counts()
	c.logToChannel(ctx, "🤖 WhatsApp Bot Connected", fmt.Sprintf(
		"📱 WhatsApp: Connected\n🔗 Telegram Bridge: Active\n📞 Contacts: %d synced\n🚀 Ready to bridge messages!",
		counts.Contacts,
	))
	if err := c.tg.NotifyOwner(ctx, c.startMessage()); err != nil {
		c.Log.Warn().Err(err).Msg("Failed to send start message")
	}
}

func (c *Connector) startMessage() string {
	counts := c.dir.Counts()
	account := c.wa.AccountName()
	if account == "" {
		account = "Unknown"
	}
	return fmt.Sprintf(
		"🚀 <b>WhatsApp Bridge Started Successfully!</b>\n\n"+
			"✅ WhatsApp: Connected\n"+
			"👤 Account: %s\n"+
			"✅ Telegram Bridge: Active\n"+
			"📞 Contacts: %d synced\n"+
			"💬 Chats: %d mapped\n"+
			"🔗 Ready to bridge messages!\n\n"+
			"⏰ Started at: %s",
		html.EscapeString(account), counts.Contacts, counts.Chats, time.Now().Format(time.DateTime),
	)
}

func (c *Connector) onStateChange(s wa.State) {
	c.metrics.ConnectionState.Set(float64(s))
	switch s {
	case wa.StateReconnecting:
		c.metrics.Reconnects.Inc()
	case wa.StatePermanentlyClosed:
		c.logToChannel(context.Background(), "❌ WhatsApp Disconnected",
			"The WhatsApp connection was closed permanently. Restart the bridge to log in again.")
	}
}

// Logout ends the WhatsApp session and deletes the stored credentials.
func (c *Connector) Logout(ctx context.Context) error {
	if err := c.conn.Logout(ctx); err != nil {
		return fmt.Errorf("failed to log out: %w", err)
	}
	return nil
}

// Logout logs the stored account out of WhatsApp without building the rest
// of the bridge. Only the database and session settings are needed.
func Logout(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	db, err := store.Connect(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("Failed to close MongoDB")
		}
	}()
	return logoutAccount(ctx, cfg, db, log)
}

func logoutAccount(ctx context.Context, cfg *config.Config, db *store.Mongo, log zerolog.Logger) error {
	sess := session.NewManager(db, cfg.Session.Dir, log)
	waClient := wa.NewClient(cfg.Session.Dir, cfg.WhatsApp.DeviceName, log)
	if err := newConnectionManager(cfg, waClient, sess, log).Logout(ctx); err != nil {
		return fmt.Errorf("failed to log out: %w", err)
	}
	return nil
}

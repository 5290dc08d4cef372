// Copyright 2024-2026 Aiku AI

package tg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/skip2/go-qrcode"
)

const qrSize = 512

const (
	qrOwnerCaption = "📱 <b>Scan QR Code to Login to WhatsApp</b>\n\n" +
		"Scan this QR code with your WhatsApp mobile app to connect."
	qrLogCaption = "📱 <b>WhatsApp QR Code Generated</b>\n\nWaiting for scan..."
)

// RenderQR encodes a login payload as a PNG.
func RenderQR(payload string) ([]byte, error) {
	png, err := qrcode.Encode(payload, qrcode.Medium, qrSize)
	if err != nil {
		return nil, fmt.Errorf("failed to render QR code: %w", err)
	}
	return png, nil
}

// SendQR posts the login QR code to the owner and the log channel.
func (c *Client) SendQR(ctx context.Context, payload string) error {
	png, err := RenderQR(payload)
	if err != nil {
		return err
	}
	var errs []error
	if c.ownerID != 0 {
		errs = append(errs, c.sendPhoto(ctx, c.ownerID, png, "qr.png", qrOwnerCaption))
	}
	if c.logChannel != 0 && c.logChannel != c.ownerID {
		errs = append(errs, c.sendPhoto(ctx, c.logChannel, png, "qr.png", qrLogCaption))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to send QR code: %w", err)
	}
	c.log.Info().Msg("QR code sent to Telegram")
	return nil
}

func (c *Client) sendPhoto(ctx context.Context, chatID int64, data []byte, name, caption string) error {
	_, err := c.bot.SendPhoto(ctx, &telego.SendPhotoParams{
		ChatID:    tu.ID(chatID),
		Photo:     tu.File(tu.NameReader(bytes.NewReader(data), name)),
		Caption:   caption,
		ParseMode: telego.ModeHTML,
	})
	return err
}

// LogToChannel posts a titled notice to the log channel. It is a no-op
// without one.
func (c *Client) LogToChannel(ctx context.Context, title, message string) error {
	if c.logChannel == 0 {
		return nil
	}
	text := fmt.Sprintf("🤖 <b>%s</b>\n\n%s\n\n⏰ %s",
		html.EscapeString(title), html.EscapeString(message), time.Now().Format(time.DateTime))
	_, err := c.bot.SendMessage(ctx, &telego.SendMessageParams{
		ChatID:    tu.ID(c.logChannel),
		Text:      text,
		ParseMode: telego.ModeHTML,
	})
	if err != nil {
		return fmt.Errorf("failed to log to channel: %w", err)
	}
	return nil
}

// NotifyOwner sends an HTML message to the owner and mirrors it to the log
// channel.
func (c *Client) NotifyOwner(ctx context.Context, text string) error {
	var errs []error
	for _, chatID := range c.notifyTargets() {
		_, err := c.bot.SendMessage(ctx, &telego.SendMessageParams{
			ChatID:    tu.ID(chatID),
			Text:      text,
			ParseMode: telego.ModeHTML,
		})
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to notify owner: %w", err)
	}
	return nil
}

func (c *Client) notifyTargets() []int64 {
	var out []int64
	if c.ownerID != 0 {
		out = append(out, c.ownerID)
	}
	if c.logChannel != 0 && c.logChannel != c.ownerID {
		out = append(out, c.logChannel)
	}
	return out
}

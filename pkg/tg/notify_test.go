// Copyright 2024-2026 Aiku AI

package tg

import (
	"context"
	"strings"
	"testing"

	"github.com/aiku/watg-bridge/pkg/config"
)

func TestSendQR(t *testing.T) {
	t.Parallel()
	f := newFakeBotAPI(t)
	c := newTestClient(t, f)
	if err := c.SendQR(context.Background(), "2@payload"); err != nil {
		t.Fatalf("SendQR: %v", err)
	}
	calls := f.CallsTo("sendPhoto")
	if len(calls) != 2 {
		t.Fatalf("sendPhoto calls: got %d, want 2", len(calls))
	}
	if calls[0].Params["chat_id"] != "1001" || !strings.Contains(calls[0].Params["caption"], "Scan QR Code") {
		t.Errorf("owner QR: %+v", calls[0].Params)
	}
	if calls[1].Params["chat_id"] != "2002" || !strings.Contains(calls[1].Params["caption"], "Waiting for scan") {
		t.Errorf("log channel QR: %+v", calls[1].Params)
	}
	if calls[0].Files["photo"] != "qr.png" {
		t.Errorf("photo file: got %q, want qr.png", calls[0].Files["photo"])
	}
}

func TestSendQROwnerIsLogChannel(t *testing.T) {
	t.Parallel()
	f := newFakeBotAPI(t)
	c := newTestClient(t, f, func(cfg *config.TelegramConfig) { cfg.LogChannel = cfg.OwnerID })
	if err := c.SendQR(context.Background(), "2@payload"); err != nil {
		t.Fatalf("SendQR: %v", err)
	}
	if got := len(f.CallsTo("sendPhoto")); got != 1 {
		t.Errorf("sendPhoto calls: got %d, want 1", got)
	}
}

func TestLogToChannel(t *testing.T) {
	t.Parallel()
	f := newFakeBotAPI(t)
	c := newTestClient(t, f)
	if err := c.LogToChannel(context.Background(), "Contact Sync", "Synced <3> contacts"); err != nil {
		t.Fatalf("LogToChannel: %v", err)
	}
	call := f.CallsTo("sendMessage")[0]
	if call.Params["chat_id"] != "2002" {
		t.Errorf("chat_id: got %q, want 2002", call.Params["chat_id"])
	}
	if !strings.Contains(call.Params["text"], "<b>Contact Sync</b>") || !strings.Contains(call.Params["text"], "&lt;3&gt;") {
		t.Errorf("text not formatted or escaped: %q", call.Params["text"])
	}
}

func TestLogToChannelDisabled(t *testing.T) {
	t.Parallel()
	f := newFakeBotAPI(t)
	c := newTestClient(t, f, func(cfg *config.TelegramConfig) { cfg.LogChannel = 0 })
	if err := c.LogToChannel(context.Background(), "t", "m"); err != nil {
		t.Fatalf("LogToChannel: %v", err)
	}
	if len(f.Calls()) != 0 {
		t.Errorf("no calls expected, got %+v", f.Calls())
	}
}

func TestNotifyOwner(t *testing.T) {
	t.Parallel()
	f := newFakeBotAPI(t)
	c := newTestClient(t, f)
	if err := c.NotifyOwner(context.Background(), "🚀 started"); err != nil {
		t.Fatalf("NotifyOwner: %v", err)
	}
	calls := f.CallsTo("sendMessage")
	if len(calls) != 2 || calls[0].Params["chat_id"] != "1001" || calls[1].Params["chat_id"] != "2002" {
		t.Errorf("unexpected calls: %+v", calls)
	}
}

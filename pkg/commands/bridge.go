// Copyright 2024-2026 Aiku AI

package commands

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/aiku/watg-bridge/pkg/bridge"
	"github.com/aiku/watg-bridge/pkg/directory"
)

// Bridge is what the bridge commands need from the running bridge.
type Bridge interface {
	Connected() bool
	AccountName() string
	Counts() directory.Counts
	SendText(ctx context.Context, conversationID, text string) (bridge.MessageKey, error)
	SyncContacts(ctx context.Context) (int, error)
	ListContacts() []directory.Contact
	SearchContacts(query string) []directory.Contact
}

// BridgeModule provides the operator commands of the bridge.
type BridgeModule struct {
	bridge Bridge
}

var _ Module = (*BridgeModule)(nil)

func NewBridgeModule(b Bridge) *BridgeModule {
	return &BridgeModule{bridge: b}
}

func (m *BridgeModule) Name() string { return "bridge" }

func (m *BridgeModule) Metadata() Metadata {
	return Metadata{Description: "WhatsApp-Telegram bridge control", Version: "1.0.0"}
}

func (m *BridgeModule) Commands() []Command {
	return []Command{
		{Name: "start", Description: "Show bot info", Handler: m.start},
		{Name: "status", Description: "Show bridge status", Handler: m.status},
		{Name: "send", Description: "Send WhatsApp message", Usage: "<number> <msg>", Handler: m.send},
		{Name: "sync", Description: "Sync WhatsApp contacts", Handler: m.sync},
		{Name: "contacts", Description: "View WhatsApp contacts", Handler: m.contacts},
		{Name: "searchcontact", Description: "Search WhatsApp contacts", Usage: "<name/phone>", Handler: m.searchContact},
	}
}

func (m *BridgeModule) start(ctx context.Context, req *Request) error {
	state := "⏳ Initializing..."
	if m.bridge.Connected() {
		state = "✅ Ready"
	}
	c := m.bridge.Counts()
	return req.Reply(ctx, fmt.Sprintf(
		"🤖 <b>WhatsApp-Telegram Bridge</b>\n\nStatus: %s\nLinked Chats: %d\nContacts: %d\nUsers: %d",
		state, c.Chats, c.Contacts, c.Users,
	))
}

func (m *BridgeModule) status(ctx context.Context, req *Request) error {
	conn := "❌ Disconnected"
	if m.bridge.Connected() {
		conn = "✅ Connected"
	}
	name := m.bridge.AccountName()
	if name == "" {
		name = "Unknown"
	}
	c := m.bridge.Counts()
	return req.Reply(ctx, fmt.Sprintf(
		"📊 <b>Bridge Status</b>\n\n🔗 WhatsApp: %s\n👤 User: %s\n💬 Chats: %d\n👥 Users: %d\n📞 Contacts: %d",
		conn, html.EscapeString(name), c.Chats, c.Users, c.Contacts,
	))
}

func (m *BridgeModule) send(ctx context.Context, req *Request) error {
	if len(req.Args) < 2 {
		return req.Reply(ctx, "❌ Usage: /send &lt;number&gt; &lt;message&gt;\nExample: /send 1234567890 Hello!")
	}
	number := req.Args[0]
	jid := number
	if !strings.Contains(number, "@") {
		jid = directory.MakeUserID(number)
	}
	key, err := m.bridge.SendText(ctx, jid, strings.Join(req.Args[1:], " "))
	if err != nil {
		return req.Reply(ctx, "❌ Error sending: "+html.EscapeString(err.Error()))
	}
	if key.ID == "" {
		return req.Reply(ctx, "⚠️ Message sent but no confirmation")
	}
	return req.Reply(ctx, "✅ Message sent to "+html.EscapeString(number))
}

func (m *BridgeModule) sync(ctx context.Context, req *Request) error {
	if err := req.Reply(ctx, "🔄 Syncing contacts..."); err != nil {
		return err
	}
	if _, err := m.bridge.SyncContacts(ctx); err != nil {
		return req.Reply(ctx, "❌ Failed to sync: "+html.EscapeString(err.Error()))
	}
	return req.Reply(ctx, fmt.Sprintf("✅ Synced %d contacts from WhatsApp", m.bridge.Counts().Contacts))
}

func (m *BridgeModule) contacts(ctx context.Context, req *Request) error {
	list := m.bridge.ListContacts()
	if len(list) == 0 {
		return req.Reply(ctx, "📞 No contacts found")
	}
	return req.Reply(ctx, "📞 <b>Contacts</b>\n\n"+formatContacts(list))
}

func (m *BridgeModule) searchContact(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return req.Reply(ctx, "❌ Usage: /searchcontact &lt;name or phone&gt;\nExample: /searchcontact John")
	}
	query := req.RawArgs()
	found := m.bridge.SearchContacts(query)
	if len(found) == 0 {
		return req.Reply(ctx, fmt.Sprintf("❌ No contacts found for \"%s\"", html.EscapeString(strings.ToLower(query))))
	}
	return req.Reply(ctx, "🔍 <b>Search Results</b>\n\n"+formatContacts(found))
}

func formatContacts(list []directory.Contact) string {
	lines := make([]string, 0, len(list))
	for _, c := range list {
		name := c.DisplayName
		if name == "" {
			name = "Unknown"
		}
		lines = append(lines, fmt.Sprintf("📱 %s (+%s)", html.EscapeString(name), html.EscapeString(c.Phone)))
	}
	return strings.Join(lines, "\n")
}

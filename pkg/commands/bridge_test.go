// Copyright 2024-2026 Aiku AI

package commands

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/aiku/watg-bridge/pkg/bridge"
	"github.com/aiku/watg-bridge/pkg/directory"
)

type fakeBridge struct {
	connected bool
	name      string
	counts    directory.Counts
	contacts  []directory.Contact
	sent      []string
	sendKey   bridge.MessageKey
	sendErr   error
	syncErr   error
	synced    int
}

func (f *fakeBridge) Connected() bool          { return f.connected }
func (f *fakeBridge) AccountName() string      { return f.name }
func (f *fakeBridge) Counts() directory.Counts { return f.counts }

func (f *fakeBridge) SendText(_ context.Context, conv, text string) (bridge.MessageKey, error) {
	f.sent = append(f.sent, conv+"|"+text)
	return f.sendKey, f.sendErr
}

func (f *fakeBridge) SyncContacts(context.Context) (int, error) {
	f.synced++
	return len(f.contacts), f.syncErr
}

func (f *fakeBridge) ListContacts() []directory.Contact { return f.contacts }

func (f *fakeBridge) SearchContacts(query string) []directory.Contact {
	var out []directory.Contact
	for _, c := range f.contacts {
		if strings.Contains(strings.ToLower(c.DisplayName), strings.ToLower(query)) {
			out = append(out, c)
		}
	}
	return out
}

func runCommand(t *testing.T, b *fakeBridge, text string) []string {
	t.Helper()
	rep := &fakeReplier{}
	r := NewRegistry(rep, nil, zerolog.Nop())
	if err := r.Register(NewBridgeModule(b)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !r.Dispatch(context.Background(), Request{ChatID: 1}, text) {
		t.Fatalf("%q not dispatched", text)
	}
	return rep.Texts()
}

func TestBridgeStartAndStatus(t *testing.T) {
	t.Parallel()
	b := &fakeBridge{connected: true, name: "Ann <3", counts: directory.Counts{Chats: 4, Users: 5, Contacts: 6}}

	start := runCommand(t, b, "/start")
	want := "🤖 <b>WhatsApp-Telegram Bridge</b>\n\nStatus: ✅ Ready\nLinked Chats: 4\nContacts: 6\nUsers: 5"
	if len(start) != 1 || start[0] != want {
		t.Errorf("start: got %q, want %q", start, want)
	}

	status := runCommand(t, b, "/status")
	want = "📊 <b>Bridge Status</b>\n\n🔗 WhatsApp: ✅ Connected\n👤 User: Ann &lt;3\n💬 Chats: 4\n👥 Users: 5\n📞 Contacts: 6"
	if len(status) != 1 || status[0] != want {
		t.Errorf("status: got %q, want %q", status, want)
	}

	b.connected, b.name = false, ""
	status = runCommand(t, b, "/status")
	if !strings.Contains(status[0], "❌ Disconnected") || !strings.Contains(status[0], "User: Unknown") {
		t.Errorf("disconnected status: %q", status[0])
	}
}

func TestBridgeSend(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		text    string
		key     bridge.MessageKey
		err     error
		want    string
		wantTo  string
		noSends bool
	}{
		{"usage", "/send 123", bridge.MessageKey{}, nil, "❌ Usage: /send &lt;number&gt; &lt;message&gt;\nExample: /send 1234567890 Hello!", "", true},
		{"ok", "/send +15551234567 hello there", bridge.MessageKey{ID: "X"}, nil, "✅ Message sent to +15551234567", "15551234567@s.whatsapp.net|hello there", false},
		{"group", "/send 1203@g.us hi", bridge.MessageKey{ID: "X"}, nil, "✅ Message sent to 1203@g.us", "1203@g.us|hi", false},
		{"no key", "/send 1 hi", bridge.MessageKey{}, nil, "⚠️ Message sent but no confirmation", "1@s.whatsapp.net|hi", false},
		{"error", "/send 1 hi", bridge.MessageKey{}, errors.New("not connected"), "❌ Error sending: not connected", "1@s.whatsapp.net|hi", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := &fakeBridge{sendKey: tt.key, sendErr: tt.err}
			got := runCommand(t, b, tt.text)
			if len(got) != 1 || got[0] != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
			if tt.noSends {
				if len(b.sent) != 0 {
					t.Errorf("sent %q", b.sent)
				}
				return
			}
			if len(b.sent) != 1 || b.sent[0] != tt.wantTo {
				t.Errorf("sent %q, want %q", b.sent, tt.wantTo)
			}
		})
	}
}

func TestBridgeSync(t *testing.T) {
	t.Parallel()
	b := &fakeBridge{counts: directory.Counts{Contacts: 12}}
	got := runCommand(t, b, "/sync")
	if len(got) != 2 || got[0] != "🔄 Syncing contacts..." || got[1] != "✅ Synced 12 contacts from WhatsApp" {
		t.Errorf("sync: %q", got)
	}

	b.syncErr = errors.New("not connected")
	got = runCommand(t, b, "/sync")
	if got[len(got)-1] != "❌ Failed to sync: not connected" {
		t.Errorf("sync failure: %q", got)
	}
}

func TestBridgeContacts(t *testing.T) {
	t.Parallel()
	b := &fakeBridge{}
	if got := runCommand(t, b, "/contacts"); got[0] != "📞 No contacts found" {
		t.Errorf("empty: %q", got)
	}

	b.contacts = []directory.Contact{
		{Phone: "15551234567", DisplayName: "Alice"},
		{Phone: "15557654321"},
	}
	want := "📞 <b>Contacts</b>\n\n📱 Alice (+15551234567)\n📱 Unknown (+15557654321)"
	if got := runCommand(t, b, "/contacts"); got[0] != want {
		t.Errorf("got %q, want %q", got[0], want)
	}
}

func TestBridgeSearchContact(t *testing.T) {
	t.Parallel()
	b := &fakeBridge{contacts: []directory.Contact{{Phone: "1", DisplayName: "John Smith"}, {Phone: "2", DisplayName: "Jane"}}}

	if got := runCommand(t, b, "/searchcontact"); !strings.HasPrefix(got[0], "❌ Usage: /searchcontact") {
		t.Errorf("usage: %q", got)
	}
	if got := runCommand(t, b, "/searchcontact john"); got[0] != "🔍 <b>Search Results</b>\n\n📱 John Smith (+1)" {
		t.Errorf("match: %q", got)
	}
	if got := runCommand(t, b, "/searchcontact Bob"); got[0] != `❌ No contacts found for "bob"` {
		t.Errorf("no match: %q", got)
	}
}

// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/aiku/watg-bridge/pkg/config"
	"github.com/aiku/watg-bridge/pkg/directory"
	"github.com/aiku/watg-bridge/pkg/store"
	"github.com/aiku/watg-bridge/pkg/wa"
)

func TestOnQRSendsCode(t *testing.T) {
	t.Parallel()
	tc := newTestConnector(t)
	tc.conn.qr[0](context.Background(), "2@abc,def")
	if len(tc.tg.qrs) != 1 || tc.tg.qrs[0] != "2@abc,def" {
		t.Errorf("qrs: %q", tc.tg.qrs)
	}
}

func TestOnOpen(t *testing.T) {
	t.Parallel()
	tc := newTestConnector(t, withAliceThread)
	tc.conn.setState(wa.StateOpen)
	tc.wa.contacts = []directory.Contact{{Phone: "15551234567", DisplayName: "Alice"}}

	tc.conn.open[0](context.Background())

	if got := tc.threads.Name(101); got != "Alice" {
		t.Errorf("contact sync did not run, thread name %q", got)
	}
	if len(tc.tg.commands) != 6 {
		t.Errorf("bot commands: got %d, want 6", len(tc.tg.commands))
	}
	if len(tc.tg.notices) != 1 {
		t.Fatalf("notices: %q", tc.tg.notices)
	}
	for _, want := range []string{"✅ WhatsApp: Connected", "👤 Account: Ann", "📞 Contacts: 1 synced", "💬 Chats: 1 mapped"} {
		if !strings.Contains(tc.tg.notices[0], want) {
			t.Errorf("start message missing %q: %q", want, tc.tg.notices[0])
		}
	}
	var titles []string
	for _, l := range tc.tg.Logs() {
		titles = append(titles, l.Title)
	}
	if got, want := strings.Join(titles, ","), "✅ Contact Sync Complete,🤖 WhatsApp Bot Connected"; got != want {
		t.Errorf("logs: got %q, want %q", got, want)
	}
}

func TestOnOpenContinuesAfterSyncFailure(t *testing.T) {
	t.Parallel()
	tc := newTestConnector(t)
	// Disconnected, so the sync fails.
	tc.conn.open[0](context.Background())
	if len(tc.tg.commands) != 6 || len(tc.tg.notices) != 1 {
		t.Errorf("commands=%d notices=%d", len(tc.tg.commands), len(tc.tg.notices))
	}
}

func TestStartMessageEscapesAccount(t *testing.T) {
	t.Parallel()
	tc := newTestConnector(t)
	tc.wa.name = "<Ann>"
	if msg := tc.startMessage(); !strings.Contains(msg, "👤 Account: &lt;Ann&gt;") {
		t.Errorf("start message: %q", msg)
	}
	tc.wa.name = ""
	if msg := tc.startMessage(); !strings.Contains(msg, "👤 Account: Unknown") {
		t.Errorf("start message: %q", msg)
	}
}

func TestOnStateChangeMetrics(t *testing.T) {
	t.Parallel()
	tc := newTestConnector(t)

	tc.conn.setState(wa.StateOpen)
	if got := testutil.ToFloat64(tc.metrics.ConnectionState); got != float64(wa.StateOpen) {
		t.Errorf("state gauge: got %v, want %v", got, float64(wa.StateOpen))
	}
	tc.conn.setState(wa.StateReconnecting)
	tc.conn.setState(wa.StateConnecting)
	tc.conn.setState(wa.StateReconnecting)
	if got := testutil.ToFloat64(tc.metrics.Reconnects); got != 2 {
		t.Errorf("reconnects: got %v, want 2", got)
	}
	if len(tc.tg.Logs()) != 0 {
		t.Errorf("logs: %+v", tc.tg.Logs())
	}

	tc.conn.setState(wa.StatePermanentlyClosed)
	logs := tc.tg.Logs()
	if len(logs) != 1 || logs[0].Title != "❌ WhatsApp Disconnected" {
		t.Errorf("logs: %+v", logs)
	}
}

func TestLogout(t *testing.T) {
	t.Parallel()
	tc := newTestConnector(t)
	if err := tc.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if tc.conn.logouts != 1 {
		t.Errorf("logouts: got %d, want 1", tc.conn.logouts)
	}
}

func TestLogoutAccountWithoutTelegram(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("no stored session", func(mt *mtest.T) {
		dir := filepath.Join(t.TempDir(), "auth")
		if err := os.MkdirAll(dir, 0o700); err != nil {
			mt.Fatalf("MkdirAll: %v", err)
		}
		// No bot token or chat: logout must not need Telegram.
		cfg := &config.Config{Session: config.SessionConfig{Dir: dir}}
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, mt.DB.Name()+"."+store.CollectionAuth, mtest.FirstBatch),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}),
		)

		db := store.NewWithDatabase(mt.DB, zerolog.Nop())
		if err := logoutAccount(context.Background(), cfg, db, zerolog.Nop()); err != nil {
			mt.Fatalf("logoutAccount: %v", err)
		}
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			mt.Errorf("session dir should be removed, stat err = %v", err)
		}
	})
}

// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/watg-bridge/pkg/bridge"
	"github.com/aiku/watg-bridge/pkg/config"
	"github.com/aiku/watg-bridge/pkg/directory"
	"github.com/aiku/watg-bridge/pkg/tg"
	"github.com/aiku/watg-bridge/pkg/wa"
)

const testChatID = int64(-1001234567890)

// events is a shared, ordered log of calls across fakes.
type events struct {
	mu   sync.Mutex
	list []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	e.list = append(e.list, s)
	e.mu.Unlock()
}

func (e *events) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.list...)
}

type fakeConn struct {
	state    atomic.Int32
	attempts int
	runErr   error
	log      *events

	mu      sync.Mutex
	qr      []wa.QRFunc
	open    []wa.OpenFunc
	changes []wa.StateFunc
	logouts int
}

func (f *fakeConn) Run(ctx context.Context) error {
	if f.runErr != nil {
		f.log.add("conn failed")
		return f.runErr
	}
	<-ctx.Done()
	f.log.add("conn stopped")
	return nil
}

func (f *fakeConn) State() wa.State { return wa.State(f.state.Load()) }
func (f *fakeConn) Attempts() int   { return f.attempts }

func (f *fakeConn) setState(s wa.State) {
	f.state.Store(int32(s))
	f.mu.Lock()
	fns := append([]wa.StateFunc(nil), f.changes...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (f *fakeConn) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	return nil
}

func (f *fakeConn) OnQR(fn wa.QRFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.qr = append(f.qr, fn)
}

func (f *fakeConn) OnOpen(fn wa.OpenFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = append(f.open, fn)
}

func (f *fakeConn) OnStateChange(fn wa.StateFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, fn)
}

type fakeWhatsApp struct {
	mu       sync.Mutex
	handlers wa.Handlers
	contacts []directory.Contact
	err      error
	reads    int
	name     string
}

func (f *fakeWhatsApp) SetHandlers(h wa.Handlers) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = h
}

func (f *fakeWhatsApp) Contacts(context.Context) ([]directory.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return append([]directory.Contact(nil), f.contacts...), f.err
}

func (f *fakeWhatsApp) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func (f *fakeWhatsApp) AccountName() string { return f.name }

type logEntry struct {
	Title   string
	Message string
}

type fakeTelegram struct {
	mu       sync.Mutex
	replies  []string
	logs     []logEntry
	notices  []string
	qrs      []string
	commands []tg.Command
	username string
}

func (f *fakeTelegram) ReplyText(_ context.Context, _ int64, _, _ int, text string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, text)
	return len(f.replies), nil
}

func (f *fakeTelegram) Listen(ctx context.Context, _ tg.MessageHandler) error {
	<-ctx.Done()
	return nil
}

func (f *fakeTelegram) SendQR(_ context.Context, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.qrs = append(f.qrs, payload)
	return nil
}

func (f *fakeTelegram) LogToChannel(_ context.Context, title, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, logEntry{title, message})
	return nil
}

func (f *fakeTelegram) NotifyOwner(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, text)
	return nil
}

func (f *fakeTelegram) SetCommands(_ context.Context, cmds []tg.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = cmds
	return nil
}

func (f *fakeTelegram) Username(context.Context) (string, error) {
	return f.username, nil
}

func (f *fakeTelegram) Logs() []logEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]logEntry(nil), f.logs...)
}

func (f *fakeTelegram) Replies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.replies...)
}

// fakeRelay runs handlers inline and records what reached it.
type fakeRelay struct {
	log *events

	mu       sync.Mutex
	closed   bool
	inbound  []*bridge.Inbound
	telegram []*bridge.TelegramMessage
	contacts []string
	pushes   []string
	pictures []string
	sent     []string
	sendKey  bridge.MessageKey
	sendErr  error
}

func (f *fakeRelay) Go(fn func(ctx context.Context)) error {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return bridge.ErrShuttingDown
	}
	fn(context.Background())
	return nil
}

func (f *fakeRelay) HandleWhatsApp(_ context.Context, in *bridge.Inbound) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbound = append(f.inbound, in)
}

func (f *fakeRelay) HandleTelegram(_ context.Context, msg *bridge.TelegramMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.telegram = append(f.telegram, msg)
}

func (f *fakeRelay) HandleContactUpdate(_ context.Context, phone, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contacts = append(f.contacts, phone+"="+name)
}

func (f *fakeRelay) HandlePushName(_ context.Context, participantID, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, participantID+"="+name)
}

func (f *fakeRelay) RefreshProfilePicture(_ context.Context, conv string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pictures = append(f.pictures, conv)
	return nil
}

func (f *fakeRelay) SendToConversation(_ context.Context, conv, text string) (bridge.MessageKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, conv+"|"+text)
	return f.sendKey, f.sendErr
}

func (f *fakeRelay) Shutdown(context.Context) error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.log.add("pipeline shutdown")
	return nil
}

type fakeSessions struct {
	log *events
}

func (f *fakeSessions) RunSaver(ctx context.Context, _ time.Duration) {
	<-ctx.Done()
}

func (f *fakeSessions) Save(context.Context) error {
	f.log.add("session saved")
	return nil
}

// memStore is an in-memory directory.Store.
type memStore struct {
	mu       sync.Mutex
	chats    []directory.ChatMapping
	contacts map[string]directory.Contact
}

func (s *memStore) LoadChats(context.Context) ([]directory.ChatMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]directory.ChatMapping(nil), s.chats...), nil
}

func (s *memStore) LoadUsers(context.Context) ([]directory.UserProfile, error) { return nil, nil }

func (s *memStore) LoadContacts(context.Context) ([]directory.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []directory.Contact
	for _, c := range s.contacts {
		out = append(out, c)
	}
	return out, nil
}

func (s *memStore) SaveChat(_ context.Context, chat directory.ChatMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats = append(s.chats, chat)
	return nil
}

func (s *memStore) DeleteChat(context.Context, string) error              { return nil }
func (s *memStore) SaveUser(context.Context, directory.UserProfile) error { return nil }

func (s *memStore) SaveContacts(_ context.Context, cs []directory.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.contacts == nil {
		s.contacts = make(map[string]directory.Contact)
	}
	for _, c := range cs {
		s.contacts[c.Phone] = c
	}
	return nil
}

// fakeThreads records renames.
type fakeThreads struct {
	mu    sync.Mutex
	names map[int]string
}

func (f *fakeThreads) CreateThread(context.Context, string, int) (int, error) { return 500, nil }
func (f *fakeThreads) ThreadExists(context.Context, int) (bool, error)        { return true, nil }

func (f *fakeThreads) RenameThread(_ context.Context, id int, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.names == nil {
		f.names = make(map[int]string)
	}
	f.names[id] = name
	return nil
}

func (f *fakeThreads) Name(id int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.names[id]
}

type testConnector struct {
	*Connector
	conn     *fakeConn
	wa       *fakeWhatsApp
	tg       *fakeTelegram
	relay    *fakeRelay
	store    *memStore
	threads  *fakeThreads
	sessions *fakeSessions
	events   *events
}

func newTestConnector(t *testing.T, mutate ...func(*config.Config, *memStore)) *testConnector {
	t.Helper()
	cfg := &config.Config{
		Telegram: config.TelegramConfig{
			ChatID:   testChatID,
			OwnerID:  1001,
			Features: config.Features{Topics: true, ProfilePicSync: true, BiDirectional: true},
		},
		Bridge: config.BridgeConfig{ShutdownGrace: 50 * time.Millisecond},
	}
	st := &memStore{}
	for _, m := range mutate {
		m(cfg, st)
	}

	ev := &events{}
	tc := &testConnector{
		conn:     &fakeConn{log: ev},
		wa:       &fakeWhatsApp{name: "Ann"},
		tg:       &fakeTelegram{username: "WatgBot"},
		relay:    &fakeRelay{log: ev},
		store:    st,
		threads:  &fakeThreads{},
		sessions: &fakeSessions{log: ev},
		events:   ev,
	}
	dir := directory.New(st, tc.threads, zerolog.Nop(), directory.Options{})
	if err := dir.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	tc.Connector = &Connector{
		Config:   cfg,
		Log:      zerolog.Nop(),
		sessions: tc.sessions,
		conn:     tc.conn,
		wa:       tc.wa,
		tg:       tc.tg,
		dir:      dir,
		pipeline: tc.relay,
	}
	if err := tc.init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return tc
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

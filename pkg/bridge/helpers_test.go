// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/watg-bridge/pkg/config"
	"github.com/aiku/watg-bridge/pkg/directory"
	"github.com/aiku/watg-bridge/pkg/media"
	"github.com/aiku/watg-bridge/pkg/metrics"
)

const (
	alice      = "15551234567@s.whatsapp.net"
	bob        = "15557654321@s.whatsapp.net"
	ownerPhone = "15550000000"
	testGroup  = "120363000000000001@g.us"
	testChatID = int64(-1001234567890)
)

// memStore is an in-memory directory.Store.
type memStore struct {
	mu       sync.Mutex
	chats    map[string]directory.ChatMapping
	users    map[string]directory.UserProfile
	contacts map[string]directory.Contact
}

func newMemStore() *memStore {
	return &memStore{
		chats:    make(map[string]directory.ChatMapping),
		users:    make(map[string]directory.UserProfile),
		contacts: make(map[string]directory.Contact),
	}
}

func (s *memStore) LoadChats(context.Context) ([]directory.ChatMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []directory.ChatMapping
	for _, c := range s.chats {
		out = append(out, c)
	}
	return out, nil
}

func (s *memStore) LoadUsers(context.Context) ([]directory.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []directory.UserProfile
	for _, u := range s.users {
		out = append(out, u)
	}
	return out, nil
}

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
	s.chats[chat.ConversationID] = chat
	return nil
}

func (s *memStore) DeleteChat(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chats, id)
	return nil
}

func (s *memStore) SaveUser(_ context.Context, user directory.UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ParticipantID] = user
	return nil
}

func (s *memStore) SaveContacts(_ context.Context, contacts []directory.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range contacts {
		s.contacts[c.Phone] = c
	}
	return nil
}

type sentText struct {
	ThreadID int
	Text     string
}

type sentUpload struct {
	ThreadID int
	Upload   Upload
}

type sentReply struct {
	ThreadID int
	ReplyTo  int
	Text     string
}

// fakeTelegram implements Telegram and directory.Threads the way the Bot
// API client does, recording every call.
type fakeTelegram struct {
	mu        sync.Mutex
	nextMsg   int
	nextTopic int

	created   []string
	renamed   map[int]string
	gone      map[int]bool
	texts     []sentText
	uploads   []sentUpload
	locations []int
	contacts  []ContactCard
	replies   []sentReply
	pins      []int
	reactions map[int]string
	files     map[string][]byte

	// uploadErr rejects uploads of the given kinds.
	uploadErr map[Kind]error
	onSend    func(text string)
}

func newFakeTelegram() *fakeTelegram {
	return &fakeTelegram{
		nextMsg:   1000,
		nextTopic: 100,
		renamed:   make(map[int]string),
		gone:      make(map[int]bool),
		reactions: make(map[int]string),
		files:     make(map[string][]byte),
		uploadErr: make(map[Kind]error),
	}
}

func (f *fakeTelegram) msgID() int {
	f.nextMsg++
	return f.nextMsg
}

func (f *fakeTelegram) CreateThread(_ context.Context, name string, _ int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTopic++
	f.created = append(f.created, name)
	return f.nextTopic, nil
}

func (f *fakeTelegram) ThreadExists(_ context.Context, threadID int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.gone[threadID], nil
}

func (f *fakeTelegram) RenameThread(_ context.Context, threadID int, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renamed[threadID] = name
	return nil
}

func (f *fakeTelegram) checkThread(threadID int) error {
	if f.gone[threadID] {
		return fmt.Errorf("%w: Bad Request", ErrThreadNotFound)
	}
	return nil
}

func (f *fakeTelegram) SendText(_ context.Context, threadID int, text string, _ bool) (int, error) {
	f.mu.Lock()
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		hook(text)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkThread(threadID); err != nil {
		return 0, err
	}
	f.texts = append(f.texts, sentText{threadID, text})
	return f.msgID(), nil
}

func (f *fakeTelegram) SendUpload(_ context.Context, threadID int, up *Upload) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkThread(threadID); err != nil {
		return 0, err
	}
	if err := f.uploadErr[up.Kind]; err != nil {
		return 0, err
	}
	f.uploads = append(f.uploads, sentUpload{threadID, *up})
	return f.msgID(), nil
}

func (f *fakeTelegram) SendLocation(_ context.Context, threadID int, _ *Location) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locations = append(f.locations, threadID)
	return f.msgID(), nil
}

func (f *fakeTelegram) SendContact(_ context.Context, _ int, card *ContactCard) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contacts = append(f.contacts, *card)
	return f.msgID(), nil
}

func (f *fakeTelegram) ReplyText(_ context.Context, _ int64, threadID, replyTo int, text string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, sentReply{threadID, replyTo, text})
	return f.msgID(), nil
}

func (f *fakeTelegram) Pin(_ context.Context, messageID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pins = append(f.pins, messageID)
	return nil
}

func (f *fakeTelegram) React(_ context.Context, _ int64, messageID int, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions[messageID] = emoji
	return nil
}

func (f *fakeTelegram) Download(_ context.Context, fileID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[fileID]
	if !ok {
		return nil, errors.New("file not found")
	}
	return data, nil
}

func (f *fakeTelegram) Texts() []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentText(nil), f.texts...)
}

func (f *fakeTelegram) Uploads() []sentUpload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentUpload(nil), f.uploads...)
}

func (f *fakeTelegram) Created() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.created...)
}

func (f *fakeTelegram) Reaction(messageID int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reactions[messageID]
}

type sentOutbound struct {
	To  string
	Out Outbound
}

type markedRead struct {
	Chat string
	Keys []MessageKey
}

// fakeWhatsApp records sends and receipts.
type fakeWhatsApp struct {
	mu      sync.Mutex
	own     string
	sends   []sentOutbound
	reads   []markedRead
	typing  []bool
	sendErr error
	media   map[string][]byte
	groups  map[string]*GroupInfo
	picture []byte
}

func newFakeWhatsApp() *fakeWhatsApp {
	return &fakeWhatsApp{
		own:    ownerPhone + "@s.whatsapp.net",
		media:  make(map[string][]byte),
		groups: make(map[string]*GroupInfo),
	}
}

func (f *fakeWhatsApp) OwnID() string { return f.own }

func (f *fakeWhatsApp) Download(_ context.Context, att *Attachment) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, _ := att.Source.(string)
	data, ok := f.media[key]
	if !ok {
		return nil, errors.New("media expired")
	}
	return data, nil
}

func (f *fakeWhatsApp) Send(_ context.Context, to string, out *Outbound) (MessageKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return MessageKey{}, f.sendErr
	}
	f.sends = append(f.sends, sentOutbound{to, *out})
	return MessageKey{Chat: to, ID: fmt.Sprintf("OUT%d", len(f.sends)), FromMe: true}, nil
}

func (f *fakeWhatsApp) MarkRead(_ context.Context, chat string, keys []MessageKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, markedRead{chat, append([]MessageKey(nil), keys...)})
	return nil
}

func (f *fakeWhatsApp) SetTyping(_ context.Context, _ string, typing bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, typing)
	return nil
}

func (f *fakeWhatsApp) GroupInfo(_ context.Context, jid string) (*GroupInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.groups[jid]
	if !ok {
		return nil, errors.New("not a participant")
	}
	return info, nil
}

func (f *fakeWhatsApp) ProfilePicture(context.Context, string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.picture, nil
}

func (f *fakeWhatsApp) Sends() []sentOutbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentOutbound(nil), f.sends...)
}

func (f *fakeWhatsApp) Reads() []markedRead {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]markedRead(nil), f.reads...)
}

// copyConvert stands in for ffmpeg: it writes "<ext>:" followed by the
// input bytes next to the input file.
func copyConvert(_ context.Context, input, ext string, _, _ []string) (string, error) {
	data, err := os.ReadFile(input)
	if err != nil {
		return "", err
	}
	out := strings.TrimSuffix(input, ".bin") + ".out" + ext
	return out, os.WriteFile(out, append([]byte(ext+":"), data...), 0o600)
}

func failConvert(context.Context, string, string, []string, []string) (string, error) {
	return "", errors.New("ffmpeg exploded")
}

func allFeatures() config.Features {
	return config.Features{
		Topics:           true,
		MediaSync:        true,
		ProfilePicSync:   true,
		CallLogs:         true,
		StatusSync:       true,
		BiDirectional:    true,
		PresenceUpdates:  true,
		ReadReceipts:     true,
		AnimatedStickers: true,
	}
}

type testEnv struct {
	p     *Pipeline
	wa    *fakeWhatsApp
	tg    *fakeTelegram
	dir   *directory.Directory
	store *memStore
	media *media.Transcoder
}

func newTestEnv(t *testing.T, modify ...func(*Options)) *testEnv {
	t.Helper()
	opts := Options{
		Features:         allFeatures(),
		OwnerPhone:       ownerPhone,
		ReadReceiptDelay: time.Hour,
		ShutdownGrace:    time.Second,
		MediaTimeout:     time.Second,
	}
	for _, fn := range modify {
		fn(&opts)
	}
	env := &testEnv{wa: newFakeWhatsApp(), tg: newFakeTelegram(), store: newMemStore()}
	env.dir = directory.New(env.store, env.tg, zerolog.Nop(), directory.Options{})
	tc, err := media.NewTranscoder(t.TempDir(), 2, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewTranscoder: %v", err)
	}
	tc.SetConverter(copyConvert)
	env.media = tc
	env.p = New(env.wa, env.tg, env.dir, tc, metrics.Nop(), opts, zerolog.Nop())
	env.p.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC) }
	t.Cleanup(func() { _ = env.p.Shutdown(context.Background()) })
	return env
}

func textFrom(chat, participant, text string) *Inbound {
	return &Inbound{
		Key:      MessageKey{Chat: chat, ID: "M" + text, Participant: participant},
		PushName: "Alice",
		Content:  KindText,
		Text:     text,
	}
}

// Copyright 2024-2026 Aiku AI

// Package directory maps WhatsApp conversations to Telegram forum threads
// and keeps the user and contact tables used to label them.
//
// All reads are served from memory. Mutations are written to the Store
// first and applied to memory only once the write succeeded, so the cache
// never holds state the store does not.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ChatMapping links one conversation to its thread.
type ChatMapping struct {
	ConversationID string    `bson:"conversation_id" json:"conversation_id"`
	ThreadID       int       `bson:"thread_id" json:"thread_id"`
	CreatedAt      time.Time `bson:"created_at" json:"created_at"`
	LastActivity   time.Time `bson:"last_activity" json:"last_activity"`
}

// UserProfile describes a participant seen in any conversation.
type UserProfile struct {
	ParticipantID string    `bson:"participant_id" json:"participant_id"`
	DisplayName   string    `bson:"display_name,omitempty" json:"display_name,omitempty"`
	Phone         string    `bson:"phone" json:"phone"`
	FirstSeen     time.Time `bson:"first_seen" json:"first_seen"`
	LastSeen      time.Time `bson:"last_seen" json:"last_seen"`
	MessageCount  int64     `bson:"message_count" json:"message_count"`
}

// Contact is an address book entry keyed by phone number.
type Contact struct {
	Phone       string    `bson:"phone" json:"phone"`
	DisplayName string    `bson:"display_name" json:"display_name"`
	UpdatedAt   time.Time `bson:"updated_at" json:"updated_at"`
}

// UserFields are the mutable profile fields. Empty values leave the stored
// value unchanged.
type UserFields struct {
	DisplayName string
	Phone       string
}

// Counts summarises the directory size.
type Counts struct {
	Chats    int `json:"chats"`
	Users    int `json:"users"`
	Contacts int `json:"contacts"`
}

// Store is the persistent backing of the directory.
type Store interface {
	LoadChats(ctx context.Context) ([]ChatMapping, error)
	LoadUsers(ctx context.Context) ([]UserProfile, error)
	LoadContacts(ctx context.Context) ([]Contact, error)
	SaveChat(ctx context.Context, chat ChatMapping) error
	DeleteChat(ctx context.Context, conversationID string) error
	SaveUser(ctx context.Context, user UserProfile) error
	SaveContacts(ctx context.Context, contacts []Contact) error
}

// Threads creates and probes forum threads.
type Threads interface {
	CreateThread(ctx context.Context, name string, iconColor int) (int, error)
	ThreadExists(ctx context.Context, threadID int) (bool, error)
	RenameThread(ctx context.Context, threadID int, name string) error
}

// ThreadCreatedFunc runs after a new mapping was persisted and before
// GetOrCreateThread returns it.
type ThreadCreatedFunc func(ctx context.Context, conversationID string, threadID int, seed Seed)

type Options struct {
	// VerifyTTL bounds how long a positive thread check is trusted.
	VerifyTTL time.Duration
	// OnThreadCreated is optional.
	OnThreadCreated ThreadCreatedFunc
}

var ErrNoMapping = errors.New("no thread mapped to conversation")

// Directory is the owned mapping service.
type Directory struct {
	store   Store
	threads Threads
	log     zerolog.Logger
	opts    Options

	mu       sync.RWMutex
	chats    map[string]ChatMapping
	byThread map[int]string
	users    map[string]UserProfile
	contacts map[string]Contact

	create   singleflight.Group
	writes   keyedMutex
	verified *cache.Cache

	now func() time.Time
}

func New(store Store, threads Threads, log zerolog.Logger, opts Options) *Directory {
	if opts.VerifyTTL <= 0 {
		opts.VerifyTTL = 5 * time.Minute
	}
	return &Directory{
		store:    store,
		threads:  threads,
		log:      log.With().Str("component", "directory").Logger(),
		opts:     opts,
		chats:    make(map[string]ChatMapping),
		byThread: make(map[int]string),
		users:    make(map[string]UserProfile),
		contacts: make(map[string]Contact),
		verified: cache.New(opts.VerifyTTL, 2*opts.VerifyTTL),
		now:      time.Now,
	}
}

// SetThreadCreatedHook replaces the OnThreadCreated option. It must be
// called before the directory is shared.
func (d *Directory) SetThreadCreatedHook(fn ThreadCreatedFunc) {
	d.opts.OnThreadCreated = fn
}

// Load hydrates the cache from the store, replacing anything already cached.
func (d *Directory) Load(ctx context.Context) error {
	chats, err := d.store.LoadChats(ctx)
	if err != nil {
		return fmt.Errorf("failed to load chat mappings: %w", err)
	}
	users, err := d.store.LoadUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to load user profiles: %w", err)
	}
	contacts, err := d.store.LoadContacts(ctx)
	if err != nil {
		return fmt.Errorf("failed to load contacts: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.chats = make(map[string]ChatMapping, len(chats))
	d.byThread = make(map[int]string, len(chats))
	for _, c := range chats {
		d.chats[c.ConversationID] = c
		d.byThread[c.ThreadID] = c.ConversationID
	}
	d.users = make(map[string]UserProfile, len(users))
	for _, u := range users {
		d.users[u.ParticipantID] = u
	}
	d.contacts = make(map[string]Contact, len(contacts))
	for _, c := range contacts {
		d.contacts[c.Phone] = c
	}
	d.log.Info().
		Int("chats", len(chats)).
		Int("users", len(users)).
		Int("contacts", len(contacts)).
		Msg("Loaded directory")
	return nil
}

// GetOrCreateThread returns the live thread for a conversation, creating it
// when no mapping exists or the mapped thread has disappeared. Concurrent
// calls for the same conversation share a single creation.
func (d *Directory) GetOrCreateThread(ctx context.Context, conversationID string, seed Seed) (int, error) {
	v, err, _ := d.create.Do(conversationID, func() (any, error) {
		return d.getOrCreateThread(ctx, conversationID, seed)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (d *Directory) getOrCreateThread(ctx context.Context, conversationID string, seed Seed) (int, error) {
	threadID, created, err := d.ensureThread(ctx, conversationID, seed)
	if err != nil || !created {
		return threadID, err
	}
	if d.opts.OnThreadCreated != nil {
		d.opts.OnThreadCreated(ctx, conversationID, threadID, seed)
	}
	return threadID, nil
}

// ensureThread verifies or replaces the mapping while holding the
// conversation's write lock, so an activity update cannot persist a mapping
// that was replaced underneath it.
func (d *Directory) ensureThread(ctx context.Context, conversationID string, seed Seed) (threadID int, created bool, err error) {
	unlock := d.writes.Lock("chat:" + conversationID)
	defer unlock()
	log := d.log.With().Str("conversation_id", conversationID).Logger()

	if mapping, ok := d.ThreadFor(conversationID); ok {
		alive, err := d.verifyThread(ctx, mapping.ThreadID)
		if err != nil {
			return 0, false, fmt.Errorf("failed to verify thread %d: %w", mapping.ThreadID, err)
		}
		if alive {
			return mapping.ThreadID, false, nil
		}
		log.Warn().Int("thread_id", mapping.ThreadID).Msg("Mapped thread is gone, recreating")
		if err := d.deleteChat(ctx, mapping); err != nil {
			return 0, false, err
		}
	}

	spec := ThreadSpecFor(conversationID, seed, d.ContactName(PhoneOf(conversationID)))
	threadID, err = d.threads.CreateThread(ctx, spec.Name, spec.IconColor)
	if err != nil {
		return 0, false, fmt.Errorf("failed to create thread: %w", err)
	}
	now := d.now()
	mapping := ChatMapping{
		ConversationID: conversationID,
		ThreadID:       threadID,
		CreatedAt:      now,
		LastActivity:   now,
	}
	if err := d.store.SaveChat(ctx, mapping); err != nil {
		log.Error().Err(err).Int("thread_id", threadID).Msg("Created thread but failed to persist mapping")
		return 0, false, fmt.Errorf("failed to save chat mapping: %w", err)
	}
	d.mu.Lock()
	d.chats[conversationID] = mapping
	d.byThread[threadID] = conversationID
	d.mu.Unlock()
	d.verified.SetDefault(strconv.Itoa(threadID), true)

	log.Info().Int("thread_id", threadID).Str("name", spec.Name).Msg("Created thread")
	return threadID, true, nil
}

func (d *Directory) verifyThread(ctx context.Context, threadID int) (bool, error) {
	key := strconv.Itoa(threadID)
	if _, ok := d.verified.Get(key); ok {
		return true, nil
	}
	alive, err := d.threads.ThreadExists(ctx, threadID)
	if err != nil {
		return false, err
	}
	if alive {
		d.verified.SetDefault(key, true)
	}
	return alive, nil
}

func (d *Directory) deleteChat(ctx context.Context, mapping ChatMapping) error {
	if err := d.store.DeleteChat(ctx, mapping.ConversationID); err != nil {
		return fmt.Errorf("failed to delete stale mapping: %w", err)
	}
	d.mu.Lock()
	delete(d.chats, mapping.ConversationID)
	if d.byThread[mapping.ThreadID] == mapping.ConversationID {
		delete(d.byThread, mapping.ThreadID)
	}
	d.mu.Unlock()
	d.verified.Delete(strconv.Itoa(mapping.ThreadID))
	return nil
}

// MarkThreadMissing drops a cached verification so the next
// GetOrCreateThread probes the thread again. Callers use it when a send
// reports the thread as deleted.
func (d *Directory) MarkThreadMissing(threadID int) {
	d.verified.Delete(strconv.Itoa(threadID))
}

// ThreadFor returns the cached mapping for a conversation without verifying
// the thread.
func (d *Directory) ThreadFor(conversationID string) (ChatMapping, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.chats[conversationID]
	return m, ok
}

// FindConversationByThread resolves the conversation routed to a thread.
func (d *Directory) FindConversationByThread(threadID int) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if id, ok := d.byThread[threadID]; ok {
		return id, true
	}
	for id, m := range d.chats {
		if m.ThreadID == threadID {
			return id, true
		}
	}
	return "", false
}

// TouchConversation records activity on a mapped conversation.
func (d *Directory) TouchConversation(ctx context.Context, conversationID string) error {
	unlock := d.writes.Lock("chat:" + conversationID)
	defer unlock()

	mapping, ok := d.ThreadFor(conversationID)
	if !ok {
		return ErrNoMapping
	}
	mapping.LastActivity = d.now()
	if err := d.store.SaveChat(ctx, mapping); err != nil {
		d.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("Failed to update last activity")
		return fmt.Errorf("failed to save chat mapping: %w", err)
	}
	d.mu.Lock()
	// The mapping may have been replaced while the write was in flight.
	if cur, ok := d.chats[conversationID]; ok && cur.ThreadID == mapping.ThreadID {
		d.chats[conversationID] = mapping
	}
	d.mu.Unlock()
	return nil
}

// Chats returns a snapshot of all mappings ordered by conversation ID.
func (d *Directory) Chats() []ChatMapping {
	d.mu.RLock()
	out := make([]ChatMapping, 0, len(d.chats))
	for _, c := range d.chats {
		out = append(out, c)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out
}

// UpsertUserProfile merges fields into the participant's profile.
func (d *Directory) UpsertUserProfile(ctx context.Context, participantID string, fields UserFields) (UserProfile, error) {
	return d.updateUser(ctx, participantID, fields, false)
}

// RecordMessage upserts the sender's profile and bumps its message count.
func (d *Directory) RecordMessage(ctx context.Context, participantID string, fields UserFields) (UserProfile, error) {
	return d.updateUser(ctx, participantID, fields, true)
}

func (d *Directory) updateUser(ctx context.Context, participantID string, fields UserFields, countMessage bool) (UserProfile, error) {
	unlock := d.writes.Lock("user:" + participantID)
	defer unlock()

	d.mu.RLock()
	prev, exists := d.users[participantID]
	d.mu.RUnlock()

	now := d.now()
	next := prev
	if !exists {
		next = UserProfile{
			ParticipantID: participantID,
			Phone:         PhoneOf(participantID),
			FirstSeen:     now,
		}
	}
	if fields.DisplayName != "" {
		next.DisplayName = fields.DisplayName
	}
	if fields.Phone != "" {
		next.Phone = fields.Phone
	}
	if countMessage {
		next.MessageCount++
		next.LastSeen = now
	}
	if exists && next == prev {
		return prev, nil
	}

	if err := d.store.SaveUser(ctx, next); err != nil {
		d.log.Warn().Err(err).Str("participant_id", participantID).Msg("Failed to persist user profile")
		return prev, fmt.Errorf("failed to save user profile: %w", err)
	}
	d.mu.Lock()
	d.users[participantID] = next
	d.mu.Unlock()
	return next, nil
}

// User returns the cached profile for a participant.
func (d *Directory) User(participantID string) (UserProfile, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[participantID]
	return u, ok
}

// UpsertContact stores a single contact name.
func (d *Directory) UpsertContact(ctx context.Context, phone, name string) error {
	_, err := d.UpsertContacts(ctx, []Contact{{Phone: phone, DisplayName: name}})
	return err
}

// UpsertContacts stores a batch of contacts and returns how many changed.
// Entries whose name is unchanged are skipped. The batch is written as a
// whole; on failure none of it reaches the cache.
func (d *Directory) UpsertContacts(ctx context.Context, contacts []Contact) (int, error) {
	unlock := d.writes.Lock("contacts")
	defer unlock()

	now := d.now()
	changed := make([]Contact, 0, len(contacts))
	seen := make(map[string]int, len(contacts))
	d.mu.RLock()
	for _, c := range contacts {
		c.Phone = strings.TrimPrefix(PhoneOf(c.Phone), "+")
		c.DisplayName = strings.TrimSpace(c.DisplayName)
		if c.Phone == "" || c.DisplayName == "" {
			continue
		}
		if cur, ok := d.contacts[c.Phone]; ok && cur.DisplayName == c.DisplayName {
			continue
		}
		c.UpdatedAt = now
		// Last write wins inside a batch too.
		if idx, dup := seen[c.Phone]; dup {
			changed[idx] = c
			continue
		}
		seen[c.Phone] = len(changed)
		changed = append(changed, c)
	}
	d.mu.RUnlock()

	if len(changed) == 0 {
		return 0, nil
	}
	if err := d.store.SaveContacts(ctx, changed); err != nil {
		d.log.Warn().Err(err).Int("count", len(changed)).Msg("Failed to persist contacts")
		return 0, fmt.Errorf("failed to save contacts: %w", err)
	}
	d.mu.Lock()
	for _, c := range changed {
		d.contacts[c.Phone] = c
	}
	d.mu.Unlock()
	return len(changed), nil
}

// ContactName returns the address book name for a phone number.
func (d *Directory) ContactName(phone string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.contacts[phone].DisplayName
}

// DisplayName resolves the best label for a participant: the address book
// name, then the profile name, then the push name, then +phone.
func (d *Directory) DisplayName(participantID, pushName string) string {
	phone := PhoneOf(participantID)
	if name := d.ContactName(phone); name != "" {
		return name
	}
	if u, ok := d.User(participantID); ok && u.DisplayName != "" {
		return u.DisplayName
	}
	if pushName != "" {
		return pushName
	}
	return "+" + phone
}

// ListContacts returns all contacts sorted by name, then phone.
func (d *Directory) ListContacts() []Contact {
	d.mu.RLock()
	out := make([]Contact, 0, len(d.contacts))
	for _, c := range d.contacts {
		out = append(out, c)
	}
	d.mu.RUnlock()
	sortContacts(out)
	return out
}

// SearchContacts matches query case-insensitively against names and as a
// substring of phone numbers.
func (d *Directory) SearchContacts(query string) []Contact {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	d.mu.RLock()
	var out []Contact
	for _, c := range d.contacts {
		if strings.Contains(strings.ToLower(c.DisplayName), q) || strings.Contains(c.Phone, q) {
			out = append(out, c)
		}
	}
	d.mu.RUnlock()
	sortContacts(out)
	return out
}

func sortContacts(cs []Contact) {
	sort.Slice(cs, func(i, j int) bool {
		a, b := strings.ToLower(cs[i].DisplayName), strings.ToLower(cs[j].DisplayName)
		if a != b {
			return a < b
		}
		return cs[i].Phone < cs[j].Phone
	})
}

// Counts reports the number of cached chats, users and contacts.
func (d *Directory) Counts() Counts {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Counts{Chats: len(d.chats), Users: len(d.users), Contacts: len(d.contacts)}
}

// RenameThreadForContact renames the direct-conversation thread of a contact
// after an address book change. Names that fail IsUsableContactName and
// contacts without a thread are ignored.
func (d *Directory) RenameThreadForContact(ctx context.Context, phone, name string) (bool, error) {
	phone = PhoneOf(phone)
	if !IsUsableContactName(phone, name) {
		return false, nil
	}
	mapping, ok := d.ThreadFor(MakeUserID(phone))
	if !ok {
		return false, nil
	}
	if err := d.threads.RenameThread(ctx, mapping.ThreadID, truncateName(strings.TrimSpace(name))); err != nil {
		return false, fmt.Errorf("failed to rename thread %d: %w", mapping.ThreadID, err)
	}
	d.log.Info().Str("phone", phone).Int("thread_id", mapping.ThreadID).Str("name", name).Msg("Renamed thread")
	return true, nil
}

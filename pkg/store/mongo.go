// Copyright 2024-2026 Aiku AI

// Package store implements the directory and session stores on MongoDB.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/aiku/watg-bridge/pkg/config"
)

// Collection names.
const (
	CollectionChats    = "chats"
	CollectionUsers    = "users"
	CollectionContacts = "contacts"
	CollectionAuth     = "auth"
)

// Mongo wraps the client and database used by the bridge.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
	log    zerolog.Logger
}

// Connect opens a pooled client and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DatabaseConfig, log zerolog.Logger) (*Mongo, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetMinPoolSize(1).
		SetMaxConnIdleTime(5 * time.Minute).
		SetServerSelectionTimeout(timeout).
		SetConnectTimeout(timeout)
	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(cfg.MaxPoolSize)
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	name := cfg.Name
	if name == "" {
		name = "watg_bridge"
	}
	m := &Mongo{
		client: client,
		db:     client.Database(name),
		log:    log.With().Str("component", "store").Logger(),
	}
	m.log.Info().Str("database", name).Msg("Connected to MongoDB")
	return m, nil
}

// NewWithDatabase wraps an existing database handle. The caller keeps
// ownership of the client.
func NewWithDatabase(db *mongo.Database, log zerolog.Logger) *Mongo {
	return &Mongo{db: db, log: log.With().Str("component", "store").Logger()}
}

// Initialize creates the unique indexes backing the natural keys.
func (m *Mongo) Initialize(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		CollectionChats: {
			{Keys: bson.D{{Key: "conversation_id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "thread_id", Value: 1}}},
		},
		CollectionUsers: {
			{Keys: bson.D{{Key: "participant_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		CollectionContacts: {
			{Keys: bson.D{{Key: "phone", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
	}
	for coll, models := range indexes {
		if _, err := m.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", coll, err)
		}
	}
	m.log.Debug().Msg("MongoDB indexes ready")
	return nil
}

// Ping checks that the primary is reachable.
func (m *Mongo) Ping(ctx context.Context) error {
	if m.client == nil {
		return m.db.Client().Ping(ctx, readpref.Primary())
	}
	return m.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client if this Mongo owns it.
func (m *Mongo) Close(ctx context.Context) error {
	if m.client == nil {
		return nil
	}
	return m.client.Disconnect(ctx)
}

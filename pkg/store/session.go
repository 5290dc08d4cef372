// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/aiku/watg-bridge/pkg/session"
)

const sessionDocID = "session"

type sessionDoc struct {
	ID        string    `bson:"_id"`
	Archive   []byte    `bson:"archive"`
	UpdatedAt time.Time `bson:"updated_at"`
}

var _ session.Store = (*Mongo)(nil)

func (m *Mongo) LoadSession(ctx context.Context) (*session.Record, error) {
	var doc sessionDoc
	err := m.db.Collection(CollectionAuth).FindOne(ctx, bson.D{{Key: "_id", Value: sessionDocID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, session.ErrNoSession
	} else if err != nil {
		return nil, fmt.Errorf("failed to read session document: %w", err)
	}
	return &session.Record{Archive: doc.Archive, UpdatedAt: doc.UpdatedAt}, nil
}

// SaveSession replaces the whole document in one write, so readers only ever
// see the previous or the new archive.
func (m *Mongo) SaveSession(ctx context.Context, rec *session.Record) error {
	doc := sessionDoc{ID: sessionDocID, Archive: rec.Archive, UpdatedAt: rec.UpdatedAt}
	_, err := m.db.Collection(CollectionAuth).ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: sessionDocID}},
		doc,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to write session document: %w", err)
	}
	return nil
}

func (m *Mongo) DeleteSession(ctx context.Context) error {
	_, err := m.db.Collection(CollectionAuth).DeleteOne(ctx, bson.D{{Key: "_id", Value: sessionDocID}})
	if err != nil {
		return fmt.Errorf("failed to delete session document: %w", err)
	}
	return nil
}

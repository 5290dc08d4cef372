// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/aiku/watg-bridge/pkg/directory"
)

var _ directory.Store = (*Mongo)(nil)

func (m *Mongo) LoadChats(ctx context.Context) ([]directory.ChatMapping, error) {
	var out []directory.ChatMapping
	if err := m.findAll(ctx, CollectionChats, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Mongo) LoadUsers(ctx context.Context) ([]directory.UserProfile, error) {
	var out []directory.UserProfile
	if err := m.findAll(ctx, CollectionUsers, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Mongo) LoadContacts(ctx context.Context) ([]directory.Contact, error) {
	var out []directory.Contact
	if err := m.findAll(ctx, CollectionContacts, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Mongo) findAll(ctx context.Context, coll string, out any) error {
	cursor, err := m.db.Collection(coll).Find(ctx, bson.D{})
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", coll, err)
	}
	if err := cursor.All(ctx, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", coll, err)
	}
	return nil
}

// SaveChat upserts the mapping with $set, leaving fields this version does
// not know about untouched.
func (m *Mongo) SaveChat(ctx context.Context, chat directory.ChatMapping) error {
	_, err := m.db.Collection(CollectionChats).UpdateOne(ctx,
		bson.D{{Key: "conversation_id", Value: chat.ConversationID}},
		bson.D{{Key: "$set", Value: chat}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert chat %s: %w", chat.ConversationID, err)
	}
	return nil
}

func (m *Mongo) DeleteChat(ctx context.Context, conversationID string) error {
	_, err := m.db.Collection(CollectionChats).DeleteOne(ctx, bson.D{{Key: "conversation_id", Value: conversationID}})
	if err != nil {
		return fmt.Errorf("failed to delete chat %s: %w", conversationID, err)
	}
	return nil
}

func (m *Mongo) SaveUser(ctx context.Context, user directory.UserProfile) error {
	_, err := m.db.Collection(CollectionUsers).UpdateOne(ctx,
		bson.D{{Key: "participant_id", Value: user.ParticipantID}},
		bson.D{{Key: "$set", Value: user}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert user %s: %w", user.ParticipantID, err)
	}
	return nil
}

// SaveContacts upserts the batch in a single unordered bulk write.
func (m *Mongo) SaveContacts(ctx context.Context, contacts []directory.Contact) error {
	if len(contacts) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(contacts))
	for _, c := range contacts {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.D{{Key: "phone", Value: c.Phone}}).
			SetUpdate(bson.D{{Key: "$set", Value: c}}).
			SetUpsert(true))
	}
	_, err := m.db.Collection(CollectionContacts).BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return fmt.Errorf("failed to upsert %d contacts: %w", len(contacts), err)
	}
	return nil
}

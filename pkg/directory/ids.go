// Copyright 2024-2026 Aiku AI

package directory

import (
	"strings"
)

// Well-known pseudo-conversations that aggregate status posts and call logs.
const (
	StatusBroadcast = "status@broadcast"
	CallBroadcast   = "call@broadcast"
)

const (
	userServer  = "s.whatsapp.net"
	groupServer = "g.us"
	lidServer   = "lid"
)

// ConversationKind classifies a conversation identifier.
type ConversationKind int

const (
	ConversationDirect ConversationKind = iota
	ConversationGroup
	ConversationStatus
	ConversationCall
)

func (k ConversationKind) String() string {
	switch k {
	case ConversationGroup:
		return "group"
	case ConversationStatus:
		return "status"
	case ConversationCall:
		return "call"
	default:
		return "direct"
	}
}

// KindOf classifies a conversation identifier.
func KindOf(conversationID string) ConversationKind {
	switch {
	case conversationID == StatusBroadcast:
		return ConversationStatus
	case conversationID == CallBroadcast:
		return ConversationCall
	case strings.HasSuffix(conversationID, "@"+groupServer):
		return ConversationGroup
	default:
		return ConversationDirect
	}
}

// IsGroup reports whether the conversation is a multi-participant group.
func IsGroup(conversationID string) bool {
	return KindOf(conversationID) == ConversationGroup
}

// PhoneOf returns the user part of an identifier with any device suffix
// removed: "15551234567:3@s.whatsapp.net" becomes "15551234567".
func PhoneOf(id string) string {
	user, _, _ := strings.Cut(id, "@")
	user, _, _ = strings.Cut(user, ":")
	return user
}

// MakeUserID builds a direct-conversation identifier from a phone number.
// Identifiers that already carry a server part are returned unchanged.
func MakeUserID(phone string) string {
	if strings.Contains(phone, "@") {
		return phone
	}
	return strings.TrimPrefix(phone, "+") + "@" + userServer
}

// IsLID reports whether the identifier uses a hidden-number server.
func IsLID(id string) bool {
	return strings.HasSuffix(id, "@"+lidServer)
}

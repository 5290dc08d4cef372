// Copyright 2024-2026 Aiku AI

package directory

import (
	"strings"
	"unicode/utf8"
)

// Topic icon colors accepted by the forum API.
const (
	ColorStatus = 0xFF6B35
	ColorCall   = 0xFF4757
	ColorGroup  = 0x6FB9F0
	ColorDirect = 0x7ABA3C
)

// Thread names for the pseudo-conversations.
const (
	StatusThreadName = "📊 Status Updates"
	CallThreadName   = "📞 Call Logs"
)

// maxThreadName is the forum topic name limit.
const maxThreadName = 128

// Seed carries what the caller knows about a conversation when its thread
// may need to be created.
type Seed struct {
	// GroupName is the group subject, when known.
	GroupName string
	// PushName is the sender's self-chosen display name.
	PushName string
	// Participant is the sender inside a group or broadcast.
	Participant string
}

// ThreadSpec is the name and icon color of a new thread.
type ThreadSpec struct {
	Name      string
	IconColor int
}

// ThreadSpecFor applies the naming policy. contactName is the address book
// name for direct conversations, or "" when unknown.
func ThreadSpecFor(conversationID string, seed Seed, contactName string) ThreadSpec {
	switch KindOf(conversationID) {
	case ConversationStatus:
		return ThreadSpec{Name: StatusThreadName, IconColor: ColorStatus}
	case ConversationCall:
		return ThreadSpec{Name: CallThreadName, IconColor: ColorCall}
	case ConversationGroup:
		name := strings.TrimSpace(seed.GroupName)
		if name == "" {
			name = "Group " + PhoneOf(conversationID)
		}
		return ThreadSpec{Name: truncateName(name), IconColor: ColorGroup}
	default:
		name := strings.TrimSpace(contactName)
		if name == "" {
			name = strings.TrimSpace(seed.PushName)
		}
		if name == "" {
			name = "+" + PhoneOf(conversationID)
		}
		return ThreadSpec{Name: truncateName(name), IconColor: ColorDirect}
	}
}

// IsUsableContactName filters names pushed by the address book that are just
// the number again or too short to be meaningful.
func IsUsableContactName(phone, name string) bool {
	name = strings.TrimSpace(name)
	return name != "" &&
		name != phone &&
		!strings.HasPrefix(name, "+") &&
		utf8.RuneCountInString(name) > 2
}

func truncateName(name string) string {
	if utf8.RuneCountInString(name) <= maxThreadName {
		return name
	}
	runes := []rune(name)
	return string(runes[:maxThreadName])
}

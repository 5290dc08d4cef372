// Copyright 2024-2026 Aiku AI

package tg

import (
	"testing"

	"github.com/mymmrac/telego"

	"github.com/aiku/watg-bridge/pkg/bridge"
)

func TestConvertMessageKinds(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		msg  telego.Message
		want bridge.Kind
	}{
		{"text", telego.Message{Text: "hi"}, bridge.KindText},
		{"photo", telego.Message{Photo: []telego.PhotoSize{{FileID: "small"}, {FileID: "big"}}}, bridge.KindImage},
		{"video", telego.Message{Video: &telego.Video{FileID: "v"}}, bridge.KindVideo},
		{"animation", telego.Message{Animation: &telego.Animation{FileID: "a"}}, bridge.KindVideo},
		{"video note", telego.Message{VideoNote: &telego.VideoNote{FileID: "n"}}, bridge.KindVideoNote},
		{"voice", telego.Message{Voice: &telego.Voice{FileID: "o"}}, bridge.KindVoice},
		{"audio", telego.Message{Audio: &telego.Audio{FileID: "m"}}, bridge.KindAudio},
		{"document", telego.Message{Document: &telego.Document{FileID: "d"}}, bridge.KindDocument},
		{"sticker", telego.Message{Sticker: &telego.Sticker{FileID: "s"}}, bridge.KindSticker},
		{"location", telego.Message{Location: &telego.Location{Latitude: 1, Longitude: 2}}, bridge.KindLocation},
		{"contact", telego.Message{Contact: &telego.Contact{PhoneNumber: "+1", FirstName: "A"}}, bridge.KindContact},
		{"empty", telego.Message{}, bridge.KindUnsupported},
	}
	for _, tt := range tests {
		msg := tt.msg
		if got := ConvertMessage(&msg).Kind; got != tt.want {
			t.Errorf("%s: got %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestConvertMessageLargestPhoto(t *testing.T) {
	t.Parallel()
	msg := &telego.Message{Photo: []telego.PhotoSize{{FileID: "small"}, {FileID: "big"}}, Caption: "look"}
	got := ConvertMessage(msg)
	if got.File.FileID != "big" {
		t.Errorf("file id: got %q, want %q", got.File.FileID, "big")
	}
	if got.Text != "look" {
		t.Errorf("text: got %q, want caption %q", got.Text, "look")
	}
}

func TestConvertMessageThreadAndReply(t *testing.T) {
	t.Parallel()
	msg := &telego.Message{
		MessageID:       50,
		MessageThreadID: 7,
		IsTopicMessage:  true,
		Chat:            telego.Chat{ID: testChatID},
		From:            &telego.User{ID: 99},
		Text:            "reply",
		ReplyToMessage:  &telego.Message{MessageID: 7},
	}
	got := ConvertMessage(msg)
	if got.ThreadID != 7 || got.ChatID != testChatID || got.FromID != 99 || got.MessageID != 50 {
		t.Errorf("unexpected ids: %+v", got)
	}
	if got.ReplyToID != 0 {
		t.Errorf("reply to topic root should be dropped, got %d", got.ReplyToID)
	}

	msg.ReplyToMessage = &telego.Message{MessageID: 31}
	if got := ConvertMessage(msg); got.ReplyToID != 31 {
		t.Errorf("ReplyToID: got %d, want 31", got.ReplyToID)
	}

	msg.IsTopicMessage = false
	if got := ConvertMessage(msg); got.ThreadID != 0 {
		t.Errorf("non-topic message should have no thread, got %d", got.ThreadID)
	}
}

func TestConvertMessageSpoilers(t *testing.T) {
	t.Parallel()
	caption := &telego.Message{
		Photo:           []telego.PhotoSize{{FileID: "p"}},
		Caption:         "secret",
		CaptionEntities: []telego.MessageEntity{{Type: "spoiler", Offset: 0, Length: 6}},
	}
	if !ConvertMessage(caption).Spoiler {
		t.Error("caption spoiler should mark media as spoiler")
	}
	media := &telego.Message{Photo: []telego.PhotoSize{{FileID: "p"}}, HasMediaSpoiler: true}
	if !ConvertMessage(media).Spoiler {
		t.Error("media spoiler lost")
	}
	text := &telego.Message{Text: "x", Entities: []telego.MessageEntity{{Type: "spoiler", Length: 1}}}
	got := ConvertMessage(text)
	if got.Spoiler {
		t.Error("text spoiler is carried by entities, not the media flag")
	}
	if len(got.Entities) != 1 || got.Entities[0].Type != "spoiler" {
		t.Errorf("entities: %+v", got.Entities)
	}
}

func TestConvertMessageStickerVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		sticker  telego.Sticker
		mime     string
		animated bool
	}{
		{telego.Sticker{FileID: "s"}, "image/webp", false},
		{telego.Sticker{FileID: "s", IsVideo: true}, "video/webm", true},
		{telego.Sticker{FileID: "s", IsAnimated: true}, "application/x-tgsticker", true},
	}
	for _, tt := range tests {
		s := tt.sticker
		got := ConvertMessage(&telego.Message{Sticker: &s}).File
		if got.MimeType != tt.mime || got.Animated != tt.animated {
			t.Errorf("sticker %+v: got mime %q animated %v", tt.sticker, got.MimeType, got.Animated)
		}
	}
}

func TestConvertMessageContactName(t *testing.T) {
	t.Parallel()
	got := ConvertMessage(&telego.Message{Contact: &telego.Contact{PhoneNumber: "+1", FirstName: "Jane", LastName: "Doe"}})
	if got.Contact.DisplayName != "Jane Doe" || got.Contact.Phone != "+1" {
		t.Errorf("contact: %+v", got.Contact)
	}
}

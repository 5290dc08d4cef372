// Copyright 2024-2026 Aiku AI

package wa

import (
	"context"
	"fmt"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/aiku/watg-bridge/pkg/bridge"
	"github.com/aiku/watg-bridge/pkg/directory"
)

// ConvertMessage turns a decrypted message into the pipeline form. The
// sender is recorded as participant for groups and status posts only.
func ConvertMessage(evt *events.Message) *bridge.Inbound {
	chat := evt.Info.Chat.ToNonAD().String()
	in := &bridge.Inbound{
		Key: bridge.MessageKey{
			Chat:   chat,
			ID:     evt.Info.ID,
			FromMe: evt.Info.IsFromMe,
		},
		PushName:  evt.Info.PushName,
		Timestamp: evt.Info.Timestamp,
	}
	if evt.Info.IsGroup || chat == directory.StatusBroadcast {
		in.Key.Participant = evt.Info.Sender.ToNonAD().String()
	}
	classify(evt.Message, in)
	return in
}

func classify(msg *waE2E.Message, in *bridge.Inbound) {
	switch {
	case msg == nil:
		in.Content = bridge.KindUnsupported
	case msg.GetPtvMessage() != nil:
		v := msg.GetPtvMessage()
		in.Content = bridge.KindVideoNote
		in.Text = v.GetCaption()
		in.Attachment = &bridge.Attachment{MimeType: v.GetMimetype(), Size: v.GetFileLength(), Source: v}
	case msg.GetImageMessage() != nil:
		img := msg.GetImageMessage()
		in.Content = bridge.KindImage
		in.Text = img.GetCaption()
		in.Attachment = &bridge.Attachment{MimeType: img.GetMimetype(), Size: img.GetFileLength(), Source: img}
	case msg.GetVideoMessage() != nil:
		v := msg.GetVideoMessage()
		in.Content = bridge.KindVideo
		in.Text = v.GetCaption()
		in.Attachment = &bridge.Attachment{
			MimeType: v.GetMimetype(),
			Size:     v.GetFileLength(),
			GIF:      v.GetGifPlayback(),
			Source:   v,
		}
	case msg.GetAudioMessage() != nil:
		a := msg.GetAudioMessage()
		in.Content = bridge.KindAudio
		if a.GetPTT() {
			in.Content = bridge.KindVoice
		}
		in.Attachment = &bridge.Attachment{MimeType: a.GetMimetype(), Size: a.GetFileLength(), Source: a}
	case msg.GetDocumentMessage() != nil:
		d := msg.GetDocumentMessage()
		in.Content = bridge.KindDocument
		in.Text = d.GetCaption()
		in.Attachment = &bridge.Attachment{
			MimeType: d.GetMimetype(),
			FileName: d.GetFileName(),
			Title:    d.GetTitle(),
			Size:     d.GetFileLength(),
			Source:   d,
		}
	case msg.GetStickerMessage() != nil:
		s := msg.GetStickerMessage()
		in.Content = bridge.KindSticker
		in.Attachment = &bridge.Attachment{
			MimeType: s.GetMimetype(),
			Size:     s.GetFileLength(),
			Animated: s.GetIsAnimated(),
			Source:   s,
		}
	case msg.GetLocationMessage() != nil:
		l := msg.GetLocationMessage()
		in.Content = bridge.KindLocation
		in.Location = &bridge.Location{Latitude: l.GetDegreesLatitude(), Longitude: l.GetDegreesLongitude(), Name: l.GetName()}
	case msg.GetLiveLocationMessage() != nil:
		l := msg.GetLiveLocationMessage()
		in.Content = bridge.KindLocation
		in.Text = l.GetCaption()
		in.Location = &bridge.Location{Latitude: l.GetDegreesLatitude(), Longitude: l.GetDegreesLongitude()}
	case msg.GetContactMessage() != nil:
		c := msg.GetContactMessage()
		in.Content = bridge.KindContact
		in.Contact = &bridge.ContactCard{DisplayName: c.GetDisplayName(), VCard: c.GetVcard()}
	case msg.GetConversation() != "":
		in.Content = bridge.KindText
		in.Text = msg.GetConversation()
	case msg.GetExtendedTextMessage().GetText() != "":
		in.Content = bridge.KindText
		in.Text = msg.GetExtendedTextMessage().GetText()
	default:
		in.Content = bridge.KindUnsupported
	}
}

// ConvertCall turns a call offer into a call-log event.
func ConvertCall(evt *events.CallOffer) *bridge.Inbound {
	from := evt.From.ToNonAD().String()
	video := false
	if evt.Data != nil {
		_, video = evt.Data.GetOptionalChildByTag("video")
	}
	return &bridge.Inbound{
		Key: bridge.MessageKey{
			Chat:        directory.CallBroadcast,
			ID:          evt.CallID,
			Participant: from,
		},
		Timestamp: evt.Timestamp,
		Content:   bridge.KindCall,
		Call: &bridge.CallInfo{
			ID:     evt.CallID,
			From:   from,
			Status: "offer",
			Video:  video,
		},
	}
}

type uploadFunc func(ctx context.Context, data []byte, mediaType whatsmeow.MediaType) (whatsmeow.UploadResponse, error)

func buildMessage(ctx context.Context, out *bridge.Outbound, upload uploadFunc) (*waE2E.Message, error) {
	switch out.Kind {
	case bridge.KindText:
		if out.ReplyTo != nil {
			return &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
				Text: proto.String(out.Text),
				ContextInfo: &waE2E.ContextInfo{
					StanzaID:    proto.String(out.ReplyTo.ID),
					Participant: optional(out.ReplyTo.Participant),
					RemoteJID:   proto.String(out.ReplyTo.Chat),
				},
			}}, nil
		}
		return &waE2E.Message{Conversation: proto.String(out.Text)}, nil
	case bridge.KindLocation:
		if out.Location == nil {
			return nil, fmt.Errorf("%w: location without coordinates", bridge.ErrUnsupportedKind)
		}
		return &waE2E.Message{LocationMessage: &waE2E.LocationMessage{
			DegreesLatitude:  proto.Float64(out.Location.Latitude),
			DegreesLongitude: proto.Float64(out.Location.Longitude),
			Name:             optional(out.Location.Name),
		}}, nil
	case bridge.KindContact:
		if out.Contact == nil {
			return nil, fmt.Errorf("%w: contact without card", bridge.ErrUnsupportedKind)
		}
		return &waE2E.Message{ContactMessage: &waE2E.ContactMessage{
			DisplayName: proto.String(out.Contact.DisplayName),
			Vcard:       proto.String(out.Contact.VCard),
		}}, nil
	}

	mediaType, ok := mediaTypes[out.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", bridge.ErrUnsupportedKind, out.Kind)
	}
	resp, err := upload(ctx, out.Data, mediaType)
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", out.Kind, err)
	}
	caption := optional(out.Text)
	switch out.Kind {
	case bridge.KindImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       caption,
			Mimetype:      proto.String(out.MimeType),
			URL:           proto.String(resp.URL),
			DirectPath:    proto.String(resp.DirectPath),
			MediaKey:      resp.MediaKey,
			FileEncSHA256: resp.FileEncSHA256,
			FileSHA256:    resp.FileSHA256,
			FileLength:    proto.Uint64(resp.FileLength),
			ViewOnce:      optionalBool(out.ViewOnce),
		}}, nil
	case bridge.KindVideo, bridge.KindVideoNote:
		video := &waE2E.VideoMessage{
			Caption:       caption,
			Mimetype:      proto.String(out.MimeType),
			GifPlayback:   optionalBool(out.GIF),
			URL:           proto.String(resp.URL),
			DirectPath:    proto.String(resp.DirectPath),
			MediaKey:      resp.MediaKey,
			FileEncSHA256: resp.FileEncSHA256,
			FileSHA256:    resp.FileSHA256,
			FileLength:    proto.Uint64(resp.FileLength),
			ViewOnce:      optionalBool(out.ViewOnce),
		}
		if out.Kind == bridge.KindVideoNote {
			video.Caption = nil
			return &waE2E.Message{PtvMessage: video}, nil
		}
		return &waE2E.Message{VideoMessage: video}, nil
	case bridge.KindAudio, bridge.KindVoice:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(out.MimeType),
			PTT:           proto.Bool(out.Kind == bridge.KindVoice),
			URL:           proto.String(resp.URL),
			DirectPath:    proto.String(resp.DirectPath),
			MediaKey:      resp.MediaKey,
			FileEncSHA256: resp.FileEncSHA256,
			FileSHA256:    resp.FileSHA256,
			FileLength:    proto.Uint64(resp.FileLength),
		}}, nil
	case bridge.KindSticker:
		return &waE2E.Message{StickerMessage: &waE2E.StickerMessage{
			Mimetype:      proto.String(out.MimeType),
			URL:           proto.String(resp.URL),
			DirectPath:    proto.String(resp.DirectPath),
			MediaKey:      resp.MediaKey,
			FileEncSHA256: resp.FileEncSHA256,
			FileSHA256:    resp.FileSHA256,
			FileLength:    proto.Uint64(resp.FileLength),
			IsAnimated:    optionalBool(out.GIF),
		}}, nil
	default:
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       caption,
			Title:         optional(out.FileName),
			FileName:      optional(out.FileName),
			Mimetype:      proto.String(out.MimeType),
			URL:           proto.String(resp.URL),
			DirectPath:    proto.String(resp.DirectPath),
			MediaKey:      resp.MediaKey,
			FileEncSHA256: resp.FileEncSHA256,
			FileSHA256:    resp.FileSHA256,
			FileLength:    proto.Uint64(resp.FileLength),
		}}, nil
	}
}

var mediaTypes = map[bridge.Kind]whatsmeow.MediaType{
	bridge.KindImage:     whatsmeow.MediaImage,
	bridge.KindVideo:     whatsmeow.MediaVideo,
	bridge.KindVideoNote: whatsmeow.MediaVideo,
	bridge.KindAudio:     whatsmeow.MediaAudio,
	bridge.KindVoice:     whatsmeow.MediaAudio,
	bridge.KindSticker:   whatsmeow.MediaImage,
	bridge.KindDocument:  whatsmeow.MediaDocument,
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return proto.String(s)
}

func optionalBool(b bool) *bool {
	if !b {
		return nil
	}
	return proto.Bool(true)
}

// ParseJID validates a user-supplied conversation identifier. A bare
// number is treated as a direct conversation.
func ParseJID(id string) (string, error) {
	jid, err := types.ParseJID(directory.MakeUserID(id))
	if err != nil {
		return "", err
	}
	if jid.User == "" {
		return "", fmt.Errorf("missing user part in %q", id)
	}
	return jid.ToNonAD().String(), nil
}

// Package wire is the JSON frame contract spoken over the websocket.
//
// Inbound frames decode into a closed set of variants (ChatIn, PingIn).
// Outbound frames are built by the constructors below and encoded with
// Encode.
package wire

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/Cypherspark/chat-gateway/internal/core"
)

type Type string

const (
	TypeChat           Type = "chat"
	TypeDeliveryStatus Type = "delivery_status"
	TypeSystem         Type = "system"
	TypeError          Type = "error"
	TypePing           Type = "ping"
	TypePong           Type = "pong"
)

// Inbound is a decoded client frame.
type Inbound interface {
	Type() Type
}

// ChatIn asks for a message to be sent to ReceiverID.
type ChatIn struct {
	ReceiverID int64
	Content    string
}

func (ChatIn) Type() Type { return TypeChat }

// PingIn is an application-level liveness probe.
type PingIn struct{}

func (PingIn) Type() Type { return TypePing }

type rawInbound struct {
	Type       *string         `json:"type"`
	ReceiverID json.RawMessage `json:"receiverId"`
	Content    *string         `json:"content"`
}

// Decode parses one client frame. A frame without a type is a chat frame.
// Anything else that is not a well formed chat or ping fails with
// core.ErrValidation.
func Decode(data []byte) (Inbound, error) {
	var raw rawInbound
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, core.Validationf("malformed frame: %v", err)
	}
	kind := TypeChat
	if raw.Type != nil {
		kind = Type(*raw.Type)
	}
	switch kind {
	case TypePing:
		return PingIn{}, nil
	case TypeChat:
		return decodeChat(raw)
	default:
		return nil, core.Validationf("unknown frame type %q", kind)
	}
}

func decodeChat(raw rawInbound) (ChatIn, error) {
	if len(raw.ReceiverID) == 0 || string(raw.ReceiverID) == "null" {
		return ChatIn{}, core.Validationf("receiverId is required")
	}
	var receiverID int64
	if err := json.Unmarshal(raw.ReceiverID, &receiverID); err != nil || receiverID <= 0 {
		return ChatIn{}, core.Validationf("receiverId must be a positive integer")
	}
	if raw.Content == nil || strings.TrimSpace(*raw.Content) == "" {
		return ChatIn{}, core.Validationf("content is required")
	}
	return ChatIn{ReceiverID: receiverID, Content: *raw.Content}, nil
}

// Outbound is a server frame ready to be encoded.
type Outbound struct {
	Type       Type        `json:"type"`
	ID         int64       `json:"id,omitempty"`
	SenderID   int64       `json:"senderId,omitempty"`
	ReceiverID int64       `json:"receiverId,omitempty"`
	Content    string      `json:"content,omitempty"`
	CreatedAt  *time.Time  `json:"createdAt,omitempty"`
	MessageID  int64       `json:"messageId,omitempty"`
	Status     core.Status `json:"status,omitempty"`
}

func Chat(m core.Message) Outbound {
	created := m.CreatedAt
	return Outbound{
		Type:       TypeChat,
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
		CreatedAt:  &created,
		Status:     m.Status,
	}
}

func DeliveryStatus(messageID int64, status core.Status) Outbound {
	return Outbound{Type: TypeDeliveryStatus, MessageID: messageID, Status: status}
}

func System(text string) Outbound { return Outbound{Type: TypeSystem, Content: text} }

func Error(text string) Outbound { return Outbound{Type: TypeError, Content: text} }

func Pong() Outbound { return Outbound{Type: TypePong} }

// Encode renders f as a JSON text frame.
func Encode(f Outbound) []byte {
	b, err := json.Marshal(f)
	if err != nil {
		// only fields of fixed, marshalable types
		panic(err)
	}
	return b
}

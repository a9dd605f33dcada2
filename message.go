package portalchat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ParticipantType disambiguates the id namespaces: customer ids and worker ids are
// independent sequences.
type ParticipantType string

const (
	Customer ParticipantType = "customer"
	Worker   ParticipantType = "worker"
)

func (pt ParticipantType) Valid() bool {
	return pt == Customer || pt == Worker
}

// Counterpart returns the type on the other side of a conversation.
func (pt ParticipantType) Counterpart() ParticipantType {
	switch pt {
	case Customer:
		return Worker
	case Worker:
		return Customer
	default:
		return ""
	}
}

func ParseParticipantType(s string) (ParticipantType, error) {
	pt := ParticipantType(strings.ToLower(strings.TrimSpace(s)))
	if !pt.Valid() {
		return "", fmt.Errorf("unknown participant type %q", s)
	}
	return pt, nil
}

type Participant struct {
	ID   int64           `json:"id"`
	Type ParticipantType `json:"type"`
}

func (p Participant) Known() bool {
	return p.ID > 0 && p.Type.Valid()
}

func (p Participant) String() string {
	return fmt.Sprintf("%s:%d", p.Type, p.ID)
}

type ChatMessage struct {
	SenderID     int64           `json:"senderId" validate:"gt=0"`
	ReceiverID   int64           `json:"receiverId" validate:"gt=0"`
	SenderType   ParticipantType `json:"senderType" validate:"oneof=customer worker"`
	ReceiverType ParticipantType `json:"receiverType" validate:"oneof=customer worker"`
	Message      string          `json:"message" validate:"required"`
	Timestamp    time.Time       `json:"timestamp"`

	// ClientID correlates a locally originated message with its relay echo.
	ClientID string `json:"clientId,omitempty" validate:"omitempty,uuid"`
}

func (m ChatMessage) Sender() Participant {
	return Participant{ID: m.SenderID, Type: m.SenderType}
}

func (m ChatMessage) Receiver() Participant {
	return Participant{ID: m.ReceiverID, Type: m.ReceiverType}
}

// Between reports whether the message was exchanged by a and b, in either direction.
func (m ChatMessage) Between(a, b Participant) bool {
	s, r := m.Sender(), m.Receiver()
	return (s == a && r == b) || (s == b && r == a)
}

var ErrInvalidMessage = errors.New("invalid chat message")

var validate = validator.New(validator.WithRequiredStructEnabled())

func (m ChatMessage) Validate() error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if strings.TrimSpace(m.Message) == "" {
		return fmt.Errorf("%w: blank message", ErrInvalidMessage)
	}
	return nil
}

// DecodeMessage parses one websocket frame. Anything that is not a well-formed
// ChatMessage is reported as ErrInvalidMessage.
func DecodeMessage(data []byte) (ChatMessage, error) {
	var m ChatMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ChatMessage{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := m.Validate(); err != nil {
		return ChatMessage{}, err
	}
	return m, nil
}

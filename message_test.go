package portalchat

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validMessage() ChatMessage {
	return ChatMessage{
		SenderID:     5,
		ReceiverID:   7,
		SenderType:   Customer,
		ReceiverType: Worker,
		Message:      "hi",
		Timestamp:    time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestParticipantType(t *testing.T) {
	t.Run("should map each type to its counterpart", func(t *testing.T) {
		assert.Equal(t, Worker, Customer.Counterpart())
		assert.Equal(t, Customer, Worker.Counterpart())
		assert.Equal(t, ParticipantType(""), ParticipantType("admin").Counterpart())
	})
	t.Run("should parse case-insensitively", func(t *testing.T) {
		pt, err := ParseParticipantType(" Worker ")
		require.NoError(t, err)
		assert.Equal(t, Worker, pt)

		_, err = ParseParticipantType("admin")
		assert.Error(t, err)
	})
}

func TestChatMessage_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m *ChatMessage)
		valid  bool
	}{
		{"complete message", func(m *ChatMessage) {}, true},
		{"missing sender", func(m *ChatMessage) { m.SenderID = 0 }, false},
		{"negative receiver", func(m *ChatMessage) { m.ReceiverID = -1 }, false},
		{"unknown sender type", func(m *ChatMessage) { m.SenderType = "admin" }, false},
		{"empty receiver type", func(m *ChatMessage) { m.ReceiverType = "" }, false},
		{"empty text", func(m *ChatMessage) { m.Message = "" }, false},
		{"whitespace text", func(m *ChatMessage) { m.Message = " \t\n" }, false},
		{"client id not a uuid", func(m *ChatMessage) { m.ClientID = "abc" }, false},
		{"client id uuid", func(m *ChatMessage) { m.ClientID = "0b9f6b7e-3c55-4c4f-9a55-6bb1d7f0d7a1" }, true},
		{"zero timestamp", func(m *ChatMessage) { m.Timestamp = time.Time{} }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validMessage()
			tt.mutate(&m)
			err := m.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidMessage)
			}
		})
	}
}

func TestDecodeMessage(t *testing.T) {
	t.Run("should decode the wire format", func(t *testing.T) {
		m, err := DecodeMessage([]byte(`{"senderId":7,"receiverId":5,"senderType":"worker","receiverType":"customer","message":"hi","timestamp":"2024-01-01T10:00:00Z"}`))
		require.NoError(t, err)
		assert.Equal(t, Participant{ID: 7, Type: Worker}, m.Sender())
		assert.Equal(t, Participant{ID: 5, Type: Customer}, m.Receiver())
		assert.Equal(t, "hi", m.Message)
		assert.True(t, m.Timestamp.Equal(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)))
	})
	t.Run("should reject malformed json", func(t *testing.T) {
		_, err := DecodeMessage([]byte(`{"senderId":`))
		assert.True(t, errors.Is(err, ErrInvalidMessage))
	})
	t.Run("should reject a payload of the wrong shape", func(t *testing.T) {
		_, err := DecodeMessage([]byte(`{"hello":"world"}`))
		assert.ErrorIs(t, err, ErrInvalidMessage)
	})
}

func TestChatMessage_Between(t *testing.T) {
	m := validMessage()
	customer := Participant{ID: 5, Type: Customer}
	worker := Participant{ID: 7, Type: Worker}

	assert.True(t, m.Between(customer, worker))
	assert.True(t, m.Between(worker, customer))
	assert.False(t, m.Between(customer, Participant{ID: 8, Type: Worker}))
	// Same numeric id in the other namespace is a different participant.
	assert.False(t, m.Between(Participant{ID: 5, Type: Worker}, worker))
}

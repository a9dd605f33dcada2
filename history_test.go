package portalchat

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryLoader_Load(t *testing.T) {
	customer := Participant{ID: 5, Type: Customer}
	worker := Participant{ID: 7, Type: Worker}

	t.Run("should send the pair and bearer token", func(t *testing.T) {
		var gotPath, gotAuth string
		var gotQuery map[string]string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			gotAuth = r.Header.Get("Authorization")
			gotQuery = map[string]string{
				"user1Id":   r.URL.Query().Get("user1Id"),
				"user1Type": r.URL.Query().Get("user1Type"),
				"user2Id":   r.URL.Query().Get("user2Id"),
				"user2Type": r.URL.Query().Get("user2Type"),
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[{"senderId":7,"receiverId":5,"senderType":"worker","receiverType":"customer","message":"hi","timestamp":"2024-01-01T10:00:00Z"}]`))
		}))
		defer srv.Close()

		hl := &HistoryLoader{BaseURL: srv.URL + "/", Tokens: StaticToken("tok")}
		msgs, err := hl.Load(context.Background(), customer, worker)
		require.NoError(t, err)

		assert.Equal(t, "/api/chat/history", gotPath)
		assert.Equal(t, "Bearer tok", gotAuth)
		assert.Equal(t, map[string]string{
			"user1Id": "5", "user1Type": "customer",
			"user2Id": "7", "user2Type": "worker",
		}, gotQuery)
		require.Len(t, msgs, 1)
		assert.Equal(t, "hi", msgs[0].Message)
		assert.Equal(t, Worker, msgs[0].SenderType)
	})
	t.Run("should keep entries verbatim and in order", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`[{"senderId":1,"message":"b","timestamp":"2024-01-02T00:00:00Z"},{"senderId":2,"message":"a","timestamp":"2024-01-01T00:00:00Z"}]`))
		}))
		defer srv.Close()

		hl := &HistoryLoader{BaseURL: srv.URL, Tokens: StaticToken("tok")}
		msgs, err := hl.Load(context.Background(), customer, worker)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, int64(1), msgs[0].SenderID)
		assert.Equal(t, int64(2), msgs[1].SenderID)
	})
	t.Run("should report a non-2xx response", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "forbidden", http.StatusForbidden)
		}))
		defer srv.Close()

		hl := &HistoryLoader{BaseURL: srv.URL, Tokens: StaticToken("tok")}
		msgs, err := hl.Load(context.Background(), customer, worker)
		assert.Nil(t, msgs)

		var se *StatusError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, http.StatusForbidden, se.StatusCode)
		assert.Equal(t, "forbidden", se.Body)
	})
	t.Run("should fail without a token", func(t *testing.T) {
		hl := &HistoryLoader{BaseURL: "http://127.0.0.1:1", Tokens: StaticToken("")}
		_, err := hl.Load(context.Background(), customer, worker)
		assert.ErrorIs(t, err, ErrNoToken)
	})
	t.Run("should fail on a body that is not a list", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"messages":[]}`))
		}))
		defer srv.Close()

		hl := &HistoryLoader{BaseURL: srv.URL, Tokens: StaticToken("tok")}
		_, err := hl.Load(context.Background(), customer, worker)
		assert.Error(t, err)
	})
}

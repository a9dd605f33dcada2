package portalchat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// HistoryFetcher returns the transcript between two participants in chronological order.
type HistoryFetcher interface {
	Load(ctx context.Context, local, remote Participant) ([]ChatMessage, error)
}

// StatusError is returned for any non-2xx history response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("history request failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("history request failed with status %d: %s", e.StatusCode, e.Body)
}

const historyPath = "/api/chat/history"

// HistoryLoader fetches the transcript from the history REST endpoint.
type HistoryLoader struct {
	// BaseURL is the backend origin, e.g. http://localhost:8080.
	BaseURL string
	Tokens  TokenSource
	Client  *http.Client

	Slogger *slog.Logger
}

func (hl *HistoryLoader) Load(ctx context.Context, local, remote Participant) ([]ChatMessage, error) {
	sl := hl.logger().With("func", "history.Load")

	token, err := hl.Tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	u, err := url.Parse(strings.TrimRight(hl.BaseURL, "/") + historyPath)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	q := u.Query()
	q.Set("user1Id", strconv.FormatInt(local.ID, 10))
	q.Set("user1Type", string(local.Type))
	q.Set("user2Id", strconv.FormatInt(remote.ID, 10))
	q.Set("user2Type", string(remote.Type))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	sl.Debug("requesting", "local", local, "remote", remote)
	resp, err := hl.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	msgs := make([]ChatMessage, 0)
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("load history: decode: %w", err)
	}
	sl.Debug("loaded", "count", len(msgs))
	return msgs, nil
}

func (hl *HistoryLoader) client() *http.Client {
	if hl.Client != nil {
		return hl.Client
	}
	return http.DefaultClient
}

func (hl *HistoryLoader) logger() *slog.Logger {
	if hl.Slogger != nil {
		return hl.Slogger
	}
	return slog.Default()
}

package portalchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gobwas/ws"
	"github.com/google/uuid"

	"github.com/chilledoj/portalchat/internal/wsconn"
)

var (
	ErrNotConnected   = errors.New("chat session is not connected")
	ErrEmptyMessage   = errors.New("message is empty")
	ErrNoCounterpart  = errors.New("chat counterpart is unknown")
	ErrSendBufferFull = errors.New("send buffer is full")
	ErrRoleMismatch   = errors.New("token participant does not match the session role")
	ErrAlreadyStarted = errors.New("chat session already started")
)

// IdentitySource resolves the local participant. IdentityResolver is the usual one.
type IdentitySource interface {
	Resolve(ctx context.Context) (Participant, error)
}

// HistoryFunc adapts a plain function to HistoryFetcher.
type HistoryFunc func(ctx context.Context, local, remote Participant) ([]ChatMessage, error)

func (f HistoryFunc) Load(ctx context.Context, local, remote Participant) ([]ChatMessage, error) {
	return f(ctx, local, remote)
}

// ReconnectPolicy lets a session leave Closed again after the connection drops.
type ReconnectPolicy struct {
	// MaxAttempts bounds consecutive failed attempts; zero means unlimited.
	MaxAttempts int
	// BackOff paces the attempts. Defaults to exponential backoff.
	BackOff backoff.BackOff
}

func (rp *ReconnectPolicy) backOff() backoff.BackOff {
	if rp.BackOff != nil {
		return rp.BackOff
	}
	return backoff.NewExponentialBackOff()
}

type Options struct {
	// Role is the participant type hosting the session. Customer sessions always
	// send to workers and the other way round.
	Role ParticipantType
	// Remote is the counterpart's id, in the namespace of Role.Counterpart().
	Remote int64

	// SocketURL is the relay endpoint, e.g. ws://localhost:8080/chat.
	SocketURL string
	Identity  IdentitySource
	History   HistoryFetcher
	// SocketToken, when set, is passed to the relay as the token query parameter.
	SocketToken TokenSource

	Dialer ws.Dialer
	// ConnectTimeout bounds a single dial. Zero leaves a hung dial Connecting.
	ConnectTimeout time.Duration
	// Reconnect is nil by default: a dropped connection stays Closed.
	Reconnect *ReconnectPolicy

	SendBuffer int
	// KeepRelayEcho disables suppression of the relay's copy of our own messages.
	KeepRelayEcho bool

	// Observers run on the goroutine that made the change, outside the session's
	// locks. They may run concurrently with each other.
	OnStateChange      func(state SessionState)
	OnTranscriptChange func(msgs []ChatMessage)

	Now     func() time.Time
	Slogger *slog.Logger
}

const (
	defaultSendBuffer = 64
	// maxPending bounds the echoes awaited on a relay that does not echo.
	maxPending = 256
)

// ChatSession is the live conversation between the local participant and one
// counterpart: the relay connection, the transcript and send/receive.
type ChatSession struct {
	opts Options

	mu         sync.Mutex
	state      SessionState
	starting   bool
	closed     bool
	local      Participant
	remote     Participant
	socket     *socketSession
	transcript *Transcript
	// pending holds the client ids of sent messages whose relay echo may still
	// arrive, oldest first in pendingOrder. It only lives as long as one connection.
	pending      map[string]struct{}
	pendingOrder []string

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	Slogger *slog.Logger
}

func NewChatSession(parentCtx context.Context, options Options) (*ChatSession, error) {
	if !options.Role.Valid() {
		return nil, fmt.Errorf("invalid session role %q", options.Role)
	}
	if options.Identity == nil {
		return nil, errors.New("identity source is required")
	}
	if _, err := url.Parse(options.SocketURL); err != nil || options.SocketURL == "" {
		return nil, fmt.Errorf("invalid socket url %q", options.SocketURL)
	}
	if options.SendBuffer <= 0 {
		options.SendBuffer = defaultSendBuffer
	}
	if options.Now == nil {
		options.Now = time.Now
	}

	ctx, cancel := context.WithCancel(parentCtx)
	s := &ChatSession{
		opts:       options,
		state:      Idle,
		remote:     Participant{ID: options.Remote, Type: options.Role.Counterpart()},
		transcript: NewTranscript(),
		pending:    make(map[string]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}

	if options.Slogger != nil {
		s.Slogger = options.Slogger.With("session", s.remote.String())
	} else {
		s.Slogger = slog.Default().With("session", s.remote.String())
	}
	return s, nil
}

func (s *ChatSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *ChatSession) Local() Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func (s *ChatSession) Remote() Participant {
	return s.remote
}

func (s *ChatSession) Transcript() []ChatMessage {
	return s.transcript.Messages()
}

// CanSend reports whether the send control should be enabled.
func (s *ChatSession) CanSend() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Open && s.socket != nil && s.local.Known() && s.remote.Known()
}

// Start resolves the local identity and, if that succeeds, starts the history load
// and the relay connection. On failure the session stays Idle and Start may be
// called again once a token is available.
func (s *ChatSession) Start() error {
	sl := s.Slogger.With("func", "session.Start")

	s.mu.Lock()
	if s.closed || s.state != Idle || s.starting {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.starting = true
	s.mu.Unlock()

	local, err := s.opts.Identity.Resolve(s.ctx)
	if err == nil && local.Type != s.opts.Role {
		err = fmt.Errorf("%w: %s in a %s session", ErrRoleMismatch, local, s.opts.Role)
	}
	if err != nil {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
		sl.Warn("identity unavailable, staying idle", "err", err)
		return fmt.Errorf("resolve identity: %w", err)
	}

	s.mu.Lock()
	s.local = local
	s.starting = false
	s.mu.Unlock()
	sl.Debug("starting", "local", local, "remote", s.remote)

	if !s.setState(Connecting) {
		return ErrAlreadyStarted
	}

	if s.opts.History != nil && s.remote.Known() {
		s.wg.Add(1)
		go func() {
			s.loadHistory(local)
			s.wg.Done()
		}()
	} else {
		sl.Info("history skipped", "remote", s.remote)
	}

	s.wg.Add(1)
	go func() {
		s.run()
		s.wg.Done()
	}()
	return nil
}

// Send writes text to the relay and appends it to the transcript straight away.
// Nothing is queued when the session is not Open.
func (s *ChatSession) Send(text string) (ChatMessage, error) {
	if strings.TrimSpace(text) == "" {
		return ChatMessage{}, ErrEmptyMessage
	}

	s.mu.Lock()
	if s.state != Open || s.socket == nil {
		s.mu.Unlock()
		return ChatMessage{}, ErrNotConnected
	}
	if !s.remote.Known() {
		s.mu.Unlock()
		return ChatMessage{}, ErrNoCounterpart
	}

	msg := ChatMessage{
		SenderID:     s.local.ID,
		ReceiverID:   s.remote.ID,
		SenderType:   s.opts.Role,
		ReceiverType: s.opts.Role.Counterpart(),
		Message:      text,
		Timestamp:    s.opts.Now().UTC(),
		ClientID:     uuid.NewString(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.mu.Unlock()
		return ChatMessage{}, fmt.Errorf("encode message: %w", err)
	}
	if !s.socket.Send(data) {
		s.mu.Unlock()
		return ChatMessage{}, ErrSendBufferFull
	}
	s.trackPending(msg.ClientID)
	s.transcript.Append(msg)
	snapshot := s.transcript.Messages()
	s.mu.Unlock()

	s.notifyTranscript(snapshot)
	return msg, nil
}

// Close tears the session down. An open connection is closed with a normal-closure
// frame; queued sends are dropped. Close is safe to call more than once.
func (s *ChatSession) Close() {
	s.closeOnce.Do(func() {
		sl := s.Slogger.With("func", "session.Close")
		sl.Debug("closing", "status", "started")
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		s.wg.Wait()
		s.setState(Closed)
		sl.Debug("closing", "status", "completed")
	})
}

// setState reports false when the transition was refused because the session was
// closed by its owner.
func (s *ChatSession) setState(state SessionState) bool {
	s.mu.Lock()
	if s.closed && state != Closed {
		s.mu.Unlock()
		return false
	}
	if s.state == state {
		s.mu.Unlock()
		return true
	}
	prev := s.state
	s.state = state
	s.mu.Unlock()

	s.Slogger.Debug("state", "from", prev, "to", state)
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(state)
	}
	return true
}

func (s *ChatSession) notifyTranscript(snapshot []ChatMessage) {
	if s.opts.OnTranscriptChange != nil {
		s.opts.OnTranscriptChange(snapshot)
	}
}

func (s *ChatSession) loadHistory(local Participant) {
	sl := s.Slogger.With("func", "session.loadHistory")
	msgs, err := s.opts.History.Load(s.ctx, local, s.remote)
	if err != nil {
		sl.Warn("history unavailable", "err", err)
		return
	}
	s.replaceTranscript(msgs)
	sl.Debug("history loaded", "count", len(msgs))
}

func (s *ChatSession) replaceTranscript(msgs []ChatMessage) {
	s.mu.Lock()
	s.transcript.Replace(msgs)
	snapshot := s.transcript.Messages()
	s.mu.Unlock()
	s.notifyTranscript(snapshot)
}

// run dials the relay and serves the connection until it drops. Without a
// reconnect policy a single drop ends the session's connection lifecycle.
func (s *ChatSession) run() {
	sl := s.Slogger.With("func", "session.run")

	var bo backoff.BackOff
	if s.opts.Reconnect != nil {
		bo = s.opts.Reconnect.backOff()
		bo.Reset()
	}

	failures := 0
	for {
		conn, err := s.dial()
		if err != nil {
			if s.ctx.Err() == nil {
				sl.Warn("connect failed", "err", err)
			}
			failures++
		} else {
			failures = 0
			if bo != nil {
				bo.Reset()
			}
			s.serve(conn)
		}
		s.setState(Closed)

		if s.ctx.Err() != nil || bo == nil {
			return
		}
		if limit := s.opts.Reconnect.MaxAttempts; limit > 0 && failures >= limit {
			sl.Warn("giving up reconnecting", "attempts", failures)
			return
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			sl.Warn("backoff exhausted")
			return
		}
		sl.Info("reconnecting", "in", wait)
		select {
		case <-time.After(wait):
		case <-s.ctx.Done():
			return
		}
		if !s.setState(Connecting) {
			return
		}
	}
}

func (s *ChatSession) dial() (*wsconn.Conn, error) {
	ctx := s.ctx
	if s.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ConnectTimeout)
		defer cancel()
	}

	u, err := s.socketURL(ctx)
	if err != nil {
		return nil, err
	}
	conn, br, _, err := s.opts.Dialer.Dial(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.opts.SocketURL, err)
	}
	return wsconn.New(conn, br), nil
}

func (s *ChatSession) socketURL(ctx context.Context) (string, error) {
	if s.opts.SocketToken == nil {
		return s.opts.SocketURL, nil
	}
	token, err := s.opts.SocketToken.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("socket token: %w", err)
	}
	u, err := url.Parse(s.opts.SocketURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *ChatSession) serve(conn *wsconn.Conn) {
	sl := s.Slogger.With("func", "session.serve")
	ss := newSocketSession(s.ctx, conn, s.opts.SendBuffer, s.receive, s.Slogger)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ss.Close(true)
		return
	}
	s.socket = ss
	s.mu.Unlock()

	if !s.setState(Open) {
		ss.Close(true)
		return
	}
	sl.Info("connected")

	<-ss.Done()

	s.mu.Lock()
	s.socket = nil
	clear(s.pending)
	s.pendingOrder = nil
	s.mu.Unlock()
	// Only a close requested by the owner gets a close frame; otherwise the
	// connection is already gone.
	ss.Close(s.ctx.Err() != nil)
	sl.Info("disconnected")
}

// trackPending must be called with mu held.
func (s *ChatSession) trackPending(clientID string) {
	s.pending[clientID] = struct{}{}
	s.pendingOrder = append(s.pendingOrder, clientID)
	if len(s.pendingOrder) > maxPending {
		delete(s.pending, s.pendingOrder[0])
		s.pendingOrder = s.pendingOrder[1:]
	}
}

func (s *ChatSession) receive(data []byte) {
	sl := s.Slogger.With("func", "session.receive")
	msg, err := DecodeMessage(data)
	if err != nil {
		sl.Warn("dropping malformed frame", "err", err)
		return
	}

	s.mu.Lock()
	if !msg.Between(s.local, s.remote) {
		s.mu.Unlock()
		sl.Debug("dropping frame for another conversation", "sender", msg.Sender(), "receiver", msg.Receiver())
		return
	}
	if msg.ClientID != "" && !s.opts.KeepRelayEcho && msg.Sender() == s.local {
		if _, ok := s.pending[msg.ClientID]; ok {
			delete(s.pending, msg.ClientID)
			s.mu.Unlock()
			sl.Debug("suppressed relay echo", "clientId", msg.ClientID)
			return
		}
	}
	s.transcript.Append(msg)
	snapshot := s.transcript.Messages()
	s.mu.Unlock()

	s.notifyTranscript(snapshot)
}

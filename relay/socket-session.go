package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/chilledoj/portalchat/internal/wsconn"
)

type SocketMessageType int

const (
	Disconnect SocketMessageType = iota - 1
	_
	Message
)

// SocketMessage is what a socket session hands to the relay loop.
type SocketMessage struct {
	Session SocketSessioner
	Type    SocketMessageType
	Message []byte
}

type SocketSessioner interface {
	ID() string
	// Send queues a frame and reports false when it had to be dropped.
	Send(message []byte) bool
	Close()
}

const (
	defaultSendBuffer = 255
	defaultPingPeriod = 10 * time.Second
	closeWriteWait    = time.Second
)

type SocketSession struct {
	conn *wsconn.Conn
	id   string

	send     chan []byte
	messages chan<- SocketMessage
	// relayDone stops the read loop from blocking on a relay that has gone away.
	relayDone <-chan struct{}

	pingPeriod time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	sl *slog.Logger
}

func NewSocketSession(parentCtx context.Context, conn *wsconn.Conn, messages chan<- SocketMessage, sendBuffer int, pingPeriod time.Duration, sl *slog.Logger) *SocketSession {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	if pingPeriod <= 0 {
		pingPeriod = defaultPingPeriod
	}
	if sl == nil {
		sl = slog.Default()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	s := &SocketSession{
		conn:       conn,
		id:         uuid.NewString(),
		send:       make(chan []byte, sendBuffer),
		messages:   messages,
		relayDone:  parentCtx.Done(),
		pingPeriod: pingPeriod,
		ctx:        ctx,
		cancel:     cancel,
	}
	s.sl = sl.With("conn", s.id)
	return s
}

// Start runs the read and write loops. Call it once the session is attached to
// the relay, so a disconnect is never reported for a connection it does not know.
func (s *SocketSession) Start() {
	s.wg.Add(2)
	go func() {
		s.ReadLoop()
		s.wg.Done()
	}()
	go func() {
		s.WriteLoop()
		s.wg.Done()
	}()
}

func (s *SocketSession) ID() string {
	return s.id
}

// Close sends a going-away close frame and tears the connection down. It blocks
// until both loops have exited.
func (s *SocketSession) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.conn.SetWriteDeadline(time.Now().Add(closeWriteWait))
		_ = s.conn.WriteFrame(func(w io.Writer) error {
			return wsutil.WriteServerMessage(w, ws.OpClose, ws.NewCloseFrameBody(ws.StatusGoingAway, ""))
		})
		_ = s.conn.Close()
		s.wg.Wait()
	})
}

func (s *SocketSession) ReadLoop() {
	sl := s.sl.With("func", "socket.ReadLoop")
	sl.Debug("starting")
	defer func() {
		s.conn.Close()
		s.cancel()
		sl.Debug("ReadLoop exited")
	}()
	for {
		msg, op, err := wsutil.ReadClientData(s.conn)
		if err != nil {
			var ce wsutil.ClosedError
			switch {
			case errors.As(err, &ce):
				sl.Debug("ReadLoop closing", "code", ce.Code, "reason", ce.Reason)
			case s.ctx.Err() != nil:
				sl.Debug("ReadLoop stopped", "err", err)
			default:
				sl.Error("ReadLoop error", "err", err)
			}
			// any error that ends the loop unregisters the connection
			s.forward(SocketMessage{Session: s, Type: Disconnect})
			return
		}
		if op != ws.OpText {
			sl.Debug("ignoring non-text frame", "op", op)
			continue
		}
		if !s.forward(SocketMessage{Session: s, Type: Message, Message: msg}) {
			return
		}
	}
}

func (s *SocketSession) forward(sm SocketMessage) bool {
	select {
	case s.messages <- sm:
		return true
	case <-s.relayDone:
		return false
	}
}

func (s *SocketSession) WriteLoop() {
	sl := s.sl.With("func", "socket.WriteLoop")
	sl.Debug("starting")
	ticker := time.NewTicker(s.pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		s.cancel()
		sl.Debug("WriteLoop exited")
	}()
	for {
		select {
		case msg := <-s.send:
			err := s.conn.WriteFrame(func(w io.Writer) error {
				return wsutil.WriteServerText(w, msg)
			})
			if err != nil {
				sl.Error("write failed", "err", err)
				return
			}
		case <-ticker.C:
			sl.Log(context.Background(), slog.Level(-8), "ping")
			err := s.conn.WriteFrame(func(w io.Writer) error {
				return wsutil.WriteServerMessage(w, ws.OpPing, nil)
			})
			if err != nil {
				sl.Debug("ping failed", "err", err)
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *SocketSession) Send(message []byte) bool {
	if s.ctx.Err() != nil {
		return false
	}
	select {
	case s.send <- message:
		return true
	default:
		return false
	}
}

package portalchat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/chilledoj/portalchat/internal/wsconn"
)

const closeWriteWait = time.Second

// socketSession owns one client-side connection to the relay: a read loop that hands
// every data frame to onFrame and a write loop that drains the send buffer.
type socketSession struct {
	conn    *wsconn.Conn
	send    chan []byte
	onFrame func([]byte)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	sl        *slog.Logger
}

func newSocketSession(parentCtx context.Context, conn *wsconn.Conn, sendBuffer int, onFrame func([]byte), sl *slog.Logger) *socketSession {
	ctx, cancel := context.WithCancel(parentCtx)
	s := &socketSession{
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		onFrame: onFrame,
		ctx:     ctx,
		cancel:  cancel,
		sl:      sl,
	}

	s.wg.Add(2)
	go func() {
		s.readLoop()
		s.wg.Done()
	}()
	go func() {
		s.writeLoop()
		s.wg.Done()
	}()
	return s
}

// Done is closed once either loop has stopped or the parent context is cancelled.
func (s *socketSession) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Send queues a frame without blocking. It reports false when the buffer is full
// or the session is already shutting down.
func (s *socketSession) Send(data []byte) bool {
	if s.ctx.Err() != nil {
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// Close stops both loops. With graceful set, a normal-closure frame is written
// first. Queued frames are not flushed.
func (s *socketSession) Close(graceful bool) {
	s.closeOnce.Do(func() {
		s.cancel()
		if graceful {
			_ = s.conn.SetWriteDeadline(time.Now().Add(closeWriteWait))
			err := s.conn.WriteFrame(func(w io.Writer) error {
				return wsutil.WriteClientMessage(w, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
			})
			if err != nil {
				s.sl.Debug("close frame not written", "err", err)
			}
		}
		_ = s.conn.Close()
		s.wg.Wait()
	})
}

func (s *socketSession) readLoop() {
	sl := s.sl.With("func", "socket.readLoop")
	sl.Debug("starting")
	defer func() {
		s.cancel()
		sl.Debug("readLoop exited")
	}()
	for {
		msg, op, err := wsutil.ReadServerData(s.conn)
		if err != nil {
			var ce wsutil.ClosedError
			switch {
			case errors.As(err, &ce):
				sl.Info("relay closed the connection", "code", ce.Code, "reason", ce.Reason)
			case s.ctx.Err() != nil:
				sl.Debug("read stopped", "err", err)
			default:
				sl.Error("read failed", "err", err)
			}
			return
		}
		if op != ws.OpText {
			sl.Debug("ignoring non-text frame", "op", op)
			continue
		}
		s.onFrame(msg)
	}
}

func (s *socketSession) writeLoop() {
	sl := s.sl.With("func", "socket.writeLoop")
	sl.Debug("starting")
	defer func() {
		s.cancel()
		sl.Debug("writeLoop exited")
	}()
	for {
		select {
		case msg := <-s.send:
			err := s.conn.WriteFrame(func(w io.Writer) error {
				return wsutil.WriteClientText(w, msg)
			})
			if err != nil {
				sl.Error("write failed", "err", err)
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

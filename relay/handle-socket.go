package relay

import (
	"bufio"
	"errors"
	"net/http"

	"github.com/gobwas/ws"

	"github.com/chilledoj/portalchat"
	"github.com/chilledoj/portalchat/internal/wsconn"
)

var ErrUnauthorized = errors.New("unauthorized")

type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

// HandleSocketWithParticipant upgrades the request and attaches the connection.
// The zero participant leaves the connection unbound until its first frame.
func (r *Relay) HandleSocketWithParticipant(p portalchat.Participant, onError ErrorHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		r.mu.RLock()
		err := r.canJoin(p)
		r.mu.RUnlock()
		if err != nil {
			onError(w, req, err)
			return
		}

		conn, rw, _, err := ws.UpgradeHTTP(req, w)
		if err != nil {
			onError(w, req, err)
			return
		}
		var br *bufio.Reader
		if rw != nil {
			br = rw.Reader
		}
		r.Slogger.Info("new socket connection", "participant", p, "remote", req.RemoteAddr)

		ss := NewSocketSession(r.ctx, wsconn.New(conn, br), r.messages, r.opts.SendBuffer, r.opts.PingPeriod, r.Slogger)
		if err := r.Attach(ss, p); err != nil {
			// Lost a race with another connection or a status change.
			r.Slogger.Warn("closing refused connection", "participant", p, "err", err)
			ss.Close()
			return
		}
		ss.Start()
	}
}

// HandleSocket binds the connection from the token query parameter when one is
// given and verifier is set. A token that does not verify is refused before the
// upgrade.
func (r *Relay) HandleSocket(verifier TokenVerifier, onError ErrorHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var p portalchat.Participant
		if token := req.URL.Query().Get("token"); token != "" && verifier != nil {
			var err error
			p, err = verifier.Verify(token)
			if err != nil {
				onError(w, req, errors.Join(ErrUnauthorized, err))
				return
			}
		}
		r.HandleSocketWithParticipant(p, onError)(w, req)
	}
}

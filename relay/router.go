package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/chilledoj/portalchat"
)

type RouterOptions struct {
	Verifier       TokenVerifier
	AllowedOrigins []string
	// HistoryLimit caps the messages returned by the history endpoint.
	HistoryLimit int
	Slogger      *slog.Logger
}

// NewRouter serves the socket upgrade, the history endpoint and presence.
func NewRouter(relay *Relay, opts RouterOptions) http.Handler {
	sl := opts.Slogger
	if sl == nil {
		sl = slog.Default()
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(sl))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, http.StatusOK, map[string]string{
			"status": "ok",
			"relay":  relay.GetStatus().String(),
		})
	})

	r.Get("/chat", relay.HandleSocket(opts.Verifier, socketError(sl)))

	h := &historyHandler{store: relay.Store(), limit: opts.HistoryLimit, sl: sl}
	r.Route("/api/chat", func(r chi.Router) {
		r.Use(Authenticate(opts.Verifier))
		r.Get("/history", h.ServeHTTP)
		r.Get("/presence", func(w http.ResponseWriter, r *http.Request) {
			p, err := participantFromQuery(r, "userId", "userType")
			if err != nil {
				jsonError(w, http.StatusBadRequest, err.Error())
				return
			}
			jsonResponse(w, http.StatusOK, relay.GetParticipantPresence(p))
		})
	})
	return r
}

type historyHandler struct {
	store HistoryStore
	limit int
	sl    *slog.Logger
}

func (h *historyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sl := h.sl.With("func", "history.ServeHTTP")
	a, err := participantFromQuery(r, "user1Id", "user1Type")
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	b, err := participantFromQuery(r, "user2Id", "user2Type")
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, ok := ParticipantFromContext(r.Context())
	if !ok || (caller != a && caller != b) {
		jsonError(w, http.StatusForbidden, "not a participant of this conversation")
		return
	}

	msgs, err := h.store.History(r.Context(), a, b, h.limit)
	if err != nil {
		sl.Error("history lookup failed", "err", err)
		jsonError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	jsonResponse(w, http.StatusOK, msgs)
}

var errBadParticipant = errors.New("invalid participant")

func participantFromQuery(r *http.Request, idKey, typeKey string) (portalchat.Participant, error) {
	q := r.URL.Query()
	id, err := strconv.ParseInt(q.Get(idKey), 10, 64)
	if err != nil || id <= 0 {
		return portalchat.Participant{}, errors.Join(errBadParticipant, errors.New(idKey+" must be a positive integer"))
	}
	pt, err := portalchat.ParseParticipantType(q.Get(typeKey))
	if err != nil {
		return portalchat.Participant{}, errors.Join(errBadParticipant, err)
	}
	return portalchat.Participant{ID: id, Type: pt}, nil
}

func socketError(sl *slog.Logger) ErrorHandler {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		sl.Warn("socket refused", "err", err, "remote", r.RemoteAddr)
		switch {
		case errors.Is(err, ErrUnauthorized):
			jsonError(w, http.StatusUnauthorized, "invalid or expired token")
		case errors.Is(err, ErrNotAccepting), errors.Is(err, ErrTooManySockets):
			jsonError(w, http.StatusServiceUnavailable, err.Error())
		default:
			jsonError(w, http.StatusBadRequest, err.Error())
		}
	}
}

func requestLogger(sl *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			level := slog.LevelDebug
			if status >= http.StatusBadRequest {
				level = slog.LevelWarn
			}
			sl.Log(r.Context(), level, "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"latency", time.Since(start),
				"requestId", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, status int, msg string) {
	jsonResponse(w, status, map[string]string{"error": msg})
}

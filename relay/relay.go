package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chilledoj/portalchat"
)

var (
	ErrNotAccepting   = errors.New("relay is not accepting connections")
	ErrTooManySockets = errors.New("participant has too many connections")
	ErrSpoofedSender  = errors.New("frame sender does not match the connection")
)

// Bridge carries routed messages to other relay instances.
type Bridge interface {
	Publish(ctx context.Context, msg portalchat.ChatMessage) error
}

type Options struct {
	// ID names the instance on the bridge; generated when empty.
	ID     string
	Store  HistoryStore
	Bridge Bridge

	// EchoToSender also delivers a message to every connection of its sender,
	// including the one it came from.
	EchoToSender bool
	// MaxConnections bounds the live connections per participant; zero is unlimited.
	MaxConnections int

	OnConnect    func(p portalchat.Participant)
	OnDisconnect func(p portalchat.Participant)
	OnRemove     func(p portalchat.Participant)
	OnMessage    func(msg portalchat.ChatMessage)

	CleanupPeriod time.Duration
	SendBuffer    int
	PingPeriod    time.Duration

	Now     func() time.Time
	Slogger *slog.Logger
}

const defaultCleanupPeriod time.Duration = time.Second * 30

// Relay routes chat frames between the live connections of customers and workers.
// A connection is bound to one participant, either up front from a verified token
// or by the sender of its first valid frame.
type Relay struct {
	// ID identifies this instance on the bridge.
	ID   string
	opts Options

	mu       sync.RWMutex
	Status   Status
	unbound  map[string]SocketSessioner
	sessions map[portalchat.Participant]map[string]SocketSessioner
	bound    map[string]portalchat.Participant
	lastSeen map[portalchat.Participant]time.Time

	cleanupPeriod time.Duration

	messages chan SocketMessage

	ctx    context.Context
	cancel context.CancelFunc

	Slogger *slog.Logger
}

func NewRelay(parentCtx context.Context, options Options) *Relay {
	ctx, cancel := context.WithCancel(parentCtx)
	r := &Relay{
		ID:       options.ID,
		opts:     options,
		Status:   Open,
		unbound:  make(map[string]SocketSessioner),
		sessions: make(map[portalchat.Participant]map[string]SocketSessioner),
		bound:    make(map[string]portalchat.Participant),
		lastSeen: make(map[portalchat.Participant]time.Time),
		messages: make(chan SocketMessage, 255),
		ctx:      ctx,
		cancel:   cancel,
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if options.CleanupPeriod == 0 {
		r.cleanupPeriod = defaultCleanupPeriod
	} else {
		r.cleanupPeriod = options.CleanupPeriod
	}
	if r.opts.Store == nil {
		r.opts.Store = NewMemoryStore()
	}
	if r.opts.Now == nil {
		r.opts.Now = time.Now
	}

	if options.Slogger != nil {
		r.Slogger = options.Slogger.With("relay", r.ID)
	} else {
		r.Slogger = slog.Default().With("relay", r.ID)
	}
	return r
}

// Store is the history store messages are appended to.
func (r *Relay) Store() HistoryStore {
	return r.opts.Store
}

func (r *Relay) Start() {
	sl := r.Slogger.With("func", "relay.Start")
	sl.Debug("starting")
	ticker := time.NewTicker(r.cleanupPeriod)
	defer func() {
		ticker.Stop()
		sl.Info("stopped")
	}()
	for {
		select {
		case <-ticker.C:
			r.CleanUp()
		case <-r.ctx.Done():
			sl.Debug("stopping")
			return
		case msg := <-r.messages:
			switch msg.Type {
			case Disconnect:
				r.detach(msg.Session)
			case Message:
				r.handleFrame(msg.Session, msg.Message)
			}
		}
	}
}

// Stop closes every connection and ends the Start loop.
func (r *Relay) Stop() {
	sl := r.Slogger.With("func", "relay.Stop")
	sl.Debug("closing", "status", "started")
	r.mu.Lock()
	r.Status = Inactive
	toClose := make([]SocketSessioner, 0, len(r.unbound)+len(r.bound))
	for _, ss := range r.unbound {
		toClose = append(toClose, ss)
	}
	for _, conns := range r.sessions {
		for _, ss := range conns {
			toClose = append(toClose, ss)
		}
	}
	r.mu.Unlock()

	r.cancel()
	for _, ss := range toClose {
		ss.Close()
	}
	sl.Debug("relay closed", "status", "completed")
}

func (r *Relay) SetStatus(status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Status == status {
		return
	}
	r.Slogger.Debug("setting status", "func", "relay.SetStatus", "status", status)
	r.Status = status
}

func (r *Relay) GetStatus() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.Status
}

// CanJoin reports whether a new connection for p would be accepted. The zero
// participant stands for a connection that is not bound yet.
func (r *Relay) CanJoin(p portalchat.Participant) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.canJoin(p) == nil
}

func (r *Relay) canJoin(p portalchat.Participant) error {
	if r.Status != Open {
		return ErrNotAccepting
	}
	if p.Known() && r.opts.MaxConnections > 0 && len(r.sessions[p]) >= r.opts.MaxConnections {
		return ErrTooManySockets
	}
	return nil
}

// Attach registers a live connection. With a known participant it is bound
// straight away, otherwise it waits for its first frame.
func (r *Relay) Attach(ss SocketSessioner, p portalchat.Participant) error {
	r.mu.Lock()
	if err := r.canJoin(p); err != nil {
		r.mu.Unlock()
		return err
	}
	if !p.Known() {
		r.unbound[ss.ID()] = ss
		r.mu.Unlock()
		r.Slogger.Debug("attached unbound connection", "conn", ss.ID())
		return nil
	}
	first := r.bind(ss, p)
	r.mu.Unlock()

	if first {
		r.connected(p)
	}
	return nil
}

// bind must be called with mu held. It reports whether p had no live connection before.
func (r *Relay) bind(ss SocketSessioner, p portalchat.Participant) bool {
	delete(r.unbound, ss.ID())
	conns, ok := r.sessions[p]
	if !ok || conns == nil {
		conns = make(map[string]SocketSessioner)
		r.sessions[p] = conns
	}
	first := len(conns) == 0
	conns[ss.ID()] = ss
	r.bound[ss.ID()] = p
	return first
}

func (r *Relay) connected(p portalchat.Participant) {
	r.Slogger.Info("participant connected", "participant", p)
	if r.opts.OnConnect != nil {
		go r.opts.OnConnect(p)
	}
}

func (r *Relay) detach(ss SocketSessioner) {
	sl := r.Slogger.With("func", "relay.detach")
	r.mu.Lock()
	if _, ok := r.unbound[ss.ID()]; ok {
		delete(r.unbound, ss.ID())
		r.mu.Unlock()
		sl.Debug("unbound connection closed", "conn", ss.ID())
		return
	}
	p, ok := r.bound[ss.ID()]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.bound, ss.ID())
	conns := r.sessions[p]
	delete(conns, ss.ID())
	last := len(conns) == 0
	if last {
		r.lastSeen[p] = r.opts.Now()
	}
	r.mu.Unlock()

	sl.Debug("connection closed", "participant", p, "conn", ss.ID())
	if last {
		sl.Info("participant disconnected", "participant", p)
		if r.opts.OnDisconnect != nil {
			go r.opts.OnDisconnect(p)
		}
	}
}

func (r *Relay) handleFrame(ss SocketSessioner, data []byte) {
	sl := r.Slogger.With("func", "relay.handleFrame", "conn", ss.ID())
	msg, err := portalchat.DecodeMessage(data)
	if err != nil {
		sl.Warn("dropping malformed frame", "err", err)
		return
	}

	r.mu.Lock()
	p, ok := r.bound[ss.ID()]
	if !ok {
		if _, pending := r.unbound[ss.ID()]; !pending {
			r.mu.Unlock()
			sl.Debug("frame from a detached connection")
			return
		}
		if err := r.canJoin(msg.Sender()); errors.Is(err, ErrTooManySockets) {
			delete(r.unbound, ss.ID())
			r.mu.Unlock()
			sl.Warn("refusing connection", "participant", msg.Sender(), "err", err)
			go ss.Close()
			return
		}
		p = msg.Sender()
		if r.bind(ss, p) {
			defer r.connected(p)
		}
	}
	r.mu.Unlock()

	if msg.Sender() != p {
		sl.Warn("dropping frame", "err", ErrSpoofedSender, "bound", p, "claimed", msg.Sender())
		return
	}
	if err := r.Route(r.ctx, msg); err != nil {
		sl.Error("route failed", "err", err)
	}
}

// Route stores msg, delivers it to the local connections of its receiver and
// hands it to the bridge. A failed store is logged and delivery goes ahead.
func (r *Relay) Route(ctx context.Context, msg portalchat.ChatMessage) error {
	sl := r.Slogger.With("func", "relay.Route")
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = r.opts.Now().UTC()
	}

	if err := r.opts.Store.Append(ctx, msg); err != nil {
		sl.Error("history append failed", "err", err)
	}

	r.Deliver(msg)

	if r.opts.Bridge != nil {
		if err := r.opts.Bridge.Publish(ctx, msg); err != nil {
			sl.Error("bridge publish failed", "err", err)
		}
	}
	if r.opts.OnMessage != nil {
		go r.opts.OnMessage(msg)
	}
	return nil
}

// Deliver writes msg to the local connections of its receiver, and of its sender
// when EchoToSender is set. Nothing is stored or published.
func (r *Relay) Deliver(msg portalchat.ChatMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.Slogger.Error("encode failed", "func", "relay.Deliver", "err", err)
		return
	}
	r.SendToParticipant(msg.Receiver(), data)
	if r.opts.EchoToSender && msg.Sender() != msg.Receiver() {
		r.SendToParticipant(msg.Sender(), data)
	}
}

// SendToParticipant queues data on every live connection of p and returns how
// many accepted it.
func (r *Relay) SendToParticipant(p portalchat.Participant, data []byte) int {
	sl := r.Slogger.With("func", "relay.SendToParticipant")
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns, ok := r.sessions[p]
	if !ok || len(conns) == 0 {
		sl.Debug("participant not connected", "participant", p)
		return 0
	}
	sent := 0
	for id, ss := range conns {
		if !ss.Send(data) {
			sl.Warn("send buffer full, dropping frame", "participant", p, "conn", id)
			continue
		}
		sent++
	}
	return sent
}

// CleanUp forgets participants that have been disconnected for longer than the
// cleanup period.
func (r *Relay) CleanUp() {
	sl := r.Slogger.With("func", "relay.CleanUp")
	sl.Debug("starting")
	now := r.opts.Now()
	removed := make([]portalchat.Participant, 0)

	r.mu.Lock()
	if r.Status == Inactive {
		r.mu.Unlock()
		return
	}
	for p, conns := range r.sessions {
		if len(conns) > 0 {
			continue
		}
		if since := now.Sub(r.lastSeen[p]); since > r.cleanupPeriod {
			sl.Info("removing", "participant", p,
				slog.Group("checks",
					"lastSeen", r.lastSeen[p],
					"timeSince", since,
					"cleanupPeriod", r.cleanupPeriod,
				))
			delete(r.sessions, p)
			delete(r.lastSeen, p)
			removed = append(removed, p)
		}
	}
	r.mu.Unlock()

	if r.opts.OnRemove != nil {
		for _, p := range removed {
			go r.opts.OnRemove(p)
		}
	}
	sl.Debug("finished", "removed", len(removed))
}

func (r *Relay) GetPresence() []Presence {
	r.mu.RLock()
	presences := make([]Presence, 0, len(r.sessions))
	for p, conns := range r.sessions {
		presences = append(presences, r.presenceOf(p, conns))
	}
	r.mu.RUnlock()

	slices.SortFunc(presences, func(a, b Presence) int {
		return strings.Compare(a.Participant.String(), b.Participant.String())
	})
	return presences
}

// GetParticipantPresence never fails; a participant the relay has not seen is
// reported as disconnected with a zero LastSeen.
func (r *Relay) GetParticipantPresence(p portalchat.Participant) Presence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.presenceOf(p, r.sessions[p])
}

func (r *Relay) presenceOf(p portalchat.Participant, conns map[string]SocketSessioner) Presence {
	return Presence{
		Participant: p,
		Connections: len(conns),
		IsConnected: len(conns) > 0,
		LastSeen:    r.lastSeen[p],
	}
}

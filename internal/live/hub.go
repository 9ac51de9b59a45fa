// Package live fans committed dialogue events out to websocket subscribers.
package live

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/reclassroom/reclass/internal/dialogue"
)

const (
	defaultQueueSize  = 256
	subscriberBuffer  = 32
	writeTimeout      = 5 * time.Second
	closeReasonClosed = "session feed closed"
)

// Message is the wire frame sent to subscribers.
type Message struct {
	Type  string          `json:"type"`
	Event *dialogue.Event `json:"event,omitempty"`
	Data  any             `json:"data,omitempty"`
}

type subscriber struct {
	sessionID string
	ch        chan dialogue.Event
	done      chan struct{}
	once      sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// Hub is a dialogue.Observer. Events are queued without blocking the
// orchestrator and distributed by a single broadcast goroutine.
type Hub struct {
	in     chan dialogue.Event
	quit   chan struct{}
	wg     sync.WaitGroup
	logger *zap.Logger

	allowedOrigin string
	isDev         bool

	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}

	closeOnce sync.Once
}

// Options configures a Hub.
type Options struct {
	QueueSize     int
	AllowedOrigin string
	IsDev         bool
	Logger        *zap.Logger
}

// NewHub starts the broadcast loop. Call Close to stop it.
func NewHub(opts Options) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	h := &Hub{
		in:            make(chan dialogue.Event, opts.QueueSize),
		quit:          make(chan struct{}),
		logger:        opts.Logger,
		allowedOrigin: opts.AllowedOrigin,
		isDev:         opts.IsDev,
		subs:          make(map[string]map[*subscriber]struct{}),
	}
	h.wg.Add(1)
	go h.broadcastLoop()
	return h
}

// Observe implements dialogue.Observer.
func (h *Hub) Observe(e dialogue.Event) {
	select {
	case <-h.quit:
	case h.in <- e:
	default:
		h.logger.Warn("live feed queue full; event dropped",
			zap.String("session_id", e.SessionID),
			zap.String("event", string(e.Type)))
	}
}

func (h *Hub) broadcastLoop() {
	defer h.wg.Done()
	for {
		select {
		case <-h.quit:
			return
		case e := <-h.in:
			h.broadcast(e)
		}
	}
}

func (h *Hub) broadcast(e dialogue.Event) {
	h.mu.RLock()
	set := h.subs[e.SessionID]
	subs := make([]*subscriber, 0, len(set))
	for s := range set {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- e:
		case <-s.done:
		default:
			h.logger.Warn("live subscriber too slow; disconnecting", zap.String("session_id", e.SessionID))
			s.close()
		}
	}
}

func (h *Hub) subscribe(sessionID string) *subscriber {
	s := &subscriber{
		sessionID: sessionID,
		ch:        make(chan dialogue.Event, subscriberBuffer),
		done:      make(chan struct{}),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[sessionID] = set
	}
	set[s] = struct{}{}
	return s
}

func (h *Hub) unsubscribe(s *subscriber) {
	s.close()
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[s.sessionID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.sessionID)
		}
	}
}

// Subscribers returns the number of live connections for a session.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

// Close stops the broadcast loop and disconnects every subscriber.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.quit)
		h.wg.Wait()

		h.mu.Lock()
		defer h.mu.Unlock()
		for id, set := range h.subs {
			for s := range set {
				s.close()
			}
			delete(h.subs, id)
		}
	})
}

// Serve upgrades the request and streams the session's events until the
// client goes away, the session ends or the hub closes. snapshot, when not
// nil, is sent first.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, sessionID string, snapshot any) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	defer func() {
		if err := conn.Close(websocket.StatusNormalClosure, closeReasonClosed); err != nil {
			h.logger.Debug("websocket close", zap.String("session_id", sessionID), zap.Error(err))
		}
	}()

	sub := h.subscribe(sessionID)
	defer h.unsubscribe(sub)

	// The feed is one-way; CloseRead handles control frames and cancels ctx
	// when the client disconnects.
	ctx := conn.CloseRead(r.Context())

	if snapshot != nil {
		if err := h.write(ctx, conn, Message{Type: "snapshot", Data: snapshot}); err != nil {
			return
		}
	}

	h.logger.Debug("live subscriber connected", zap.String("session_id", sessionID))
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			return
		case <-h.quit:
			return
		case e := <-sub.ch:
			if err := h.write(ctx, conn, Message{Type: string(e.Type), Event: &e}); err != nil {
				h.logger.Debug("live write failed", zap.String("session_id", sessionID), zap.Error(err))
				return
			}
			if e.Type == dialogue.EventStatusChanged && e.Status.Terminal() {
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, m Message) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, m)
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("websocket origin rejected", zap.String("origin", origin), zap.String("allowed", h.allowedOrigin))
	return false
}

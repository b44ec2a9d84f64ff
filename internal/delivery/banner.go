package delivery

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"storenotify/internal/apperr"
	"storenotify/internal/model"
	logx "storenotify/pkg/logx"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
	wsReadLimit  = 1024
	wsSendBuffer = 32
)

// Banner is a transient in-app message.
type Banner struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Kind      model.EventKind `json:"kind"`
	Title     string          `json:"title"`
	Body      string          `json:"body"`
	Category  string          `json:"category"`
	URL       string          `json:"url,omitempty"`
	ShownAt   time.Time       `json:"shown_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

type frame struct {
	Type   string  `json:"type"`
	Banner *Banner `json:"banner,omitempty"`
	ID     string  `json:"id,omitempty"`
	Reason string  `json:"reason,omitempty"`
}

type bannerEntry struct {
	b     Banner
	timer *time.Timer
}

type wsClient struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func (c *wsClient) close() { c.once.Do(func() { close(c.done) }) }

// Hub is the in-app banner channel. Banners auto-expire after the TTL; a
// manual dismiss cancels the expiry timer. Each banner is removed exactly
// once. Connected websocket clients receive show/hide frames.
type Hub struct {
	log logx.Logger
	now func() time.Time

	mu      sync.Mutex
	ttl     time.Duration
	banners map[string]*bannerEntry
	clients map[string]map[*wsClient]struct{}
	closed  bool
}

func NewHub(ttl time.Duration, log logx.Logger) *Hub {
	if log.IsZero() {
		log = logx.Nop()
	}
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Hub{
		log:     log,
		now:     time.Now,
		ttl:     ttl,
		banners: map[string]*bannerEntry{},
		clients: map[string]map[*wsClient]struct{}{},
	}
}

// SetTTL applies to banners shown after the call.
func (h *Hub) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	h.mu.Lock()
	h.ttl = ttl
	h.mu.Unlock()
}

func (h *Hub) Name() model.SourceChannel { return model.SourceInApp }

// Send shows a banner. It succeeds whether or not the user is connected;
// the banner stays listed in Active until it expires or is dismissed.
func (h *Hub) Send(_ context.Context, userID string, ev model.Event) error {
	_, err := h.Show(userID, ev)
	return err
}

func (h *Hub) Show(userID string, ev model.Event) (Banner, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return Banner{}, apperr.Newf(apperr.KindTransient, "delivery.in-app", "banner hub closed")
	}
	now := h.now()
	b := Banner{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      ev.Kind,
		Title:     ev.Title,
		Body:      ev.Body,
		Category:  ev.Category,
		URL:       ev.TargetURL,
		ShownAt:   now,
		ExpiresAt: now.Add(h.ttl),
	}
	id := b.ID
	h.banners[id] = &bannerEntry{b: b, timer: time.AfterFunc(h.ttl, func() { h.remove(id, "expired") })}
	h.broadcastLocked(userID, frame{Type: "banner.show", Banner: &b})
	return b, nil
}

// Dismiss removes a banner before it expires. It reports false when the
// banner is already gone.
func (h *Hub) Dismiss(id string) bool { return h.remove(id, "dismissed") }

func (h *Hub) remove(id, reason string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.banners[id]
	if !ok {
		return false
	}
	delete(h.banners, id)
	e.timer.Stop()
	h.broadcastLocked(e.b.UserID, frame{Type: "banner.hide", ID: id, Reason: reason})
	return true
}

// Active lists the user's visible banners, oldest first.
func (h *Hub) Active(userID string) []Banner {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.activeLocked(userID)
}

func (h *Hub) activeLocked(userID string) []Banner {
	var out []Banner
	for _, e := range h.banners {
		if e.b.UserID == userID {
			out = append(out, e.b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShownAt.Before(out[j].ShownAt) })
	return out
}

// Pending is the number of live banners (and timers).
func (h *Hub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.banners)
}

func (h *Hub) broadcastLocked(userID string, f frame) {
	conns := h.clients[userID]
	if len(conns) == 0 {
		return
	}
	msg, err := json.Marshal(f)
	if err != nil {
		return
	}
	for c := range conns {
		select {
		case c.send <- msg:
		default:
			h.log.Warn("banner client too slow, disconnecting", logx.String("user_id", userID))
			delete(conns, c)
			c.close()
		}
	}
	if len(conns) == 0 {
		delete(h.clients, userID)
	}
}

func (h *Hub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set := h.clients[c.userID]
	if set == nil {
		set = map[*wsClient]struct{}{}
		h.clients[c.userID] = set
	}
	set[c] = struct{}{}
	for _, b := range h.activeLocked(c.userID) {
		b := b
		if msg, err := json.Marshal(frame{Type: "banner.show", Banner: &b}); err == nil {
			select {
			case c.send <- msg:
			default:
			}
		}
	}
	return true
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	if set := h.clients[c.userID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.userID)
		}
	}
	h.mu.Unlock()
	c.close()
}

// Serve pumps banner frames to conn until the client disconnects, ctx ends
// or the hub closes. Clients may send {"type":"dismiss","id":"..."}.
func (h *Hub) Serve(ctx context.Context, userID string, conn *websocket.Conn) error {
	c := &wsClient{userID: userID, conn: conn, send: make(chan []byte, wsSendBuffer), done: make(chan struct{})}
	defer conn.Close()
	if !h.register(c) {
		return apperr.Newf(apperr.KindTransient, "delivery.Serve", "banner hub closed")
	}
	defer h.unregister(c)
	h.log.Debug("banner client connected", logx.String("user_id", userID))

	readErr := make(chan error, 1)
	go func() {
		conn.SetReadLimit(wsReadLimit)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			var in frame
			if err := conn.ReadJSON(&in); err != nil {
				readErr <- err
				return
			}
			if in.Type == "dismiss" && in.ID != "" {
				h.Dismiss(in.ID)
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(wsWriteWait))
			return ctx.Err()
		case <-c.done:
			return nil
		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("banner client read error", logx.String("user_id", userID), logx.Err(err))
			}
			return nil
		case msg := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return err
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return err
			}
		}
	}
}

// Close stops every timer and disconnects all clients.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, e := range h.banners {
		e.timer.Stop()
		delete(h.banners, id)
	}
	for uid, set := range h.clients {
		for c := range set {
			c.close()
		}
		delete(h.clients, uid)
	}
}

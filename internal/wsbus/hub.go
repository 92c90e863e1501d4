// Package wsbus is the C5 event fan-out: a per-user-group websocket hub
// plus the push-notification work-queue enqueue step. Grounded on the
// teacher's internal/websocket.Hub (register/unregister/broadcast channels
// guarded by a sync.RWMutex), generalized from one flat broadcast group to
// named per-user groups (user_{id}) so a trigger event or hotlist snapshot
// is delivered only to the users entitled to see it.
package wsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"ignition-scanner/internal/pushqueue"
	"ignition-scanner/internal/scanner"
	"ignition-scanner/internal/store"
)

// groupFor returns the websocket group name for a user, matching the
// public envelope contract (`user_{id}` groups).
func groupFor(userID string) string {
	return "user_" + userID
}

// Hub manages every connected client, grouped by user, and fans out
// trigger/hotlist envelopes to the groups entitled to see them.
type Hub struct {
	mu      sync.RWMutex
	groups  map[string]map[*Client]bool
	clients map[*Client]string // client -> group, for unregister

	register   chan *registration
	unregister chan *Client
	send       chan groupMessage

	prefs store.PreferenceStore
	log   *logrus.Entry

	amqpConn *amqp091.Connection
	amqpCh   *amqp091.Channel
}

type registration struct {
	client *Client
	group  string
}

type groupMessage struct {
	group   string
	payload []byte
}

// NewHub constructs a Hub. Call Run in its own goroutine before serving
// any websocket connections.
func NewHub(prefs store.PreferenceStore, log *logrus.Entry) *Hub {
	return &Hub{
		groups:     make(map[string]map[*Client]bool),
		clients:    make(map[*Client]string),
		register:   make(chan *registration),
		unregister: make(chan *Client),
		send:       make(chan groupMessage, 256),
		prefs:      prefs,
		log:        log,
	}
}

// ConnectPushQueue opens the AMQP connection/channel used to enqueue push
// tasks. Optional: a Hub with no push queue connected still serves
// websockets, it just cannot dispatch to C6.
func (h *Hub) ConnectPushQueue(amqpURI string) error {
	conn, err := pushqueue.DialWithRetry(amqpURI, 10, 2*time.Second)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("wsbus: open channel: %w", err)
	}
	if err := pushqueue.DeclareQueue(ch); err != nil {
		ch.Close()
		conn.Close()
		return err
	}
	h.amqpConn = conn
	h.amqpCh = ch
	return nil
}

// Close releases the push-queue connection, if any.
func (h *Hub) Close() {
	if h.amqpCh != nil {
		h.amqpCh.Close()
	}
	if h.amqpConn != nil {
		h.amqpConn.Close()
	}
}

// Run is the hub's single-writer event loop; it owns all group membership
// mutation so register/unregister/send never race with each other.
func (h *Hub) Run() {
	for {
		select {
		case reg := <-h.register:
			h.mu.Lock()
			if h.groups[reg.group] == nil {
				h.groups[reg.group] = make(map[*Client]bool)
			}
			h.groups[reg.group][reg.client] = true
			h.clients[reg.client] = reg.group
			h.mu.Unlock()
			h.log.WithField("group", reg.group).Debug("websocket client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			group := h.clients[client]
			if members, ok := h.groups[group]; ok {
				if _, present := members[client]; present {
					delete(members, client)
					close(client.send)
				}
				if len(members) == 0 {
					delete(h.groups, group)
				}
			}
			delete(h.clients, client)
			h.mu.Unlock()

		case msg := <-h.send:
			h.mu.RLock()
			for client := range h.groups[msg.group] {
				select {
				case client.send <- msg.payload:
				default:
					// Backpressured client: drop it rather than block the
					// whole hub; one slow reader must not stall others.
					close(client.send)
					delete(h.groups[msg.group], client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// GroupAddDiscard exercises a synthetic add/discard on name, used by the
// admin health probe to verify the websocket layer is reachable without
// delivering anything to a real user.
func (h *Hub) GroupAddDiscard(name string) bool {
	probe := &Client{hub: h, send: make(chan []byte, 1)}
	h.register <- &registration{client: probe, group: name}
	h.unregister <- probe
	return true
}

// upgrader mirrors the teacher's CheckOrigin allow-list (localhost dev
// origin plus the private 10.10.10.0/24 network), generalized to also
// allow same-origin requests with no Origin header.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if origin == "http://localhost:5173" || origin == "https://localhost:5173" {
			return true
		}
		if u, err := url.Parse(origin); err == nil {
			if strings.HasPrefix(u.Hostname(), "10.10.10.") {
				return true
			}
		}
		return false
	},
}

// ServeWs upgrades the request and registers the connection under the
// group for userID, sending the "hello" envelope once registered.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	client := &Client{hub: h, conn: conn, send: make(chan []byte, 256)}
	h.register <- &registration{client: client, group: groupFor(userID)}

	hello, _ := json.Marshal(map[string]any{"type": "hello", "user_id": userID})
	client.send <- hello

	go client.writePump()
	go client.readPump()
}

// PublishTrigger delivers ev to every follow_alerts user's group and
// enqueues a push-notification task for C6. A per-user/per-step failure
// does not prevent the remaining users from being served.
func (h *Hub) PublishTrigger(ctx context.Context, ev store.TriggerEvent) error {
	envelope := triggerEnvelope(ev)
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("wsbus: marshal trigger envelope: %w", err)
	}

	followers, err := h.prefs.ListFollowers(ctx)
	if err != nil {
		return fmt.Errorf("wsbus: list followers: %w", err)
	}
	for _, f := range followers {
		h.send <- groupMessage{group: groupFor(f.UserID), payload: payload}
	}

	return h.enqueuePush(ctx, ev.ID)
}

// PublishHotlist delivers a HOT-5 snapshot to every live_feed_enabled
// user's group.
func (h *Hub) PublishHotlist(ctx context.Context, items []scanner.HotlistItem) error {
	envelope := map[string]any{
		"type":  "hot5",
		"ts":    time.Now().UTC().Unix(),
		"items": items,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("wsbus: marshal hotlist envelope: %w", err)
	}

	subscribers, err := h.prefs.ListLiveFeedSubscribers(ctx)
	if err != nil {
		return fmt.Errorf("wsbus: list live-feed subscribers: %w", err)
	}
	for _, sub := range subscribers {
		h.send <- groupMessage{group: groupFor(sub.UserID), payload: payload}
	}
	return nil
}

// PublishHotlistTo delivers a HOT-5 snapshot to a single user only, used
// by the admin surface's emit_test_hot5 action.
func (h *Hub) PublishHotlistTo(userID string, items []scanner.HotlistItem) error {
	envelope := map[string]any{
		"type":  "hot5",
		"ts":    time.Now().UTC().Unix(),
		"items": items,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("wsbus: marshal hotlist envelope: %w", err)
	}
	h.send <- groupMessage{group: groupFor(userID), payload: payload}
	return nil
}

func triggerEnvelope(ev store.TriggerEvent) map[string]any {
	return map[string]any{
		"type":                "trigger",
		"ts":                  ev.TriggeredAt.Unix(),
		"id":                  ev.ID,
		"symbol":              ev.Symbol,
		"triggered_at":        ev.TriggeredAt,
		"reason_tags":         ev.ReasonTags,
		"o":                   ev.Open,
		"h":                   ev.High,
		"l":                   ev.Low,
		"c":                   ev.Close,
		"v":                   ev.Volume,
		"last_price":          ev.LastPrice,
		"vol_1m":              ev.Vol1m,
		"vol_5m":              ev.Vol5m,
		"avg_vol_1m_lookback": ev.AvgVol1mLookback,
		"rvol_1m":             ev.RVOL1m,
		"rvol_5m":             ev.RVOL5m,
		"pct_change_1m":       ev.PctChange1m,
		"pct_change_5m":       ev.PctChange5m,
		"hod":                 ev.HOD,
		"broke_hod":           ev.BrokeHOD,
		"score":               ev.Score,
	}
}

// enqueuePush publishes eventID onto the push-notification work queue. If
// the queue isn't connected, this is a no-op (matching the "best effort,
// never blocks ingestion" failure posture spec.md asks for elsewhere).
func (h *Hub) enqueuePush(ctx context.Context, eventID string) error {
	if h.amqpCh == nil {
		return nil
	}
	publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return h.amqpCh.PublishWithContext(publishCtx, "", pushqueue.QueueName, false, false, amqp091.Publishing{
		ContentType: "text/plain",
		Body:        []byte(eventID),
	})
}

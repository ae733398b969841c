// README: Local websocket hub: one group per driver or customer, bounded per-session send queues.
package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024
	sendBuffer     = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type Hub struct {
	log    logrus.FieldLogger
	mu     sync.RWMutex
	groups map[string]map[*Client]struct{}
}

func NewHub(log logrus.FieldLogger) *Hub {
	return &Hub{log: log, groups: make(map[string]map[*Client]struct{})}
}

// Client is one websocket session bound to a single group.
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	group string
	send  chan []byte
	once  sync.Once
}

// inbound is the only frame shape clients may send.
type inbound struct {
	Type string `json:"type"`
	Ref  string `json:"ref,omitempty"`
}

// Serve upgrades the request and binds the session to groupKey until the
// connection closes.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, groupKey string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	h.Attach(conn, groupKey)
	return nil
}

func (h *Hub) Attach(conn *websocket.Conn, groupKey string) *Client {
	c := &Client{hub: h, conn: conn, group: groupKey, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	set, ok := h.groups[groupKey]
	if !ok {
		set = make(map[*Client]struct{})
		h.groups[groupKey] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()

	h.log.WithField("group", groupKey).Debug("websocket session attached")
	go c.writePump()
	go c.readPump()
	return c
}

// Connected returns the number of live sessions in a group.
func (h *Hub) Connected(groupKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[groupKey])
}

func (h *Hub) Publish(_ context.Context, groupKey, eventType string, payload any) error {
	msg, err := NewMessage(groupKey, eventType, payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	h.Deliver(groupKey, frame)
	return nil
}

// Deliver queues an encoded frame on every session of the group. Sessions
// with a full queue miss the frame.
func (h *Hub) Deliver(groupKey string, frame []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for c := range h.groups[groupKey] {
		select {
		case c.send <- frame:
			delivered++
		default:
			h.log.WithField("group", groupKey).Warn("websocket send queue full, frame dropped")
		}
	}
	return delivered
}

func (h *Hub) detach(c *Client) {
	h.mu.Lock()
	if set, ok := h.groups[c.group]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.groups, c.group)
		}
	}
	h.mu.Unlock()
	h.log.WithField("group", c.group).Debug("websocket session detached")
}

func (c *Client) close() {
	c.once.Do(func() {
		c.hub.detach(c)
		close(c.send)
	})
}

func (c *Client) readPump() {
	defer func() {
		c.close()
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.WithError(err).WithField("group", c.group).Debug("websocket read failed")
			}
			return
		}
		var in inbound
		if err := json.Unmarshal(payload, &in); err != nil {
			c.hub.log.WithField("group", c.group).Debug("malformed websocket frame ignored")
			continue
		}
		switch in.Type {
		case "ping":
			c.enqueuePong()
		case "ack":
			c.hub.log.WithFields(logrus.Fields{"group": c.group, "ref": in.Ref}).Info("client ack")
		default:
			c.hub.log.WithFields(logrus.Fields{"group": c.group, "type": in.Type}).Debug("unsupported websocket frame ignored")
		}
	}
}

func (c *Client) enqueuePong() {
	msg, _ := NewMessage("", EventPong, nil)
	frame, _ := json.Marshal(msg)
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, live := c.hub.groups[c.group][c]; !live {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package foxglove

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
)

// client is one Foxglove websocket connection and its subscriptions.
type client struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	subs   map[uint32]uint64
	closed bool
	once   sync.Once
}

func newClient(conn *websocket.Conn, sendBuf int) *client {
	return &client{
		conn: conn,
		send: make(chan []byte, sendBuf),
		subs: make(map[uint32]uint64),
	}
}

func knownChannel(id uint64) bool {
	switch id {
	case FrameChannelID, TransformChannelID, MarkerChannelID, LogChannelID:
		return true
	}
	return false
}

func (c *client) readLoop() {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var header struct {
			Op string `json:"op"`
		}
		if err := json.Unmarshal(data, &header); err != nil {
			continue
		}

		switch header.Op {
		case OpSubscribe:
			var msg SubscribeMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			c.mu.Lock()
			for _, sub := range msg.Subscriptions {
				if knownChannel(sub.ChannelID) {
					c.subs[sub.ID] = sub.ChannelID
				}
			}
			c.mu.Unlock()
		case OpUnsubscribe:
			var msg UnsubscribeMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			c.mu.Lock()
			for _, id := range msg.SubscriptionIDs {
				delete(c.subs, id)
			}
			c.mu.Unlock()
		}
	}
}

func (c *client) writeLoop() {
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			c.close()
			return
		}
	}
}

// trySend drops msg when the client is slow or already closed.
func (c *client) trySend(msg []byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (c *client) subIDsForChannel(channelID uint64) []uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var ids []uint32
	for id, ch := range c.subs {
		if ch == channelID {
			ids = append(ids, id)
		}
	}
	return ids
}

func (c *client) close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
		_ = c.conn.Close()
	})
}

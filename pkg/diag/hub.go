// Websocket client hub
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package diag

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Message is one websocket frame.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Client is a connected websocket peer.
type Client struct {
	conn      *websocket.Conn
	writeWait time.Duration
	mu        sync.Mutex
}

// Send writes msg to the client.
func (c *Client) Send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.conn.WriteJSON(msg)
}

func (c *Client) write(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

// DefaultWriteWait bounds a single websocket write.
const DefaultWriteWait = 10 * time.Second

// Hub fans status messages out to every connected client. A client that
// does not take a frame within the write wait is dropped.
type Hub struct {
	writeWait time.Duration

	mu      sync.RWMutex
	clients map[*Client]struct{}
}

// NewHub creates a hub; writeWait <= 0 selects DefaultWriteWait.
func NewHub(writeWait time.Duration) *Hub {
	if writeWait <= 0 {
		writeWait = DefaultWriteWait
	}
	return &Hub{writeWait: writeWait, clients: make(map[*Client]struct{})}
}

func (h *Hub) Add(conn *websocket.Conn) *Client {
	c := &Client{conn: conn, writeWait: h.writeWait}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	_ = c.conn.Close()
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends msg to every client. Writes happen outside the hub
// lock; failed clients are dropped.
func (h *Hub) Broadcast(msg Message) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		if err := c.write(b); err != nil {
			h.Remove(c)
		}
	}
}

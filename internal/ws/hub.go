package ws

import (
	"context"
)

// delivery is a frame routed by the hub. An empty room means every connected
// client; exclude skips the sender.
type delivery struct {
	room    string
	exclude *Client
	payload []byte
}

type direct struct {
	client  *Client
	payload []byte
}

type joinRequest struct {
	client *Client
	room   string
	done   chan struct{}
}

// Hub owns room membership. Only Run touches clients, rooms and roomOf, and
// only Run writes to a client's send channel.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	join       chan joinRequest
	broadcast  chan delivery
	direct     chan direct
	done       chan struct{}

	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}
	roomOf  map[*Client]string
}

func NewHub() *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		join:       make(chan joinRequest),
		broadcast:  make(chan delivery, 256),
		direct:     make(chan direct, 256),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
		rooms:      make(map[string]map[*Client]struct{}),
		roomOf:     make(map[*Client]string),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.drop(client)
			}
			return
		case client := <-h.register:
			h.clients[client] = struct{}{}
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
			}
		case req := <-h.join:
			if _, ok := h.clients[req.client]; ok {
				h.leaveRoom(req.client)
				members := h.rooms[req.room]
				if members == nil {
					members = make(map[*Client]struct{})
					h.rooms[req.room] = members
				}
				members[req.client] = struct{}{}
				h.roomOf[req.client] = req.room
			}
			close(req.done)
		case msg := <-h.direct:
			if _, ok := h.clients[msg.client]; ok {
				h.send(msg.client, msg.payload)
			}
		case msg := <-h.broadcast:
			targets := h.clients
			if msg.room != "" {
				targets = h.rooms[msg.room]
			}
			for client := range targets {
				if client == msg.exclude {
					continue
				}
				h.send(client, msg.payload)
			}
		}
	}
}

// send drops a client whose buffer is full; fan-out never blocks the hub.
func (h *Hub) send(client *Client, payload []byte) {
	select {
	case client.send <- payload:
	default:
		h.drop(client)
		client.conn.Close()
	}
}

func (h *Hub) drop(client *Client) {
	h.leaveRoom(client)
	delete(h.clients, client)
	close(client.send)
}

func (h *Hub) leaveRoom(client *Client) {
	room, ok := h.roomOf[client]
	if !ok {
		return
	}
	delete(h.roomOf, client)
	if members := h.rooms[room]; members != nil {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Join moves c into room and returns once membership is visible to fan-out.
func (h *Hub) Join(c *Client, room string) {
	req := joinRequest{client: c, room: room, done: make(chan struct{})}
	select {
	case h.join <- req:
	case <-h.done:
		return
	}
	<-req.done
}

// Broadcast delivers payload to the room, or to everyone when room is empty.
func (h *Hub) Broadcast(room string, exclude *Client, payload []byte) {
	select {
	case h.broadcast <- delivery{room: room, exclude: exclude, payload: payload}:
	case <-h.done:
	}
}

func (h *Hub) Send(c *Client, payload []byte) {
	select {
	case h.direct <- direct{client: c, payload: payload}:
	case <-h.done:
	}
}

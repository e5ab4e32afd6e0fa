package broadcast

import (
	"sync"

	"coderoom/internal/events"
	"coderoom/internal/logger"
	"coderoom/internal/metrics"
)

const sendBuffer = 256

type subscriber struct {
	send     chan []byte
	roomID   string
	username string
}

// Hub fans encoded events out to subscribed connections, grouped by the
// room each connection has joined. Sends never block: a subscriber with a
// full buffer misses the message.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*subscriber
	rooms map[string]map[string]*subscriber

	metrics *metrics.Metrics
}

func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{
		conns:   make(map[string]*subscriber),
		rooms:   make(map[string]map[string]*subscriber),
		metrics: m,
	}
}

// Subscribe registers a connection and returns the channel its writer drains.
func (h *Hub) Subscribe(connID string) <-chan []byte {
	sub := &subscriber{send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	if old, ok := h.conns[connID]; ok {
		h.detachLocked(connID, old)
		close(old.send)
	}
	h.conns[connID] = sub
	h.mu.Unlock()
	return sub.send
}

// Unsubscribe drops the connection from every room and closes its channel.
func (h *Hub) Unsubscribe(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.conns[connID]
	if !ok {
		return
	}
	h.detachLocked(connID, sub)
	delete(h.conns, connID)
	close(sub.send)
}

// Attach binds a connection to (roomID, username), leaving any room it was
// previously in.
func (h *Hub) Attach(connID, roomID, username string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.conns[connID]
	if !ok {
		return
	}
	h.detachLocked(connID, sub)
	sub.roomID = roomID
	sub.username = username
	members := h.rooms[roomID]
	if members == nil {
		members = make(map[string]*subscriber)
		h.rooms[roomID] = members
	}
	members[connID] = sub
}

func (h *Hub) Detach(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.conns[connID]; ok {
		h.detachLocked(connID, sub)
	}
}

func (h *Hub) detachLocked(connID string, sub *subscriber) {
	if sub.roomID == "" {
		return
	}
	if members := h.rooms[sub.roomID]; members != nil {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, sub.roomID)
		}
	}
	sub.roomID = ""
	sub.username = ""
}

func (h *Hub) Binding(connID string) (roomID, username string, ok bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sub, found := h.conns[connID]
	if !found || sub.roomID == "" {
		return "", "", false
	}
	return sub.roomID, sub.username, true
}

// RoomSize is the number of connections attached to a room in this process.
func (h *Hub) RoomSize(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

func (h *Hub) Broadcast(roomID string, msg events.Message) {
	h.BroadcastExcept(roomID, "", msg)
}

func (h *Hub) BroadcastExcept(roomID, connID string, msg events.Message) {
	data, ok := encode(msg)
	if !ok {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, sub := range h.rooms[roomID] {
		if id == connID {
			continue
		}
		h.deliver(sub, data)
	}
}

func (h *Hub) Send(connID string, msg events.Message) {
	data, ok := encode(msg)
	if !ok {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if sub, found := h.conns[connID]; found {
		h.deliver(sub, data)
	}
}

func (h *Hub) deliver(sub *subscriber, data []byte) {
	select {
	case sub.send <- data:
	default:
		// skip clients with full send buffers
		if h.metrics != nil {
			h.metrics.MessagesDropped.Inc()
		}
	}
}

func encode(msg events.Message) ([]byte, bool) {
	data, err := msg.Encode()
	if err != nil {
		log := logger.For("broadcast")
		log.Error().Err(err).Str("event", msg.Event).Msg("encoding message")
		return nil, false
	}
	return data, true
}

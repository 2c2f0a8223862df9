// Package websocket is the connection registry: it tracks live connections,
// the rooms each one listens on, and routes events to them.
package websocket

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"messenger/internal/models"
)

// Memberships is what the hub needs from the store to decide which
// conversation rooms a user may listen on.
type Memberships interface {
	ListUserConversationIDs(ctx context.Context, userID string) ([]string, error)
	FindMembership(ctx context.Context, conversationID, userID string) (*models.Participant, error)
}

type Hub struct {
	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}
	mu      sync.RWMutex
	wg      sync.WaitGroup
	members Memberships
	logger  *zap.Logger
}

func NewHub(members Memberships, logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		rooms:   make(map[string]map[*Client]struct{}),
		members: members,
		logger:  logger,
	}
}

// Serve registers c and runs its pumps until the connection ends.
func (h *Hub) Serve(ctx context.Context, c *Client) {
	h.Register(ctx, c)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.WritePump()
	}()
	go func() {
		defer h.wg.Done()
		c.ReadPump()
	}()
}

// Register adds c to the hub, its personal room and the room of every
// conversation its user participates in.
func (h *Hub) Register(ctx context.Context, c *Client) {
	if c == nil {
		h.logger.Warn("received nil client registration; skipping")
		return
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.join(c, models.UserRoom(c.userID))
	total := len(h.clients)
	h.mu.Unlock()

	ids, err := h.members.ListUserConversationIDs(ctx, c.userID)
	if err != nil {
		h.logger.Error("failed to load conversations for client",
			zap.String("client_id", c.id), zap.String("user_id", c.userID), zap.Error(err))
	}

	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		for _, id := range ids {
			h.join(c, models.ConversationRoom(id))
		}
	}
	h.mu.Unlock()

	h.logger.Info("client connected",
		zap.String("client_id", c.id),
		zap.String("user_id", c.userID),
		zap.Int("conversations", len(ids)),
		zap.Int("total_clients", total))

	h.sendTo(c, models.EventSystem, map[string]string{"message": "Connected to chat server"})
}

// JoinRoom subscribes c to a conversation room. Empty ids and conversations
// the user does not participate in are ignored.
func (h *Hub) JoinRoom(ctx context.Context, c *Client, conversationID string) {
	if c == nil || conversationID == "" {
		return
	}

	member, err := h.members.FindMembership(ctx, conversationID, c.userID)
	if err != nil {
		h.logger.Error("membership lookup failed",
			zap.String("conversation_id", conversationID), zap.String("user_id", c.userID), zap.Error(err))
		return
	}
	if member == nil {
		h.logger.Debug("ignoring join from non-participant",
			zap.String("conversation_id", conversationID), zap.String("user_id", c.userID))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		h.join(c, models.ConversationRoom(conversationID))
	}
}

func (h *Hub) LeaveRoom(c *Client, conversationID string) {
	if c == nil || conversationID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leave(c, models.ConversationRoom(conversationID))
}

// Unregister drops every membership of c and closes its send queue. Calling it
// more than once is harmless.
func (h *Hub) Unregister(c *Client) {
	if c == nil {
		return
	}

	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	h.remove(c)
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("client disconnected",
		zap.String("client_id", c.id),
		zap.String("user_id", c.userID),
		zap.Int("remaining_clients", total))
}

// Emit delivers an event to every connection in room. Connections whose send
// buffer is full are dropped so they resynchronize on reconnect.
func (h *Hub) Emit(room, eventType string, payload any) {
	data, err := encodeEvent(eventType, payload)
	if err != nil {
		h.logger.Error("failed to marshal event", zap.String("event", eventType), zap.Error(err))
		return
	}

	var failed []*Client
	h.mu.RLock()
	for c := range h.rooms[room] {
		if !h.trySend(c, data) {
			failed = append(failed, c)
		}
	}
	h.mu.RUnlock()

	h.removeFailedClients(failed, room)
}

// sendTo delivers an event to a single connection.
func (h *Hub) sendTo(c *Client, eventType string, payload any) {
	data, err := encodeEvent(eventType, payload)
	if err != nil {
		h.logger.Error("failed to marshal event", zap.String("event", eventType), zap.Error(err))
		return
	}
	h.deliver(c, data)
}

func (h *Hub) deliver(c *Client, data []byte) {
	h.mu.RLock()
	_, ok := h.clients[c]
	sent := ok && h.trySend(c, data)
	h.mu.RUnlock()

	if ok && !sent {
		h.removeFailedClients([]*Client{c}, "")
	}
}

// trySend must be called with h.mu held for reading; the send queue is only
// closed under the write lock.
func (h *Hub) trySend(c *Client, data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (h *Hub) removeFailedClients(failed []*Client, room string) {
	if len(failed) == 0 {
		return
	}

	h.mu.Lock()
	for _, c := range failed {
		if _, ok := h.clients[c]; ok {
			h.remove(c)
			h.logger.Warn("client removed due to full send buffer",
				zap.String("client_id", c.id), zap.String("user_id", c.userID), zap.String("room", room))
		}
	}
	h.mu.Unlock()
}

// Rooms lists the rooms c is currently in, sorted.
func (h *Hub) Rooms(c *Client) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every connection and waits for their pumps to exit.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("shutting down all client connections")

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
		h.remove(c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.closeConn()
	}
	h.logger.Info("closed client connections", zap.Int("count", len(clients)))

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}

// join, leave and remove require h.mu held for writing.

func (h *Hub) join(c *Client, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) leave(c *Client, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(c.rooms, room)
}

func (h *Hub) remove(c *Client) {
	for room := range c.rooms {
		h.leave(c, room)
	}
	delete(h.clients, c)
	close(c.send)
}

func encodeEvent(eventType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(models.Envelope{Type: eventType, Payload: raw})
}

package hub

import "sync"

// Hub is the process-local connection registry: userID → live clients.
// It only ever answers "is this user connected to *me*"; cross-replica
// presence questions go to the shared presence store.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

func New() *Hub {
	return &Hub{clients: make(map[string]map[*Client]struct{})}
}

// Add registers c and returns the user's local connection count after
// the add. Check and insert happen under one lock so concurrent
// connects for the same user cannot race the first-connection decision.
func (h *Hub) Add(c *Client) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.UserID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[c.UserID] = set
	}
	set[c] = struct{}{}
	return len(set)
}

// Remove unregisters c and returns the user's remaining local count.
func (h *Hub) Remove(c *Client) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.UserID]
	if !ok {
		return 0
	}
	delete(set, c)
	n := len(set)
	if n == 0 {
		delete(h.clients, c.UserID)
	}
	return n
}

func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

func (h *Hub) Connections(userID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.clients[userID]
	out := make([]*Client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// SendToUser pushes msg to every local connection userID holds.
func (h *Hub) SendToUser(userID string, msg []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for c := range h.clients[userID] {
		if c.Push(msg) {
			sent++
		}
	}
	return sent
}

// SendToUsers pushes msg to every locally-connected user in targets.
func (h *Hub) SendToUsers(targets []string, msg []byte) int {
	sent := 0
	for _, u := range targets {
		sent += h.SendToUser(u, msg)
	}
	return sent
}

// Users snapshots the ids of all locally-connected users.
func (h *Hub) Users() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.clients))
	for u := range h.clients {
		out = append(out, u)
	}
	return out
}

func (h *Hub) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

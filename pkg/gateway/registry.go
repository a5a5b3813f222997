package gateway

import (
	"sync"
	"time"
)

// idleAfter marks a client idle in ClientInfo.
const idleAfter = 5 * time.Minute

// ClientRegistry tracks connected websocket clients.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewClientRegistry creates an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[string]*Client)}
}

// Add registers a client.
func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[client.ID] = client
}

// Remove drops a client.
func (r *ClientRegistry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, clientID)
}

// Get looks a client up by id.
func (r *ClientRegistry) Get(clientID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[clientID]
	return client, ok
}

// All returns every client.
func (r *ClientRegistry) All() []*Client {
	return r.filter(func(*Client) bool { return true })
}

// Authenticated returns the clients allowed to receive events.
func (r *ClientRegistry) Authenticated() []*Client {
	return r.filter(func(c *Client) bool { return c.Authenticated })
}

// Count returns the number of connected clients.
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Infos snapshots every client for reporting.
func (r *ClientRegistry) Infos() []ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	infos := make([]ClientInfo, 0, len(r.clients))
	for _, c := range r.clients {
		infos = append(infos, ClientInfo{
			ID:            c.ID,
			Authenticated: c.Authenticated,
			ConnectedAt:   c.ConnectedAt,
			LastActivity:  c.LastActivity,
			IPAddress:     c.IPAddress,
			Idle:          now.Sub(c.LastActivity) > idleAfter,
		})
	}
	return infos
}

// Update runs fn on a client under the registry lock, so field changes are
// visible to concurrent broadcasts.
func (r *ClientRegistry) Update(clientID string, fn func(*Client)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[clientID]
	if ok {
		fn(c)
	}
	return ok
}

// Touch records activity for a client.
func (r *ClientRegistry) Touch(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[clientID]; ok {
		c.LastActivity = time.Now()
	}
}

func (r *ClientRegistry) filter(keep func(*Client) bool) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

package distribution

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrClientNotFound is returned for operations on an unknown client id.
var ErrClientNotFound = errors.New("client not found")

// Client is a registered consumer identity. A client may own multiple
// streams across one or more sessions; it is distinct from a session.
type Client struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	RegisteredAt time.Time `json:"registered_at"`
	// StreamIDs are the distribution streams this client owns.
	StreamIDs []string `json:"stream_ids"`
	// Metadata is free-form client self-description.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ClientRegistry tracks consumer identities.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewClientRegistry creates an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[string]*Client)}
}

// Register creates a client identity. An empty id is generated.
func (cr *ClientRegistry) Register(id, name string, metadata map[string]string) Client {
	if id == "" {
		id = uuid.NewString()
	}

	client := &Client{
		ID:           id,
		Name:         name,
		RegisteredAt: time.Now(),
		Metadata:     metadata,
	}

	cr.mu.Lock()
	cr.clients[id] = client
	cr.mu.Unlock()

	return *client
}

// Get returns a client by id.
func (cr *ClientRegistry) Get(id string) (Client, error) {
	cr.mu.RLock()
	defer cr.mu.RUnlock()

	client, ok := cr.clients[id]
	if !ok {
		return Client{}, fmt.Errorf("%w: %s", ErrClientNotFound, id)
	}

	return *client, nil
}

// List returns all registered clients.
func (cr *ClientRegistry) List() []Client {
	cr.mu.RLock()
	defer cr.mu.RUnlock()

	out := make([]Client, 0, len(cr.clients))
	for _, client := range cr.clients {
		out = append(out, *client)
	}

	return out
}

// AttachStream records stream ownership for a client.
func (cr *ClientRegistry) AttachStream(clientID, streamID string) error {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	client, ok := cr.clients[clientID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
	}

	client.StreamIDs = append(client.StreamIDs, streamID)

	return nil
}

// Remove deletes a client identity.
func (cr *ClientRegistry) Remove(id string) bool {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	_, ok := cr.clients[id]
	delete(cr.clients, id)

	return ok
}

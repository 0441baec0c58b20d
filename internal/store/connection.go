package store

import (
	"context"
	"sync"

	apperrors "github.com/voxjournal/purchases/internal/errors"
)

// Connection manages the connect/disconnect lifecycle of the store session.
// All other store operations depend on an active connection. The store may
// start delivering events as soon as the session opens, even before Connect
// returns, so listeners must be wired up first.
type Connection struct {
	gateway Gateway

	mu        sync.Mutex
	connected bool
}

// NewConnection wraps a store gateway with lifecycle tracking.
func NewConnection(gateway Gateway) *Connection {
	return &Connection{gateway: gateway}
}

// Connect establishes the store session. Idempotent: a second call while
// connected is a no-op.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	if err := c.gateway.InitConnection(ctx); err != nil {
		return apperrors.Wrap(apperrors.CodeConnection, "store unreachable", err)
	}

	c.connected = true
	return nil
}

// Disconnect tears the session down. Safe to call without a prior successful
// Connect.
func (c *Connection) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}

	c.connected = false
	return c.gateway.EndConnection(ctx)
}

// Connected reports whether the session is currently established.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close implements io.Closer for lifecycle management.
func (c *Connection) Close() error {
	return c.Disconnect(context.Background())
}

package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/Ramsey-B/fern/pkg/namespaces"
)

// ClientCache keeps one open client per namespace.
type ClientCache struct {
	directory namespaces.Directory
	factory   Factory
	logger    ectologger.Logger

	mu      sync.Mutex
	clients map[uuid.UUID]Client
	opening singleflight.Group
}

func NewClientCache(directory namespaces.Directory, factory Factory, logger ectologger.Logger) *ClientCache {
	return &ClientCache{
		directory: directory,
		factory:   factory,
		logger:    logger,
		clients:   make(map[uuid.UUID]Client),
	}
}

// Get returns the cached client for namespaceID, resolving credentials and
// opening a new client on first use. Connects run outside the cache lock and
// are shared by concurrent callers for the same namespace.
func (c *ClientCache) Get(ctx context.Context, namespaceID uuid.UUID) (Client, error) {
	if client, ok := c.cached(namespaceID); ok {
		return client, nil
	}

	v, err, _ := c.opening.Do(namespaceID.String(), func() (any, error) {
		if client, ok := c.cached(namespaceID); ok {
			return client, nil
		}
		return c.open(ctx, namespaceID)
	})
	if err != nil {
		return nil, err
	}
	return v.(Client), nil
}

func (c *ClientCache) cached(namespaceID uuid.UUID) (Client, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	client, ok := c.clients[namespaceID]
	return client, ok
}

func (c *ClientCache) open(ctx context.Context, namespaceID uuid.UUID) (Client, error) {
	conn, err := c.directory.Resolve(ctx, namespaceID)
	if err != nil {
		return nil, fmt.Errorf("resolve namespace %s: %w", namespaceID, err)
	}
	client, err := c.factory.NewClient(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("open broker client for namespace %s: %w", namespaceID, err)
	}

	c.mu.Lock()
	existing, ok := c.clients[namespaceID]
	if !ok {
		c.clients[namespaceID] = client
	}
	c.mu.Unlock()

	log := c.logger.WithContext(ctx).WithField("namespace_id", namespaceID)
	if ok {
		if err := client.Close(); err != nil {
			log.WithError(err).Warn("failed to close duplicate broker client")
		}
		return existing, nil
	}
	log.Debug("Opened broker client")
	return client, nil
}

// Invalidate closes and forgets the client for namespaceID.
func (c *ClientCache) Invalidate(namespaceID uuid.UUID) {
	c.mu.Lock()
	client, ok := c.clients[namespaceID]
	delete(c.clients, namespaceID)
	c.mu.Unlock()

	if ok {
		if err := client.Close(); err != nil {
			c.logger.WithError(err).WithField("namespace_id", namespaceID).Warn("failed to close broker client")
		}
	}
}

// Close closes every cached client.
func (c *ClientCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for id, client := range c.clients {
		if err := client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("namespace %s: %w", id, err))
		}
		delete(c.clients, id)
	}
	return errors.Join(errs...)
}

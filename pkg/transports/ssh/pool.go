package ssh

import (
	"context"
	"errors"
	"sync"
)

// Pool shares one connection per user@host:port between tasks.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*Client
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{clients: make(map[string]*Client)}
}

// Get returns a connected client for config. A pooled connection that has
// died is re-established.
func (p *Pool) Get(ctx context.Context, config *Config) (*Client, error) {
	key := config.Key()

	p.mu.Lock()
	c, ok := p.clients[key]
	p.mu.Unlock()

	if ok {
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}

	c, err := Dial(ctx, config)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Another task may have connected first.
	if existing, ok := p.clients[key]; ok {
		_ = c.Close()
		return existing, nil
	}
	p.clients[key] = c
	return c, nil
}

// Len returns the number of pooled connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Close closes every pooled connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for key, c := range p.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(p.clients, key)
	}
	return errors.Join(errs...)
}

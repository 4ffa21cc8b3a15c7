package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// DefaultWorker is the worker id used when the context carries none.
const DefaultWorker = "main"

type workerKey struct{}

// WithWorker tags ctx with a worker id. Each worker id gets its own
// dedicated connection; a connection is never used by two workers.
func WithWorker(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workerKey{}, id)
}

// WorkerFrom returns the worker id carried by ctx.
func WorkerFrom(ctx context.Context) string {
	if id, ok := ctx.Value(workerKey{}).(string); ok && id != "" {
		return id
	}
	return DefaultWorker
}

// connPool hands out one *sql.Conn per worker id.
type connPool struct {
	db    *sql.DB
	mu    sync.Mutex
	conns map[string]*sql.Conn
}

func newConnPool(db *sql.DB) *connPool {
	return &connPool{db: db, conns: make(map[string]*sql.Conn)}
}

func (p *connPool) get(ctx context.Context) (*sql.Conn, error) {
	worker := WorkerFrom(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns == nil {
		return nil, ErrClosed
	}
	if c, ok := p.conns[worker]; ok {
		return c, nil
	}
	c, err := p.db.Conn(context.WithoutCancel(ctx))
	if err != nil {
		return nil, fmt.Errorf("open connection for worker %q: %w", worker, err)
	}
	p.conns[worker] = c
	return c, nil
}

// size reports how many worker connections are open.
func (p *connPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// closeAll closes every worker connection. Later gets fail with ErrClosed.
func (p *connPool) closeAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for id, c := range p.conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close connection for worker %q: %w", id, err)
		}
	}
	p.conns = nil
	return firstErr
}

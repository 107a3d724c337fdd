package discovery

import (
	"context"
	"sync"
	"time"

	apperrors "pnode-monitor/internal/errors"
	"pnode-monitor/internal/models"
)

// PushSource serves the most recent batch pushed to it, for deployments where
// node state arrives over an ingest endpoint instead of being polled.
type PushSource struct {
	mu       sync.RWMutex
	records  []models.RawNode
	pushedAt time.Time
}

func NewPushSource() *PushSource {
	return &PushSource{}
}

// Push replaces the current batch.
func (p *PushSource) Push(records []models.RawNode, at time.Time) {
	cp := append([]models.RawNode(nil), records...)
	p.mu.Lock()
	p.records = cp
	p.pushedAt = at
	p.mu.Unlock()
}

// PushedAt reports when the current batch arrived.
func (p *PushSource) PushedAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pushedAt
}

func (p *PushSource) FetchLatest(ctx context.Context) ([]models.RawNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.records) == 0 {
		return nil, apperrors.ErrEmptyDiscovery
	}
	return append([]models.RawNode(nil), p.records...), nil
}

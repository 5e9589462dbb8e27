// Package state persists the pipeline watermark and processed message ids.
package state

import (
	"context"
	"sync"
	"time"

	"orderdesk/internal/domain"
)

// Memory keeps state for the life of the process only.
type Memory struct {
	mu        sync.Mutex
	watermark time.Time
	ids       map[string]struct{}
	order     []string
}

func NewMemory() *Memory {
	return &Memory{ids: make(map[string]struct{})}
}

func (m *Memory) Load(ctx context.Context) (*domain.PipelineSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	return &domain.PipelineSnapshot{Watermark: m.watermark, ProcessedIDs: ids}, nil
}

func (m *Memory) Commit(ctx context.Context, watermark time.Time, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if watermark.After(m.watermark) {
		m.watermark = watermark
	}
	for _, id := range ids {
		if _, ok := m.ids[id]; ok {
			continue
		}
		m.ids[id] = struct{}{}
		m.order = append(m.order, id)
	}
	return nil
}

func (m *Memory) Close() error { return nil }

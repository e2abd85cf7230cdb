package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryJournal is a Journal kept in process memory, used with the
// in-memory datastore.
type MemoryJournal struct {
	mu       sync.Mutex
	episodes map[string]*Episode
}

// NewMemoryJournal creates an empty journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{episodes: make(map[string]*Episode)}
}

// CreateEpisode implements Journal.
func (j *MemoryJournal) CreateEpisode(_ context.Context, ep *Episode) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, dup := j.episodes[ep.ID]; dup {
		return fmt.Errorf("episode already exists: %s", ep.ID)
	}
	cp := *ep
	j.episodes[ep.ID] = &cp
	return nil
}

// CompleteEpisode implements Journal.
func (j *MemoryJournal) CompleteEpisode(_ context.Context, id string, status EpisodeStatus, rows int, errMsg *string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	ep, ok := j.episodes[id]
	if !ok {
		return fmt.Errorf("episode not found: %s", id)
	}
	ep.Status = status
	ep.Rows = rows
	ep.Error = errMsg
	if status.IsTerminal() {
		now := time.Now().UTC()
		ep.CompletedAt = &now
	}
	return nil
}

// GetEpisode implements Journal.
func (j *MemoryJournal) GetEpisode(_ context.Context, id string) (*Episode, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	ep, ok := j.episodes[id]
	if !ok {
		return nil, fmt.Errorf("episode not found: %s", id)
	}
	cp := *ep
	return &cp, nil
}

// ListEpisodes implements Journal.
func (j *MemoryJournal) ListEpisodes(_ context.Context, limit, offset int) ([]*Episode, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]*Episode, 0, len(j.episodes))
	for _, ep := range j.episodes {
		cp := *ep
		out = append(out, &cp)
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].StartedAt.After(out[b].StartedAt)
	})
	if offset >= len(out) {
		return []*Episode{}, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

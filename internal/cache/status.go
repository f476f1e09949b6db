package cache

import (
	"context"
	"time"
)

const statusKeyPrefix = "execution:status:"

// StatusSnapshot is the cached view of a finished run. Terminal statuses
// never change, so status polls of finished runs can skip the database.
type StatusSnapshot struct {
	JobID       string     `json:"job_id"`
	Status      string     `json:"status"`
	RunName     string     `json:"run_name,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// StatusCache caches terminal execution statuses with a TTL.
type StatusCache struct {
	manager *Manager
	ttl     time.Duration
}

// NewStatusCache wraps a Manager. A zero ttl falls back to the manager's
// default.
func NewStatusCache(manager *Manager, ttl time.Duration) *StatusCache {
	return &StatusCache{manager: manager, ttl: ttl}
}

// Get returns the cached snapshot, or ErrCacheMiss.
func (s *StatusCache) Get(ctx context.Context, jobID string) (*StatusSnapshot, error) {
	var snap StatusSnapshot
	if err := s.manager.GetJSON(ctx, statusKeyPrefix+jobID, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Put stores a snapshot. Callers only cache terminal statuses.
func (s *StatusCache) Put(ctx context.Context, snap *StatusSnapshot) error {
	return s.manager.SetJSON(ctx, statusKeyPrefix+snap.JobID, snap, s.ttl)
}

// Invalidate drops a cached snapshot, used when a run's rows are deleted.
func (s *StatusCache) Invalidate(ctx context.Context, jobID string) error {
	return s.manager.Delete(ctx, statusKeyPrefix+jobID)
}

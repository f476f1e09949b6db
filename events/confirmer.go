package events

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/crewflow/internal/metrics"
	"github.com/BaSui01/crewflow/models"
	"github.com/BaSui01/crewflow/types"
)

// runConfirmer resolves the parent run for pipeline items, creating a
// minimal running record when an item arrives before (or without) its
// submission. Confirmed job ids are cached for the confirmer's
// lifetime; the manager shares one instance across both writers so a
// job confirmed by either pipeline is not re-checked by the other.
type runConfirmer struct {
	execs     executionStore
	collector *metrics.Collector
	logger    *zap.Logger

	mu        sync.Mutex
	confirmed map[string]struct{}
}

func newRunConfirmer(execs executionStore, collector *metrics.Collector, logger *zap.Logger) *runConfirmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &runConfirmer{
		execs:     execs,
		collector: collector,
		logger:    logger.With(zap.String("component", "run_confirmer")),
		confirmed: make(map[string]struct{}),
	}
}

// ensure makes sure an ExecutionRecord exists for jobID. origin names
// the item that triggered the check and ends up in the auto-created
// run's name.
func (c *runConfirmer) ensure(ctx context.Context, jobID, origin string) error {
	c.mu.Lock()
	_, ok := c.confirmed[jobID]
	c.mu.Unlock()
	if ok {
		return nil
	}

	exists, err := c.execs.Exists(ctx, jobID)
	if err != nil {
		return err
	}
	if !exists {
		rec := &models.ExecutionRecord{
			JobID:         jobID,
			RunName:       fmt.Sprintf("Auto-created for %s", origin),
			ExecutionType: types.ExecutionTypeCrew,
			Status:        types.StatusRunning,
			TriggerType:   types.TriggerAPI,
		}
		if err := c.execs.Create(ctx, rec); err != nil {
			// A concurrent writer may have created it first; the unique
			// index reports that as an invalid-request error.
			if types.GetErrorCode(err) != types.ErrInvalidRequest {
				return err
			}
		} else {
			if c.collector != nil {
				c.collector.RecordAutoCreatedRun()
			}
			c.logger.Info("auto-created parent run",
				zap.String("job_id", jobID),
				zap.String("origin", origin))
		}
	}

	c.mu.Lock()
	c.confirmed[jobID] = struct{}{}
	c.mu.Unlock()
	return nil
}

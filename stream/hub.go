// Package stream fans live execution log entries out to per-job
// subscribers. Delivery is at-most-once per subscriber: a slow consumer
// loses entries rather than backpressuring the producer.
package stream

import (
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/crewflow/internal/metrics"
	"github.com/BaSui01/crewflow/types"
)

const defaultSubscriberBuffer = 256

// Subscription is one consumer's handle on a job's live log stream.
type Subscription struct {
	jobID string
	ch    chan types.LogEntry
	hub   *Hub
	once  sync.Once

	mu     sync.Mutex
	closed bool
}

// send offers an entry without blocking. It returns false when the
// subscription is closed or its buffer is full.
func (s *Subscription) send(entry types.LogEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- entry:
		return true
	default:
		return false
	}
}

// C is the entry channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan types.LogEntry { return s.ch }

// JobID reports which run this subscription follows.
func (s *Subscription) JobID() string { return s.jobID }

// Close detaches the subscription from the hub and closes C. Safe to
// call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.unsubscribe(s)
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.ch)
	})
}

// Hub routes published log entries to every subscription of the same
// job id. It implements the log pipeline's sink interface.
type Hub struct {
	mu        sync.RWMutex
	subs      map[string]map[*Subscription]struct{}
	bufSize   int
	collector *metrics.Collector
	logger    *zap.Logger
}

func NewHub(collector *metrics.Collector, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subs:      make(map[string]map[*Subscription]struct{}),
		bufSize:   defaultSubscriberBuffer,
		collector: collector,
		logger:    logger.With(zap.String("component", "stream_hub")),
	}
}

// Subscribe attaches a new consumer to jobID's live stream.
func (h *Hub) Subscribe(jobID string) *Subscription {
	sub := &Subscription{
		jobID: jobID,
		ch:    make(chan types.LogEntry, h.bufSize),
		hub:   h,
	}
	h.mu.Lock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[*Subscription]struct{})
	}
	h.subs[jobID][sub] = struct{}{}
	h.mu.Unlock()

	if h.collector != nil {
		h.collector.WSConnected()
	}
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	if set, ok := h.subs[sub.jobID]; ok {
		if _, present := set[sub]; present {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, sub.jobID)
			}
			h.mu.Unlock()
			if h.collector != nil {
				h.collector.WSDisconnected()
			}
			return
		}
	}
	h.mu.Unlock()
}

// Publish delivers entry to every live subscriber of its job. Full
// subscriber buffers drop the entry for that subscriber only.
func (h *Hub) Publish(entry types.LogEntry) {
	h.mu.RLock()
	set := h.subs[entry.JobID]
	targets := make([]*Subscription, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		if !sub.send(entry) {
			h.logger.Debug("slow stream subscriber, entry dropped",
				zap.String("job_id", entry.JobID))
		}
	}
}

// SubscriberCount reports the live subscriber count for one job.
func (h *Hub) SubscriberCount(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}

// CloseJob ends every subscription for a finished job.
func (h *Hub) CloseJob(jobID string) {
	h.mu.RLock()
	set := h.subs[jobID]
	targets := make([]*Subscription, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		sub.Close()
	}
}

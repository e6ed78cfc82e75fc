package aggregate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/arqueio/arque/pkg/arque"
	"github.com/arqueio/arque/pkg/observability"
)

// snapshotRequest is one queued snapshot write. The state is encoded at
// enqueue time so the snapshot captures exactly the fold at its version,
// even when the live state moves on before the worker gets to it.
type snapshotRequest struct {
	state     []byte
	version   uint32
	timestamp time.Time
}

// snapshotter writes snapshots from a FIFO queue on a single worker
// goroutine, keeping snapshot IO out of the command path.
type snapshotter struct {
	store   arque.StoreAdapter
	id      arque.AggregateID
	log     *slog.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []snapshotRequest
	closed bool
	done   chan struct{}
}

func newSnapshotter(store arque.StoreAdapter, id arque.AggregateID, log *slog.Logger, metrics *observability.Metrics) *snapshotter {
	s := &snapshotter{
		store:   store,
		id:      id,
		log:     log,
		metrics: metrics,
		done:    make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

// enqueue appends a request. Requests enqueued after close are dropped.
func (s *snapshotter) enqueue(req snapshotRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.queue = append(s.queue, req)
	s.metrics.RecordSnapshotQueue(context.Background(), len(s.queue))
	s.cond.Signal()
}

func (s *snapshotter) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		req := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.write(req)
	}
}

func (s *snapshotter) write(req snapshotRequest) {
	ctx := context.Background()
	err := s.store.SaveSnapshot(ctx, &arque.Snapshot{
		Aggregate: arque.AggregateRef{ID: s.id, Version: req.version},
		State:     req.state,
		Timestamp: req.timestamp,
	})
	if err != nil {
		// A lost snapshot only costs replay time on the next reload.
		s.log.Warn("failed to save snapshot",
			"aggregate", s.id, "version", req.version, "error", err)
		return
	}
	s.metrics.RecordSnapshot(ctx)
}

// close stops the worker once the queue drains. Safe to call repeatedly.
func (s *snapshotter) close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Signal()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

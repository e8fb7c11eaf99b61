package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/jasondavies/plane/internal/telemetry"
	"github.com/jasondavies/plane/pkg/bus"
	"github.com/jasondavies/plane/pkg/names"
	"github.com/jasondavies/plane/pkg/types"
)

// StatusStream is a gap-free sequence of a backend's statuses, combining a
// snapshot of the status log with live updates. The channel closes after
// Terminated is delivered, after Close, or on lag; check Err after the
// channel closes.
type StatusStream struct {
	ch  chan types.TimestampedBackendStatus
	sub *bus.Subscription

	mu  sync.Mutex
	err error

	cancel context.CancelFunc
}

// C returns the stream's delivery channel.
func (st *StatusStream) C() <-chan types.TimestampedBackendStatus { return st.ch }

// Err returns the terminal error, if any. ErrStreamLag means the consumer
// fell behind and must restart with a fresh stream.
func (st *StatusStream) Err() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.err
}

// Close releases the stream's subscription. Pending events are discarded.
func (st *StatusStream) Close() {
	st.cancel()
	st.sub.Close()
}

func (st *StatusStream) setErr(err error) {
	st.mu.Lock()
	st.err = err
	st.mu.Unlock()
}

// StatusStream opens a stream of the backend's statuses. The bus
// subscription is opened before the log snapshot is read, so no transition
// between the two can be lost; duplicates across the boundary are suppressed
// by the status total order.
func (s *Store) StatusStream(ctx context.Context, name names.BackendName) (*StatusStream, error) {
	sub := s.bus.Subscribe(KindBackendState, name.String())

	rows, err := s.pool.Query(ctx, `
		select status, created_at
		from backend_status
		where backend_id = $1
		order by id asc`,
		name.String(),
	)
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("reading status log: %w", err)
	}
	defer rows.Close()

	var history []types.TimestampedBackendStatus
	for rows.Next() {
		var raw string
		var item types.TimestampedBackendStatus
		if err := rows.Scan(&raw, &item.Time); err != nil {
			sub.Close()
			return nil, fmt.Errorf("scanning status log: %w", err)
		}
		status, err := types.ParseBackendStatus(raw)
		if err != nil {
			s.logger.Warn("skipping invalid status log row", "backend_id", name, "status", raw)
			continue
		}
		item.Status = status
		history = append(history, item)
	}
	if err := rows.Err(); err != nil {
		sub.Close()
		return nil, fmt.Errorf("iterating status log: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	st := &StatusStream{
		ch:     make(chan types.TimestampedBackendStatus, 16),
		sub:    sub,
		cancel: cancel,
	}

	go func() {
		defer close(st.ch)
		defer sub.Close()
		err := runStatusStream(streamCtx, history, sub.C(), st.ch)
		if err == nil && sub.Lagged() {
			err = ErrStreamLag
			telemetry.StreamLagDropsTotal.Inc()
		}
		if err != nil {
			st.setErr(err)
		}
	}()

	return st, nil
}

// runStatusStream yields the snapshot and then drains live events, dropping
// any event at or below the highest status already yielded. Returns nil when
// Terminated has been yielded, the context is cancelled, or the event
// channel closes.
func runStatusStream(ctx context.Context, history []types.TimestampedBackendStatus, events <-chan bus.Event, out chan<- types.TimestampedBackendStatus) error {
	last := types.BackendStatus(-1)

	emit := func(item types.TimestampedBackendStatus) bool {
		select {
		case out <- item:
			last = item.Status
			return true
		case <-ctx.Done():
			return false
		}
	}

	for _, item := range history {
		if !emit(item) {
			return nil
		}
		if item.Status.Terminal() {
			return nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			status, ok := ev.Payload.(types.BackendStatus)
			if !ok {
				continue
			}
			if status <= last {
				continue
			}
			if !emit(types.TimestampedBackendStatus{Time: ev.Timestamp, Status: status}) {
				return nil
			}
			if status.Terminal() {
				return nil
			}
		}
	}
}

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jasondavies/plane/pkg/bus"
	"github.com/jasondavies/plane/pkg/types"
)

// DroneKey returns the bus key for a drone's action channel.
func DroneKey(id types.NodeID) string {
	return strconv.FormatInt(int64(id), 10)
}

// CreateActionTx persists a backend action and stages its delivery on the
// drone's action channel. Runs inside the caller's transaction; the action
// row survives a drone disconnect and is re-delivered on reconnect until
// acked.
func (s *Store) CreateActionTx(ctx context.Context, tx pgx.Tx, em *bus.TxEmitter, msg types.BackendActionMessage) error {
	action, err := json.Marshal(msg.Action)
	if err != nil {
		return fmt.Errorf("encoding action: %w", err)
	}

	_, err = tx.Exec(ctx, `
		insert into backend_action (id, backend_id, drone_id, action)
		values ($1, $2, $3, $4)`,
		msg.ActionID, msg.BackendID, msg.DroneID, action,
	)
	if err != nil {
		return fmt.Errorf("inserting backend action: %w", err)
	}

	em.Emit(KindBackendAction, DroneKey(msg.DroneID), msg)
	return nil
}

// CreateAction persists and publishes a backend action in its own
// transaction.
func (s *Store) CreateAction(ctx context.Context, msg types.BackendActionMessage) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	em := s.bus.Tx()
	if err := s.CreateActionTx(ctx, tx, em, msg); err != nil {
		em.Discard()
		return err
	}

	if err := em.Commit(ctx, tx); err != nil {
		return fmt.Errorf("committing action: %w", err)
	}
	return nil
}

// PendingActions returns the unacked actions for a drone in creation order,
// used to catch a drone up when its socket (re)connects.
func (s *Store) PendingActions(ctx context.Context, droneID types.NodeID) ([]types.BackendActionMessage, error) {
	rows, err := s.pool.Query(ctx, `
		select id, backend_id, action
		from backend_action
		where drone_id = $1 and acked_at is null
		order by created_at`,
		droneID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying pending actions: %w", err)
	}
	defer rows.Close()

	var out []types.BackendActionMessage
	for rows.Next() {
		msg := types.BackendActionMessage{DroneID: droneID}
		var raw []byte
		if err := rows.Scan(&msg.ActionID, &msg.BackendID, &raw); err != nil {
			return nil, fmt.Errorf("scanning action: %w", err)
		}
		if err := json.Unmarshal(raw, &msg.Action); err != nil {
			s.logger.Warn("skipping undecodable backend action", "action_id", msg.ActionID, "error", err)
			continue
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating actions: %w", err)
	}
	return out, nil
}

// AckAction marks an action as delivered. Acking twice is harmless.
func (s *Store) AckAction(ctx context.Context, actionID string) error {
	_, err := s.pool.Exec(ctx, `
		update backend_action set acked_at = now()
		where id = $1 and acked_at is null`,
		actionID,
	)
	if err != nil {
		return fmt.Errorf("acking action: %w", err)
	}
	return nil
}

// FirstTerminateIssuedAt returns when the first terminate action for the
// backend was created, or nil if none has been issued. The sweeper uses this
// to decide when the soft-termination grace window has elapsed, surviving
// controller or drone reconnects.
func (s *Store) FirstTerminateIssuedAt(ctx context.Context, backendID string) (*time.Time, error) {
	var createdAt time.Time
	err := s.pool.QueryRow(ctx, `
		select created_at from backend_action
		where backend_id = $1 and action->>'type' = 'terminate'
		order by created_at asc
		limit 1`,
		backendID,
	).Scan(&createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying terminate actions: %w", err)
	}
	return &createdAt, nil
}

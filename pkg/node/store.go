// Package node tracks the fleet: drones, proxies, and DNS servers that
// register with the controller over their sockets. A node's online state is
// owned by the Handle returned from registration; releasing the handle marks
// the node offline.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jasondavies/plane/pkg/names"
	"github.com/jasondavies/plane/pkg/types"
)

// Store provides database operations for nodes and the controller row.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a node Store.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// Row is one node as stored.
type Row struct {
	ID            types.NodeID   `json:"id"`
	Name          string         `json:"name"`
	Kind          types.NodeKind `json:"kind"`
	Cluster       *string        `json:"cluster,omitempty"`
	Controller    *string        `json:"controller,omitempty"`
	PlaneVersion  string         `json:"plane_version"`
	IP            string         `json:"ip"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	OfflineAt     *time.Time     `json:"offline_at,omitempty"`
}

// RegisterParams describes a node handshake.
type RegisterParams struct {
	Name         names.NodeName
	Cluster      *string
	Controller   names.ControllerName
	PlaneVersion string
	PlaneHash    string
	IP           string
}

// Register upserts the node by name and returns its id. A new id is
// allocated only on first registration; later handshakes refresh the
// node's controller-of-record, version, address, and heartbeat, and clear
// any offline mark.
func (s *Store) Register(ctx context.Context, p RegisterParams) (types.NodeID, error) {
	var id types.NodeID
	err := s.pool.QueryRow(ctx, `
		insert into node (name, kind, cluster, controller, plane_version, plane_hash, ip, last_heartbeat)
		values ($1, $2, $3, $4, $5, $6, $7, now())
		on conflict (name) do update
		set controller = excluded.controller,
		    cluster = excluded.cluster,
		    plane_version = excluded.plane_version,
		    plane_hash = excluded.plane_hash,
		    ip = excluded.ip,
		    last_heartbeat = now(),
		    offline_at = null
		returning id`,
		p.Name.String(), string(p.Name.Kind()), p.Cluster, p.Controller.String(),
		p.PlaneVersion, p.PlaneHash, p.IP,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("registering node: %w", err)
	}
	return id, nil
}

// MarkOffline records that the node's connection is gone.
func (s *Store) MarkOffline(ctx context.Context, id types.NodeID) error {
	tag, err := s.pool.Exec(ctx,
		`update node set offline_at = now() where id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("marking node offline: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// Heartbeat refreshes the node's heartbeat clock.
func (s *Store) Heartbeat(ctx context.Context, id types.NodeID) error {
	tag, err := s.pool.Exec(ctx,
		`update node set last_heartbeat = now() where id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("updating node heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ListNodes returns every known node.
func (s *Store) ListNodes(ctx context.Context) ([]Row, error) {
	rows, err := s.pool.Query(ctx, `
		select id, name, kind, cluster, controller, plane_version, ip, last_heartbeat, offline_at
		from node
		order by id`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var kind string
		if err := rows.Scan(&r.ID, &r.Name, &kind, &r.Cluster, &r.Controller, &r.PlaneVersion, &r.IP, &r.LastHeartbeat, &r.OfflineAt); err != nil {
			return nil, fmt.Errorf("scanning node row: %w", err)
		}
		r.Kind = types.NodeKind(kind)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating node rows: %w", err)
	}
	return out, nil
}

// RegisterController upserts this controller's row, recording its version.
func (s *Store) RegisterController(ctx context.Context, id names.ControllerName, version, hash string) error {
	_, err := s.pool.Exec(ctx, `
		insert into controller (id, plane_version, plane_hash)
		values ($1, $2, $3)
		on conflict (id) do update
		set plane_version = excluded.plane_version,
		    plane_hash = excluded.plane_hash,
		    last_heartbeat = now()`,
		id.String(), version, hash,
	)
	if err != nil {
		return fmt.Errorf("registering controller: %w", err)
	}
	return nil
}

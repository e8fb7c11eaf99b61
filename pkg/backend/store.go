package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jasondavies/plane/internal/telemetry"
	"github.com/jasondavies/plane/pkg/bus"
	"github.com/jasondavies/plane/pkg/names"
	"github.com/jasondavies/plane/pkg/types"
)

// Store provides database operations for backends, statuses, tokens, and
// actions.
type Store struct {
	pool   *pgxpool.Pool
	bus    *bus.Bus
	logger *slog.Logger
}

// NewStore creates a backend Store.
func NewStore(pool *pgxpool.Pool, b *bus.Bus, logger *slog.Logger) *Store {
	return &Store{pool: pool, bus: b, logger: logger}
}

// Bus returns the notification bus the store emits on.
func (s *Store) Bus() *bus.Bus { return s.bus }

// Pool returns the underlying connection pool for callers that run their own
// transactions (the connect resolver).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

const backendColumns = `id, cluster, drone_id, last_status, last_status_time,
	last_keepalive, expiration_time, allowed_idle_seconds, cluster_address,
	exit_code, now() as as_of`

func scanBackendRow(row pgx.Row) (Row, error) {
	var r Row
	var id, status string
	err := row.Scan(
		&id, &r.Cluster, &r.DroneID, &status, &r.LastStatusTime,
		&r.LastKeepalive, &r.ExpirationTime, &r.AllowedIdleSeconds,
		&r.ClusterAddress, &r.ExitCode, &r.AsOf,
	)
	if err != nil {
		return Row{}, err
	}
	r.ID = names.BackendName(id)
	r.LastStatus, err = types.ParseBackendStatus(status)
	if err != nil {
		return Row{}, fmt.Errorf("decoding backend row: %w", err)
	}
	return r, nil
}

// Backend returns a single backend by name. Returns pgx.ErrNoRows when the
// backend does not exist.
func (s *Store) Backend(ctx context.Context, name names.BackendName) (Row, error) {
	query := `select ` + backendColumns + ` from backend where id = $1`
	return scanBackendRow(s.pool.QueryRow(ctx, query, name.String()))
}

// ListBackends returns every backend, including terminated ones.
func (s *Store) ListBackends(ctx context.Context) ([]Row, error) {
	query := `select ` + backendColumns + ` from backend order by created_at`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing backends: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		r, err := scanBackendRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning backend row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating backend rows: %w", err)
	}
	return out, nil
}

// CreateBackendParams holds the initial state of a spawned backend.
type CreateBackendParams struct {
	Name               names.BackendName
	Cluster            string
	DroneID            types.NodeID
	ExpirationTime     *time.Time
	AllowedIdleSeconds *int64
}

// CreateBackendTx inserts a backend in status Scheduled, appends the first
// status-log row, and stages the Scheduled event on em. It runs inside the
// caller's transaction; the event is delivered only if the caller commits.
func (s *Store) CreateBackendTx(ctx context.Context, tx pgx.Tx, em *bus.TxEmitter, p CreateBackendParams) error {
	_, err := tx.Exec(ctx, `
		insert into backend (id, cluster, drone_id, last_status, expiration_time, allowed_idle_seconds)
		values ($1, $2, $3, $4, $5, $6)`,
		p.Name.String(), p.Cluster, p.DroneID, types.Scheduled.String(),
		p.ExpirationTime, p.AllowedIdleSeconds,
	)
	if err != nil {
		return fmt.Errorf("inserting backend: %w", err)
	}

	_, err = tx.Exec(ctx, `
		insert into backend_status (backend_id, status)
		values ($1, $2)`,
		p.Name.String(), types.Scheduled.String(),
	)
	if err != nil {
		return fmt.Errorf("inserting initial status: %w", err)
	}

	em.Emit(KindBackendState, p.Name.String(), types.Scheduled)
	return nil
}

// UpdateStatus records a status transition in one transaction: it updates
// the backend row, appends to the status log, releases the backend's key on
// Terminated, and publishes the new status on commit. The row lock taken
// here is what enforces the monotone-status invariant under concurrency.
func (s *Store) UpdateStatus(ctx context.Context, name names.BackendName, status types.BackendStatus, address *string, exitCode *int32) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx,
		`select last_status from backend where id = $1 for update`,
		name.String(),
	).Scan(&current)
	if err != nil {
		return err
	}

	currentStatus, err := types.ParseBackendStatus(current)
	if err != nil {
		return fmt.Errorf("decoding current status: %w", err)
	}
	if status < currentStatus {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, currentStatus, status)
	}

	em := s.bus.Tx()
	em.Emit(KindBackendState, name.String(), status)

	_, err = tx.Exec(ctx, `
		update backend
		set last_status = $2,
		    last_status_time = now(),
		    cluster_address = coalesce($3, cluster_address),
		    exit_code = coalesce($4, exit_code)
		where id = $1`,
		name.String(), status.String(), address, exitCode,
	)
	if err != nil {
		em.Discard()
		return fmt.Errorf("updating backend: %w", err)
	}

	_, err = tx.Exec(ctx, `
		insert into backend_status (backend_id, status)
		values ($1, $2)`,
		name.String(), status.String(),
	)
	if err != nil {
		em.Discard()
		return fmt.Errorf("appending status log: %w", err)
	}

	if status == types.Terminated {
		_, err = tx.Exec(ctx, `delete from backend_key where id = $1`, name.String())
		if err != nil {
			em.Discard()
			return fmt.Errorf("releasing backend key: %w", err)
		}
	}

	if err := em.Commit(ctx, tx); err != nil {
		return fmt.Errorf("committing status update: %w", err)
	}

	telemetry.BackendStatusesTotal.WithLabelValues(status.String()).Inc()
	return nil
}

// UpdateKeepalive refreshes the backend's keepalive clock. Returns
// pgx.ErrNoRows when the backend does not exist.
func (s *Store) UpdateKeepalive(ctx context.Context, name names.BackendName) error {
	tag, err := s.pool.Exec(ctx,
		`update backend set last_keepalive = now() where id = $1`,
		name.String(),
	)
	if err != nil {
		return fmt.Errorf("updating keepalive: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// TerminationCandidates returns the non-terminated backends on the drone
// that have outlived their idle allowance or absolute lifetime. The AsOf
// clock on each candidate comes from the same query, so downstream decisions
// do not race the database clock.
func (s *Store) TerminationCandidates(ctx context.Context, droneID types.NodeID) ([]Candidate, error) {
	rows, err := s.pool.Query(ctx, `
		select id, expiration_time, allowed_idle_seconds, last_keepalive, now() as as_of
		from backend
		where drone_id = $1
		  and last_status != $2
		  and (
		      now() - last_keepalive > make_interval(secs => allowed_idle_seconds)
		      or now() > expiration_time
		  )`,
		droneID, types.Terminated.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying termination candidates: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		var id string
		if err := rows.Scan(&id, &c.ExpirationTime, &c.AllowedIdleSeconds, &c.LastKeepalive, &c.AsOf); err != nil {
			return nil, fmt.Errorf("scanning candidate: %w", err)
		}
		c.BackendID = names.BackendName(id)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating candidates: %w", err)
	}
	return out, nil
}

// RouteInfoForToken resolves a bearer token to the route the proxy should
// use. Returns (nil, nil) when the token is unknown, the backend has not yet
// reported an address, or the stored address does not parse.
func (s *Store) RouteInfoForToken(ctx context.Context, token string) (*types.RouteInfo, error) {
	var (
		backendID   string
		username    *string
		auth        []byte
		address     *string
		secretToken string
	)
	err := s.pool.QueryRow(ctx, `
		select token.backend_id, token.username, token.auth, backend.cluster_address, token.secret_token
		from token
		left join backend on backend.id = token.backend_id
		where token.token = $1
		limit 1`,
		token,
	).Scan(&backendID, &username, &auth, &address, &secretToken)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying route info: %w", err)
	}

	if address == nil {
		return nil, nil
	}
	if _, err := netip.ParseAddrPort(*address); err != nil {
		s.logger.Warn("invalid cluster address", "backend_id", backendID, "address", *address)
		return nil, nil
	}

	return &types.RouteInfo{
		BackendID:   backendID,
		Address:     *address,
		SecretToken: secretToken,
		User:        username,
		UserData:    auth,
	}, nil
}

// Package connect implements the keyed-singleton admission protocol: a
// connect request either reuses the live backend registered under its key or
// spawns a new one, atomically.
package connect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jasondavies/plane/internal/telemetry"
	"github.com/jasondavies/plane/pkg/backend"
	"github.com/jasondavies/plane/pkg/names"
	"github.com/jasondavies/plane/pkg/scheduler"
	"github.com/jasondavies/plane/pkg/types"
)

var (
	// ErrNoCluster means the request named no cluster and no default is
	// configured.
	ErrNoCluster = errors.New("no cluster specified and no default cluster configured")
	// ErrNotFound means reuse was requested (no spawn config) but no live
	// backend holds the key.
	ErrNotFound = errors.New("key not found and no spawn config provided")
	// ErrConflict means concurrent connects under the same key exhausted the
	// retry budget. Clients may retry.
	ErrConflict = errors.New("conflict with concurrent connect requests")
)

const (
	// connectAttempts bounds internal retries on key races.
	connectAttempts = 3
	// connectTimeout bounds the wall-clock time of one connect call,
	// including scheduling and all database work.
	connectTimeout = 5 * time.Second
)

// Resolver implements the connect operation.
type Resolver struct {
	store          *backend.Store
	sched          scheduler.Scheduler
	defaultCluster string
	publicURL      string
	logger         *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(store *backend.Store, sched scheduler.Scheduler, defaultCluster, publicURL string, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:          store,
		sched:          sched,
		defaultCluster: defaultCluster,
		publicURL:      publicURL,
		logger:         logger,
	}
}

// Connect resolves a connect request to a backend, spawning one if needed.
// clusterOverride, when non-empty, wins over the request's own cluster (it
// comes from the URL path). A fresh bearer token is minted on every call.
// Key races with concurrent connects are retried a bounded number of times
// before failing with ErrConflict; all other failures surface immediately.
func (r *Resolver) Connect(ctx context.Context, clusterOverride string, req *types.ConnectRequest) (*types.ConnectResponse, error) {
	cluster, err := r.resolveCluster(clusterOverride, req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < connectAttempts; attempt++ {
		resp, err := r.tryConnect(ctx, cluster, req)
		if err == nil {
			return resp, nil
		}
		if !isRetryableConflict(err) {
			return nil, err
		}
		lastErr = err
		r.logger.Debug("connect key race, retrying", "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("%w: %v", ErrConflict, lastErr)
}

func (r *Resolver) resolveCluster(clusterOverride string, req *types.ConnectRequest) (string, error) {
	if clusterOverride != "" {
		return clusterOverride, nil
	}
	if req.SpawnConfig != nil && req.SpawnConfig.Cluster != nil && *req.SpawnConfig.Cluster != "" {
		return *req.SpawnConfig.Cluster, nil
	}
	if r.defaultCluster != "" {
		return r.defaultCluster, nil
	}
	return "", ErrNoCluster
}

// isRetryableConflict matches unique violations (concurrent spawn under one
// key) and serialization failures.
func isRetryableConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" || pgErr.Code == "40001"
	}
	return false
}

// tryConnect runs one attempt of the protocol in a single transaction.
func (r *Resolver) tryConnect(ctx context.Context, cluster string, req *types.ConnectRequest) (*types.ConnectResponse, error) {
	tx, err := r.store.Pool().BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("beginning connect transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	em := r.store.Bus().Tx()

	var (
		backendID names.BackendName
		status    = types.Scheduled
		spawned   bool
	)

	if req.Key != nil {
		existingID, existingStatus, found, err := lockKey(ctx, tx, cluster, *req.Key)
		if err != nil {
			return nil, err
		}
		switch {
		case found && existingStatus != types.Terminated:
			backendID = existingID
			status = existingStatus
		case found:
			// A key pointing at a terminated backend should not exist, but
			// the resolver must not wedge on one: clear it and spawn fresh.
			if _, err := tx.Exec(ctx, `delete from backend_key where id = $1`, existingID.String()); err != nil {
				return nil, fmt.Errorf("deleting stale key: %w", err)
			}
		}
	}

	if backendID == "" {
		sc := req.SpawnConfig
		if sc == nil {
			return nil, ErrNotFound
		}

		droneID, err := r.sched.SelectDrone(ctx, tx, cluster, sc.Executable)
		if err != nil {
			return nil, err
		}

		backendID = names.NewBackendName()
		spawned = true

		var expiration *time.Time
		if sc.LifetimeLimitSeconds != nil {
			t := time.Now().UTC().Add(time.Duration(*sc.LifetimeLimitSeconds) * time.Second)
			expiration = &t
		}

		err = r.store.CreateBackendTx(ctx, tx, em, backend.CreateBackendParams{
			Name:               backendID,
			Cluster:            cluster,
			DroneID:            droneID,
			ExpirationTime:     expiration,
			AllowedIdleSeconds: sc.MaxIdleSeconds,
		})
		if err != nil {
			return nil, err
		}

		if req.Key != nil {
			// The unique constraint on (cluster, namespace, name, tag) is
			// what makes concurrent spawns under one key a retryable
			// conflict rather than a double spawn.
			_, err = tx.Exec(ctx, `
				insert into backend_key (id, cluster, namespace, name, tag)
				values ($1, $2, $3, $4, $5)`,
				backendID.String(), cluster, req.Key.Namespace, req.Key.Name, req.Key.Tag,
			)
			if err != nil {
				return nil, fmt.Errorf("inserting backend key: %w", err)
			}
		}

		err = r.store.CreateActionTx(ctx, tx, em, types.BackendActionMessage{
			ActionID:  names.NewActionName().String(),
			BackendID: backendID.String(),
			DroneID:   droneID,
			Action: types.BackendAction{
				Type: types.ActionSpawn,
				Spawn: &types.SpawnAction{
					Executable:         sc.Executable,
					ExpirationTime:     expiration,
					AllowedIdleSeconds: sc.MaxIdleSeconds,
				},
			},
		})
		if err != nil {
			return nil, err
		}
	}

	bearerToken := randomToken()
	secretToken := randomToken()

	auth := req.Auth
	if len(auth) == 0 {
		auth = []byte("{}")
	}

	_, err = tx.Exec(ctx, `
		insert into token (token, backend_id, username, auth, secret_token)
		values ($1, $2, $3, $4, $5)`,
		bearerToken, backendID.String(), req.User, auth, secretToken,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting token: %w", err)
	}

	if err := em.Commit(ctx, tx); err != nil {
		return nil, fmt.Errorf("committing connect: %w", err)
	}

	if spawned {
		telemetry.BackendsSpawnedTotal.Inc()
	}

	return &types.ConnectResponse{
		BackendID:   backendID.String(),
		Spawned:     spawned,
		Token:       bearerToken,
		URL:         fmt.Sprintf("%s/%s/%s/", r.publicURL, cluster, bearerToken),
		SecretToken: secretToken,
		Status:      status,
		StatusURL:   fmt.Sprintf("%s/pub/b/%s/status", r.publicURL, backendID),
		ReadyURL:    fmt.Sprintf("%s/pub/b/%s/ready", r.publicURL, backendID),
	}, nil
}

// lockKey takes a row lock on the key tuple and returns the backend it maps
// to, if any.
func lockKey(ctx context.Context, tx pgx.Tx, cluster string, key types.KeyConfig) (names.BackendName, types.BackendStatus, bool, error) {
	var id, rawStatus string
	err := tx.QueryRow(ctx, `
		select backend_key.id, backend.last_status
		from backend_key
		join backend on backend.id = backend_key.id
		where backend_key.cluster = $1
		  and backend_key.namespace = $2
		  and backend_key.name = $3
		  and backend_key.tag = $4
		for update`,
		cluster, key.Namespace, key.Name, key.Tag,
	).Scan(&id, &rawStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", 0, false, nil
		}
		return "", 0, false, fmt.Errorf("locking backend key: %w", err)
	}

	status, err := types.ParseBackendStatus(rawStatus)
	if err != nil {
		return "", 0, false, fmt.Errorf("decoding backend status: %w", err)
	}
	return names.BackendName(id), status, true, nil
}

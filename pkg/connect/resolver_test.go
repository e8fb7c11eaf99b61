package connect

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jasondavies/plane/pkg/types"
)

func strptr(s string) *string { return &s }

func TestResolveCluster(t *testing.T) {
	tests := []struct {
		name           string
		override       string
		requestCluster *string
		defaultCluster string
		want           string
		wantErr        error
	}{
		{
			name:           "path override wins",
			override:       "edge",
			requestCluster: strptr("body-cluster"),
			defaultCluster: "default",
			want:           "edge",
		},
		{
			name:           "request cluster beats default",
			requestCluster: strptr("body-cluster"),
			defaultCluster: "default",
			want:           "body-cluster",
		},
		{
			name:           "default cluster as fallback",
			defaultCluster: "default",
			want:           "default",
		},
		{
			name:           "empty request cluster ignored",
			requestCluster: strptr(""),
			defaultCluster: "default",
			want:           "default",
		},
		{
			name:    "nothing configured",
			wantErr: ErrNoCluster,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Resolver{defaultCluster: tt.defaultCluster}
			req := &types.ConnectRequest{}
			if tt.requestCluster != nil {
				req.SpawnConfig = &types.SpawnConfig{Cluster: tt.requestCluster}
			}

			got, err := r.resolveCluster(tt.override, req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("resolveCluster() error = %v, want %v", err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("resolveCluster() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsRetryableConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "unique violation",
			err:  &pgconn.PgError{Code: "23505"},
			want: true,
		},
		{
			name: "serialization failure",
			err:  &pgconn.PgError{Code: "40001"},
			want: true,
		},
		{
			name: "foreign key violation",
			err:  &pgconn.PgError{Code: "23503"},
			want: false,
		},
		{
			name: "plain error",
			err:  errors.New("timeout"),
			want: false,
		},
		{
			name: "nil",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableConflict(tt.err); got != tt.want {
				t.Errorf("isRetryableConflict() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRandomTokensAreDistinct(t *testing.T) {
	a := randomToken()
	b := randomToken()
	if a == b {
		t.Error("expected distinct tokens")
	}
	if len(a) < 40 {
		t.Errorf("token %q too short for 256 bits", a)
	}
}

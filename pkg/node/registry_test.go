package node

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jasondavies/plane/pkg/names"
	"github.com/jasondavies/plane/pkg/types"
)

type fakeStorage struct {
	mu         sync.Mutex
	nextID     types.NodeID
	registered []RegisterParams
	offline    []types.NodeID
	failMarks  int
}

func (f *fakeStorage) Register(ctx context.Context, p RegisterParams) (types.NodeID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.registered = append(f.registered, p)
	return f.nextID, nil
}

func (f *fakeStorage) MarkOffline(ctx context.Context, id types.NodeID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMarks > 0 {
		f.failMarks--
		return errors.New("transient database error")
	}
	f.offline = append(f.offline, id)
	return nil
}

func (f *fakeStorage) Heartbeat(ctx context.Context, id types.NodeID) error {
	return nil
}

func (f *fakeStorage) offlineMarks() []types.NodeID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.NodeID, len(f.offline))
	copy(out, f.offline)
	return out
}

func testRegistry(t *testing.T, storage *fakeStorage) *Registry {
	t.Helper()
	r := NewRegistry(storage, names.NewControllerName(), slog.Default())
	r.Start()
	return r
}

func TestRegisterDecodesHandshake(t *testing.T) {
	storage := &fakeStorage{}
	r := testRegistry(t, storage)
	defer r.Close()

	cluster := "edge"
	handle, err := r.Register(context.Background(), types.Handshake{
		Name:    "dr-abc123",
		Version: "0.1.0",
	}, &cluster, "192.0.2.4")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if handle.ID != 1 {
		t.Errorf("node id = %d, want 1", handle.ID)
	}
	if handle.Name.Kind() != types.NodeKindDrone {
		t.Errorf("kind = %v, want drone", handle.Name.Kind())
	}

	handle.Close()
}

func TestRegisterRejectsUnknownKind(t *testing.T) {
	storage := &fakeStorage{}
	r := testRegistry(t, storage)
	defer r.Close()

	_, err := r.Register(context.Background(), types.Handshake{Name: "zz-abc123"}, nil, "192.0.2.4")
	if !errors.Is(err, ErrInvalidHandshake) {
		t.Fatalf("error = %v, want ErrInvalidHandshake", err)
	}
	if len(storage.registered) != 0 {
		t.Error("invalid handshake must not reach storage")
	}
}

func TestHandleCloseMarksOfflineOnce(t *testing.T) {
	storage := &fakeStorage{}
	r := testRegistry(t, storage)

	cluster := "edge"
	handle, err := r.Register(context.Background(), types.Handshake{Name: "dr-abc123"}, &cluster, "192.0.2.4")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Closing on every exit path means double closes happen; only one mark
	// may result.
	handle.Close()
	handle.Close()

	r.Close()

	marks := storage.offlineMarks()
	if len(marks) != 1 || marks[0] != handle.ID {
		t.Errorf("offline marks = %v, want exactly [%d]", marks, handle.ID)
	}
}

func TestOfflineMarkRetries(t *testing.T) {
	storage := &fakeStorage{failMarks: 1}
	r := NewRegistry(storage, names.NewControllerName(), slog.Default())
	r.Start()

	cluster := "edge"
	handle, err := r.Register(context.Background(), types.Handshake{Name: "dr-abc123"}, &cluster, "192.0.2.4")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	start := time.Now()
	handle.Close()
	r.Close()

	marks := storage.offlineMarks()
	if len(marks) != 1 {
		t.Fatalf("offline marks = %v, want one after retry", marks)
	}
	if time.Since(start) < offlineRetryDelay {
		t.Error("retry should have waited before the second attempt")
	}
}

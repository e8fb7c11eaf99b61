package backend

import (
	"context"
	"testing"
	"time"

	"github.com/jasondavies/plane/pkg/bus"
	"github.com/jasondavies/plane/pkg/types"
)

func collect(t *testing.T, out <-chan types.TimestampedBackendStatus, done <-chan struct{}) []types.BackendStatus {
	t.Helper()
	var got []types.BackendStatus
	for {
		select {
		case item, ok := <-out:
			if !ok {
				return got
			}
			got = append(got, item.Status)
		case <-done:
			// Producer finished; drain what is buffered.
			for {
				select {
				case item, ok := <-out:
					if !ok {
						return got
					}
					got = append(got, item.Status)
				default:
					return got
				}
			}
		case <-time.After(time.Second):
			t.Fatal("timed out collecting stream")
		}
	}
}

func runMerge(t *testing.T, history []types.TimestampedBackendStatus, live []types.BackendStatus) []types.BackendStatus {
	t.Helper()

	events := make(chan bus.Event, len(live))
	for _, s := range live {
		events <- bus.Event{Timestamp: time.Now(), Kind: KindBackendState, Payload: s}
	}
	close(events)

	out := make(chan types.TimestampedBackendStatus, len(history)+len(live)+1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(out)
		if err := runStatusStream(context.Background(), history, events, out); err != nil {
			t.Errorf("runStatusStream: %v", err)
		}
	}()

	return collect(t, out, done)
}

func ts(statuses ...types.BackendStatus) []types.TimestampedBackendStatus {
	out := make([]types.TimestampedBackendStatus, len(statuses))
	for i, s := range statuses {
		out[i] = types.TimestampedBackendStatus{Time: time.Now(), Status: s}
	}
	return out
}

func TestStatusStreamSuppressesSnapshotDuplicates(t *testing.T) {
	// Events that raced the snapshot read are delivered again on the live
	// subscription; the monotone order makes them droppable.
	got := runMerge(t,
		ts(types.Scheduled, types.Loading, types.Starting),
		[]types.BackendStatus{types.Loading, types.Starting, types.Ready, types.Terminated},
	)

	want := []types.BackendStatus{types.Scheduled, types.Loading, types.Starting, types.Ready, types.Terminated}
	assertStatuses(t, got, want)
}

func TestStatusStreamSnapshotOnly(t *testing.T) {
	got := runMerge(t, ts(types.Scheduled, types.Ready, types.Terminated), nil)
	assertStatuses(t, got, []types.BackendStatus{types.Scheduled, types.Ready, types.Terminated})
}

func TestStatusStreamEndsAtTerminated(t *testing.T) {
	// Nothing may follow Terminated, even if the bus delivers more.
	got := runMerge(t,
		ts(types.Scheduled),
		[]types.BackendStatus{types.Terminated, types.Terminated},
	)
	assertStatuses(t, got, []types.BackendStatus{types.Scheduled, types.Terminated})
}

func TestStatusStreamLiveOnly(t *testing.T) {
	got := runMerge(t, nil, []types.BackendStatus{types.Scheduled, types.Ready})
	assertStatuses(t, got, []types.BackendStatus{types.Scheduled, types.Ready})
}

func TestStatusStreamCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	events := make(chan bus.Event)
	out := make(chan types.TimestampedBackendStatus) // unbuffered: emit must block
	err := runStatusStream(ctx, ts(types.Scheduled), events, out)
	if err != nil {
		t.Fatalf("cancelled stream should end cleanly, got %v", err)
	}
}

func assertStatuses(t *testing.T, got, want []types.BackendStatus) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: got %v, want %v (full: %v)", i, got[i], want[i], want)
		}
	}
}

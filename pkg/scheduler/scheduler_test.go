package scheduler

import (
	"testing"

	"github.com/jasondavies/plane/pkg/types"
)

func TestPick(t *testing.T) {
	tests := []struct {
		name   string
		drones []DroneLoad
		want   types.NodeID
		wantOK bool
	}{
		{
			name:   "no drones",
			drones: nil,
			wantOK: false,
		},
		{
			name:   "single drone",
			drones: []DroneLoad{{ID: 7, Live: 3}},
			want:   7,
			wantOK: true,
		},
		{
			name: "least loaded wins",
			drones: []DroneLoad{
				{ID: 1, Live: 5},
				{ID: 2, Live: 1},
				{ID: 3, Live: 4},
			},
			want:   2,
			wantOK: true,
		},
		{
			name: "tie broken by lowest id",
			drones: []DroneLoad{
				{ID: 9, Live: 2},
				{ID: 4, Live: 2},
				{ID: 6, Live: 2},
			},
			want:   4,
			wantOK: true,
		},
		{
			name: "order independent",
			drones: []DroneLoad{
				{ID: 4, Live: 2},
				{ID: 9, Live: 2},
				{ID: 2, Live: 3},
			},
			want:   4,
			wantOK: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Pick(tt.drones)
			if ok != tt.wantOK {
				t.Fatalf("Pick() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("Pick() = %d, want %d", got, tt.want)
			}
		})
	}
}

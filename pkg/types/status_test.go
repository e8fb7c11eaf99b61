package types

import (
	"encoding/json"
	"testing"
)

func TestBackendStatusOrdering(t *testing.T) {
	order := []BackendStatus{
		Scheduled, Loading, Starting, Waiting, Ready,
		Terminating, HardTerminating, Terminated,
	}

	for i := 1; i < len(order); i++ {
		if order[i-1] >= order[i] {
			t.Errorf("expected %s < %s", order[i-1], order[i])
		}
	}

	if !Terminated.Terminal() {
		t.Error("Terminated should be terminal")
	}
	for _, s := range order[:len(order)-1] {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestParseBackendStatus(t *testing.T) {
	tests := []struct {
		in      string
		want    BackendStatus
		wantErr bool
	}{
		{in: "scheduled", want: Scheduled},
		{in: "ready", want: Ready},
		{in: "hard-terminating", want: HardTerminating},
		{in: "terminated", want: Terminated},
		{in: "Ready", wantErr: true},
		{in: "", wantErr: true},
		{in: "launched", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBackendStatus(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseBackendStatus(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseBackendStatus(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestBackendStatusJSON(t *testing.T) {
	data, err := json.Marshal(TimestampedBackendStatus{Status: Waiting})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded TimestampedBackendStatus
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Status != Waiting {
		t.Errorf("round trip = %v, want %v", decoded.Status, Waiting)
	}

	var bad BackendStatus
	if err := json.Unmarshal([]byte(`"warp-speed"`), &bad); err == nil {
		t.Error("expected error for unknown status")
	}

	if _, err := json.Marshal(BackendStatus(42)); err == nil {
		t.Error("expected error marshaling invalid status")
	}
}

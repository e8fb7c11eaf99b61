package sweeper

import (
	"testing"
	"time"

	"github.com/jasondavies/plane/pkg/types"
)

func TestDecide(t *testing.T) {
	now := time.Now()
	recent := now.Add(-3 * time.Second)
	stale := now.Add(-GraceWindow - time.Second)

	tests := []struct {
		name        string
		firstIssued *time.Time
		want        types.TerminationKind
		wantDue     bool
	}{
		{
			name:    "no prior terminate gets soft",
			want:    types.TerminationSoft,
			wantDue: true,
		},
		{
			name:        "within grace window waits",
			firstIssued: &recent,
			wantDue:     false,
		},
		{
			name:        "past grace window escalates to hard",
			firstIssued: &stale,
			want:        types.TerminationHard,
			wantDue:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, due := Decide(tt.firstIssued, now, GraceWindow)
			if due != tt.wantDue {
				t.Fatalf("Decide() due = %v, want %v", due, tt.wantDue)
			}
			if due && got != tt.want {
				t.Errorf("Decide() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecideBoundary(t *testing.T) {
	now := time.Now()
	exactly := now.Add(-GraceWindow)

	// Exactly at the grace window is still within it.
	if _, due := Decide(&exactly, now, GraceWindow); due {
		t.Error("terminate at exactly the grace window should not escalate")
	}
}

package names

import (
	"strings"
	"testing"

	"github.com/jasondavies/plane/pkg/types"
)

func TestParseNodeName(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		wantKind types.NodeKind
		wantErr  bool
	}{
		{name: "drone", in: "dr-f00dcafe01234567", wantKind: types.NodeKindDrone},
		{name: "proxy", in: "px-abc123", wantKind: types.NodeKindProxy},
		{name: "acme dns", in: "ns-abc123", wantKind: types.NodeKindAcmeDNSServer},
		{name: "no prefix", in: "worker-1", wantErr: true},
		{name: "empty body", in: "dr-", wantErr: true},
		{name: "uppercase body", in: "dr-ABC", wantErr: true},
		{name: "trailing dash", in: "dr-abc-", wantErr: true},
		{name: "empty", in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseNodeName(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseNodeName(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.Kind() != tt.wantKind {
				t.Errorf("kind = %v, want %v", got.Kind(), tt.wantKind)
			}
			if got.String() != tt.in {
				t.Errorf("name = %q, want %q", got.String(), tt.in)
			}
		})
	}
}

func TestNewBackendName(t *testing.T) {
	a := NewBackendName()
	b := NewBackendName()

	if a == b {
		t.Error("expected distinct generated names")
	}
	if !strings.HasPrefix(a.String(), "ba-") {
		t.Errorf("backend name %q lacks prefix", a)
	}

	parsed, err := ParseBackendName(a.String())
	if err != nil {
		t.Fatalf("generated name does not parse: %v", err)
	}
	if parsed != a {
		t.Errorf("parsed = %q, want %q", parsed, a)
	}
}

func TestParseBackendNameRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "ba-", "dr-abc123", "ba-ABC", "ba-a b"} {
		if _, err := ParseBackendName(in); err == nil {
			t.Errorf("ParseBackendName(%q) succeeded, want error", in)
		}
	}
}

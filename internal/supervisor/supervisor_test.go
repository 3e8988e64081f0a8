package supervisor

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestBackoffForAttempt_Sequence verifies the reconnect delay sequence for
// n = 0..9: min(1000*2^n, 60000)ms, with no jitter.
func TestBackoffForAttempt_Sequence(t *testing.T) {
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second, // 64s would exceed the 60s cap
		60 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	for n, w := range want {
		if got := backoffForAttempt(n); got != w {
			t.Errorf("backoffForAttempt(%d) = %s, want %s", n, got, w)
		}
	}
}

func TestBackoffForAttempt_IsDeterministic(t *testing.T) {
	// No jitter: repeated calls for the same n must be identical.
	for n := 0; n < 10; n++ {
		a := backoffForAttempt(n)
		b := backoffForAttempt(n)
		if a != b {
			t.Fatalf("backoffForAttempt(%d) not deterministic: %s != %s", n, a, b)
		}
	}
}

func TestLoadOrCreateAgentID_PersistsAcrossCalls(t *testing.T) {
	dir := t.TempDir()

	first, err := loadOrCreateAgentID(dir)
	if err != nil {
		t.Fatalf("loadOrCreateAgentID: %v", err)
	}
	if first == "" {
		t.Fatal("expected a non-empty generated id")
	}

	second, err := loadOrCreateAgentID(dir)
	if err != nil {
		t.Fatalf("loadOrCreateAgentID (second call): %v", err)
	}
	if second != first {
		t.Fatalf("got %q on reload, want %q to be reused", second, first)
	}

	data, err := os.ReadFile(filepath.Join(dir, "agent-id.txt"))
	if err != nil {
		t.Fatalf("read persisted file: %v", err)
	}
	if string(data) != first {
		t.Fatalf("persisted file contains %q, want %q", data, first)
	}
}

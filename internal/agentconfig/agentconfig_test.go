package agentconfig

import (
	"os"
	"testing"
)

func TestLoad_RequiredFieldMissing(t *testing.T) {
	// t.Setenv registers the restore; the vars must actually be unset for
	// the required tag to trip.
	for _, key := range []string{"CONTROLLER_URL", "AGENT_SECRET_KEY", "AGENT_WORKER_COMMAND"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	if _, err := Load(); err == nil {
		t.Fatal("expected an error when required env vars are unset")
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	t.Setenv("CONTROLLER_URL", "ws://localhost:8080/ws")
	t.Setenv("AGENT_SECRET_KEY", "secret")
	t.Setenv("AGENT_WORKER_COMMAND", "/usr/local/bin/inference-worker")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AgentName != "agent" {
		t.Errorf("got AgentName %q, want default %q", cfg.AgentName, "agent")
	}
	if cfg.MaxConcurrentModels != 1 {
		t.Errorf("got MaxConcurrentModels %d, want default 1", cfg.MaxConcurrentModels)
	}
	if cfg.ModelsDir != "./models" {
		t.Errorf("got ModelsDir %q, want default %q", cfg.ModelsDir, "./models")
	}
	if cfg.MetricsAddr != ":9090" {
		t.Errorf("got MetricsAddr %q, want default %q", cfg.MetricsAddr, ":9090")
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	t.Setenv("CONTROLLER_URL", "ws://localhost:8080/ws")
	t.Setenv("AGENT_SECRET_KEY", "secret")
	t.Setenv("AGENT_WORKER_COMMAND", "/usr/local/bin/inference-worker")
	t.Setenv("MAX_CONCURRENT_MODELS", "4")
	t.Setenv("MODELS_DIR", "/srv/models")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxConcurrentModels != 4 {
		t.Errorf("got MaxConcurrentModels %d, want 4", cfg.MaxConcurrentModels)
	}
	if cfg.ModelsDir != "/srv/models" {
		t.Errorf("got ModelsDir %q, want /srv/models", cfg.ModelsDir)
	}
}

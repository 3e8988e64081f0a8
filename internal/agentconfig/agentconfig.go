// Package agentconfig loads the agent process's environment configuration
// via struct tags.
package agentconfig

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config is the agent's full environment-derived configuration.
type Config struct {
	ControllerURL  string `env:"CONTROLLER_URL,required"`
	AgentSecretKey string `env:"AGENT_SECRET_KEY,required"`
	AgentName      string `env:"AGENT_NAME" envDefault:"agent"`
	ModelsDir      string `env:"MODELS_DIR" envDefault:"./models"`
	AgentDataDir   string `env:"AGENT_DATA_DIR" envDefault:"./data"`

	MaxConcurrentModels    int `env:"MAX_CONCURRENT_MODELS" envDefault:"1"`
	HardwarePollIntervalMS int `env:"HARDWARE_POLL_INTERVAL_MS" envDefault:"5000"`

	AgentWorkerCommand string `env:"AGENT_WORKER_COMMAND,required"`
	AgentLogLevel      string `env:"AGENT_LOG_LEVEL" envDefault:"info"`
	MetricsAddr        string `env:"AGENT_METRICS_ADDR" envDefault:":9090"`
}

// Load parses Config from the process environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("agentconfig: %w", err)
	}
	return cfg, nil
}

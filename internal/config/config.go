// Package config assembles a single, explicit Config value at startup and
// passes it down through the pipeline and transport. There is no process-wide
// configuration singleton; callers thread the value they need.
package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// PipelineConfig controls which stages run and the retry/timeout bounds.
type PipelineConfig struct {
	EnabledAgents []string
	SkipPlanner   bool
	MaxRetries    int
	Timeout       time.Duration
}

// SimulatorConfig configures the ForkedSimulator and its pool.
type SimulatorConfig struct {
	ForkURL   string
	ForkBlock *uint64
	Binary    string
	BasePort  int
	Timeout   time.Duration
	PoolSize  int
}

// IsolationConfig selects and configures the isolation backend.
type IsolationConfig struct {
	Backend             string // container-sim | cloud-enclave | sgx
	Image               string
	AttestationEnabled  bool
}

// ReasoningConfig selects the forensic/model fusion engine.
type ReasoningConfig struct {
	Engine string // rules_only | rules_plus_model | mock
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	Port             string
	AuthToken        string
	RateLimitPerMin  int
	RateLimitBurst   int
	AllowedOrigins   string
}

// StorageConfig configures the optional audit-log persistence layer.
type StorageConfig struct {
	PostgresDSN string
}

// Config is the immutable, fully-resolved configuration snapshot for one process.
type Config struct {
	Pipeline  PipelineConfig
	Simulator SimulatorConfig
	Isolation IsolationConfig
	Reasoning ReasoningConfig
	Server    ServerConfig
	Storage   StorageConfig
}

var envSubstPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substituteEnv replaces every ${NAME} occurrence in s with the environment
// variable NAME's value (empty string if unset).
func substituteEnv(s string) string {
	return envSubstPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envSubstPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

// requireEnv reads a required environment variable and exits if unset.
func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: Required environment variable %s is not set.", key)
	}
	return substituteEnv(val)
}

// getEnvOrDefault returns the env var value (with ${NAME} substitution applied)
// or a safe default for non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return substituteEnv(val)
	}
	return fallback
}

func getEnvIntOrDefault(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
		log.Printf("Warning: %s=%q is not a valid integer, using default %d", key, val, fallback)
	}
	return fallback
}

func getEnvBoolOrDefault(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		b, err := strconv.ParseBool(val)
		if err == nil {
			return b
		}
		log.Printf("Warning: %s=%q is not a valid bool, using default %t", key, val, fallback)
	}
	return fallback
}

// Load builds a Config from the process environment. SIMULATOR_FORK_URL is the only
// value required for the simulator to start a real fork; its absence is not
// fatal here (graceful degradation — the service still starts and reports
// environment errors per-audit rather than refusing to boot).
func Load() Config {
	enabledAgents := []string{"perception", "executor", "reflection", "aggregator"}
	if raw := os.Getenv("PIPELINE_ENABLED_AGENTS"); raw != "" {
		enabledAgents = strings.Split(raw, ",")
		for i := range enabledAgents {
			enabledAgents[i] = strings.TrimSpace(enabledAgents[i])
		}
	}

	timeoutSeconds := getEnvIntOrDefault("PIPELINE_TIMEOUT_SECONDS", 300)

	cfg := Config{
		Pipeline: PipelineConfig{
			EnabledAgents: enabledAgents,
			SkipPlanner:   getEnvBoolOrDefault("PIPELINE_SKIP_PLANNER", true),
			MaxRetries:    getEnvIntOrDefault("PIPELINE_MAX_RETRIES", 2),
			Timeout:       time.Duration(timeoutSeconds) * time.Second,
		},
		Simulator: SimulatorConfig{
			ForkURL:  getEnvOrDefault("SIMULATOR_FORK_URL", ""),
			Binary:   getEnvOrDefault("SIMULATOR_BINARY", "anvil"),
			BasePort: getEnvIntOrDefault("SIMULATOR_BASE_PORT", 8545),
			Timeout:  time.Duration(getEnvIntOrDefault("SIMULATOR_TIMEOUT_SECONDS", 30)) * time.Second,
			PoolSize: getEnvIntOrDefault("SIMULATOR_POOL_SIZE", 3),
		},
		Isolation: IsolationConfig{
			Backend:            getEnvOrDefault("ISOLATION_BACKEND", "container-sim"),
			Image:              getEnvOrDefault("ISOLATION_IMAGE", "alpine:3.19"),
			AttestationEnabled: getEnvBoolOrDefault("ISOLATION_ATTESTATION_ENABLED", true),
		},
		Reasoning: ReasoningConfig{
			Engine: getEnvOrDefault("REASONING_ENGINE", "rules_only"),
		},
		Server: ServerConfig{
			Port:            getEnvOrDefault("PORT", "8080"),
			AuthToken:       os.Getenv("API_AUTH_TOKEN"),
			RateLimitPerMin: getEnvIntOrDefault("RATE_LIMIT_PER_MIN", 30),
			RateLimitBurst:  getEnvIntOrDefault("RATE_LIMIT_BURST", 5),
			AllowedOrigins:  os.Getenv("ALLOWED_ORIGINS"),
		},
		Storage: StorageConfig{
			PostgresDSN: os.Getenv("DATABASE_URL"),
		},
	}

	if forkBlockRaw := os.Getenv("SIMULATOR_FORK_BLOCK"); forkBlockRaw != "" {
		n, err := strconv.ParseUint(forkBlockRaw, 10, 64)
		if err == nil {
			cfg.Simulator.ForkBlock = &n
		} else {
			log.Printf("Warning: SIMULATOR_FORK_BLOCK=%q is not a valid integer, forking at chain tip", forkBlockRaw)
		}
	}

	if cfg.Simulator.ForkURL == "" {
		log.Println("Warning: SIMULATOR_FORK_URL is not set; the ForkedSimulator cannot start until it is configured.")
	}

	return cfg
}

// Validate reports the first configuration inconsistency found, or nil.
func (c Config) Validate() error {
	switch c.Isolation.Backend {
	case "container-sim", "cloud-enclave", "sgx":
	default:
		return fmt.Errorf("isolation.backend: unknown backend %q", c.Isolation.Backend)
	}
	switch c.Reasoning.Engine {
	case "rules_only", "rules_plus_model", "mock":
	default:
		return fmt.Errorf("reasoning.engine: unknown engine %q", c.Reasoning.Engine)
	}
	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("pipeline.max_retries must be >= 0")
	}
	return nil
}

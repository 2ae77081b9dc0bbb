// Package code provides CodeRunner implementations for LLM code execution.
package code

import "time"

// Option configures a runner.
type Option func(*runnerConfig)

type runnerConfig struct {
	// Shared options.
	timeout   time.Duration
	maxOutput int
	workspace string

	// SubprocessRunner options.
	envPassthrough bool
	envVars        map[string]string

	// DockerRunner options.
	image       string
	memoryBytes int64
	cpuQuota    int64
	network     bool
}

func defaultConfig() runnerConfig {
	return runnerConfig{
		timeout:     30 * time.Second,
		maxOutput:   64 * 1024, // 64KB
		image:       "python:3.12-slim",
		memoryBytes: 512 << 20, // 512MB
	}
}

// WithTimeout sets the maximum execution duration for code.
// Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(c *runnerConfig) { c.timeout = d }
}

// WithMaxOutput sets the maximum output size in bytes.
// Output beyond this limit is truncated. Default: 64KB.
func WithMaxOutput(bytes int) Option {
	return func(c *runnerConfig) { c.maxOutput = bytes }
}

// WithWorkspace sets the working directory for executions. Files placed
// there persist across runs. Default: the OS temp directory.
func WithWorkspace(dir string) Option {
	return func(c *runnerConfig) { c.workspace = dir }
}

// WithEnvPassthrough passes the full parent environment to the subprocess
// instead of the minimal default (PATH, HOME, LANG).
func WithEnvPassthrough() Option {
	return func(c *runnerConfig) { c.envPassthrough = true }
}

// WithEnv adds an environment variable to the execution environment.
func WithEnv(key, value string) Option {
	return func(c *runnerConfig) {
		if c.envVars == nil {
			c.envVars = make(map[string]string)
		}
		c.envVars[key] = value
	}
}

// WithImage sets the container image for DockerRunner.
// Default: "python:3.12-slim".
func WithImage(image string) Option {
	return func(c *runnerConfig) { c.image = image }
}

// WithMemoryLimit caps container memory for DockerRunner. Default: 512MB.
func WithMemoryLimit(bytes int64) Option {
	return func(c *runnerConfig) { c.memoryBytes = bytes }
}

// WithCPUQuota sets the container CPU quota in microseconds per 100ms
// period (e.g. 50000 = half a core). Zero leaves it unlimited.
func WithCPUQuota(quota int64) Option {
	return func(c *runnerConfig) { c.cpuQuota = quota }
}

// WithNetwork enables container networking for DockerRunner.
// Disabled by default: sandboxed code reaches tools through the
// dispatch bridge, not the network.
func WithNetwork() Option {
	return func(c *runnerConfig) { c.network = true }
}

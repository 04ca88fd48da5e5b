package main

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/gogpu/explicit"
)

// Config is the replay configuration, loaded from TOML and overridden by
// flags.
type Config struct {
	Driver           string   `toml:"driver"`
	Width            uint32   `toml:"width"`
	Height           uint32   `toml:"height"`
	Frames           int      `toml:"frames"`
	PollInterval     string   `toml:"poll_interval"`
	WaitIdleTimeout  string   `toml:"wait_idle_timeout"`
	FailurePolicy    string   `toml:"failure_policy"`
	BackgroundPoller bool     `toml:"background_poller"`
	Features         Features `toml:"features"`
	Trace            bool     `toml:"trace"`
}

// Features mirrors explicit.Features.
type Features struct {
	Timestamps   bool `toml:"timestamps"`
	Compute      bool `toml:"compute"`
	IndirectDraw bool `toml:"indirect_draw"`
}

func defaultConfig() Config {
	return Config{
		Width:         64,
		Height:        64,
		Frames:        2,
		FailurePolicy: "continue",
	}
}

// loadConfig reads path over the defaults. An empty path yields the
// defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path is a user-supplied config file
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// options converts the configuration to device options.
func (c Config) options(obs explicit.Observer) ([]explicit.Option, error) {
	opts := []explicit.Option{
		explicit.WithObserver(obs),
		explicit.WithBackgroundPoller(c.BackgroundPoller),
		explicit.WithFeatures(explicit.Features(c.Features)),
	}
	for _, d := range []struct {
		name  string
		value string
		opt   func(time.Duration) explicit.Option
	}{
		{"poll_interval", c.PollInterval, explicit.WithPollInterval},
		{"wait_idle_timeout", c.WaitIdleTimeout, explicit.WithWaitIdleTimeout},
	} {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("config %s: %w", d.name, err)
		}
		opts = append(opts, d.opt(v))
	}
	switch c.FailurePolicy {
	case "", "continue":
		opts = append(opts, explicit.WithCommandFailurePolicy(explicit.ContinueOnFailure))
	case "abort":
		opts = append(opts, explicit.WithCommandFailurePolicy(explicit.AbortCommandBuffer))
	default:
		return nil, fmt.Errorf("config failure_policy: unknown policy %q", c.FailurePolicy)
	}
	return opts, nil
}

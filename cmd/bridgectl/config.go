package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"sutext.github.io/bridgelink/client"
	"sutext.github.io/bridgelink/xlog"
)

type config struct {
	Host           string         `yaml:"host"`
	Target         string         `yaml:"target"`
	Targets        map[string]int `yaml:"targets"`
	ConnectTimeout time.Duration  `yaml:"connectTimeout"`
	KeepAlive      time.Duration  `yaml:"keepAlive"`
	LogLevel       string         `yaml:"logLevel"`
	LogFormat      string         `yaml:"logFormat"`
	LogFile        string         `yaml:"logFile"`
	MetricsAddr    string         `yaml:"metricsAddr"`
}

func defaultConfig() *config {
	return &config{
		Host:   "127.0.0.1",
		Target: "apex",
		Targets: map[string]int{
			"sentinel": client.PortSentinel,
			"apex":     client.PortApex,
		},
		ConnectTimeout: client.DefaultConnectTimeout,
		KeepAlive:      client.DefaultKeepAliveInterval,
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// readConfig loads path over the defaults. An empty path yields the defaults.
func readConfig(path string) (*config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func (c *config) validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if _, ok := c.Targets[c.Target]; !ok {
		return fmt.Errorf("unknown target %q", c.Target)
	}
	for name, port := range c.Targets {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("target %q: invalid port %d", name, port)
		}
	}
	if c.ConnectTimeout < 0 {
		return fmt.Errorf("connectTimeout must not be negative")
	}
	if c.KeepAlive < 0 {
		return fmt.Errorf("keepAlive must not be negative")
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown logFormat %q", c.LogFormat)
	}
	return nil
}

// Port is the port of the selected target.
func (c *config) Port() int {
	return c.Targets[c.Target]
}

func (c *config) Level() slog.Level {
	return xlog.ParseLevel(c.LogLevel)
}

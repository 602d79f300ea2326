package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/client"
	"github.com/MegaGrindStone/streamchat/internal/handlers"
	"github.com/MegaGrindStone/streamchat/internal/markdown"
	"gopkg.in/yaml.v3"
)

type config struct {
	Port     string          `yaml:"port"`
	LogLevel string          `yaml:"logLevel"`
	Backend  backendConfig   `yaml:"backend"`
	Markdown markdown.Config `yaml:"markdown"`
}

// backendConfig locates the chat backend. Without a URL, the backend is expected on Port of the host
// the page was requested on.
type backendConfig struct {
	URL              string        `yaml:"url"`
	Port             string        `yaml:"port"`
	Path             string        `yaml:"path"`
	RequestTimeout   time.Duration `yaml:"requestTimeout"`
	StallTimeout     time.Duration `yaml:"stallTimeout"`
	LivenessInterval time.Duration `yaml:"livenessInterval"`
}

func defaultConfig() config {
	return config{
		Port:     "8080",
		LogLevel: "info",
		Backend: backendConfig{
			Port: "5888",
		},
		Markdown: markdown.Config{
			Strategy:  markdown.StrategyGoldmark,
			Highlight: true,
			Style:     markdown.DefaultStyle,
		},
	}
}

// loadConfig reads the YAML file at path over the defaults. A missing file leaves the defaults.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}
	return cfg, nil
}

func (c config) logger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
}

// clientFactory returns the factory creating one streaming client per browser session, all sharing
// renderer.
func (c config) clientFactory(renderer markdown.Renderer, logger *slog.Logger) handlers.ClientFactory {
	return func(pageHost string) (handlers.Client, error) {
		baseURL := c.Backend.URL
		if baseURL == "" {
			baseURL = client.ResolveBaseURL(pageHost, c.Backend.Port)
		}

		cl, err := client.New(client.Config{
			BaseURL:          baseURL,
			Path:             c.Backend.Path,
			RequestTimeout:   c.Backend.RequestTimeout,
			StallTimeout:     c.Backend.StallTimeout,
			LivenessInterval: c.Backend.LivenessInterval,
		}, renderer, nil, logger)
		if err != nil {
			return nil, err
		}
		return cl, nil
	}
}

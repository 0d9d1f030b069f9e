package factory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"promptrelay/internal/config"
	"promptrelay/internal/hook"
	"promptrelay/internal/provider"
	"promptrelay/internal/provider/azure"
	"promptrelay/internal/provider/bedrock"
)

const (
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
	// Streams are bounded by the router; only the wait for response headers
	// is limited here.
	defaultHeaderTimeout = 60 * time.Second
)

// RegisterConfiguredProviders constructs backends from configuration and stores them in the registry.
func RegisterConfiguredProviders(ctx context.Context, cfg config.Config, registry *provider.Registry) error {
	if registry == nil {
		return errors.New("registry must not be nil")
	}

	if cfg.Providers.Azure != nil {
		azureProvider, err := azure.New(*cfg.Providers.Azure, newStreamingHTTPClient())
		if err != nil {
			return fmt.Errorf("initialise azure provider: %w", err)
		}
		if err := registry.Register(azureProvider); err != nil {
			return fmt.Errorf("register azure provider: %w", err)
		}
		slog.Info("registered backend", "service", azureProvider.Service(), "default_deployment", azureProvider.DefaultDeployment())
	}

	if cfg.Providers.Bedrock != nil {
		bedrockProvider, err := bedrock.New(ctx, *cfg.Providers.Bedrock, newStreamingHTTPClient())
		if err != nil {
			return fmt.Errorf("initialise bedrock provider: %w", err)
		}
		if err := registry.Register(bedrockProvider); err != nil {
			return fmt.Errorf("register bedrock provider: %w", err)
		}
		slog.Info("registered backend", "service", bedrockProvider.Service(), "default_deployment", bedrockProvider.DefaultDeployment())
	}

	if len(registry.Services()) == 0 {
		return errors.New("no providers configured")
	}
	return nil
}

// NewHook builds the completion notifier from configuration.
func NewHook(cfg config.HookConfig) (*hook.Webhook, error) {
	timeout := cfg.Timeout.Std()
	return hook.NewWebhook(newHTTPClient(timeout), timeout, cfg.AllowedHosts)
}

func newStreamingHTTPClient() *http.Client {
	return newHTTPClient(0)
}

func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: defaultHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

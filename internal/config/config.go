package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort          = 8080
	defaultStreamTimeout = 5 * time.Minute

	// DefaultAzureDeployment is used when neither the request nor the config names one.
	DefaultAzureDeployment = "gpt4-Omni"
	// DefaultAzureAPIVersion is the Azure OpenAI data-plane API version.
	DefaultAzureAPIVersion = "2024-06-01"
	// DefaultBedrockModel is used when neither the request nor the config names one.
	DefaultBedrockModel = "anthropic.claude-3-haiku-20240307-v1:0"
)

// Environment variables that override file configuration.
const (
	EnvAzureEndpoint = "AZURE_ENDPOINT"
	EnvAzureAPIKey   = "AZURE_API_KEY"
	EnvAWSRegion     = "AWS_REGION"
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Hook      HookConfig      `yaml:"hook"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port int `yaml:"port"`
	// StreamTimeout bounds one backend stream. Zero disables the limit.
	StreamTimeout Duration `yaml:"stream_timeout"`
}

// ProvidersConfig catalogues configured upstream backends. A nil entry is not served.
type ProvidersConfig struct {
	Azure   *AzureConfig   `yaml:"azure"`
	Bedrock *BedrockConfig `yaml:"bedrock"`
}

// AzureConfig captures the Azure OpenAI endpoint and key.
type AzureConfig struct {
	Endpoint          string  `yaml:"endpoint"`
	APIKey            string  `yaml:"api_key"`
	APIVersion        string  `yaml:"api_version"`
	DefaultDeployment string  `yaml:"default_deployment"`
	Headers           Headers `yaml:"headers"`
}

// BedrockConfig captures the AWS region and optional static credentials.
// Without static keys the default AWS credential chain is used.
type BedrockConfig struct {
	Region          string `yaml:"region"`
	DefaultModel    string `yaml:"default_model"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
}

// HookConfig tunes the completion hook.
type HookConfig struct {
	Timeout Duration `yaml:"timeout"`
	// AllowedHosts lists callback hosts ("hooks.example.com" or
	// "*.example.com") the transcript may be posted to. Empty disables posting.
	AllowedHosts []string `yaml:"allowed_hosts"`
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

// Duration is a time.Duration that decodes from strings like "90s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:          defaultPort,
			StreamTimeout: Duration(defaultStreamTimeout),
		},
	}
}

// Load reads YAML configuration from disk, applies environment overrides and
// validates the result. With an empty path the providers are configured from
// the environment alone.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return Config{}, fmt.Errorf("resolve config path: %w", err)
		}

		data, err := os.ReadFile(absPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
		}
	}

	cfg.ApplyEnv(os.LookupEnv, path == "")
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment values onto the configuration. When create is
// set, a provider section missing from the configuration is added for any
// provider the environment describes.
func (c *Config) ApplyEnv(lookup func(string) (string, bool), create bool) {
	endpoint, hasEndpoint := lookup(EnvAzureEndpoint)
	apiKey, hasKey := lookup(EnvAzureAPIKey)
	if hasEndpoint || hasKey {
		if c.Providers.Azure == nil && create {
			c.Providers.Azure = &AzureConfig{}
		}
		if az := c.Providers.Azure; az != nil {
			if hasEndpoint {
				az.Endpoint = endpoint
			}
			if hasKey {
				az.APIKey = apiKey
			}
		}
	}

	if region, ok := lookup(EnvAWSRegion); ok && region != "" {
		if c.Providers.Bedrock == nil && create {
			c.Providers.Bedrock = &BedrockConfig{}
		}
		if c.Providers.Bedrock != nil && c.Providers.Bedrock.Region == "" {
			c.Providers.Bedrock.Region = region
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if az := c.Providers.Azure; az != nil {
		az.Endpoint = strings.TrimRight(strings.TrimSpace(az.Endpoint), "/")
		if az.APIVersion == "" {
			az.APIVersion = DefaultAzureAPIVersion
		}
		if az.DefaultDeployment == "" {
			az.DefaultDeployment = DefaultAzureDeployment
		}
	}
	if br := c.Providers.Bedrock; br != nil {
		if br.DefaultModel == "" {
			br.DefaultModel = DefaultBedrockModel
		}
	}
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if c.Server.StreamTimeout < 0 {
		return fmt.Errorf("server.stream_timeout must not be negative, got %s", c.Server.StreamTimeout.Std())
	}
	if c.Hook.Timeout < 0 {
		return fmt.Errorf("hook.timeout must not be negative, got %s", c.Hook.Timeout.Std())
	}
	for _, host := range c.Hook.AllowedHosts {
		if strings.TrimSpace(host) == "" || strings.ContainsAny(host, "/:@ ") {
			return fmt.Errorf("hook.allowed_hosts: %q is not a host name", host)
		}
	}
	if c.Providers.Azure == nil && c.Providers.Bedrock == nil {
		return fmt.Errorf("at least one provider must be configured")
	}

	if az := c.Providers.Azure; az != nil {
		if err := validateAzure(*az); err != nil {
			return err
		}
	}
	if br := c.Providers.Bedrock; br != nil {
		if err := validateBedrock(*br); err != nil {
			return err
		}
	}
	return nil
}

func validateAzure(az AzureConfig) error {
	if strings.TrimSpace(az.Endpoint) == "" {
		return fmt.Errorf("provider azure: endpoint must be provided (or set %s)", EnvAzureEndpoint)
	}
	u, err := url.Parse(az.Endpoint)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("provider azure: endpoint %q must be an absolute URL", az.Endpoint)
	}
	if strings.TrimSpace(az.APIKey) == "" {
		return fmt.Errorf("provider azure: api_key must be provided (or set %s)", EnvAzureAPIKey)
	}
	for headerKey := range az.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("provider azure: header %q is not a valid canonical HTTP header", headerKey)
		}
	}
	return nil
}

func validateBedrock(br BedrockConfig) error {
	if strings.TrimSpace(br.Region) == "" {
		return fmt.Errorf("provider bedrock: region must be provided (or set %s)", EnvAWSRegion)
	}
	if (br.AccessKeyID == "") != (br.SecretAccessKey == "") {
		return fmt.Errorf("provider bedrock: access_key_id and secret_access_key must be set together")
	}
	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yamlv2 "gopkg.in/yaml.v2"
)

// PlatformKindREST is the built-in JSON/REST adapter.
const PlatformKindREST = "rest"

// PlatformConfig describes one marketplace connection.
type PlatformConfig struct {
	Name      string                  `yaml:"name"`
	Kind      string                  `yaml:"kind"`
	BaseURL   string                  `yaml:"base_url"`
	Timeout   time.Duration           `yaml:"timeout"`
	RateLimit PlatformRateLimitConfig `yaml:"rate_limit"`
	Retry     PlatformRetryConfig     `yaml:"retry"`
	Auth      PlatformAuthConfig      `yaml:"auth"`
	Webhook   PlatformWebhookConfig   `yaml:"webhook"`
	Paths     map[string]string       `yaml:"paths"`

	// OrganizationID and StoreID own the jobs triggered by webhooks and schedules.
	OrganizationID string                   `yaml:"organization_id"`
	StoreID        string                   `yaml:"store_id"`
	Schedules      map[string]time.Duration `yaml:"schedules"`
}

type PlatformRateLimitConfig struct {
	PerSecond int `yaml:"per_second"`
	PerMinute int `yaml:"per_minute"`
	PerHour   int `yaml:"per_hour"`
}

type PlatformRetryConfig struct {
	MaxRetries *int          `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

type PlatformAuthConfig struct {
	AccessToken  string `yaml:"access_token"`
	RefreshToken string `yaml:"refresh_token"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TokenURL     string `yaml:"token_url"`
	// Header defaults to Authorization, Scheme to Bearer.
	Header string `yaml:"header"`
	Scheme string `yaml:"scheme"`
}

type PlatformWebhookConfig struct {
	Secret          string `yaml:"secret"`
	SignatureHeader string `yaml:"signature_header"`
}

// LoadPlatforms reads the platform definitions file.
func LoadPlatforms(path string) ([]PlatformConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file struct {
		Platforms []PlatformConfig `yaml:"platforms"`
	}
	if err := yamlv2.Unmarshal([]byte(os.ExpandEnv(string(data))), &file); err != nil {
		return nil, fmt.Errorf("parse platforms: %w", err)
	}

	for i := range file.Platforms {
		file.Platforms[i].applyDefaults()
	}
	if err := ValidatePlatforms(file.Platforms); err != nil {
		return nil, err
	}
	return file.Platforms, nil
}

func (p *PlatformConfig) applyDefaults() {
	p.Name = strings.ToLower(strings.TrimSpace(p.Name))
	if p.Kind == "" {
		p.Kind = PlatformKindREST
	}
	if p.Timeout == 0 {
		p.Timeout = 30 * time.Second
	}
	if p.Retry.MaxRetries == nil {
		p.Retry.MaxRetries = IntPtr(3)
	}
	if p.Retry.BaseDelay == 0 {
		p.Retry.BaseDelay = time.Second
	}
	if p.Retry.MaxDelay == 0 {
		p.Retry.MaxDelay = 30 * time.Second
	}
	if p.Auth.Header == "" {
		p.Auth.Header = "Authorization"
	}
	if p.Auth.Scheme == "" && p.Auth.Header == "Authorization" {
		p.Auth.Scheme = "Bearer"
	}
	if p.Webhook.SignatureHeader == "" {
		p.Webhook.SignatureHeader = "X-Signature"
	}
}

func ValidatePlatforms(platforms []PlatformConfig) error {
	seen := make(map[string]bool)
	for _, p := range platforms {
		if p.Name == "" {
			return fmt.Errorf("platform with base_url %q has no name", p.BaseURL)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate platform name found: %s", p.Name)
		}
		seen[p.Name] = true
		if p.Kind != PlatformKindREST {
			return fmt.Errorf("platform %s: unknown kind %q", p.Name, p.Kind)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("platform %s: base_url is required", p.Name)
		}
		for jobType, every := range p.Schedules {
			if every <= 0 {
				return fmt.Errorf("platform %s: schedule %s must have a positive interval", p.Name, jobType)
			}
		}
		if len(p.Schedules) > 0 && p.OrganizationID == "" {
			return fmt.Errorf("platform %s: organization_id is required for schedules", p.Name)
		}
		if p.RateLimit.PerSecond < 0 || p.RateLimit.PerMinute < 0 || p.RateLimit.PerHour < 0 {
			return fmt.Errorf("platform %s: rate limits must not be negative", p.Name)
		}
		if p.Retry.MaxRetries != nil && *p.Retry.MaxRetries < 0 {
			return fmt.Errorf("platform %s: retry.max_retries must not be negative", p.Name)
		}
	}
	return nil
}

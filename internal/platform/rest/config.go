package rest

import (
	"time"

	"golang.org/x/oauth2"

	"github.com/rs/zerolog"

	"marketsync/internal/cache"
	"marketsync/internal/config"
	"marketsync/internal/platform"
	"marketsync/internal/ratelimit"
)

// Shared carries the collaborators every configured adapter is wired to.
type Shared struct {
	Limiter  *ratelimit.Limiter
	Cache    *cache.Cache
	CacheTTL time.Duration
	Health   platform.HealthRecorder
}

// FromConfig builds an adapter from a platform definition and registers the
// platform's request windows with the shared limiter.
func FromConfig(pc config.PlatformConfig, shared Shared, logger *zerolog.Logger) *Adapter {
	shared.Limiter.Configure(pc.Name, ratelimit.Limits{
		PerSecond: pc.RateLimit.PerSecond,
		PerMinute: pc.RateLimit.PerMinute,
		PerHour:   pc.RateLimit.PerHour,
	})

	retry := platform.DefaultRetryPolicy()
	if pc.Retry.MaxRetries != nil {
		retry.MaxRetries = *pc.Retry.MaxRetries
	}
	if pc.Retry.BaseDelay > 0 {
		retry.BaseDelay = pc.Retry.BaseDelay
	}
	if pc.Retry.MaxDelay > 0 {
		retry.MaxDelay = pc.Retry.MaxDelay
	}

	opts := []platform.ClientOption{
		platform.WithCredentials(credentialsFor(pc.Auth)),
		platform.WithLogger(logger),
	}
	if shared.Cache != nil {
		opts = append(opts, platform.WithCache(shared.Cache))
	}
	if shared.Health != nil {
		opts = append(opts, platform.WithHealth(shared.Health))
	}

	client := platform.NewClient(platform.ClientConfig{
		Platform:   pc.Name,
		BaseURL:    pc.BaseURL,
		Timeout:    pc.Timeout,
		Retry:      retry,
		CacheTTL:   shared.CacheTTL,
		AuthHeader: pc.Auth.Header,
		AuthScheme: pc.Auth.Scheme,
	}, shared.Limiter, opts...)

	return New(Config{
		Name:          pc.Name,
		WebhookSecret: pc.Webhook.Secret,
		Paths:         pc.Paths,
	}, client, logger)
}

func credentialsFor(auth config.PlatformAuthConfig) *platform.Credentials {
	var token *oauth2.Token
	if auth.AccessToken != "" || auth.RefreshToken != "" {
		token = &oauth2.Token{AccessToken: auth.AccessToken, RefreshToken: auth.RefreshToken}
	}

	var oauthCfg *oauth2.Config
	if auth.ClientID != "" && auth.TokenURL != "" {
		oauthCfg = &oauth2.Config{
			ClientID:     auth.ClientID,
			ClientSecret: auth.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: auth.TokenURL},
		}
	}
	return platform.NewCredentials(token, oauthCfg)
}

package awsclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/identitystore"
	"github.com/aws/aws-sdk-go-v2/service/organizations"
	"github.com/aws/aws-sdk-go-v2/service/ssoadmin"
)

type clientKey struct {
	profile string
	service string
}

// Factory builds and caches service clients per (profile, service). The SDK
// clients are safe for concurrent use, so one instance serves every worker.
type Factory struct {
	mu      sync.Mutex
	region  string
	logger  *slog.Logger
	clients map[clientKey]any
}

// NewFactory creates a client factory. region may be empty, in which case the
// shared AWS config chain decides.
func NewFactory(region string, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		region:  region,
		logger:  logger,
		clients: make(map[clientKey]any),
	}
}

func (f *Factory) load(profile string) awsconfig.LoadOptionsFunc {
	return func(o *awsconfig.LoadOptions) error {
		if profile != "" {
			o.SharedConfigProfile = profile
		}
		if f.region != "" {
			o.Region = f.region
		}
		return nil
	}
}

// ClientsFor returns the bundled service clients for a profile, constructing
// and caching them on first use.
func (f *Factory) ClientsFor(ctx context.Context, profile string) (*Clients, error) {
	sso, err := f.ssoAdmin(ctx, profile)
	if err != nil {
		return nil, err
	}
	ids, err := f.identityStore(ctx, profile)
	if err != nil {
		return nil, err
	}
	orgs, err := f.organizations(ctx, profile)
	if err != nil {
		return nil, err
	}
	return &Clients{SSOAdmin: sso, IdentityStore: ids, Organizations: orgs}, nil
}

func (f *Factory) ssoAdmin(ctx context.Context, profile string) (SSOAdminAPI, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := clientKey{profile: profile, service: "ssoadmin"}
	if c, ok := f.clients[key]; ok {
		return c.(SSOAdminAPI), nil
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, f.load(profile))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config for profile %q: %w", profile, err)
	}

	client := ssoadmin.NewFromConfig(cfg)
	f.clients[key] = client
	f.logger.Debug("created SSO Admin client", "profile", profile, "region", cfg.Region)
	return client, nil
}

func (f *Factory) identityStore(ctx context.Context, profile string) (IdentityStoreAPI, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := clientKey{profile: profile, service: "identitystore"}
	if c, ok := f.clients[key]; ok {
		return c.(IdentityStoreAPI), nil
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, f.load(profile))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config for profile %q: %w", profile, err)
	}

	client := identitystore.NewFromConfig(cfg)
	f.clients[key] = client
	f.logger.Debug("created Identity Store client", "profile", profile, "region", cfg.Region)
	return client, nil
}

func (f *Factory) organizations(ctx context.Context, profile string) (OrganizationsAPI, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := clientKey{profile: profile, service: "organizations"}
	if c, ok := f.clients[key]; ok {
		return c.(OrganizationsAPI), nil
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, f.load(profile))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config for profile %q: %w", profile, err)
	}

	client := organizations.NewFromConfig(cfg)
	f.clients[key] = client
	f.logger.Debug("created Organizations client", "profile", profile, "region", cfg.Region)
	return client, nil
}

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/vikyol/awsideman/internal/assignment"
	"github.com/vikyol/awsideman/internal/awsclient"
	"github.com/vikyol/awsideman/internal/bulk"
	"github.com/vikyol/awsideman/internal/cache"
	"github.com/vikyol/awsideman/internal/config"
	"github.com/vikyol/awsideman/internal/copier"
	"github.com/vikyol/awsideman/internal/core"
	"github.com/vikyol/awsideman/internal/operations"
	"github.com/vikyol/awsideman/internal/organizations"
	"github.com/vikyol/awsideman/internal/resilience"
	"github.com/vikyol/awsideman/internal/resolver"
	"github.com/vikyol/awsideman/internal/templates"
)

// runtime bundles the fully wired engines for one command invocation.
// Everything hangs off configuration plus one AWS client set per profile.
type runtime struct {
	cfg     *config.Config
	log     *slog.Logger
	profile string

	backend  cache.Backend
	clients  *awsclient.Clients
	retry    *resilience.RetryPolicy
	resolver *resolver.Resolver
	opt      *organizations.Optimizer
	executor *assignment.Executor
	opLogger *operations.Logger
}

// newRuntime wires the full stack. Commands that only touch the cache can
// use cacheOnly instead and skip the AWS client setup.
func newRuntime(ctx context.Context) (*runtime, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.SSO.InstanceArn == "" || cfg.SSO.IdentityStoreID == "" {
		return nil, fmt.Errorf("sso.instance_arn and sso.identity_store_id must be configured (or set AWSIDEMAN_SSO_INSTANCE_ARN / AWSIDEMAN_SSO_IDENTITY_STORE_ID)")
	}

	backend, err := buildCacheBackend(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	factory := awsclient.NewFactory(cfg.SSO.Region, log)
	clients, err := factory.ClientsFor(ctx, cfg.Profile)
	if err != nil {
		return nil, err
	}

	retry := resilience.DefaultRetryPolicy()
	retry.MaxRetries = cfg.Core.MaxRetries
	retry.Logger = log

	res, err := resolver.New(profileNamespace(cfg), cfg.SSO.InstanceArn, cfg.SSO.IdentityStoreID, clients, backend, retry, resolver.TTLs{
		Identity:      cfg.Cache.ResolverUserTTL,
		PermissionSet: cfg.Cache.ResolverPermSetTTL,
		Account:       cfg.Cache.ResolverPermSetTTL,
	}, log)
	if err != nil {
		return nil, err
	}

	opt := organizations.NewOptimizer(profileNamespace(cfg), clients.Organizations, backend, retry, cfg.Cache.SnapshotTTL, cfg.Cache.SentinelTTL, log)
	executor := assignment.NewExecutor(clients.SSOAdmin, cfg.SSO.InstanceArn, cfg.Core, log)

	store, err := buildOperationStore(cfg, log)
	if err != nil {
		return nil, err
	}
	opLogger := operations.NewLogger(store, log)

	// The retention sweep runs opportunistically at startup; it is the only
	// deletion path and is idempotent.
	if removed, err := opLogger.SweepExpired(ctx, cfg.Operations.RetentionDays); err != nil {
		log.Warn("operation retention sweep failed", "error", err)
	} else if removed > 0 {
		log.Debug("operation retention sweep", "removed", removed)
	}

	return &runtime{
		cfg:      cfg,
		log:      log,
		profile:  profileNamespace(cfg),
		backend:  backend,
		clients:  clients,
		retry:    retry,
		resolver: res,
		opt:      opt,
		executor: executor,
		opLogger: opLogger,
	}, nil
}

// profileNamespace is the cache namespace: the configured profile, or
// "default" when the ambient credential chain is used.
func profileNamespace(cfg *config.Config) string {
	if cfg.Profile != "" {
		return cfg.Profile
	}
	return "default"
}

// buildCacheBackend constructs the configured cache backend, wrapping it in
// AES-GCM encryption when enabled.
func buildCacheBackend(ctx context.Context, cfg *config.Config, log *slog.Logger) (cache.Backend, error) {
	var backend cache.Backend

	file, err := cache.NewFileBackend(cfg.Cache.RootDir, log)
	if err != nil {
		return nil, err
	}

	switch cfg.Cache.Backend {
	case config.CacheBackendFile:
		backend = file
	case config.CacheBackendRedis:
		backend, err = cache.NewRedisBackend(redisConfig(cfg), log)
		if err != nil {
			return nil, err
		}
	case config.CacheBackendHybrid:
		remote, err := cache.NewRedisBackend(redisConfig(cfg), log)
		if err != nil {
			return nil, err
		}
		backend = cache.NewHybridBackend(file, remote, cfg.Cache.LocalTTL, log)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}

	if cfg.Cache.Encrypted {
		backend, err = cache.NewEncryptedBackend(ctx, backend, keyringProvider(cfg))
		if err != nil {
			return nil, err
		}
	}
	return backend, nil
}

func redisConfig(cfg *config.Config) *cache.RedisConfig {
	return &cache.RedisConfig{
		Addr:         cfg.Cache.Redis.Addr,
		Password:     cfg.Cache.Redis.Password,
		DB:           cfg.Cache.Redis.DB,
		PoolSize:     cfg.Cache.Redis.PoolSize,
		DialTimeout:  cfg.Cache.Redis.DialTimeout,
		ReadTimeout:  cfg.Cache.Redis.ReadTimeout,
		WriteTimeout: cfg.Cache.Redis.WriteTimeout,
		Compress:     cfg.Cache.Redis.Compress,
		KeyPrefix:    "awsideman:cache",
	}
}

func buildOperationStore(cfg *config.Config, log *slog.Logger) (operations.Store, error) {
	if cfg.Operations.Backend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:        cfg.Cache.Redis.Addr,
			Password:    cfg.Cache.Redis.Password,
			DB:          cfg.Cache.Redis.DB,
			DialTimeout: cfg.Cache.Redis.DialTimeout,
		})
		return operations.NewRedisStore(client, "", log)
	}
	return operations.NewFileStore(cfg.Operations.Dir, log)
}

// close releases the cache backend; worker pools are per-call and need no
// teardown.
func (r *runtime) close() {
	if r.backend != nil {
		if err := r.backend.Close(); err != nil {
			r.log.Warn("closing cache backend", "error", err)
		}
	}
	if r.opLogger != nil {
		if err := r.opLogger.Store().Close(); err != nil {
			r.log.Warn("closing operation store", "error", err)
		}
	}
}

func (r *runtime) pipeline() *bulk.Pipeline {
	return bulk.NewPipeline(r.resolver, r.opt, r.executor, r.opLogger, r.clients.SSOAdmin, r.retry, r.cfg.SSO.InstanceArn, r.log)
}

func (r *runtime) copier() *copier.Copier {
	return copier.NewCopier(r.clients.SSOAdmin, r.resolver, r.executor, r.opLogger, r.retry, r.cfg.SSO.InstanceArn, r.log)
}

func (r *runtime) cloner() *copier.Cloner {
	return copier.NewCloner(r.clients.SSOAdmin, r.resolver, r.opLogger, r.retry, r.cfg.SSO.InstanceArn, r.log)
}

func (r *runtime) rollback() *operations.Processor {
	workers := r.cfg.Core.WorkerCount(50)
	return operations.NewProcessor(r.opLogger.Store(), r.clients.SSOAdmin, r.executor, r.retry, r.cfg.SSO.InstanceArn, workers, r.log)
}

func (r *runtime) templates() *templates.Engine {
	return templates.NewEngine(r.resolver, r.opt, r.executor, r.opLogger, r.clients.SSOAdmin, r.retry, r.cfg.SSO.InstanceArn, r.log)
}

// accountsForSelector expands an account selector through the optimizer.
func (r *runtime) accountsForSelector(ctx context.Context, selector string) ([]core.Account, error) {
	snapshot, parents, err := r.opt.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return organizations.NewFilter(snapshot, parents).Evaluate(selector)
}

// keyringProvider returns the key provider for encrypted caches. The OS
// secret store integration is an external collaborator; the fallback reads a
// key file under the awsideman home so encrypted mode works everywhere.
func keyringProvider(_ *config.Config) cache.KeyProvider {
	return fileKeyProvider{path: filepath.Join(config.DefaultHomeDir(), "cache.key")}
}

type fileKeyProvider struct {
	path string
}

func (p fileKeyProvider) Key(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("reading cache key %s: %w", p.path, err)
	}
	if len(data) >= 32 {
		return data[:32], nil
	}
	return nil, fmt.Errorf("cache key %s is too short", p.path)
}

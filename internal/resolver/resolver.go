// Package resolver translates human-readable names (users, groups, permission
// sets, accounts) to AWS identifiers and back. Lookups go through three
// tiers: an in-run LRU, the shared cache, and finally the AWS APIs.
package resolver

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/identitystore"
	idstypes "github.com/aws/aws-sdk-go-v2/service/identitystore/types"
	"github.com/aws/aws-sdk-go-v2/service/organizations"
	"github.com/aws/aws-sdk-go-v2/service/ssoadmin"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vikyol/awsideman/internal/awsclient"
	"github.com/vikyol/awsideman/internal/cache"
	"github.com/vikyol/awsideman/internal/core"
	"github.com/vikyol/awsideman/internal/resilience"
)

// Kind names the entity families the resolver understands.
const (
	KindUser          = "user"
	KindGroup         = "group"
	KindPermissionSet = "permission-set"
	KindAccount       = "account"
)

// TTLs per entity family. Identity names drift more often than permission
// sets or accounts, so they expire sooner.
type TTLs struct {
	Identity      time.Duration // users and groups
	PermissionSet time.Duration
	Account       time.Duration
}

// DefaultTTLs matches the configured defaults: 30m identity, 2h the rest.
func DefaultTTLs() TTLs {
	return TTLs{
		Identity:      30 * time.Minute,
		PermissionSet: 2 * time.Hour,
		Account:       2 * time.Hour,
	}
}

// Resolver memoizes name→id lookups for one run.
type Resolver struct {
	profile         string
	instanceArn     string
	identityStoreID string

	clients *awsclient.Clients
	cache   cache.Backend
	retry   *resilience.RetryPolicy
	ttls    TTLs
	logger  *slog.Logger

	memo *lru.Cache[string, string]
}

// New creates a resolver. backend may be nil for cache-less operation.
func New(profile, instanceArn, identityStoreID string, clients *awsclient.Clients, backend cache.Backend, retry *resilience.RetryPolicy, ttls TTLs, logger *slog.Logger) (*Resolver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	memo, err := lru.New[string, string](4096)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		profile:         profile,
		instanceArn:     instanceArn,
		identityStoreID: identityStoreID,
		clients:         clients,
		cache:           backend,
		retry:           retry,
		ttls:            ttls,
		logger:          logger,
		memo:            memo,
	}, nil
}

// ResolvePrincipal fills in the ID of a principal reference.
func (r *Resolver) ResolvePrincipal(ctx context.Context, ref *core.PrincipalRef) error {
	if ref.ID != "" {
		return nil
	}
	var (
		id  string
		err error
	)
	switch ref.Type {
	case core.PrincipalGroup:
		id, err = r.resolve(ctx, KindGroup, ref.Name, r.ttls.Identity, r.lookupGroup)
	default:
		id, err = r.resolve(ctx, KindUser, ref.Name, r.ttls.Identity, r.lookupUser)
	}
	if err != nil {
		return err
	}
	ref.ID = id
	return nil
}

// ResolvePermissionSet fills in the ARN of a permission-set reference. Names
// that already look like ARNs pass through untouched.
func (r *Resolver) ResolvePermissionSet(ctx context.Context, ref *core.PermissionSetRef) error {
	if ref.ARN != "" {
		return nil
	}
	if strings.HasPrefix(ref.Name, "arn:") {
		ref.ARN = ref.Name
		return nil
	}
	arn, err := r.resolve(ctx, KindPermissionSet, ref.Name, r.ttls.PermissionSet, r.lookupPermissionSet)
	if err != nil {
		return err
	}
	ref.ARN = arn
	return nil
}

// ResolveAccount translates an account name to its 12-digit id. Inputs that
// already look like account ids pass through.
func (r *Resolver) ResolveAccount(ctx context.Context, name string) (string, error) {
	if isAccountID(name) {
		return name, nil
	}
	return r.resolve(ctx, KindAccount, name, r.ttls.Account, r.lookupAccount)
}

// PermissionSetName reverse-resolves an ARN to its display name for reports.
func (r *Resolver) PermissionSetName(ctx context.Context, arn string) (string, error) {
	memoKey := "rev/" + KindPermissionSet + "/" + arn
	if name, ok := r.memo.Get(memoKey); ok {
		return name, nil
	}
	var name string
	_, err := r.retry.Do(ctx, func(ctx context.Context) error {
		out, err := r.clients.SSOAdmin.DescribePermissionSet(ctx, &ssoadmin.DescribePermissionSetInput{
			InstanceArn:      aws.String(r.instanceArn),
			PermissionSetArn: aws.String(arn),
		})
		if err != nil {
			return err
		}
		name = aws.ToString(out.PermissionSet.Name)
		return nil
	})
	if err != nil {
		return "", err
	}
	r.memo.Add(memoKey, name)
	return name, nil
}

// resolve runs the three-tier lookup for one (kind, name) pair.
func (r *Resolver) resolve(ctx context.Context, kind, name string, ttl time.Duration, lookup func(context.Context, string) (string, error)) (string, error) {
	if name == "" {
		return "", &core.UnresolvedEntityError{Kind: kind, Name: name}
	}

	memoKey := kind + "/" + name
	if id, ok := r.memo.Get(memoKey); ok {
		return id, nil
	}

	cacheKey := cache.Key(r.profile, "resolve", kind, name)
	if r.cache != nil {
		if entry, err := r.cache.Get(ctx, cacheKey); err == nil {
			var id string
			if json.Unmarshal(entry.Payload, &id) == nil && id != "" {
				r.memo.Add(memoKey, id)
				return id, nil
			}
		}
	}

	id, err := lookup(ctx, name)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", &core.UnresolvedEntityError{Kind: kind, Name: name}
	}

	r.memo.Add(memoKey, id)
	if r.cache != nil {
		payload, _ := json.Marshal(id)
		if perr := r.cache.Put(ctx, cacheKey, payload, ttl); perr != nil {
			r.logger.Warn("resolver cache write failed", "key", cacheKey, "error", perr)
		}
	}
	return id, nil
}

func (r *Resolver) lookupUser(ctx context.Context, name string) (string, error) {
	var id string
	_, err := r.retry.Do(ctx, func(ctx context.Context) error {
		var next *string
		for {
			out, err := r.clients.IdentityStore.ListUsers(ctx, &identitystore.ListUsersInput{
				IdentityStoreId: aws.String(r.identityStoreID),
				Filters: []idstypes.Filter{{
					AttributePath:  aws.String("UserName"),
					AttributeValue: aws.String(name),
				}},
				NextToken: next,
			})
			if err != nil {
				return err
			}
			for _, u := range out.Users {
				if aws.ToString(u.UserName) == name {
					id = aws.ToString(u.UserId)
					return nil
				}
			}
			if out.NextToken == nil {
				return nil
			}
			next = out.NextToken
		}
	})
	return id, err
}

func (r *Resolver) lookupGroup(ctx context.Context, name string) (string, error) {
	var id string
	_, err := r.retry.Do(ctx, func(ctx context.Context) error {
		var next *string
		for {
			out, err := r.clients.IdentityStore.ListGroups(ctx, &identitystore.ListGroupsInput{
				IdentityStoreId: aws.String(r.identityStoreID),
				Filters: []idstypes.Filter{{
					AttributePath:  aws.String("DisplayName"),
					AttributeValue: aws.String(name),
				}},
				NextToken: next,
			})
			if err != nil {
				return err
			}
			for _, g := range out.Groups {
				if aws.ToString(g.DisplayName) == name {
					id = aws.ToString(g.GroupId)
					return nil
				}
			}
			if out.NextToken == nil {
				return nil
			}
			next = out.NextToken
		}
	})
	return id, err
}

func (r *Resolver) lookupPermissionSet(ctx context.Context, name string) (string, error) {
	var arn string
	_, err := r.retry.Do(ctx, func(ctx context.Context) error {
		var next *string
		for {
			out, err := r.clients.SSOAdmin.ListPermissionSets(ctx, &ssoadmin.ListPermissionSetsInput{
				InstanceArn: aws.String(r.instanceArn),
				NextToken:   next,
			})
			if err != nil {
				return err
			}
			for _, psArn := range out.PermissionSets {
				desc, err := r.clients.SSOAdmin.DescribePermissionSet(ctx, &ssoadmin.DescribePermissionSetInput{
					InstanceArn:      aws.String(r.instanceArn),
					PermissionSetArn: aws.String(psArn),
				})
				if err != nil {
					return err
				}
				psName := aws.ToString(desc.PermissionSet.Name)
				// Memoize every described set; sibling lookups in the same
				// run then skip the list walk entirely.
				r.memo.Add(KindPermissionSet+"/"+psName, psArn)
				if psName == name {
					arn = psArn
				}
			}
			if out.NextToken == nil {
				return nil
			}
			next = out.NextToken
		}
	})
	return arn, err
}

func (r *Resolver) lookupAccount(ctx context.Context, name string) (string, error) {
	var id string
	_, err := r.retry.Do(ctx, func(ctx context.Context) error {
		var next *string
		for {
			out, err := r.clients.Organizations.ListAccounts(ctx, &organizations.ListAccountsInput{
				NextToken: next,
			})
			if err != nil {
				return err
			}
			for _, acct := range out.Accounts {
				acctName := aws.ToString(acct.Name)
				r.memo.Add(KindAccount+"/"+acctName, aws.ToString(acct.Id))
				if acctName == name {
					id = aws.ToString(acct.Id)
					return nil
				}
			}
			if out.NextToken == nil {
				return nil
			}
			next = out.NextToken
		}
	})
	return id, err
}

func isAccountID(s string) bool {
	if len(s) != 12 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

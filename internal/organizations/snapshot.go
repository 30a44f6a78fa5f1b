package organizations

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/organizations"

	"github.com/vikyol/awsideman/internal/awsclient"
	"github.com/vikyol/awsideman/internal/cache"
	"github.com/vikyol/awsideman/internal/core"
	"github.com/vikyol/awsideman/internal/resilience"
)

// tagFetchConcurrency bounds the parallel list-tags calls during a rebuild.
const tagFetchConcurrency = 10

// snapshotDocument is the cached representation: the account set plus the OU
// parent map the filter needs for recursive ou: selectors.
type snapshotDocument struct {
	core.OrganizationSnapshot
	OUParents map[string]string `json:"ou_parents,omitempty"`
}

// Optimizer is the two-tier account cache: a 24h full snapshot gated by a 1h
// count sentinel. Readers get an immutable snapshot; rebuilds publish a new
// pointer atomically. All failures degrade to a live, uncached enumeration.
type Optimizer struct {
	profile string
	client  awsclient.OrganizationsAPI
	cache   cache.Backend
	retry   *resilience.RetryPolicy
	logger  *slog.Logger

	snapshotTTL time.Duration
	sentinelTTL time.Duration

	current atomic.Pointer[snapshotDocument]

	// rebuildMu serializes rebuilds; concurrent readers keep using the old
	// snapshot until the new pointer is published.
	rebuildMu sync.Mutex
}

// NewOptimizer creates an account cache optimizer for one profile.
func NewOptimizer(profile string, client awsclient.OrganizationsAPI, backend cache.Backend, retry *resilience.RetryPolicy, snapshotTTL, sentinelTTL time.Duration, logger *slog.Logger) *Optimizer {
	if logger == nil {
		logger = slog.Default()
	}
	if snapshotTTL <= 0 {
		snapshotTTL = 24 * time.Hour
	}
	if sentinelTTL <= 0 {
		sentinelTTL = time.Hour
	}
	return &Optimizer{
		profile:     profile,
		client:      client,
		cache:       backend,
		retry:       retry,
		logger:      logger,
		snapshotTTL: snapshotTTL,
		sentinelTTL: sentinelTTL,
	}
}

func (o *Optimizer) snapshotKey() string { return cache.Key(o.profile, "accounts", "snapshot") }
func (o *Optimizer) sentinelKey() string { return cache.Key(o.profile, "accounts", "count") }
func (o *Optimizer) byIDKey(id string) string {
	return cache.Key(o.profile, "accounts", "by-id", id)
}

// Snapshot returns the current organization snapshot, refreshing as needed.
// The returned document is shared and must not be mutated.
func (o *Optimizer) Snapshot(ctx context.Context) (*core.OrganizationSnapshot, map[string]string, error) {
	if doc := o.current.Load(); doc != nil {
		return &doc.OrganizationSnapshot, doc.OUParents, nil
	}

	doc, err := o.loadOrRebuild(ctx)
	if err != nil {
		// The optimizer never blocks correctness: enumerate live.
		o.logger.Warn("account cache unavailable, enumerating live", "error", err)
		doc, err = o.buildSnapshot(ctx)
		if err != nil {
			return nil, nil, err
		}
	}
	o.current.Store(doc)
	return &doc.OrganizationSnapshot, doc.OUParents, nil
}

// loadOrRebuild implements the tiered read path: fresh snapshot, sentinel
// probe, rebuild from individual entries, full rebuild.
func (o *Optimizer) loadOrRebuild(ctx context.Context) (*snapshotDocument, error) {
	o.rebuildMu.Lock()
	defer o.rebuildMu.Unlock()

	if doc := o.current.Load(); doc != nil {
		return doc, nil
	}

	// 1. Start from the cached snapshot, if one is still within its TTL.
	cached := o.readCachedSnapshot(ctx)
	if cached != nil {
		// 2. A cached snapshot is trusted as long as the cheap account count
		// probe agrees with it.
		count, err := o.liveAccountCount(ctx)
		if err == nil && count == cached.AccountCount {
			o.extendSnapshot(ctx, cached)
			return cached, nil
		}
		if err != nil {
			o.logger.Warn("account count probe failed, keeping cached snapshot", "error", err)
			return cached, nil
		}
		o.logger.Info("organization changed, rebuilding account snapshot",
			"cached_count", cached.AccountCount,
			"live_count", count,
		)
		// 3. Try assembling from per-account entries before the full walk.
		if doc := o.rebuildFromIndividuals(ctx, count); doc != nil {
			o.persist(ctx, doc)
			return doc, nil
		}
	}

	// 4. Full rebuild.
	doc, err := o.buildSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	o.persist(ctx, doc)
	return doc, nil
}

// readCachedSnapshot returns the cached snapshot or nil. The snapshot entry
// carries its freshness in the cache TTL; expired entries read as misses.
func (o *Optimizer) readCachedSnapshot(ctx context.Context) *snapshotDocument {
	if o.cache == nil {
		return nil
	}
	entry, err := o.cache.Get(ctx, o.snapshotKey())
	if err != nil {
		return nil
	}
	var doc snapshotDocument
	if err := json.Unmarshal(entry.Payload, &doc); err != nil {
		o.logger.Warn("cached snapshot undecodable, discarding", "error", err)
		return nil
	}
	if doc.AccountCount != len(doc.Accounts) {
		o.logger.Warn("cached snapshot inconsistent, discarding",
			"account_count", doc.AccountCount,
			"accounts", len(doc.Accounts),
		)
		return nil
	}
	return &doc
}

// extendSnapshot re-publishes a count-validated snapshot for another full TTL.
func (o *Optimizer) extendSnapshot(ctx context.Context, doc *snapshotDocument) {
	if o.cache == nil {
		return
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return
	}
	if err := o.cache.Put(ctx, o.snapshotKey(), payload, o.snapshotTTL); err != nil {
		o.logger.Warn("extending snapshot TTL failed", "error", err)
	}
}

// liveAccountCount probes the organization size, preferring the 1h sentinel.
func (o *Optimizer) liveAccountCount(ctx context.Context) (int, error) {
	if o.cache != nil {
		if entry, err := o.cache.Get(ctx, o.sentinelKey()); err == nil {
			var count int
			if json.Unmarshal(entry.Payload, &count) == nil {
				return count, nil
			}
		}
	}

	count := 0
	_, err := o.retry.Do(ctx, func(ctx context.Context) error {
		count = 0
		var next *string
		for {
			out, err := o.client.ListAccounts(ctx, &organizations.ListAccountsInput{NextToken: next})
			if err != nil {
				return err
			}
			count += len(out.Accounts)
			if out.NextToken == nil {
				return nil
			}
			next = out.NextToken
		}
	})
	if err != nil {
		return 0, err
	}
	o.writeSentinel(ctx, count)
	return count, nil
}

func (o *Optimizer) writeSentinel(ctx context.Context, count int) {
	if o.cache == nil {
		return
	}
	payload, _ := json.Marshal(count)
	if err := o.cache.Put(ctx, o.sentinelKey(), payload, o.sentinelTTL); err != nil {
		o.logger.Warn("writing count sentinel failed", "error", err)
	}
}

// rebuildFromIndividuals assembles a snapshot from accounts/by-id/* entries.
// The assembly is only trusted when the entry count exactly matches the live
// count and every entry decodes; anything less falls back to a full rebuild.
func (o *Optimizer) rebuildFromIndividuals(ctx context.Context, liveCount int) *snapshotDocument {
	if o.cache == nil {
		return nil
	}
	keys, err := o.cache.Keys(ctx)
	if err != nil {
		return nil
	}
	prefix := cache.Key(o.profile, "accounts", "by-id") + "/"
	var accounts []core.Account
	for _, key := range keys {
		if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		entry, err := o.cache.Get(ctx, key)
		if err != nil {
			return nil
		}
		var acct core.Account
		if err := json.Unmarshal(entry.Payload, &acct); err != nil {
			return nil
		}
		accounts = append(accounts, acct)
	}
	if len(accounts) != liveCount {
		return nil
	}

	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
	o.logger.Info("rebuilt account snapshot from individual cache entries", "accounts", len(accounts))
	return &snapshotDocument{
		OrganizationSnapshot: core.OrganizationSnapshot{
			Profile:      o.profile,
			Accounts:     accounts,
			CapturedAt:   time.Now().UTC(),
			AccountCount: len(accounts),
		},
	}
}

// buildSnapshot walks the OU tree, lists every account, and fetches tags with
// bounded concurrency. Either every account gets its tags or the build fails;
// consumers never see a half-tagged snapshot.
func (o *Optimizer) buildSnapshot(ctx context.Context) (*snapshotDocument, error) {
	ouParents := make(map[string]string)
	var roots []string

	_, err := o.retry.Do(ctx, func(ctx context.Context) error {
		roots = roots[:0]
		var next *string
		for {
			out, err := o.client.ListRoots(ctx, &organizations.ListRootsInput{NextToken: next})
			if err != nil {
				return err
			}
			for _, r := range out.Roots {
				roots = append(roots, aws.ToString(r.Id))
			}
			if out.NextToken == nil {
				return nil
			}
			next = out.NextToken
		}
	})
	if err != nil {
		return nil, fmt.Errorf("listing organization roots: %w", err)
	}

	// Breadth-first walk collecting accounts under each parent.
	type parent struct{ id string }
	queue := make([]parent, 0, len(roots))
	for _, r := range roots {
		queue = append(queue, parent{id: r})
	}

	var accounts []core.Account
	accountParent := make(map[string]string)

	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]

		_, err := o.retry.Do(ctx, func(ctx context.Context) error {
			var next *string
			for {
				out, err := o.client.ListOrganizationalUnitsForParent(ctx, &organizations.ListOrganizationalUnitsForParentInput{
					ParentId:  aws.String(p.id),
					NextToken: next,
				})
				if err != nil {
					return err
				}
				for _, ou := range out.OrganizationalUnits {
					id := aws.ToString(ou.Id)
					ouParents[id] = p.id
					queue = append(queue, parent{id: id})
				}
				if out.NextToken == nil {
					return nil
				}
				next = out.NextToken
			}
		})
		if err != nil {
			return nil, fmt.Errorf("listing OUs under %s: %w", p.id, err)
		}

		_, err = o.retry.Do(ctx, func(ctx context.Context) error {
			var next *string
			for {
				out, err := o.client.ListAccountsForParent(ctx, &organizations.ListAccountsForParentInput{
					ParentId:  aws.String(p.id),
					NextToken: next,
				})
				if err != nil {
					return err
				}
				for _, a := range out.Accounts {
					acct := core.Account{
						ID:     aws.ToString(a.Id),
						Name:   aws.ToString(a.Name),
						Email:  aws.ToString(a.Email),
						Status: core.AccountStatus(a.Status),
						OuID:   p.id,
					}
					if _, seen := accountParent[acct.ID]; !seen {
						accountParent[acct.ID] = p.id
						accounts = append(accounts, acct)
					}
				}
				if out.NextToken == nil {
					return nil
				}
				next = out.NextToken
			}
		})
		if err != nil {
			return nil, fmt.Errorf("listing accounts under %s: %w", p.id, err)
		}
	}

	if err := o.fetchTags(ctx, accounts); err != nil {
		return nil, err
	}

	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
	doc := &snapshotDocument{
		OrganizationSnapshot: core.OrganizationSnapshot{
			Profile:      o.profile,
			Accounts:     accounts,
			CapturedAt:   time.Now().UTC(),
			AccountCount: len(accounts),
		},
		OUParents: ouParents,
	}
	o.logger.Info("built organization snapshot", "accounts", len(accounts), "ous", len(ouParents))
	return doc, nil
}

// fetchTags populates tags for every account with bounded concurrency.
func (o *Optimizer) fetchTags(ctx context.Context, accounts []core.Account) error {
	sem := make(chan struct{}, tagFetchConcurrency)
	errCh := make(chan error, len(accounts))
	var wg sync.WaitGroup

	for i := range accounts {
		wg.Add(1)
		sem <- struct{}{}
		go func(acct *core.Account) {
			defer wg.Done()
			defer func() { <-sem }()

			tags := make(map[string]string)
			_, err := o.retry.Do(ctx, func(ctx context.Context) error {
				var next *string
				for {
					out, err := o.client.ListTagsForResource(ctx, &organizations.ListTagsForResourceInput{
						ResourceId: aws.String(acct.ID),
						NextToken:  next,
					})
					if err != nil {
						return err
					}
					for _, t := range out.Tags {
						tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
					}
					if out.NextToken == nil {
						return nil
					}
					next = out.NextToken
				}
			})
			if err != nil {
				errCh <- fmt.Errorf("listing tags for account %s: %w", acct.ID, err)
				return
			}
			if len(tags) > 0 {
				acct.Tags = tags
			}
		}(&accounts[i])
	}
	wg.Wait()
	close(errCh)
	return <-errCh
}

// persist writes the snapshot, the sentinel, and the per-account entries.
func (o *Optimizer) persist(ctx context.Context, doc *snapshotDocument) {
	if o.cache == nil {
		return
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return
	}
	if err := o.cache.Put(ctx, o.snapshotKey(), payload, o.snapshotTTL); err != nil {
		o.logger.Warn("writing snapshot failed", "error", err)
	}
	o.writeSentinel(ctx, doc.AccountCount)
	for _, acct := range doc.Accounts {
		ap, err := json.Marshal(acct)
		if err != nil {
			continue
		}
		if err := o.cache.Put(ctx, o.byIDKey(acct.ID), ap, o.snapshotTTL); err != nil {
			o.logger.Warn("writing per-account entry failed", "account_id", acct.ID, "error", err)
		}
	}
}

// Refresh forces a full rebuild, bypassing every cache tier.
func (o *Optimizer) Refresh(ctx context.Context) (*core.OrganizationSnapshot, map[string]string, error) {
	o.rebuildMu.Lock()
	doc, err := o.buildSnapshot(ctx)
	if err != nil {
		o.rebuildMu.Unlock()
		return nil, nil, err
	}
	o.persist(ctx, doc)
	o.rebuildMu.Unlock()

	o.current.Store(doc)
	return &doc.OrganizationSnapshot, doc.OUParents, nil
}

// InvalidateResult reports the entry delta of a cache invalidation.
type InvalidateResult struct {
	Before  int
	After   int
	Removed int
}

// InvalidateAccountCache drops every account-related entry for a profile
// ("*" for all profiles). The call is idempotent and reports the pre/post
// entry delta.
func InvalidateAccountCache(ctx context.Context, backend cache.Backend, profile string) (InvalidateResult, error) {
	before, err := backend.Stats(ctx)
	if err != nil {
		return InvalidateResult{}, err
	}

	var removed int
	if profile == "*" {
		keys, err := backend.Keys(ctx)
		if err != nil {
			return InvalidateResult{}, err
		}
		seen := make(map[string]struct{})
		for _, key := range keys {
			seen[key] = struct{}{}
		}
		for key := range seen {
			if !isAccountKey(key) {
				continue
			}
			if err := backend.Invalidate(ctx, key); err != nil {
				return InvalidateResult{}, err
			}
			removed++
		}
	} else {
		n, err := backend.InvalidatePrefix(ctx, cache.Key(profile, "accounts"))
		if err != nil {
			return InvalidateResult{}, err
		}
		removed = n
	}

	after, err := backend.Stats(ctx)
	if err != nil {
		return InvalidateResult{Before: before.Entries, Removed: removed}, err
	}
	return InvalidateResult{Before: before.Entries, After: after.Entries, Removed: removed}, nil
}

// isAccountKey reports whether a key belongs to the account cache family
// (profiles/<profile>/accounts/...).
func isAccountKey(key string) bool {
	rest := strings.TrimPrefix(key, "profiles/")
	_, tail, ok := strings.Cut(rest, "/")
	return ok && (tail == "accounts" || strings.HasPrefix(tail, "accounts/"))
}

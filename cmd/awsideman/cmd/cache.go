package cmd

import (
	"context"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/vikyol/awsideman/internal/cache"
	"github.com/vikyol/awsideman/internal/config"
	"github.com/vikyol/awsideman/internal/organizations"
)

var (
	cacheProfile      string
	cacheAccountsOnly bool
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and manage the local cache",
}

var cacheStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cache backend statistics",
	RunE: func(c *cobra.Command, args []string) error {
		ctx := c.Context()
		cfg, backend, err := cacheOnly(ctx)
		if err != nil {
			return err
		}
		defer backend.Close()

		stats, err := backend.Stats(ctx)
		if err != nil {
			return err
		}
		pterm.Printfln("backend:   %s", cfg.Cache.Backend)
		pterm.Printfln("encrypted: %v", cfg.Cache.Encrypted)
		pterm.Printfln("entries:   %d", stats.Entries)
		pterm.Printfln("bytes:     %d", stats.Bytes)
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove cached entries",
	Long: `Remove cached entries for one profile or every profile.

Examples:
  awsideman cache clear --profile dev
  awsideman cache clear --profile "*" --accounts-only
`,
	RunE: func(c *cobra.Command, args []string) error {
		ctx := c.Context()
		_, backend, err := cacheOnly(ctx)
		if err != nil {
			return err
		}
		defer backend.Close()

		target := cacheProfile
		if target == "" {
			target = "*"
		}

		if cacheAccountsOnly {
			res, err := organizations.InvalidateAccountCache(ctx, backend, target)
			if err != nil {
				return err
			}
			pterm.Printfln("%d → %d (%d account entries removed)", res.Before, res.After, res.Removed)
			return nil
		}

		before, err := backend.Stats(ctx)
		if err != nil {
			return err
		}
		removed, err := backend.InvalidatePrefix(ctx, cache.ProfilePrefix(target))
		if err != nil {
			return err
		}
		after, err := backend.Stats(ctx)
		if err != nil {
			return err
		}
		pterm.Printfln("%d → %d (%d entries removed)", before.Entries, after.Entries, removed)
		return nil
	},
}

var cacheWarmCmd = &cobra.Command{
	Use:   "warm",
	Short: "Populate the organization snapshot",
	Long: `Rebuild the account snapshot, sentinel, and per-account entries so the
next wildcard or tag filter resolves without touching AWS Organizations.

Examples:
  awsideman cache warm
  awsideman cache warm --profile prod
`,
	RunE: func(c *cobra.Command, args []string) error {
		ctx := c.Context()
		if cacheProfile != "" && cacheProfile != "*" {
			profileFlag = cacheProfile
		}
		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.close()

		snapshot, _, err := rt.opt.Refresh(ctx)
		if err != nil {
			return err
		}
		pterm.Success.Printfln("cached %d accounts for profile %s", snapshot.AccountCount, rt.profile)
		return nil
	},
}

// cacheOnly builds just the cache backend, skipping AWS client setup, for
// commands that never call AWS.
func cacheOnly(ctx context.Context) (*config.Config, cache.Backend, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cacheProfile != "" && cacheProfile != "*" {
		cfg.Profile = cacheProfile
	}
	backend, err := buildCacheBackend(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, backend, nil
}

func init() {
	cacheCmd.PersistentFlags().StringVar(&cacheProfile, "profile", "", `profile to operate on ("*" for all)`)
	cacheClearCmd.Flags().BoolVar(&cacheAccountsOnly, "accounts-only", false, "only remove account cache entries")
	cacheCmd.AddCommand(cacheStatusCmd, cacheClearCmd, cacheWarmCmd)
	rootCmd.AddCommand(cacheCmd)
}

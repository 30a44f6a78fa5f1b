package cmd

import (
	"context"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/vikyol/awsideman/internal/assignment"
	"github.com/vikyol/awsideman/internal/copier"
	"github.com/vikyol/awsideman/internal/core"
)

var (
	assignAccounts string
	assignForce    bool
	assignDryRun   bool
)

var assignCmd = &cobra.Command{
	Use:   "assign <user:|group:><name> <permission-set>",
	Short: "Assign a permission set across accounts",
	Long: `Assign a permission set to a user or group on every account matched by
the --accounts selector.

Selectors:
  *                        every active account
  id:<account-id>          a single account
  name:<glob>              accounts by name glob
  ou:<ou-id>[:*]           accounts under an OU (recursively with :*)
  tag:<Key>=<Value>        accounts by tag, combinable with AND/OR/NOT
  exclude:<selector>       subtract matches

Examples:
  awsideman assign user:alice ReadOnlyAccess --accounts "*"
  awsideman assign group:platform-team AdminAccess --accounts "tag:Env=Dev AND NOT tag:Critical=true"
  awsideman assign user:alice ReadOnlyAccess --accounts "ou:ou-ab12-cdef:*" --dry-run
`,
	Args: cobra.ExactArgs(2),
	RunE: func(c *cobra.Command, args []string) error {
		return runAssignRevoke(c.Context(), args[0], args[1], core.DirectionAssign)
	},
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <user:|group:><name> <permission-set>",
	Short: "Revoke a permission set across accounts",
	Long: `Revoke a permission set from a user or group on every account matched by
the --accounts selector. Selector syntax matches the assign command.

Examples:
  awsideman revoke user:alice ReadOnlyAccess --accounts "tag:Env=Sandbox"
`,
	Args: cobra.ExactArgs(2),
	RunE: func(c *cobra.Command, args []string) error {
		return runAssignRevoke(c.Context(), args[0], args[1], core.DirectionRevoke)
	},
}

func init() {
	for _, c := range []*cobra.Command{assignCmd, revokeCmd} {
		c.Flags().StringVar(&assignAccounts, "accounts", "", "account selector (required)")
		c.Flags().BoolVar(&assignForce, "force", false, "skip the confirmation prompt")
		c.Flags().BoolVar(&assignDryRun, "dry-run", false, "show what would happen without changing anything in AWS")
		_ = c.MarkFlagRequired("accounts")
	}
	rootCmd.AddCommand(assignCmd, revokeCmd)
}

func runAssignRevoke(ctx context.Context, principalSpec, permSetName string, direction core.Direction) error {
	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	principal, err := copier.ParsePrincipalSpec(principalSpec)
	if err != nil {
		return err
	}
	if err := rt.resolver.ResolvePrincipal(ctx, &principal); err != nil {
		return err
	}
	permSet := core.PermissionSetRef{Name: permSetName}
	if err := rt.resolver.ResolvePermissionSet(ctx, &permSet); err != nil {
		return err
	}

	accounts, err := rt.accountsForSelector(ctx, assignAccounts)
	if err != nil {
		return err
	}

	verb := "assign"
	if direction == core.DirectionRevoke {
		verb = "revoke"
	}
	pterm.DefaultSection.Printfln("%s %s %s on %d accounts", verb, principal.Name, permSet.Name, len(accounts))
	for _, a := range accounts {
		pterm.Printfln("  %s  %s", a.ID, a.Name)
	}
	if len(accounts) == 0 {
		pterm.Info.Printfln("selector %q matches no accounts", assignAccounts)
	}

	if assignDryRun {
		pterm.Info.Println("dry run: no changes made")
		return nil
	}
	// A zero-account run is a journaled no-op; there is nothing to confirm.
	if !assignForce && len(accounts) > 0 {
		ok, _ := pterm.DefaultInteractiveConfirm.Show(fmt.Sprintf("Proceed with %s on %d accounts?", verb, len(accounts)))
		if !ok {
			return core.ErrNoConfirmation
		}
	}

	req := assignment.Request{
		Principal:       principal,
		PermissionSet:   permSet,
		Accounts:        accounts,
		Direction:       direction,
		ContinueOnError: rt.cfg.Core.ContinueOnError,
	}

	progress := assignment.NewProgress(len(accounts))
	done := startProgressRenderer(progress, len(accounts))

	res, err := rt.executor.Execute(ctx, req, progress)
	progress.Close()
	<-done
	if err != nil {
		return err
	}

	kind := core.OpAssign
	if direction == core.DirectionRevoke {
		kind = core.OpRevoke
	}
	names := make(map[string]string, len(accounts))
	for _, a := range accounts {
		names[a.ID] = a.Name
	}
	if _, err := rt.opLogger.Record(ctx, kind, req, res, names, nil); err != nil {
		rt.log.Warn("journaling operation failed", "error", err)
	}

	return printSummary(res, verb)
}

// startProgressRenderer consumes progress events at its own pace; the
// executor never blocks on it.
func startProgressRenderer(progress *assignment.Progress, total int) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		bar, err := pterm.DefaultProgressbar.WithTotal(total).WithRemoveWhenDone().Start()
		if err != nil {
			for range progress.Events() {
			}
			return
		}
		for ev := range progress.Events() {
			if ev.Type == assignment.EventCompleted {
				bar.UpdateTitle(ev.AccountID)
				bar.Increment()
			}
		}
		_, _ = bar.Stop()
	}()
	return done
}

// printSummary prints the per-run totals and returns an error for non-zero
// exit when any account failed.
func printSummary(res *assignment.Result, verb string) error {
	past := verb + "ed"
	if verb == "revoke" {
		past = "revoked"
	}
	counts := res.Counts()
	pterm.Printfln("%d processed (%d %s, %d skipped, %d failed)",
		counts.Total, counts.Succeeded, past, counts.Skipped, counts.Failed)
	pterm.Printfln("operation id: %s", res.OperationID)

	if counts.Failed > 0 {
		for _, rec := range res.Records {
			if rec.Outcome == core.OutcomeFailed {
				pterm.Error.Printfln("  %s: %s", rec.AccountID, rec.Error)
			}
		}
		return fmt.Errorf("%d of %d accounts failed", counts.Failed, counts.Total)
	}
	return nil
}

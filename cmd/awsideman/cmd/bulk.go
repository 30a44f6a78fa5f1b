package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/vikyol/awsideman/internal/assignment"
	"github.com/vikyol/awsideman/internal/bulk"
	"github.com/vikyol/awsideman/internal/core"
)

var (
	bulkDryRun      bool
	bulkForce       bool
	bulkContinue    bool
	bulkStopOnError bool
	bulkBatchSize   int
)

var bulkCmd = &cobra.Command{
	Use:   "bulk",
	Short: "Apply assignments from a CSV or JSON file",
}

var bulkAssignCmd = &cobra.Command{
	Use:   "assign <file>",
	Short: "Bulk-assign from a file",
	Long: `Parse a CSV or JSON file of (principal, permission set, account) rows,
resolve every name, expand account selectors, preview, and execute.

CSV columns (snake_case or kebab-case): principal_name, permission_set_name,
account_name; optional principal_type (USER|GROUP), account_id,
permission_set_arn, principal_id. The account_name column accepts the same
selectors as --accounts on the assign command, including "*".

Examples:
  awsideman bulk assign team.csv
  awsideman bulk assign team.csv --dry-run
  awsideman bulk assign team.json --stop-on-error --batch-size 25
`,
	Args: cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		return runBulk(c.Context(), args[0], core.DirectionAssign)
	},
}

var bulkRevokeCmd = &cobra.Command{
	Use:   "revoke <file>",
	Short: "Bulk-revoke from a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		return runBulk(c.Context(), args[0], core.DirectionRevoke)
	},
}

func init() {
	for _, c := range []*cobra.Command{bulkAssignCmd, bulkRevokeCmd} {
		c.Flags().BoolVar(&bulkDryRun, "dry-run", false, "preview without executing")
		c.Flags().BoolVar(&bulkForce, "force", false, "skip the confirmation prompt")
		c.Flags().BoolVar(&bulkContinue, "continue-on-error", true, "keep going past per-record failures")
		c.Flags().BoolVar(&bulkStopOnError, "stop-on-error", false, "cancel pending work on the first failure")
		c.Flags().IntVar(&bulkBatchSize, "batch-size", 0, "override configured batch size")
	}
	bulkCmd.AddCommand(bulkAssignCmd, bulkRevokeCmd)
	rootCmd.AddCommand(bulkCmd)
}

func runBulk(ctx context.Context, path string, direction core.Direction) error {
	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	continueOnError := bulkContinue && !bulkStopOnError
	if bulkBatchSize > 0 {
		rt.cfg.Core.BatchSize = bulkBatchSize
	}

	records, err := bulk.ParseFile(path)
	if err != nil {
		if perr, ok := err.(*bulk.ParseError); ok {
			for _, re := range perr.Rows {
				pterm.Error.Printfln("%v", re)
			}
		}
		return err
	}
	if len(records) == 0 {
		return &exitError{code: core.ExitValidation, msg: "input file has no records"}
	}

	pipeline := rt.pipeline()
	plan, err := pipeline.Resolve(ctx, records, direction, continueOnError)
	if err != nil {
		return err
	}

	if err := pipeline.ProbeConflicts(ctx, plan); err != nil {
		rt.log.Warn("conflict probe failed", "error", err)
	}
	if err := bulk.RenderPreview(os.Stdout, plan); err != nil {
		return err
	}

	if len(plan.Items) == 0 && len(plan.Unresolved) > 0 {
		return &exitError{code: core.ExitValidation, msg: "no records left to execute after resolution failures"}
	}
	if bulkDryRun {
		pterm.Info.Println("dry run: no changes made")
		return nil
	}
	if len(plan.Items) == 0 {
		// Selectors that matched nothing are a successful no-op, journaled
		// with empty account_ids so the run is auditable.
		outcome, err := pipeline.Execute(ctx, plan, continueOnError, nil)
		if err != nil {
			return err
		}
		pterm.Info.Println("selectors matched no accounts; nothing to do")
		for _, id := range outcome.OperationIDs {
			pterm.Printfln("operation id: %s", id)
		}
		return nil
	}
	if !bulkForce {
		ok, _ := pterm.DefaultInteractiveConfirm.Show(fmt.Sprintf("Execute %d assignments?", len(plan.Items)))
		if !ok {
			return core.ErrNoConfirmation
		}
	}

	progress := assignment.NewProgress(len(plan.Items))
	done := startProgressRenderer(progress, len(plan.Items))
	outcome, err := pipeline.Execute(ctx, plan, continueOnError, progress)
	progress.Close()
	<-done
	if err != nil {
		return err
	}

	pterm.Printfln("%d processed (%d succeeded, %d skipped, %d failed)",
		outcome.Processed, outcome.Succeeded, outcome.Skipped, outcome.Failed)
	for _, id := range outcome.OperationIDs {
		pterm.Printfln("operation id: %s", id)
	}

	if code := outcome.ExitCode(); code != core.ExitOK {
		return &exitError{code: code, msg: fmt.Sprintf("%d of %d assignments failed", outcome.Failed, outcome.Processed)}
	}
	return nil
}

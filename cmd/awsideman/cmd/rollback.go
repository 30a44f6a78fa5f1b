package cmd

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/vikyol/awsideman/internal/assignment"
	"github.com/vikyol/awsideman/internal/core"
	"github.com/vikyol/awsideman/internal/operations"
)

var (
	rollbackDays      int
	rollbackPrincipal string
	rollbackPermSet   string
	rollbackType      string

	rollbackDryRun    bool
	rollbackYes       bool
	rollbackStrict    bool
	rollbackBatchSize int
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Inspect and undo past operations",
}

var rollbackListCmd = &cobra.Command{
	Use:   "list",
	Short: "List operations eligible for rollback",
	Long: `List journaled operations, newest first.

Examples:
  awsideman rollback list
  awsideman rollback list --days 7 --principal alice
  awsideman rollback list --type bulk_assign
`,
	RunE: func(c *cobra.Command, args []string) error {
		ctx := c.Context()
		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.close()

		filter := operations.Filter{
			PrincipalName:     rollbackPrincipal,
			PermissionSetName: rollbackPermSet,
			Kind:              core.OperationKind(rollbackType),
		}
		if rollbackDays > 0 {
			filter.Since = time.Now().UTC().AddDate(0, 0, -rollbackDays)
		}

		recs, err := rt.opLogger.Store().List(ctx, filter)
		if err != nil {
			return err
		}

		rows := pterm.TableData{{"Operation ID", "Time", "Kind", "Principal", "Permission Set", "Accounts", "Rolled Back"}}
		for _, rec := range recs {
			rows = append(rows, []string{
				rec.OperationID,
				rec.Timestamp.Format(time.RFC3339),
				string(rec.Kind),
				rec.PrincipalName,
				rec.PermissionSetName,
				fmt.Sprintf("%d", len(rec.AccountIDs)),
				fmt.Sprintf("%v", rec.RolledBack),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	},
}

var rollbackApplyCmd = &cobra.Command{
	Use:   "apply <operation-id>",
	Short: "Execute the inverse of a past operation",
	Long: `Validate a past operation against live AWS state, plan its inverse, and
execute it. Accounts whose state already matches the post-rollback target are
skipped with a warning. The rollback is journaled as its own operation and
cross-linked to the original.

Examples:
  awsideman rollback apply 4c2588b7-1b68-4b6e-bb5c-28b5f4d1a3f9 --dry-run
  awsideman rollback apply 4c2588b7-1b68-4b6e-bb5c-28b5f4d1a3f9 --yes
`,
	Args: cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		ctx := c.Context()
		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.close()

		processor := rt.rollback()
		plan, err := processor.Plan(ctx, args[0], rollbackStrict)
		if err != nil {
			return err
		}

		pterm.DefaultSection.Printfln("rollback plan for %s", plan.OperationID)
		rows := pterm.TableData{{"Action", "Account", "Observed State"}}
		for _, action := range plan.Actions {
			rows = append(rows, []string{string(action.ActionKind), action.AccountID, string(action.ObservedState)})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
			return err
		}
		for _, w := range plan.Warnings {
			pterm.Warning.Println(w)
		}
		pterm.Printfln("%d actions, estimated duration %s", len(plan.Actions), plan.EstimatedDuration.Round(time.Second))

		if rollbackDryRun {
			pterm.Info.Println("dry run: no changes made")
			return nil
		}
		if !rollbackYes {
			ok, _ := pterm.DefaultInteractiveConfirm.Show(fmt.Sprintf("Execute %d rollback actions?", len(plan.Actions)))
			if !ok {
				return core.ErrNoConfirmation
			}
		}

		progress := assignment.NewProgress(len(plan.Actions))
		done := startProgressRenderer(progress, len(plan.Actions))
		rec, err := processor.Execute(ctx, plan, rt.opLogger, progress)
		progress.Close()
		<-done
		if err != nil {
			return err
		}

		pterm.Success.Printfln("rolled back %s", plan.OperationID)
		pterm.Printfln("rollback operation id: %s", rec.OperationID)
		return nil
	},
}

func init() {
	rollbackListCmd.Flags().IntVar(&rollbackDays, "days", 0, "only show operations from the last N days")
	rollbackListCmd.Flags().StringVar(&rollbackPrincipal, "principal", "", "filter by principal name")
	rollbackListCmd.Flags().StringVar(&rollbackPermSet, "permission-set", "", "filter by permission set name")
	rollbackListCmd.Flags().StringVar(&rollbackType, "type", "", "filter by operation kind")

	rollbackApplyCmd.Flags().BoolVar(&rollbackDryRun, "dry-run", false, "plan and verify only, never mutate")
	rollbackApplyCmd.Flags().BoolVar(&rollbackYes, "yes", false, "skip the confirmation prompt")
	rollbackApplyCmd.Flags().BoolVar(&rollbackStrict, "strict", false, "fail on any state mismatch instead of warning")
	rollbackApplyCmd.Flags().IntVar(&rollbackBatchSize, "batch-size", 0, "override configured batch size")

	rollbackCmd.AddCommand(rollbackListCmd, rollbackApplyCmd)
	rootCmd.AddCommand(rollbackCmd)
}

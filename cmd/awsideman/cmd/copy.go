package cmd

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/vikyol/awsideman/internal/assignment"
	"github.com/vikyol/awsideman/internal/copier"
	"github.com/vikyol/awsideman/internal/core"
)

var (
	copyFrom         string
	copyTo           string
	copyPreview      bool
	copyIncludePS    []string
	copyExcludePS    []string
	copyIncludeAccts []string
	copyExcludeAccts []string
)

var copyCmd = &cobra.Command{
	Use:   "copy",
	Short: "Copy assignments from one principal to another",
	Long: `Copy every assignment the source principal holds to the target principal.
Assignments the target already holds are skipped. Cross-type copies
(user to group, group to group) are permitted.

Examples:
  awsideman copy --from user:alice --to user:bob
  awsideman copy --from user:alice --to group:new-hires --preview
  awsideman copy --from group:old-team --to group:new-team --include-permission-set ReadOnlyAccess
`,
	RunE: func(c *cobra.Command, args []string) error {
		ctx := c.Context()
		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.close()

		from, err := copier.ParsePrincipalSpec(copyFrom)
		if err != nil {
			return err
		}
		to, err := copier.ParsePrincipalSpec(copyTo)
		if err != nil {
			return err
		}

		filters := core.CopyFilters{
			IncludePermissionSets: copyIncludePS,
			ExcludePermissionSets: copyExcludePS,
			IncludeAccounts:       copyIncludeAccts,
			ExcludeAccounts:       copyExcludeAccts,
		}

		cp := rt.copier()
		plan, err := cp.Plan(ctx, from, to, filters)
		if err != nil {
			return err
		}

		rows := pterm.TableData{{"Permission Set", "Account"}}
		for _, item := range plan.Items {
			rows = append(rows, []string{item.PermissionSetName, item.AccountID})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
			return err
		}
		pterm.Printfln("%d to copy, %d already on target, %d filtered out",
			len(plan.Items), plan.SkippedExisting, plan.SkippedFiltered)

		if copyPreview {
			return nil
		}
		if len(plan.Items) == 0 {
			pterm.Info.Println("nothing to copy")
			return nil
		}
		ok, _ := pterm.DefaultInteractiveConfirm.Show(fmt.Sprintf("Copy %d assignments to %s?", len(plan.Items), copyTo))
		if !ok {
			return core.ErrNoConfirmation
		}

		progress := assignment.NewProgress(len(plan.Items))
		done := startProgressRenderer(progress, len(plan.Items))
		recs, err := cp.Execute(ctx, plan, progress)
		progress.Close()
		<-done
		if err != nil {
			return err
		}

		failed := 0
		for _, rec := range recs {
			pterm.Printfln("operation id: %s (%s)", rec.OperationID, rec.PermissionSetName)
			for _, res := range rec.Results {
				if res.Outcome == core.OutcomeFailed {
					failed++
				}
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d assignments failed", failed)
		}
		return nil
	},
}

func init() {
	copyCmd.Flags().StringVar(&copyFrom, "from", "", "source principal (user:<name> or group:<name>)")
	copyCmd.Flags().StringVar(&copyTo, "to", "", "target principal (user:<name> or group:<name>)")
	copyCmd.Flags().BoolVar(&copyPreview, "preview", false, "show the plan without executing")
	copyCmd.Flags().StringSliceVar(&copyIncludePS, "include-permission-set", nil, "only copy these permission sets")
	copyCmd.Flags().StringSliceVar(&copyExcludePS, "exclude-permission-set", nil, "never copy these permission sets")
	copyCmd.Flags().StringSliceVar(&copyIncludeAccts, "include-account", nil, "only copy assignments on these account ids")
	copyCmd.Flags().StringSliceVar(&copyExcludeAccts, "exclude-account", nil, "never copy assignments on these account ids")
	_ = copyCmd.MarkFlagRequired("from")
	_ = copyCmd.MarkFlagRequired("to")
	rootCmd.AddCommand(copyCmd)
}

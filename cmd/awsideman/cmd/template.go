package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/vikyol/awsideman/internal/assignment"
	"github.com/vikyol/awsideman/internal/core"
	"github.com/vikyol/awsideman/internal/templates"
)

var (
	templateDryRun  bool
	templateRefresh bool
	templateYes     bool
)

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Validate, preview, and apply assignment templates",
	Long: `Templates declare (entity, permission set, target) combinations in YAML
or JSON and resolve to concrete assignments through tag-based account
selection.

Example template:
  metadata:
    name: developer-baseline
  assignments:
    - entities:
        - group:developers
      permission_sets:
        - ReadOnlyAccess
      targets:
        account_tags:
          Env: Dev
          Critical: "!true"   # "!" negates the pair
        exclude_account_ids:
          - "111122223333"
`,
}

var templateValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a template structurally and semantically",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		ctx := c.Context()
		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.close()

		tpl, err := loadTemplate(ctx, rt, args[0])
		if err != nil {
			var report *templates.ValidationReport
			if errors.As(err, &report) {
				for _, p := range report.Problems {
					pterm.Error.Println(p)
				}
			}
			return err
		}
		if problems := templates.ValidateSemantics(ctx, tpl, rt.resolver, rt.opt); len(problems) > 0 {
			for _, p := range problems {
				pterm.Error.Println(p)
			}
			return &exitError{code: core.ExitValidation, msg: fmt.Sprintf("%d semantic problems", len(problems))}
		}
		pterm.Success.Printfln("template %s is valid", tpl.Metadata.Name)
		return nil
	},
}

var templatePreviewCmd = &cobra.Command{
	Use:   "preview <file>",
	Short: "Show the assignments a template would create",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		return runTemplateApply(c, args[0], true)
	},
}

var templateApplyCmd = &cobra.Command{
	Use:   "apply <file>",
	Short: "Apply a template's assignments",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		return runTemplateApply(c, args[0], templateDryRun)
	},
}

func loadTemplate(ctx context.Context, rt *runtime, path string) (*templates.Template, error) {
	if templateRefresh {
		if _, _, err := rt.opt.Refresh(ctx); err != nil {
			return nil, err
		}
	}
	return templates.Load(path)
}

func runTemplateApply(c *cobra.Command, path string, dryRun bool) error {
	ctx := c.Context()
	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	tpl, err := loadTemplate(ctx, rt, path)
	if err != nil {
		return err
	}

	engine := rt.templates()
	diff, err := engine.Plan(ctx, tpl)
	if err != nil {
		return err
	}

	pterm.DefaultSection.Printfln("template %s", diff.TemplateName)
	rows := pterm.TableData{{"Principal", "Permission Set", "Account", "Account ID"}}
	for _, entry := range diff.Additions {
		rows = append(rows, []string{
			entry.Principal.Name,
			entry.PermissionSet.Name,
			entry.Account.Name,
			entry.Account.ID,
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		return err
	}
	pterm.Printfln("%d additions, %d already satisfied", len(diff.Additions), diff.Satisfied)

	if dryRun {
		pterm.Info.Println("dry run: no changes made")
		return nil
	}
	if len(diff.Additions) == 0 {
		pterm.Info.Println("nothing to apply")
		return nil
	}
	if !templateYes {
		ok, _ := pterm.DefaultInteractiveConfirm.Show(fmt.Sprintf("Apply %d assignments?", len(diff.Additions)))
		if !ok {
			return core.ErrNoConfirmation
		}
	}

	progress := assignment.NewProgress(len(diff.Additions))
	done := startProgressRenderer(progress, len(diff.Additions))
	recs, err := engine.Apply(ctx, diff, progress)
	progress.Close()
	<-done
	if err != nil {
		return err
	}

	failed := 0
	for _, rec := range recs {
		pterm.Printfln("operation id: %s", rec.OperationID)
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
}

func init() {
	templateApplyCmd.Flags().BoolVar(&templateDryRun, "dry-run", false, "render the diff without executing")
	templateApplyCmd.Flags().BoolVar(&templateYes, "yes", false, "skip the confirmation prompt")
	for _, c := range []*cobra.Command{templateValidateCmd, templatePreviewCmd, templateApplyCmd} {
		c.Flags().BoolVar(&templateRefresh, "refresh", false, "rebuild the account snapshot before resolving")
	}
	templateCmd.AddCommand(templateValidateCmd, templatePreviewCmd, templateApplyCmd)
	rootCmd.AddCommand(templateCmd)
}

package cmd

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var (
	cloneSource      string
	cloneTarget      string
	cloneDescription string
	clonePreview     bool
)

var cloneCmd = &cobra.Command{
	Use:   "clone",
	Short: "Clone a permission set under a new name",
	Long: `Clone a permission set's full configuration: description, session
duration, relay state, inline policy, and every managed and customer-managed
policy attachment. The clone starts with no assignments.

Examples:
  awsideman clone --name ReadOnlyAccess --to ReadOnlyAccess-v2
  awsideman clone --name AdminAccess --to BreakGlass --description "Emergency access"
  awsideman clone --name ReadOnlyAccess --to ReadOnlyAccess-v2 --preview
`,
	RunE: func(c *cobra.Command, args []string) error {
		ctx := c.Context()
		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.close()

		cloner := rt.cloner()

		if clonePreview {
			cfg, err := cloner.ReadConfig(ctx, cloneSource)
			if err != nil {
				return err
			}
			pterm.DefaultSection.Printfln("clone %s -> %s", cloneSource, cloneTarget)
			pterm.Printfln("description:      %s", cfg.Description)
			pterm.Printfln("session duration: %s", cfg.SessionDuration)
			pterm.Printfln("relay state:      %s", cfg.RelayState)
			pterm.Printfln("managed policies: %d", len(cfg.ManagedPolicyArns))
			pterm.Printfln("customer managed: %d", len(cfg.CustomerManagedPolicies))
			pterm.Printfln("inline policy:    %v", cfg.InlinePolicy != "")
			return nil
		}

		cloned, rec, err := cloner.Clone(ctx, cloneSource, cloneTarget, cloneDescription)
		if err != nil {
			return err
		}
		pterm.Success.Printfln("created %s (%s)", cloned.Name, cloned.ARN)
		pterm.Printfln("operation id: %s", rec.OperationID)
		return nil
	},
}

func init() {
	cloneCmd.Flags().StringVar(&cloneSource, "name", "", "source permission set name")
	cloneCmd.Flags().StringVar(&cloneTarget, "to", "", "new permission set name")
	cloneCmd.Flags().StringVar(&cloneDescription, "description", "", "description for the clone (default: source description)")
	cloneCmd.Flags().BoolVar(&clonePreview, "preview", false, "show the source configuration without creating anything")
	_ = cloneCmd.MarkFlagRequired("name")
	_ = cloneCmd.MarkFlagRequired("to")
	rootCmd.AddCommand(cloneCmd)
}

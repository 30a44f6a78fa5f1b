package bulk

import (
	"fmt"
	"io"

	"github.com/pterm/pterm"

	"github.com/vikyol/awsideman/internal/core"
)

// RenderPreview writes the stage-5 preview table: every resolved triple, the
// conflict column from the read-only probe, and the resolution summary.
func RenderPreview(w io.Writer, plan *Plan) error {
	verb := "assign"
	if plan.Direction == core.DirectionRevoke {
		verb = "revoke"
	}

	rows := pterm.TableData{{"Principal", "Type", "Permission Set", "Account", "Account ID", "State"}}
	for _, item := range plan.Items {
		state := "pending"
		if item.AlreadySatisfied {
			state = "already satisfied"
		}
		rows = append(rows, []string{
			item.Principal.Name,
			string(item.Principal.Type),
			item.PermissionSet.Name,
			item.Account.Name,
			item.Account.ID,
			state,
		})
	}

	if err := pterm.DefaultTable.WithHasHeader().WithWriter(w).WithData(rows).Render(); err != nil {
		return err
	}

	satisfied := 0
	for _, item := range plan.Items {
		if item.AlreadySatisfied {
			satisfied++
		}
	}
	fmt.Fprintf(w, "\n%d rows parsed, %d duplicates collapsed, %d unresolved\n",
		plan.SourceRows, plan.Duplicates, len(plan.Unresolved))
	fmt.Fprintf(w, "%d accounts to %s (%d already satisfied)\n",
		len(plan.Items), verb, satisfied)

	for _, re := range plan.Unresolved {
		pterm.Warning.WithWriter(w).Printfln("row %d: %v", re.Row, re.Err)
	}
	return nil
}

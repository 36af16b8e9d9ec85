package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"gridlock/internal/report"
	"gridlock/internal/worker"
)

var (
	reportsN    int
	reportsJSON bool
)

func init() {
	reportsCmd.Flags().IntVarP(&reportsN, "lines", "n", 20, "Number of reports to show")
	reportsCmd.Flags().BoolVar(&reportsJSON, "json", false, "Emit records as JSON")
	rootCmd.AddCommand(reportsCmd)
}

var reportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "Show recent operation reports",
	RunE:  runReports,
}

func runReports(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sink, err := report.NewSink(worker.NewLayout(cfg.Workspace).Reports())
	if err != nil {
		return err
	}

	recs, err := sink.Recent(reportsN)
	if err != nil {
		return err
	}
	if reportsJSON {
		out, _ := json.MarshalIndent(recs, "", "  ")
		fmt.Println(string(out))
		return nil
	}
	if len(recs) == 0 {
		fmt.Println("No reports yet.")
		return nil
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Started", "Op", "Actor", "Resource", "Status", "Detail"})
	for _, r := range recs {
		detail := r.Error
		if detail == "" && r.Duplicate {
			detail = "duplicate"
		}
		tw.AppendRow(table.Row{r.StartedAt, r.OpID, r.Actor, r.Resource, r.Status, detail})
	}
	tw.Render()
	return nil
}

package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"gridlock/internal/health"
	"gridlock/internal/report"
	"gridlock/internal/worker"
)

var doctorJSON bool

func init() {
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "Emit the summary as JSON")
	rootCmd.AddCommand(doctorCmd)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check workspace health and diagnose coordination issues",
	Long:  "Looks for zombie locks, broken ledger chains, a stale or corrupted state document, and applied changes that never produced a report.",
	RunE:  runDoctor,
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	layout := worker.NewLayout(cfg.Workspace)

	backend, err := openBackend(cfg, layout)
	if err != nil {
		return err
	}
	l, err := openLedger(layout)
	if err != nil {
		return err
	}
	sink, err := report.NewSink(layout.Reports())
	if err != nil {
		return err
	}

	checker := health.NewChecker(health.Checker{
		Locks:       backend,
		LockTTL:     cfg.Lock.TTL(),
		Ledger:      l,
		StatePath:   layout.StatePath(),
		StateMaxAge: cfg.Health.StateMaxAge(),
		Reports:     sink,
	})

	sum, err := checker.Run(cmd.Context())
	if err != nil {
		return err
	}

	if doctorJSON {
		out, _ := json.MarshalIndent(sum, "", "  ")
		fmt.Println(string(out))
	} else {
		if len(sum.Findings) > 0 {
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Component", "Status", "Detail", "Action"})
			for _, f := range sum.Findings {
				tw.AppendRow(table.Row{f.Component, f.Status, f.Detail, f.Action})
			}
			tw.Render()
			fmt.Println()
		}
		fmt.Printf("Workspace %s: %s\n", cfg.Workspace, sum.Status)
	}

	if sum.Status == health.StatusDown {
		return fmt.Errorf("doctor found critical issues")
	}
	return nil
}

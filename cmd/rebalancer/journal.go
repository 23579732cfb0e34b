package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/cuemby/rebalancer/pkg/journal"
	"github.com/spf13/cobra"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect the tick journal",
}

var journalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent ticks, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			dir = cfg.Journal.Dir
		}
		if dir == "" {
			return fmt.Errorf("--dir is required when the config has no journal.dir")
		}
		n, _ := cmd.Flags().GetInt("last")

		store, err := journal.NewBoltStore(dir)
		if err != nil {
			return err
		}
		defer store.Close()

		reports, err := store.List(n)
		if err != nil {
			return err
		}
		if len(reports) == 0 {
			fmt.Println("No ticks recorded")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STARTED\tID\tPHASE\tEPOCH\tSLOT\tOK\tERR\tDURATION\tERROR")
		for _, r := range reports {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
				r.Started.Format(time.RFC3339), r.ID, r.Phase, r.Epoch, r.Slot,
				r.Total.OpsOK, r.Total.OpsErr, r.Duration.Round(time.Millisecond), r.Error)
		}
		return w.Flush()
	},
}

func init() {
	journalCmd.AddCommand(journalListCmd)

	journalListCmd.Flags().String("dir", "", "Journal directory (defaults to journal.dir from the config)")
	journalListCmd.Flags().IntP("last", "n", 20, "Number of ticks to show (0 = all)")
}

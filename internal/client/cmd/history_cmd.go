package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rudransh-shrivastava/peer-drop/internal/store"
	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "list past transfers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		db, err := store.Open(cfg.DatabasePath)
		if err != nil {
			return err
		}
		defer store.Close(db)

		transfers, err := store.NewTransferStore(db).GetTransfers(cmd.Context(), historyLimit)
		if err != nil {
			return err
		}
		if len(transfers) == 0 {
			fmt.Println("No transfers yet")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "WHEN\tDIRECTION\tPEER\tFILE\tSIZE\tSTATUS")
		for _, t := range transfers {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				humanize.Time(time.Unix(t.CreatedAt, 0)),
				t.Direction,
				t.PeerID,
				t.FileName,
				humanize.IBytes(uint64(t.Size)),
				t.Status,
			)
		}
		return w.Flush()
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "l", 20, "number of transfers to show, 0 for all")
}

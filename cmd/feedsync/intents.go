package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/d60-Lab/feedsync/internal/app"
	"github.com/d60-Lab/feedsync/internal/model"
)

var (
	intentStatus string
	intentLimit  int
	intentSweep  bool
)

var intentsCmd = &cobra.Command{
	Use:   "intents",
	Short: "List cross-store intents, optionally flagging stale ones first",
	Long: `Show the intent log that every cross-store mutation writes before touching
either store.

With --sweep, pending intents older than intents.stale_after are marked stale
before listing. Nothing is repaired; stale and failed intents name the post and
asset path an operator has to reconcile.`,
	RunE: runIntents,
}

func init() {
	intentsCmd.Flags().StringVar(&intentStatus, "status", "", "filter by status (pending|done|failed|stale)")
	intentsCmd.Flags().IntVar(&intentLimit, "limit", 50, "maximum rows to print")
	intentsCmd.Flags().BoolVar(&intentSweep, "sweep", false, "flag stale pending intents before listing")
}

func runIntents(cmd *cobra.Command, args []string) error {
	switch intentStatus {
	case "", model.IntentPending, model.IntentDone, model.IntentFailed, model.IntentStale:
	default:
		return fmt.Errorf("unknown status %q", intentStatus)
	}
	ctx := cmd.Context()
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if intentSweep {
		n, err := a.Auditor.SweepOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("flagged %d stale intent(s)\n", n)
	}

	list, err := a.Intents.List(ctx, intentStatus, intentLimit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tOP\tSTATUS\tPOST\tASSET PATH\tSTEP\tAGE\tERROR")
	for _, in := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			in.ID, in.Op, in.Status, in.PostID, in.AssetPath, in.Step,
			time.Since(in.CreatedAt).Truncate(time.Second), in.Error)
	}
	return w.Flush()
}

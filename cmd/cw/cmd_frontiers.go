package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/daviddao/clockwork/pkg/model"
	"github.com/daviddao/clockwork/pkg/storage"
)

func newFrontiersCmd(a *app) *cobra.Command {
	var (
		jsonOut bool
		status  string
		latest  bool
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "frontiers",
		Short: "Show recorded frontiers and collection status history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore()
			if err != nil {
				return err
			}
			defer s.Close()
			ctx := cmd.Context()

			switch {
			case status != "":
				id, err := model.ParseGlobalID(status)
				if err != nil {
					return err
				}
				history, err := s.ListStatusHistory(ctx, &id, limit)
				if err != nil {
					return err
				}
				if jsonOut {
					return a.printJSON(history)
				}
				printStatuses(a, history)
			case latest:
				statuses, err := s.LatestStatuses(ctx)
				if err != nil {
					return err
				}
				if jsonOut {
					return a.printJSON(statuses)
				}
				printStatuses(a, statuses)
			default:
				recs, err := s.ListFrontiers(ctx)
				if err != nil {
					return err
				}
				if jsonOut {
					return a.printJSON(recs)
				}
				if len(recs) == 0 {
					fmt.Fprintln(a.out, "no frontiers recorded")
					return nil
				}
				tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, color.New(color.Bold).Sprint("COLLECTION\tINSTANCE\tREAD\tWRITE"))
				for _, r := range recs {
					inst := "storage"
					if r.Instance != nil {
						inst = r.Instance.String()
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, inst, r.ReadFrontier, r.WriteFrontier)
				}
				return tw.Flush()
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "JSON output")
	cmd.Flags().StringVar(&status, "status", "", "show the status history of a collection")
	cmd.Flags().BoolVar(&latest, "latest", false, "show the latest status of every collection")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum history entries")
	return cmd
}

func statusColor(s storage.Status) *color.Color {
	switch s {
	case storage.StatusRunning:
		return color.New(color.FgGreen)
	case storage.StatusStalled:
		return color.New(color.FgRed)
	case storage.StatusPaused, storage.StatusStarting:
		return color.New(color.FgYellow)
	default:
		return color.New(color.Faint)
	}
}

func printStatuses(a *app, updates []storage.StatusUpdate) {
	if len(updates) == 0 {
		fmt.Fprintln(a.out, "no status updates recorded")
		return
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, color.New(color.Bold).Sprint("COLLECTION\tSTATUS\tAT\tERROR"))
	for _, u := range updates {
		msg := u.Error
		if len(u.Hints) > 0 {
			msg = strings.TrimSpace(msg + " (hint: " + strings.Join(u.Hints, "; ") + ")")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", u.ID, statusColor(u.Status).Sprint(u.Status),
			u.Timestamp.UTC().Format(time.RFC3339), msg)
	}
	tw.Flush()
}

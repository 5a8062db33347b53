package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/finbrief/news-pipeline/internal/model"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show raw backlog, category distribution, and fetch cursors",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		raw, err := st.RawStatusCounts(ctx)
		if err != nil {
			return eris.Wrap(err, "raw status counts")
		}
		categories, err := st.CategoryCounts(ctx)
		if err != nil {
			return eris.Wrap(err, "category counts")
		}
		cursors, err := st.ListCursors(ctx)
		if err != nil {
			return eris.Wrap(err, "list cursors")
		}

		formatStatus(os.Stdout, raw, categories, cursors)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func formatStatus(out io.Writer, raw model.RawStats, categories map[string]int, cursors []model.FetchCursor) {
	fmt.Fprintf(out, "Raw backlog: %d total (%d pending, %d processing, %d completed, %d failed)\n\n",
		raw.Total, raw.Pending, raw.Processing, raw.Completed, raw.Failed)

	if len(categories) > 0 {
		names := make([]string, 0, len(categories))
		for name := range categories {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool {
			if categories[names[i]] != categories[names[j]] {
				return categories[names[i]] > categories[names[j]]
			}
			return names[i] < names[j]
		})

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CATEGORY\tCOUNT")
		fmt.Fprintln(w, "--------\t-----")
		for _, name := range names {
			fmt.Fprintf(w, "%s\t%d\n", name, categories[name])
		}
		w.Flush()
		fmt.Fprintln(out)
	}

	if len(cursors) > 0 {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SYMBOL\tSOURCE\tWINDOW END\tMAX ID\tFETCHED\tSTORED\tSTATUS\tERROR")
		fmt.Fprintln(w, "------\t------\t----------\t------\t-------\t------\t------\t-----")
		for _, c := range cursors {
			windowEnd := "-"
			if !c.LastTo.IsZero() {
				windowEnd = c.LastTo.Format("2006-01-02 15:04")
			}
			errMsg := c.ErrorMessage
			if len(errMsg) > 60 {
				errMsg = errMsg[:57] + "..."
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
				c.Symbol, c.FetchSource, windowEnd, c.MaxID, c.Fetched, c.Stored, c.Status, errMsg)
		}
		w.Flush()
	}
}
